// Package ioloop implements the io_uring-driven network loop of
// spec.md §4.F: submission/completion queue management and the
// accept/read/write/eventfd completion dispatch. This file holds the
// parts of that dispatch that touch no syscall — the request-side parse
// loop and the response-side write-queue loop — so they can be exercised
// directly in tests without a real io_uring instance or socket.
package ioloop

import (
	"errors"
	"fmt"

	"github.com/sriggin/disrust/internal/bufferpool"
	"github.com/sriggin/disrust/internal/connstate"
	"github.com/sriggin/disrust/internal/protocol"
	"github.com/sriggin/disrust/internal/reqring"
	"github.com/sriggin/disrust/internal/respring"
)

// ErrFatalToConnection marks errors that must close the connection
// (protocol violations, allocations larger than the pool can ever serve)
// as opposed to ones that merely retry.
var ErrFatalToConnection = errors.New("ioloop: fatal to connection")

// ProcessReadBuffer runs the parse loop over a connection's freshly
// extended read buffer: for each complete request frame, it allocates a
// feature slice from pool, copies the payload into it, and publishes an
// InferenceEvent to ring. It stops at the first Incomplete frame, the
// first allocation/publish failure (both retried on the next read
// completion per spec.md §4.E), or a protocol error (fatal).
//
// It always compacts the connection's read buffer before returning, so
// ReadLen reflects only the unconsumed remainder.
//
// tooLarge is set alongside err when the fatal error is specifically a
// payload that can never fit the pool, so callers can count it
// separately from other protocol errors without re-parsing err.
func ProcessReadBuffer(conn *connstate.Connection, pool *bufferpool.Pool, ring *reqring.Ring, threadID uint8) (published int, exhausted bool, ringFull bool, tooLarge bool, err error) {
	buf := conn.ReadBuf[:conn.ReadLen]
	offset := 0

	for offset < len(buf) {
		res := protocol.TryParseRequest(buf[offset:])

		switch res.Status {
		case protocol.StatusIncomplete:
			goto done

		case protocol.StatusError:
			err = fmt.Errorf("%w: %v", ErrFatalToConnection, res.Err)
			goto done

		case protocol.StatusComplete:
			// The ring has exactly one producer (this goroutine) and
			// consumedSeq only ever increases, so a true result here is
			// still true when Publish runs below: it is safe to commit
			// to allocating a slice only once room is guaranteed, which
			// is the only way to guarantee Publish never fails after an
			// allocation has already handed the caller pool bytes to
			// release out of the pool's required FIFO order.
			if !ring.HasRoom() {
				ringFull = true
				goto done
			}

			payloadStart := offset + 4
			payload := buf[payloadStart:offset+res.BytesConsumed]

			slice, allocErr := pool.Alloc(len(payload))
			if allocErr != nil {
				var ae *bufferpool.AllocError
				if errors.As(allocErr, &ae) && ae.Kind == bufferpool.ErrKindTooLarge {
					tooLarge = true
					err = fmt.Errorf("%w: feature payload of %d bytes exceeds pool capacity", ErrFatalToConnection, len(payload))
				} else {
					exhausted = true
				}
				goto done
			}
			copy(slice.Bytes(), payload)

			ev := reqring.InferenceEvent{
				ConnKey:    connstate.EncodeKey(conn.Key, conn.Generation),
				RequestSeq: conn.NextRequestSeq,
				NumVectors: uint16(res.NumVectors),
				ThreadID:   threadID,
				Features:   slice.Freeze(),
			}
			if !ring.Publish(ev) {
				// Unreachable given the HasRoom check above and the
				// single-producer invariant; if it ever triggers, the
				// slice must not be force-released out of FIFO order —
				// it stays allocated and the caller retries on the next
				// read completion, just like the exhausted-pool case.
				ringFull = true
				goto done
			}

			conn.NextRequestSeq++
			offset += res.BytesConsumed
			published++
		}
	}

done:
	conn.Compact(offset)
	return published, exhausted, ringFull, tooLarge, err
}

// DrainResponsesForThread pulls every response currently published on
// ring and queues its header+payload bytes onto the owning connection's
// write queue, looking the connection up by its encoded key. A lookup
// miss (the connection was already removed) or a connection already in
// Closing (seen EOF, a fatal error, or a protocol error, but not yet
// reaped) both discard the response, releasing any pooled result
// storage, per spec.md §4.E's "pending responses for that connection are
// drained and discarded" — a Closing connection's write queue is never
// submitted again, so queuing onto it would leak the result slice
// forever instead of releasing it.
func DrainResponsesForThread(consumer *respring.Consumer, slab *connstate.Slab) (drained int) {
	return consumer.DrainAll(func(resp respring.InferenceResponse) {
		idx, gen := connstate.DecodeKey(resp.ConnKey)
		conn := slab.Lookup(idx, gen)
		if conn == nil || conn.State != connstate.Open {
			resp.Results.Release()
			return
		}
		conn.DrainResponse(resp)
	})
}
