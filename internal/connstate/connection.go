// Package connstate implements the per-connection state machine of
// spec.md §4.E: read-buffer accumulation and compaction, a scatter-gather
// write queue, and the Open/Closing lifecycle. Connections are held in a
// Slab (slab.go) keyed by a stable 16-bit index.
package connstate

import (
	"golang.org/x/sys/unix"

	"github.com/sriggin/disrust/internal/config"
	"github.com/sriggin/disrust/internal/respring"
)

// State is a connection's position in its Open/Closing lifecycle.
type State int

const (
	// Open accepts new reads and may publish new requests.
	Open State = iota
	// Closing has seen EOF, a fatal I/O error, or a protocol error;
	// it waits for in-flight read/write operations to finish, then the
	// IO thread removes it from its Slab.
	Closing
)

// segment is one piece of the pending write queue: either a small owned
// response header or a borrowed results payload. onSent, if non-nil, runs
// exactly once, when the segment has been fully written to the socket —
// this is how pooled result storage gets released back to its pool.
type segment struct {
	data   []byte
	onSent func()
}

// Connection is a per-accepted-socket record. It is not safe for
// concurrent use: exactly one IO thread owns it at a time, per spec.md's
// "at most one outstanding read and one outstanding write per
// connection" invariant.
type Connection struct {
	FD         int
	Key        uint16
	Generation uint32
	State      State

	ReadBuf      [config.ReadBufSize]byte
	ReadLen      int
	ReadInflight bool

	WriteInflight bool
	pending       []segment

	NextRequestSeq uint64
}

// NewConnection wraps an accepted file descriptor.
func NewConnection(fd int, key uint16, generation uint32) *Connection {
	return &Connection{FD: fd, Key: key, Generation: generation, State: Open}
}

// ReadSpace returns the unused tail of the read buffer available for the
// next read completion to fill.
func (c *Connection) ReadSpace() []byte {
	return c.ReadBuf[c.ReadLen:]
}

// AdvanceRead records that n freshly read bytes landed at ReadBuf[ReadLen:].
func (c *Connection) AdvanceRead(n int) {
	c.ReadLen += n
}

// Compact discards the first consumed bytes (a fully parsed prefix),
// shifting any unparsed remainder to the front of the buffer. Called
// after the protocol parse loop stops at Incomplete or at a record it
// could not yet allocate/publish.
func (c *Connection) Compact(consumed int) {
	if consumed == 0 {
		return
	}
	remaining := c.ReadLen - consumed
	copy(c.ReadBuf[:remaining], c.ReadBuf[consumed:c.ReadLen])
	c.ReadLen = remaining
}

// QueueResponse appends a response's wire header and result bytes to the
// write queue. release, if non-nil, is invoked once those result bytes
// have been fully written (for results borrowed from a result pool);
// pass nil for inline results, which need no release.
func (c *Connection) QueueResponse(numVectors uint8, resultBytes []byte, release func()) {
	header := []byte{numVectors}
	c.pending = append(c.pending, segment{data: header})
	if len(resultBytes) > 0 {
		c.pending = append(c.pending, segment{data: resultBytes, onSent: release})
	} else if release != nil {
		release()
	}
}

// DrainResponse pulls one response's header+payload off resp and queues
// it, releasing pooled result storage through the segment's onSent hook
// rather than immediately, since the bytes must survive until sent.
func (c *Connection) DrainResponse(resp respring.InferenceResponse) {
	results := resp.Results
	c.QueueResponse(uint8(resp.NumVectors), results.Bytes(), results.Release)
}

// HasPendingWrites reports whether any queued response bytes remain
// unsent.
func (c *Connection) HasPendingWrites() bool {
	return len(c.pending) > 0
}

// BuildIovecs returns an iovec list covering every currently queued
// segment, for a single writev submission.
func (c *Connection) BuildIovecs() []unix.Iovec {
	iovecs := make([]unix.Iovec, 0, len(c.pending))
	for _, seg := range c.pending {
		if len(seg.data) == 0 {
			continue
		}
		var iov unix.Iovec
		iov.Base = &seg.data[0]
		iov.SetLen(len(seg.data))
		iovecs = append(iovecs, iov)
	}
	return iovecs
}

// AdvanceWrite consumes n bytes from the front of the pending write
// queue, in iovec order: segments fully covered are dropped (running
// their onSent hook), and a segment only partially covered is trimmed in
// place so the next writev starts exactly where the kernel left off.
func (c *Connection) AdvanceWrite(n int) {
	for n > 0 && len(c.pending) > 0 {
		seg := &c.pending[0]
		if n < len(seg.data) {
			seg.data = seg.data[n:]
			return
		}
		n -= len(seg.data)
		if seg.onSent != nil {
			seg.onSent()
		}
		c.pending = c.pending[1:]
	}
}

// Close marks the connection Closing and releases any result storage
// still queued for send — spec.md §4.E: "pending responses for that
// connection are drained and discarded". It does not close FD; the IO
// thread (ioloop's reapClosed) does that, and removes the connection
// from its Slab, once both ReadInflight and WriteInflight have settled.
func (c *Connection) Close() {
	c.State = Closing
	for _, seg := range c.pending {
		if seg.onSent != nil {
			seg.onSent()
		}
	}
	c.pending = nil
}

// Idle reports whether the connection has no outstanding read or write
// submission, the condition the IO thread waits for before removing a
// Closing connection from its table.
func (c *Connection) Idle() bool {
	return !c.ReadInflight && !c.WriteInflight
}
