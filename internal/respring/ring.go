// Package respring implements the per-IO-thread response ring and its
// eventfd wakeup, spec.md §4.D: a bounded SPSC queue of InferenceResponse
// produced by the batch processor and consumed by the owning IO thread,
// with signal coalescing — many publishes between two drains collapse
// into one eventfd wake.
package respring

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/sriggin/disrust/internal/bufferpool"
	"github.com/sriggin/disrust/internal/config"
)

var le = binary.LittleEndian

// ResultStorage holds a response's result bytes, already little-endian
// float32-encoded (the wire format, spec.md §4.A), either inline or
// borrowed from a result buffer pool. Writing results directly in wire
// format avoids a float round-trip: the batch processor encodes once,
// and the IO thread's writev sends those same bytes unchanged.
type ResultStorage struct {
	inline   [config.InlineResultCapacity * 4]byte
	pooled   bufferpool.PoolSlice
	byteLen  int
	usesPool bool
}

// InlineBytes returns the inline backing array as a slice, for the batch
// processor to encode directly into when num_vectors fits.
func (r *ResultStorage) InlineBytes() []byte {
	return r.inline[:]
}

// SetInline records that byteLen bytes of the inline array are in use.
func (r *ResultStorage) SetInline(byteLen int) {
	r.usesPool = false
	r.byteLen = byteLen
}

// SetPooled records a result slice borrowed from a result pool.
func (r *ResultStorage) SetPooled(slice bufferpool.PoolSlice) {
	r.pooled = slice
	r.usesPool = true
	r.byteLen = slice.Len()
}

// Bytes returns the result bytes actually in use, wire-encoded.
func (r *ResultStorage) Bytes() []byte {
	if r.usesPool {
		return r.pooled.Bytes()[:r.byteLen]
	}
	return r.inline[:r.byteLen]
}

// Release returns any pooled result storage to its pool. It is a no-op
// for inline storage.
func (r *ResultStorage) Release() {
	if r.usesPool && r.pooled.Valid() {
		r.pooled.Release()
		r.usesPool = false
	}
}

// InferenceResponse is one response ring slot.
type InferenceResponse struct {
	ConnKey    uint32
	RequestSeq uint64
	NumVectors uint16
	Results    ResultStorage
}

// Ring is a bounded SPSC queue of InferenceResponse plus the eventfd used
// to wake its consumer. Capacity must be a power of two.
type Ring struct {
	mask  uint64
	slots []InferenceResponse

	publishedSeq uint64
	consumedSeq  uint64
	nextSeq      uint64

	signal *EventFD
}

// New constructs a response ring with its own eventfd.
func New(capacity int) (*Ring, error) {
	fd, err := NewEventFD()
	if err != nil {
		return nil, err
	}
	r := newRing(capacity)
	r.signal = fd
	return r, nil
}

// NewWithoutEventFD constructs a response ring whose Signal is a no-op
// and whose EventFD is nil. It exercises the same Publish/Consumer path
// as New without requiring a live Linux eventfd, for platform-portable
// tests of the ring's queueing behavior (the IO thread that actually
// needs the eventfd is Linux-only regardless, spec.md §6).
func NewWithoutEventFD(capacity int) *Ring {
	return newRing(capacity)
}

func newRing(capacity int) *Ring {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		panic("respring: capacity must be a power of two")
	}
	return &Ring{
		mask:  uint64(capacity - 1),
		slots: make([]InferenceResponse, capacity),
	}
}

// Capacity returns the ring's slot count.
func (r *Ring) Capacity() int { return len(r.slots) }

// EventFD returns the ring's wakeup descriptor, for the IO thread to
// register a persistent read against.
func (r *Ring) EventFD() *EventFD { return r.signal }

// Publish publishes resp, spin-waiting if the ring is momentarily full
// (counted by the caller as resp_ring_full) since the request ring's
// backpressure bounds how long that spin can last. It does not itself
// write the eventfd; call Signal once after a batch of publishes.
//
// Publish does not release the pooled results of the slot it overwrites:
// the consumer took its own copy of that response and releases it once
// the bytes are sent or the response is discarded.
func (r *Ring) Publish(resp InferenceResponse) (fullRetries int) {
	for {
		consumed := atomic.LoadUint64(&r.consumedSeq)
		if r.nextSeq-consumed < uint64(len(r.slots)) {
			break
		}
		fullRetries++
	}

	idx := r.nextSeq & r.mask
	r.slots[idx] = resp

	atomic.StoreUint64(&r.publishedSeq, r.nextSeq+1)
	r.nextSeq++

	return fullRetries
}

// Signal writes the ring's eventfd once, waking the IO thread if it is
// blocked in submit_and_wait. Multiple Publish calls followed by one
// Signal coalesce into a single wake, matching spec.md §4.D.
func (r *Ring) Signal() error {
	if r.signal == nil {
		return nil
	}
	return r.signal.Write(1)
}

// Occupied returns a snapshot of the number of published, unconsumed
// slots, for metrics gauges.
func (r *Ring) Occupied() int {
	pub := atomic.LoadUint64(&r.publishedSeq)
	cons := atomic.LoadUint64(&r.consumedSeq)
	return int(pub - cons)
}

// Consumer is a single-consumer cursor over a Ring, used by the owning IO
// thread after an eventfd completion.
type Consumer struct {
	ring *Ring
	seq  uint64
}

// NewConsumer returns a Consumer over r.
func NewConsumer(r *Ring) *Consumer {
	return &Consumer{ring: r}
}

// TryNext returns the next unconsumed response and true, or the zero
// value and false if the consumer has caught up.
func (c *Consumer) TryNext() (InferenceResponse, bool) {
	published := atomic.LoadUint64(&c.ring.publishedSeq)
	if c.seq >= published {
		return InferenceResponse{}, false
	}
	idx := c.seq & c.ring.mask
	return c.ring.slots[idx], true
}

// Advance marks the most recently returned response as consumed.
func (c *Consumer) Advance() {
	c.seq++
	atomic.StoreUint64(&c.ring.consumedSeq, c.seq)
}

// DrainAll calls fn for every currently published, unconsumed response,
// advancing past each in turn, and returns the number drained. This is
// the shape of the OP_EVENTFD completion handler: drain everything
// available before re-arming the eventfd read.
func (c *Consumer) DrainAll(fn func(InferenceResponse)) int {
	n := 0
	for {
		resp, ok := c.TryNext()
		if !ok {
			return n
		}
		fn(resp)
		c.Advance()
		n++
	}
}
