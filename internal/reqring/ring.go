// Package reqring implements the single-producer/single-consumer request
// ring described in spec.md §4.C: a bounded disruptor-style queue of
// InferenceEvent slots between the IO thread (producer) and the batch
// processor (consumer). Capacity must be a power of two so that cursor
// masking replaces modulus on the hot path.
package reqring

import (
	"sync/atomic"

	"github.com/sriggin/disrust/internal/bufferpool"
)

// InferenceEvent is one request ring slot: a connection-scoped request
// awaiting compute. Features is a PoolSlice borrowed from the owning IO
// thread's feature buffer pool; ownership transfers to the ring on
// Publish and is released back to the pool when the slot is next
// overwritten.
type InferenceEvent struct {
	ConnKey     uint32
	RequestSeq  uint64
	NumVectors  uint16
	ThreadID    uint8
	Features    bufferpool.PoolSlice
}

// Ring is a bounded SPSC queue of InferenceEvent. The zero value is not
// usable; construct with New.
type Ring struct {
	mask  uint64
	slots []InferenceEvent

	// publishedSeq is written only by the producer, with a release
	// store, and read by the consumer with an acquire load: it is the
	// ring's sole publication barrier.
	publishedSeq uint64
	// consumedSeq is written only by the consumer and read by the
	// producer to compute free space (backpressure).
	consumedSeq uint64

	// nextSeq is producer-private; it is not shared, so it needs no
	// atomic access.
	nextSeq uint64
}

// New constructs a ring of the given capacity, which must be a power of
// two.
func New(capacity int) *Ring {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		panic("reqring: capacity must be a power of two")
	}
	return &Ring{
		mask:  uint64(capacity - 1),
		slots: make([]InferenceEvent, capacity),
	}
}

// Capacity returns the ring's slot count.
func (r *Ring) Capacity() int { return len(r.slots) }

// HasRoom reports whether the next Publish would succeed without
// lapping the consumer's cursor. Callers that must allocate a resource
// (e.g. a pool slice) before constructing the event to publish should
// check this first, since Publish itself cannot undo an allocation
// already handed to the caller.
func (r *Ring) HasRoom() bool {
	consumed := atomic.LoadUint64(&r.consumedSeq)
	return r.nextSeq-consumed < uint64(len(r.slots))
}

// Publish attempts to publish ev as the next slot. It returns false
// (without modifying the ring) if doing so would lap the consumer's
// cursor — the caller (the IO thread) must count this as req_ring_full
// and retry later without losing the bytes it parsed ev from.
//
// Publish must be called from exactly one goroutine (the producer).
func (r *Ring) Publish(ev InferenceEvent) bool {
	consumed := atomic.LoadUint64(&r.consumedSeq)
	if r.nextSeq-consumed >= uint64(len(r.slots)) {
		return false
	}

	idx := r.nextSeq & r.mask
	prev := r.slots[idx]
	r.slots[idx] = ev

	atomic.StoreUint64(&r.publishedSeq, r.nextSeq+1)
	r.nextSeq++

	if prev.Features.Valid() {
		prev.Features.Release()
	}
	return true
}

// Occupied returns a snapshot of the number of slots currently published
// but not yet consumed, for metrics gauges.
func (r *Ring) Occupied() int {
	pub := atomic.LoadUint64(&r.publishedSeq)
	cons := atomic.LoadUint64(&r.consumedSeq)
	return int(pub - cons)
}

// Consumer is a single-consumer cursor over a Ring. It must be used from
// exactly one goroutine (the batch processor); the Ring itself holds no
// per-consumer state beyond the shared consumedSeq counter.
type Consumer struct {
	ring *Ring
	seq  uint64
}

// NewConsumer returns a Consumer reading from the start of r.
func NewConsumer(r *Ring) *Consumer {
	return &Consumer{ring: r}
}

// TryNext returns the next unconsumed event and true, or the zero value
// and false if the consumer has caught up with the producer. The caller
// must call Advance after it has finished processing the returned event,
// before its slot can legally be overwritten.
func (c *Consumer) TryNext() (InferenceEvent, bool) {
	published := atomic.LoadUint64(&c.ring.publishedSeq)
	if c.seq >= published {
		return InferenceEvent{}, false
	}
	idx := c.seq & c.ring.mask
	return c.ring.slots[idx], true
}

// Advance marks the most recently returned event as fully processed,
// making its slot eligible for the producer to overwrite and updating
// the shared consumedSeq the producer uses for backpressure.
func (c *Consumer) Advance() {
	c.seq++
	atomic.StoreUint64(&c.ring.consumedSeq, c.seq)
}
