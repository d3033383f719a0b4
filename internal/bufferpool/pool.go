// Package bufferpool implements the ring-arena allocator described in
// spec.md §4.B: a fixed-capacity byte arena with a monotonic write cursor
// for allocation and a monotonic read cursor advanced on release. Callers
// must release slices in the order they were allocated — the pool is a
// ring, not a general heap, and relies on that FIFO discipline to reclaim
// space.
package bufferpool

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// AllocErrorKind classifies why Alloc failed.
type AllocErrorKind int

const (
	// ErrKindTooLarge means the request exceeds the arena's total
	// capacity and could never succeed regardless of occupancy.
	ErrKindTooLarge AllocErrorKind = iota
	// ErrKindExhausted means the arena has no contiguous free span of
	// the requested size right now; the caller should apply backpressure
	// and retry once outstanding slices are released.
	ErrKindExhausted
)

// AllocError is returned by Alloc.
type AllocError struct {
	Kind AllocErrorKind
}

func (e *AllocError) Error() string {
	switch e.Kind {
	case ErrKindTooLarge:
		return "bufferpool: requested size exceeds arena capacity"
	default:
		return "bufferpool: arena exhausted"
	}
}

// Pool is a single fixed-size arena, backed by an anonymous mmap so its
// pages are pre-faulted (MAP_POPULATE) and its memory lives outside the Go
// GC heap: PoolSlices hold raw windows into it that cross goroutine
// boundaries, and the pool's own Close (not a GC finalizer) is what frees
// the backing pages.
//
// Allocation is single-producer: exactly one goroutine calls Alloc on a
// given pool (the IO thread for its feature pool, the batch processor for
// a result pool). Release may be called from other goroutines (the IO
// threads finishing writes) but callers collectively must release slices
// in allocation order.
type Pool struct {
	arena []byte

	// writeCursor and readCursor are monotonically increasing counts of
	// bytes ever allocated/released, not wrapped to the arena size. The
	// live, in-use region is [readCursor, writeCursor) modulo len(arena).
	writeCursor uint64
	readCursor  uint64
}

// New allocates a capacity-byte arena via mmap(MAP_ANONYMOUS|MAP_POPULATE).
func New(capacity int) (*Pool, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("bufferpool: capacity must be positive, got %d", capacity)
	}
	arena, err := unix.Mmap(-1, 0, capacity,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE)
	if err != nil {
		return nil, fmt.Errorf("bufferpool: mmap %d bytes: %w", capacity, err)
	}
	return &Pool{arena: arena}, nil
}

// Close unmaps the arena. The caller must ensure no PoolSlice/PoolSliceMut
// outstanding references it afterward.
func (p *Pool) Close() error {
	if p.arena == nil {
		return nil
	}
	err := unix.Munmap(p.arena)
	p.arena = nil
	return err
}

// Capacity returns the arena size in bytes.
func (p *Pool) Capacity() int {
	return len(p.arena)
}

// Occupied reports the number of bytes currently allocated and not yet
// released. It is a snapshot; useful for metrics gauges, not for
// correctness decisions (Alloc re-reads the cursors itself).
func (p *Pool) Occupied() int {
	wc := loadU64(&p.writeCursor)
	rc := loadU64(&p.readCursor)
	return int(wc - rc)
}

// Alloc reserves n contiguous bytes from the arena. If the requested size
// is larger than the whole arena, it fails with ErrKindTooLarge — no
// amount of draining would ever satisfy it. If the arena currently lacks
// n free bytes (including any bytes skipped to avoid straddling the
// arena's end), it fails with ErrKindExhausted.
func (p *Pool) Alloc(n int) (PoolSliceMut, error) {
	capacity := len(p.arena)
	if n <= 0 || n > capacity {
		return PoolSliceMut{}, &AllocError{Kind: ErrKindTooLarge}
	}

	wc := loadU64(&p.writeCursor)
	rc := loadU64(&p.readCursor)
	used := int(wc - rc)

	offset := int(wc) % capacity
	skip := 0
	if offset+n > capacity {
		// The requested span would straddle the end of the arena; skip
		// to offset zero instead of splitting the allocation in two.
		skip = capacity - offset
	}

	if used+skip+n > capacity {
		return PoolSliceMut{}, &AllocError{Kind: ErrKindExhausted}
	}

	start := (offset + skip) % capacity
	span := uint64(skip + n)
	storeU64(&p.writeCursor, wc+span)

	return PoolSliceMut{
		pool:  p,
		data:  p.arena[start : start+n : start+n],
		start: uint64(start),
		span:  span,
	}, nil
}

// release advances the read cursor past span bytes. Called only through
// PoolSlice.Release/PoolSliceMut.Release.
func (p *Pool) release(span uint64) {
	for {
		rc := loadU64(&p.readCursor)
		if casU64(&p.readCursor, rc, rc+span) {
			return
		}
	}
}

// PoolSliceMut is a freshly allocated, exclusively owned window into the
// arena. The allocator (the IO thread for features, the batch processor
// for results) writes the bytes into it, then either releases it directly or calls Freeze to hand a
// read-only PoolSlice to the component that will eventually release it
// (typically an IO thread, once the corresponding response has been
// written to the wire).
type PoolSliceMut struct {
	pool  *Pool
	data  []byte
	start uint64
	span  uint64
}

// Valid reports whether s refers to a live allocation. The zero value of
// PoolSliceMut is invalid and holds nothing to release.
func (s PoolSliceMut) Valid() bool { return s.pool != nil }

// Bytes exposes the writable window.
func (s PoolSliceMut) Bytes() []byte { return s.data }

// Len returns the number of usable bytes in the slice (excludes any
// wrap-padding skipped during allocation).
func (s PoolSliceMut) Len() int { return len(s.data) }

// Freeze converts the mutable slice into a read-only PoolSlice without
// copying; the caller must not retain or mutate the PoolSliceMut's Bytes()
// afterward.
func (s PoolSliceMut) Freeze() PoolSlice {
	return PoolSlice{pool: s.pool, data: s.data, start: s.start, span: s.span}
}

// Release returns the slice's bytes to the arena without freezing it
// first. Valid only when no PoolSlice was derived from it via Freeze.
func (s PoolSliceMut) Release() {
	s.pool.release(s.span)
}

// PoolSlice is a read-only, releasable window into the arena.
type PoolSlice struct {
	pool  *Pool
	data  []byte
	start uint64
	span  uint64
}

// Valid reports whether s refers to a live allocation. The zero value of
// PoolSlice is invalid and Release on it is a no-op.
func (s PoolSlice) Valid() bool { return s.pool != nil }

// Bytes exposes the slice's contents. Valid until Release is called.
func (s PoolSlice) Bytes() []byte { return s.data }

// Len returns the number of usable bytes in the slice.
func (s PoolSlice) Len() int { return len(s.data) }

// Release returns the slice's bytes to the arena, advancing the pool's
// read cursor. Slices must be released in the order they were allocated;
// releasing out of order corrupts the pool's occupancy accounting for
// every slice allocated in between.
func (s PoolSlice) Release() {
	if s.pool == nil {
		return
	}
	s.pool.release(s.span)
}
