package bufferpool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocBasic(t *testing.T) {
	p, err := New(1024)
	require.NoError(t, err)
	defer p.Close()

	s, err := p.Alloc(64)
	require.NoError(t, err)
	require.Equal(t, 64, s.Len())
	for i := range s.Bytes() {
		s.Bytes()[i] = byte(i)
	}
}

func TestAllocTooLarge(t *testing.T) {
	p, err := New(128)
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Alloc(256)
	require.Error(t, err)
	ae, ok := err.(*AllocError)
	require.True(t, ok, "err = %v, want *AllocError", err)
	require.Equal(t, ErrKindTooLarge, ae.Kind)
}

func TestAllocExhaustion(t *testing.T) {
	p, err := New(256)
	require.NoError(t, err)
	defer p.Close()

	s1, err := p.Alloc(200)
	require.NoError(t, err)

	_, err = p.Alloc(100)
	ae, ok := err.(*AllocError)
	require.True(t, ok, "err = %v, want *AllocError", err)
	require.Equal(t, ErrKindExhausted, ae.Kind)

	s1.Freeze().Release()

	s2, err := p.Alloc(100)
	require.NoError(t, err)
	require.Equal(t, 100, s2.Len())
}

// TestWraparound exercises the straddle-the-end case: an allocation that
// would not fit contiguously before the arena's end must skip to offset
// zero rather than split across the boundary.
func TestWraparound(t *testing.T) {
	p, err := New(256)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	s1, err := p.Alloc(200)
	if err != nil {
		t.Fatalf("Alloc s1: %v", err)
	}
	s1f := s1.Freeze()
	s1f.Release()

	// Write cursor now sits at 200 with 56 bytes to the arena's end. A
	// 100-byte allocation cannot fit there and must wrap to zero.
	s2, err := p.Alloc(100)
	if err != nil {
		t.Fatalf("Alloc s2 (wraparound): %v", err)
	}
	if s2.start != 0 {
		t.Fatalf("s2.start = %d, want 0 (wrapped)", s2.start)
	}
}

// TestConservation checks that the sum of all concurrently live slice
// lengths never exceeds the arena capacity, across a long randomized
// alloc/release sequence driven by a simple FIFO queue (matching the
// pool's FIFO release discipline).
func TestConservation(t *testing.T) {
	const capacity = 4096
	p, err := New(capacity)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	var live []PoolSlice
	sizes := []int{32, 64, 128, 16, 256, 8, 512, 1, 1024}

	for round := 0; round < 500; round++ {
		n := sizes[round%len(sizes)]
		s, err := p.Alloc(n)
		if err != nil {
			// Exhausted: drain the oldest live slice and retry once.
			if len(live) == 0 {
				t.Fatalf("round %d: exhausted with nothing live", round)
			}
			live[0].Release()
			live = live[1:]
			s, err = p.Alloc(n)
			if err != nil {
				continue
			}
		}
		if occ := p.Occupied(); occ > capacity {
			t.Fatalf("round %d: Occupied()=%d exceeds capacity=%d", round, occ, capacity)
		}
		live = append(live, s.Freeze())
	}

	for _, s := range live {
		s.Release()
	}
	if occ := p.Occupied(); occ != 0 {
		t.Fatalf("after draining all: Occupied()=%d, want 0", occ)
	}
}

// TestExclusion checks that two live slices never describe overlapping
// byte ranges of the underlying arena.
func TestExclusion(t *testing.T) {
	p, err := New(512)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	a, err := p.Alloc(100)
	if err != nil {
		t.Fatalf("Alloc a: %v", err)
	}
	b, err := p.Alloc(100)
	if err != nil {
		t.Fatalf("Alloc b: %v", err)
	}

	aStart, aEnd := a.start, a.start+uint64(a.Len())
	bStart, bEnd := b.start, b.start+uint64(b.Len())
	if aStart < bEnd && bStart < aEnd {
		t.Fatalf("overlap: a=[%d,%d) b=[%d,%d)", aStart, aEnd, bStart, bEnd)
	}

	for i := range a.Bytes() {
		a.Bytes()[i] = 0xAA
	}
	for i := range b.Bytes() {
		b.Bytes()[i] = 0xBB
	}
	for i, v := range a.Bytes() {
		if v != 0xAA {
			t.Fatalf("a.Bytes()[%d] clobbered by b's writes", i)
		}
	}
}

func TestReleaseFreesExactlyOnce(t *testing.T) {
	p, err := New(256)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	s, err := p.Alloc(128)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	fs := s.Freeze()
	if occ := p.Occupied(); occ != 128 {
		t.Fatalf("Occupied()=%d, want 128", occ)
	}
	fs.Release()
	if occ := p.Occupied(); occ != 0 {
		t.Fatalf("Occupied() after release=%d, want 0", occ)
	}
}
