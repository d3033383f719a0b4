package connstate

import "fmt"

// Slab is a fixed-capacity, indexable table of connections keyed by a
// stable 16-bit index, per spec.md §3: "Connections live in an
// indexable table (slab) keyed by a stable 16-bit index, packaged with a
// generation tag in the low 32 bits of the io_uring user-data field."
//
// Each slot carries a generation counter that increments every time the
// slot is reused, so a stale completion for a connection that has
// already been closed and replaced is detected and dropped rather than
// misdelivered to the new occupant.
type Slab struct {
	conns      []*Connection
	generation []uint16
	free       []uint16
}

// NewSlab constructs a slab with room for capacity live connections,
// which must fit in a 16-bit index (spec.md §3's SlabCapacity).
func NewSlab(capacity int) *Slab {
	if capacity <= 0 || capacity > 1<<16 {
		panic("connstate: slab capacity must be in (0, 65536]")
	}
	s := &Slab{
		conns:      make([]*Connection, capacity),
		generation: make([]uint16, capacity),
		free:       make([]uint16, capacity),
	}
	for i := range s.free {
		s.free[i] = uint16(capacity - 1 - i)
	}
	return s
}

// Insert claims a free slot for a newly accepted fd and returns the
// constructed Connection, or nil if the slab is full.
func (s *Slab) Insert(fd int) *Connection {
	if len(s.free) == 0 {
		return nil
	}
	idx := s.free[len(s.free)-1]
	s.free = s.free[:len(s.free)-1]

	gen := uint32(s.generation[idx])
	c := NewConnection(fd, idx, gen)
	s.conns[idx] = c
	return c
}

// Lookup returns the connection at key with the given generation, or nil
// if the slot is empty, reused, or the key is out of range — a miss
// here is exactly how "pending responses for a closed connection are
// discarded by conn_key lookup miss" (spec.md §4.E) is implemented.
func (s *Slab) Lookup(key uint16, generation uint32) *Connection {
	if int(key) >= len(s.conns) {
		return nil
	}
	c := s.conns[key]
	if c == nil || uint32(s.generation[key]) != generation {
		return nil
	}
	return c
}

// LookupByKey returns the connection at key regardless of generation,
// for the common case where the caller already trusts the key (e.g. it
// just accepted or read from it in the same loop turn).
func (s *Slab) LookupByKey(key uint16) *Connection {
	if int(key) >= len(s.conns) {
		return nil
	}
	return s.conns[key]
}

// Remove evicts the connection at key, bumping its generation so any
// stale in-flight completion referencing the old generation misses on
// Lookup, and returns the slot to the free list.
func (s *Slab) Remove(key uint16) {
	if int(key) >= len(s.conns) || s.conns[key] == nil {
		return
	}
	s.conns[key] = nil
	s.generation[key]++
	s.free = append(s.free, key)
}

// Len returns the number of currently live connections.
func (s *Slab) Len() int {
	return len(s.conns) - len(s.free)
}

// ForEach calls fn once for every currently live connection. fn must not
// insert or remove slab entries.
func (s *Slab) ForEach(fn func(*Connection)) {
	for _, c := range s.conns {
		if c != nil {
			fn(c)
		}
	}
}

// EncodeKey packs a slab index and its generation into the 32-bit key
// field spec.md §3 describes, low 16 bits index, high 16 bits generation.
func EncodeKey(index uint16, generation uint32) uint32 {
	return uint32(index) | (generation&0xFFFF)<<16
}

// DecodeKey reverses EncodeKey.
func DecodeKey(key uint32) (index uint16, generation uint32) {
	return uint16(key & 0xFFFF), key >> 16
}

// String renders the slab's capacity and live-connection count for log
// lines.
func (s *Slab) String() string {
	return fmt.Sprintf("slab(capacity=%d, live=%d)", len(s.conns), s.Len())
}
