// Package metrics implements the optional observation hooks of
// spec.md §6: a process-wide set of monotonic counters and occupancy
// gauges, updated with relaxed atomic operations on the hot path and
// observed through two surfaces — a periodic stdout snapshot and a
// Prometheus exposition endpoint — neither of which has any effect on
// request semantics.
package metrics

import "sync/atomic"

// Counters holds every monotonic counter named in spec.md §6.
type Counters struct {
	Published    uint64
	Sent         uint64
	ReqRingFull  uint64
	RespRingFull uint64
	PoolExh      uint64
	PoolTooLarge uint64
	PollEvents   uint64
	PollNoEvents uint64
}

// Gauges holds the current/peak occupancy figures spec.md §6 names.
// Peaks are updated with a compare-and-swap loop since "peak" requires a
// monotone-max update, unlike the plain counters above.
type Gauges struct {
	ReqRingOccupancy  uint64
	ReqRingPeak       uint64
	RespRingOccupancy uint64
	RespRingPeak      uint64
	PoolBytesInUse    uint64
	PoolBytesPeak     uint64
}

// Registry is the process-wide set of counters and gauges. The zero
// value is ready to use.
type Registry struct {
	Counters
	Gauges
}

// New returns a ready Registry.
func New() *Registry {
	return &Registry{}
}

func (r *Registry) IncPublished()    { atomic.AddUint64(&r.Published, 1) }
func (r *Registry) IncSent()         { atomic.AddUint64(&r.Sent, 1) }
func (r *Registry) IncReqRingFull()  { atomic.AddUint64(&r.ReqRingFull, 1) }
func (r *Registry) IncRespRingFull() { atomic.AddUint64(&r.RespRingFull, 1) }
func (r *Registry) IncPoolExh()      { atomic.AddUint64(&r.PoolExh, 1) }
func (r *Registry) IncPoolTooLarge() { atomic.AddUint64(&r.PoolTooLarge, 1) }
func (r *Registry) IncPollEvents()   { atomic.AddUint64(&r.PollEvents, 1) }
func (r *Registry) IncPollNoEvents() { atomic.AddUint64(&r.PollNoEvents, 1) }

// SetReqRingOccupancy records the request ring's current depth and bumps
// its peak if exceeded.
func (r *Registry) SetReqRingOccupancy(v uint64) {
	atomic.StoreUint64(&r.ReqRingOccupancy, v)
	bumpPeak(&r.ReqRingPeak, v)
}

// SetRespRingOccupancy records a response ring's current depth and bumps
// its peak if exceeded.
func (r *Registry) SetRespRingOccupancy(v uint64) {
	atomic.StoreUint64(&r.RespRingOccupancy, v)
	bumpPeak(&r.RespRingPeak, v)
}

// SetPoolBytesInUse records a buffer pool's current occupied bytes and
// bumps its peak if exceeded.
func (r *Registry) SetPoolBytesInUse(v uint64) {
	atomic.StoreUint64(&r.PoolBytesInUse, v)
	bumpPeak(&r.PoolBytesPeak, v)
}

func bumpPeak(peak *uint64, v uint64) {
	for {
		cur := atomic.LoadUint64(peak)
		if v <= cur {
			return
		}
		if atomic.CompareAndSwapUint64(peak, cur, v) {
			return
		}
	}
}

// Snapshot is an immutable copy of every counter/gauge, safe to log or
// encode without racing further updates.
type Snapshot struct {
	Counters
	Gauges
}

// Snapshot takes a point-in-time copy of r.
func (r *Registry) Snapshot() Snapshot {
	return Snapshot{
		Counters: Counters{
			Published:    atomic.LoadUint64(&r.Published),
			Sent:         atomic.LoadUint64(&r.Sent),
			ReqRingFull:  atomic.LoadUint64(&r.ReqRingFull),
			RespRingFull: atomic.LoadUint64(&r.RespRingFull),
			PoolExh:      atomic.LoadUint64(&r.PoolExh),
			PoolTooLarge: atomic.LoadUint64(&r.PoolTooLarge),
			PollEvents:   atomic.LoadUint64(&r.PollEvents),
			PollNoEvents: atomic.LoadUint64(&r.PollNoEvents),
		},
		Gauges: Gauges{
			ReqRingOccupancy:  atomic.LoadUint64(&r.ReqRingOccupancy),
			ReqRingPeak:       atomic.LoadUint64(&r.ReqRingPeak),
			RespRingOccupancy: atomic.LoadUint64(&r.RespRingOccupancy),
			RespRingPeak:      atomic.LoadUint64(&r.RespRingPeak),
			PoolBytesInUse:    atomic.LoadUint64(&r.PoolBytesInUse),
			PoolBytesPeak:     atomic.LoadUint64(&r.PoolBytesPeak),
		},
	}
}
