package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// RunStdoutSnapshot logs r's counters and gauges every interval until ctx
// is cancelled, the background thread spec.md §6 describes.
func RunStdoutSnapshot(ctx context.Context, r *Registry, interval time.Duration, log *logrus.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := r.Snapshot()
			log.WithFields(logrus.Fields{
				"published":       s.Published,
				"sent":            s.Sent,
				"req_ring_full":   s.ReqRingFull,
				"resp_ring_full":  s.RespRingFull,
				"pool_exh":        s.PoolExh,
				"pool_too_large":  s.PoolTooLarge,
				"poll_events":     s.PollEvents,
				"poll_no_events":  s.PollNoEvents,
				"req_ring_occ":    s.ReqRingOccupancy,
				"req_ring_peak":   s.ReqRingPeak,
				"resp_ring_occ":   s.RespRingOccupancy,
				"resp_ring_peak":  s.RespRingPeak,
				"pool_bytes_used": s.PoolBytesInUse,
				"pool_bytes_peak": s.PoolBytesPeak,
			}).Info("metrics snapshot")
		}
	}
}

// NewPrometheusRegistry wraps r's counters/gauges as CounterFunc/GaugeFunc
// collectors registered into a fresh prometheus.Registry, so scraping
// never touches the hot-path atomics directly — each scrape just reads
// them once through the same Load calls Snapshot uses.
func NewPrometheusRegistry(r *Registry) *prometheus.Registry {
	reg := prometheus.NewRegistry()

	counter := func(name, help string, get func(Snapshot) uint64) {
		reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: name,
			Help: help,
		}, func() float64 { return float64(get(r.Snapshot())) }))
	}
	gauge := func(name, help string, get func(Snapshot) uint64) {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: name,
			Help: help,
		}, func() float64 { return float64(get(r.Snapshot())) }))
	}

	counter("disrust_published_total", "requests published to the request ring", func(s Snapshot) uint64 { return s.Published })
	counter("disrust_sent_total", "responses fully written to a socket", func(s Snapshot) uint64 { return s.Sent })
	counter("disrust_req_ring_full_total", "publish attempts that found the request ring full", func(s Snapshot) uint64 { return s.ReqRingFull })
	counter("disrust_resp_ring_full_total", "publish attempts that found a response ring full", func(s Snapshot) uint64 { return s.RespRingFull })
	counter("disrust_pool_exhausted_total", "buffer pool allocations that found no free span", func(s Snapshot) uint64 { return s.PoolExh })
	counter("disrust_pool_too_large_total", "buffer pool allocations that exceeded capacity", func(s Snapshot) uint64 { return s.PoolTooLarge })
	counter("disrust_poll_events_total", "io_uring submit_and_wait calls that returned completions", func(s Snapshot) uint64 { return s.PollEvents })
	counter("disrust_poll_no_events_total", "io_uring submit_and_wait calls that returned nothing", func(s Snapshot) uint64 { return s.PollNoEvents })

	gauge("disrust_req_ring_occupancy", "current request ring depth", func(s Snapshot) uint64 { return s.ReqRingOccupancy })
	gauge("disrust_req_ring_occupancy_peak", "peak request ring depth", func(s Snapshot) uint64 { return s.ReqRingPeak })
	gauge("disrust_resp_ring_occupancy", "current response ring depth", func(s Snapshot) uint64 { return s.RespRingOccupancy })
	gauge("disrust_resp_ring_occupancy_peak", "peak response ring depth", func(s Snapshot) uint64 { return s.RespRingPeak })
	gauge("disrust_pool_bytes_in_use", "current buffer pool bytes occupied", func(s Snapshot) uint64 { return s.PoolBytesInUse })
	gauge("disrust_pool_bytes_peak", "peak buffer pool bytes occupied", func(s Snapshot) uint64 { return s.PoolBytesPeak })

	return reg
}

// ServeHTTP starts a /metrics HTTP server on addr exposing reg, and
// blocks until ctx is cancelled. Intended to run in its own goroutine.
func ServeHTTP(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
