// Package server implements spec.md §4.H: startup assembly. It binds the
// reuse-port listening socket(s), constructs one shared request ring and,
// per IO thread, a feature pool, result pool, response ring, and io_uring
// instance, wires a single batch processor across all of them, and
// supervises every thread with an errgroup: a fatal error returned by any
// IO thread cancels the others and is returned from Run. Panics are not
// recovered; a panic in any thread ends the process with a non-zero exit.
package server

import (
	"context"
	"fmt"
	"runtime"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/sriggin/disrust/internal/batch"
	"github.com/sriggin/disrust/internal/bufferpool"
	"github.com/sriggin/disrust/internal/config"
	"github.com/sriggin/disrust/internal/ioloop"
	"github.com/sriggin/disrust/internal/metrics"
	"github.com/sriggin/disrust/internal/reqring"
	"github.com/sriggin/disrust/internal/respring"
)

// Options configures a Server. NumIOThreads defaults to 1 — the
// single-IO-thread reference configuration of spec.md §5 — since the
// request ring is SPSC; raising it requires the multi-producer request
// ring spec.md §9 describes as a future extension, which this
// implementation does not attempt.
type Options struct {
	Port         uint16
	NumIOThreads int
	Log          *logrus.Logger
	Metrics      *metrics.Registry
}

// Server owns every long-lived resource startup assembly creates.
type Server struct {
	opts      Options
	listenFDs []int
	reqRing   *reqring.Ring
	threads   []*ioloop.Thread
	processor *batch.Processor
}

// New binds the listening socket(s) and constructs every component, but
// starts no threads yet — call Run for that.
func New(opts Options) (*Server, error) {
	if opts.NumIOThreads <= 0 {
		opts.NumIOThreads = 1
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	if opts.NumIOThreads > config.MaxIOThreads {
		return nil, fmt.Errorf("server: NumIOThreads=%d exceeds MaxIOThreads=%d", opts.NumIOThreads, config.MaxIOThreads)
	}

	listenFDs, err := bindListenerPerThread(opts.Port, opts.NumIOThreads)
	if err != nil {
		return nil, err
	}

	reqRing := reqring.New(config.DisruptorSize)

	threads := make([]*ioloop.Thread, opts.NumIOThreads)
	respRings := make([]*respring.Ring, opts.NumIOThreads)
	resultPools := make([]*bufferpool.Pool, opts.NumIOThreads)

	for i := 0; i < opts.NumIOThreads; i++ {
		respRing, err := respring.New(config.ResponseQueueSize)
		if err != nil {
			closeAll(listenFDs)
			return nil, fmt.Errorf("server: response ring for thread %d: %w", i, err)
		}
		respRings[i] = respRing

		resultPool, err := bufferpool.New(config.ResultPoolCapacity)
		if err != nil {
			closeAll(listenFDs)
			return nil, fmt.Errorf("server: result pool for thread %d: %w", i, err)
		}
		resultPools[i] = resultPool

		th, err := ioloop.NewThread(uint8(i), listenFDs[i], reqRing, respRing, opts.Log, opts.Metrics)
		if err != nil {
			closeAll(listenFDs)
			return nil, fmt.Errorf("server: IO thread %d: %w", i, err)
		}
		threads[i] = th
	}

	processor := batch.NewProcessor(reqring.NewConsumer(reqRing), respRings, resultPools, opts.Metrics)

	return &Server{
		opts:      opts,
		listenFDs: listenFDs,
		reqRing:   reqRing,
		threads:   threads,
		processor: processor,
	}, nil
}

// Run launches every IO thread and the batch processor, pinned to
// distinct cores where supported, and blocks until ctx is cancelled or
// any thread returns a fatal error. It returns that error, if any, after
// every thread has stopped.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for i, th := range s.threads {
		th := th
		coreID := i
		g.Go(func() error {
			runtime.LockOSThread()
			pinToCore(coreID, s.opts.Log)
			return th.Run(gctx)
		})
	}

	g.Go(func() error {
		runtime.LockOSThread()
		pinToCore(len(s.threads), s.opts.Log)
		s.processor.Run(gctx)
		return nil
	})

	err := g.Wait()
	for _, th := range s.threads {
		th.Close()
	}
	closeAll(s.listenFDs)
	return err
}

func closeAll(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}

// pinToCore best-effort pins the calling goroutine's underlying OS thread
// to one core. Failure is logged, not fatal, per spec.md §4.H's "pinned
// ... where supported" — callers must have already locked the goroutine
// to its OS thread (runtime.LockOSThread) for this to have any effect.
func pinToCore(core int, log *logrus.Logger) {
	var set unix.CPUSet
	set.Zero()
	set.Set(core)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		log.WithFields(logrus.Fields{"core": core, "error": err}).Debug("core pinning unavailable")
	}
}
