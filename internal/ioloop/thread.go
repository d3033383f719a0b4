package ioloop

import (
	"context"
	"fmt"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/sriggin/disrust/internal/bufferpool"
	"github.com/sriggin/disrust/internal/config"
	"github.com/sriggin/disrust/internal/connstate"
	"github.com/sriggin/disrust/internal/metrics"
	"github.com/sriggin/disrust/internal/reqring"
	"github.com/sriggin/disrust/internal/respring"
)

// Thread is one IO thread, spec.md §4.F/§4.H: it owns an io_uring
// instance, a connection slab, a feature buffer pool, the producer side
// of the shared request ring, and the consumer side of its own response
// ring and eventfd.
type Thread struct {
	ID       uint8
	ListenFD int

	Uring       *Uring
	Slab        *connstate.Slab
	FeaturePool *bufferpool.Pool
	ReqRing     *reqring.Ring
	RespRing    *respring.Ring
	RespCons    *respring.Consumer

	Log     *logrus.Logger
	Metrics *metrics.Registry

	eventFD      *respring.EventFD
	eventReadBuf [8]byte

	shutdownFD      *respring.EventFD
	shutdownReadBuf [8]byte
}

// NewThread constructs an IO thread. respRing must already be
// constructed with its own eventfd (respring.New); ReqRing is the shared
// producer handle moved in from startup assembly.
func NewThread(id uint8, listenFD int, reqRing *reqring.Ring, respRing *respring.Ring, log *logrus.Logger, m *metrics.Registry) (*Thread, error) {
	u, err := NewUring(config.UringQueueDepth)
	if err != nil {
		return nil, fmt.Errorf("ioloop: thread %d: %w", id, err)
	}
	pool, err := bufferpool.New(config.BufferPoolCapacity)
	if err != nil {
		u.Close()
		return nil, fmt.Errorf("ioloop: thread %d: %w", id, err)
	}
	shutdownFD, err := respring.NewEventFD()
	if err != nil {
		pool.Close()
		u.Close()
		return nil, fmt.Errorf("ioloop: thread %d: shutdown eventfd: %w", id, err)
	}

	return &Thread{
		ID:          id,
		ListenFD:    listenFD,
		Uring:       u,
		Slab:        connstate.NewSlab(config.SlabCapacity),
		FeaturePool: pool,
		ReqRing:     reqRing,
		RespRing:    respRing,
		RespCons:    respring.NewConsumer(respRing),
		Log:         log,
		Metrics:     m,
		eventFD:     respRing.EventFD(),
		shutdownFD:  shutdownFD,
	}, nil
}

// Close releases the thread's uring instance, feature pool, and shutdown
// eventfd. Call only after Run has returned.
func (t *Thread) Close() error {
	t.FeaturePool.Close()
	t.shutdownFD.Close()
	return t.Uring.Close()
}

// Run drives the submission/completion loop until ctx is cancelled, per
// spec.md §4.F's four-step loop body. SubmitAndWait blocks in the kernel
// with no timeout, so an idle thread (no pending reads or writes ever
// completing) would otherwise never notice ctx was cancelled; a
// goroutine here writes the thread's shutdown eventfd exactly once when
// ctx is done, which the IO thread has a persistent read armed against,
// guaranteeing the blocking wait returns promptly either way.
func (t *Thread) Run(ctx context.Context) error {
	if err := t.Uring.SubmitAccept(t.ListenFD, EncodeUserData(OpAccept, t.ID, 0)); err != nil {
		return fmt.Errorf("ioloop: thread %d: initial accept: %w", t.ID, err)
	}
	if err := t.armEventFD(); err != nil {
		return fmt.Errorf("ioloop: thread %d: initial eventfd arm: %w", t.ID, err)
	}
	if err := t.armShutdownFD(); err != nil {
		return fmt.Errorf("ioloop: thread %d: initial shutdown eventfd arm: %w", t.ID, err)
	}

	go func() {
		<-ctx.Done()
		if err := t.shutdownFD.Write(1); err != nil {
			t.Log.WithError(err).WithField("thread", t.ID).Warn("failed to signal shutdown eventfd")
		}
	}()

	for ctx.Err() == nil {
		t.retryStalledConnections()

		if err := t.Uring.SubmitAndWait(1); err != nil {
			if ctx.Err() != nil {
				break
			}
			return fmt.Errorf("ioloop: thread %d: submit_and_wait: %w", t.ID, err)
		}

		n := t.Uring.ForEachCompletion(t.dispatch)
		if t.Metrics != nil {
			if n > 0 {
				t.Metrics.IncPollEvents()
			} else {
				t.Metrics.IncPollNoEvents()
			}
			t.Metrics.SetReqRingOccupancy(uint64(t.ReqRing.Occupied()))
			t.Metrics.SetRespRingOccupancy(uint64(t.RespRing.Occupied()))
			t.Metrics.SetPoolBytesInUse(uint64(t.FeaturePool.Occupied()))
		}

		t.reapClosed()
	}
	return nil
}

// retryStalledConnections implements spec.md §4.F step 3: connections
// whose parse loop previously stalled on pool exhaustion or a full
// request ring get another attempt every loop turn, and connections with
// queued, unsent response bytes get a fresh writev if none is already in
// flight.
func (t *Thread) retryStalledConnections() {
	t.Slab.ForEach(func(c *connstate.Connection) {
		if c.State != connstate.Open {
			return
		}
		if !c.ReadInflight && c.ReadLen > 0 {
			t.processReadBuffer(c)
		}
		if !c.ReadInflight && c.ReadLen < config.ReadBufSize {
			t.submitRead(c)
		}
		if !c.WriteInflight && c.HasPendingWrites() {
			t.submitWrite(c)
		}
	})
}

func (t *Thread) dispatch(userData uint64, res int32) {
	op, _, key := DecodeUserData(userData)
	switch op {
	case OpAccept:
		t.handleAccept(res)
	case OpRead:
		t.handleRead(key, res)
	case OpWrite:
		t.handleWrite(key, res)
	case OpEventFD:
		t.handleEventFD(res)
	case OpShutdown:
		// No rearm: this fires once per Run call, right before ctx.Err()
		// turns the loop's own condition false on the next iteration.
	}
}

func (t *Thread) handleAccept(res int32) {
	if res < 0 {
		t.Log.WithFields(logrus.Fields{"thread": t.ID, "errno": -res}).Warn("accept failed")
	} else {
		fd := int(res)
		unix.SetNonblock(fd, true)
		conn := t.Slab.Insert(fd)
		if conn == nil {
			t.Log.WithField("thread", t.ID).Warn("slab full, dropping accepted connection")
			unix.Close(fd)
		} else {
			t.Log.WithFields(logrus.Fields{"thread": t.ID, "conn": conn.Key}).Debug("accepted connection")
			t.submitRead(conn)
		}
	}
	if err := t.Uring.SubmitAccept(t.ListenFD, EncodeUserData(OpAccept, t.ID, 0)); err != nil {
		t.Log.WithError(err).Error("failed to resubmit accept")
	}
}

func (t *Thread) submitRead(c *connstate.Connection) {
	c.ReadInflight = true
	key := connstate.EncodeKey(c.Key, c.Generation)
	if err := t.Uring.SubmitRead(c.FD, c.ReadSpace(), EncodeUserData(OpRead, t.ID, key)); err != nil {
		t.Log.WithError(err).WithField("conn", c.Key).Error("failed to submit read")
		c.ReadInflight = false
	}
}

func (t *Thread) handleRead(key uint32, res int32) {
	idx, gen := connstate.DecodeKey(key)
	c := t.Slab.Lookup(idx, gen)
	if c == nil {
		return // stale completion for an already-removed connection
	}
	c.ReadInflight = false

	switch {
	case res == 0:
		t.Log.WithField("conn", c.Key).Debug("read EOF")
		c.Close()
	case res < 0:
		errno := syscall.Errno(-res)
		if errno == unix.EAGAIN || errno == unix.EINTR {
			t.submitRead(c)
			return
		}
		t.Log.WithFields(logrus.Fields{"conn": c.Key, "errno": errno}).Warn("read error, closing connection")
		c.Close()
	default:
		c.AdvanceRead(int(res))
		t.processReadBuffer(c)
		if c.State == connstate.Open && c.ReadLen < config.ReadBufSize {
			t.submitRead(c)
		}
	}
}

// processReadBuffer runs the wire-protocol parse loop and classifies the
// outcome against spec.md §7's error table.
func (t *Thread) processReadBuffer(c *connstate.Connection) {
	_, exhausted, ringFull, tooLarge, err := ProcessReadBuffer(c, t.FeaturePool, t.ReqRing, t.ID)
	if err != nil {
		if tooLarge && t.Metrics != nil {
			t.Metrics.IncPoolTooLarge()
		}
		t.Log.WithFields(logrus.Fields{"conn": c.Key, "error": err}).Warn("protocol error, closing connection")
		c.Close()
		return
	}
	if exhausted && t.Metrics != nil {
		t.Metrics.IncPoolExh()
	}
	if ringFull && t.Metrics != nil {
		t.Metrics.IncReqRingFull()
	}
}

func (t *Thread) submitWrite(c *connstate.Connection) {
	iovecs := c.BuildIovecs()
	if len(iovecs) == 0 {
		return
	}
	c.WriteInflight = true
	key := connstate.EncodeKey(c.Key, c.Generation)
	if err := t.Uring.SubmitWritev(c.FD, iovecs, EncodeUserData(OpWrite, t.ID, key)); err != nil {
		t.Log.WithError(err).WithField("conn", c.Key).Error("failed to submit writev")
		c.WriteInflight = false
	}
}

func (t *Thread) handleWrite(key uint32, res int32) {
	idx, gen := connstate.DecodeKey(key)
	c := t.Slab.Lookup(idx, gen)
	if c == nil {
		return
	}
	c.WriteInflight = false

	if res < 0 {
		errno := syscall.Errno(-res)
		if errno == unix.EAGAIN || errno == unix.EINTR {
			t.submitWrite(c)
			return
		}
		t.Log.WithFields(logrus.Fields{"conn": c.Key, "errno": errno}).Warn("write error, closing connection")
		c.Close()
		return
	}

	c.AdvanceWrite(int(res))
	if t.Metrics != nil {
		t.Metrics.IncSent()
	}
	if c.HasPendingWrites() {
		t.submitWrite(c)
	}
}

func (t *Thread) armEventFD() error {
	return t.Uring.SubmitRead(t.eventFD.FD(), t.eventReadBuf[:], EncodeUserData(OpEventFD, t.ID, 0))
}

func (t *Thread) armShutdownFD() error {
	return t.Uring.SubmitRead(t.shutdownFD.FD(), t.shutdownReadBuf[:], EncodeUserData(OpShutdown, t.ID, 0))
}

func (t *Thread) handleEventFD(res int32) {
	if res < 0 {
		t.Log.WithField("thread", t.ID).WithField("errno", -res).Error("eventfd read failed")
	} else {
		DrainResponsesForThread(t.RespCons, t.Slab)
		t.Slab.ForEach(func(c *connstate.Connection) {
			if c.State == connstate.Open && !c.WriteInflight && c.HasPendingWrites() {
				t.submitWrite(c)
			}
		})
	}
	if err := t.armEventFD(); err != nil {
		t.Log.WithError(err).Error("failed to rearm eventfd read")
	}
}

// reapClosed removes every Closing connection that has settled (no
// outstanding read or write), closing its file descriptor.
func (t *Thread) reapClosed() {
	var toRemove []uint16
	t.Slab.ForEach(func(c *connstate.Connection) {
		if c.State == connstate.Closing && c.Idle() {
			toRemove = append(toRemove, c.Key)
		}
	})
	for _, key := range toRemove {
		c := t.Slab.LookupByKey(key)
		if c != nil {
			unix.Close(c.FD)
		}
		t.Slab.Remove(key)
	}
}
