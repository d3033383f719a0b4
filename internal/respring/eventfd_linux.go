//go:build linux

package respring

import "golang.org/x/sys/unix"

// EventFD wraps a Linux eventfd(2) descriptor: an 8-byte kernel counter
// that writes increment and reads drain, used as the response ring's
// cross-thread wakeup (spec.md §4.D). It is read by the IO thread through
// a persistent io_uring OP_READ submission, not directly via Read here;
// Read drains the counter with a plain read(2) and is not called by the
// IO thread.
type EventFD struct {
	fd int
}

// NewEventFD creates a non-blocking eventfd starting at counter value 0.
func NewEventFD() (*EventFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &EventFD{fd: fd}, nil
}

// FD returns the raw descriptor, for registering with an IO thread.
func (e *EventFD) FD() int { return e.fd }

// Write adds delta to the kernel counter; concurrent writes before the
// next read coalesce, which is exactly the coalescing spec.md §4.D
// requires.
func (e *EventFD) Write(delta uint64) error {
	var buf [8]byte
	le.PutUint64(buf[:], delta)
	_, err := unix.Write(e.fd, buf[:])
	return err
}

// Read drains the counter, returning its accumulated value and resetting
// it to zero. Returns (0, unix.EAGAIN) if no write is pending.
func (e *EventFD) Read() (uint64, error) {
	var buf [8]byte
	_, err := unix.Read(e.fd, buf[:])
	if err != nil {
		return 0, err
	}
	return le.Uint64(buf[:]), nil
}

// Close releases the descriptor.
func (e *EventFD) Close() error {
	return unix.Close(e.fd)
}
