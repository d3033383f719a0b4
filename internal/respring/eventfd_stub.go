//go:build !linux

package respring

import "errors"

// ErrUnsupported is returned by NewEventFD on platforms without a native
// eventfd; the io_uring network loop itself is Linux-only (spec.md §6),
// so this stub only needs to exist for the package to build elsewhere.
var ErrUnsupported = errors.New("respring: eventfd requires linux")

// EventFD is an unusable placeholder on non-Linux builds.
type EventFD struct{}

// NewEventFD always fails on non-Linux platforms.
func NewEventFD() (*EventFD, error) {
	return nil, ErrUnsupported
}

func (e *EventFD) FD() int               { return -1 }
func (e *EventFD) Write(delta uint64) error { return ErrUnsupported }
func (e *EventFD) Read() (uint64, error)    { return 0, ErrUnsupported }
func (e *EventFD) Close() error             { return nil }
