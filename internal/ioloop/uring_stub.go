//go:build !linux

package ioloop

import (
	"errors"

	"golang.org/x/sys/unix"
)

// ErrUnsupportedPlatform is returned by NewUring outside Linux: io_uring
// has no portable equivalent, and spec.md §6 states the kernel
// requirement explicitly.
var ErrUnsupportedPlatform = errors.New("ioloop: io_uring requires linux")

// Uring is an unusable placeholder on non-Linux platforms, so the rest
// of this module still builds (and its platform-independent pieces,
// flow.go in particular, still test) on any OS.
type Uring struct{}

func NewUring(depth uint32) (*Uring, error) {
	return nil, ErrUnsupportedPlatform
}

func (u *Uring) SubmitAccept(listenFD int, userData uint64) error { return ErrUnsupportedPlatform }
func (u *Uring) SubmitRead(fd int, buf []byte, userData uint64) error {
	return ErrUnsupportedPlatform
}
func (u *Uring) SubmitWritev(fd int, iov []unix.Iovec, userData uint64) error {
	return ErrUnsupportedPlatform
}
func (u *Uring) SubmitAndWait(minComplete uint32) error { return ErrUnsupportedPlatform }
func (u *Uring) ForEachCompletion(fn func(userData uint64, res int32)) int { return 0 }
func (u *Uring) Close() error                                             { return nil }
