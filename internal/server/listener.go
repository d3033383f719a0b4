package server

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// bindListener creates a non-blocking TCP listening socket bound to
// 0.0.0.0:port with SO_REUSEPORT set before bind, per spec.md §4.H: the
// kernel load-balances accepted connections across every socket bound
// this way, one per IO thread, rather than this package fanning out
// accepts itself.
func bindListener(port uint16) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("server: socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("server: SO_REUSEPORT: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("server: SO_REUSEADDR: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("server: O_NONBLOCK: %w", err)
	}

	addr := &unix.SockaddrInet4{Port: int(port)}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("server: bind :%d: %w", port, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("server: listen: %w", err)
	}
	return fd, nil
}

// bindListenerPerThread opens n independently-bound sockets on the same
// port, each with SO_REUSEPORT, one per IO thread — the kernel balances
// incoming connections across them, matching spec.md §4.H and §5's
// "listening socket: shared by all IO threads; kernel load-balances via
// SO_REUSEPORT" (a shared fd would still work for one thread, but
// separate sockets are what SO_REUSEPORT is for once n > 1).
func bindListenerPerThread(port uint16, n int) ([]int, error) {
	fds := make([]int, 0, n)
	for i := 0; i < n; i++ {
		fd, err := bindListener(port)
		if err != nil {
			for _, f := range fds {
				unix.Close(f)
			}
			return nil, err
		}
		fds = append(fds, fd)
	}
	return fds, nil
}
