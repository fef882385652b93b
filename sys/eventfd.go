//go:build linux

package sys

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// EventFd creates the cross-thread wake-up fd EventLoop registers as its
// wake channel (spec.md §4.4, §6): an 8-byte counter readable/writable
// from any thread.
func EventFd() (int, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return -1, wrap("eventfd", err)
	}
	return fd, nil
}

// WakeUp writes the 8-byte counter increment that wakes a blocked
// epoll_wait/poll on the other end of an eventfd.
func WakeUp(fd int) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(fd, buf[:])
	return err
}

// DrainWake reads (and discards) the 8-byte counter, per spec.md §4.4
// ("registered as a read-enabled channel whose callback drains 8
// bytes").
func DrainWake(fd int) {
	var buf [8]byte
	_, _ = unix.Read(fd, buf[:])
}
