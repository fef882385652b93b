//go:build linux

package sys

import (
	"time"

	"golang.org/x/sys/unix"
)

// TimerFd creates the single kernel timerfd TimerQueue integrates into
// the multiplexer (spec.md §4.3, §6).
func TimerFd() (int, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return -1, wrap("timerfd_create", err)
	}
	return fd, nil
}

// TimerFdSetTime re-arms fd to fire once, after the time remaining until
// expiration (a relative setting, never shorter than 100 microseconds).
// It never disarms the timer: an expiration in the past fires after the
// minimum delay.
func TimerFdSetTime(fd int, expiration time.Time) error {
	d := time.Until(expiration)
	if d < 100*time.Microsecond {
		// spec.md §4.3: "minimum scheduling resolution is bounded below
		// by 100 microseconds".
		d = 100 * time.Microsecond
	}
	spec := unix.ItimerSpec{
		Value: unix.NsecToTimespec(d.Nanoseconds()),
	}
	return wrap("timerfd_settime", unix.TimerfdSettime(fd, 0, &spec, nil))
}

// DrainTimerFd reads the expiration counter off fd, per spec.md §4.3
// ("read to drain expiration count").
func DrainTimerFd(fd int) uint64 {
	var buf [8]byte
	n, _ := unix.Read(fd, buf[:])
	if n != 8 {
		return 0
	}
	return uint64(buf[0]) | uint64(buf[1])<<8 | uint64(buf[2])<<16 | uint64(buf[3])<<24 |
		uint64(buf[4])<<32 | uint64(buf[5])<<40 | uint64(buf[6])<<48 | uint64(buf[7])<<56
}
