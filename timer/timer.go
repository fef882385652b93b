// Package timer implements spec.md §3/§4.3's Timer, TimerId and
// TimerQueue: one-shot and repeating callbacks scheduled through a single
// kernel timerfd integrated into the owning EventLoop's multiplexer.
// Grounded in original_source/net/Timer.{h,cpp} and TimerQueue.{h,cpp}.
package timer

import "time"

// entry is spec.md §3's Timer: (callback, expiration, interval, repeat,
// sequence).
type entry struct {
	callback   func()
	expiration time.Time
	interval   time.Duration
	repeat     bool
	sequence   uint64
}

// ID identifies a scheduled timer for cancellation (spec.md §3's
// TimerId). Sequence alone is sufficient to uniquely identify a timer for
// the process lifetime — Go's garbage collector makes the original
// "address + sequence" pairing muduo relies on meaningless, since a freed
// *Timer's address could be reused; the sequence counter alone already
// satisfies the uniqueness spec.md requires.
type ID struct {
	sequence uint64
}
