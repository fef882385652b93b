// Package poll wraps the two interchangeable readiness-based I/O
// multiplexers spec.md §4.1 requires: an epoll_wait-style "readiness
// array" implementation and a poll(2)-style "iterate array"
// implementation. Both are level-triggered.
package poll

import (
	"time"

	"github.com/moqsien/greactor/channel"
)

// Kind selects which Multiplexer implementation New constructs.
type Kind int

const (
	// KindEpoll uses epoll_wait; the returned active-channel set only
	// contains fds that are actually ready (spec.md: "readiness-array
	// syscall; array grows when full, initial capacity 16").
	KindEpoll Kind = iota
	// KindPoll uses poll(2) over the full registered-fd array every round
	// (spec.md: "iterate-array syscall (fd -> index bookkeeping, tombstone
	// by negating fd on disable)").
	KindPoll
)

// Multiplexer is spec.md §4.1's Poller: wrap readiness-based I/O
// multiplexing and return the set of channels whose registered events
// fired. All methods must be called on the owning EventLoop's thread.
type Multiplexer interface {
	// Poll blocks for at most timeout, appending every channel whose
	// interested events fired to active (which Poll clears first), and
	// returns the timestamp at which it woke. Returns a SystemError on
	// unexpected errno; EINTR is treated as "zero events".
	Poll(timeout time.Duration, active *[]*channel.Channel) (time.Time, error)
	// UpdateChannel registers a new channel, updates an existing one's
	// interest mask, or (if the channel now has no interested events)
	// deregisters it. See the New/Added/Deleted state machine in spec.md
	// §4.1.
	UpdateChannel(c *channel.Channel) error
	// RemoveChannel requires c to already have no interested events.
	RemoveChannel(c *channel.Channel) error
	// HasChannel reports whether c is known to the multiplexer: true from
	// its first UpdateChannel until RemoveChannel, including while it is
	// Deleted (no interest registered).
	HasChannel(c *channel.Channel) bool
	// Close releases the multiplexer's own fd(s).
	Close() error
}

// New constructs a Multiplexer of the requested kind.
func New(kind Kind) (Multiplexer, error) {
	switch kind {
	case KindPoll:
		return newPollMultiplexer()
	default:
		return newEpollMultiplexer()
	}
}
