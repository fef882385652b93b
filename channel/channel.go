// Package channel implements the binding of a file descriptor to its
// interested I/O events and per-event callbacks (spec.md §4.2). A Channel
// does not own its fd; it is mutated only on its owner loop's thread.
package channel

import (
	"time"

	"github.com/moqsien/greactor/internal/netlog"
)

// Event is a bitmask over the readiness conditions a Channel can be
// interested in or report back from the multiplexer.
type Event uint32

const (
	EventNone Event = 0
	EventRead Event = 1 << (iota - 1)
	EventWrite
	EventPri
	// EventHangUp / EventError / EventInvalid / EventPeerShutdownRead are
	// revents-only bits; a Channel never expresses interest in them.
	EventHangUp
	EventError
	EventInvalid
	EventPeerShutdownRead
)

// Index is the multiplexer-private bookkeeping state for a Channel
// (spec.md §3 "index is multiplexer-private state").
type Index int

const (
	IndexNew Index = -1
	// Both multiplexers mark a registered channel IndexAdded; the
	// poll(2)-based one keeps each fd's array slot in its own map.
	IndexAdded   Index = -2
	IndexDeleted Index = -3
)

// Updater is the subset of EventLoop a Channel needs: forwarding every
// state change to update_channel, exactly as spec.md §4.2 requires
// ("every state-changing operation forwards to its owner loop's
// update_channel"). Defined here (rather than imported from eloop) to
// avoid a channel<->eloop import cycle.
type Updater interface {
	UpdateChannel(c *Channel)
	RemoveChannel(c *Channel)
}

// Tie is a weak back-reference an owner object (typically a Connection)
// installs on its Channel; handle_event upgrades it to strong for the
// duration of dispatch so the owner cannot be destroyed mid-callback
// (spec.md §4.2, §9 "Shared ownership with back-reference").
type Tie interface {
	// Upgrade returns a strong reference that keeps the owner alive, or
	// false if the owner is already gone.
	Upgrade() (release func(), ok bool)
}

// Channel binds a single fd to its interested events and callbacks.
// Mutated only on loop's owning thread (spec.md invariant 1).
type Channel struct {
	fd    int
	loop  Updater
	index Index

	events  Event
	revents Event

	onRead  func(when time.Time)
	onWrite func()
	onClose func()
	onError func()

	tie Tie
}

// New binds fd to loop. The Channel starts with no interested events and
// must be enabled via EnableRead/EnableWrite before the owner loop will
// ever dispatch events for it.
func New(loop Updater, fd int) *Channel {
	return &Channel{
		fd:    fd,
		loop:  loop,
		index: IndexNew,
	}
}

func (c *Channel) Fd() int { return c.fd }

func (c *Channel) Events() Event   { return c.events }
func (c *Channel) Revents() Event  { return c.revents }
func (c *Channel) SetRevents(r Event) { c.revents = r }

func (c *Channel) Index() Index        { return c.index }
func (c *Channel) SetIndex(idx Index)  { c.index = idx }

// SetTie installs the weak back-reference used during handle_event
// dispatch. Passing nil clears it.
func (c *Channel) SetTie(t Tie) { c.tie = t }

func (c *Channel) SetReadCallback(f func(when time.Time)) { c.onRead = f }
func (c *Channel) SetWriteCallback(f func())               { c.onWrite = f }
func (c *Channel) SetCloseCallback(f func())                { c.onClose = f }
func (c *Channel) SetErrorCallback(f func())                { c.onError = f }

func (c *Channel) IsReading() bool { return c.events&EventRead != 0 }
func (c *Channel) IsWriting() bool { return c.events&EventWrite != 0 }
func (c *Channel) IsNoneEvent() bool { return c.events == EventNone }

func (c *Channel) EnableRead() {
	c.events |= EventRead
	c.loop.UpdateChannel(c)
}

func (c *Channel) DisableRead() {
	c.events &^= EventRead
	c.loop.UpdateChannel(c)
}

func (c *Channel) EnableWrite() {
	c.events |= EventWrite
	c.loop.UpdateChannel(c)
}

func (c *Channel) DisableWrite() {
	c.events &^= EventWrite
	c.loop.UpdateChannel(c)
}

func (c *Channel) DisableAll() {
	c.events = EventNone
	c.loop.UpdateChannel(c)
}

// Remove must be preceded by DisableAll (spec.md §4.2).
func (c *Channel) Remove() {
	c.loop.RemoveChannel(c)
}

// HandleEvent dispatches on revents in the fixed order spec.md §4.2
// mandates, under the optional tie.
func (c *Channel) HandleEvent(when time.Time) {
	if c.tie == nil {
		c.handleEventWithGuard(when)
		return
	}
	release, ok := c.tie.Upgrade()
	if !ok {
		return
	}
	defer release()
	c.handleEventWithGuard(when)
}

func (c *Channel) handleEventWithGuard(when time.Time) {
	rv := c.revents

	if rv&EventHangUp != 0 && rv&EventRead == 0 {
		if c.onClose != nil {
			c.onClose()
		}
	}
	if rv&EventInvalid != 0 {
		netlog.Warningf("channel fd=%d: invalid fd in epoll/poll event", c.fd)
	}
	if rv&(EventError|EventInvalid) != 0 {
		if c.onError != nil {
			c.onError()
		}
	}
	if rv&(EventRead|EventPri|EventPeerShutdownRead) != 0 {
		if c.onRead != nil {
			c.onRead(when)
		}
	}
	if rv&EventWrite != 0 {
		if c.onWrite != nil {
			c.onWrite()
		}
	}
}
