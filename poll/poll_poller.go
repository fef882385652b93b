//go:build linux

package poll

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/moqsien/greactor/channel"
	"github.com/moqsien/greactor/internal/netlog"
)

// pollMultiplexer is the iterate-array implementation: poll(2) is handed
// the full registered-fd array every round and walks the whole thing back
// looking for nonzero revents (grounded in
// original_source/net/poller/PollPoller.cpp). A disabled channel is kept
// in the array as a tombstone (fd negated, minus one to disambiguate fd 0)
// rather than shrinking the slice on every disable/enable pair.
type pollMultiplexer struct {
	fds      []unix.PollFd
	index    map[int]int // fd -> slot in fds
	channels map[int]*channel.Channel
}

func newPollMultiplexer() (Multiplexer, error) {
	return &pollMultiplexer{
		index:    make(map[int]int),
		channels: make(map[int]*channel.Channel),
	}, nil
}

func toPollEvents(ev channel.Event) int16 {
	var e int16
	if ev&channel.EventRead != 0 {
		e |= unix.POLLIN
	}
	if ev&channel.EventPri != 0 {
		e |= unix.POLLPRI
	}
	if ev&channel.EventWrite != 0 {
		e |= unix.POLLOUT
	}
	return e
}

func fromPollRevents(e int16) channel.Event {
	var ev channel.Event
	if e&unix.POLLIN != 0 {
		ev |= channel.EventRead
	}
	if e&unix.POLLPRI != 0 {
		ev |= channel.EventPri
	}
	if e&unix.POLLOUT != 0 {
		ev |= channel.EventWrite
	}
	if e&unix.POLLHUP != 0 {
		ev |= channel.EventHangUp
	}
	if e&(unix.POLLERR|unix.POLLNVAL) != 0 {
		ev |= channel.EventError
	}
	if e&unix.POLLNVAL != 0 {
		ev |= channel.EventInvalid
	}
	if e&unix.POLLRDHUP != 0 {
		ev |= channel.EventPeerShutdownRead
	}
	return ev
}

// tombstoneFd disables a slot without removing it from the array:
// negative fd values are ignored by poll(2).
func tombstoneFd(fd int) int32 {
	return int32(-fd - 1)
}

func untombstoneFd(fd int32) int {
	return int(-fd - 1)
}

func (p *pollMultiplexer) Poll(timeout time.Duration, active *[]*channel.Channel) (time.Time, error) {
	ms := int(timeout / time.Millisecond)
	n, err := unix.Poll(p.fds, ms)
	now := time.Now()
	*active = (*active)[:0]

	if err != nil {
		if err == unix.EINTR {
			return now, nil
		}
		return now, unixErr("poll", err)
	}
	if n <= 0 {
		return now, nil
	}

	remaining := n
	for i := range p.fds {
		if remaining == 0 {
			break
		}
		pfd := &p.fds[i]
		if pfd.Revents == 0 {
			continue
		}
		remaining--
		fd := int(pfd.Fd)
		if fd < 0 {
			continue // tombstoned slot, should never carry revents
		}
		c, ok := p.channels[fd]
		if !ok {
			continue
		}
		c.SetRevents(fromPollRevents(pfd.Revents))
		*active = append(*active, c)
		pfd.Revents = 0
	}
	return now, nil
}

func (p *pollMultiplexer) UpdateChannel(c *channel.Channel) error {
	idx := c.Index()
	if idx == channel.IndexNew {
		p.channels[c.Fd()] = c
		p.fds = append(p.fds, unix.PollFd{Fd: int32(c.Fd()), Events: toPollEvents(c.Events())})
		p.index[c.Fd()] = len(p.fds) - 1
		c.SetIndex(channel.IndexAdded)
		return nil
	}

	slot, ok := p.index[c.Fd()]
	if !ok || slot < 0 || slot >= len(p.fds) {
		netlog.Warningf("poll: UpdateChannel on unknown fd=%d", c.Fd())
		return nil
	}

	if idx == channel.IndexDeleted {
		// Resurrect the tombstoned slot.
		p.fds[slot].Fd = int32(c.Fd())
		c.SetIndex(channel.IndexAdded)
	}

	if c.IsNoneEvent() {
		p.fds[slot].Fd = tombstoneFd(c.Fd())
		p.fds[slot].Events = 0
		c.SetIndex(channel.IndexDeleted)
		return nil
	}
	p.fds[slot].Events = toPollEvents(c.Events())
	return nil
}

func (p *pollMultiplexer) RemoveChannel(c *channel.Channel) error {
	if !c.IsNoneEvent() {
		netlog.Warningf("poll: RemoveChannel called on fd=%d with nonzero interest mask", c.Fd())
	}
	slot, ok := p.index[c.Fd()]
	if !ok {
		return nil
	}
	last := len(p.fds) - 1
	if slot != last {
		p.fds[slot] = p.fds[last]
		movedFd := p.fds[slot].Fd
		if movedFd >= 0 {
			p.index[int(movedFd)] = slot
		} else {
			p.index[untombstoneFd(movedFd)] = slot
		}
	}
	p.fds = p.fds[:last]
	delete(p.index, c.Fd())
	delete(p.channels, c.Fd())
	c.SetIndex(channel.IndexNew)
	return nil
}

func (p *pollMultiplexer) HasChannel(c *channel.Channel) bool {
	found, ok := p.channels[c.Fd()]
	return ok && found == c
}

func (p *pollMultiplexer) Close() error { return nil }
