//go:build linux

package poll

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/moqsien/greactor/channel"
	"github.com/moqsien/greactor/errs"
	"github.com/moqsien/greactor/internal/netlog"
)

const initialEpollEventsCap = 16

// epollMultiplexer is the readiness-array implementation: epoll_wait only
// ever returns fds that are actually ready, so activeChannels is built
// straight from the kernel's answer (grounded in
// original_source/net/poller/EPollPoller.cpp).
type epollMultiplexer struct {
	epfd     int
	events   []unix.EpollEvent
	channels map[int]*channel.Channel // fd -> channel, Added or Deleted, until RemoveChannel
}

func newEpollMultiplexer() (Multiplexer, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, unixErr("epoll_create1", err)
	}
	return &epollMultiplexer{
		epfd:     epfd,
		events:   make([]unix.EpollEvent, initialEpollEventsCap),
		channels: make(map[int]*channel.Channel),
	}, nil
}

func toEpollEvents(ev channel.Event) uint32 {
	var e uint32
	if ev&channel.EventRead != 0 {
		e |= unix.EPOLLIN
	}
	if ev&channel.EventPri != 0 {
		e |= unix.EPOLLPRI
	}
	if ev&channel.EventWrite != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func fromEpollEvents(e uint32) channel.Event {
	var ev channel.Event
	if e&unix.EPOLLIN != 0 {
		ev |= channel.EventRead
	}
	if e&unix.EPOLLPRI != 0 {
		ev |= channel.EventPri
	}
	if e&unix.EPOLLOUT != 0 {
		ev |= channel.EventWrite
	}
	if e&unix.EPOLLHUP != 0 {
		ev |= channel.EventHangUp
	}
	if e&unix.EPOLLERR != 0 {
		ev |= channel.EventError
	}
	if e&unix.EPOLLRDHUP != 0 {
		ev |= channel.EventPeerShutdownRead
	}
	return ev
}

func (p *epollMultiplexer) Poll(timeout time.Duration, active *[]*channel.Channel) (time.Time, error) {
	ms := int(timeout / time.Millisecond)
	n, err := unix.EpollWait(p.epfd, p.events, ms)
	now := time.Now()
	*active = (*active)[:0]

	if err != nil {
		if err == unix.EINTR {
			return now, nil
		}
		return now, unixErr("epoll_wait", err)
	}

	for i := 0; i < n; i++ {
		fd := int(p.events[i].Fd)
		c, ok := p.channels[fd]
		if !ok {
			continue
		}
		c.SetRevents(fromEpollEvents(p.events[i].Events))
		*active = append(*active, c)
	}

	if n == len(p.events) {
		p.events = make([]unix.EpollEvent, len(p.events)*2)
	}
	return now, nil
}

func (p *epollMultiplexer) UpdateChannel(c *channel.Channel) error {
	idx := c.Index()
	if idx == channel.IndexNew || idx == channel.IndexDeleted {
		if idx == channel.IndexNew {
			p.channels[c.Fd()] = c
		}
		c.SetIndex(channel.IndexAdded)
		return p.ctl(unix.EPOLL_CTL_ADD, c)
	}
	// Added already.
	if c.IsNoneEvent() {
		if err := p.ctl(unix.EPOLL_CTL_DEL, c); err != nil {
			return err
		}
		c.SetIndex(channel.IndexDeleted)
		return nil
	}
	return p.ctl(unix.EPOLL_CTL_MOD, c)
}

func (p *epollMultiplexer) RemoveChannel(c *channel.Channel) error {
	if !c.IsNoneEvent() {
		netlog.Warningf("epoll: RemoveChannel called on fd=%d with nonzero interest mask", c.Fd())
	}
	delete(p.channels, c.Fd())
	if c.Index() == channel.IndexAdded {
		if err := p.ctl(unix.EPOLL_CTL_DEL, c); err != nil {
			return err
		}
	}
	c.SetIndex(channel.IndexNew)
	return nil
}

func (p *epollMultiplexer) HasChannel(c *channel.Channel) bool {
	found, ok := p.channels[c.Fd()]
	return ok && found == c
}

func (p *epollMultiplexer) Close() error {
	return unix.Close(p.epfd)
}

func (p *epollMultiplexer) ctl(op int, c *channel.Channel) error {
	ev := unix.EpollEvent{Fd: int32(c.Fd()), Events: toEpollEvents(c.Events())}
	if err := unix.EpollCtl(p.epfd, op, c.Fd(), &ev); err != nil {
		return unixErr("epoll_ctl", err)
	}
	return nil
}

func unixErr(name string, err error) error {
	if err == nil {
		return nil
	}
	return &errs.SystemError{Op: name, Err: err}
}
