// Package connector implements spec.md §4.6's Connector: a non-blocking
// client connect state machine with exponential back-off and
// self-connect detection. Grounded in the teacher's sys.Connect /
// sys.SoError primitives, which the teacher itself never wires into a
// retrying client (gknet is accept-only); the state machine follows
// original_source/net/Connector.{h,cpp}.
package connector

import (
	"time"

	"github.com/moqsien/greactor/channel"
	"github.com/moqsien/greactor/internal/netlog"
	"github.com/moqsien/greactor/socket"
	"github.com/moqsien/greactor/sys"
	"github.com/moqsien/greactor/timer"
)

// State is Connector's connection-attempt state machine.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

const (
	initialRetryDelay = 500 * time.Millisecond
	maxRetryDelay     = 30 * time.Second
)

// Loop is the subset of EventLoop Connector depends on: channel
// registration, cross-thread task posting, and delayed retry scheduling.
// Satisfied structurally by *eloop.EventLoop.
type Loop interface {
	channel.Updater
	RunInLoop(f func())
	RunAfter(d time.Duration, cb func()) timer.ID
}

// NewConnectionCallback is invoked with the connected fd once Connector
// reaches StateConnected.
type NewConnectionCallback func(fd int)

// Connector drives a single outbound TCP connection attempt, retrying
// with exponential back-off on transient failure.
type Connector struct {
	loop    Loop
	address string

	state      State
	retryDelay time.Duration
	stopped    bool
	channel    *channel.Channel

	NewConnectionCallback NewConnectionCallback
}

// New creates a Connector targeting address. Call Start to begin
// connecting.
func New(loop Loop, address string) *Connector {
	return &Connector{
		loop:       loop,
		address:    address,
		retryDelay: initialRetryDelay,
	}
}

// Start is thread-safe: it posts startInLoop onto loop (spec.md §4.6).
func (c *Connector) Start() {
	c.loop.RunInLoop(c.startInLoop)
}

// Stop suppresses the next scheduled retry attempt.
func (c *Connector) Stop() {
	c.loop.RunInLoop(func() {
		c.stopped = true
		c.state = StateDisconnected
	})
}

// Restart resets back-off to its initial value and starts a new attempt;
// used by Client when retry is enabled and the prior Connection closed.
func (c *Connector) Restart() {
	c.loop.RunInLoop(func() {
		c.state = StateDisconnected
		c.stopped = false
		c.retryDelay = initialRetryDelay
		c.startInLoop()
	})
}

func (c *Connector) startInLoop() {
	if c.stopped {
		return
	}
	c.connect()
}

// connect issues the non-blocking connect(2) call and dispatches on the
// resulting errno (spec.md §4.6).
func (c *Connector) connect() {
	fd, sa, err := socket.Dial(c.address)
	if err != nil {
		netlog.Warningf("connector: dial %s: %v", c.address, err)
		c.retry()
		return
	}

	err = sys.Connect(fd, sa)
	switch {
	case err == nil, err == sys.EINPROGRESS, err == sys.EINTR, err == sys.EISCONN:
		c.setupChannel(fd)
	case err == sys.EAGAIN, err == sys.EADDRINUSE, err == sys.EADDRNOTAVAIL,
		err == sys.ECONNREFUSED, err == sys.ENETUNREACH:
		sys.CloseFd(fd)
		c.retry()
	default:
		netlog.Errorf("connector: connect %s: %v", c.address, err)
		sys.CloseFd(fd)
	}
}

func (c *Connector) setupChannel(fd int) {
	c.state = StateConnecting
	c.channel = channel.New(c.loop, fd)
	c.channel.SetWriteCallback(c.handleWrite)
	c.channel.SetErrorCallback(c.handleError)
	c.channel.EnableWrite()
}

// handleWrite fires on write-readiness: the socket became writable,
// meaning connect(2) finished one way or another (spec.md §4.6).
func (c *Connector) handleWrite() {
	if c.state != StateConnecting {
		return
	}
	fd := c.removeAndRetrieveChannel()

	errnoVal, err := sys.SoError(fd)
	switch {
	case err != nil || errnoVal != 0:
		netlog.Warningf("connector: SO_ERROR on %s: errno=%d err=%v", c.address, errnoVal, err)
		sys.CloseFd(fd)
		c.retry()
	case sys.IsSelfConnect(fd):
		netlog.Warningf("connector: self-connect detected on %s", c.address)
		sys.CloseFd(fd)
		c.retry()
	default:
		c.state = StateConnected
		if c.NewConnectionCallback != nil {
			c.NewConnectionCallback(fd)
		} else {
			sys.CloseFd(fd)
		}
	}
}

func (c *Connector) handleError() {
	if c.state != StateConnecting {
		return
	}
	fd := c.removeAndRetrieveChannel()
	sys.CloseFd(fd)
	c.retry()
}

func (c *Connector) removeAndRetrieveChannel() int {
	fd := c.channel.Fd()
	c.channel.DisableAll()
	c.channel.Remove()
	c.channel = nil
	return fd
}

// retry schedules the next connect attempt after the current back-off
// delay, then doubles the delay up to maxRetryDelay (spec.md §4.6).
// Callers close the failed fd themselves before calling retry.
func (c *Connector) retry() {
	c.state = StateDisconnected
	if c.stopped {
		return
	}
	delay := c.retryDelay
	netlog.Debugf("connector: retrying %s in %s", c.address, delay)
	c.loop.RunAfter(delay, c.startInLoop)

	c.retryDelay *= 2
	if c.retryDelay > maxRetryDelay {
		c.retryDelay = maxRetryDelay
	}
}

// State reports the current connection state.
func (c *Connector) State() State { return c.state }
