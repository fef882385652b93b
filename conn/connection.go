// Package conn implements spec.md §4.7's Connection: the state machine
// and per-connection buffers sitting on top of a Channel, shared by
// Server and Client. Grounded in the teacher's conn.Conn (Fd, OutBuffer
// via github.com/panjf2000/gnet/v2/pkg/buffer/elastic, WriteToFd/
// ReadFromFd shape) and original_source/net/TcpConnection.{h,cpp} for the
// exact state machine and half-close/force-close semantics the teacher's
// accept-only Conn never implements.
package conn

import (
	"net"
	"time"

	"github.com/panjf2000/gnet/v2/pkg/buffer/elastic"

	"github.com/moqsien/greactor/buffer"
	"github.com/moqsien/greactor/channel"
	"github.com/moqsien/greactor/errs"
	"github.com/moqsien/greactor/internal/netlog"
	"github.com/moqsien/greactor/sys"
	"github.com/moqsien/greactor/timer"
)

// State is Connection's lifecycle state machine (spec.md §4.7):
//
//	Connecting    -- established -->   Connected
//	Connected     -- shutdown    -->   Disconnecting
//	Connected     -- peer-close  -->   Disconnected (via handle_close)
//	Disconnecting -- output drained --> Disconnected
//	Any           -- force_close -->   Disconnected
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnecting
	StateDisconnected
)

// Loop is the subset of EventLoop a Connection needs: channel
// registration, cross-thread task posting, and delayed force-close
// scheduling. Satisfied structurally by *eloop.EventLoop.
type Loop interface {
	channel.Updater
	IsInLoopThread() bool
	RunInLoop(f func())
	RunAfter(d time.Duration, cb func()) timer.ID
}

// ConnectionCallback fires once when a Connection reaches Connected, and
// again when it reaches Disconnected.
type ConnectionCallback func(c *Connection)

// MessageCallback delivers newly read bytes; buf is the Connection's
// input buffer — the callback is expected to Retrieve whatever it
// consumes.
type MessageCallback func(c *Connection, buf *buffer.Buffer, recvTime time.Time)

// WriteCompleteCallback fires once the output buffer fully drains.
type WriteCompleteCallback func(c *Connection)

// HighWaterMarkCallback fires when the output buffer's size crosses
// Connection's configured high-water mark while buffering a send.
type HighWaterMarkCallback func(c *Connection, bufferedBytes int)

// CloseCallback is the internal hook Server/Client install to learn when
// a Connection has reached Disconnected, so they can erase their
// connection_name map entry (spec.md §4.7, §4.8).
type CloseCallback func(c *Connection)

// Connection wraps a connected fd's Channel with the buffers and state
// machine spec.md §3/§4.7 describe.
type Connection struct {
	name string
	fd   int
	loop Loop

	localAddr  net.Addr
	peerAddr   net.Addr
	channel    *channel.Channel
	state      State

	inputBuffer  *buffer.Buffer
	outputBuffer *elastic.Buffer
	// bufferedLen mirrors outputBuffer's byte count; elastic.Buffer
	// exposes no length query in the surface this package relies on, so
	// Connection tracks it itself across every Write/Discard to drive the
	// high-water-mark check.
	bufferedLen int
	// aboveHighWaterMark latches true on the upward crossing so
	// HighWaterMarkCallback fires once per crossing, not on every send
	// while already above the mark (spec.md §4.7).
	aboveHighWaterMark bool

	reading bool

	highWaterMark int

	ConnectionCallback    ConnectionCallback
	MessageCallback       MessageCallback
	WriteCompleteCallback WriteCompleteCallback
	HighWaterMarkCallback HighWaterMarkCallback
	CloseCallback         CloseCallback
}

// New wraps fd (already connected, non-blocking) in a Connection
// registered with loop. The caller must call ConnectEstablished once the
// owning loop is ready to start dispatching events for it.
func New(loop Loop, name string, fd int, localAddr, peerAddr net.Addr, highWaterMark int) *Connection {
	out, _ := elastic.New(1024)
	c := &Connection{
		name:          name,
		fd:            fd,
		loop:          loop,
		localAddr:     localAddr,
		peerAddr:      peerAddr,
		state:         StateConnecting,
		inputBuffer:   buffer.New(),
		outputBuffer:  out,
		reading:       true,
		highWaterMark: highWaterMark,
	}
	c.channel = channel.New(loop, fd)
	c.channel.SetReadCallback(c.handleRead)
	c.channel.SetWriteCallback(c.handleWrite)
	c.channel.SetCloseCallback(c.handleClose)
	c.channel.SetErrorCallback(c.handleError)
	c.channel.SetTie(connTie{c})
	return c
}

// connTie is Connection's weak back-reference (spec.md §4.2, §9): it
// upgrades to a live dispatch only while the Connection hasn't yet
// reached Disconnected, guarding against handle_event running against a
// Connection that ConnectDestroyed already tore down.
type connTie struct{ c *Connection }

func (t connTie) Upgrade() (release func(), ok bool) {
	if t.c.state == StateDisconnected {
		return nil, false
	}
	return func() {}, true
}

func (c *Connection) Name() string        { return c.name }
func (c *Connection) Fd() int             { return c.fd }
func (c *Connection) LocalAddr() net.Addr { return c.localAddr }
func (c *Connection) PeerAddr() net.Addr  { return c.peerAddr }
func (c *Connection) State() State        { return c.state }
func (c *Connection) Connected() bool     { return c.state == StateConnected }

// ConnectEstablished transitions Connecting -> Connected, enables read
// interest, and fires ConnectionCallback. Must run on the owning loop.
func (c *Connection) ConnectEstablished() {
	c.loop.RunInLoop(func() {
		c.state = StateConnected
		c.channel.EnableRead()
		if c.ConnectionCallback != nil {
			c.ConnectionCallback(c)
		}
	})
}

// ConnectDestroyed is the second hop of Server/Client's remove_connection
// dance: deregister the channel and, if still Connected, transition
// straight to Disconnected and fire ConnectionCallback one last time
// (spec.md §4.8). The fd is owned by the Connection, not the Channel
// (spec.md §3), so it is closed here, after the channel is deregistered
// from the poller — matching the teacher's own RemoveFd-then-CloseFd
// pairing in conn.go.
func (c *Connection) ConnectDestroyed() {
	c.loop.RunInLoop(func() {
		if c.state == StateConnected {
			c.state = StateDisconnected
			c.channel.DisableAll()
			if c.ConnectionCallback != nil {
				c.ConnectionCallback(c)
			}
		}
		c.channel.Remove()
		sys.CloseFd(c.fd)
	})
}

// Send queues data for delivery, hopping onto loop if called off-thread
// (spec.md §4.7).
func (c *Connection) Send(data []byte) {
	if c.loop.IsInLoopThread() {
		c.sendInLoop(data)
		return
	}
	buf := append([]byte(nil), data...)
	c.loop.RunInLoop(func() { c.sendInLoop(buf) })
}

func (c *Connection) sendInLoop(data []byte) {
	if c.state == StateDisconnected {
		netlog.Warningf("%v: send on %s", errs.ErrConnClosed, c.name)
		return
	}

	var remaining []byte = data
	directWrote := false
	if c.outputBuffer.IsEmpty() && !c.channel.IsWriting() {
		n, err := sys.Write(c.fd, data)
		switch {
		case err == nil:
			remaining = data[n:]
			directWrote = true
		case err == sys.EAGAIN:
			// fall through to buffering below
		default:
			netlog.Warningf("connection %s: write: %v", c.name, err)
			c.loop.RunInLoop(c.forceCloseInLoop)
			return
		}
	}

	if len(remaining) > 0 {
		_, _ = c.outputBuffer.Write(remaining)
		c.bufferedLen += len(remaining)
		c.channel.EnableWrite()
		if c.highWaterMark > 0 && c.bufferedLen >= c.highWaterMark && !c.aboveHighWaterMark {
			c.aboveHighWaterMark = true
			if c.HighWaterMarkCallback != nil {
				c.HighWaterMarkCallback(c, c.bufferedLen)
			}
		}
	} else if directWrote && c.WriteCompleteCallback != nil {
		// A direct write that consumed all of data immediately still
		// satisfies "output_buffer became empty" (spec.md §4.7).
		c.WriteCompleteCallback(c)
	}
}

// Shutdown half-closes the socket for writes once any buffered output
// drains (spec.md §4.7): Connected -> Disconnecting immediately; if
// nothing is currently being written, the half-close happens right away.
func (c *Connection) Shutdown() {
	c.loop.RunInLoop(func() {
		if c.state != StateConnected {
			return
		}
		c.state = StateDisconnecting
		if !c.channel.IsWriting() {
			sys.Shutdown(c.fd)
		}
	})
}

// ForceClose synthesizes handle_close on the loop regardless of buffered
// output (spec.md §4.7).
func (c *Connection) ForceClose() {
	if c.state == StateConnected || c.state == StateDisconnecting {
		c.loop.RunInLoop(c.forceCloseInLoop)
	}
}

// ForceCloseWithDelay schedules ForceClose after d via run_after. Uses a
// state check inside the callback (the Go analogue of the teacher's weak
// reference) so a Connection already destroyed by the time the timer
// fires is not resurrected.
func (c *Connection) ForceCloseWithDelay(d time.Duration) {
	c.loop.RunAfter(d, func() {
		if c.state == StateConnected || c.state == StateDisconnecting {
			c.forceCloseInLoop()
		}
	})
}

func (c *Connection) forceCloseInLoop() {
	if c.state == StateConnected || c.state == StateDisconnecting {
		c.handleClose()
	}
}

// StartRead / StopRead toggle read-interest idempotently (spec.md §4.7).
func (c *Connection) StartRead() {
	c.loop.RunInLoop(func() {
		if !c.reading {
			c.channel.EnableRead()
			c.reading = true
		}
	})
}

func (c *Connection) StopRead() {
	c.loop.RunInLoop(func() {
		if c.reading {
			c.channel.DisableRead()
			c.reading = false
		}
	})
}

func (c *Connection) handleRead(when time.Time) {
	n, err := c.inputBuffer.ReadFromFd(c.fd)
	switch {
	case n > 0:
		if c.MessageCallback != nil {
			c.MessageCallback(c, c.inputBuffer, when)
		}
	case n == 0:
		c.handleClose()
	default:
		if err == sys.EAGAIN {
			return
		}
		netlog.Warningf("connection %s: read: %v", c.name, err)
		c.handleError()
	}
}

func (c *Connection) handleWrite() {
	if !c.channel.IsWriting() {
		return
	}
	iov := c.outputBuffer.Peek(-1)
	var n int
	var err error
	if len(iov) > 1 {
		n, err = sys.Writev(c.fd, iov)
	} else if len(iov) == 1 {
		n, err = sys.Write(c.fd, iov[0])
	}
	if err != nil {
		if err == sys.EAGAIN {
			return
		}
		netlog.Warningf("connection %s: write: %v", c.name, err)
		c.forceCloseInLoop()
		return
	}
	c.outputBuffer.Discard(n)
	c.bufferedLen -= n
	if c.bufferedLen < 0 {
		c.bufferedLen = 0
	}
	if c.aboveHighWaterMark && c.bufferedLen < c.highWaterMark {
		c.aboveHighWaterMark = false
	}

	if c.outputBuffer.IsEmpty() {
		c.channel.DisableWrite()
		if c.WriteCompleteCallback != nil {
			c.WriteCompleteCallback(c)
		}
		if c.state == StateDisconnecting {
			sys.Shutdown(c.fd)
		}
	}
}

func (c *Connection) handleClose() {
	if c.state == StateDisconnected {
		return
	}
	c.state = StateDisconnected
	c.channel.DisableAll()
	if c.ConnectionCallback != nil {
		c.ConnectionCallback(c)
	}
	if c.CloseCallback != nil {
		c.CloseCallback(c)
	}
}

func (c *Connection) handleError() {
	errnoVal, err := sys.SoError(c.fd)
	netlog.Warningf("connection %s: SO_ERROR errno=%d err=%v", c.name, errnoVal, err)
}
