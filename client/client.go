// Package client implements spec.md §4.9's Client: a Connector-driven
// counterpart to Server that owns a single outbound Connection (or, with
// a non-zero Options.NumLoops, an I/O loop pool it hands the connection
// off to), with the same remove_connection two-hop destruction dance and
// optional Connector.Restart on retry.
package client

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/moqsien/greactor/conn"
	"github.com/moqsien/greactor/connector"
	"github.com/moqsien/greactor/eloop"
	"github.com/moqsien/greactor/iface"
	"github.com/moqsien/greactor/internal/netlog"
	"github.com/moqsien/greactor/poll"
	"github.com/moqsien/greactor/socket"
)

// Client drives a single outbound connection through Connector, handing
// the resulting fd to a Connection on one of its I/O loops.
type Client struct {
	name    string
	address string
	opts    *iface.Options
	retry   bool

	baseLoop  *eloop.EventLoop
	pool      *eloop.LoopPool
	connector *connector.Connector

	mu       sync.Mutex
	conn     *conn.Connection
	connLoop *eloop.EventLoop

	nextConnID    uint64
	connected     atomic.Bool
	disconnecting atomic.Bool

	ConnectionCallback    conn.ConnectionCallback
	MessageCallback       conn.MessageCallback
	WriteCompleteCallback conn.WriteCompleteCallback
	ThreadInitCallback    iface.ThreadInitCallback
}

// New constructs a Client targeting address. retry enables automatic
// reconnection (via Connector.Restart) once the established connection
// closes — spec.md §4.9's Client-specific wiring over a plain Connector.
func New(name, address string, retry bool, opts *iface.Options) (*Client, error) {
	if opts == nil {
		opts = iface.New()
	}
	loop, err := eloop.New(0, poll.KindEpoll, opts.LockOSThread)
	if err != nil {
		return nil, err
	}

	c := &Client{
		name:      name,
		address:   address,
		opts:      opts,
		retry:     retry,
		baseLoop:  loop,
		pool:      eloop.NewPool(loop, opts),
		connector: connector.New(loop, address),
	}
	c.connector.NewConnectionCallback = c.newConnection
	return c, nil
}

// Connect spawns the I/O loop pool (if configured) and starts the
// Connector, then runs the base loop on the calling goroutine until
// Disconnect is called.
func (c *Client) Connect() error {
	if err := c.pool.Start(c.opts.NumLoops, c.ThreadInitCallback); err != nil {
		return err
	}
	c.connector.Start()
	netlog.Debugf("client %s: connecting to %s", c.name, c.address)
	c.baseLoop.Loop()
	return nil
}

// Disconnect stops retrying, force-closes any live connection, and stops
// every loop. Setting disconnecting first makes removeConnection bypass
// Connector.Restart even when retry is enabled, so a torn-down Client
// never spawns a fresh outbound attempt on its way out (spec.md §4.9).
func (c *Client) Disconnect() {
	c.disconnecting.Store(true)
	c.connector.Stop()
	c.mu.Lock()
	cn := c.conn
	c.mu.Unlock()
	if cn != nil {
		cn.ForceClose()
	}
	c.pool.QuitAll()
	c.baseLoop.RunInLoop(c.baseLoop.Quit)
}

// Connection returns the current Connection, or nil if not yet
// established.
func (c *Client) Connection() *conn.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// newConnection is the Connector's NewConnectionCallback: build a
// Connection around the newly connected fd and post connect_established
// onto the loop it was assigned (spec.md §4.9). Runs on the base loop's
// thread.
func (c *Client) newConnection(fd int) {
	ioLoop := c.pool.GetNextLoop()

	id := atomic.AddUint64(&c.nextConnID, 1)
	peerAddr, err := net.ResolveTCPAddr("tcp", c.address)
	if err != nil {
		netlog.Warningf("client %s: resolve %s: %v", c.name, c.address, err)
	}
	name := fmt.Sprintf("%s-%s#%d", c.name, c.address, id)

	if c.opts.ConnKeepAlive > 0 {
		if err := socket.SetKeepAlive(fd, c.opts.ConnKeepAlive); err != nil {
			netlog.Warningf("client %s: SO_KEEPALIVE on %s: %v", c.name, name, err)
		}
	}

	cn := conn.New(ioLoop, name, fd, nil, peerAddr, c.opts.HighWaterMark)
	cn.ConnectionCallback = c.ConnectionCallback
	cn.MessageCallback = c.MessageCallback
	cn.WriteCompleteCallback = c.WriteCompleteCallback
	cn.CloseCallback = c.removeConnection

	c.mu.Lock()
	c.conn = cn
	c.connLoop = ioLoop
	c.mu.Unlock()
	c.connected.Store(true)
	ioLoop.AddConnCount(1)

	ioLoop.RunInLoop(cn.ConnectEstablished)
}

// removeConnection is Client's variant of the two-hop remove_connection
// dance: posted on the base loop, it clears the current connection, then
// posts connect_destroyed onto the Connection's I/O loop, then restarts
// the Connector if retry was requested (spec.md §4.9: "Client's
// remove_connection additionally calls Connector.Restart when retry is
// enabled"). If Disconnect already initiated teardown, the bypass in
// spec.md §4.9 applies instead: go straight to connect_destroyed and
// skip Restart, so a stopped Client can't spawn a fresh connect attempt.
func (c *Client) removeConnection(cn *conn.Connection) {
	c.baseLoop.RunInLoop(func() {
		c.mu.Lock()
		ioLoop := c.connLoop
		if c.conn == cn {
			c.conn = nil
			c.connLoop = nil
		}
		c.mu.Unlock()
		c.connected.Store(false)

		if ioLoop != nil {
			ioLoop.RunInLoop(func() {
				ioLoop.AddConnCount(-1)
				cn.ConnectDestroyed()
			})
		}

		if c.retry && !c.disconnecting.Load() {
			c.connector.Restart()
		}
	})
}

// Connected reports whether the Client currently has a live connection.
func (c *Client) Connected() bool { return c.connected.Load() }
