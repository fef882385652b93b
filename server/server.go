// Package server implements spec.md §4.9's Server: Acceptor + LoopPool
// glue that turns accepted fds into Connections spread across a pool of
// I/O loops, and the two-hop remove_connection dance that destroys them
// safely. Grounded in the teacher's engine.Engine shape (Ln, Balancer,
// MainLoop, Handler fields), rebuilt on the new acceptor/eloop/conn
// packages since the teacher's own engine.Serve was never implemented.
package server

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/moqsien/greactor/acceptor"
	"github.com/moqsien/greactor/conn"
	"github.com/moqsien/greactor/eloop"
	"github.com/moqsien/greactor/iface"
	"github.com/moqsien/greactor/internal/netlog"
	"github.com/moqsien/greactor/poll"
	"github.com/moqsien/greactor/socket"
	"github.com/moqsien/greactor/sys"
)

// connEntry pairs a live Connection with the I/O loop it was assigned
// to, so removeConnection's second hop knows which loop to post onto
// without Server having to ask the pool to search for it.
type connEntry struct {
	conn *conn.Connection
	loop *eloop.EventLoop
}

// Server owns an Acceptor, a LoopPool, and the connection_name ->
// Connection map living on the acceptor loop (spec.md §3 Server data
// model).
type Server struct {
	name string
	opts *iface.Options

	acceptorLoop *eloop.EventLoop
	acceptor     *acceptor.Acceptor
	pool         *eloop.LoopPool

	mu          sync.Mutex
	connections map[string]connEntry
	nextConnID  uint64

	started atomic.Bool

	ConnectionCallback    conn.ConnectionCallback
	MessageCallback       conn.MessageCallback
	WriteCompleteCallback conn.WriteCompleteCallback
	ThreadInitCallback    iface.ThreadInitCallback
}

// New constructs a Server named name, bound to address. The acceptor
// loop is constructed eagerly (on the calling goroutine) so Addr() is
// available before Start.
func New(name, address string, opts *iface.Options) (*Server, error) {
	if opts == nil {
		opts = iface.New()
	}
	loop, err := eloop.New(0, poll.KindEpoll, opts.LockOSThread)
	if err != nil {
		return nil, err
	}

	a, err := acceptor.New(loop, address, opts.ReuseAddr, opts.ReusePort)
	if err != nil {
		loop.Quit()
		return nil, err
	}

	s := &Server{
		name:         name,
		opts:         opts,
		acceptorLoop: loop,
		acceptor:     a,
		pool:         eloop.NewPool(loop, opts),
		connections:  make(map[string]connEntry),
	}
	a.NewConnectionCallback = s.newConnection
	return s, nil
}

// Addr is the bound listening address.
func (s *Server) Addr() net.Addr { return s.acceptor.Addr() }

// Start spawns the I/O loop pool and begins accepting connections, then
// runs the acceptor loop on the calling goroutine until Stop is called.
func (s *Server) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}
	if err := s.pool.Start(s.opts.NumLoops, s.ThreadInitCallback); err != nil {
		return err
	}
	s.acceptor.Listen()
	netlog.Debugf("server %s: listening on %s", s.name, s.Addr())
	s.acceptorLoop.Loop()
	return nil
}

// Stop tears down the acceptor and every I/O loop.
func (s *Server) Stop() {
	s.acceptorLoop.RunInLoop(func() {
		s.acceptor.Close()
		s.acceptorLoop.Quit()
	})
	s.pool.QuitAll()
}

// newConnection is the Acceptor's NewConnectionCallback: choose an I/O
// loop via LoopPool, construct a Connection, install callbacks, and post
// connect_established onto that loop (spec.md §4.9). Runs on the
// acceptor loop thread.
func (s *Server) newConnection(fd int, peerAddr net.Addr) {
	ioLoop := s.pool.GetNextLoop()

	id := atomic.AddUint64(&s.nextConnID, 1)
	name := fmt.Sprintf("%s-%s#%d", s.name, peerAddr, id)

	if s.opts.ConnKeepAlive > 0 {
		if err := socket.SetKeepAlive(fd, s.opts.ConnKeepAlive); err != nil {
			netlog.Warningf("server %s: SO_KEEPALIVE on %s: %v", s.name, name, err)
		}
	}
	if s.opts.SocketReadBuffer > 0 {
		if err := sys.SetRecvBuffer(fd, s.opts.SocketReadBuffer); err != nil {
			netlog.Warningf("server %s: SO_RCVBUF on %s: %v", s.name, name, err)
		}
	}
	if s.opts.SocketWriteBuffer > 0 {
		if err := sys.SetSendBuffer(fd, s.opts.SocketWriteBuffer); err != nil {
			netlog.Warningf("server %s: SO_SNDBUF on %s: %v", s.name, name, err)
		}
	}

	c := conn.New(ioLoop, name, fd, s.Addr(), peerAddr, s.opts.HighWaterMark)
	c.ConnectionCallback = s.ConnectionCallback
	c.MessageCallback = s.MessageCallback
	c.WriteCompleteCallback = s.WriteCompleteCallback
	c.CloseCallback = s.removeConnection

	s.mu.Lock()
	s.connections[name] = connEntry{conn: c, loop: ioLoop}
	s.mu.Unlock()
	ioLoop.AddConnCount(1)

	ioLoop.RunInLoop(c.ConnectEstablished)
}

// removeConnection is the two-hop dance spec.md §4.9 describes: posted
// here on the acceptor loop, it erases the map entry, then posts
// connect_destroyed onto the Connection's own I/O loop. This keeps the
// map mutation confined to the acceptor loop thread while letting the
// Connection's own teardown run on the thread that owns its Channel.
func (s *Server) removeConnection(c *conn.Connection) {
	s.acceptorLoop.RunInLoop(func() {
		s.mu.Lock()
		entry, ok := s.connections[c.Name()]
		delete(s.connections, c.Name())
		s.mu.Unlock()
		if !ok {
			return
		}

		entry.loop.RunInLoop(func() {
			entry.loop.AddConnCount(-1)
			c.ConnectDestroyed()
		})
	})
}

// ConnCount is the total number of live connections across every I/O
// loop.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connections)
}
