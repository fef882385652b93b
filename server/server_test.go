//go:build linux

package server

import (
	"net"
	"testing"
	"time"

	"github.com/moqsien/greactor/buffer"
	"github.com/moqsien/greactor/conn"
	"github.com/moqsien/greactor/iface"
)

func dialTCP(addr string) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, 2*time.Second)
}

func TestEchoServerRoundTrip(t *testing.T) {
	opts := iface.New()
	opts.NumLoops = 2
	opts.LockOSThread = true

	// New and Start run on the same goroutine: New builds the acceptor
	// loop on its calling goroutine and Start runs that loop on its own.
	connected := make(chan struct{}, 1)
	srvCh := make(chan *Server, 1)
	go func() {
		srv, err := New("echo-test", "127.0.0.1:0", opts)
		if err != nil {
			t.Errorf("New: %v", err)
			close(srvCh)
			return
		}
		srv.ConnectionCallback = func(c *conn.Connection) {
			if c.Connected() {
				connected <- struct{}{}
			}
		}
		srv.MessageCallback = func(c *conn.Connection, buf *buffer.Buffer, _ time.Time) {
			c.Send([]byte(buf.RetrieveAllAsString()))
		}
		srvCh <- srv
		if err := srv.Start(); err != nil {
			t.Errorf("Start: %v", err)
		}
	}()
	srv := <-srvCh
	if srv == nil {
		t.FailNow()
	}
	defer srv.Stop()

	// Addr() is already bound from New(); the socket accepts connections
	// into the kernel backlog even before Start() reaches acceptor.Listen().
	addr := srv.Addr().String()

	c, err := dialTCP(addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("ConnectionCallback never fired")
	}

	if _, err := c.Write([]byte("echo-me")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 7)
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := c.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf[:n]) != "echo-me" {
		t.Fatalf("expected echo of %q, got %q", "echo-me", buf[:n])
	}
}

func TestServerTracksConnCount(t *testing.T) {
	opts := iface.New()
	opts.LockOSThread = true

	srvCh := make(chan *Server, 1)
	go func() {
		srv, err := New("count-test", "127.0.0.1:0", opts)
		if err != nil {
			t.Errorf("New: %v", err)
			close(srvCh)
			return
		}
		srvCh <- srv
		srv.Start()
	}()
	srv := <-srvCh
	if srv == nil {
		t.FailNow()
	}
	defer srv.Stop()

	addr := srv.Addr().String()
	c, err := dialTCP(addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if srv.ConnCount() == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if srv.ConnCount() != 1 {
		t.Fatalf("expected 1 live connection, got %d", srv.ConnCount())
	}

	c.Close()

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if srv.ConnCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected connection count to drop back to 0 after close, got %d", srv.ConnCount())
}
