//go:build linux

package connector

import (
	"net"
	"testing"
	"time"

	"github.com/moqsien/greactor/eloop"
	"github.com/moqsien/greactor/poll"
	"github.com/moqsien/greactor/sys"
)

func withRunningLoop(t *testing.T) (*eloop.EventLoop, func()) {
	t.Helper()
	loopCh := make(chan *eloop.EventLoop, 1)
	go func() {
		loop, err := eloop.New(0, poll.KindEpoll, true)
		if err != nil {
			t.Errorf("eloop.New: %v", err)
			close(loopCh)
			return
		}
		loopCh <- loop
		loop.Loop()
	}()
	loop := <-loopCh
	if loop == nil {
		t.FailNow()
	}
	return loop, loop.Quit
}

func TestConnectorConnectsToListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	acceptedCh := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			acceptedCh <- c
		}
	}()

	loop, stop := withRunningLoop(t)
	defer stop()

	c := New(loop, ln.Addr().String())
	connectedCh := make(chan int, 1)
	c.NewConnectionCallback = func(fd int) { connectedCh <- fd }
	c.Start()

	select {
	case fd := <-connectedCh:
		if fd < 0 {
			t.Fatal("expected a valid connected fd")
		}
		sys.CloseFd(fd)
	case <-time.After(2 * time.Second):
		t.Fatal("connector never connected")
	}

	select {
	case peer := <-acceptedCh:
		peer.Close()
	case <-time.After(time.Second):
		t.Fatal("listener never accepted the connector's connection")
	}
}

func TestConnectorRetriesAgainstClosedPort(t *testing.T) {
	// Bind then immediately close, to get a port nothing is listening on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	loop, stop := withRunningLoop(t)
	defer stop()

	c := New(loop, addr)
	attempts := make(chan struct{}, 4)
	done := make(chan struct{})
	loop.RunEvery(10*time.Millisecond, func() {
		select {
		case attempts <- struct{}{}:
		default:
			close(done)
		}
	})
	c.Start()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("expected connector to keep retrying against a closed port without crashing")
	}
	if c.State() != StateDisconnected {
		t.Fatalf("expected connector to settle back into Disconnected between retries, got %v", c.State())
	}
}
