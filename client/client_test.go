//go:build linux

package client

import (
	"net"
	"testing"
	"time"

	"github.com/moqsien/greactor/buffer"
	"github.com/moqsien/greactor/conn"
	"github.com/moqsien/greactor/iface"
)

func TestClientConnectsAndExchangesMessages(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		peer, err := ln.Accept()
		if err != nil {
			return
		}
		defer peer.Close()
		buf := make([]byte, 64)
		n, err := peer.Read(buf)
		if err != nil {
			return
		}
		peer.Write(buf[:n])
	}()

	opts := iface.New()
	opts.LockOSThread = true
	// New and Connect run on the same goroutine: New builds the base loop
	// on its calling goroutine and Connect runs that loop on its own.
	received := make(chan string, 1)
	cliCh := make(chan *Client, 1)
	go func() {
		cli, err := New("client-test", ln.Addr().String(), false, opts)
		if err != nil {
			t.Errorf("New: %v", err)
			close(cliCh)
			return
		}
		cli.ConnectionCallback = func(c *conn.Connection) {
			if c.Connected() {
				c.Send([]byte("hi"))
			}
		}
		cli.MessageCallback = func(c *conn.Connection, buf *buffer.Buffer, _ time.Time) {
			received <- buf.RetrieveAllAsString()
		}
		cliCh <- cli
		cli.Connect()
	}()
	cli := <-cliCh
	if cli == nil {
		t.FailNow()
	}
	defer cli.Disconnect()

	select {
	case msg := <-received:
		if msg != "hi" {
			t.Fatalf("expected echoed %q, got %q", "hi", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client never received the echoed message")
	}

	<-serverDone
}

func TestClientConnectedReflectsState(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	opts := iface.New()
	opts.LockOSThread = true
	cliCh := make(chan *Client, 1)
	go func() {
		cli, err := New("state-test", ln.Addr().String(), false, opts)
		if err != nil {
			t.Errorf("New: %v", err)
			close(cliCh)
			return
		}
		cliCh <- cli
		cli.Connect()
	}()
	cli := <-cliCh
	if cli == nil {
		t.FailNow()
	}
	defer cli.Disconnect()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cli.Connected() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected client to report Connected() true at some point after connecting")
}
