// Command echoserver is a minimal spec.md §8 S1 echo server: every
// message a Connection delivers is written straight back to the peer.
package main

import (
	"time"

	"github.com/moqsien/processes/logger"

	"github.com/moqsien/greactor/buffer"
	"github.com/moqsien/greactor/conn"
	"github.com/moqsien/greactor/iface"
	"github.com/moqsien/greactor/server"
)

func main() {
	opts := iface.New()
	opts.NumLoops = 4
	opts.LockOSThread = true
	opts.LoadBalancer = iface.RoundRobinLB
	opts.HighWaterMark = 64 << 20

	srv, err := server.New("echo", "127.0.0.1:20000", opts)
	if err != nil {
		logger.Errorf("echoserver: %v", err)
		return
	}

	srv.ConnectionCallback = func(c *conn.Connection) {
		if c.Connected() {
			logger.Println("echoserver: connected", c.Name())
		} else {
			logger.Println("echoserver: disconnected", c.Name())
		}
	}
	srv.MessageCallback = func(c *conn.Connection, buf *buffer.Buffer, _ time.Time) {
		msg := buf.RetrieveAllAsString()
		c.Send([]byte(msg))
	}

	logger.Println("echoserver: listening on", srv.Addr())
	if err := srv.Start(); err != nil {
		logger.Errorf("echoserver: %v", err)
	}
}
