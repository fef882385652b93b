// Command echoclient connects to echoserver, sends one line, and logs
// whatever comes back.
package main

import (
	"time"

	"github.com/moqsien/processes/logger"

	"github.com/moqsien/greactor/buffer"
	"github.com/moqsien/greactor/client"
	"github.com/moqsien/greactor/conn"
	"github.com/moqsien/greactor/iface"
)

func main() {
	opts := iface.New()
	opts.LockOSThread = true

	cli, err := client.New("echo-client", "127.0.0.1:20000", true, opts)
	if err != nil {
		logger.Errorf("echoclient: %v", err)
		return
	}

	cli.ConnectionCallback = func(c *conn.Connection) {
		if c.Connected() {
			logger.Println("echoclient: connected", c.Name())
			c.Send([]byte("hello from echoclient\n"))
		} else {
			logger.Println("echoclient: disconnected", c.Name())
		}
	}
	cli.MessageCallback = func(c *conn.Connection, buf *buffer.Buffer, _ time.Time) {
		logger.Println("echoclient: received", buf.RetrieveAllAsString())
	}

	if err := cli.Connect(); err != nil {
		logger.Errorf("echoclient: %v", err)
	}
}
