//go:build linux

package socket

import (
	"time"

	"github.com/moqsien/greactor/sys"
)

// SetKeepAlive enables SO_KEEPALIVE with the given interval on fd, used
// by Server and Client on new connections when Options.ConnKeepAlive is
// non-zero.
func SetKeepAlive(fd int, interval time.Duration) error {
	secs := int(interval.Seconds())
	if secs <= 0 {
		secs = 15
	}
	return sys.SetKeepAlive(fd, secs)
}
