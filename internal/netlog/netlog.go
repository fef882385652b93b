// Package netlog pins the reactor core's logging dependency in one place.
// Every component logs through here instead of importing
// github.com/moqsien/processes/logger directly, so the backend can be
// swapped without touching component code.
package netlog

import (
	"fmt"
	"os"

	"github.com/moqsien/processes/logger"
)

func Debugf(format string, args ...interface{}) {
	logger.Println(fmt.Sprintf(format, args...))
}

func Warningf(format string, args ...interface{}) {
	logger.Warningf(format, args...)
}

func Errorf(format string, args ...interface{}) {
	logger.Errorf(format, args...)
}

// Fatalf logs then aborts the process. Used only for the fatal
// configuration errors in spec §7 (can't create eventfd/timerfd/listening
// socket, two loops on one thread).
func Fatalf(format string, args ...interface{}) {
	logger.Errorf(format, args...)
	os.Exit(1)
}
