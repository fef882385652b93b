// Package iface collects the types shared across every component of the
// reactor core: the user-facing Options, callback signatures, and the
// small Balancer enum. Keeping these in one leaf package lets conn, eloop,
// acceptor, connector, server and client all depend on it without forming
// import cycles.
package iface

import "time"

// Balancer selects the strategy LoopPool uses to distribute new
// connections across its I/O loops.
type Balancer int

const (
	RoundRobinLB Balancer = iota
	LeastConnLB
)

// Options configures a Server or Client. Zero value is usable; New
// applies the documented defaults for any field left at its zero value.
type Options struct {
	// NumLoops is the number of I/O loops in the pool, not counting the
	// acceptor loop. Zero means the acceptor loop itself also serves
	// connections (LoopPool.GetNextLoop always returns the base loop).
	NumLoops int
	// LoadBalancer selects how LoopPool.GetNextLoop picks a loop;
	// GetLoopForHash does not use it.
	LoadBalancer Balancer
	// ReuseAddr / ReusePort configure SO_REUSEADDR / SO_REUSEPORT on the
	// Acceptor's listening socket.
	ReuseAddr bool
	ReusePort bool
	// SocketReadBuffer / SocketWriteBuffer set SO_RCVBUF / SO_SNDBUF on
	// accepted sockets when non-zero.
	SocketReadBuffer  int
	SocketWriteBuffer int
	// ConnKeepAlive, when non-zero, enables SO_KEEPALIVE with this
	// interval on accepted and connected sockets.
	ConnKeepAlive time.Duration
	// HighWaterMark is the byte threshold on a Connection's output buffer
	// that triggers HighWaterMarkCallback. Zero disables the callback.
	HighWaterMark int
	// LockOSThread pins each loop's goroutine to its OS thread with
	// runtime.LockOSThread, guaranteeing the "one native OS thread per
	// EventLoop" scheduling model spec.md §5 requires rather than merely
	// approximating it.
	LockOSThread bool
}

// New returns an Options with every zero field left as the documented
// default; it exists so call sites read `iface.New()` instead of a bare
// literal, matching the teacher's `eloop.Options{}` construction idiom.
func New() *Options {
	return &Options{}
}
