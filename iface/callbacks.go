package iface

import (
	"net"
)

// Functor is the move-only task type queued across threads (spec.md §9):
// a plain closure, which in Go already forbids the copy-then-mutate-both
// hazard C++ move semantics guard against.
type Functor func()

// NewConnectionCallback is the Acceptor's inbound surface: invoked with
// the freshly accepted fd and the peer's address.
type NewConnectionCallback func(fd int, peerAddr net.Addr)

// ThreadInitCallback runs on a LoopPool worker thread immediately after
// its EventLoop is constructed, before the loop starts polling.
type ThreadInitCallback func(loopIndex int)
