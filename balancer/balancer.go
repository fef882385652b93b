// Package balancer implements spec.md §4.8's LoopPool assignment
// strategies. Grounded in the teacher's balancer.RoundRobin (same
// Register/Next/Iterator/Len shape), extended with a LeastConn strategy
// that exercises the teacher's Eloop.ConnCount bookkeeping (ported here
// as eloop.EventLoop.ConnCount) — the teacher declares a LeastConnLB
// constant in its options but never implements the strategy behind it.
package balancer

import "github.com/moqsien/greactor/iface"

// LoopRef is the subset of eloop.EventLoop a Balancer needs: its pool
// index and its live connection count. Kept local to this package
// (rather than imported from eloop) so eloop can depend on balancer
// without a cycle; *eloop.EventLoop satisfies this structurally.
type LoopRef interface {
	Index() int
	ConnCount() int32
}

// IteratorFunc is called once per registered loop by Iterator; returning
// false stops iteration early.
type IteratorFunc func(index int, loop LoopRef) bool

// IBalancer selects which registered loop a new connection is assigned
// to. All methods must be called on the LoopPool's base loop thread
// (spec.md §4.8).
type IBalancer interface {
	Register(loop LoopRef)
	Next() LoopRef
	Iterator(f IteratorFunc)
	Len() int
}

// New constructs the IBalancer selected by kind.
func New(kind iface.Balancer) IBalancer {
	switch kind {
	case iface.LeastConnLB:
		return &LeastConn{}
	default:
		return &RoundRobin{}
	}
}
