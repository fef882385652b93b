package balancer

// LeastConn assigns each new connection to the registered loop currently
// reporting the fewest live connections, ties broken by registration
// order. Exercises eloop.EventLoop.ConnCount, which the teacher's
// Eloop.AddConnCount/GetConnCount already maintained but nothing
// consumed.
type LeastConn struct {
	loops []LoopRef
}

func (b *LeastConn) Len() int { return len(b.loops) }

func (b *LeastConn) Iterator(f IteratorFunc) {
	for i, loop := range b.loops {
		if !f(i, loop) {
			break
		}
	}
}

func (b *LeastConn) Register(loop LoopRef) {
	b.loops = append(b.loops, loop)
}

func (b *LeastConn) Next() LoopRef {
	best := b.loops[0]
	bestCount := best.ConnCount()
	for _, loop := range b.loops[1:] {
		if c := loop.ConnCount(); c < bestCount {
			best, bestCount = loop, c
		}
	}
	return best
}
