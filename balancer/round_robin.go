package balancer

// RoundRobin is spec.md §4.8's default get_next_loop strategy: cycle
// through registered loops in registration order.
type RoundRobin struct {
	loops     []LoopRef
	nextIndex int
}

func (b *RoundRobin) Len() int { return len(b.loops) }

func (b *RoundRobin) Iterator(f IteratorFunc) {
	for i, loop := range b.loops {
		if !f(i, loop) {
			break
		}
	}
}

func (b *RoundRobin) Register(loop LoopRef) {
	b.loops = append(b.loops, loop)
}

func (b *RoundRobin) Next() LoopRef {
	loop := b.loops[b.nextIndex]
	b.nextIndex++
	if b.nextIndex >= len(b.loops) {
		b.nextIndex = 0
	}
	return loop
}
