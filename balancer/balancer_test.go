package balancer

import (
	"testing"

	"github.com/moqsien/greactor/iface"
)

type fakeLoop struct {
	index int
	conns int32
}

func (f *fakeLoop) Index() int       { return f.index }
func (f *fakeLoop) ConnCount() int32 { return f.conns }

func TestRoundRobinCyclesThroughEveryLoop(t *testing.T) {
	b := New(iface.RoundRobinLB)
	loops := []*fakeLoop{{index: 0}, {index: 1}, {index: 2}}
	for _, l := range loops {
		b.Register(l)
	}

	var seen []int
	for i := 0; i < 6; i++ {
		seen = append(seen, b.Next().(*fakeLoop).index)
	}
	want := []int{0, 1, 2, 0, 1, 2}
	for i, idx := range seen {
		if idx != want[i] {
			t.Fatalf("round-robin sequence mismatch at %d: got %v want %v", i, seen, want)
		}
	}
}

func TestRoundRobinNeverSkipsTheLastLoop(t *testing.T) {
	// Regression for an off-by-one: wrapping on nextIndex > len(loops)
	// instead of >= would let Next return a nil/out-of-range loop once
	// nextIndex reached exactly len(loops).
	b := New(iface.RoundRobinLB)
	loops := []*fakeLoop{{index: 0}, {index: 1}}
	for _, l := range loops {
		b.Register(l)
	}
	for i := 0; i < 10; i++ {
		got := b.Next().(*fakeLoop).index
		if got != i%2 {
			t.Fatalf("iteration %d: got loop %d, want %d", i, got, i%2)
		}
	}
}

func TestLeastConnPicksFewestConnections(t *testing.T) {
	b := New(iface.LeastConnLB)
	a := &fakeLoop{index: 0, conns: 5}
	c := &fakeLoop{index: 1, conns: 1}
	d := &fakeLoop{index: 2, conns: 3}
	b.Register(a)
	b.Register(c)
	b.Register(d)

	got := b.Next().(*fakeLoop)
	if got != c {
		t.Fatalf("expected the loop with fewest connections (index 1), got index %d", got.index)
	}
}

func TestLeastConnTracksChangingCounts(t *testing.T) {
	b := New(iface.LeastConnLB)
	a := &fakeLoop{index: 0, conns: 2}
	c := &fakeLoop{index: 1, conns: 2}
	b.Register(a)
	b.Register(c)

	if got := b.Next().(*fakeLoop); got != a {
		t.Fatalf("expected tie to break toward registration order (index 0), got %d", got.index)
	}

	a.conns = 10
	if got := b.Next().(*fakeLoop); got != c {
		t.Fatalf("expected the now-lighter loop (index 1) to be picked, got %d", got.index)
	}
}

func TestIteratorStopsEarly(t *testing.T) {
	b := New(iface.RoundRobinLB)
	b.Register(&fakeLoop{index: 0})
	b.Register(&fakeLoop{index: 1})
	b.Register(&fakeLoop{index: 2})

	var visited []int
	b.Iterator(func(i int, loop LoopRef) bool {
		visited = append(visited, loop.(*fakeLoop).index)
		return i < 1
	})
	if len(visited) != 2 {
		t.Fatalf("expected iteration to stop after 2 loops, got %d", len(visited))
	}
}

func TestLen(t *testing.T) {
	b := New(iface.RoundRobinLB)
	if b.Len() != 0 {
		t.Fatalf("expected empty balancer to have len 0, got %d", b.Len())
	}
	b.Register(&fakeLoop{index: 0})
	if b.Len() != 1 {
		t.Fatalf("expected len 1 after one Register, got %d", b.Len())
	}
}
