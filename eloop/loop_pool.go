package eloop

import (
	"sync"

	"github.com/moqsien/greactor/balancer"
	"github.com/moqsien/greactor/iface"
	"github.com/moqsien/greactor/poll"
)

// LoopPool is spec.md §4.8's fixed-size pool of loop-owning threads:
// `(baseLoop, loops, balancer, started)`. baseLoop is the loop the pool
// itself was constructed on (the acceptor loop for a Server, the single
// loop for a Client run without a pool). Grounded in the teacher's
// ActivateMainLoop/ActivateSubLoop thread-spawn split, generalized into
// one reusable Start that spawns num sub-loops and blocks the caller
// until every one has published its EventLoop.
type LoopPool struct {
	baseLoop *EventLoop
	loops    []*EventLoop
	balancer balancer.IBalancer
	started  bool

	kind         poll.Kind
	lockOSThread bool
}

// NewPool wires baseLoop as the pool's base loop and selects the
// get_next_loop strategy from opts.LoadBalancer.
func NewPool(baseLoop *EventLoop, opts *iface.Options) *LoopPool {
	return &LoopPool{
		baseLoop:     baseLoop,
		balancer:     balancer.New(opts.LoadBalancer),
		kind:         poll.KindEpoll,
		lockOSThread: opts.LockOSThread,
	}
}

// Start spawns num sub-loops, each on its own goroutine pinned to its own
// OS thread, invoking initCb(loopIndex) on each after its EventLoop is
// constructed but before it starts polling. Start blocks until every
// sub-loop has sent its EventLoop back over a channel, the Go idiom for
// the teacher's latch-plus-condvar handoff (spec.md §4.8: "main thread
// blocks until each child has published its loop pointer"); a sub-loop
// may still be running initCb when Start returns. num == 0 means the pool serves
// connections from the base loop alone.
func (p *LoopPool) Start(num int, initCb iface.ThreadInitCallback) error {
	if p.started {
		return nil
	}
	p.started = true

	if num == 0 {
		p.balancer.Register(p.baseLoop)
		return nil
	}

	var wg sync.WaitGroup
	errCh := make(chan error, num)
	loopCh := make(chan *EventLoop, num)

	for i := 1; i <= num; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			loop, err := New(index, p.kind, p.lockOSThread)
			if err != nil {
				errCh <- err
				return
			}
			loopCh <- loop
			if initCb != nil {
				initCb(index)
			}
			loop.Loop()
		}(i)
	}

	for i := 0; i < num; i++ {
		select {
		case err := <-errCh:
			wg.Wait()
			return err
		case loop := <-loopCh:
			p.loops = append(p.loops, loop)
		}
	}

	for _, loop := range p.loops {
		p.balancer.Register(loop)
	}
	return nil
}

// GetNextLoop returns the next loop per the configured balancer strategy
// (spec.md §4.8). Must be called on the base loop's thread. If the pool
// was started with num == 0 it always returns the base loop.
func (p *LoopPool) GetNextLoop() *EventLoop {
	return p.balancer.Next().(*EventLoop)
}

// GetLoopForHash returns loops[h % n] deterministically: sticky
// assignment independent of the chosen balancer strategy (spec.md §4.8).
// If the pool has no sub-loops this is the base loop.
func (p *LoopPool) GetLoopForHash(h uint64) *EventLoop {
	if len(p.loops) == 0 {
		return p.baseLoop
	}
	return p.loops[h%uint64(len(p.loops))]
}

// BaseLoop returns the loop the pool itself runs on.
func (p *LoopPool) BaseLoop() *EventLoop { return p.baseLoop }

// Len is the number of sub-loops registered with the balancer (excludes
// the base loop unless num == 0 was passed to Start).
func (p *LoopPool) Len() int { return p.balancer.Len() }

// QuitAll stops every sub-loop. Does not stop the base loop.
func (p *LoopPool) QuitAll() {
	for _, loop := range p.loops {
		loop.Quit()
	}
}
