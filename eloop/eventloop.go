// Package eloop implements spec.md §4.4's EventLoop and its thread pool:
// one reactor per OS thread, driving a poll.Multiplexer, a timer.Queue,
// and a cross-thread task queue. Grounded in the teacher's
// eloop.Eloop/ActivateMainLoop/ActivateSubLoop split, generalized from
// "accept vs. handle-conn loop" into the spec's single reusable
// EventLoop type with run_in_loop/queue_in_loop task posting.
package eloop

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"

	"github.com/moqsien/greactor/channel"
	"github.com/moqsien/greactor/errs"
	"github.com/moqsien/greactor/iface"
	"github.com/moqsien/greactor/internal/netlog"
	"github.com/moqsien/greactor/poll"
	"github.com/moqsien/greactor/sys"
	"github.com/moqsien/greactor/timer"
)

// pollTimeout bounds how long a loop iteration blocks in the multiplexer
// when nothing is ready, so a quit/wakeup is never starved for more than
// this long even if the wake channel write were somehow missed.
const pollTimeout = 10 * time.Second

// loopSlots is the per-OS-thread singleton slot spec.md §9 describes:
// "populated in the EventLoop constructor on its owner thread, cleared in
// the destructor; an assertion fires if a second EventLoop is constructed
// on a thread that already has one." Keyed by unix.Gettid(), valid only
// for goroutines that called runtime.LockOSThread before constructing
// their EventLoop (see Options.LockOSThread).
var (
	loopSlotsMu sync.Mutex
	loopSlots   = make(map[int]*EventLoop)
)

// EventLoop is spec.md §3's EventLoop data model: one per OS thread,
// pinned at construction, driving a Multiplexer and a timer.Queue and
// accepting cross-thread work through RunInLoop/QueueInLoop.
type EventLoop struct {
	index int
	tid   int

	poller      poll.Multiplexer
	timerQueue  *timer.Queue
	wakeFd      int
	wakeChannel *channel.Channel

	mu      sync.Mutex
	pending *queue.Queue

	callingPendingTasks atomic.Bool
	eventHandling       atomic.Bool
	looping             atomic.Bool
	quit                atomic.Bool

	connCount atomic.Int32

	lockOSThread bool
}

// New constructs an EventLoop. Must be called on the goroutine that will
// own it: if lockOSThread is set, New calls runtime.LockOSThread first so
// the per-thread slot check is meaningful; a second EventLoop constructed
// on the same OS thread fails fatally (spec.md invariant 2).
func New(index int, kind poll.Kind, lockOSThread bool) (*EventLoop, error) {
	if lockOSThread {
		runtime.LockOSThread()
	}
	tid := sys.Gettid()

	loopSlotsMu.Lock()
	if _, exists := loopSlots[tid]; exists {
		loopSlotsMu.Unlock()
		netlog.Fatalf("%v (tid=%d)", errs.ErrLoopAlreadyRunning, tid)
	}
	loopSlotsMu.Unlock()

	mux, err := poll.New(kind)
	if err != nil {
		return nil, err
	}
	wakeFd, err := sys.EventFd()
	if err != nil {
		mux.Close()
		return nil, err
	}

	e := &EventLoop{
		index:        index,
		tid:          tid,
		poller:       mux,
		wakeFd:       wakeFd,
		pending:      queue.New(),
		lockOSThread: lockOSThread,
	}

	e.wakeChannel = channel.New(e, wakeFd)
	e.wakeChannel.SetReadCallback(func(time.Time) { sys.DrainWake(e.wakeFd) })
	e.wakeChannel.EnableRead()

	tq, err := timer.New(e)
	if err != nil {
		e.wakeChannel.DisableAll()
		mux.Close()
		sys.CloseFd(wakeFd)
		return nil, err
	}
	e.timerQueue = tq

	loopSlotsMu.Lock()
	loopSlots[tid] = e
	loopSlotsMu.Unlock()

	return e, nil
}

// Index is this loop's position in its LoopPool (0 for a standalone loop).
func (e *EventLoop) Index() int { return e.index }

// ConnCount is the number of Connections currently registered on this
// loop, maintained by Server/Client via AddConnCount as connections are
// established and torn down. Consumed by balancer.LeastConn.
func (e *EventLoop) ConnCount() int32 { return e.connCount.Load() }

// AddConnCount adjusts the live-connection count by delta (positive on
// connect_established, negative on connect_destroyed).
func (e *EventLoop) AddConnCount(delta int32) { e.connCount.Add(delta) }

// IsInLoopThread reports whether the calling goroutine is pinned to this
// loop's owner OS thread.
func (e *EventLoop) IsInLoopThread() bool {
	return sys.Gettid() == e.tid
}

// AssertInLoopThread logs errs.ErrWrongLoopThread and exits the process
// (netlog.Fatalf) if called off the owner thread, the Go analogue of
// muduo's assert-and-abort guard on
// the thread-confined operations listed in spec.md §4.4.
func (e *EventLoop) AssertInLoopThread() {
	if !e.IsInLoopThread() {
		netlog.Fatalf("%v: loop=%d tid=%d caller_tid=%d", errs.ErrWrongLoopThread, e.index, e.tid, sys.Gettid())
	}
}

// Loop runs the reactor until Quit is called. Must run on the owner
// thread; blocks the calling goroutine for the loop's entire lifetime.
func (e *EventLoop) Loop() {
	e.AssertInLoopThread()
	e.looping.Store(true)
	e.quit.Store(false)

	var active []*channel.Channel
	for !e.quit.Load() {
		when, err := e.poller.Poll(pollTimeout, &active)
		if err != nil {
			netlog.Errorf("eloop[%d]: poll: %v", e.index, err)
			continue
		}

		e.eventHandling.Store(true)
		for _, c := range active {
			c.HandleEvent(when)
		}
		e.eventHandling.Store(false)

		e.doPendingTasks()
	}

	e.looping.Store(false)
	e.cleanup()
}

func (e *EventLoop) cleanup() {
	loopSlotsMu.Lock()
	delete(loopSlots, e.tid)
	loopSlotsMu.Unlock()

	e.wakeChannel.DisableAll()
	e.wakeChannel.Remove()
	e.timerQueue.Close()
	e.poller.Close()
	sys.CloseFd(e.wakeFd)

	if e.lockOSThread {
		runtime.UnlockOSThread()
	}
}

// Quit terminates the loop after its current iteration. Safe from any
// thread; when called off the owner thread it also wakes the loop so the
// flag is observed promptly (spec.md §4.4).
func (e *EventLoop) Quit() {
	e.quit.Store(true)
	if !e.IsInLoopThread() {
		e.Wakeup()
	}
}

// RunInLoop runs f on this loop's thread: synchronously if the caller is
// already there, otherwise queued for the next iteration.
func (e *EventLoop) RunInLoop(f func()) {
	if e.IsInLoopThread() {
		f()
		return
	}
	e.QueueInLoop(f)
}

// QueueInLoop appends f to the pending-task queue under the loop's
// mutex, then wakes the loop if the caller is off-thread or a
// do_pending_tasks drain is already underway — the second condition
// keeps a task queued from within a pending task from being starved
// behind the current drain (spec.md §4.4).
func (e *EventLoop) QueueInLoop(f func()) {
	e.mu.Lock()
	e.pending.Add(iface.Functor(f))
	e.mu.Unlock()

	if !e.IsInLoopThread() || e.callingPendingTasks.Load() {
		e.Wakeup()
	}
}

// doPendingTasks swaps the pending queue out under the lock (bounded
// critical section; tasks may safely enqueue further tasks) and runs
// each task in FIFO order.
func (e *EventLoop) doPendingTasks() {
	e.mu.Lock()
	n := e.pending.Length()
	tasks := make([]iface.Functor, 0, n)
	for i := 0; i < n; i++ {
		tasks = append(tasks, e.pending.Remove().(iface.Functor))
	}
	e.mu.Unlock()

	e.callingPendingTasks.Store(true)
	for _, f := range tasks {
		f()
	}
	e.callingPendingTasks.Store(false)
}

// Wakeup writes to the loop's wake fd so a blocked Poll call returns
// promptly.
func (e *EventLoop) Wakeup() error {
	return sys.WakeUp(e.wakeFd)
}

// UpdateChannel and RemoveChannel implement channel.Updater; both are
// thread-confined to the loop's owner thread.
func (e *EventLoop) UpdateChannel(c *channel.Channel) {
	e.AssertInLoopThread()
	if err := e.poller.UpdateChannel(c); err != nil {
		netlog.Errorf("eloop[%d]: update_channel fd=%d: %v", e.index, c.Fd(), err)
	}
}

func (e *EventLoop) RemoveChannel(c *channel.Channel) {
	e.AssertInLoopThread()
	if err := e.poller.RemoveChannel(c); err != nil {
		netlog.Errorf("eloop[%d]: remove_channel fd=%d: %v", e.index, c.Fd(), err)
	}
}

func (e *EventLoop) HasChannel(c *channel.Channel) bool {
	e.AssertInLoopThread()
	return e.poller.HasChannel(c)
}

// RunAt schedules cb to run once at when.
func (e *EventLoop) RunAt(when time.Time, cb func()) timer.ID {
	return e.timerQueue.AddTimer(cb, when, 0)
}

// RunAfter schedules cb to run once after d.
func (e *EventLoop) RunAfter(d time.Duration, cb func()) timer.ID {
	return e.RunAt(time.Now().Add(d), cb)
}

// RunEvery schedules cb to run every interval, starting one interval from
// now.
func (e *EventLoop) RunEvery(interval time.Duration, cb func()) timer.ID {
	return e.timerQueue.AddTimer(cb, time.Now().Add(interval), interval)
}

// CancelTimer cancels a timer scheduled through RunAt/RunAfter/RunEvery.
func (e *EventLoop) CancelTimer(id timer.ID) {
	e.timerQueue.Cancel(id)
}
