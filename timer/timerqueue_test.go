//go:build linux

package timer

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/moqsien/greactor/channel"
)

// directLoop is a minimal real single-threaded reactor standing in for an
// EventLoop: a background goroutine owns both the registered channels and
// the RunInLoop task queue, driving actual poll(2) readiness for the
// timerfd so handle_read really fires (a loop that only remembered
// channels without polling them would never call back into the Queue at
// all). This package can't import eloop's real EventLoop for tests
// without an import cycle (eloop imports timer), so it reimplements just
// enough of the same run-on-one-thread idiom, including the same
// already-on-the-loop-thread fast path *eloop.EventLoop.RunInLoop uses —
// without it, canceling a timer from inside its own callback would
// deadlock waiting on a task the loop goroutine can't get back to.
type directLoop struct {
	mu       sync.Mutex
	channels map[int]*channel.Channel
	tasks    chan func()
	inLoop   atomic.Bool
}

func newDirectLoop() *directLoop {
	l := &directLoop{
		channels: make(map[int]*channel.Channel),
		tasks:    make(chan func(), 16),
	}
	go l.run()
	return l
}

func (l *directLoop) run() {
	for {
		select {
		case task := <-l.tasks:
			l.runTask(task)
			continue
		default:
		}

		l.mu.Lock()
		fds := make([]unix.PollFd, 0, len(l.channels))
		chans := make([]*channel.Channel, 0, len(l.channels))
		for fd, c := range l.channels {
			if c.IsNoneEvent() {
				continue
			}
			var events int16
			if c.IsReading() {
				events |= unix.POLLIN
			}
			if c.IsWriting() {
				events |= unix.POLLOUT
			}
			fds = append(fds, unix.PollFd{Fd: int32(fd), Events: events})
			chans = append(chans, c)
		}
		l.mu.Unlock()

		if len(fds) == 0 {
			select {
			case task := <-l.tasks:
				l.runTask(task)
			case <-time.After(2 * time.Millisecond):
			}
			continue
		}

		n, err := unix.Poll(fds, 5)
		if err != nil || n <= 0 {
			continue
		}
		l.inLoop.Store(true)
		for i, pfd := range fds {
			if pfd.Revents == 0 {
				continue
			}
			var rev channel.Event
			if pfd.Revents&unix.POLLIN != 0 {
				rev |= channel.EventRead
			}
			if pfd.Revents&unix.POLLOUT != 0 {
				rev |= channel.EventWrite
			}
			chans[i].SetRevents(rev)
			chans[i].HandleEvent(time.Now())
		}
		l.inLoop.Store(false)
	}
}

func (l *directLoop) runTask(task func()) {
	l.inLoop.Store(true)
	task()
	l.inLoop.Store(false)
}

// RunInLoop mirrors *eloop.EventLoop.RunInLoop's own IsInLoopThread fast
// path: if f is already running on the loop goroutine (e.g. a timer
// callback canceling itself), run it inline instead of posting a task the
// loop goroutine — busy inside this very call — could never get back to.
func (l *directLoop) RunInLoop(f func()) {
	if l.inLoop.Load() {
		f()
		return
	}
	done := make(chan struct{})
	l.tasks <- func() {
		f()
		close(done)
	}
	<-done
}

func (l *directLoop) UpdateChannel(c *channel.Channel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.channels[c.Fd()] = c
}

func (l *directLoop) RemoveChannel(c *channel.Channel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.channels, c.Fd())
}

func TestAddTimerFiresOnce(t *testing.T) {
	loop := newDirectLoop()
	q, err := New(loop)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer q.Close()

	fired := make(chan struct{}, 1)
	q.AddTimer(func() { fired <- struct{}{} }, time.Now().Add(20*time.Millisecond), 0)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}

	if len(q.byExpiration) != 0 {
		t.Fatalf("expected byExpiration to be empty after a one-shot timer fires, got %d entries", len(q.byExpiration))
	}
	if len(q.bySequence) != 0 {
		t.Fatalf("expected bySequence to be empty after a one-shot timer fires, got %d entries", len(q.bySequence))
	}
}

func TestCancelBeforeExpiry(t *testing.T) {
	loop := newDirectLoop()
	q, err := New(loop)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer q.Close()

	fired := false
	id := q.AddTimer(func() { fired = true }, time.Now().Add(500*time.Millisecond), 0)
	q.Cancel(id)

	time.Sleep(700 * time.Millisecond)
	if fired {
		t.Fatal("expected canceled timer not to fire")
	}
	if len(q.byExpiration) != 0 || len(q.bySequence) != 0 {
		t.Fatal("expected both views empty after canceling the only scheduled timer")
	}
}

func TestRepeatingTimerReschedules(t *testing.T) {
	loop := newDirectLoop()
	q, err := New(loop)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer q.Close()

	count := make(chan struct{}, 8)
	q.AddTimer(func() { count <- struct{}{} }, time.Now().Add(10*time.Millisecond), 15*time.Millisecond)

	for i := 0; i < 3; i++ {
		select {
		case <-count:
		case <-time.After(2 * time.Second):
			t.Fatalf("expected repeating timer to fire at least 3 times, got %d", i)
		}
	}
}

func TestByExpirationStaysSortedAcrossInserts(t *testing.T) {
	loop := newDirectLoop()
	q, err := New(loop)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer q.Close()

	base := time.Now().Add(time.Hour)
	q.AddTimer(func() {}, base.Add(30*time.Second), 0)
	q.AddTimer(func() {}, base.Add(10*time.Second), 0)
	q.AddTimer(func() {}, base.Add(20*time.Second), 0)

	if len(q.byExpiration) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(q.byExpiration))
	}
	for i := 1; i < len(q.byExpiration); i++ {
		if q.byExpiration[i].expiration.Before(q.byExpiration[i-1].expiration) {
			t.Fatalf("byExpiration not sorted at index %d", i)
		}
	}
	if len(q.byExpiration) != len(q.bySequence) {
		t.Fatalf("views disagree on cardinality: byExpiration=%d bySequence=%d", len(q.byExpiration), len(q.bySequence))
	}
}

func TestCancelUnknownIDIsNoop(t *testing.T) {
	loop := newDirectLoop()
	q, err := New(loop)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer q.Close()

	q.Cancel(ID{sequence: 9999})
}

// TestCancelRepeatingTimerFromWithinItsOwnCallback exercises cancelInLoop's
// callingExpired branch: getExpired already popped the firing entry out of
// bySequence before callbacks run, so a callback that cancels its own timer
// must be remembered in cancelingTimers and checked by reset, or the timer
// would reschedule anyway (spec.md §4.3's "cancel does not reschedule").
func TestCancelRepeatingTimerFromWithinItsOwnCallback(t *testing.T) {
	loop := newDirectLoop()
	q, err := New(loop)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer q.Close()

	var id ID
	var canceledOnce sync.Once
	fires := make(chan struct{}, 8)
	id = q.AddTimer(func() {
		fires <- struct{}{}
		canceledOnce.Do(func() { q.Cancel(id) })
	}, time.Now().Add(10*time.Millisecond), 15*time.Millisecond)

	select {
	case <-fires:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired even once")
	}

	select {
	case <-fires:
		t.Fatal("expected canceling the timer from within its own callback to stop it from rescheduling")
	case <-time.After(200 * time.Millisecond):
	}

	if len(q.byExpiration) != 0 || len(q.bySequence) != 0 {
		t.Fatal("expected both views empty once the only timer canceled itself mid-callback")
	}
}
