package timer

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/moqsien/greactor/channel"
	"github.com/moqsien/greactor/errs"
	"github.com/moqsien/greactor/internal/netlog"
	"github.com/moqsien/greactor/sys"
)

// Loop is the subset of EventLoop TimerQueue depends on: channel
// registration (for the timerfd's own Channel) and run_in_loop (so
// AddTimer/Cancel, called from any thread, hop onto the owning loop
// before touching the two ordered views).
type Loop interface {
	channel.Updater
	RunInLoop(f func())
}

// Queue is spec.md §4.3's TimerQueue: two ordered views over the same
// set of entries — byExpiration sorted by (expiration, sequence) for
// "what expires next", bySequence keyed by sequence for cancel lookup —
// mutated together so their cardinality and element set always agree
// (spec.md testable property 4).
type Queue struct {
	loop Loop

	fd      int
	channel *channel.Channel

	byExpiration []*entry // ascending by (expiration, sequence)
	bySequence   map[uint64]*entry
	nextSequence uint64

	callingExpired  bool
	cancelingTimers map[uint64]bool
}

// New creates a Queue whose timerfd channel is registered with loop.
func New(loop Loop) (*Queue, error) {
	fd, err := sys.TimerFd()
	if err != nil {
		return nil, err
	}
	q := &Queue{
		loop:            loop,
		fd:              fd,
		bySequence:      make(map[uint64]*entry),
		cancelingTimers: make(map[uint64]bool),
	}
	q.channel = channel.New(loop, fd)
	q.channel.SetReadCallback(func(time.Time) { q.handleRead() })
	q.channel.EnableRead()
	return q, nil
}

// AddTimer schedules cb to run at when, repeating every interval if
// interval > 0 (spec.md §4.3). Thread-safe.
func (q *Queue) AddTimer(cb func(), when time.Time, interval time.Duration) ID {
	e := &entry{
		callback:   cb,
		expiration: when,
		interval:   interval,
		repeat:     interval > 0,
		sequence:   atomic.AddUint64(&q.nextSequence, 1),
	}
	id := ID{sequence: e.sequence}
	q.loop.RunInLoop(func() { q.addTimerInLoop(e) })
	return id
}

// Cancel cancels the timer identified by id. Thread-safe. Canceling an
// id that has already fired (one-shot) or was already canceled is a
// no-op.
func (q *Queue) Cancel(id ID) {
	q.loop.RunInLoop(func() { q.cancelInLoop(id) })
}

// Close disarms and removes the timerfd channel. Must run on the loop
// thread.
func (q *Queue) Close() error {
	q.channel.DisableAll()
	q.channel.Remove()
	return sys.CloseFd(q.fd)
}

func (q *Queue) addTimerInLoop(e *entry) {
	earliestChanged := q.insert(e)
	if earliestChanged {
		if err := sys.TimerFdSetTime(q.fd, e.expiration); err != nil {
			netlog.Errorf("timer: failed to re-arm timerfd: %v", err)
		}
	}
}

func (q *Queue) cancelInLoop(id ID) {
	e, ok := q.bySequence[id.sequence]
	if ok {
		delete(q.bySequence, id.sequence)
		q.removeFromExpirationView(e)
		return
	}
	if q.callingExpired {
		// Canceled from within its own (or a sibling's) callback, after
		// getExpired already popped it out of bySequence: remember not
		// to restart it when the dispatch loop's reset step runs.
		q.cancelingTimers[id.sequence] = true
		return
	}
	netlog.Warningf("%v: sequence=%d", errs.ErrTimerNotFound, id.sequence)
}

// insert adds e to both views and reports whether it is now the earliest
// expiration (in which case the kernel timer must be re-armed).
func (q *Queue) insert(e *entry) bool {
	wasEarliest := len(q.byExpiration) == 0 || e.expiration.Before(q.byExpiration[0].expiration) ||
		(e.expiration.Equal(q.byExpiration[0].expiration) && e.sequence < q.byExpiration[0].sequence)

	idx := sort.Search(len(q.byExpiration), func(i int) bool {
		return entryLess(e, q.byExpiration[i]) || entryEqual(e, q.byExpiration[i])
	})
	q.byExpiration = append(q.byExpiration, nil)
	copy(q.byExpiration[idx+1:], q.byExpiration[idx:])
	q.byExpiration[idx] = e
	q.bySequence[e.sequence] = e
	return wasEarliest
}

func (q *Queue) removeFromExpirationView(e *entry) {
	idx := sort.Search(len(q.byExpiration), func(i int) bool {
		return entryLess(e, q.byExpiration[i]) || entryEqual(e, q.byExpiration[i])
	})
	for i := idx; i < len(q.byExpiration); i++ {
		if q.byExpiration[i] == e {
			q.byExpiration = append(q.byExpiration[:i], q.byExpiration[i+1:]...)
			return
		}
	}
}

func entryLess(a, b *entry) bool {
	if a.expiration.Equal(b.expiration) {
		return a.sequence < b.sequence
	}
	return a.expiration.Before(b.expiration)
}

func entryEqual(a, b *entry) bool {
	return a.expiration.Equal(b.expiration) && a.sequence == b.sequence
}

// handleRead runs on the loop thread as the timerfd channel's on_read
// callback.
func (q *Queue) handleRead() {
	sys.DrainTimerFd(q.fd)
	now := time.Now()

	expired := q.getExpired(now)

	q.callingExpired = true
	for _, e := range expired {
		e.callback()
	}
	q.callingExpired = false

	q.reset(expired, now)
}

// getExpired removes and returns every entry whose expiration <= now
// from both views.
func (q *Queue) getExpired(now time.Time) []*entry {
	idx := sort.Search(len(q.byExpiration), func(i int) bool {
		return q.byExpiration[i].expiration.After(now)
	})
	expired := q.byExpiration[:idx]
	q.byExpiration = q.byExpiration[idx:]
	for _, e := range expired {
		delete(q.bySequence, e.sequence)
	}
	return expired
}

// reset restarts repeating timers that were not canceled mid-callback,
// then re-arms the kernel timer fd to the new earliest expiration.
func (q *Queue) reset(expired []*entry, now time.Time) {
	for _, e := range expired {
		if e.repeat && !q.cancelingTimers[e.sequence] {
			e.expiration = now.Add(e.interval)
			q.insert(e)
		}
	}
	q.cancelingTimers = make(map[uint64]bool)

	if len(q.byExpiration) > 0 {
		if err := sys.TimerFdSetTime(q.fd, q.byExpiration[0].expiration); err != nil {
			netlog.Errorf("timer: failed to re-arm timerfd: %v", err)
		}
	}
}
