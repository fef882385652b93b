//go:build linux

package eloop

import (
	"testing"
	"time"

	"github.com/moqsien/greactor/poll"
)

func TestRunInLoopSynchronousWhenAlreadyOnThread(t *testing.T) {
	loop, err := New(0, poll.KindEpoll, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer loop.cleanup()

	ran := false
	loop.RunInLoop(func() { ran = true })
	if !ran {
		t.Fatal("expected RunInLoop to run synchronously when already on the loop's thread")
	}
}

func TestConnCountTracking(t *testing.T) {
	loop, err := New(0, poll.KindEpoll, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer loop.cleanup()

	if loop.ConnCount() != 0 {
		t.Fatalf("expected a fresh loop to report 0 connections, got %d", loop.ConnCount())
	}
	loop.AddConnCount(3)
	loop.AddConnCount(-1)
	if loop.ConnCount() != 2 {
		t.Fatalf("expected 2 connections, got %d", loop.ConnCount())
	}
}

// spawnRunningLoop constructs an EventLoop and starts Loop() on the same
// goroutine (matching New's "must be called on the goroutine that will
// own it" contract), returning once the loop has published itself.
func spawnRunningLoop(t *testing.T, index int) (*EventLoop, func()) {
	t.Helper()
	loopCh := make(chan *EventLoop, 1)
	errCh := make(chan error, 1)
	go func() {
		loop, err := New(index, poll.KindEpoll, true)
		if err != nil {
			errCh <- err
			return
		}
		loopCh <- loop
		loop.Loop()
	}()

	select {
	case loop := <-loopCh:
		return loop, loop.Quit
	case err := <-errCh:
		t.Fatalf("New: %v", err)
		return nil, nil
	case <-time.After(2 * time.Second):
		t.Fatal("loop never started")
		return nil, nil
	}
}

func TestQueueInLoopRunsDuringLoop(t *testing.T) {
	loop, stop := spawnRunningLoop(t, 0)
	defer stop()

	done := make(chan struct{})
	loop.QueueInLoop(func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("queued task never ran")
	}
}

func TestRunAfterFiresAfterDelay(t *testing.T) {
	loop, stop := spawnRunningLoop(t, 0)
	defer stop()

	start := time.Now()
	fired := make(chan time.Time, 1)
	loop.RunAfter(50*time.Millisecond, func() { fired <- time.Now() })

	select {
	case when := <-fired:
		if when.Sub(start) < 40*time.Millisecond {
			t.Fatalf("timer fired too early: %v", when.Sub(start))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunAfter callback never fired")
	}
}

func TestIndependentLoopsGetDistinctIndices(t *testing.T) {
	l1, stop1 := spawnRunningLoop(t, 0)
	defer stop1()
	l2, stop2 := spawnRunningLoop(t, 1)
	defer stop2()

	if l1.Index() != 0 || l2.Index() != 1 {
		t.Fatalf("unexpected indices: %d, %d", l1.Index(), l2.Index())
	}
}
