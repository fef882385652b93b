//go:build linux

package poll

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/moqsien/greactor/channel"
)

type fakeLoop struct{ mux Multiplexer }

func (f *fakeLoop) UpdateChannel(c *channel.Channel) { f.mux.UpdateChannel(c) }
func (f *fakeLoop) RemoveChannel(c *channel.Channel) { f.mux.RemoveChannel(c) }

func testPollRoundTrip(t *testing.T, kind Kind) {
	mux, err := New(kind)
	if err != nil {
		t.Fatalf("New(%v): %v", kind, err)
	}
	defer mux.Close()

	loop := &fakeLoop{mux: mux}

	r, w, err := pipeFds()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer unix.Close(r)
	defer unix.Close(w)

	c := channel.New(loop, r)
	var fired bool
	c.SetReadCallback(func(time.Time) { fired = true })
	c.EnableRead()

	if !mux.HasChannel(c) {
		t.Fatal("expected channel to be registered after EnableRead")
	}

	if _, err := unix.Write(w, []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	var active []*channel.Channel
	if _, err := mux.Poll(time.Second, &active); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(active) != 1 || active[0] != c {
		t.Fatalf("expected exactly the readable channel to come back active, got %d", len(active))
	}
	active[0].HandleEvent(time.Now())
	if !fired {
		t.Fatal("expected the read callback to have fired")
	}

	c.DisableAll()
	c.Remove()
	if mux.HasChannel(c) {
		t.Fatal("expected channel to be deregistered after Remove")
	}
}

func TestEpollRoundTrip(t *testing.T) {
	testPollRoundTrip(t, KindEpoll)
}

func TestPollPollerRoundTrip(t *testing.T) {
	testPollRoundTrip(t, KindPoll)
}

func pipeFds() (r, w int, err error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return -1, -1, err
	}
	return fds[0], fds[1], nil
}
