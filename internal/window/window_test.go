package window_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/boardobserver/internal/clock/fake"
	"github.com/MrWong99/boardobserver/internal/window"
)

type recorder struct {
	mu      sync.Mutex
	windows []window.Window
	err     error
}

func (r *recorder) OnWindow(_ context.Context, w window.Window) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.windows = append(r.windows, w)
	return r.err
}

func (r *recorder) got() []window.Window {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.windows)
}

func newBuffer(t *testing.T, opts ...window.Option) (*window.Buffer, *fake.Clock) {
	t.Helper()
	clk := fake.New(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	base := []window.Option{
		window.WithClock(clk),
		window.WithWidth(10 * time.Second),
		window.WithMinFragments(2),
	}
	b := window.New(append(base, opts...)...)
	t.Cleanup(func() { _ = b.Close() })
	return b, clk
}

func frag(speaker, text string) window.Fragment {
	return window.Fragment{Speaker: speaker, Text: text}
}

func TestBuffer_TimeBoxForwardsToAllSubscribers(t *testing.T) {
	t.Parallel()

	b, clk := newBuffer(t)
	r1, r2 := &recorder{}, &recorder{}
	b.Subscribe("m1", r1)
	b.Subscribe("m1", r2)

	b.Add("m1", frag("alice", "revenue is up"))
	clk.Advance(3 * time.Second)
	b.Add("m1", frag("bob", "costs are flat"))
	b.Add("m1", frag("alice", "good quarter"))

	clk.Advance(7 * time.Second)

	for i, r := range []*recorder{r1, r2} {
		ws := r.got()
		if len(ws) != 1 {
			t.Fatalf("subscriber %d: want 1 window, got %d", i, len(ws))
		}
		w := ws[0]
		if w.Seq != 1 || w.Forced || len(w.Fragments) != 3 {
			t.Fatalf("subscriber %d: unexpected window %+v", i, w)
		}
		if got := w.Speakers(); !slices.Equal(got, []string{"alice", "bob"}) {
			t.Fatalf("want speakers [alice bob], got %v", got)
		}
		if got, want := w.Text(), "revenue is up costs are flat good quarter"; got != want {
			t.Fatalf("want %q, got %q", want, got)
		}
		if got := w.End.Sub(w.Start); got != 10*time.Second {
			t.Fatalf("want 10s window, got %v", got)
		}
	}
	if b.Buffered("m1") != 0 {
		t.Fatalf("want empty buffer after forward, got %d", b.Buffered("m1"))
	}
}

func TestBuffer_BelowMinimumCarriesOver(t *testing.T) {
	t.Parallel()

	b, clk := newBuffer(t)
	r := &recorder{}
	b.Subscribe("m1", r)

	b.Add("m1", frag("alice", "hmm"))
	clk.Advance(10 * time.Second)
	if len(r.got()) != 0 {
		t.Fatal("want single-fragment window held back")
	}
	if b.Buffered("m1") != 1 {
		t.Fatalf("want fragment carried over, got %d buffered", b.Buffered("m1"))
	}

	b.Add("m1", frag("bob", "right"))
	clk.Advance(10 * time.Second)
	ws := r.got()
	if len(ws) != 1 || len(ws[0].Fragments) != 2 {
		t.Fatalf("want carried window of 2 fragments, got %+v", ws)
	}
}

func TestBuffer_ForcedFlushIgnoresMinimum(t *testing.T) {
	t.Parallel()

	b, clk := newBuffer(t, window.WithMinFragments(5))
	r := &recorder{}
	b.Subscribe("m1", r)

	if err := b.Flush(context.Background(), "m1"); err != nil {
		t.Fatalf("flush of empty buffer: %v", err)
	}
	if len(r.got()) != 0 {
		t.Fatal("want nothing forwarded for empty buffer")
	}

	b.Add("m1", frag("alice", "one"))
	if err := b.Flush(context.Background(), "m1"); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	ws := r.got()
	if len(ws) != 1 || !ws[0].Forced || len(ws[0].Fragments) != 1 {
		t.Fatalf("want one forced window, got %+v", ws)
	}
	if clk.Pending() != 0 {
		t.Fatalf("want window timer stopped, got %d pending", clk.Pending())
	}
}

func TestBuffer_NoSubscribersDrops(t *testing.T) {
	t.Parallel()

	b, _ := newBuffer(t)
	if b.Add("m1", frag("alice", "hello")) {
		t.Fatal("want fragment dropped without subscribers")
	}
}

func TestBuffer_TornDownWithLastSubscriber(t *testing.T) {
	t.Parallel()

	b, clk := newBuffer(t)
	r1, r2 := &recorder{}, &recorder{}
	id1 := b.Subscribe("m1", r1)
	id2 := b.Subscribe("m1", r2)
	b.Add("m1", frag("alice", "one"))
	b.Add("m1", frag("alice", "two"))

	if !b.Unsubscribe("m1", id1) {
		t.Fatal("want first unsubscribe to succeed")
	}
	if b.Buffered("m1") != 2 {
		t.Fatal("want buffer kept while a subscriber remains")
	}
	if b.Unsubscribe("m1", id1) {
		t.Fatal("want repeated unsubscribe to report false")
	}

	b.Unsubscribe("m1", id2)
	if b.Subscribers("m1") != 0 || b.Buffered("m1") != 0 {
		t.Fatal("want buffer torn down")
	}
	if clk.Pending() != 0 {
		t.Fatalf("want timer stopped, got %d pending", clk.Pending())
	}
	clk.Advance(time.Minute)
	if len(r1.got())+len(r2.got()) != 0 {
		t.Fatal("want nothing forwarded after teardown")
	}
}

func TestBuffer_MaxFragmentsForwardsEarly(t *testing.T) {
	t.Parallel()

	b, clk := newBuffer(t, window.WithMaxFragments(3))
	r := &recorder{}
	b.Subscribe("m1", r)
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		b.Add("m1", frag("alice", s))
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(r.got()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the full window")
		}
		time.Sleep(time.Millisecond)
	}
	ws := r.got()
	if got := ws[0].Text(); got != "a b c" || ws[0].Forced {
		t.Fatalf("want full window %q forwarded unforced, got %q (forced=%v)", "a b c", got, ws[0].Forced)
	}
	if n := b.Buffered("m1"); n != 2 {
		t.Fatalf("want the overflow kept for the next window, got %d", n)
	}

	clk.Advance(10 * time.Second)
	ws = r.got()
	if len(ws) != 2 || ws[1].Text() != "d e" || ws[1].Seq != 2 {
		t.Fatalf("want the rest in window 2, got %+v", ws)
	}
}

func TestBuffer_SubscriberErrorsJoined(t *testing.T) {
	t.Parallel()

	b, _ := newBuffer(t)
	errA, errB := errors.New("a failed"), errors.New("b failed")
	b.Subscribe("m1", &recorder{err: errA})
	b.Subscribe("m1", &recorder{err: errB})
	ok := &recorder{}
	b.Subscribe("m1", ok)

	b.Add("m1", frag("alice", "one"))
	err := b.Flush(context.Background(), "m1")
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Fatalf("want both errors joined, got %v", err)
	}
	if len(ok.got()) != 1 {
		t.Fatal("want healthy subscriber served despite failures")
	}
}

func TestBuffer_EndMeeting(t *testing.T) {
	t.Parallel()

	b, _ := newBuffer(t)
	r := &recorder{}
	b.Subscribe("m1", r)
	b.Add("m1", frag("alice", "closing remarks"))

	if err := b.EndMeeting(context.Background(), "m1"); err != nil {
		t.Fatalf("EndMeeting: %v", err)
	}
	if ws := r.got(); len(ws) != 1 || !ws[0].Forced {
		t.Fatalf("want final forced window, got %+v", ws)
	}
	if b.Subscribers("m1") != 0 {
		t.Fatal("want subscribers removed")
	}
}

func TestWindow_Transcript(t *testing.T) {
	t.Parallel()

	w := window.Window{Fragments: []window.Fragment{frag("alice", "hi"), frag("bob", "hello")}}
	if got, want := w.Transcript(), "alice: hi\nbob: hello"; got != want {
		t.Fatalf("want %q, got %q", want, got)
	}
}
