// Package window coalesces raw caption fragments into short, time-boxed
// transcript windows for ambient consumers such as insight generation.
//
// A meeting's buffer exists only while it has subscribers. Fragments for a
// meeting without subscribers are dropped. The first fragment of an empty
// buffer opens a window; when the window's width has elapsed, the buffer is
// forwarded to every subscriber if it holds at least the minimum number of
// fragments. Smaller windows are carried over into the next one. A window
// that reaches the maximum fragment count is forwarded at once, before its
// time box ends. A forced flush always forwards whatever remains.
package window

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/boardobserver/internal/clock"
	"github.com/MrWong99/boardobserver/internal/observe"
)

const (
	defaultWidth           = 30 * time.Second
	defaultMinFragments    = 3
	defaultMaxFragments    = 200
	defaultDeliveryTimeout = 30 * time.Second
)

// Fragment is one caption event.
type Fragment struct {
	Speaker string
	Text    string
	At      time.Time
}

// Window is a forwarded batch of fragments.
type Window struct {
	MeetingID string

	// Seq numbers the windows of one meeting, starting at 1.
	Seq uint64

	Start     time.Time
	End       time.Time
	Fragments []Fragment

	// Forced reports that the window was flushed explicitly rather than by
	// its time box.
	Forced bool
}

// Speakers returns the distinct speakers in order of first appearance.
func (w Window) Speakers() []string {
	seen := make(map[string]bool, 4)
	var out []string
	for _, f := range w.Fragments {
		if !seen[f.Speaker] {
			seen[f.Speaker] = true
			out = append(out, f.Speaker)
		}
	}
	return out
}

// Text concatenates the fragment texts with single spaces.
func (w Window) Text() string {
	parts := make([]string, len(w.Fragments))
	for i, f := range w.Fragments {
		parts[i] = f.Text
	}
	return strings.Join(parts, " ")
}

// Transcript renders one "speaker: text" line per fragment.
func (w Window) Transcript() string {
	var b strings.Builder
	for i, f := range w.Fragments {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(f.Speaker)
		b.WriteString(": ")
		b.WriteString(f.Text)
	}
	return b.String()
}

// Subscriber consumes forwarded windows.
type Subscriber interface {
	OnWindow(ctx context.Context, w Window) error
}

// SubscriberFunc adapts a function to [Subscriber].
type SubscriberFunc func(ctx context.Context, w Window) error

// OnWindow calls f.
func (f SubscriberFunc) OnWindow(ctx context.Context, w Window) error { return f(ctx, w) }

// Option configures a [Buffer].
type Option func(*Buffer)

// WithWidth sets the time box of a window. Default: 30s.
func WithWidth(d time.Duration) Option {
	return func(b *Buffer) {
		if d > 0 {
			b.width = d
		}
	}
}

// WithMinFragments sets how many fragments a window needs before its time
// box forwards it. Default: 3.
func WithMinFragments(n int) Option {
	return func(b *Buffer) {
		if n > 0 {
			b.minFragments = n
		}
	}
}

// WithMaxFragments caps the fragments of one window; reaching it forwards
// the window early. Default: 200.
func WithMaxFragments(n int) Option {
	return func(b *Buffer) {
		if n > 0 {
			b.maxFragments = n
		}
	}
}

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option { return func(b *Buffer) { b.clock = c } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option { return func(b *Buffer) { b.metrics = m } }

// WithDeliveryTimeout bounds each time-boxed delivery. Default: 30s.
func WithDeliveryTimeout(d time.Duration) Option {
	return func(b *Buffer) {
		if d > 0 {
			b.deliveryTimeout = d
		}
	}
}

type meetingBuffer struct {
	subs    map[uint64]Subscriber
	frags   []Fragment
	start   time.Time
	seq     uint64
	timer   clock.Timer
	timerID uint64
}

// Buffer holds the per-meeting window buffers. All exported methods are safe
// for concurrent use.
type Buffer struct {
	clock           clock.Clock
	metrics         *observe.Metrics
	width           time.Duration
	minFragments    int
	maxFragments    int
	deliveryTimeout time.Duration

	mu       sync.Mutex
	meetings map[string]*meetingBuffer
	nextSub  uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Buffer.
func New(opts ...Option) *Buffer {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Buffer{
		clock:           clock.Real{},
		width:           defaultWidth,
		minFragments:    defaultMinFragments,
		maxFragments:    defaultMaxFragments,
		deliveryTimeout: defaultDeliveryTimeout,
		meetings:        make(map[string]*meetingBuffer),
		ctx:             ctx,
		cancel:          cancel,
	}
	for _, o := range opts {
		o(b)
	}
	if b.metrics == nil {
		b.metrics = observe.DefaultMetrics()
	}
	return b
}

// Subscribe registers s for meetingID's windows, creating the meeting's
// buffer on first use. The returned ID is passed to [Buffer.Unsubscribe].
func (b *Buffer) Subscribe(meetingID string, s Subscriber) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	mb := b.meetings[meetingID]
	if mb == nil {
		mb = &meetingBuffer{subs: make(map[uint64]Subscriber)}
		b.meetings[meetingID] = mb
	}
	b.nextSub++
	mb.subs[b.nextSub] = s
	return b.nextSub
}

// Unsubscribe removes a subscription. When the last subscriber of a meeting
// leaves, its buffer is torn down and buffered fragments are discarded.
// Reports whether the subscription existed.
func (b *Buffer) Unsubscribe(meetingID string, id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	mb := b.meetings[meetingID]
	if mb == nil {
		return false
	}
	if _, ok := mb.subs[id]; !ok {
		return false
	}
	delete(mb.subs, id)
	if len(mb.subs) == 0 {
		b.stopLocked(mb)
		delete(b.meetings, meetingID)
	}
	return true
}

// Subscribers returns the number of subscribers of meetingID.
func (b *Buffer) Subscribers(meetingID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if mb := b.meetings[meetingID]; mb != nil {
		return len(mb.subs)
	}
	return 0
}

// Buffered returns the number of fragments waiting in meetingID's window.
func (b *Buffer) Buffered(meetingID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if mb := b.meetings[meetingID]; mb != nil {
		return len(mb.frags)
	}
	return 0
}

// Add appends f to meetingID's open window. Reports false when the meeting
// has no subscribers and the fragment was dropped.
func (b *Buffer) Add(meetingID string, f Fragment) bool {
	if strings.TrimSpace(f.Text) == "" {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	mb := b.meetings[meetingID]
	if mb == nil {
		return false
	}
	now := b.clock.Now()
	if f.At.IsZero() {
		f.At = now
	}
	if len(mb.frags) == 0 {
		mb.start = now
		b.armLocked(meetingID, mb, b.width)
	}
	mb.frags = append(mb.frags, f)
	if len(mb.frags) >= b.maxFragments && b.ctx.Err() == nil {
		w, subs := b.takeLocked(meetingID, mb, false)
		b.wg.Add(1)
		go b.forward(w, subs)
	}
	return true
}

func (b *Buffer) armLocked(meetingID string, mb *meetingBuffer, after time.Duration) {
	b.stopLocked(mb)
	mb.timerID++
	id := mb.timerID
	mb.timer = b.clock.AfterFunc(after, func() { b.onTimer(meetingID, mb, id) })
}

func (b *Buffer) stopLocked(mb *meetingBuffer) {
	if mb.timer != nil {
		mb.timer.Stop()
		mb.timer = nil
	}
}

func (b *Buffer) onTimer(meetingID string, mb *meetingBuffer, id uint64) {
	b.mu.Lock()
	if b.meetings[meetingID] != mb || mb.timerID != id || b.ctx.Err() != nil {
		b.mu.Unlock()
		return
	}
	mb.timer = nil
	if len(mb.frags) < b.minFragments {
		// Too little to be worth forwarding; keep it for the next window.
		if len(mb.frags) > 0 {
			b.armLocked(meetingID, mb, b.width)
		}
		b.mu.Unlock()
		return
	}
	w, subs := b.takeLocked(meetingID, mb, false)
	b.wg.Add(1)
	b.mu.Unlock()
	b.forward(w, subs)
}

// forward delivers a window that was not forced under the delivery timeout.
// The caller must have added to b.wg.
func (b *Buffer) forward(w Window, subs []Subscriber) {
	defer b.wg.Done()
	ctx, cancel := context.WithTimeout(b.ctx, b.deliveryTimeout)
	defer cancel()
	if err := b.deliver(ctx, w, subs); err != nil {
		slog.Warn("window: delivery failed", "meeting_id", w.MeetingID, "seq", w.Seq, "err", err)
	}
}

// takeLocked empties the buffer into a Window and snapshots the subscribers.
func (b *Buffer) takeLocked(meetingID string, mb *meetingBuffer, forced bool) (Window, []Subscriber) {
	b.stopLocked(mb)
	mb.seq++
	w := Window{
		MeetingID: meetingID,
		Seq:       mb.seq,
		Start:     mb.start,
		End:       b.clock.Now(),
		Fragments: mb.frags,
		Forced:    forced,
	}
	mb.frags = nil
	subs := make([]Subscriber, 0, len(mb.subs))
	for _, s := range mb.subs {
		subs = append(subs, s)
	}
	return w, subs
}

// deliver fans w out to every subscriber concurrently and joins their errors.
func (b *Buffer) deliver(ctx context.Context, w Window, subs []Subscriber) error {
	b.metrics.WindowsFlushed.Add(ctx, 1,
		metric.WithAttributes(observe.Attr("forced", strconv.FormatBool(w.Forced))))
	slog.Debug("window: forwarding",
		"meeting_id", w.MeetingID,
		"seq", w.Seq,
		"fragments", len(w.Fragments),
		"subscribers", len(subs),
		"forced", w.Forced,
	)

	errs := make([]error, len(subs))
	var g errgroup.Group
	for i, s := range subs {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("window: subscriber panicked: %v", r)
				}
				errs[i] = err
			}()
			return s.OnWindow(ctx, w)
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Flush forwards whatever meetingID's buffer holds, regardless of the
// minimum fragment count, and waits for delivery. An empty buffer forwards
// nothing.
func (b *Buffer) Flush(ctx context.Context, meetingID string) error {
	b.mu.Lock()
	mb := b.meetings[meetingID]
	if mb == nil || len(mb.frags) == 0 {
		b.mu.Unlock()
		return nil
	}
	w, subs := b.takeLocked(meetingID, mb, true)
	b.mu.Unlock()

	if err := b.deliver(ctx, w, subs); err != nil {
		return fmt.Errorf("window: flush %s: %w", meetingID, err)
	}
	return nil
}

// EndMeeting force-flushes meetingID and then removes all of its
// subscribers.
func (b *Buffer) EndMeeting(ctx context.Context, meetingID string) error {
	err := b.Flush(ctx, meetingID)
	b.mu.Lock()
	if mb := b.meetings[meetingID]; mb != nil {
		b.stopLocked(mb)
		delete(b.meetings, meetingID)
	}
	b.mu.Unlock()
	return err
}

// Close stops all window timers and waits for in-flight deliveries. Buffered
// fragments are discarded. Safe to call more than once.
func (b *Buffer) Close() error {
	b.cancel()
	b.mu.Lock()
	for id, mb := range b.meetings {
		b.stopLocked(mb)
		delete(b.meetings, id)
	}
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}
