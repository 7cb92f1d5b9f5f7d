// Package speak implements the speak gate: it enforces a minimum interval
// between bot utterances per meeting, serialises competing requests by
// priority, and multiplexes each utterance to voice output and a text channel.
//
// Voice output is synthesised by a [Synthesizer] and played through an
// [AudioSink]; text goes to a [TextSender]. Either may be absent. A request is
// delivered when at least one channel succeeds.
package speak

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/boardobserver/internal/clock"
	"github.com/MrWong99/boardobserver/internal/observe"
)

// DefaultCooldown is the minimum interval between non-forced utterances.
const DefaultCooldown = 3 * time.Second

const defaultSpeakTimeout = 30 * time.Second

var (
	// ErrCooldown is matched by the error returned from [Gate.Speak] when the
	// meeting is still cooling down. Use errors.As with *CooldownError to read
	// the remaining wait.
	ErrCooldown = errors.New("speak: cooldown active")

	// ErrNoVoice reports that no synthesizer or audio sink is configured.
	ErrNoVoice = errors.New("speak: voice output not configured")

	// ErrNoOutput reports that no output channel delivered the utterance.
	ErrNoOutput = errors.New("speak: no output channel succeeded")

	// ErrEmptyText rejects requests without text.
	ErrEmptyText = errors.New("speak: empty text")
)

// CooldownError carries the time left before the meeting may speak again.
type CooldownError struct {
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("speak: cooldown active, %s remaining", e.Remaining.Round(time.Millisecond))
}

// Is makes errors.Is(err, ErrCooldown) match.
func (e *CooldownError) Is(target error) bool { return target == ErrCooldown }

// Synthesizer converts text to audio bytes.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// AudioSink plays synthesised audio into a meeting.
type AudioSink interface {
	PlayAudio(ctx context.Context, meetingID string, audio []byte) error
}

// TextSender posts a plain-text message to a meeting's text channel.
type TextSender interface {
	SendText(ctx context.Context, meetingID, text string) error
}

// Request is a single utterance. It is consumed once.
type Request struct {
	MeetingID    string
	Text         string
	Priority     int
	Force        bool
	AlsoSendText bool
}

// Result reports what happened on each output channel.
type Result struct {
	Voice    bool
	Text     bool
	VoiceErr error
	TextErr  error
}

// Delivered reports whether at least one channel succeeded.
func (r Result) Delivered() bool { return r.Voice || r.Text }

// Option configures a [Gate].
type Option func(*Gate)

// WithSynthesizer sets the voice synthesis collaborator.
func WithSynthesizer(s Synthesizer) Option {
	return func(g *Gate) { g.synth = s }
}

// WithAudioSink sets where synthesised audio is played.
func WithAudioSink(a AudioSink) Option {
	return func(g *Gate) { g.sink = a }
}

// WithTextSenders sets the text channels. Every sender receives each text
// message; the text channel counts as delivered when any of them succeeds.
func WithTextSenders(senders ...TextSender) Option {
	return func(g *Gate) { g.texts = append(g.texts, senders...) }
}

// WithCooldown sets the minimum interval between non-forced utterances.
func WithCooldown(d time.Duration) Option {
	return func(g *Gate) { g.cooldown = d }
}

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(g *Gate) { g.clock = c }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// WithSpeakTimeout bounds each queued utterance's synthesis and delivery.
func WithSpeakTimeout(d time.Duration) Option {
	return func(g *Gate) { g.speakTimeout = d }
}

// meetingQueue is the priority queue of one meeting.
type meetingQueue struct {
	items    requestHeap
	seq      uint64
	draining bool
	timer    clock.Timer
}

// Gate is the speak gate. All exported methods are safe for concurrent use.
type Gate struct {
	synth        Synthesizer
	sink         AudioSink
	texts        []TextSender
	clock        clock.Clock
	metrics      *observe.Metrics
	speakTimeout time.Duration

	mu       sync.Mutex
	cooldown time.Duration
	last     map[string]time.Time
	queues   map[string]*meetingQueue
	outputs  map[string]*sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Gate.
func New(opts ...Option) *Gate {
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gate{
		clock:        clock.Real{},
		cooldown:     DefaultCooldown,
		speakTimeout: defaultSpeakTimeout,
		last:         make(map[string]time.Time),
		queues:       make(map[string]*meetingQueue),
		outputs:      make(map[string]*sync.Mutex),
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, o := range opts {
		o(g)
	}
	if g.metrics == nil {
		g.metrics = observe.DefaultMetrics()
	}
	return g
}

// SetCooldown changes the cooldown. Takes effect for the next check.
func (g *Gate) SetCooldown(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cooldown = d
}

// Cooldown returns the configured cooldown.
func (g *Gate) Cooldown() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cooldown
}

// VoiceConfigured reports whether voice output is possible.
func (g *Gate) VoiceConfigured() bool { return g.synth != nil && g.sink != nil }

// CanSpeak reports whether meetingID may speak now. When it may not, the
// remaining wait is returned.
func (g *Gate) CanSpeak(meetingID string, force bool) (bool, time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.canSpeakLocked(meetingID, force)
}

func (g *Gate) canSpeakLocked(meetingID string, force bool) (bool, time.Duration) {
	if force {
		return true, 0
	}
	last, ok := g.last[meetingID]
	if !ok {
		return true, 0
	}
	elapsed := g.clock.Now().Sub(last)
	if elapsed >= g.cooldown {
		return true, 0
	}
	return false, g.cooldown - elapsed
}

// LastResponse returns when meetingID last spoke through the gate.
func (g *Gate) LastResponse(meetingID string) (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.last[meetingID]
	return t, ok
}

// Restore seeds the cooldown record, e.g. from persisted meeting state.
func (g *Gate) Restore(meetingID string, at time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cur, ok := g.last[meetingID]; !ok || at.After(cur) {
		g.last[meetingID] = at
	}
}

// Speak delivers req immediately. It fails fast with a *CooldownError when
// the meeting is cooling down and req.Force is false; it never queues.
//
// On passing the cooldown check the response time is recorded before any
// output is attempted. Voice and text are attempted independently. The
// returned error is nil when at least one channel succeeded.
func (g *Gate) Speak(ctx context.Context, req Request) (Result, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return Result{}, ErrEmptyText
	}

	g.mu.Lock()
	ok, remaining := g.canSpeakLocked(req.MeetingID, req.Force)
	if !ok {
		g.mu.Unlock()
		g.metrics.SpeakBlocked.Add(ctx, 1)
		return Result{}, &CooldownError{Remaining: remaining}
	}
	g.last[req.MeetingID] = g.clock.Now()
	out := g.outputs[req.MeetingID]
	if out == nil {
		out = &sync.Mutex{}
		g.outputs[req.MeetingID] = out
	}
	g.mu.Unlock()

	// One utterance at a time per meeting, forced ones included.
	out.Lock()
	defer out.Unlock()

	var res Result
	res.VoiceErr = g.voice(ctx, req.MeetingID, text)
	res.Voice = res.VoiceErr == nil
	g.metrics.RecordSpeak(ctx, "voice", status(res.VoiceErr))

	if req.AlsoSendText || !g.VoiceConfigured() {
		res.TextErr = g.text(ctx, req.MeetingID, text)
		res.Text = res.TextErr == nil
		g.metrics.RecordSpeak(ctx, "text", status(res.TextErr))
	}

	if !res.Delivered() {
		err := fmt.Errorf("%w: %w", ErrNoOutput, errors.Join(res.VoiceErr, res.TextErr))
		observe.Logger(ctx).Warn("speak: delivery failed",
			"meeting_id", req.MeetingID,
			"err", err,
		)
		return res, err
	}
	if res.VoiceErr != nil && !errors.Is(res.VoiceErr, ErrNoVoice) {
		observe.Logger(ctx).Warn("speak: voice failed, delivered as text",
			"meeting_id", req.MeetingID,
			"err", res.VoiceErr,
		)
	}
	return res, nil
}

func (g *Gate) voice(ctx context.Context, meetingID, text string) error {
	if !g.VoiceConfigured() {
		return ErrNoVoice
	}
	start := g.clock.Now()
	audio, err := g.synth.Synthesize(ctx, text)
	g.metrics.TTSDuration.Record(ctx, g.clock.Now().Sub(start).Seconds())
	if err != nil {
		return fmt.Errorf("speak: synthesize: %w", err)
	}
	if len(audio) == 0 {
		return errors.New("speak: synthesize: empty audio")
	}
	if err := g.sink.PlayAudio(ctx, meetingID, audio); err != nil {
		return fmt.Errorf("speak: play audio: %w", err)
	}
	return nil
}

func (g *Gate) text(ctx context.Context, meetingID, text string) error {
	if len(g.texts) == 0 {
		return errors.New("speak: no text channel configured")
	}
	var errs []error
	delivered := false
	for _, s := range g.texts {
		if err := s.SendText(ctx, meetingID, text); err != nil {
			errs = append(errs, err)
			continue
		}
		delivered = true
	}
	if delivered {
		if len(errs) > 0 {
			slog.Debug("speak: some text channels failed", "meeting_id", meetingID, "err", errors.Join(errs...))
		}
		return nil
	}
	return fmt.Errorf("speak: send text: %w", errors.Join(errs...))
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// QueueSpeak enqueues req on its meeting's priority queue and returns
// immediately. The queue drains highest priority first, one request at a
// time, each subject to the cooldown; a blocked head is retried once the
// cooldown has elapsed.
func (g *Gate) QueueSpeak(req Request) {
	g.mu.Lock()
	defer g.mu.Unlock()

	q := g.queues[req.MeetingID]
	if q == nil {
		q = &meetingQueue{}
		g.queues[req.MeetingID] = q
	}
	q.seq++
	heap.Push(&q.items, queued{req: req, seq: q.seq})

	if q.draining || q.timer != nil {
		return
	}
	q.draining = true
	go g.drain(req.MeetingID, q)
}

// Pending returns the number of queued requests for meetingID.
func (g *Gate) Pending(meetingID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if q := g.queues[meetingID]; q != nil {
		return q.items.Len()
	}
	return 0
}

func (g *Gate) drain(meetingID string, q *meetingQueue) {
	for {
		g.mu.Lock()
		if g.queues[meetingID] != q || q.items.Len() == 0 || g.ctx.Err() != nil {
			q.draining = false
			g.mu.Unlock()
			return
		}
		head := q.items[0].req
		if ok, remaining := g.canSpeakLocked(meetingID, head.Force); !ok {
			q.draining = false
			g.scheduleLocked(meetingID, q, remaining)
			g.mu.Unlock()
			return
		}
		item := heap.Pop(&q.items).(queued)
		g.mu.Unlock()

		ctx, cancel := context.WithTimeout(g.ctx, g.speakTimeout)
		_, err := g.Speak(ctx, item.req)
		cancel()
		if errors.Is(err, ErrCooldown) {
			// A direct Speak won the race; put the request back.
			g.mu.Lock()
			if g.queues[meetingID] == q {
				heap.Push(&q.items, item)
			}
			g.mu.Unlock()
			continue
		}
		if err != nil {
			slog.Warn("speak: queued request failed", "meeting_id", meetingID, "err", err)
		}
	}
}

func (g *Gate) scheduleLocked(meetingID string, q *meetingQueue, after time.Duration) {
	q.timer = g.clock.AfterFunc(after, func() {
		g.mu.Lock()
		if g.queues[meetingID] != q {
			g.mu.Unlock()
			return
		}
		q.timer = nil
		if q.draining {
			g.mu.Unlock()
			return
		}
		q.draining = true
		g.mu.Unlock()
		g.drain(meetingID, q)
	})
}

// Clear drops meetingID's queue and cooldown record.
func (g *Gate) Clear(meetingID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if q := g.queues[meetingID]; q != nil && q.timer != nil {
		q.timer.Stop()
	}
	delete(g.queues, meetingID)
	delete(g.last, meetingID)
	delete(g.outputs, meetingID)
}

// Close stops all pending queue timers and cancels in-flight queued
// deliveries. Safe to call more than once.
func (g *Gate) Close() error {
	g.cancel()
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, q := range g.queues {
		if q.timer != nil {
			q.timer.Stop()
		}
		delete(g.queues, id)
	}
	return nil
}
