// Package insight turns forwarded transcript windows into short ambient
// observations posted to the meeting's text channels. Insights are never
// spoken.
package insight

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/boardobserver/internal/clock"
	"github.com/MrWong99/boardobserver/internal/observe"
	"github.com/MrWong99/boardobserver/internal/speak"
	"github.com/MrWong99/boardobserver/internal/window"
	"github.com/MrWong99/boardobserver/pkg/provider/llm"
)

// DefaultPrompt asks for one observation or the literal NONE.
const DefaultPrompt = "You observe a board meeting through its live transcript. " +
	"Given the latest excerpt, reply with one short, factual observation that would help the board " +
	"(a decision taken, an open action item, a number worth double-checking). " +
	"If nothing is worth noting, reply with exactly NONE."

// nothingToSay is the reply that suppresses posting.
const nothingToSay = "NONE"

const (
	defaultMinInterval = 2 * time.Minute
	defaultPrefix      = "Insight: "
	defaultMaxTokens   = 120
)

var _ window.Subscriber = (*Generator)(nil)

// Option configures a [Generator].
type Option func(*Generator)

// WithPrompt replaces [DefaultPrompt].
func WithPrompt(p string) Option {
	return func(g *Generator) {
		if strings.TrimSpace(p) != "" {
			g.prompt = p
		}
	}
}

// WithMinInterval sets the minimum time between two insights of one meeting.
func WithMinInterval(d time.Duration) Option {
	return func(g *Generator) { g.minInterval = d }
}

// WithPrefix sets the label prepended to posted insights.
func WithPrefix(p string) Option {
	return func(g *Generator) { g.prefix = p }
}

// WithSuppress installs a predicate that skips meetings, e.g. muted ones.
func WithSuppress(fn func(meetingID string) bool) Option {
	return func(g *Generator) { g.suppress = fn }
}

// WithProviderName labels the completion latency metric.
func WithProviderName(name string) Option {
	return func(g *Generator) { g.providerName = name }
}

// WithClock sets the time source for rate limiting.
func WithClock(c clock.Clock) Option {
	return func(g *Generator) { g.clk = c }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Generator) { g.metrics = m }
}

// Generator is a [window.Subscriber] producing ambient insights.
// All exported methods are safe for concurrent use.
type Generator struct {
	llm          llm.Provider
	senders      []speak.TextSender
	prompt       string
	prefix       string
	minInterval  time.Duration
	suppress     func(string) bool
	providerName string
	clk          clock.Clock
	metrics      *observe.Metrics

	mu   sync.Mutex
	last map[string]time.Time
}

// New creates a Generator that asks p and posts to senders.
func New(p llm.Provider, senders []speak.TextSender, opts ...Option) *Generator {
	g := &Generator{
		llm:          p,
		senders:      senders,
		prompt:       DefaultPrompt,
		prefix:       defaultPrefix,
		minInterval:  defaultMinInterval,
		providerName: "llm",
		clk:          clock.Real{},
		last:         make(map[string]time.Time),
	}
	for _, o := range opts {
		o(g)
	}
	if g.metrics == nil {
		g.metrics = observe.DefaultMetrics()
	}
	return g
}

// OnWindow generates and posts an insight for w unless the meeting is
// suppressed or had an insight within the minimum interval. Forced windows
// bypass the interval.
func (g *Generator) OnWindow(ctx context.Context, w window.Window) error {
	ctx = observe.WithMeeting(ctx, w.MeetingID)
	log := observe.Logger(ctx).With("window", w.Seq)
	if g.suppress != nil && g.suppress(w.MeetingID) {
		log.Debug("insight suppressed")
		return nil
	}
	if !w.Forced && !g.due(w.MeetingID) {
		log.Debug("insight rate limited")
		return nil
	}

	text, err := g.Generate(ctx, w)
	if err != nil {
		return err
	}
	if text == "" {
		return nil
	}
	g.mark(w.MeetingID)

	msg := g.prefix + text
	var errs []error
	for _, s := range g.senders {
		if err := s.SendText(ctx, w.MeetingID, msg); err != nil {
			errs = append(errs, fmt.Errorf("insight: send: %w", err))
		}
	}
	log.Info("insight posted", "chars", len(text))
	return errors.Join(errs...)
}

// Generate asks the model about w. It returns "" when the model has nothing
// to note.
func (g *Generator) Generate(ctx context.Context, w window.Window) (string, error) {
	transcript := w.Transcript()
	if strings.TrimSpace(transcript) == "" {
		return "", nil
	}
	ctx, span := observe.StartMeetingSpan(ctx, "insight.generate", w.MeetingID)
	defer span.End()

	start := g.clk.Now()
	resp, err := g.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: g.prompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: transcript}},
		MaxTokens:    defaultMaxTokens,
	})
	g.metrics.RecordLLMCall(ctx, g.providerName, "insight", g.clk.Now().Sub(start), err)
	if err != nil {
		return "", fmt.Errorf("insight: complete: %w", err)
	}
	if resp == nil {
		return "", nil
	}
	text := strings.TrimSpace(resp.Content)
	if resp.Truncated() {
		observe.Logger(ctx).Debug("insight hit the token limit")
	}
	if strings.EqualFold(strings.Trim(text, ".! "), nothingToSay) {
		return "", nil
	}
	return text, nil
}

// Forget drops a meeting's rate-limit state.
func (g *Generator) Forget(meetingID string) {
	g.mu.Lock()
	delete(g.last, meetingID)
	g.mu.Unlock()
}

func (g *Generator) due(meetingID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	last, ok := g.last[meetingID]
	return !ok || g.clk.Now().Sub(last) >= g.minInterval
}

func (g *Generator) mark(meetingID string) {
	g.mu.Lock()
	g.last[meetingID] = g.clk.Now()
	g.mu.Unlock()
}
