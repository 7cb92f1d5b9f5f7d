// Package advisor answers questions put to the bot during a meeting. It
// wraps an [llm.Provider] with a system prompt and a short memory of what was
// recently said in each meeting, fed from the transcript window buffer.
package advisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/boardobserver/internal/clock"
	"github.com/MrWong99/boardobserver/internal/conversation"
	"github.com/MrWong99/boardobserver/internal/observe"
	"github.com/MrWong99/boardobserver/internal/window"
	"github.com/MrWong99/boardobserver/pkg/provider/llm"
)

// DefaultSystemPrompt frames the model as a spoken meeting assistant.
const DefaultSystemPrompt = "You are an assistant listening in on a board meeting. " +
	"Answer the question you are asked in one to three short sentences that read well aloud. " +
	"Use the recent discussion when it is relevant. If you do not know, say so plainly."

const (
	defaultMaxEntries  = 60
	defaultMaxAge      = 10 * time.Minute
	defaultTemperature = 0.3
	defaultMaxTokens   = 300
)

var errEmptyCompletion = errors.New("advisor: empty completion")

var (
	_ conversation.Answerer = (*Advisor)(nil)
	_ window.Subscriber     = (*Advisor)(nil)
)

// Option configures an [Advisor].
type Option func(*Advisor)

// WithSystemPrompt replaces [DefaultSystemPrompt].
func WithSystemPrompt(p string) Option {
	return func(a *Advisor) {
		if strings.TrimSpace(p) != "" {
			a.systemPrompt = p
		}
	}
}

// WithContextLimits bounds the remembered transcript per meeting.
func WithContextLimits(maxEntries int, maxAge time.Duration) Option {
	return func(a *Advisor) {
		if maxEntries > 0 {
			a.maxEntries = maxEntries
		}
		if maxAge > 0 {
			a.maxAge = maxAge
		}
	}
}

// WithSampling sets the completion temperature and token cap.
func WithSampling(temperature float64, maxTokens int) Option {
	return func(a *Advisor) {
		a.temperature = temperature
		if maxTokens > 0 {
			a.maxTokens = maxTokens
		}
	}
}

// WithProviderName labels the completion latency metric.
func WithProviderName(name string) Option {
	return func(a *Advisor) { a.providerName = name }
}

// WithClock sets the time source for context ages.
func WithClock(c clock.Clock) Option {
	return func(a *Advisor) { a.clk = c }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Advisor) { a.metrics = m }
}

// Advisor is the answering collaborator.
// All exported methods are safe for concurrent use.
type Advisor struct {
	llm          llm.Provider
	providerName string
	systemPrompt string
	maxEntries   int
	maxAge       time.Duration
	temperature  float64
	maxTokens    int
	clk          clock.Clock
	metrics      *observe.Metrics

	mu       sync.Mutex
	meetings map[string]*ContextBuffer
}

// New creates an Advisor backed by p.
func New(p llm.Provider, opts ...Option) *Advisor {
	a := &Advisor{
		llm:          p,
		providerName: "llm",
		systemPrompt: DefaultSystemPrompt,
		maxEntries:   defaultMaxEntries,
		maxAge:       defaultMaxAge,
		temperature:  defaultTemperature,
		maxTokens:    defaultMaxTokens,
		clk:          clock.Real{},
		meetings:     make(map[string]*ContextBuffer),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	return a
}

// Ask answers question using the meeting's recent transcript as context.
func (a *Advisor) Ask(ctx context.Context, meetingID, question string) (string, error) {
	ctx, span := observe.StartMeetingSpan(ctx, "advisor.ask", meetingID)
	defer span.End()

	question = strings.TrimSpace(question)
	if question == "" {
		return "", conversation.ErrEmptyQuestion
	}

	var recent []Entry
	if buf := a.buffer(meetingID, false); buf != nil {
		recent = buf.Recent(a.maxEntries)
	}
	req := a.fit(question, recent)

	start := a.clk.Now()
	resp, err := a.llm.Complete(ctx, req)
	a.metrics.RecordLLMCall(ctx, a.providerName, "answer", a.clk.Now().Sub(start), err)
	if err != nil {
		return "", fmt.Errorf("advisor: complete: %w", err)
	}

	if resp == nil {
		return "", errEmptyCompletion
	}
	answer := strings.TrimSpace(resp.Content)
	if answer == "" {
		return "", errEmptyCompletion
	}
	if resp.Truncated() {
		observe.Logger(ctx).Warn("advisor answer hit the token limit", "max_tokens", a.maxTokens)
	}
	observe.Logger(ctx).Debug("advisor answered",
		"context_entries", len(recent),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
	)
	return answer, nil
}

// fit builds the request, dropping the oldest context lines until the prompt
// fits the model's context window with room for the reply.
func (a *Advisor) fit(question string, recent []Entry) llm.CompletionRequest {
	budget := 0
	if caps := a.llm.Capabilities(); caps.ContextWindow > 0 {
		budget = caps.ContextWindow - a.maxTokens
	}
	for {
		system := FormatSystemPrompt(a.systemPrompt, recent, a.clk.Now())
		req := llm.CompletionRequest{
			SystemPrompt: system,
			Messages:     []llm.Message{{Role: llm.RoleUser, Content: question}},
			Temperature:  a.temperature,
			MaxTokens:    a.maxTokens,
		}
		if budget <= 0 || len(recent) == 0 {
			return req
		}
		n, err := a.llm.CountTokens(append([]llm.Message{{Role: llm.RoleSystem, Content: system}}, req.Messages...))
		if err != nil || n <= budget {
			return req
		}
		drop := max(1, len(recent)/4)
		recent = recent[drop:]
	}
}

// OnWindow remembers the window's fragments as meeting context.
func (a *Advisor) OnWindow(_ context.Context, w window.Window) error {
	entries := make([]Entry, len(w.Fragments))
	for i, f := range w.Fragments {
		entries[i] = Entry{Speaker: f.Speaker, Text: f.Text, At: f.At}
	}
	a.Remember(w.MeetingID, entries...)
	return nil
}

// Remember adds transcript lines to a meeting's context.
func (a *Advisor) Remember(meetingID string, entries ...Entry) {
	if len(entries) == 0 {
		return
	}
	a.buffer(meetingID, true).Add(entries...)
}

// Context returns the remembered lines of a meeting, oldest first.
func (a *Advisor) Context(meetingID string) []Entry {
	if buf := a.buffer(meetingID, false); buf != nil {
		return buf.Recent(a.maxEntries)
	}
	return nil
}

// Forget drops a meeting's context.
func (a *Advisor) Forget(meetingID string) {
	a.mu.Lock()
	delete(a.meetings, meetingID)
	a.mu.Unlock()
}

func (a *Advisor) buffer(meetingID string, create bool) *ContextBuffer {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf, ok := a.meetings[meetingID]
	if !ok && create {
		buf = NewContextBuffer(a.maxEntries, a.maxAge, a.clk)
		a.meetings[meetingID] = buf
	}
	return buf
}
