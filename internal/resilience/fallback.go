package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/boardobserver/internal/observe"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] fails or has
// an open circuit breaker.
var ErrAllFailed = errors.New("resilience: all providers failed")

// FallbackConfig configures a [FallbackGroup].
type FallbackConfig struct {
	// CircuitBreaker is the template for each entry's breaker; Name is set
	// per entry.
	CircuitBreaker CircuitBreakerConfig

	// Kind labels provider metrics ("llm", "tts").
	Kind string

	// Metrics receives one provider request per attempt. Nil disables
	// recording.
	Metrics *observe.Metrics
}

// EntryStatus reports the health of one group entry.
type EntryStatus struct {
	Name    string        `json:"name"`
	State   string        `json:"state"`
	RetryIn time.Duration `json:"retry_in,omitempty"`
}

// String renders the entry for readiness output, e.g. "openai open (retry in 12s)".
func (s EntryStatus) String() string {
	if s.RetryIn > 0 {
		return fmt.Sprintf("%s %s (retry in %s)", s.Name, s.State, s.RetryIn.Round(time.Second))
	}
	return s.Name + " " + s.State
}

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup wraps a primary and zero or more fallback instances of the
// same provider type. When the primary fails, or its breaker is open, the next
// entry is tried in registration order.
type FallbackGroup[T any] struct {
	cfg FallbackConfig

	mu      sync.RWMutex
	entries []*fallbackEntry[T]
}

// NewFallbackGroup creates a [FallbackGroup] with primary as the first entry.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a fallback, tried after every earlier entry.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.mu.Lock()
	fg.entries = append(fg.entries, &fallbackEntry[T]{
		name:    name,
		value:   fallback,
		breaker: NewCircuitBreaker(cbCfg),
	})
	fg.mu.Unlock()
}

// Primary returns the first entry.
func (fg *FallbackGroup[T]) Primary() T {
	fg.mu.RLock()
	defer fg.mu.RUnlock()
	return fg.entries[0].value
}

// Status reports every entry's breaker state in order.
func (fg *FallbackGroup[T]) Status() []EntryStatus {
	fg.mu.RLock()
	defer fg.mu.RUnlock()
	out := make([]EntryStatus, len(fg.entries))
	for i, e := range fg.entries {
		out[i] = EntryStatus{Name: e.name, State: e.breaker.State().String(), RetryIn: e.breaker.RetryIn()}
	}
	return out
}

// Healthy reports whether at least one entry would accept a call.
func (fg *FallbackGroup[T]) Healthy() bool {
	fg.mu.RLock()
	defer fg.mu.RUnlock()
	for _, e := range fg.entries {
		if e.breaker.State() != StateOpen {
			return true
		}
	}
	return false
}

func (fg *FallbackGroup[T]) snapshot() []*fallbackEntry[T] {
	fg.mu.RLock()
	defer fg.mu.RUnlock()
	return append([]*fallbackEntry[T](nil), fg.entries...)
}

// Execute tries fn against each entry until one succeeds.
func (fg *FallbackGroup[T]) Execute(ctx context.Context, fn func(T) error) error {
	_, err := ExecuteWithResult(ctx, fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult tries fn against each entry of fg until one succeeds.
// Entries with an open breaker are skipped. Failover stops as soon as ctx
// ends. If every entry fails the error wraps [ErrAllFailed] and every
// entry's error.
func ExecuteWithResult[T any, R any](ctx context.Context, fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		zero R
		errs []error
	)
	for _, entry := range fg.snapshot() {
		var result R
		err := entry.breaker.Execute(ctx, func() error {
			var innerErr error
			result, innerErr = fn(entry.value)
			return innerErr
		})
		if err == nil {
			fg.record(ctx, entry.name, "ok")
			return result, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", entry.name, err))
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping provider (circuit open)", "provider", entry.name)
			continue
		}
		fg.record(ctx, entry.name, "error")
		if ctx.Err() != nil {
			return zero, errors.Join(append([]error{ctx.Err()}, errs...)...)
		}
		slog.Warn("provider failed, trying next", "provider", entry.name, "err", err)
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}

func (fg *FallbackGroup[T]) record(ctx context.Context, name, status string) {
	if fg.cfg.Metrics == nil {
		return
	}
	fg.cfg.Metrics.RecordProviderRequest(ctx, name, fg.cfg.Kind, status)
	if status != "ok" {
		fg.cfg.Metrics.RecordProviderError(ctx, name, fg.cfg.Kind)
	}
}
