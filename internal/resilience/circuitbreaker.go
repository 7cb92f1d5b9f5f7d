// Package resilience keeps the advisor, insight generator and speak gate
// working when an LLM or TTS backend misbehaves.
//
// Every backend sits behind a [CircuitBreaker]. A [FallbackGroup] orders the
// configured backends and moves on to the next one when a call fails or a
// breaker is open. [LLMFallback] and [TTSFallback] present a group as a plain
// provider, so callers never see the failover.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/boardobserver/internal/clock"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the backend is
// cooling down.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls until the cooldown has passed.
	StateOpen

	// StateHalfOpen admits probe calls one at a time.
	StateHalfOpen
)

var stateNames = [...]string{StateClosed: "closed", StateOpen: "open", StateHalfOpen: "half-open"}

// String returns the human-readable name of the state.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero fields take defaults.
type CircuitBreakerConfig struct {
	// Name labels logs and state-change callbacks.
	Name string

	// FailureThreshold is how many consecutive failures open the breaker.
	// Default: 5.
	FailureThreshold int

	// Cooldown is how long the breaker stays open the first time. Default: 30s.
	Cooldown time.Duration

	// MaxCooldown caps the cooldown, which doubles each time a probe fails.
	// Default: 5m.
	MaxCooldown time.Duration

	// Probes is how many successful half-open calls close the breaker.
	// Default: 2.
	Probes int

	// Clock is the time source. Default: the wall clock.
	Clock clock.Clock

	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(name string, from, to State)
}

func (c *CircuitBreakerConfig) setDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.MaxCooldown < c.Cooldown {
		c.MaxCooldown = max(5*time.Minute, c.Cooldown)
	}
	if c.Probes <= 0 {
		c.Probes = 2
	}
	if c.Clock == nil {
		c.Clock = clock.Real{}
	}
}

// CircuitBreaker stops calling a backend after repeated failures and probes
// it again once the cooldown has passed. A backend that keeps failing its
// probes waits twice as long each time.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	state    State
	failures int
	cooldown time.Duration
	openedAt time.Time
	probing  bool
	passed   int
}

// NewCircuitBreaker creates a closed [CircuitBreaker].
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cfg.setDefaults()
	return &CircuitBreaker{cfg: cfg, cooldown: cfg.Cooldown}
}

// transition is a state change recorded under the lock and reported after it
// is released.
type transition struct{ from, to State }

// Execute runs fn if the breaker admits the call. An error that only reflects
// the caller giving up (ctx done) counts neither for nor against the backend.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	probe, moved, err := cb.admit()
	cb.emit(moved)
	if err != nil {
		return err
	}

	callErr := fn()

	cb.emit(cb.settle(probe, callErr != nil && ctx.Err() == nil, callErr == nil))
	return callErr
}

func (cb *CircuitBreaker) admit() (probe bool, moved []transition, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.retryIn() > 0 {
			return false, nil, ErrCircuitOpen
		}
		moved = append(moved, cb.set(StateHalfOpen))
		cb.passed = 0
	}
	if cb.state == StateHalfOpen {
		if cb.probing {
			return false, moved, ErrCircuitOpen
		}
		cb.probing = true
		return true, moved, nil
	}
	return false, moved, nil
}

// settle books the outcome of an admitted call. failed and ok are both false
// for a call the caller abandoned.
func (cb *CircuitBreaker) settle(probe, failed, ok bool) []transition {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if probe {
		cb.probing = false
	}
	switch {
	case failed && probe:
		cb.cooldown = min(2*cb.cooldown, cb.cfg.MaxCooldown)
		slog.Warn("circuit breaker probe failed", "name", cb.cfg.Name, "cooldown", cb.cooldown)
		return []transition{cb.trip()}
	case failed:
		cb.failures++
		if cb.state == StateClosed && cb.failures >= cb.cfg.FailureThreshold {
			slog.Warn("circuit breaker opened", "name", cb.cfg.Name, "consecutive_failures", cb.failures)
			return []transition{cb.trip()}
		}
	case ok && probe:
		cb.passed++
		if cb.passed >= cb.cfg.Probes {
			slog.Info("circuit breaker closed after successful probes", "name", cb.cfg.Name)
			cb.failures, cb.passed = 0, 0
			cb.cooldown = cb.cfg.Cooldown
			return []transition{cb.set(StateClosed)}
		}
	case ok:
		cb.failures = 0
	}
	return nil
}

// trip must be called with cb.mu held.
func (cb *CircuitBreaker) trip() transition {
	cb.openedAt = cb.cfg.Clock.Now()
	cb.passed = 0
	return cb.set(StateOpen)
}

// set must be called with cb.mu held.
func (cb *CircuitBreaker) set(to State) transition {
	t := transition{from: cb.state, to: to}
	cb.state = to
	return t
}

// retryIn must be called with cb.mu held.
func (cb *CircuitBreaker) retryIn() time.Duration {
	if cb.state != StateOpen {
		return 0
	}
	return max(0, cb.cooldown-cb.cfg.Clock.Now().Sub(cb.openedAt))
}

func (cb *CircuitBreaker) emit(moved []transition) {
	if cb.cfg.OnStateChange == nil {
		return
	}
	for _, t := range moved {
		if t.from != t.to {
			cb.cfg.OnStateChange(cb.cfg.Name, t.from, t.to)
		}
	}
}

// State returns the current state. An open breaker whose cooldown has passed
// reports [StateHalfOpen]; the transition itself happens on the next call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.retryIn() == 0 {
		return StateHalfOpen
	}
	return cb.state
}

// RetryIn reports how long an open breaker keeps rejecting calls; zero when
// calls are admitted.
func (cb *CircuitBreaker) RetryIn() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.retryIn()
}

// Reset closes the breaker and forgets its failure history.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	t := cb.set(StateClosed)
	cb.failures, cb.passed, cb.probing = 0, 0, false
	cb.cooldown = cb.cfg.Cooldown
	cb.mu.Unlock()
	cb.emit([]transition{t})
	slog.Info("circuit breaker manually reset", "name", cb.cfg.Name)
}
