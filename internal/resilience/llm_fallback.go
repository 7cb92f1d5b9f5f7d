package resilience

import (
	"context"

	"github.com/MrWong99/boardobserver/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] with failover across backends.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred
// backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	if cfg.Kind == "" {
		cfg.Kind = "llm"
	}
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional backend.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Status reports each backend's breaker state.
func (f *LLMFallback) Status() []EntryStatus { return f.group.Status() }

// Healthy reports whether any backend would accept a call.
func (f *LLMFallback) Healthy() bool { return f.group.Healthy() }

// Complete sends req to the first healthy backend.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(ctx, f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// CountTokens uses the primary's counter. Counting is local and never fails
// over.
func (f *LLMFallback) CountTokens(messages []llm.Message) (int, error) {
	return f.group.Primary().CountTokens(messages)
}

// Capabilities returns the smallest limits across all backends, so a prompt
// sized for them fits whichever backend answers.
func (f *LLMFallback) Capabilities() llm.ModelCapabilities {
	var out llm.ModelCapabilities
	for i, e := range f.group.snapshot() {
		c := e.value.Capabilities()
		if i == 0 {
			out = c
			continue
		}
		out.ContextWindow = minPositive(out.ContextWindow, c.ContextWindow)
		out.MaxOutputTokens = minPositive(out.MaxOutputTokens, c.MaxOutputTokens)
	}
	return out
}

func minPositive(a, b int) int {
	switch {
	case a <= 0:
		return b
	case b <= 0:
		return a
	default:
		return min(a, b)
	}
}
