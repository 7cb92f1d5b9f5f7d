package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/boardobserver/pkg/provider/llm"
	llmmock "github.com/MrWong99/boardobserver/pkg/provider/llm/mock"
)

func TestLLMFallback_Complete(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		primaryErr error
		want       string
	}{
		{name: "primary answers", want: "from primary"},
		{name: "failover", primaryErr: errors.New("primary down"), want: "from secondary"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			primary := &llmmock.Provider{
				CompleteResponse: &llm.CompletionResponse{Content: "from primary"},
				CompleteErr:      tt.primaryErr,
			}
			secondary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "from secondary"}}
			fb := NewLLMFallback(primary, "openai", FallbackConfig{CircuitBreaker: CircuitBreakerConfig{FailureThreshold: 3}})
			fb.AddFallback("anthropic", secondary)

			resp, err := fb.Complete(context.Background(), llm.CompletionRequest{})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if resp.Content != tt.want {
				t.Fatalf("content = %q, want %q", resp.Content, tt.want)
			}
		})
	}
}

func TestLLMFallback_AllFail(t *testing.T) {
	t.Parallel()

	fb := NewLLMFallback(&llmmock.Provider{CompleteErr: errTest}, "a", FallbackConfig{})
	fb.AddFallback("b", &llmmock.Provider{CompleteErr: errTest})
	if _, err := fb.Complete(context.Background(), llm.CompletionRequest{}); !errors.Is(err, ErrAllFailed) {
		t.Fatalf("want ErrAllFailed, got %v", err)
	}
	if len(fb.Status()) != 2 || !fb.Healthy() {
		t.Fatalf("unexpected status %+v", fb.Status())
	}
}

func TestLLMFallback_CountTokensUsesPrimary(t *testing.T) {
	t.Parallel()

	fb := NewLLMFallback(&llmmock.Provider{TokenCount: 42}, "a", FallbackConfig{})
	fb.AddFallback("b", &llmmock.Provider{TokenCount: 7})
	n, err := fb.CountTokens([]llm.Message{{Role: llm.RoleUser, Content: "hi"}})
	if err != nil || n != 42 {
		t.Fatalf("want 42 from primary, got %d, %v", n, err)
	}
}

func TestLLMFallback_CapabilitiesTakeSmallest(t *testing.T) {
	t.Parallel()

	fb := NewLLMFallback(&llmmock.Provider{ModelCapabilities: llm.ModelCapabilities{ContextWindow: 128000, MaxOutputTokens: 16384}}, "a", FallbackConfig{})
	fb.AddFallback("b", &llmmock.Provider{ModelCapabilities: llm.ModelCapabilities{ContextWindow: 32000}})
	got := fb.Capabilities()
	if got.ContextWindow != 32000 || got.MaxOutputTokens != 16384 {
		t.Fatalf("unexpected capabilities %+v", got)
	}
}
