// Package llm defines the Provider interface for Large Language Model backends.
//
// boardobserver needs one operation from a model: a short, non-streaming
// completion. Meeting answers and ambient insights both fit in a single
// reply, so nothing streams.
//
// Implementors must be safe for concurrent use and must return promptly when
// the supplied context is cancelled.
package llm

import "context"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Finish reasons reported in [CompletionResponse.FinishReason]. Backends
// that use other words are normalised to these where the meaning matches.
const (
	FinishStop   = "stop"
	FinishLength = "length"
)

// Message is one turn of the prompt.
type Message struct {
	Role    string
	Content string

	// Speaker is the meeting participant who said Content, if known.
	// Adapters pass it on as the participant name (see [ParticipantName]).
	Speaker string
}

// CompletionRequest is one prompt. Messages must not be empty.
type CompletionRequest struct {
	// SystemPrompt is sent before Messages as a system message.
	SystemPrompt string

	Messages []Message

	// Temperature in [0, 2]. Zero selects the provider default.
	Temperature float64

	// MaxTokens caps the reply length. Zero selects the provider default.
	MaxTokens int
}

// Usage is the token accounting of one completion.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionResponse is a finished completion.
type CompletionResponse struct {
	Content      string
	FinishReason string
	Usage        Usage
}

// Truncated reports whether the reply was cut off by the token limit.
func (r *CompletionResponse) Truncated() bool {
	return r != nil && r.FinishReason == FinishLength
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Complete sends req to the model and waits for the full reply.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates the tokens messages would occupy. The estimate
	// must not undercount.
	CountTokens(messages []Message) (int, error)

	// Capabilities returns static limits of the configured model.
	Capabilities() ModelCapabilities
}

// EstimateTokens approximates the token count of messages at roughly four
// characters per token plus a per-message overhead for role and formatting.
func EstimateTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += (len(m.Content)+len(m.Speaker)+3)/4 + 4
	}
	return total
}
