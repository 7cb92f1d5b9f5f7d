// Package mock provides a scripted [llm.Provider] for tests.
//
//	p := &mock.Provider{Replies: []string{"Two million.", "Carol owns it."}}
//
// Each Complete call consumes the next reply; once the script runs out the
// static CompleteResponse and CompleteErr apply. Hold lets a test keep a call
// in flight until it closes the channel.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/boardobserver/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

// CompleteCall is one recorded Complete invocation.
type CompleteCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider is a test double for [llm.Provider]. Configure it before the
// first call.
type Provider struct {
	// Replies are returned in order, one per call, with FinishStop.
	Replies []string

	// CompleteResponse and CompleteErr answer calls once Replies is used up.
	// Both nil yields (nil, nil).
	CompleteResponse *llm.CompletionResponse
	CompleteErr      error

	// CompleteFunc, if set, answers every call instead.
	CompleteFunc func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)

	// Hold, if non-nil, blocks each call until it is closed or the call's
	// context ends.
	Hold chan struct{}

	// TokenCount is returned by CountTokens; zero means llm.EstimateTokens.
	TokenCount int

	// ModelCapabilities is returned by Capabilities.
	ModelCapabilities llm.ModelCapabilities

	mu    sync.Mutex
	calls []CompleteCall
	next  int
}

// Complete records the call and answers from the script.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.calls = append(p.calls, CompleteCall{Ctx: ctx, Req: req})
	var scripted *llm.CompletionResponse
	if p.next < len(p.Replies) {
		scripted = &llm.CompletionResponse{Content: p.Replies[p.next], FinishReason: llm.FinishStop}
		p.next++
	}
	p.mu.Unlock()

	if p.Hold != nil {
		select {
		case <-p.Hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	switch {
	case p.CompleteFunc != nil:
		return p.CompleteFunc(ctx, req)
	case scripted != nil:
		return scripted, nil
	}
	return p.CompleteResponse, p.CompleteErr
}

// CountTokens returns TokenCount or the shared estimate.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	if p.TokenCount > 0 {
		return p.TokenCount, nil
	}
	return llm.EstimateTokens(messages), nil
}

// Capabilities returns ModelCapabilities.
func (p *Provider) Capabilities() llm.ModelCapabilities { return p.ModelCapabilities }

// Calls returns a copy of the recorded calls.
func (p *Provider) Calls() []CompleteCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]CompleteCall(nil), p.calls...)
}
