// Package anyllm implements llm.Provider for every backend supported by
// github.com/mozilla-ai/any-llm-go, so the board assistant can run on
// Anthropic, Gemini, Mistral, a local Ollama and others behind one adapter.
//
//	p, err := anyllm.New("anthropic", "claude-3-5-haiku-latest", anyllmlib.WithAPIKey(key))
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/boardobserver/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

var errNoChoices = errors.New("anyllm: response has no choices")

type constructor func(...anyllmlib.Option) (anyllmlib.Provider, error)

// lift adapts a concrete backend constructor to the shared signature.
func lift[P anyllmlib.Provider](fn func(...anyllmlib.Option) (P, error)) constructor {
	return func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
		return fn(opts...)
	}
}

var backends = map[string]constructor{
	"openai":    lift(anyllmoai.New),
	"anthropic": lift(anthropic.New),
	"gemini":    lift(gemini.New),
	"ollama":    lift(ollama.New),
	"deepseek":  lift(deepseek.New),
	"mistral":   lift(mistral.New),
	"groq":      lift(groq.New),
	"llamacpp":  lift(llamacpp.New),
	// llamafile serves the llama.cpp HTTP API.
	"llamafile": lift(llamacpp.New),
}

// Backends returns the accepted backend names, sorted.
func Backends() []string {
	return slices.Sorted(maps.Keys(backends))
}

// Provider wraps one any-llm-go backend and model.
type Provider struct {
	backend anyllmlib.Provider
	name    string
	model   string
	caps    llm.ModelCapabilities
}

// New creates a Provider for model on the named backend. opts are passed to
// the backend; without an API key option it reads its usual environment
// variable (ANTHROPIC_API_KEY, GEMINI_API_KEY, ...).
func New(backend, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if backend == "" {
		return nil, errors.New("anyllm: backend name must not be empty")
	}
	if model == "" {
		return nil, errors.New("anyllm: model must not be empty")
	}
	name := strings.ToLower(backend)
	ctor, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("anyllm: unsupported backend %q (supported: %s)", backend, strings.Join(Backends(), ", "))
	}
	b, err := ctor(opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %s backend: %w", name, err)
	}
	return &Provider{backend: b, name: name, model: model, caps: llm.CapabilitiesFor(model)}, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("anyllm: %s: request has no messages", p.name)
	}
	resp, err := p.backend.Completion(ctx, p.params(req))
	if err != nil {
		return nil, fmt.Errorf("anyllm: %s completion: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, errNoChoices
	}
	choice := resp.Choices[0]
	out := &llm.CompletionResponse{
		Content:      choice.Message.ContentString(),
		FinishReason: normalizeFinish(string(choice.FinishReason)),
	}
	if u := resp.Usage; u != nil {
		out.Usage = llm.Usage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.TotalTokens,
		}
	}
	return out, nil
}

// CountTokens implements llm.Provider with the shared estimate.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	return llm.EstimateTokens(messages), nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.ModelCapabilities { return p.caps }

func (p *Provider) params(req llm.CompletionRequest) anyllmlib.CompletionParams {
	msgs := make([]anyllmlib.Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, anyllmlib.Message{
			Role:    m.Role,
			Content: m.Content,
			Name:    llm.ParticipantName(m.Speaker),
		})
	}

	params := anyllmlib.CompletionParams{Model: p.model, Messages: msgs}
	if req.Temperature != 0 {
		t := req.Temperature
		params.Temperature = &t
	}
	if n := llm.ClampOutput(req.MaxTokens, p.caps); n > 0 {
		params.MaxTokens = &n
	}
	return params
}

// normalizeFinish maps backend-specific stop reasons onto the llm constants.
func normalizeFinish(reason string) string {
	switch strings.ToLower(reason) {
	case "length", "max_tokens":
		return llm.FinishLength
	case "stop", "end_turn", "stop_sequence":
		return llm.FinishStop
	}
	return reason
}
