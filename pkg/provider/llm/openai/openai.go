// Package openai implements llm.Provider on the OpenAI chat completions API
// and any endpoint compatible with it.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/boardobserver/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

var (
	errNoChoices = errors.New("openai: response has no choices")
	errRefused   = errors.New("openai: model refused to answer")
)

// Provider answers completions through the OpenAI SDK.
type Provider struct {
	client oai.Client
	model  string
	caps   llm.ModelCapabilities
}

type settings struct {
	requestOpts []option.RequestOption
	caps        *llm.ModelCapabilities
}

// Option configures a Provider.
type Option func(*settings)

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(s *settings) { s.requestOpts = append(s.requestOpts, option.WithBaseURL(url)) }
}

// WithOrganization sends the OpenAI-Organization header.
func WithOrganization(org string) Option {
	return func(s *settings) { s.requestOpts = append(s.requestOpts, option.WithOrganization(org)) }
}

// WithTimeout bounds each HTTP request, retries included.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) {
		s.requestOpts = append(s.requestOpts, option.WithHTTPClient(&http.Client{Timeout: d}))
	}
}

// WithMaxRetries sets how often the SDK retries failed requests. The
// resilience layer above does its own failover, so callers usually keep
// this low.
func WithMaxRetries(n int) Option {
	return func(s *settings) { s.requestOpts = append(s.requestOpts, option.WithMaxRetries(n)) }
}

// WithCapabilities overrides the limits looked up from the model name, for
// fine-tunes and self-hosted models.
func WithCapabilities(c llm.ModelCapabilities) Option {
	return func(s *settings) { s.caps = &c }
}

// New creates a Provider for model.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}
	if model == "" {
		return nil, errors.New("openai: model must not be empty")
	}
	s := settings{requestOpts: []option.RequestOption{option.WithAPIKey(apiKey)}}
	for _, o := range opts {
		o(&s)
	}
	caps := llm.CapabilitiesFor(model)
	if s.caps != nil {
		caps = *s.caps
	}
	return &Provider{
		client: oai.NewClient(s.requestOpts...),
		model:  model,
		caps:   caps,
	}, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("openai: request has no messages")
	}
	params, err := p.params(req)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errNoChoices
	}
	choice := resp.Choices[0]
	if choice.Message.Refusal != "" && choice.Message.Content == "" {
		return nil, fmt.Errorf("%w: %s", errRefused, choice.Message.Refusal)
	}
	return &llm.CompletionResponse{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

// CountTokens implements llm.Provider with the shared estimate.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	return llm.EstimateTokens(messages), nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.ModelCapabilities { return p.caps }

func (p *Provider) params(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	msgs := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, oai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		msg, err := toParam(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		msgs = append(msgs, msg)
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: msgs,
	}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if n := llm.ClampOutput(req.MaxTokens, p.caps); n > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(n))
	}
	return params, nil
}

// toParam maps a message onto the SDK union. Speakers become the name field
// so the model can tell board members apart.
func toParam(m llm.Message) (oai.ChatCompletionMessageParamUnion, error) {
	name := llm.ParticipantName(m.Speaker)
	switch m.Role {
	case llm.RoleSystem:
		return oai.SystemMessage(m.Content), nil
	case llm.RoleUser:
		u := oai.ChatCompletionUserMessageParam{}
		u.Content.OfString = oai.String(m.Content)
		if name != "" {
			u.Name = oai.String(name)
		}
		return oai.ChatCompletionMessageParamUnion{OfUser: &u}, nil
	case llm.RoleAssistant:
		a := oai.ChatCompletionAssistantMessageParam{}
		a.Content.OfString = oai.String(m.Content)
		if name != "" {
			a.Name = oai.String(name)
		}
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &a}, nil
	}
	return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: unsupported role %q", m.Role)
}
