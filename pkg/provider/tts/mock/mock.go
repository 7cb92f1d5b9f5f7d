// Package mock provides a test double for the tts.Provider interface.
//
// Example:
//
//	p := &mock.Provider{Audio: []byte("mp3")}
//	clip, _ := p.Synthesize(ctx, "hello", tts.Voice{ID: "v1"})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/boardobserver/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	Text  string
	Voice tts.Voice
}

// Provider is a mock implementation of [tts.Provider].
// All exported methods are safe for concurrent use.
type Provider struct {
	mu sync.Mutex

	// Audio is returned by Synthesize when Err is nil.
	Audio []byte

	// Err is returned by Synthesize when non-nil.
	Err error

	// Voices is returned by ListVoices.
	Voices []tts.Voice

	// ListVoicesErr is returned by ListVoices when non-nil.
	ListVoicesErr error

	calls []SynthesizeCall
}

var _ tts.Provider = (*Provider)(nil)

// Synthesize records the call and returns Audio or Err.
func (p *Provider) Synthesize(_ context.Context, text string, voice tts.Voice) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, SynthesizeCall{Text: text, Voice: voice})
	if p.Err != nil {
		return nil, p.Err
	}
	return p.Audio, nil
}

// ListVoices returns Voices or ListVoicesErr.
func (p *Provider) ListVoices(context.Context) ([]tts.Voice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ListVoicesErr != nil {
		return nil, p.ListVoicesErr
	}
	return p.Voices, nil
}

// Calls returns a copy of all recorded Synthesize calls.
func (p *Provider) Calls() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SynthesizeCall(nil), p.calls...)
}

// Reset clears recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = nil
}
