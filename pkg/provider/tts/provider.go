// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A provider turns one reply into one encoded audio clip that the meeting bot
// plays back. Replies are short, so synthesis is request/response rather
// than streamed to the caller.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrVoiceNotFound is returned by [ResolveVoice] when no voice matches.
var ErrVoiceNotFound = errors.New("tts: voice not found")

// Voice is one synthesis voice of a provider.
type Voice struct {
	// ID is the provider's voice identifier, the value sent on synthesis.
	ID string

	// Name is the display name, e.g. "Rachel".
	Name string

	// Provider names the backend the voice belongs to.
	Provider string

	// Labels are descriptive tags such as accent, gender or category.
	Labels map[string]string
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders text with voice and returns the complete encoded
	// clip. The encoding is provider configuration, e.g. MP3.
	Synthesize(ctx context.Context, text string, voice Voice) ([]byte, error)

	// ListVoices returns the voices available to the configured account.
	ListVoices(ctx context.Context) ([]Voice, error)
}

// ResolveVoice finds the voice whose ID equals key or whose name matches key
// case-insensitively. IDs win over names.
func ResolveVoice(ctx context.Context, p Provider, key string) (Voice, error) {
	voices, err := p.ListVoices(ctx)
	if err != nil {
		return Voice{}, fmt.Errorf("tts: resolve voice %q: %w", key, err)
	}
	var byName *Voice
	for i, v := range voices {
		if v.ID == key {
			return v, nil
		}
		if byName == nil && strings.EqualFold(v.Name, key) {
			byName = &voices[i]
		}
	}
	if byName != nil {
		return *byName, nil
	}
	return Voice{}, fmt.Errorf("%w: %q among %d voices", ErrVoiceNotFound, key, len(voices))
}

// VoiceSynthesizer binds a [Provider] to one voice, giving the speak gate a
// single-argument synthesizer.
type VoiceSynthesizer struct {
	Provider Provider
	Voice    Voice
}

// Synthesize renders text with the bound voice.
func (s VoiceSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if s.Provider == nil {
		return nil, errors.New("tts: no provider")
	}
	return s.Provider.Synthesize(ctx, text, s.Voice)
}
