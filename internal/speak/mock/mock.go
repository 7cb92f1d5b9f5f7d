// Package mock provides test doubles for the speak package collaborators.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/boardobserver/internal/speak"
)

// Synthesizer is a mock [speak.Synthesizer].
type Synthesizer struct {
	mu sync.Mutex

	// Audio is returned by Synthesize. Defaults to a single byte when nil.
	Audio []byte
	// Err, if non-nil, is returned by Synthesize.
	Err error

	// Calls records the text of every call.
	Calls []string
}

// Synthesize records the call and returns Audio, Err.
func (s *Synthesizer) Synthesize(_ context.Context, text string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, text)
	if s.Err != nil {
		return nil, s.Err
	}
	if s.Audio == nil {
		return []byte{0}, nil
	}
	return s.Audio, nil
}

// CallCount returns the number of Synthesize calls.
func (s *Synthesizer) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Calls)
}

// PlayCall records one PlayAudio invocation.
type PlayCall struct {
	MeetingID string
	Audio     []byte
}

// AudioSink is a mock [speak.AudioSink].
type AudioSink struct {
	mu sync.Mutex

	// Err, if non-nil, is returned by PlayAudio.
	Err error

	Calls []PlayCall
}

// PlayAudio records the call and returns Err.
func (a *AudioSink) PlayAudio(_ context.Context, meetingID string, audio []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Calls = append(a.Calls, PlayCall{MeetingID: meetingID, Audio: audio})
	return a.Err
}

// CallCount returns the number of PlayAudio calls.
func (a *AudioSink) CallCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.Calls)
}

// TextCall records one SendText invocation.
type TextCall struct {
	MeetingID string
	Text      string
}

// TextSender is a mock [speak.TextSender].
type TextSender struct {
	mu sync.Mutex

	// Err, if non-nil, is returned by SendText.
	Err error

	// Sent, if non-nil, receives every message after it is recorded.
	Sent chan TextCall

	Calls []TextCall
}

// SendText records the call and returns Err.
func (t *TextSender) SendText(_ context.Context, meetingID, text string) error {
	t.mu.Lock()
	call := TextCall{MeetingID: meetingID, Text: text}
	t.Calls = append(t.Calls, call)
	err := t.Err
	sent := t.Sent
	t.mu.Unlock()
	if sent != nil {
		sent <- call
	}
	return err
}

// Texts returns the text of every recorded call in order.
func (t *TextSender) Texts() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.Calls))
	for i, c := range t.Calls {
		out[i] = c.Text
	}
	return out
}

var (
	_ speak.Synthesizer = (*Synthesizer)(nil)
	_ speak.AudioSink   = (*AudioSink)(nil)
	_ speak.TextSender  = (*TextSender)(nil)
)
