package tts_test

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/boardobserver/pkg/provider/tts"
	"github.com/MrWong99/boardobserver/pkg/provider/tts/mock"
)

func TestVoiceSynthesizer_BindsVoice(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{Audio: []byte("clip")}
	s := tts.VoiceSynthesizer{Provider: p, Voice: tts.Voice{ID: "board"}}

	got, err := s.Synthesize(context.Background(), "hello")
	if err != nil || string(got) != "clip" {
		t.Fatalf("want clip, got %q, %v", got, err)
	}
	calls := p.Calls()
	if len(calls) != 1 || calls[0].Voice.ID != "board" || calls[0].Text != "hello" {
		t.Fatalf("unexpected calls %+v", calls)
	}
}

func TestVoiceSynthesizer_Errors(t *testing.T) {
	t.Parallel()

	if _, err := (tts.VoiceSynthesizer{}).Synthesize(context.Background(), "x"); err == nil {
		t.Error("want error without provider")
	}
	boom := errors.New("boom")
	s := tts.VoiceSynthesizer{Provider: &mock.Provider{Err: boom}}
	if _, err := s.Synthesize(context.Background(), "x"); !errors.Is(err, boom) {
		t.Errorf("want boom, got %v", err)
	}
}

func TestResolveVoice(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{Voices: []tts.Voice{
		{ID: "21m00Tcm4TlvDq8ikWAM", Name: "Rachel"},
		{ID: "Rachel", Name: "Imposter"},
		{ID: "pNInz6obpgDQGcFmaJgB", Name: "Adam"},
	}}
	ctx := context.Background()

	tests := []struct {
		key    string
		wantID string
	}{
		{"pNInz6obpgDQGcFmaJgB", "pNInz6obpgDQGcFmaJgB"},
		{"adam", "pNInz6obpgDQGcFmaJgB"},
		{"Rachel", "Rachel"},
		{"RACHEL", "21m00Tcm4TlvDq8ikWAM"},
	}
	for _, tt := range tests {
		v, err := tts.ResolveVoice(ctx, p, tt.key)
		if err != nil {
			t.Errorf("ResolveVoice(%q): %v", tt.key, err)
			continue
		}
		if v.ID != tt.wantID {
			t.Errorf("ResolveVoice(%q).ID = %q, want %q", tt.key, v.ID, tt.wantID)
		}
	}

	if _, err := tts.ResolveVoice(ctx, p, "Bella"); !errors.Is(err, tts.ErrVoiceNotFound) {
		t.Errorf("unknown voice: err = %v, want ErrVoiceNotFound", err)
	}
	boom := errors.New("boom")
	if _, err := tts.ResolveVoice(ctx, &mock.Provider{ListVoicesErr: boom}, "Adam"); !errors.Is(err, boom) {
		t.Errorf("list failure: err = %v, want boom", err)
	}
}
