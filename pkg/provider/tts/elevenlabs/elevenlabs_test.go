package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"

	"github.com/coder/websocket"

	"github.com/MrWong99/boardobserver/pkg/provider/tts"
)

// fakeElevenLabs serves the stream-input WebSocket and the voices endpoint.
// Every text message after the opening one is sent on gotText.
func fakeElevenLabs(t *testing.T, chunks [][]byte, gotText chan<- []inbound) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/text-to-speech/{voice}/stream-input", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("output_format") != defaultOutputFmt {
			t.Errorf("expected output_format %q, got %q", defaultOutputFmt, r.URL.Query().Get("output_format"))
		}
		if r.Header.Get("xi-api-key") != "key" {
			t.Errorf("expected api key header, got %q", r.Header.Get("xi-api-key"))
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()

		var open inbound
		_, raw, err := conn.Read(ctx)
		if err != nil {
			return
		}
		_ = json.Unmarshal(raw, &open)
		if open.Text != " " || open.VoiceSettings == nil {
			t.Errorf("unexpected opening message %s", raw)
		}

		var msgs []inbound
		for {
			_, raw, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var m inbound
			_ = json.Unmarshal(raw, &m)
			if m.Text == "" {
				break
			}
			msgs = append(msgs, m)
		}
		gotText <- msgs

		for _, c := range chunks {
			b, _ := json.Marshal(outbound{Audio: base64.StdEncoding.EncodeToString(c)})
			if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
				return
			}
		}
		b, _ := json.Marshal(outbound{IsFinal: true})
		_ = conn.Write(ctx, websocket.MessageText, b)
		_, _, _ = conn.Read(ctx)
	})
	mux.HandleFunc("GET /v1/voices", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("xi-api-key") != "key" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"detail":{"status":"invalid_api_key","message":"Invalid API key"}}`)
			return
		}
		_, _ = io.WriteString(w, `{
			"voices": [
				{"voice_id": "abc123", "name": "Rachel", "category": "premade",
				 "labels": {"gender": "female", "accent": "american"}},
				{"voice_id": "x1", "name": "Ghost", "category": "", "labels": null}
			]
		}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestProvider(t *testing.T, srv *httptest.Server, apiKey string) *Provider {
	t.Helper()
	ws := "ws://" + strings.TrimPrefix(srv.URL, "http://")
	p, err := New(apiKey, WithBaseURLs(ws, srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestSynthesize_CollectsChunks(t *testing.T) {
	t.Parallel()

	gotText := make(chan []inbound, 1)
	srv := fakeElevenLabs(t, [][]byte{[]byte("ID3"), []byte("frame1"), []byte("frame2")}, gotText)
	p := newTestProvider(t, srv, "key")

	reply := "The Q4 budget is two million. Marketing takes half!"
	audio, err := p.Synthesize(context.Background(), reply, tts.Voice{ID: "abc123"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(audio) != "ID3frame1frame2" {
		t.Fatalf("expected concatenated audio, got %q", audio)
	}
	msgs := <-gotText
	if len(msgs) != 2 {
		t.Fatalf("expected one message per sentence, got %+v", msgs)
	}
	if msgs[0].Text != "The Q4 budget is two million. " || msgs[0].Flush {
		t.Errorf("first sentence: %+v", msgs[0])
	}
	if msgs[1].Text != "Marketing takes half! " || !msgs[1].Flush {
		t.Errorf("last sentence should flush: %+v", msgs[1])
	}
}

func TestSynthesize_Validation(t *testing.T) {
	t.Parallel()

	p, _ := New("key")
	if _, err := p.Synthesize(context.Background(), "hi", tts.Voice{}); err == nil {
		t.Error("expected error for empty voice ID")
	}
	if _, err := p.Synthesize(context.Background(), "  ", tts.Voice{ID: "v"}); err == nil {
		t.Error("expected error for empty text")
	}
}

func TestSynthesize_NoAudio(t *testing.T) {
	t.Parallel()

	srv := fakeElevenLabs(t, nil, make(chan []inbound, 1))
	p := newTestProvider(t, srv, "key")
	if _, err := p.Synthesize(context.Background(), "hello", tts.Voice{ID: "abc123"}); err == nil {
		t.Fatal("expected error when no audio arrives")
	}
}

func TestVoiceSynthesizer(t *testing.T) {
	t.Parallel()

	srv := fakeElevenLabs(t, [][]byte{[]byte("mp3")}, make(chan []inbound, 1))
	s := tts.VoiceSynthesizer{Provider: newTestProvider(t, srv, "key"), Voice: tts.Voice{ID: "abc123"}}
	audio, err := s.Synthesize(context.Background(), "hello")
	if err != nil || string(audio) != "mp3" {
		t.Fatalf("expected bound synthesis, got %q, %v", audio, err)
	}
}

func TestListVoices(t *testing.T) {
	t.Parallel()

	srv := fakeElevenLabs(t, nil, make(chan []inbound, 1))
	voices, err := newTestProvider(t, srv, "key").ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 2 {
		t.Fatalf("expected 2 voices, got %d", len(voices))
	}
	rachel := voices[0]
	if rachel.ID != "abc123" || rachel.Name != "Rachel" || rachel.Provider != "elevenlabs" {
		t.Errorf("unexpected voice %+v", rachel)
	}
	if rachel.Labels["gender"] != "female" || rachel.Labels["category"] != "premade" {
		t.Errorf("unexpected metadata %v", rachel.Labels)
	}
	if _, ok := voices[1].Labels["category"]; ok {
		t.Error("expected no 'category' key in metadata when category is empty")
	}

	_, err = newTestProvider(t, srv, "wrong").ListVoices(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusUnauthorized || apiErr.Status != "invalid_api_key" {
		t.Errorf("unexpected API error %+v", apiErr)
	}
}

func TestStreamURL(t *testing.T) {
	t.Parallel()

	p, _ := New("key", WithModel("eleven_multilingual_v2"), WithOutputFormat("pcm_24000"))
	u := p.streamURL("voice-abc123")
	for _, want := range []string{"wss://api.elevenlabs.io/v1/text-to-speech/voice-abc123/stream-input", "model_id=eleven_multilingual_v2", "output_format=pcm_24000"} {
		if !strings.Contains(u, want) {
			t.Errorf("URL %q should contain %q", u, want)
		}
	}
}

func TestNew(t *testing.T) {
	t.Parallel()

	if _, err := New(""); err == nil {
		t.Error("expected error for empty API key")
	}
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != defaultModel || p.outputFormat != defaultOutputFmt || p.settings != DefaultVoiceSettings {
		t.Errorf("unexpected defaults %q/%q/%+v", p.model, p.outputFormat, p.settings)
	}
}

func TestSentences(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"   ", nil},
		{"Yes.", []string{"Yes."}},
		{"Revenue is up 4.5 percent. Costs are flat.", []string{"Revenue is up 4.5 percent.", "Costs are flat."}},
		{"Really?  I doubt it!\nNext item", []string{"Really?", "I doubt it!", "Next item"}},
		{"no punctuation at all", []string{"no punctuation at all"}},
	}
	for _, tt := range tests {
		if got := sentences(tt.in); !slices.Equal(got, tt.want) {
			t.Errorf("sentences(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
