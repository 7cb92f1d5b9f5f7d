// Package elevenlabs renders board replies with the ElevenLabs stream-input
// WebSocket API and lists the account's voices over REST.
//
// A reply is sent one sentence per message so ElevenLabs can start
// generating early, then flushed; the audio chunks are concatenated into a
// single clip for the meeting bot.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"strings"
	"unicode"

	"github.com/coder/websocket"

	"github.com/MrWong99/boardobserver/pkg/provider/tts"
)

const (
	defaultWSBase    = "wss://api.elevenlabs.io"
	defaultAPIBase   = "https://api.elevenlabs.io"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "mp3_44100_128"

	// maxClipBytes bounds one WebSocket frame; a base64 chunk of a long
	// reply stays well below it.
	maxClipBytes = 8 << 20
)

var _ tts.Provider = (*Provider)(nil)

// VoiceSettings shapes the delivery of every clip.
type VoiceSettings struct {
	Stability       float64  `json:"stability"`
	SimilarityBoost float64  `json:"similarity_boost"`
	Speed           *float64 `json:"speed,omitempty"`
}

// DefaultVoiceSettings favour a steady, neutral delivery.
var DefaultVoiceSettings = VoiceSettings{Stability: 0.6, SimilarityBoost: 0.75}

// Option configures a [Provider].
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID, e.g. "eleven_multilingual_v2".
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithOutputFormat sets the audio encoding, e.g. "mp3_22050_32".
func WithOutputFormat(format string) Option {
	return func(p *Provider) { p.outputFormat = format }
}

// WithVoiceSettings replaces [DefaultVoiceSettings].
func WithVoiceSettings(vs VoiceSettings) Option {
	return func(p *Provider) { p.settings = vs }
}

// WithBaseURLs overrides the WebSocket and REST endpoints.
func WithBaseURLs(wsBase, apiBase string) Option {
	return func(p *Provider) {
		p.wsBase = strings.TrimRight(wsBase, "/")
		p.apiBase = strings.TrimRight(apiBase, "/")
	}
}

// WithHTTPClient replaces the client used for REST calls and the WebSocket
// handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider implements [tts.Provider] for ElevenLabs.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	settings     VoiceSettings
	wsBase       string
	apiBase      string
	httpClient   *http.Client
}

// New creates a Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		settings:     DefaultVoiceSettings,
		wsBase:       defaultWSBase,
		apiBase:      defaultAPIBase,
		httpClient:   http.DefaultClient,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// APIError is a non-success answer from the REST API.
type APIError struct {
	StatusCode int
	Status     string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("elevenlabs: http %d", e.StatusCode)
	}
	return fmt.Sprintf("elevenlabs: http %d: %s: %s", e.StatusCode, e.Status, e.Message)
}

// ── stream-input protocol ────────────────────────────────────────────────────

// inbound is a client message. The first one carries the voice settings, a
// flush forces generation of buffered text and an empty text ends the input.
type inbound struct {
	Text          string         `json:"text"`
	VoiceSettings *VoiceSettings `json:"voice_settings,omitempty"`
	Flush         bool           `json:"flush,omitempty"`
}

type outbound struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (p *Provider) streamURL(voiceID string) string {
	q := url.Values{}
	q.Set("model_id", p.model)
	q.Set("output_format", p.outputFormat)
	return fmt.Sprintf("%s/v1/text-to-speech/%s/stream-input?%s", p.wsBase, url.PathEscape(voiceID), q.Encode())
}

// Synthesize implements [tts.Provider].
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.Voice) ([]byte, error) {
	if voice.ID == "" {
		return nil, errors.New("elevenlabs: voice.ID must not be empty")
	}
	parts := sentences(text)
	if len(parts) == 0 {
		return nil, errors.New("elevenlabs: text must not be empty")
	}

	conn, _, err := websocket.Dial(ctx, p.streamURL(voice.ID), &websocket.DialOptions{
		HTTPClient: p.httpClient,
		HTTPHeader: http.Header{"xi-api-key": {p.apiKey}},
	})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")
	conn.SetReadLimit(maxClipBytes)

	// The opening message must not be empty; a single space is the
	// documented keep-alive.
	msgs := make([]inbound, 0, len(parts)+2)
	msgs = append(msgs, inbound{Text: " ", VoiceSettings: &p.settings})
	for _, s := range parts {
		msgs = append(msgs, inbound{Text: s + " "})
	}
	msgs[len(msgs)-1].Flush = true
	msgs = append(msgs, inbound{})

	for _, m := range msgs {
		b, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("elevenlabs: encode: %w", err)
		}
		if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
			return nil, fmt.Errorf("elevenlabs: send: %w", err)
		}
	}
	return collect(ctx, conn)
}

// collect concatenates audio chunks until the final marker or a normal close.
func collect(ctx context.Context, conn *websocket.Conn) ([]byte, error) {
	var clip bytes.Buffer
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure && clip.Len() > 0 {
				return clip.Bytes(), nil
			}
			return nil, fmt.Errorf("elevenlabs: read: %w", err)
		}
		var msg outbound
		if json.Unmarshal(raw, &msg) != nil {
			continue
		}
		if msg.Error != "" {
			return nil, fmt.Errorf("elevenlabs: %s: %s", msg.Error, msg.Message)
		}
		if msg.Audio != "" {
			chunk, err := base64.StdEncoding.DecodeString(msg.Audio)
			if err != nil {
				return nil, fmt.Errorf("elevenlabs: decode audio: %w", err)
			}
			clip.Write(chunk)
		}
		if msg.IsFinal {
			if clip.Len() == 0 {
				return nil, errors.New("elevenlabs: no audio received")
			}
			return clip.Bytes(), nil
		}
	}
}

// sentences splits text after '.', '!' or '?' followed by whitespace. Blank
// pieces are dropped.
func sentences(text string) []string {
	var (
		out   []string
		start int
	)
	runes := []rune(text)
	for i, r := range runes {
		end := i == len(runes)-1
		if !end && !(strings.ContainsRune(".!?", r) && unicode.IsSpace(runes[i+1])) {
			continue
		}
		if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
			out = append(out, s)
		}
		start = i + 1
	}
	return out
}

// ── voices ───────────────────────────────────────────────────────────────────

type voiceList struct {
	Voices []struct {
		VoiceID  string            `json:"voice_id"`
		Name     string            `json:"name"`
		Category string            `json:"category"`
		Labels   map[string]string `json:"labels"`
	} `json:"voices"`
}

// ListVoices implements [tts.Provider].
func (p *Provider) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiBase+"/v1/voices", nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	var vl voiceList
	if err := json.NewDecoder(resp.Body).Decode(&vl); err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices decode: %w", err)
	}

	voices := make([]tts.Voice, 0, len(vl.Voices))
	for _, v := range vl.Voices {
		labels := maps.Clone(v.Labels)
		if v.Category != "" {
			if labels == nil {
				labels = make(map[string]string, 1)
			}
			labels["category"] = v.Category
		}
		voices = append(voices, tts.Voice{ID: v.VoiceID, Name: v.Name, Provider: "elevenlabs", Labels: labels})
	}
	return voices, nil
}

// apiError reads the {"detail": {"status", "message"}} error body.
func apiError(resp *http.Response) error {
	e := &APIError{StatusCode: resp.StatusCode}
	var body struct {
		Detail struct {
			Status  string `json:"status"`
			Message string `json:"message"`
		} `json:"detail"`
	}
	if raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10)); err == nil && json.Unmarshal(raw, &body) == nil {
		e.Status, e.Message = body.Detail.Status, body.Detail.Message
	}
	return e
}
