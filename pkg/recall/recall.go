// Package recall is a minimal client for the Recall.ai meeting-bot API. It
// covers the two outputs the bot needs: posting a chat message and playing an
// MP3 clip into the call. The meeting identifier is the Recall bot ID.
package recall

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is the US East region endpoint.
	DefaultBaseURL = "https://us-east-1.recall.ai"

	defaultTimeout = 15 * time.Second
	maxErrorBody   = 4 << 10
)

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("recall: status %d: %s", e.StatusCode, e.Body)
}

// Option configures a [Client].
type Option func(*Client)

// WithBaseURL overrides [DefaultBaseURL].
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// Client talks to the Recall.ai REST API.
// It is safe for concurrent use.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// New creates a Client authenticated with apiKey.
func New(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("recall: apiKey must not be empty")
	}
	c := &Client{
		apiKey:  apiKey,
		baseURL: DefaultBaseURL,
		http:    &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

type chatMessageRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

type outputAudioRequest struct {
	Kind    string `json:"kind"`
	B64Data string `json:"b64_data"`
}

// SendChatMessage posts text to the meeting chat as the bot.
func (c *Client) SendChatMessage(ctx context.Context, botID, text string) error {
	return c.post(ctx, botID, "send_chat_message", chatMessageRequest{To: "everyone", Message: text})
}

// OutputAudio plays an MP3 clip into the meeting.
func (c *Client) OutputAudio(ctx context.Context, botID string, mp3 []byte) error {
	if len(mp3) == 0 {
		return errors.New("recall: empty audio")
	}
	return c.post(ctx, botID, "output_audio", outputAudioRequest{
		Kind:    "mp3",
		B64Data: base64.StdEncoding.EncodeToString(mp3),
	})
}

// SendText satisfies the speak gate's text-channel contract.
func (c *Client) SendText(ctx context.Context, meetingID, text string) error {
	return c.SendChatMessage(ctx, meetingID, text)
}

// PlayAudio satisfies the speak gate's audio-sink contract.
func (c *Client) PlayAudio(ctx context.Context, meetingID string, audio []byte) error {
	return c.OutputAudio(ctx, meetingID, audio)
}

func (c *Client) post(ctx context.Context, botID, action string, body any) error {
	if botID == "" {
		return errors.New("recall: bot ID must not be empty")
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("recall: %s: encode: %w", action, err)
	}
	endpoint := fmt.Sprintf("%s/api/v1/bot/%s/%s/", c.baseURL, url.PathEscape(botID), action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("recall: %s: %w", action, err)
	}
	req.Header.Set("Authorization", "Token "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("recall: %s: %w", action, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("recall: %s: %w", action, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))})
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
