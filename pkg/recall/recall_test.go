package recall_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/boardobserver/pkg/recall"
)

type captured struct {
	path string
	auth string
	body map[string]string
}

func newServer(t *testing.T, status int) (*httptest.Server, chan captured) {
	t.Helper()
	got := make(chan captured, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		got <- captured{path: r.URL.Path, auth: r.Header.Get("Authorization"), body: body}
		w.WriteHeader(status)
		if status >= 300 {
			_, _ = w.Write([]byte(`{"detail":"bot not in call"}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func TestSendChatMessage(t *testing.T) {
	t.Parallel()

	srv, got := newServer(t, http.StatusOK)
	c, err := recall.New("secret", recall.WithBaseURL(srv.URL+"/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.SendText(context.Background(), "bot-1", "The Q4 budget is two million."); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	req := <-got
	if req.path != "/api/v1/bot/bot-1/send_chat_message/" {
		t.Errorf("unexpected path %q", req.path)
	}
	if req.auth != "Token secret" {
		t.Errorf("unexpected auth %q", req.auth)
	}
	if req.body["message"] != "The Q4 budget is two million." || req.body["to"] != "everyone" {
		t.Errorf("unexpected body %v", req.body)
	}
}

func TestOutputAudio(t *testing.T) {
	t.Parallel()

	srv, got := newServer(t, http.StatusOK)
	c, _ := recall.New("secret", recall.WithBaseURL(srv.URL))
	if err := c.PlayAudio(context.Background(), "bot-1", []byte("ID3mp3")); err != nil {
		t.Fatalf("PlayAudio: %v", err)
	}
	req := <-got
	if req.path != "/api/v1/bot/bot-1/output_audio/" {
		t.Errorf("unexpected path %q", req.path)
	}
	raw, _ := base64.StdEncoding.DecodeString(req.body["b64_data"])
	if req.body["kind"] != "mp3" || string(raw) != "ID3mp3" {
		t.Errorf("unexpected body %v", req.body)
	}

	if err := c.OutputAudio(context.Background(), "bot-1", nil); err == nil {
		t.Error("want error for empty audio")
	}
}

func TestAPIError(t *testing.T) {
	t.Parallel()

	srv, _ := newServer(t, http.StatusConflict)
	c, _ := recall.New("secret", recall.WithBaseURL(srv.URL))
	err := c.SendChatMessage(context.Background(), "bot-1", "hi")
	var apiErr *recall.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("want *APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Body != `{"detail":"bot not in call"}` {
		t.Errorf("unexpected error %+v", apiErr)
	}
}

func TestValidation(t *testing.T) {
	t.Parallel()

	if _, err := recall.New(""); err == nil {
		t.Error("want error for empty key")
	}
	c, _ := recall.New("k")
	if err := c.SendText(context.Background(), "", "hi"); err == nil {
		t.Error("want error for empty bot ID")
	}
}
