package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/boardobserver/pkg/provider/llm"
)

// chatServer answers /chat/completions with body and records the request.
func chatServer(t *testing.T, body string, got *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("Authorization = %q, want bearer token", auth)
		}
		if got != nil {
			raw, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(raw, got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func completion(finish, content, refusal string) string {
	msg, _ := json.Marshal(map[string]any{"role": "assistant", "content": content, "refusal": refusal})
	return `{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"gpt-4o-mini",
		"choices":[{"index":0,"finish_reason":"` + finish + `","message":` + string(msg) + `}],
		"usage":{"prompt_tokens":20,"completion_tokens":6,"total_tokens":26}}`
}

func TestToParam(t *testing.T) {
	t.Parallel()

	sys, err := toParam(llm.Message{Role: llm.RoleSystem, Content: "Board context."})
	if err != nil || sys.OfSystem == nil {
		t.Fatalf("system: got %+v, %v", sys, err)
	}

	user, err := toParam(llm.Message{Role: llm.RoleUser, Content: "Quorum?", Speaker: "Margaret Chen"})
	if err != nil || user.OfUser == nil {
		t.Fatalf("user: got %+v, %v", user, err)
	}
	if got := user.OfUser.Name.Value; got != "Margaret_Chen" {
		t.Errorf("user name = %q, want Margaret_Chen", got)
	}

	anon, _ := toParam(llm.Message{Role: llm.RoleUser, Content: "Quorum?", Speaker: "日本"})
	if anon.OfUser.Name.Valid() {
		t.Errorf("unusable speaker produced name %q", anon.OfUser.Name.Value)
	}

	asst, err := toParam(llm.Message{Role: llm.RoleAssistant, Content: "Yes."})
	if err != nil || asst.OfAssistant == nil {
		t.Fatalf("assistant: got %+v, %v", asst, err)
	}

	if _, err := toParam(llm.Message{Role: "tool", Content: "x"}); err == nil {
		t.Fatal("tool role: want error")
	}
}

func TestNew(t *testing.T) {
	t.Parallel()

	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("empty api key: want error")
	}
	if _, err := New("sk-test", ""); err == nil {
		t.Error("empty model: want error")
	}

	p, err := New("sk-test", "gpt-4o-mini")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := p.Capabilities(); got != llm.CapabilitiesFor("gpt-4o-mini") {
		t.Errorf("Capabilities = %+v, want table entry", got)
	}

	custom := llm.ModelCapabilities{ContextWindow: 32_000, MaxOutputTokens: 512}
	p, _ = New("sk-test", "ft:gpt-4o-mini:board", WithCapabilities(custom))
	if got := p.Capabilities(); got != custom {
		t.Errorf("Capabilities = %+v, want override %+v", got, custom)
	}
}

func TestComplete(t *testing.T) {
	t.Parallel()

	var body map[string]any
	srv := chatServer(t, completion("stop", "Revenue grew 12 percent.", ""), &body)

	p, err := New("sk-test", "gpt-4o-mini", WithBaseURL(srv.URL+"/v1/"), WithMaxRetries(0),
		WithCapabilities(llm.ModelCapabilities{ContextWindow: 8_000, MaxOutputTokens: 50}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	resp, err := p.Complete(context.Background(), llm.CompletionRequest{
		SystemPrompt: "You attend board meetings.",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "How did revenue do?", Speaker: "Ben"}},
		MaxTokens:    300,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "Revenue grew 12 percent." || resp.FinishReason != llm.FinishStop {
		t.Errorf("response = %+v", resp)
	}
	if resp.Usage.TotalTokens != 26 {
		t.Errorf("TotalTokens = %d, want 26", resp.Usage.TotalTokens)
	}

	if body["model"] != "gpt-4o-mini" {
		t.Errorf("model = %v, want gpt-4o-mini", body["model"])
	}
	if got, _ := body["max_completion_tokens"].(float64); got != 50 {
		t.Errorf("max_completion_tokens = %v, want clamped to 50", body["max_completion_tokens"])
	}
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want system + user", len(msgs))
	}
	if user, _ := msgs[1].(map[string]any); user["name"] != "Ben" {
		t.Errorf("user name = %v, want Ben", user["name"])
	}
}

func TestComplete_Truncated(t *testing.T) {
	t.Parallel()

	srv := chatServer(t, completion("length", "The budget is", ""), nil)
	p, _ := New("sk-test", "gpt-4o-mini", WithBaseURL(srv.URL+"/v1/"), WithMaxRetries(0))

	resp, err := p.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "budget?"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if !resp.Truncated() {
		t.Errorf("Truncated() = false for finish_reason %q", resp.FinishReason)
	}
}

func TestComplete_Refusal(t *testing.T) {
	t.Parallel()

	srv := chatServer(t, completion("stop", "", "I can't help with that."), nil)
	p, _ := New("sk-test", "gpt-4o-mini", WithBaseURL(srv.URL+"/v1/"), WithMaxRetries(0))

	_, err := p.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if !errors.Is(err, errRefused) {
		t.Fatalf("err = %v, want errRefused", err)
	}
}

func TestComplete_Errors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"message":"bad request","type":"invalid_request_error"}}`)
	}))
	t.Cleanup(srv.Close)

	p, _ := New("sk-test", "gpt-4o-mini", WithBaseURL(srv.URL+"/v1/"), WithMaxRetries(0))
	if _, err := p.Complete(context.Background(), llm.CompletionRequest{}); err == nil {
		t.Error("no messages: want error")
	}
	if _, err := p.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	}); err == nil {
		t.Error("400 response: want error")
	}

	empty := chatServer(t, `{"id":"x","object":"chat.completion","created":1,"model":"m","choices":[]}`, nil)
	p, _ = New("sk-test", "gpt-4o-mini", WithBaseURL(empty.URL+"/v1/"), WithMaxRetries(0))
	if _, err := p.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	}); !errors.Is(err, errNoChoices) {
		t.Errorf("empty choices: err = %v, want errNoChoices", err)
	}
}
