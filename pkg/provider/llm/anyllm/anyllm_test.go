package anyllm

import (
	"slices"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/boardobserver/pkg/provider/llm"
)

func TestParams(t *testing.T) {
	p := &Provider{
		model: "claude-3-5-haiku-latest",
		caps:  llm.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 100},
	}
	params := p.params(llm.CompletionRequest{
		SystemPrompt: "You attend board meetings.",
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "What's the Q4 budget?", Speaker: "Margaret Chen"},
			{Role: llm.RoleAssistant, Content: "Two million."},
		},
		Temperature: 0.2,
		MaxTokens:   400,
	})

	if params.Model != "claude-3-5-haiku-latest" {
		t.Errorf("Model = %q", params.Model)
	}
	if len(params.Messages) != 3 || params.Messages[0].Role != anyllmlib.RoleSystem {
		t.Fatalf("Messages = %+v, want system prompt first", params.Messages)
	}
	if got := params.Messages[1].Name; got != "Margaret_Chen" {
		t.Errorf("speaker name = %q, want Margaret_Chen", got)
	}
	if got := params.Messages[2].Name; got != "" {
		t.Errorf("assistant name = %q, want empty", got)
	}
	if params.Temperature == nil || *params.Temperature != 0.2 {
		t.Errorf("Temperature = %v, want 0.2", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 100 {
		t.Errorf("MaxTokens = %v, want clamped to 100", params.MaxTokens)
	}

	bare := p.params(llm.CompletionRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}})
	if bare.Temperature != nil || bare.MaxTokens != nil {
		t.Error("zero temperature and max tokens should be omitted")
	}
}

func TestNormalizeFinish(t *testing.T) {
	tests := map[string]string{
		"length":         llm.FinishLength,
		"max_tokens":     llm.FinishLength,
		"MAX_TOKENS":     llm.FinishLength,
		"stop":           llm.FinishStop,
		"end_turn":       llm.FinishStop,
		"STOP":           llm.FinishStop,
		"content_filter": "content_filter",
		"":               "",
	}
	for in, want := range tests {
		if got := normalizeFinish(in); got != want {
			t.Errorf("normalizeFinish(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBackends(t *testing.T) {
	got := Backends()
	if !slices.IsSorted(got) {
		t.Errorf("Backends() = %v, want sorted", got)
	}
	for _, want := range []string{"anthropic", "gemini", "ollama", "llamafile"} {
		if !slices.Contains(got, want) {
			t.Errorf("Backends() missing %q", want)
		}
	}
}

func TestNew(t *testing.T) {
	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("empty backend: want error")
	}
	if _, err := New("openai", ""); err == nil {
		t.Error("empty model: want error")
	}
	if _, err := New("fakecloud", "some-model", anyllmlib.WithAPIKey("dummy")); err == nil {
		t.Error("unknown backend: want error")
	}

	tests := []struct {
		backend string
		model   string
		opts    []anyllmlib.Option
	}{
		{"openai", "gpt-4o", []anyllmlib.Option{anyllmlib.WithAPIKey("sk-test")}},
		{"Anthropic", "claude-3-5-sonnet-latest", []anyllmlib.Option{anyllmlib.WithAPIKey("sk-ant-test")}},
		{"ollama", "llama3", nil},
		{"llamafile", "llama3", nil},
	}
	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			p, err := New(tt.backend, tt.model, tt.opts...)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if p.model != tt.model {
				t.Errorf("model = %q, want %q", p.model, tt.model)
			}
			if p.Capabilities() != llm.CapabilitiesFor(tt.model) {
				t.Errorf("Capabilities = %+v, want table entry", p.Capabilities())
			}
		})
	}
}

func TestNew_OpenAIMissingKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := New("openai", "gpt-4o"); err == nil {
		t.Fatal("want error without an API key")
	}
}
