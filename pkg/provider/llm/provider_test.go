package llm

import (
	"strings"
	"testing"
)

func TestEstimateTokens(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msgs []Message
		want int
	}{
		{name: "empty", msgs: nil, want: 0},
		{name: "empty content", msgs: []Message{{Role: RoleUser}}, want: 4},
		{name: "eight chars", msgs: []Message{{Role: RoleUser, Content: "abcdefgh"}}, want: 6},
		{name: "rounds up", msgs: []Message{{Role: RoleUser, Content: "abcde"}}, want: 6},
		{
			name: "sums messages",
			msgs: []Message{{Role: RoleSystem, Content: "abcd"}, {Role: RoleUser, Content: "abcd"}},
			want: 10,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := EstimateTokens(tt.msgs); got != tt.want {
				t.Fatalf("want %d, got %d", tt.want, got)
			}
		})
	}
}

func TestEstimateTokens_CountsSpeaker(t *testing.T) {
	t.Parallel()

	plain := EstimateTokens([]Message{{Role: RoleUser, Content: "quorum?"}})
	named := EstimateTokens([]Message{{Role: RoleUser, Content: "quorum?", Speaker: "Margaret Chen"}})
	if named <= plain {
		t.Errorf("named = %d, want more than %d", named, plain)
	}
}

func TestCapabilitiesFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		model string
		want  ModelCapabilities
	}{
		{"gpt-4o-mini", ModelCapabilities{128_000, 16_384}},
		{"GPT-4.1-nano", ModelCapabilities{1_047_576, 32_768}},
		{"gpt-4-0613", ModelCapabilities{8_192, 4_096}},
		{"o1-mini-2024", ModelCapabilities{128_000, 65_536}},
		{"claude-3-opus-latest", ModelCapabilities{200_000, 4_096}},
		{"claude-3-5-haiku-latest", ModelCapabilities{200_000, 8_192}},
		{"anthropic/claude-sonnet-4", ModelCapabilities{200_000, 8_192}},
		{"gemini-2.0-flash", ModelCapabilities{1_048_576, 8_192}},
		{"some-local-model", DefaultCapabilities},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			t.Parallel()
			if got := CapabilitiesFor(tt.model); got != tt.want {
				t.Errorf("CapabilitiesFor(%q) = %+v, want %+v", tt.model, got, tt.want)
			}
		})
	}
}

func TestParticipantName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"Ana", "Ana"},
		{"Margaret Chen", "Margaret_Chen"},
		{"  José Ñúñez ", "Jos_ez"},
		{"CFO (remote)", "CFO_remote"},
		{"日本", ""},
		{"", ""},
		{strings.Repeat("a", 80), strings.Repeat("a", 64)},
	}
	for _, tt := range tests {
		if got := ParticipantName(tt.in); got != tt.want {
			t.Errorf("ParticipantName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCompletionResponse_Truncated(t *testing.T) {
	t.Parallel()

	var nilResp *CompletionResponse
	if nilResp.Truncated() {
		t.Error("nil response reported truncated")
	}
	if (&CompletionResponse{FinishReason: FinishStop}).Truncated() {
		t.Error("stop reported truncated")
	}
	if !(&CompletionResponse{FinishReason: FinishLength}).Truncated() {
		t.Error("length not reported truncated")
	}
}
