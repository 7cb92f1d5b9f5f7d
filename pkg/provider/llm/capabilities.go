package llm

import (
	"strings"
	"unicode"
)

// ModelCapabilities describes the limits of a model.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input plus output.
	ContextWindow int

	// MaxOutputTokens is the most a single completion may generate.
	MaxOutputTokens int
}

// DefaultCapabilities is assumed for models missing from the family table.
var DefaultCapabilities = ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 4_096}

// family maps a model-name prefix to its limits. More specific prefixes
// come first.
type family struct {
	prefix string
	caps   ModelCapabilities
}

var families = []family{
	{"gpt-4.1", ModelCapabilities{1_047_576, 32_768}},
	{"gpt-4o", ModelCapabilities{128_000, 16_384}},
	{"gpt-4-turbo", ModelCapabilities{128_000, 4_096}},
	{"gpt-4", ModelCapabilities{8_192, 4_096}},
	{"gpt-3.5-turbo", ModelCapabilities{16_385, 4_096}},
	{"o1-mini", ModelCapabilities{128_000, 65_536}},
	{"o1", ModelCapabilities{200_000, 100_000}},
	{"o3", ModelCapabilities{200_000, 100_000}},
	{"o4-mini", ModelCapabilities{200_000, 100_000}},
	{"claude-3-opus", ModelCapabilities{200_000, 4_096}},
	{"claude", ModelCapabilities{200_000, 8_192}},
	{"gemini-1.5-pro", ModelCapabilities{2_097_152, 8_192}},
	{"gemini-1.5-flash", ModelCapabilities{1_048_576, 8_192}},
	{"gemini-2", ModelCapabilities{1_048_576, 8_192}},
	{"gemini", ModelCapabilities{128_000, 8_192}},
	{"mistral-large", ModelCapabilities{128_000, 4_096}},
	{"deepseek", ModelCapabilities{64_000, 8_192}},
	{"llama3", ModelCapabilities{8_192, 2_048}},
}

// CapabilitiesFor returns the limits of model, matched case-insensitively by
// prefix. Vendor path prefixes such as "anthropic/" are ignored.
func CapabilitiesFor(model string) ModelCapabilities {
	name := strings.ToLower(model)
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	for _, f := range families {
		if strings.HasPrefix(name, f.prefix) {
			return f.caps
		}
	}
	return DefaultCapabilities
}

// ClampOutput limits a requested reply length to what the model can
// produce. Zero requests stay zero so the provider default applies.
func ClampOutput(requested int, caps ModelCapabilities) int {
	if requested <= 0 {
		return 0
	}
	if caps.MaxOutputTokens > 0 && requested > caps.MaxOutputTokens {
		return caps.MaxOutputTokens
	}
	return requested
}

// maxNameLen is the longest participant name chat APIs accept.
const maxNameLen = 64

// ParticipantName turns a caption speaker label into a name chat APIs
// accept: ASCII letters, digits, '_' and '-', at most 64 characters. Spaces
// become underscores and other characters are dropped. It returns "" when
// nothing usable remains.
func ParticipantName(speaker string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(speaker) {
		if b.Len() == maxNameLen {
			break
		}
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)), r == '_', r == '-':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteByte('_')
		}
	}
	return strings.Trim(b.String(), "_")
}
