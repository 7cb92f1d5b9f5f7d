// Package config provides the configuration schema, loader, environment
// overrides, provider registry and hot-reload watcher for the board observer.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/boardobserver/internal/completion"
	"github.com/MrWong99/boardobserver/internal/conversation"
	"github.com/MrWong99/boardobserver/internal/wake"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l to the slog level. Unknown levels map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool { return f == LogFormatText || f == LogFormatJSON }

// StoreBackend selects where durable meeting flags live.
type StoreBackend string

const (
	StoreMemory StoreBackend = "memory"
	StoreRedis  StoreBackend = "redis"
)

// IsValid reports whether b is a recognised store backend.
func (b StoreBackend) IsValid() bool { return b == StoreMemory || b == StoreRedis }

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Providers    ProvidersConfig    `yaml:"providers"`
	Recall       RecallConfig       `yaml:"recall"`
	Discord      DiscordConfig      `yaml:"discord"`
	Conversation ConversationConfig `yaml:"conversation"`
	Speak        SpeakConfig        `yaml:"speak"`
	Windows      WindowsConfig      `yaml:"windows"`
	Advisor      AdvisorConfig      `yaml:"advisor"`
	Insight      InsightConfig      `yaml:"insight"`
	Store        StoreConfig        `yaml:"store"`
	Journal      JournalConfig      `yaml:"journal"`
	MCP          MCPConfig          `yaml:"mcp"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	LogLevel  LogLevel  `yaml:"log_level"`
	LogFormat LogFormat `yaml:"log_format"`

	// WebhookToken, when set, must be presented as a Bearer token (or the
	// "token" query parameter) on the ingest, control and MCP routes.
	WebhookToken string `yaml:"webhook_token"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProvidersConfig selects the LLM and TTS implementations. Fallback entries
// are tried in order when the primary fails or its circuit is open.
type ProvidersConfig struct {
	LLM          ProviderEntry   `yaml:"llm"`
	LLMFallbacks []ProviderEntry `yaml:"llm_fallbacks"`
	TTS          ProviderEntry   `yaml:"tts"`
	TTSFallbacks []ProviderEntry `yaml:"tts_fallbacks"`
	Breaker      BreakerConfig   `yaml:"breaker"`
}

// BreakerConfig tunes the circuit breaker in front of every provider. Zero
// values select the breaker's own defaults.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
	MaxCooldown      time.Duration `yaml:"max_cooldown"`
	Probes           int           `yaml:"probes"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "elevenlabs").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o-mini").
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// RecallConfig configures the meeting-bot API used for chat and audio output.
type RecallConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// Enabled reports whether a Recall client should be created.
func (r RecallConfig) Enabled() bool { return r.APIKey != "" }

// DiscordConfig configures the Discord text-channel mirror and slash commands.
type DiscordConfig struct {
	Token     string `yaml:"token"`
	GuildID   string `yaml:"guild_id"`
	ChannelID string `yaml:"channel_id"`

	// ControlRoleID restricts the /board commands to members holding this
	// role. Empty, with no ControlUserIDs, allows everyone.
	ControlRoleID string `yaml:"control_role_id"`

	// ControlUserIDs are users allowed to use the /board commands regardless
	// of their roles.
	ControlUserIDs []string `yaml:"control_user_ids"`
}

// Enabled reports whether the Discord bot should be started.
func (d DiscordConfig) Enabled() bool { return d.Token != "" }

// ConversationConfig configures wake-phrase detection and turn taking.
type ConversationConfig struct {
	// WakePhrases are matched literally (case-insensitive) at the start of a
	// fragment. Empty uses the built-in list.
	WakePhrases []string `yaml:"wake_phrases"`

	// AddressWord is the name the fuzzy matcher listens for. Default: "observer".
	AddressWord string `yaml:"address_word"`

	// FuzzyThreshold is the minimum Jaro-Winkler similarity for a caption
	// token to count as the address word.
	FuzzyThreshold float64 `yaml:"fuzzy_threshold"`

	Tuning TuningConfig `yaml:"tuning"`
}

// TuningConfig holds the completion waits and session limits.
type TuningConfig struct {
	QuickWait   time.Duration `yaml:"quick_wait"`
	DefaultWait time.Duration `yaml:"default_wait"`
	LongWait    time.Duration `yaml:"long_wait"`
	ExtraWait   time.Duration `yaml:"extra_wait"`
	MinimalWait time.Duration `yaml:"minimal_wait"`
	MaxRechecks int           `yaml:"max_rechecks"`

	HardCeiling      time.Duration `yaml:"hard_ceiling"`
	ContinuityWindow time.Duration `yaml:"continuity_window"`
	AnswerTimeout    time.Duration `yaml:"answer_timeout"`

	Acknowledgment string `yaml:"acknowledgment"`
	Apology        string `yaml:"apology"`
	Busy           string `yaml:"busy"`
}

// SpeakConfig configures the speak gate.
type SpeakConfig struct {
	Cooldown time.Duration `yaml:"cooldown"`

	// VoiceID selects the TTS voice. Empty disables voice output.
	VoiceID string `yaml:"voice_id"`

	// AlsoSendText mirrors spoken replies to the text channels. Default: true.
	AlsoSendText *bool `yaml:"also_send_text"`

	// Timeout bounds one synthesis-and-playback attempt.
	Timeout time.Duration `yaml:"timeout"`
}

// WindowsConfig configures the transcript window buffer.
type WindowsConfig struct {
	Width        time.Duration `yaml:"width"`
	MinFragments int           `yaml:"min_fragments"`
	MaxFragments int           `yaml:"max_fragments"`
}

// AdvisorConfig configures the answering collaborator.
type AdvisorConfig struct {
	// SystemPrompt replaces the built-in system prompt when set.
	SystemPrompt string `yaml:"system_prompt"`

	ContextEntries int           `yaml:"context_entries"`
	ContextMaxAge  time.Duration `yaml:"context_max_age"`

	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// InsightConfig configures ambient insight generation.
type InsightConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Prompt      string        `yaml:"prompt"`
	MinInterval time.Duration `yaml:"min_interval"`
}

// StoreConfig selects and configures the durable flag store.
type StoreConfig struct {
	Backend   StoreBackend  `yaml:"backend"`
	RedisURL  string        `yaml:"redis_url"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// JournalConfig configures the PostgreSQL exchange journal. An empty DSN
// disables the journal.
type JournalConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
}

// MCPConfig configures the MCP control server.
type MCPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ── Conversions ──────────────────────────────────────────────────────────────

// Thresholds converts the tuning section into completion thresholds. Zero
// fields keep the analyzer defaults.
func (t TuningConfig) Thresholds() completion.Thresholds {
	th := completion.DefaultThresholds()
	if t.QuickWait > 0 {
		th.QuickWait = t.QuickWait
	}
	if t.DefaultWait > 0 {
		th.DefaultWait = t.DefaultWait
	}
	if t.LongWait > 0 {
		th.LongWait = t.LongWait
	}
	if t.ExtraWait > 0 {
		th.ExtraWait = t.ExtraWait
	}
	if t.MinimalWait > 0 {
		th.MinimalWait = t.MinimalWait
	}
	if t.MaxRechecks > 0 {
		th.MaxRechecks = t.MaxRechecks
	}
	return th
}

// EngineTuning converts the conversation and speak sections into engine
// tuning.
func (c *Config) EngineTuning() conversation.Tuning {
	t := conversation.DefaultTuning()
	ct := c.Conversation.Tuning
	if ct.HardCeiling > 0 {
		t.HardCeiling = ct.HardCeiling
	}
	if ct.ContinuityWindow > 0 {
		t.ContinuityWindow = ct.ContinuityWindow
	}
	if ct.AnswerTimeout > 0 {
		t.AnswerTimeout = ct.AnswerTimeout
	}
	if ct.Acknowledgment != "" {
		t.Acknowledgment = ct.Acknowledgment
	}
	if ct.Apology != "" {
		t.Apology = ct.Apology
	}
	if ct.Busy != "" {
		t.Busy = ct.Busy
	}
	if c.Speak.AlsoSendText != nil {
		t.AlsoSendText = *c.Speak.AlsoSendText
	}
	return t
}

// WakeOptions converts the conversation section into detector options.
func (c ConversationConfig) WakeOptions() []wake.Option {
	var opts []wake.Option
	if len(c.WakePhrases) > 0 {
		opts = append(opts, wake.WithPhrases(c.WakePhrases))
	}
	if c.AddressWord != "" {
		opts = append(opts, wake.WithAddressWord(c.AddressWord))
	}
	if c.FuzzyThreshold > 0 {
		opts = append(opts, wake.WithFuzzyThreshold(c.FuzzyThreshold))
	}
	return opts
}
