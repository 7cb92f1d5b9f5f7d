package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/MrWong99/boardobserver/internal/completion"
	"github.com/MrWong99/boardobserver/internal/conversation"
	"github.com/MrWong99/boardobserver/internal/speak"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by [ApplyEnv].
const EnvPrefix = "BOARDOBSERVER_"

// Load reads the YAML configuration file at path and returns a validated
// [Config] with environment overrides and defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides
// and defaults, and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg, os.LookupEnv)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides secrets and endpoints from environment variables looked
// up through lookup. Provider API keys apply to every entry of the matching
// provider name, fallbacks included.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	get := func(key string) (string, bool) {
		v, ok := lookup(EnvPrefix + key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get("OPENAI_API_KEY"); ok {
		setProviderKey(&cfg.Providers.LLM, cfg.Providers.LLMFallbacks, "openai", v)
	}
	if v, ok := get("ANTHROPIC_API_KEY"); ok {
		setProviderKey(&cfg.Providers.LLM, cfg.Providers.LLMFallbacks, "anthropic", v)
	}
	if v, ok := get("ELEVENLABS_API_KEY"); ok {
		setProviderKey(&cfg.Providers.TTS, cfg.Providers.TTSFallbacks, "elevenlabs", v)
	}
	if v, ok := get("RECALL_API_KEY"); ok {
		cfg.Recall.APIKey = v
	}
	if v, ok := get("DISCORD_TOKEN"); ok {
		cfg.Discord.Token = v
	}
	if v, ok := get("POSTGRES_DSN"); ok {
		cfg.Journal.PostgresDSN = v
	}
	if v, ok := get("REDIS_URL"); ok {
		cfg.Store.RedisURL = v
		if cfg.Store.Backend == "" {
			cfg.Store.Backend = StoreRedis
		}
	}
	if v, ok := get("LISTEN_ADDR"); ok {
		cfg.Server.ListenAddr = v
	}
	if v, ok := get("LOG_LEVEL"); ok {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(v))
	}
	if v, ok := get("WEBHOOK_TOKEN"); ok {
		cfg.Server.WebhookToken = v
	}
}

func setProviderKey(primary *ProviderEntry, fallbacks []ProviderEntry, name, key string) {
	if primary.Name == name {
		primary.APIKey = key
	}
	for i := range fallbacks {
		if fallbacks[i].Name == name {
			fallbacks[i].APIKey = key
		}
	}
}

// ApplyDefaults fills every unset field that has a runtime default, so that
// all durations are non-zero after loading.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = ":8080"
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.LogFormat == "" {
		s.LogFormat = LogFormatText
	}

	th := completion.DefaultThresholds()
	tn := conversation.DefaultTuning()
	t := &cfg.Conversation.Tuning
	setDuration(&t.QuickWait, th.QuickWait)
	setDuration(&t.DefaultWait, th.DefaultWait)
	setDuration(&t.LongWait, th.LongWait)
	setDuration(&t.ExtraWait, th.ExtraWait)
	setDuration(&t.MinimalWait, th.MinimalWait)
	if t.MaxRechecks == 0 {
		t.MaxRechecks = th.MaxRechecks
	}
	setDuration(&t.HardCeiling, tn.HardCeiling)
	setDuration(&t.ContinuityWindow, tn.ContinuityWindow)
	setDuration(&t.AnswerTimeout, tn.AnswerTimeout)
	if t.Acknowledgment == "" {
		t.Acknowledgment = tn.Acknowledgment
	}
	if t.Apology == "" {
		t.Apology = tn.Apology
	}
	if t.Busy == "" {
		t.Busy = tn.Busy
	}

	sp := &cfg.Speak
	setDuration(&sp.Cooldown, speak.DefaultCooldown)
	setDuration(&sp.Timeout, 30*time.Second)
	if sp.AlsoSendText == nil {
		v := tn.AlsoSendText
		sp.AlsoSendText = &v
	}

	w := &cfg.Windows
	setDuration(&w.Width, 30*time.Second)
	if w.MinFragments == 0 {
		w.MinFragments = 3
	}
	if w.MaxFragments == 0 {
		w.MaxFragments = 200
	}

	a := &cfg.Advisor
	if a.ContextEntries == 0 {
		a.ContextEntries = 60
	}
	setDuration(&a.ContextMaxAge, 10*time.Minute)
	if a.MaxTokens == 0 {
		a.MaxTokens = 300
	}

	setDuration(&cfg.Insight.MinInterval, 2*time.Minute)

	st := &cfg.Store
	if st.Backend == "" {
		st.Backend = StoreMemory
	}
	if st.KeyPrefix == "" {
		st.KeyPrefix = "boardobserver:"
	}
	setDuration(&st.TTL, 24*time.Hour)

	if cfg.MCP.Path == "" {
		cfg.MCP.Path = "/mcp"
	}
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
		}
	}
	for i, fb := range cfg.Providers.TTSFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.tts_fallbacks[%d].name is required", i))
		}
	}
	b := cfg.Providers.Breaker
	if b.FailureThreshold < 0 || b.Probes < 0 {
		errs = append(errs, errors.New("providers.breaker.failure_threshold and providers.breaker.probes must not be negative"))
	}
	if b.MaxCooldown > 0 && b.Cooldown > b.MaxCooldown {
		errs = append(errs, fmt.Errorf("providers.breaker.cooldown %s exceeds max_cooldown %s", b.Cooldown, b.MaxCooldown))
	}
	if len(cfg.Providers.TTSFallbacks) > 0 && cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts_fallbacks requires providers.tts"))
	}

	// Output wiring
	if cfg.Providers.TTS.Name != "" && cfg.Speak.VoiceID == "" {
		slog.Warn("providers.tts is configured but speak.voice_id is empty; replies will be sent as text only")
	}
	if cfg.Speak.VoiceID != "" && cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("speak.voice_id is set but providers.tts is not configured"))
	}
	if !cfg.Recall.Enabled() && !cfg.Discord.Enabled() {
		slog.Warn("neither recall nor discord is configured; replies have nowhere to go")
	}
	if cfg.Discord.Enabled() && cfg.Discord.ChannelID == "" {
		errs = append(errs, errors.New("discord.channel_id is required when discord.token is set"))
	}

	// Durations and counts
	t := cfg.Conversation.Tuning
	for name, d := range map[string]time.Duration{
		"conversation.tuning.quick_wait":        t.QuickWait,
		"conversation.tuning.default_wait":      t.DefaultWait,
		"conversation.tuning.long_wait":         t.LongWait,
		"conversation.tuning.extra_wait":        t.ExtraWait,
		"conversation.tuning.minimal_wait":      t.MinimalWait,
		"conversation.tuning.hard_ceiling":      t.HardCeiling,
		"conversation.tuning.continuity_window": t.ContinuityWindow,
		"conversation.tuning.answer_timeout":    t.AnswerTimeout,
		"speak.cooldown":                        cfg.Speak.Cooldown,
		"windows.width":                         cfg.Windows.Width,
		"insight.min_interval":                  cfg.Insight.MinInterval,
		"providers.breaker.cooldown":            cfg.Providers.Breaker.Cooldown,
		"providers.breaker.max_cooldown":        cfg.Providers.Breaker.MaxCooldown,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %s", name, d))
		}
	}
	if t.MaxRechecks < 0 {
		errs = append(errs, fmt.Errorf("conversation.tuning.max_rechecks must not be negative, got %d", t.MaxRechecks))
	}
	if t.HardCeiling > 0 && t.LongWait+t.ExtraWait > t.HardCeiling {
		errs = append(errs, fmt.Errorf("conversation.tuning.hard_ceiling %s is shorter than long_wait + extra_wait", t.HardCeiling))
	}
	th := cfg.Conversation.FuzzyThreshold
	if th < 0 || th > 1 {
		errs = append(errs, fmt.Errorf("conversation.fuzzy_threshold %.2f is out of range [0, 1]", th))
	}
	for i, p := range cfg.Conversation.WakePhrases {
		if strings.TrimSpace(p) == "" {
			errs = append(errs, fmt.Errorf("conversation.wake_phrases[%d] is empty", i))
		}
	}
	w := cfg.Windows
	if w.MinFragments < 0 || w.MaxFragments < 0 {
		errs = append(errs, errors.New("windows.min_fragments and windows.max_fragments must not be negative"))
	}
	if w.MaxFragments > 0 && w.MinFragments > w.MaxFragments {
		errs = append(errs, fmt.Errorf("windows.min_fragments %d exceeds windows.max_fragments %d", w.MinFragments, w.MaxFragments))
	}
	if cfg.Advisor.Temperature < 0 || cfg.Advisor.Temperature > 2 {
		errs = append(errs, fmt.Errorf("advisor.temperature %.2f is out of range [0, 2]", cfg.Advisor.Temperature))
	}

	// Store
	if cfg.Store.Backend != "" && !cfg.Store.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("store.backend %q is invalid; valid values: memory, redis", cfg.Store.Backend))
	}
	if cfg.Store.Backend == StoreRedis && cfg.Store.RedisURL == "" {
		errs = append(errs, errors.New("store.redis_url is required when store.backend is redis"))
	}

	// MCP
	if cfg.MCP.Enabled && !strings.HasPrefix(cfg.MCP.Path, "/") {
		errs = append(errs, fmt.Errorf("mcp.path %q must start with /", cfg.MCP.Path))
	}

	return errors.Join(errs...)
}
