package config

import (
	"slices"
	"time"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// requires a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// TuningChanged covers the completion waits, session limits and reply
	// texts.
	TuningChanged bool

	CooldownChanged bool
	NewCooldown     time.Duration

	// WakeChanged covers wake phrases, address word and fuzzy threshold.
	WakeChanged bool

	InsightChanged bool

	// RestartRequired lists the sections that changed but are not applied
	// live.
	RestartRequired []string
}

// Any reports whether anything hot-reloadable changed.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.TuningChanged || d.CooldownChanged || d.WakeChanged || d.InsightChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Conversation.Tuning != new.Conversation.Tuning || !sameBool(old.Speak.AlsoSendText, new.Speak.AlsoSendText) {
		d.TuningChanged = true
	}

	if old.Speak.Cooldown != new.Speak.Cooldown {
		d.CooldownChanged = true
		d.NewCooldown = new.Speak.Cooldown
	}

	oc, nc := old.Conversation, new.Conversation
	if !slices.Equal(oc.WakePhrases, nc.WakePhrases) || oc.AddressWord != nc.AddressWord || oc.FuzzyThreshold != nc.FuzzyThreshold {
		d.WakeChanged = true
	}

	if old.Insight != new.Insight {
		d.InsightChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || old.Server.LogFormat != new.Server.LogFormat {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !sameProviders(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Recall != new.Recall {
		d.RestartRequired = append(d.RestartRequired, "recall")
	}
	if !sameDiscord(old.Discord, new.Discord) {
		d.RestartRequired = append(d.RestartRequired, "discord")
	}
	if old.Speak.VoiceID != new.Speak.VoiceID {
		d.RestartRequired = append(d.RestartRequired, "speak.voice_id")
	}
	if old.Windows != new.Windows {
		d.RestartRequired = append(d.RestartRequired, "windows")
	}
	if old.Store != new.Store {
		d.RestartRequired = append(d.RestartRequired, "store")
	}
	if old.Journal != new.Journal {
		d.RestartRequired = append(d.RestartRequired, "journal")
	}
	if old.MCP != new.MCP {
		d.RestartRequired = append(d.RestartRequired, "mcp")
	}

	return d
}

func sameDiscord(a, b DiscordConfig) bool {
	return a.Token == b.Token && a.GuildID == b.GuildID && a.ChannelID == b.ChannelID &&
		a.ControlRoleID == b.ControlRoleID && slices.Equal(a.ControlUserIDs, b.ControlUserIDs)
}

func sameBool(a, b *bool) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameProviders(a, b ProvidersConfig) bool {
	return a.Breaker == b.Breaker && sameEntry(a.LLM, b.LLM) && sameEntry(a.TTS, b.TTS) &&
		slices.EqualFunc(a.LLMFallbacks, b.LLMFallbacks, sameEntry) &&
		slices.EqualFunc(a.TTSFallbacks, b.TTSFallbacks, sameEntry)
}

// sameEntry ignores Options, which may hold values that are not comparable.
func sameEntry(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL && a.Model == b.Model
}
