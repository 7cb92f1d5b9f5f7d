// Command boardobserver is the main entry point for the board meeting observer.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/boardobserver/internal/app"
	"github.com/MrWong99/boardobserver/internal/config"
	"github.com/MrWong99/boardobserver/internal/observe"
	"github.com/MrWong99/boardobserver/internal/resilience"
	"github.com/MrWong99/boardobserver/pkg/provider/llm"
	"github.com/MrWong99/boardobserver/pkg/provider/llm/anyllm"
	"github.com/MrWong99/boardobserver/pkg/provider/llm/openai"
	"github.com/MrWong99/boardobserver/pkg/provider/tts"
	"github.com/MrWong99/boardobserver/pkg/provider/tts/elevenlabs"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	reloadEvery := flag.Duration("reload-interval", 5*time.Second, "how often the config file is checked for changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	var application *app.App
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		if application != nil {
			application.Reload(old, new)
		}
	}, config.WithInterval(*reloadEvery))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "boardobserver: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "boardobserver: %v\n", err)
		}
		return 1
	}
	cfg := watcher.Current()

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.SlogLevel())
	slog.SetDefault(newLogger(cfg.Server.LogFormat, level))

	slog.Info("boardobserver starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics := observe.DefaultMetrics()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	if err := reg.Check(cfg.Providers); err != nil {
		slog.Error("invalid provider configuration", "err", err)
		return 1
	}

	providers, err := buildProviders(cfg, reg, metrics)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	application, err = app.New(ctx, cfg, providers,
		app.WithMetrics(metrics),
		app.WithLogLevel(level),
		app.WithVersion(version),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	go func() {
		_ = watcher.Run(ctx)
	}()
	go reloadOnHangup(ctx, watcher)

	slog.Info("server ready, press Ctrl+C to shut down")

	exit := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		exit = 1
		stop()
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		exit = 1
	}
	if err := otelShutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return exit
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	reg.LLM.Register("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, openai.WithTimeout(d))
		}
		if n, ok := optInt(entry.Options, "max_retries"); ok {
			opts = append(opts, openai.WithMaxRetries(n))
		}
		if n, ok := optInt(entry.Options, "context_window"); ok {
			caps := llm.CapabilitiesFor(entry.Model)
			caps.ContextWindow = n
			opts = append(opts, openai.WithCapabilities(caps))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	// Every other backend goes through any-llm-go; local servers such as
	// ollama need only a base URL.
	for _, backend := range anyllm.Backends() {
		if backend == "openai" {
			continue
		}
		reg.LLM.Register(backend, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(backend, entry.Model, opts...)
		})
	}

	// ── TTS ───────────────────────────────────────────────────────────────────
	reg.TTS.Register("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		vs := elevenlabs.DefaultVoiceSettings
		if f, ok := optFloat(entry.Options, "stability"); ok {
			vs.Stability = f
		}
		if f, ok := optFloat(entry.Options, "similarity_boost"); ok {
			vs.SimilarityBoost = f
		}
		if f, ok := optFloat(entry.Options, "speed"); ok {
			vs.Speed = &f
		}
		opts = append(opts, elevenlabs.WithVoiceSettings(vs))
		if entry.BaseURL != "" {
			ws := optString(entry.Options, "ws_base_url")
			if ws == "" {
				ws = strings.Replace(entry.BaseURL, "http", "ws", 1)
			}
			opts = append(opts, elevenlabs.WithBaseURLs(ws, entry.BaseURL))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	slog.Debug("registered providers", "llm", reg.LLM.Names(), "tts", reg.TTS.Names())
}

// buildProviders instantiates the configured primary and fallback providers
// and wraps each kind in a circuit-broken fallback group.
func buildProviders(cfg *config.Config, reg *config.Registry, metrics *observe.Metrics) (*app.Providers, error) {
	ps := &app.Providers{}
	b := cfg.Providers.Breaker
	breaker := resilience.CircuitBreakerConfig{
		FailureThreshold: b.FailureThreshold,
		Cooldown:         b.Cooldown,
		MaxCooldown:      b.MaxCooldown,
		Probes:           b.Probes,
		OnStateChange:    logBreaker,
	}

	primary, err := reg.LLM.Create(cfg.Providers.LLM)
	if err != nil {
		return nil, err
	}
	llmGroup := resilience.NewLLMFallback(primary, cfg.Providers.LLM.Name, resilience.FallbackConfig{
		CircuitBreaker: breaker,
		Kind:           "llm",
		Metrics:        metrics,
	})
	for _, entry := range cfg.Providers.LLMFallbacks {
		p, err := reg.LLM.Create(entry)
		if err != nil {
			return nil, fmt.Errorf("llm fallback: %w", err)
		}
		llmGroup.AddFallback(entry.Name, p)
	}
	ps.LLM = llmGroup
	slog.Info("provider created", "kind", "llm", "name", cfg.Providers.LLM.Name, "fallbacks", len(cfg.Providers.LLMFallbacks))

	if name := cfg.Providers.TTS.Name; name != "" {
		primary, err := reg.TTS.Create(cfg.Providers.TTS)
		if err != nil {
			return nil, err
		}
		ttsGroup := resilience.NewTTSFallback(primary, name, resilience.FallbackConfig{
			CircuitBreaker: breaker,
			Kind:           "tts",
			Metrics:        metrics,
		})
		for _, entry := range cfg.Providers.TTSFallbacks {
			p, err := reg.TTS.Create(entry)
			if err != nil {
				return nil, fmt.Errorf("tts fallback: %w", err)
			}
			ttsGroup.AddFallback(entry.Name, p)
		}
		ps.TTS = ttsGroup
		slog.Info("provider created", "kind", "tts", "name", name, "fallbacks", len(cfg.Providers.TTSFallbacks))
	}

	return ps, nil
}

// reloadOnHangup forces a config re-read whenever the process gets SIGHUP.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			slog.Info("SIGHUP received, reloading config")
			w.Trigger()
		}
	}
}

func logBreaker(name string, from, to resilience.State) {
	slog.Warn("circuit breaker state changed", "provider", name, "from", from.String(), "to", to.String())
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// newLogger creates a slog.Logger writing to stderr in the configured format.
func newLogger(format config.LogFormat, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// optString extracts a string value from a provider options map.
// Returns "" if the key is missing or not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer from a provider options map. YAML decodes
// integers as int.
func optInt(opts map[string]any, key string) (int, bool) {
	n, ok := opts[key].(int)
	return n, ok
}

// optFloat extracts a number from a provider options map, accepting both
// YAML floats and integers.
func optFloat(opts map[string]any, key string) (float64, bool) {
	switch v := opts[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// optDuration parses a Go duration string from a provider options map.
func optDuration(opts map[string]any, key string) time.Duration {
	d, err := time.ParseDuration(optString(opts, key))
	if err != nil {
		return 0
	}
	return d
}
