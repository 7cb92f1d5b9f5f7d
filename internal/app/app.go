// Package app wires the board observer subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP and the Discord bot until the context ends,
// Reload applies hot-reloadable config changes, and Shutdown tears everything
// down in order.
//
// For testing, inject mock implementations via functional options
// (WithFlagStore, WithAudioSink, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/boardobserver/internal/advisor"
	"github.com/MrWong99/boardobserver/internal/config"
	"github.com/MrWong99/boardobserver/internal/conversation"
	"github.com/MrWong99/boardobserver/internal/discord"
	"github.com/MrWong99/boardobserver/internal/insight"
	"github.com/MrWong99/boardobserver/internal/journal"
	"github.com/MrWong99/boardobserver/internal/mcpctl"
	"github.com/MrWong99/boardobserver/internal/observe"
	"github.com/MrWong99/boardobserver/internal/resilience"
	"github.com/MrWong99/boardobserver/internal/server"
	"github.com/MrWong99/boardobserver/internal/speak"
	"github.com/MrWong99/boardobserver/internal/statestore"
	"github.com/MrWong99/boardobserver/internal/wake"
	"github.com/MrWong99/boardobserver/internal/window"
	"github.com/MrWong99/boardobserver/pkg/provider/llm"
	"github.com/MrWong99/boardobserver/pkg/provider/tts"
	"github.com/MrWong99/boardobserver/pkg/recall"
)

// voiceLookupTimeout bounds the startup voice lookup.
const voiceLookupTimeout = 5 * time.Second

// Providers holds one interface value per provider slot. Populated by
// main.go via the config registry, usually wrapped in resilience fallbacks.
type Providers struct {
	// LLM is required.
	LLM llm.Provider

	// TTS is optional. Nil disables voice output.
	TTS tts.Provider
}

// Journal records finalized exchanges and transcript windows.
type Journal interface {
	conversation.ExchangeRecorder
	window.Subscriber
}

// healthReporter is implemented by the resilience fallback groups.
type healthReporter interface {
	Healthy() bool
	Status() []resilience.EntryStatus
}

// App owns all subsystem lifetimes.
type App struct {
	providers *Providers
	version   string
	metrics   *observe.Metrics
	level     *slog.LevelVar

	mu  sync.Mutex
	cfg *config.Config

	// Subsystems, initialised in New and torn down in Shutdown.
	flags    statestore.Store
	journal  Journal
	sink     speak.AudioSink
	senders  []speak.TextSender
	bot      *discord.Bot
	gate     *speak.Gate
	advisor  *advisor.Advisor
	engine   *conversation.Engine
	windows  *window.Buffer
	insights *insightSlot
	meetings *MeetingManager
	server   *server.Server
	checkers []server.Checker

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithFlagStore injects a flag store instead of creating one from config.
func WithFlagStore(s statestore.Store) Option { return func(a *App) { a.flags = s } }

// WithJournal injects a journal instead of connecting to PostgreSQL.
func WithJournal(j Journal) Option { return func(a *App) { a.journal = j } }

// WithAudioSink injects the voice output instead of the Recall client.
func WithAudioSink(s speak.AudioSink) Option { return func(a *App) { a.sink = s } }

// WithTextSenders adds text outputs next to the configured Recall chat and
// Discord mirror.
func WithTextSenders(senders ...speak.TextSender) Option {
	return func(a *App) { a.senders = append(a.senders, senders...) }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option { return func(a *App) { a.metrics = m } }

// WithLogLevel lets [App.Reload] change the log level of the default logger.
func WithLogLevel(v *slog.LevelVar) Option { return func(a *App) { a.level = v } }

// WithVersion sets the version reported by the MCP server.
func WithVersion(v string) Option { return func(a *App) { a.version = v } }

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go. Use Option functions to inject test doubles.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil {
		return nil, errors.New("app: an LLM provider is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		version:   "dev",
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	ok := false
	defer func() {
		if !ok {
			a.closeAll()
		}
	}()

	// ── 1. Flag store ────────────────────────────────────────────────────
	if err := a.initFlagStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init flag store: %w", err)
	}

	// ── 2. Journal ───────────────────────────────────────────────────────
	if err := a.initJournal(ctx); err != nil {
		return nil, fmt.Errorf("app: init journal: %w", err)
	}

	// ── 3. Outputs ───────────────────────────────────────────────────────
	if err := a.initRecall(); err != nil {
		return nil, fmt.Errorf("app: init recall: %w", err)
	}
	// The bot needs the meeting manager as its controller; the manager's
	// engine is bound in step 6.
	a.meetings = NewMeetingManager(MeetingManagerConfig{})
	if err := a.initDiscord(ctx); err != nil {
		return nil, fmt.Errorf("app: init discord: %w", err)
	}

	// ── 4. Speak gate ────────────────────────────────────────────────────
	a.initGate(ctx)

	// ── 5. Advisor ───────────────────────────────────────────────────────
	a.advisor = advisor.New(providers.LLM, a.advisorOptions()...)

	// ── 6. Engine + windows ──────────────────────────────────────────────
	a.initEngine()
	a.initWindows()

	// ── 7. Server ────────────────────────────────────────────────────────
	a.initServer()

	ok = true
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initFlagStore opens the configured flag store unless one was injected.
func (a *App) initFlagStore(ctx context.Context) error {
	if a.flags != nil {
		return nil
	}
	sc := a.cfg.Store
	if sc.Backend != config.StoreRedis {
		a.flags = statestore.NewMemoryStore()
		return nil
	}
	rs, err := statestore.OpenRedis(ctx, sc.RedisURL,
		statestore.WithTTL(sc.TTL),
		statestore.WithPrefix(sc.KeyPrefix),
	)
	if err != nil {
		return err
	}
	a.flags = rs
	a.closers = append(a.closers, rs.Close)
	a.checkers = append(a.checkers, server.Checker{Name: "redis", Check: rs.Ping})
	slog.Info("flag store connected", "backend", "redis")
	return nil
}

// initJournal connects the PostgreSQL journal when a DSN is configured.
func (a *App) initJournal(ctx context.Context) error {
	if a.journal != nil || a.cfg.Journal.PostgresDSN == "" {
		return nil
	}
	j, err := journal.Open(ctx, a.cfg.Journal.PostgresDSN)
	if err != nil {
		return err
	}
	a.journal = j
	a.closers = append(a.closers, j.Close)
	a.checkers = append(a.checkers, server.Checker{Name: "journal", Check: j.Ping})
	slog.Info("journal connected")
	return nil
}

// initRecall creates the meeting-bot client, which serves as both the audio
// sink and the in-meeting chat sender.
func (a *App) initRecall() error {
	rc := a.cfg.Recall
	if !rc.Enabled() {
		return nil
	}
	var opts []recall.Option
	if rc.BaseURL != "" {
		opts = append(opts, recall.WithBaseURL(rc.BaseURL))
	}
	client, err := recall.New(rc.APIKey, opts...)
	if err != nil {
		return err
	}
	if a.sink == nil {
		a.sink = client
	}
	a.senders = append(a.senders, client)
	return nil
}

// initDiscord connects the Discord bot and adds its channel mirror as a text
// output.
func (a *App) initDiscord(ctx context.Context) error {
	dc := a.cfg.Discord
	if !dc.Enabled() {
		return nil
	}
	bot, err := discord.New(ctx, discord.Config{
		Token:          dc.Token,
		GuildID:        dc.GuildID,
		ChannelID:      dc.ChannelID,
		ControlRoleID:  dc.ControlRoleID,
		ControlUserIDs: dc.ControlUserIDs,
	}, a.meetings)
	if err != nil {
		return err
	}
	a.bot = bot
	a.senders = append(a.senders, bot.Mirror())
	slog.Info("discord bot connected", "guild_id", dc.GuildID, "channel_id", dc.ChannelID)
	return nil
}

// initGate creates the speak gate. Voice is enabled only when a TTS
// provider, a voice and an audio sink are all present.
func (a *App) initGate(ctx context.Context) {
	sc := a.cfg.Speak
	opts := []speak.Option{
		speak.WithCooldown(sc.Cooldown),
		speak.WithSpeakTimeout(sc.Timeout),
		speak.WithMetrics(a.metrics),
		speak.WithTextSenders(a.senders...),
	}
	if a.providers.TTS != nil && sc.VoiceID != "" && a.sink != nil {
		opts = append(opts,
			speak.WithSynthesizer(tts.VoiceSynthesizer{
				Provider: a.providers.TTS,
				Voice:    a.resolveVoice(ctx, sc.VoiceID),
			}),
			speak.WithAudioSink(a.sink),
		)
	} else {
		slog.Info("voice output disabled; replies are sent as text")
	}
	a.gate = speak.New(opts...)
}

// resolveVoice looks the configured voice up by ID or display name. When the
// provider cannot list voices the value is used as an ID unchanged.
func (a *App) resolveVoice(ctx context.Context, key string) tts.Voice {
	ctx, cancel := context.WithTimeout(ctx, voiceLookupTimeout)
	defer cancel()
	v, err := tts.ResolveVoice(ctx, a.providers.TTS, key)
	if err != nil {
		slog.Warn("voice lookup failed, using voice_id as given", "voice_id", key, "err", err)
		return tts.Voice{ID: key, Provider: a.cfg.Providers.TTS.Name}
	}
	slog.Info("voice resolved", "voice_id", v.ID, "name", v.Name)
	return v
}

func (a *App) advisorOptions() []advisor.Option {
	ac := a.cfg.Advisor
	opts := []advisor.Option{
		advisor.WithContextLimits(ac.ContextEntries, ac.ContextMaxAge),
		advisor.WithSampling(ac.Temperature, ac.MaxTokens),
		advisor.WithProviderName(a.cfg.Providers.LLM.Name),
		advisor.WithMetrics(a.metrics),
	}
	if ac.SystemPrompt != "" {
		opts = append(opts, advisor.WithSystemPrompt(ac.SystemPrompt))
	}
	return opts
}

// initEngine creates the turn-taking engine and binds it to the meeting
// manager.
func (a *App) initEngine() {
	opts := []conversation.Option{
		conversation.WithFlagStore(a.flags),
		conversation.WithDetector(wake.New(a.cfg.Conversation.WakeOptions()...)),
		conversation.WithThresholds(a.cfg.Conversation.Tuning.Thresholds()),
		conversation.WithTuning(a.cfg.EngineTuning()),
		conversation.WithMetrics(a.metrics),
	}
	if a.journal != nil {
		opts = append(opts, conversation.WithRecorder(a.journal))
	}
	a.engine = conversation.New(a.advisor, a.gate, opts...)
	a.meetings.engine = a.engine
}

// initWindows creates the window buffer and the subscribers every meeting
// gets: the advisor's context, the insight generator and the journal.
func (a *App) initWindows() {
	wc := a.cfg.Windows
	a.windows = window.New(
		window.WithWidth(wc.Width),
		window.WithMinFragments(wc.MinFragments),
		window.WithMaxFragments(wc.MaxFragments),
		window.WithMetrics(a.metrics),
	)
	a.insights = &insightSlot{}
	a.setInsight(a.cfg.Insight)

	subs := []window.Subscriber{a.advisor, a.insights}
	if a.journal != nil {
		subs = append(subs, a.journal)
	}
	a.meetings.windows = a.windows
	a.meetings.subs = subs
	a.meetings.forget = []Forgetter{a.advisor, a.insights}
}

// setInsight replaces the insight generator, or removes it when disabled.
func (a *App) setInsight(ic config.InsightConfig) {
	if !ic.Enabled {
		a.insights.gen.Store(nil)
		return
	}
	opts := []insight.Option{
		insight.WithMinInterval(ic.MinInterval),
		insight.WithProviderName(a.cfg.Providers.LLM.Name),
		insight.WithMetrics(a.metrics),
		insight.WithSuppress(a.muted),
	}
	if ic.Prompt != "" {
		opts = append(opts, insight.WithPrompt(ic.Prompt))
	}
	a.insights.gen.Store(insight.New(a.providers.LLM, a.senders, opts...))
}

func (a *App) muted(meetingID string) bool {
	st, ok := a.engine.Status(meetingID)
	return ok && st.Muted
}

// initServer creates the HTTP server, mounting MCP when enabled.
func (a *App) initServer() {
	checkers := append([]server.Checker{}, a.checkers...)
	if h, ok := a.providers.LLM.(healthReporter); ok {
		checkers = append(checkers, providerChecker("llm", h))
	}
	if h, ok := a.providers.TTS.(healthReporter); ok {
		checkers = append(checkers, providerChecker("tts", h))
	}

	opts := []server.Option{
		server.WithMetrics(a.metrics),
		server.WithToken(a.cfg.Server.WebhookToken),
		server.WithCheckers(checkers...),
	}
	if a.cfg.MCP.Enabled {
		opts = append(opts, server.WithMCP(a.cfg.MCP.Path, mcpctl.Handler(mcpctl.NewServer(a.meetings, a.version))))
		slog.Info("mcp control server mounted", "path", a.cfg.MCP.Path)
	}
	a.server = server.New(a.meetings, opts...)
}

func providerChecker(name string, h healthReporter) server.Checker {
	return server.Checker{Name: name, Check: func(context.Context) error {
		if !h.Healthy() {
			parts := make([]string, 0, 2)
			for _, st := range h.Status() {
				parts = append(parts, st.String())
			}
			return fmt.Errorf("%s: every circuit breaker is open: %s", name, strings.Join(parts, ", "))
		}
		return nil
	}}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the HTTP handler serving the webhook, control and health
// routes.
func (a *App) Handler() http.Handler { return a.server }

// Meetings returns the meeting manager.
func (a *App) Meetings() *MeetingManager { return a.meetings }

// Config returns the config currently in effect.
func (a *App) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and, when configured, the Discord bot. It blocks until ctx
// is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	cfg := a.Config()
	var certFile, keyFile string
	if cfg.Server.TLS != nil {
		certFile, keyFile = cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.server.ListenAndServe(gctx, cfg.Server.ListenAddr, certFile, keyFile)
	})
	if a.bot != nil {
		g.Go(func() error { return a.bot.Run(gctx) })
	}

	slog.Info("app running", "listen_addr", cfg.Server.ListenAddr, "discord", a.bot != nil)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("app: run: %w", err)
	}
	return ctx.Err()
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable differences between old and new. Changes
// that need a restart are logged and otherwise ignored.
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.SlogLevel())
		slog.Info("config reload: log level changed", "level", d.NewLogLevel)
	}
	if d.TuningChanged {
		a.engine.SetThresholds(new.Conversation.Tuning.Thresholds())
		a.engine.SetTuning(new.EngineTuning())
		slog.Info("config reload: turn-taking tuning updated")
	}
	if d.CooldownChanged {
		a.gate.SetCooldown(d.NewCooldown)
		slog.Info("config reload: cooldown changed", "cooldown", d.NewCooldown)
	}
	if d.WakeChanged {
		a.engine.SetDetector(wake.New(new.Conversation.WakeOptions()...))
		slog.Info("config reload: wake phrases updated")
	}
	if d.InsightChanged {
		a.setInsight(new.Insight)
		slog.Info("config reload: insight settings updated", "enabled", new.Insight.Enabled)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config reload: restart required for changed sections", "sections", d.RestartRequired)
	}

	a.mu.Lock()
	a.cfg = new
	a.mu.Unlock()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems. It respects the context deadline: if
// ctx expires before all closers finish, remaining closers are skipped and
// the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		closers := a.shutdownOrder()
		slog.Info("shutting down", "closers", len(closers))
		for i, closer := range closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// shutdownOrder stops inputs before outputs: the bot, the window timers,
// the engine and the speak gate, then the stores opened in New.
func (a *App) shutdownOrder() []func() error {
	var out []func() error
	if a.bot != nil {
		out = append(out, a.bot.Close)
	}
	if a.windows != nil {
		out = append(out, a.windows.Close)
	}
	if a.engine != nil {
		out = append(out, a.engine.Close)
	}
	if a.gate != nil {
		out = append(out, a.gate.Close)
	}
	return append(out, a.closers...)
}

// closeAll releases whatever New managed to open before failing.
func (a *App) closeAll() {
	for _, c := range a.shutdownOrder() {
		if err := c(); err != nil {
			slog.Warn("closer error", "err", err)
		}
	}
}

// ─── Insight slot ────────────────────────────────────────────────────────────

// insightSlot is the window subscriber in front of the current insight
// generator, so a reload can swap or disable it without resubscribing.
type insightSlot struct {
	gen atomic.Pointer[insight.Generator]
}

func (s *insightSlot) OnWindow(ctx context.Context, w window.Window) error {
	if g := s.gen.Load(); g != nil {
		return g.OnWindow(ctx, w)
	}
	return nil
}

func (s *insightSlot) Forget(meetingID string) {
	if g := s.gen.Load(); g != nil {
		g.Forget(meetingID)
	}
}
