// Package conversation implements the real-time turn-taking engine of the
// meeting bot. It recognises when the bot is addressed, captures the
// speaker's utterance across fragmented caption events, decides when the
// speaker has finished, hands the question to an answering collaborator and
// routes the reply through the speak gate.
//
// Every meeting owns one [MeetingState] guarded by its own lock. Fragments of
// one meeting are processed strictly in arrival order under that lock;
// different meetings never contend. Waiting is expressed as cancelable
// single-shot timers stamped with the session generation, so a timer that
// fires after its session closed is a no-op.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/boardobserver/internal/clock"
	"github.com/MrWong99/boardobserver/internal/completion"
	"github.com/MrWong99/boardobserver/internal/observe"
	"github.com/MrWong99/boardobserver/internal/speak"
	"github.com/MrWong99/boardobserver/internal/statestore"
	"github.com/MrWong99/boardobserver/internal/wake"
)

const (
	// minQuestionRunes is the shortest residual text treated as a question.
	minQuestionRunes = 3

	flagTimeout = 2 * time.Second
)

var (
	// ErrAnswerInProgress is returned by DirectAsk while another answer for
	// the same meeting is outstanding.
	ErrAnswerInProgress = errors.New("conversation: answer already in progress")

	// ErrEmptyQuestion is returned by DirectAsk for blank questions.
	ErrEmptyQuestion = errors.New("conversation: empty question")

	errEmptyAnswer = errors.New("conversation: empty answer")
)

// Answerer is the answering collaborator.
type Answerer interface {
	Ask(ctx context.Context, meetingID, question string) (string, error)
}

// Output is the speak gate as used by the engine. [*speak.Gate] satisfies it.
type Output interface {
	Speak(ctx context.Context, req speak.Request) (speak.Result, error)
	QueueSpeak(req speak.Request)
	Clear(meetingID string)
	Restore(meetingID string, at time.Time)
}

var _ Output = (*speak.Gate)(nil)

// Exchange is one finalized question and the reply the bot gave.
type Exchange struct {
	MeetingID   string
	Generation  uint64
	Speaker     string
	Question    string
	Answer      string
	Outcome     string
	Direct      bool
	StartedAt   time.Time
	ConcludedAt time.Time
	AnsweredAt  time.Time
}

// ExchangeRecorder receives every finalized exchange, e.g. for a journal.
type ExchangeRecorder interface {
	RecordExchange(ctx context.Context, ex Exchange) error
}

// Tuning holds the engine's session and reply parameters.
type Tuning struct {
	// HardCeiling force-finalizes a session this long after it started.
	HardCeiling time.Duration

	// ContinuityWindow accepts fragments from another speaker label when
	// they arrive this soon after the last accepted fragment.
	ContinuityWindow time.Duration

	// AnswerTimeout bounds each call to the answering collaborator.
	AnswerTimeout time.Duration

	Acknowledgment string
	Apology        string

	// Busy is spoken when a session concludes while another answer for the
	// meeting is still in flight.
	Busy string

	AnswerPriority int
	AckPriority    int

	// AlsoSendText mirrors every spoken reply to the text channels.
	AlsoSendText bool
}

// DefaultTuning returns the default parameters.
func DefaultTuning() Tuning {
	return Tuning{
		HardCeiling:      30 * time.Second,
		ContinuityWindow: 3 * time.Second,
		AnswerTimeout:    20 * time.Second,
		Acknowledgment:   "I'm listening, go ahead.",
		Apology:          "Sorry, I couldn't come up with an answer just now. Please try asking again.",
		Busy:             "One moment, I'm still answering the previous question. Please ask again after that.",
		AnswerPriority:   10,
		AckPriority:      5,
		AlsoSendText:     true,
	}
}

func (t Tuning) withDefaults() Tuning {
	d := DefaultTuning()
	if t.HardCeiling <= 0 {
		t.HardCeiling = d.HardCeiling
	}
	if t.ContinuityWindow <= 0 {
		t.ContinuityWindow = d.ContinuityWindow
	}
	if t.AnswerTimeout <= 0 {
		t.AnswerTimeout = d.AnswerTimeout
	}
	if t.Acknowledgment == "" {
		t.Acknowledgment = d.Acknowledgment
	}
	if t.Apology == "" {
		t.Apology = d.Apology
	}
	if t.Busy == "" {
		t.Busy = d.Busy
	}
	return t
}

// Option configures an [Engine].
type Option func(*Engine)

// WithStore replaces the in-memory meeting state store.
func WithStore(s Store) Option { return func(e *Engine) { e.store = s } }

// WithDetector sets the wake-phrase detector. Default: wake.New().
func WithDetector(d *wake.Detector) Option { return func(e *Engine) { e.detector = d } }

// WithThresholds sets the completion analyzer thresholds.
func WithThresholds(th completion.Thresholds) Option {
	return func(e *Engine) { e.analyzer = completion.New(th) }
}

// WithTuning sets session and reply parameters. Zero fields take defaults.
func WithTuning(t Tuning) Option { return func(e *Engine) { e.tuning = t.withDefaults() } }

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option { return func(e *Engine) { e.clock = c } }

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithFlagStore persists mute flags and response times.
func WithFlagStore(s statestore.Store) Option { return func(e *Engine) { e.flags = s } }

// WithRecorder receives every finalized exchange.
func WithRecorder(r ExchangeRecorder) Option { return func(e *Engine) { e.recorder = r } }

// Engine is the turn-taking engine. All exported methods are safe for
// concurrent use. HandleFragment never blocks on collaborators.
type Engine struct {
	store    Store
	answerer Answerer
	out      Output
	clock    clock.Clock
	metrics  *observe.Metrics
	flags    statestore.Store
	recorder ExchangeRecorder

	cfgMu    sync.RWMutex
	detector *wake.Detector
	analyzer *completion.Analyzer
	tuning   Tuning

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	runMu    sync.Mutex
	stopping bool
}

// New creates an Engine that answers through answerer and speaks through out.
func New(answerer Answerer, out Output, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:    NewMemoryStore(),
		answerer: answerer,
		out:      out,
		clock:    clock.Real{},
		tuning:   DefaultTuning(),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, o := range opts {
		o(e)
	}
	if e.detector == nil {
		e.detector = wake.New()
	}
	if e.analyzer == nil {
		e.analyzer = completion.New(completion.DefaultThresholds())
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

// ── hot reload ──────────────────────────────────────────────────────────────

// SetTuning replaces the session and reply parameters for new timers.
func (e *Engine) SetTuning(t Tuning) {
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()
	e.tuning = t.withDefaults()
}

// SetThresholds replaces the completion thresholds.
func (e *Engine) SetThresholds(th completion.Thresholds) {
	a := completion.New(th)
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()
	e.analyzer = a
}

// SetDetector replaces the wake-phrase detector.
func (e *Engine) SetDetector(d *wake.Detector) {
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()
	e.detector = d
}

func (e *Engine) config() (Tuning, *completion.Analyzer, *wake.Detector) {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.tuning, e.analyzer, e.detector
}

// ── state access ────────────────────────────────────────────────────────────

// acquire returns the locked state for meetingID, creating and hydrating it
// on first reference. The caller must unlock st.mu.
func (e *Engine) acquire(ctx context.Context, meetingID string) *MeetingState {
	for {
		st, created := e.store.GetOrCreate(meetingID)
		if created {
			e.metrics.ActiveMeetings.Add(ctx, 1)
		}
		st.mu.Lock()
		if st.closed {
			// Torn down between lookup and lock; the store no longer holds it.
			st.mu.Unlock()
			continue
		}
		if !st.loaded {
			e.loadFlagsLocked(ctx, st)
			st.loaded = true
		}
		return st
	}
}

func (e *Engine) loadFlagsLocked(ctx context.Context, st *MeetingState) {
	if e.flags == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, flagTimeout)
	defer cancel()
	f, err := e.flags.Load(ctx, st.MeetingID)
	if err != nil {
		if !errors.Is(err, statestore.ErrNotFound) {
			slog.Warn("conversation: load meeting flags", "meeting_id", st.MeetingID, "err", err)
		}
		return
	}
	st.Muted = f.Muted
	st.LastResponseAt = f.LastResponseAt
	if !f.LastResponseAt.IsZero() {
		e.out.Restore(st.MeetingID, f.LastResponseAt)
	}
}

func (e *Engine) saveFlags(ctx context.Context, meetingID string, f statestore.Flags) {
	if e.flags == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flagTimeout)
	defer cancel()
	if err := e.flags.Save(ctx, meetingID, f); err != nil {
		slog.Warn("conversation: save meeting flags", "meeting_id", meetingID, "err", err)
	}
}

func flagsOf(st *MeetingState) statestore.Flags {
	return statestore.Flags{Muted: st.Muted, LastResponseAt: st.LastResponseAt}
}

// ── ingestion ───────────────────────────────────────────────────────────────

// HandleFragment processes one caption fragment for meetingID. Empty text
// and fragments without a speaker label are dropped.
func (e *Engine) HandleFragment(ctx context.Context, meetingID string, f Fragment) Result {
	f.Text = strings.TrimSpace(f.Text)
	f.Speaker = strings.TrimSpace(f.Speaker)
	var res Result
	switch {
	case meetingID == "" || f.Text == "":
		slog.Debug("conversation: dropping empty fragment", "meeting_id", meetingID)
		res = ignored(ReasonEmpty)
	case f.Speaker == "":
		slog.Debug("conversation: dropping fragment without speaker", "meeting_id", meetingID)
		res = ignored(ReasonUnknownSpeaker)
	default:
		now := e.clock.Now()
		if f.At.IsZero() {
			f.At = now
		}
		st := e.acquire(ctx, meetingID)
		res = e.handleLocked(ctx, st, f, now)
		st.mu.Unlock()
	}
	e.metrics.RecordFragment(ctx, fragmentOutcome(res))
	return res
}

func fragmentOutcome(r Result) string {
	if r.Kind == Ignored {
		return r.Reason
	}
	return r.Kind.String()
}

func (e *Engine) handleLocked(ctx context.Context, st *MeetingState, f Fragment, now time.Time) Result {
	if st.Muted {
		return ignored(ReasonMuted)
	}
	if st.Answering {
		return ignored(ReasonAnswering)
	}

	tuning, analyzer, detector := e.config()
	s := st.Session
	if s == nil {
		if !detector.Detect(f.Text) {
			return ignored(ReasonNoWakePhrase)
		}
		return e.startLocked(ctx, st, f, now, tuning, analyzer, detector)
	}

	if f.Speaker != s.PrimarySpeaker && detector.Detect(f.Text) {
		return e.startLocked(ctx, st, f, now, tuning, analyzer, detector)
	}

	if f.Speaker != s.PrimarySpeaker && now.Sub(s.LastFragmentAt) > tuning.ContinuityWindow {
		slog.Info("conversation: dropping fragment from other speaker",
			"meeting_id", st.MeetingID,
			"generation", s.Generation,
			"speaker", f.Speaker,
			"primary_speaker", s.PrimarySpeaker,
		)
		return ignored(ReasonOtherSpeaker)
	}

	s.Fragments = append(s.Fragments, f)
	s.LastFragmentAt = now
	as := e.rearmLocked(st, s, analyzer, detector)
	slog.Debug("conversation: fragment appended",
		"meeting_id", st.MeetingID,
		"generation", s.Generation,
		"confidence", as.Confidence,
		"wait", as.Wait,
	)
	return Result{
		Kind:       SessionAppended,
		Generation: s.Generation,
		Confidence: as.Confidence,
		Wait:       as.Wait,
	}
}

// startLocked opens a session, force-closing any active one first.
func (e *Engine) startLocked(ctx context.Context, st *MeetingState, f Fragment, now time.Time, tuning Tuning, analyzer *completion.Analyzer, detector *wake.Detector) Result {
	var superseded uint64
	if st.Session != nil {
		superseded = st.Session.Generation
		e.closeLocked(ctx, st, CloseSuperseded)
	}

	st.nextGen++
	s := &Session{
		Generation:     st.nextGen,
		PrimarySpeaker: f.Speaker,
		StartedAt:      now,
		LastFragmentAt: now,
		Fragments:      []Fragment{f},
	}
	st.Session = s

	gen := s.Generation
	s.ceiling = e.clock.AfterFunc(tuning.HardCeiling, func() { e.onCeiling(st, gen) })
	as := e.rearmLocked(st, s, analyzer, detector)

	e.metrics.SessionsStarted.Add(ctx, 1)
	slog.Info("conversation: session started",
		"meeting_id", st.MeetingID,
		"generation", gen,
		"speaker", f.Speaker,
		"superseded", superseded,
		"wait", as.Wait,
	)
	return Result{
		Kind:       SessionStarted,
		Generation: gen,
		Superseded: superseded,
		Confidence: as.Confidence,
		Wait:       as.Wait,
	}
}

// rearmLocked rescores the whole utterance and reschedules the
// reassessment timer.
func (e *Engine) rearmLocked(st *MeetingState, s *Session, analyzer *completion.Analyzer, detector *wake.Detector) completion.Assessment {
	as := assess(s, analyzer, detector)
	s.Confidence = as.Confidence
	s.rechecks = 0
	e.armCheckLocked(st, s, as.Wait)
	return as
}

// assess scores the utterance without its address cue. A session holding
// nothing but the cue scores as empty.
func assess(s *Session, analyzer *completion.Analyzer, detector *wake.Detector) completion.Assessment {
	stripped := detector.Strip(s.Text())
	if stripped.Bare {
		return analyzer.Assess(nil)
	}
	return analyzer.Assess([]string{stripped.Text})
}

func (e *Engine) armCheckLocked(st *MeetingState, s *Session, wait time.Duration) {
	if s.check != nil {
		s.check.Stop()
	}
	s.checkSeq++
	gen, seq := s.Generation, s.checkSeq
	s.check = e.clock.AfterFunc(wait, func() { e.onCheck(st, gen, seq) })
}

// closeLocked cancels the session's timers and clears it.
func (e *Engine) closeLocked(ctx context.Context, st *MeetingState, reason string) *Session {
	s := st.Session
	if s == nil {
		return nil
	}
	s.stopTimers()
	st.Session = nil
	e.metrics.RecordSessionClosed(ctx, reason)
	slog.Info("conversation: session closed",
		"meeting_id", st.MeetingID,
		"generation", s.Generation,
		"reason", reason,
		"fragments", len(s.Fragments),
	)
	return s
}

// ── timers ──────────────────────────────────────────────────────────────────

func (e *Engine) onCheck(st *MeetingState, gen, seq uint64) {
	st.mu.Lock()
	s := st.Session
	if st.closed || s == nil || s.Generation != gen || s.checkSeq != seq {
		st.mu.Unlock()
		return
	}
	s.check = nil

	_, analyzer, detector := e.config()
	as := assess(s, analyzer, detector)
	verdict, wait := analyzer.Recheck(as, e.clock.Now().Sub(s.LastFragmentAt), s.rechecks)
	if verdict == completion.Rearm {
		s.rechecks++
		e.armCheckLocked(st, s, wait)
		slog.Debug("conversation: not finished yet, waiting again",
			"meeting_id", st.MeetingID,
			"generation", gen,
			"recheck", s.rechecks,
			"wait", wait,
		)
		st.mu.Unlock()
		return
	}

	_, job := e.concludeLocked(e.ctx, st, CloseCompleted)
	st.mu.Unlock()
	e.run(job)
}

func (e *Engine) onCeiling(st *MeetingState, gen uint64) {
	st.mu.Lock()
	s := st.Session
	if st.closed || s == nil || s.Generation != gen {
		st.mu.Unlock()
		return
	}
	s.ceiling = nil
	slog.Warn("conversation: hard ceiling reached, finalizing",
		"meeting_id", st.MeetingID,
		"generation", gen,
		"confidence", s.Confidence,
	)
	_, job := e.concludeLocked(e.ctx, st, CloseCeiling)
	st.mu.Unlock()
	e.run(job)
}

// track registers one unit of background work with Close. It reports false
// once Close has started; the caller must then drop the work.
func (e *Engine) track() bool {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.stopping {
		return false
	}
	e.wg.Add(1)
	return true
}

// run executes a finalization job on the calling goroutine. Timer callbacks
// already run on their own goroutine. Panics are contained.
func (e *Engine) run(job func()) {
	if job == nil {
		return
	}
	if !e.track() {
		slog.Debug("conversation: engine closing, dropping finalization")
		return
	}
	defer e.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("conversation: finalization panicked", "panic", r)
		}
	}()
	job()
}

// ── finalization ────────────────────────────────────────────────────────────

// concludeLocked closes the active session and prepares the follow-up work.
// The returned job performs collaborator I/O and must run without st.mu held.
func (e *Engine) concludeLocked(ctx context.Context, st *MeetingState, reason string) (Result, func()) {
	s := e.closeLocked(ctx, st, reason)
	if s == nil {
		return ignored(ReasonNoSession), nil
	}
	tuning, _, detector := e.config()
	concludedAt := e.clock.Now()
	meetingID := st.MeetingID

	res := Result{
		Kind:       Concluded,
		Reason:     reason,
		Generation: s.Generation,
		Confidence: s.Confidence,
	}

	stripped := detector.Strip(s.Text())
	if stripped.Bare || len([]rune(strings.TrimSpace(stripped.Text))) < minQuestionRunes {
		e.metrics.RecordAnswer(ctx, "acknowledged", 0)
		return res, func() { e.acknowledge(st, tuning) }
	}

	res.Question = stripped.Text
	ex := Exchange{
		MeetingID:   meetingID,
		Generation:  s.Generation,
		Speaker:     s.PrimarySpeaker,
		Question:    stripped.Text,
		StartedAt:   s.StartedAt,
		ConcludedAt: concludedAt,
	}
	if st.Answering {
		slog.Info("conversation: answer already in flight, skipping question",
			"meeting_id", meetingID,
			"generation", s.Generation,
		)
		e.metrics.RecordAnswer(ctx, "skipped", 0)
		return res, func() { e.skip(ex, tuning) }
	}

	st.Answering = true
	res.Answered = true
	return res, func() { e.answer(st, ex, tuning) }
}

func (e *Engine) acknowledge(st *MeetingState, tuning Tuning) {
	ctx := e.ctx
	e.deliver(ctx, st.MeetingID, tuning.Acknowledgment, tuning.AckPriority, tuning.AlsoSendText)

	st.mu.Lock()
	st.LastResponseAt = e.clock.Now()
	f, closed := flagsOf(st), st.closed
	st.mu.Unlock()
	if !closed {
		e.saveFlags(ctx, st.MeetingID, f)
	}
}

// skip tells the speaker their question was not taken and journals it. The
// busy notice does not count as a response for the cooldown.
func (e *Engine) skip(ex Exchange, tuning Tuning) {
	ctx := e.ctx
	e.deliver(ctx, ex.MeetingID, tuning.Busy, tuning.AckPriority, tuning.AlsoSendText)
	ex.Outcome = "skipped"
	ex.Answer = tuning.Busy
	ex.AnsweredAt = e.clock.Now()
	e.record(ctx, ex)
}

func (e *Engine) answer(st *MeetingState, ex Exchange, tuning Tuning) {
	ctx, span := observe.StartMeetingSpan(e.ctx, "conversation.answer", ex.MeetingID,
		attribute.Int64("session.generation", int64(ex.Generation)))
	defer span.End()
	defer e.finishAnswer(ctx, st, true)

	log := observe.Logger(ctx).With("generation", ex.Generation)

	actx, cancel := context.WithTimeout(ctx, tuning.AnswerTimeout)
	start := e.clock.Now()
	reply, err := e.answerer.Ask(actx, ex.MeetingID, ex.Question)
	cancel()
	elapsed := e.clock.Now().Sub(start)

	ex.Outcome = "answered"
	if err == nil && strings.TrimSpace(reply) == "" {
		err = errEmptyAnswer
	}
	if err != nil {
		log.Warn("conversation: answering failed, sending apology", "err", err)
		reply = tuning.Apology
		ex.Outcome = "failed"
	}
	e.metrics.RecordAnswer(ctx, ex.Outcome, elapsed)

	e.deliver(ctx, ex.MeetingID, reply, tuning.AnswerPriority, tuning.AlsoSendText)
	ex.Answer = reply
	ex.AnsweredAt = e.clock.Now()
	e.record(ctx, ex)
}

// finishAnswer clears the in-flight guard and, when responded is set,
// records the response time.
func (e *Engine) finishAnswer(ctx context.Context, st *MeetingState, responded bool) {
	st.mu.Lock()
	st.Answering = false
	if responded {
		st.LastResponseAt = e.clock.Now()
	}
	f, closed := flagsOf(st), st.closed
	st.mu.Unlock()
	if responded && !closed {
		e.saveFlags(ctx, st.MeetingID, f)
	}
}

// deliver speaks text, falling back to the priority queue while the meeting
// is cooling down.
func (e *Engine) deliver(ctx context.Context, meetingID, text string, priority int, alsoText bool) {
	req := speak.Request{
		MeetingID:    meetingID,
		Text:         text,
		Priority:     priority,
		AlsoSendText: alsoText,
	}
	_, err := e.out.Speak(ctx, req)
	switch {
	case err == nil:
	case errors.Is(err, speak.ErrCooldown):
		slog.Debug("conversation: cooling down, queueing reply", "meeting_id", meetingID, "err", err)
		e.out.QueueSpeak(req)
	default:
		slog.Warn("conversation: reply not delivered", "meeting_id", meetingID, "err", err)
	}
}

func (e *Engine) record(ctx context.Context, ex Exchange) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.RecordExchange(context.WithoutCancel(ctx), ex); err != nil {
		slog.Warn("conversation: record exchange", "meeting_id", ex.MeetingID, "err", err)
	}
}

// ── commands ────────────────────────────────────────────────────────────────

// Mute silences the bot in meetingID and force-closes any active session.
// An answer already in flight is not retracted. Muting a muted meeting is a
// no-op; changed reports whether the state changed.
func (e *Engine) Mute(ctx context.Context, meetingID string) (changed bool) {
	st := e.acquire(ctx, meetingID)
	if st.Muted {
		st.mu.Unlock()
		return false
	}
	st.Muted = true
	e.closeLocked(ctx, st, CloseMuted)
	f := flagsOf(st)
	st.mu.Unlock()

	e.saveFlags(ctx, meetingID, f)
	slog.Info("conversation: muted", "meeting_id", meetingID)
	return true
}

// Unmute lets wake phrases start sessions again.
func (e *Engine) Unmute(ctx context.Context, meetingID string) (changed bool) {
	st := e.acquire(ctx, meetingID)
	if !st.Muted {
		st.mu.Unlock()
		return false
	}
	st.Muted = false
	f := flagsOf(st)
	st.mu.Unlock()

	e.saveFlags(ctx, meetingID, f)
	slog.Info("conversation: unmuted", "meeting_id", meetingID)
	return true
}

// ToggleMute flips the mute flag and returns the new value.
func (e *Engine) ToggleMute(ctx context.Context, meetingID string) (muted bool) {
	st := e.acquire(ctx, meetingID)
	muted = !st.Muted
	st.Muted = muted
	if muted {
		e.closeLocked(ctx, st, CloseMuted)
	}
	f := flagsOf(st)
	st.mu.Unlock()

	e.saveFlags(ctx, meetingID, f)
	slog.Info("conversation: mute toggled", "meeting_id", meetingID, "muted", muted)
	return muted
}

// DirectAsk hands question straight to the answering collaborator without
// wake-phrase gating. It honours the one-answer-at-a-time guard and returns
// [ErrAnswerInProgress] when another answer is outstanding. When speakReply
// is set and the meeting is not muted, the reply (or the apology on failure)
// goes through the speak gate.
func (e *Engine) DirectAsk(ctx context.Context, meetingID, question string, speakReply bool) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", ErrEmptyQuestion
	}

	st := e.acquire(ctx, meetingID)
	if st.Answering {
		st.mu.Unlock()
		return "", ErrAnswerInProgress
	}
	st.Answering = true
	speakIt := speakReply && !st.Muted
	st.mu.Unlock()

	ctx, span := observe.StartMeetingSpan(ctx, "conversation.direct_ask", meetingID)
	defer span.End()
	defer e.finishAnswer(ctx, st, speakIt)

	tuning, _, _ := e.config()
	ex := Exchange{MeetingID: meetingID, Question: question, Direct: true, StartedAt: e.clock.Now()}

	actx, cancel := context.WithTimeout(ctx, tuning.AnswerTimeout)
	reply, err := e.answerer.Ask(actx, meetingID, question)
	cancel()
	elapsed := e.clock.Now().Sub(ex.StartedAt)
	if err == nil && strings.TrimSpace(reply) == "" {
		err = errEmptyAnswer
	}
	if err != nil {
		e.metrics.RecordAnswer(ctx, "failed", elapsed)
		observe.Logger(ctx).Warn("conversation: direct ask failed", "err", err)
		if speakIt {
			e.deliver(ctx, meetingID, tuning.Apology, tuning.AnswerPriority, tuning.AlsoSendText)
		}
		ex.Outcome, ex.Answer = "failed", tuning.Apology
		ex.AnsweredAt = e.clock.Now()
		e.record(ctx, ex)
		return "", fmt.Errorf("conversation: direct ask: %w", err)
	}

	e.metrics.RecordAnswer(ctx, "answered", elapsed)
	if speakIt {
		e.deliver(ctx, meetingID, reply, tuning.AnswerPriority, tuning.AlsoSendText)
	}
	ex.Outcome, ex.Answer = "answered", reply
	ex.AnsweredAt = e.clock.Now()
	e.record(ctx, ex)
	return reply, nil
}

// Flush finalizes the active session of meetingID immediately, regardless
// of confidence. Follow-up work runs in the background.
func (e *Engine) Flush(ctx context.Context, meetingID string) Result {
	st, ok := e.store.Get(meetingID)
	if !ok {
		return ignored(ReasonNoSession)
	}
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return ignored(ReasonClosed)
	}
	res, job := e.concludeLocked(ctx, st, CloseFlushed)
	st.mu.Unlock()
	if job != nil {
		go e.run(job)
	}
	return res
}

// EndMeeting tears down all state of meetingID: timers are canceled, the
// active session is dropped, the speak queue and cooldown are cleared and
// persisted flags are deleted.
func (e *Engine) EndMeeting(ctx context.Context, meetingID string) {
	if st, ok := e.store.Delete(meetingID); ok {
		st.mu.Lock()
		st.closed = true
		e.closeLocked(ctx, st, CloseCleanup)
		st.mu.Unlock()
		e.metrics.ActiveMeetings.Add(ctx, -1)
	}
	e.out.Clear(meetingID)
	if e.flags != nil {
		if err := e.flags.Delete(ctx, meetingID); err != nil {
			slog.Warn("conversation: delete meeting flags", "meeting_id", meetingID, "err", err)
		}
	}
	slog.Info("conversation: meeting ended", "meeting_id", meetingID)
}

// Meetings returns the IDs of meetings with live state.
func (e *Engine) Meetings() []string { return e.store.IDs() }

// SessionStatus is a snapshot of an active session.
type SessionStatus struct {
	Generation     uint64    `json:"generation"`
	PrimarySpeaker string    `json:"primary_speaker"`
	StartedAt      time.Time `json:"started_at"`
	LastFragmentAt time.Time `json:"last_fragment_at"`
	Fragments      int       `json:"fragments"`
	Confidence     float64   `json:"confidence"`
	Text           string    `json:"text"`
}

// Status is a snapshot of a meeting's conversation state.
type Status struct {
	MeetingID      string         `json:"meeting_id"`
	Muted          bool           `json:"muted"`
	Answering      bool           `json:"answering"`
	LastResponseAt time.Time      `json:"last_response_at,omitzero"`
	Session        *SessionStatus `json:"session,omitempty"`
}

// Status returns a snapshot of meetingID's state.
func (e *Engine) Status(meetingID string) (Status, bool) {
	st, ok := e.store.Get(meetingID)
	if !ok {
		return Status{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return Status{}, false
	}
	out := Status{
		MeetingID:      st.MeetingID,
		Muted:          st.Muted,
		Answering:      st.Answering,
		LastResponseAt: st.LastResponseAt,
	}
	if s := st.Session; s != nil {
		out.Session = &SessionStatus{
			Generation:     s.Generation,
			PrimarySpeaker: s.PrimarySpeaker,
			StartedAt:      s.StartedAt,
			LastFragmentAt: s.LastFragmentAt,
			Fragments:      len(s.Fragments),
			Confidence:     s.Confidence,
			Text:           s.Text(),
		}
	}
	return out, true
}

// Close cancels every session timer and waits for in-flight finalization
// work. Safe to call more than once.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.runMu.Lock()
		e.stopping = true
		e.runMu.Unlock()
		e.cancel()
		for _, id := range e.store.IDs() {
			st, ok := e.store.Get(id)
			if !ok {
				continue
			}
			st.mu.Lock()
			e.closeLocked(context.Background(), st, CloseCleanup)
			st.mu.Unlock()
		}
		e.wg.Wait()
	})
	return nil
}
