package app

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/boardobserver/internal/conversation"
	"github.com/MrWong99/boardobserver/internal/discord"
	"github.com/MrWong99/boardobserver/internal/mcpctl"
	"github.com/MrWong99/boardobserver/internal/server"
	"github.com/MrWong99/boardobserver/internal/window"
)

// MeetingInfo describes a meeting the manager has seen captions for.
type MeetingInfo struct {
	MeetingID string

	// FirstSeen is when the first caption arrived.
	FirstSeen time.Time

	// Subscribers is the number of window subscribers attached.
	Subscribers int
}

// Forgetter drops per-meeting state when a meeting ends.
type Forgetter interface {
	Forget(meetingID string)
}

// MeetingManager fronts the turn-taking engine. Every caption is also fed to
// the window buffer; the first caption of a meeting attaches the configured
// window subscribers. All exported methods are safe for concurrent use.
type MeetingManager struct {
	engine  server.Meetings
	windows *window.Buffer
	subs    []window.Subscriber
	forget  []Forgetter
	now     func() time.Time

	mu       sync.Mutex
	meetings map[string]*meetingEntry
}

type meetingEntry struct {
	firstSeen time.Time
	subIDs    []uint64
}

var (
	_ server.Meetings    = (*MeetingManager)(nil)
	_ discord.Controller = (*MeetingManager)(nil)
	_ mcpctl.Controller  = (*MeetingManager)(nil)
)

// MeetingManagerConfig holds all dependencies for a [MeetingManager].
type MeetingManagerConfig struct {
	Engine  server.Meetings
	Windows *window.Buffer

	// Subscribers are attached to each meeting's window buffer.
	Subscribers []window.Subscriber

	// Forgetters are told when a meeting ends.
	Forgetters []Forgetter

	// Now replaces time.Now.
	Now func() time.Time
}

// NewMeetingManager creates a MeetingManager with the given dependencies.
func NewMeetingManager(cfg MeetingManagerConfig) *MeetingManager {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &MeetingManager{
		engine:   cfg.Engine,
		windows:  cfg.Windows,
		subs:     cfg.Subscribers,
		forget:   cfg.Forgetters,
		now:      now,
		meetings: make(map[string]*meetingEntry),
	}
}

// HandleFragment feeds f to the meeting's window and then to the engine.
func (mm *MeetingManager) HandleFragment(ctx context.Context, meetingID string, f conversation.Fragment) conversation.Result {
	if mm.windows != nil && strings.TrimSpace(f.Text) != "" {
		mm.attach(meetingID)
		mm.windows.Add(meetingID, window.Fragment{Speaker: f.Speaker, Text: f.Text, At: f.At})
	}
	return mm.engine.HandleFragment(ctx, meetingID, f)
}

// attach subscribes the window subscribers on a meeting's first caption.
func (mm *MeetingManager) attach(meetingID string) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if _, ok := mm.meetings[meetingID]; ok {
		return
	}
	e := &meetingEntry{firstSeen: mm.now()}
	for _, s := range mm.subs {
		e.subIDs = append(e.subIDs, mm.windows.Subscribe(meetingID, s))
	}
	mm.meetings[meetingID] = e
	slog.Info("meeting opened", "meeting_id", meetingID, "window_subscribers", len(e.subIDs))
}

// Mute silences the bot in a meeting.
func (mm *MeetingManager) Mute(ctx context.Context, meetingID string) bool {
	return mm.engine.Mute(ctx, meetingID)
}

// Unmute lifts a mute.
func (mm *MeetingManager) Unmute(ctx context.Context, meetingID string) bool {
	return mm.engine.Unmute(ctx, meetingID)
}

// ToggleMute flips the mute flag and returns the new state.
func (mm *MeetingManager) ToggleMute(ctx context.Context, meetingID string) bool {
	return mm.engine.ToggleMute(ctx, meetingID)
}

// DirectAsk answers question outside of turn taking.
func (mm *MeetingManager) DirectAsk(ctx context.Context, meetingID, question string, speakReply bool) (string, error) {
	return mm.engine.DirectAsk(ctx, meetingID, question, speakReply)
}

// Status reports a meeting's conversation state.
func (mm *MeetingManager) Status(meetingID string) (conversation.Status, bool) {
	return mm.engine.Status(meetingID)
}

// Meetings lists the meetings the engine tracks.
func (mm *MeetingManager) Meetings() []string { return mm.engine.Meetings() }

// Info returns what the manager knows about meetingID.
func (mm *MeetingManager) Info(meetingID string) (MeetingInfo, bool) {
	mm.mu.Lock()
	e, ok := mm.meetings[meetingID]
	mm.mu.Unlock()
	if !ok {
		return MeetingInfo{}, false
	}
	info := MeetingInfo{MeetingID: meetingID, FirstSeen: e.firstSeen}
	if mm.windows != nil {
		info.Subscribers = mm.windows.Subscribers(meetingID)
	}
	return info, true
}

// EndMeeting flushes the meeting's window, discards the engine state and
// tells every forgetter.
func (mm *MeetingManager) EndMeeting(ctx context.Context, meetingID string) {
	mm.mu.Lock()
	_, known := mm.meetings[meetingID]
	delete(mm.meetings, meetingID)
	mm.mu.Unlock()

	if mm.windows != nil {
		if err := mm.windows.EndMeeting(ctx, meetingID); err != nil {
			slog.Warn("meeting: final window delivery failed", "meeting_id", meetingID, "err", err)
		}
	}
	mm.engine.EndMeeting(ctx, meetingID)
	for _, f := range mm.forget {
		f.Forget(meetingID)
	}
	if known {
		slog.Info("meeting ended", "meeting_id", meetingID)
	}
}
