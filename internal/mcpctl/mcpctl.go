// Package mcpctl exposes the meeting controls as Model Context Protocol
// tools, so an MCP client can mute the bot, ask it a question or read a
// meeting's status.
package mcpctl

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/boardobserver/internal/conversation"
	"github.com/MrWong99/boardobserver/internal/observe"
)

// askTimeout bounds one ask tool call.
const askTimeout = 45 * time.Second

var errNoMeeting = errors.New("mcpctl: meeting_id is required")

// Controller is the subset of the conversation engine the tools drive.
type Controller interface {
	Mute(ctx context.Context, meetingID string) bool
	Unmute(ctx context.Context, meetingID string) bool
	ToggleMute(ctx context.Context, meetingID string) bool
	DirectAsk(ctx context.Context, meetingID, question string, speakReply bool) (string, error)
	Status(meetingID string) (conversation.Status, bool)
	Meetings() []string
}

var _ Controller = (*conversation.Engine)(nil)

// ── Tool inputs and outputs ──────────────────────────────────────────────────

type meetingInput struct {
	MeetingID string `json:"meeting_id" jsonschema:"ID of the meeting (bot) to act on"`
}

type askInput struct {
	MeetingID string `json:"meeting_id" jsonschema:"ID of the meeting (bot) to ask in"`
	Question  string `json:"question" jsonschema:"the question to answer"`
	Speak     bool   `json:"speak,omitempty" jsonschema:"also speak the answer into the meeting"`
}

type muteOutput struct {
	MeetingID string `json:"meeting_id"`
	Muted     bool   `json:"muted"`
	Changed   bool   `json:"changed"`
}

type askOutput struct {
	MeetingID string `json:"meeting_id"`
	Answer    string `json:"answer"`
}

type sessionOutput struct {
	Generation     uint64  `json:"generation"`
	PrimarySpeaker string  `json:"primary_speaker"`
	AgeSeconds     float64 `json:"age_seconds"`
	Fragments      int     `json:"fragments"`
	Confidence     float64 `json:"confidence"`
	Text           string  `json:"text"`
}

type statusOutput struct {
	MeetingID string `json:"meeting_id"`
	Known     bool   `json:"known"`
	Muted     bool   `json:"muted"`
	Answering bool   `json:"answering"`
	// LastResponseAt is RFC 3339, empty when the bot has not spoken yet.
	LastResponseAt string         `json:"last_response_at"`
	Session        *sessionOutput `json:"session,omitempty"`
}

type listOutput struct {
	Meetings []string `json:"meetings"`
}

// ── Server ───────────────────────────────────────────────────────────────────

// tools binds the handlers to a controller.
type tools struct {
	ctrl Controller
	now  func() time.Time
}

// NewServer returns an MCP server with the meeting control tools registered.
func NewServer(ctrl Controller, version string) *mcpsdk.Server {
	t := &tools{ctrl: ctrl, now: time.Now}
	srv := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "boardobserver", Version: version}, nil)

	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        "mute",
		Description: "Stop the bot from responding to wake phrases in a meeting. Direct asks still work.",
	}, t.mute)
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        "unmute",
		Description: "Let the bot respond to wake phrases in a meeting again.",
	}, t.unmute)
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        "toggle_mute",
		Description: "Flip the mute flag of a meeting and report the new state.",
	}, t.toggle)
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        "ask",
		Description: "Ask the bot a question in the context of a meeting and return its answer.",
	}, t.ask)
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        "status",
		Description: "Report whether a meeting is muted, answering, or capturing a question.",
	}, t.status)
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        "list_meetings",
		Description: "List the meetings the bot currently tracks.",
	}, t.list)
	return srv
}

// Handler serves srv over the streamable HTTP transport.
func Handler(srv *mcpsdk.Server) http.Handler {
	return mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server { return srv }, nil)
}

func meetingID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", errNoMeeting
	}
	return id, nil
}

func (t *tools) mute(ctx context.Context, _ *mcpsdk.CallToolRequest, in meetingInput) (*mcpsdk.CallToolResult, muteOutput, error) {
	id, err := meetingID(in.MeetingID)
	if err != nil {
		return nil, muteOutput{}, err
	}
	changed := t.ctrl.Mute(ctx, id)
	observe.Logger(ctx).Info("mcp: mute", "meeting_id", id, "changed", changed)
	return nil, muteOutput{MeetingID: id, Muted: true, Changed: changed}, nil
}

func (t *tools) unmute(ctx context.Context, _ *mcpsdk.CallToolRequest, in meetingInput) (*mcpsdk.CallToolResult, muteOutput, error) {
	id, err := meetingID(in.MeetingID)
	if err != nil {
		return nil, muteOutput{}, err
	}
	changed := t.ctrl.Unmute(ctx, id)
	observe.Logger(ctx).Info("mcp: unmute", "meeting_id", id, "changed", changed)
	return nil, muteOutput{MeetingID: id, Muted: false, Changed: changed}, nil
}

func (t *tools) toggle(ctx context.Context, _ *mcpsdk.CallToolRequest, in meetingInput) (*mcpsdk.CallToolResult, muteOutput, error) {
	id, err := meetingID(in.MeetingID)
	if err != nil {
		return nil, muteOutput{}, err
	}
	muted := t.ctrl.ToggleMute(ctx, id)
	return nil, muteOutput{MeetingID: id, Muted: muted, Changed: true}, nil
}

func (t *tools) ask(ctx context.Context, _ *mcpsdk.CallToolRequest, in askInput) (*mcpsdk.CallToolResult, askOutput, error) {
	id, err := meetingID(in.MeetingID)
	if err != nil {
		return nil, askOutput{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, askTimeout)
	defer cancel()
	answer, err := t.ctrl.DirectAsk(ctx, id, in.Question, in.Speak)
	if err != nil {
		return nil, askOutput{}, err
	}
	return nil, askOutput{MeetingID: id, Answer: answer}, nil
}

func (t *tools) status(_ context.Context, _ *mcpsdk.CallToolRequest, in meetingInput) (*mcpsdk.CallToolResult, statusOutput, error) {
	id, err := meetingID(in.MeetingID)
	if err != nil {
		return nil, statusOutput{}, err
	}
	st, ok := t.ctrl.Status(id)
	out := statusOutput{MeetingID: id, Known: ok}
	if !ok {
		return nil, out, nil
	}
	out.Muted = st.Muted
	out.Answering = st.Answering
	if !st.LastResponseAt.IsZero() {
		out.LastResponseAt = st.LastResponseAt.UTC().Format(time.RFC3339)
	}
	if s := st.Session; s != nil {
		out.Session = &sessionOutput{
			Generation:     s.Generation,
			PrimarySpeaker: s.PrimarySpeaker,
			AgeSeconds:     t.now().Sub(s.StartedAt).Seconds(),
			Fragments:      s.Fragments,
			Confidence:     s.Confidence,
			Text:           s.Text,
		}
	}
	return nil, out, nil
}

func (t *tools) list(_ context.Context, _ *mcpsdk.CallToolRequest, _ struct{}) (*mcpsdk.CallToolResult, listOutput, error) {
	ids := slices.Sorted(slices.Values(t.ctrl.Meetings()))
	if ids == nil {
		ids = []string{}
	}
	return nil, listOutput{Meetings: ids}, nil
}
