package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/boardobserver/internal/conversation"
	"github.com/MrWong99/boardobserver/internal/observe"
)

// eventTranscriptData is the meeting-bot event carrying a caption fragment.
const eventTranscriptData = "transcript.data"

var (
	errNoMeeting = errors.New("meeting id missing")
	errNoEvent   = errors.New("unsupported event")
)

// transcriptEvent accepts both the meeting-bot webhook envelope and a flat
// fragment object.
type transcriptEvent struct {
	// Envelope form.
	Event string        `json:"event"`
	Data  *envelopeData `json:"data"`

	// Flat form.
	MeetingID string    `json:"meeting_id"`
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type envelopeData struct {
	Bot struct {
		ID string `json:"id"`
	} `json:"bot"`
	Data struct {
		Words []struct {
			Text           string `json:"text"`
			StartTimestamp *struct {
				Absolute time.Time `json:"absolute"`
			} `json:"start_timestamp"`
		} `json:"words"`
		Participant struct {
			ID   json.RawMessage `json:"id"`
			Name string          `json:"name"`
		} `json:"participant"`
	} `json:"data"`
}

// fragment extracts the meeting ID and fragment. defaultMeeting fills in a
// missing meeting ID (the WebSocket stream binds one per connection).
func (e transcriptEvent) fragment(defaultMeeting string) (string, conversation.Fragment, error) {
	if e.Event != "" || e.Data != nil {
		if e.Event != "" && e.Event != eventTranscriptData {
			return "", conversation.Fragment{}, fmt.Errorf("%w %q", errNoEvent, e.Event)
		}
		if e.Data == nil {
			return "", conversation.Fragment{}, fmt.Errorf("%w: data missing", errNoEvent)
		}
		d := e.Data
		id := d.Bot.ID
		if id == "" {
			id = defaultMeeting
		}
		if id == "" {
			return "", conversation.Fragment{}, errNoMeeting
		}
		words := make([]string, 0, len(d.Data.Words))
		var at time.Time
		for _, w := range d.Data.Words {
			if t := strings.TrimSpace(w.Text); t != "" {
				words = append(words, t)
			}
			if at.IsZero() && w.StartTimestamp != nil {
				at = w.StartTimestamp.Absolute
			}
		}
		speaker := d.Data.Participant.Name
		if speaker == "" {
			speaker = rawID(d.Data.Participant.ID)
		}
		return id, conversation.Fragment{Text: strings.Join(words, " "), Speaker: speaker, At: at}, nil
	}

	id := e.MeetingID
	if id == "" {
		id = defaultMeeting
	}
	if id == "" {
		return "", conversation.Fragment{}, errNoMeeting
	}
	return id, conversation.Fragment{Text: e.Text, Speaker: e.Speaker, At: e.Timestamp}, nil
}

// rawID renders a JSON string or number ID as text.
func rawID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}

type ingestResponse struct {
	MeetingID  string  `json:"meeting_id"`
	Kind       string  `json:"kind"`
	Reason     string  `json:"reason,omitempty"`
	Generation uint64  `json:"generation,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Question   string  `json:"question,omitempty"`
}

func newIngestResponse(meetingID string, res conversation.Result) ingestResponse {
	return ingestResponse{
		MeetingID:  meetingID,
		Kind:       res.Kind.String(),
		Reason:     res.Reason,
		Generation: res.Generation,
		Confidence: res.Confidence,
		Question:   res.Question,
	}
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var ev transcriptEvent
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	id, f, err := ev.fragment("")
	if errors.Is(err, errNoEvent) {
		// Other bot events are acknowledged so the sender does not retry.
		observe.Logger(r.Context()).Debug("webhook: ignoring event", "event", ev.Event)
		writeJSON(w, http.StatusAccepted, ingestResponse{Kind: conversation.Ignored.String(), Reason: "unsupported_event"})
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res := s.meetings.HandleFragment(r.Context(), id, f)
	writeJSON(w, http.StatusAccepted, newIngestResponse(id, res))
}

// handleStream accepts a WebSocket and feeds every received event to the
// engine, replying with the tagged result. The meeting_id query parameter
// binds events that do not name a meeting.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	meetingID := r.URL.Query().Get("meeting_id")
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		observe.Logger(r.Context()).Warn("ws: accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxBodyBytes)

	ctx := r.Context()
	log := observe.Logger(ctx).With("meeting_id", meetingID)
	log.Debug("ws: caption stream opened")

	if err := s.stream(ctx, conn, meetingID); err != nil {
		status := websocket.CloseStatus(err)
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
			log.Debug("ws: caption stream closed")
			return
		}
		log.Warn("ws: caption stream failed", "err", err)
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) stream(ctx context.Context, conn *websocket.Conn, meetingID string) error {
	for {
		var ev transcriptEvent
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			return err
		}
		id, f, err := ev.fragment(meetingID)
		var resp any
		if err != nil {
			resp = map[string]string{"error": err.Error()}
		} else {
			resp = newIngestResponse(id, s.meetings.HandleFragment(ctx, id, f))
		}
		if err := wsjson.Write(ctx, conn, resp); err != nil {
			return err
		}
	}
}
