package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/boardobserver/internal/conversation"
)

type fragmentCall struct {
	MeetingID string
	Fragment  conversation.Fragment
}

type fakeMeetings struct {
	mu        sync.Mutex
	fragments []fragmentCall
	muted     map[string]bool
	ended     []string
	askAnswer string
	askErr    error
	asked     []string
	result    conversation.Result
}

func newFakeMeetings() *fakeMeetings {
	return &fakeMeetings{muted: make(map[string]bool)}
}

func (f *fakeMeetings) HandleFragment(_ context.Context, id string, fr conversation.Fragment) conversation.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fragments = append(f.fragments, fragmentCall{MeetingID: id, Fragment: fr})
	return f.result
}

func (f *fakeMeetings) Mute(_ context.Context, id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	changed := !f.muted[id]
	f.muted[id] = true
	return changed
}

func (f *fakeMeetings) Unmute(_ context.Context, id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	changed := f.muted[id]
	f.muted[id] = false
	return changed
}

func (f *fakeMeetings) ToggleMute(_ context.Context, id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.muted[id] = !f.muted[id]
	return f.muted[id]
}

func (f *fakeMeetings) DirectAsk(_ context.Context, id, q string, _ bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.asked = append(f.asked, id+":"+q)
	return f.askAnswer, f.askErr
}

func (f *fakeMeetings) Status(id string) (conversation.Status, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id == "unknown" {
		return conversation.Status{}, false
	}
	return conversation.Status{MeetingID: id, Muted: f.muted[id]}, true
}

func (f *fakeMeetings) EndMeeting(_ context.Context, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, id)
}

func (f *fakeMeetings) Meetings() []string { return []string{"b", "a"} }

func (f *fakeMeetings) calls() []fragmentCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fragmentCall(nil), f.fragments...)
}

func newTestServer(m *fakeMeetings, opts ...Option) *Server {
	opts = append([]Option{WithMetricsHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# metrics\n"))
	}))}, opts...)
	return New(m, opts...)
}

func do(t *testing.T, h http.Handler, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return v
}

// ── Webhook ──────────────────────────────────────────────────────────────────

func TestWebhook_Envelope(t *testing.T) {
	t.Parallel()
	m := newFakeMeetings()
	m.result = conversation.Result{Kind: conversation.SessionStarted, Generation: 3, Confidence: 0.2}
	s := newTestServer(m)

	body := `{
	  "event": "transcript.data",
	  "data": {
	    "bot": {"id": "bot-1"},
	    "data": {
	      "words": [
	        {"text": "hey", "start_timestamp": {"absolute": "2026-01-02T15:04:05Z"}},
	        {"text": " observer "},
	        {"text": ""}
	      ],
	      "participant": {"id": 100, "name": "Dana"}
	    }
	  }
	}`
	rec := do(t, s, http.MethodPost, "/webhooks/transcript", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (body %s)", rec.Code, rec.Body)
	}
	resp := decode[ingestResponse](t, rec)
	if resp.Kind != "session_started" || resp.Generation != 3 || resp.MeetingID != "bot-1" {
		t.Errorf("unexpected response %+v", resp)
	}

	calls := m.calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 fragment, got %d", len(calls))
	}
	got := calls[0]
	if got.MeetingID != "bot-1" || got.Fragment.Text != "hey observer" || got.Fragment.Speaker != "Dana" {
		t.Errorf("unexpected fragment %+v", got)
	}
	want := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)
	if !got.Fragment.At.Equal(want) {
		t.Errorf("At = %v, want %v", got.Fragment.At, want)
	}
}

func TestWebhook_EnvelopeParticipantIDFallback(t *testing.T) {
	t.Parallel()
	m := newFakeMeetings()
	s := newTestServer(m)

	body := `{"event":"transcript.data","data":{"bot":{"id":"b"},"data":{"words":[{"text":"hi"}],"participant":{"id":42}}}}`
	if rec := do(t, s, http.MethodPost, "/webhooks/transcript", body); rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if got := m.calls()[0].Fragment.Speaker; got != "42" {
		t.Errorf("speaker = %q, want %q", got, "42")
	}
}

func TestWebhook_Flat(t *testing.T) {
	t.Parallel()
	m := newFakeMeetings()
	s := newTestServer(m)

	body := `{"meeting_id":"m1","speaker":"Sam","text":"what is the budget?"}`
	rec := do(t, s, http.MethodPost, "/webhooks/transcript", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	resp := decode[ingestResponse](t, rec)
	if resp.Kind != "ignored" {
		t.Errorf("kind = %q, want ignored", resp.Kind)
	}
	calls := m.calls()
	if len(calls) != 1 || calls[0].MeetingID != "m1" || calls[0].Fragment.Speaker != "Sam" {
		t.Errorf("unexpected calls %+v", calls)
	}
	if !calls[0].Fragment.At.IsZero() {
		t.Errorf("expected zero timestamp, got %v", calls[0].Fragment.At)
	}
}

func TestWebhook_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"invalid json", `{`, http.StatusBadRequest},
		{"flat without meeting", `{"speaker":"a","text":"b"}`, http.StatusBadRequest},
		{"envelope without bot", `{"event":"transcript.data","data":{"data":{"words":[{"text":"x"}]}}}`, http.StatusBadRequest},
		{"other event", `{"event":"bot.status_change","data":{"bot":{"id":"b"}}}`, http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := newFakeMeetings()
			rec := do(t, newTestServer(m), http.MethodPost, "/webhooks/transcript", tt.body)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if len(m.calls()) != 0 {
				t.Errorf("expected no fragments, got %d", len(m.calls()))
			}
		})
	}
}

// ── Auth ─────────────────────────────────────────────────────────────────────

func TestAuth(t *testing.T) {
	t.Parallel()
	m := newFakeMeetings()
	s := newTestServer(m, WithToken("secret"))
	body := `{"meeting_id":"m1","speaker":"a","text":"b"}`

	if rec := do(t, s, http.MethodPost, "/webhooks/transcript", body); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", rec.Code)
	}
	if rec := do(t, s, http.MethodPost, "/webhooks/transcript", body, "Authorization", "Bearer wrong"); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want 401", rec.Code)
	}
	if rec := do(t, s, http.MethodPost, "/webhooks/transcript", body, "Authorization", "Bearer secret"); rec.Code != http.StatusAccepted {
		t.Errorf("bearer token: status = %d, want 202", rec.Code)
	}
	if rec := do(t, s, http.MethodPost, "/meetings/m1/mute?token=secret", ""); rec.Code != http.StatusOK {
		t.Errorf("query token: status = %d, want 200", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Errorf("healthz must not require a token, got %d", rec.Code)
	}
}

// ── Control routes ───────────────────────────────────────────────────────────

func TestControl_MuteCycle(t *testing.T) {
	t.Parallel()
	m := newFakeMeetings()
	s := newTestServer(m)

	steps := []struct {
		path        string
		wantMuted   bool
		wantChanged bool
	}{
		{"/meetings/m1/mute", true, true},
		{"/meetings/m1/mute", true, false},
		{"/meetings/m1/unmute", false, true},
		{"/meetings/m1/toggle-mute", true, true},
		{"/meetings/m1/toggle-mute", false, true},
	}
	for _, st := range steps {
		rec := do(t, s, http.MethodPost, st.path, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d, want 200", st.path, rec.Code)
		}
		resp := decode[muteResponse](t, rec)
		if resp.Muted != st.wantMuted || resp.Changed != st.wantChanged {
			t.Errorf("%s: got %+v, want muted=%v changed=%v", st.path, resp, st.wantMuted, st.wantChanged)
		}
	}
}

func TestControl_Ask(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		body       string
		answer     string
		err        error
		wantStatus int
	}{
		{"ok", `{"question":"what's next?","speak":true}`, "Item four.", nil, http.StatusOK},
		{"blank", `{"question":"  "}`, "", nil, http.StatusBadRequest},
		{"bad json", `nope`, "", nil, http.StatusBadRequest},
		{"busy", `{"question":"q"}`, "", conversation.ErrAnswerInProgress, http.StatusConflict},
		{"upstream", `{"question":"q"}`, "", errors.New("llm down"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := newFakeMeetings()
			m.askAnswer, m.askErr = tt.answer, tt.err
			rec := do(t, newTestServer(m), http.MethodPost, "/meetings/m1/ask", tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body)
			}
			if tt.wantStatus == http.StatusOK {
				resp := decode[askResponse](t, rec)
				if resp.Answer != tt.answer {
					t.Errorf("answer = %q, want %q", resp.Answer, tt.answer)
				}
			}
		})
	}
}

func TestControl_StatusListEnd(t *testing.T) {
	t.Parallel()
	m := newFakeMeetings()
	s := newTestServer(m)

	rec := do(t, s, http.MethodGet, "/meetings/m1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status route: %d", rec.Code)
	}
	if st := decode[conversation.Status](t, rec); st.MeetingID != "m1" {
		t.Errorf("status meeting = %q", st.MeetingID)
	}

	if rec := do(t, s, http.MethodGet, "/meetings/unknown", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown meeting: status = %d, want 404", rec.Code)
	}

	rec = do(t, s, http.MethodGet, "/meetings", "")
	list := decode[map[string][]string](t, rec)
	if got := list["meetings"]; len(got) != 2 || got[0] != "a" {
		t.Errorf("meetings = %v, want sorted [a b]", got)
	}

	if rec := do(t, s, http.MethodDelete, "/meetings/m1", ""); rec.Code != http.StatusNoContent {
		t.Errorf("delete: status = %d, want 204", rec.Code)
	}
	if len(m.ended) != 1 || m.ended[0] != "m1" {
		t.Errorf("ended = %v", m.ended)
	}
}

func TestControl_MethodNotAllowed(t *testing.T) {
	t.Parallel()
	rec := do(t, newTestServer(newFakeMeetings()), http.MethodGet, "/meetings/m1/mute", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

// ── Health, metrics, MCP ─────────────────────────────────────────────────────

func TestReadyz(t *testing.T) {
	t.Parallel()
	ok := Checker{Name: "store", Check: func(context.Context) error { return nil }}
	bad := Checker{Name: "llm", Check: func(context.Context) error { return errors.New("circuit open") }}

	rec := do(t, newTestServer(newFakeMeetings(), WithCheckers(ok)), http.MethodGet, "/readyz", "")
	if rec.Code != http.StatusOK {
		t.Errorf("all ok: status = %d, want 200", rec.Code)
	}

	rec = do(t, newTestServer(newFakeMeetings(), WithCheckers(ok, bad)), http.MethodGet, "/readyz", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("failing check: status = %d, want 503", rec.Code)
	}
	res := decode[healthResult](t, rec)
	if res.Status != "fail" || res.Checks["store"] != "ok" || !strings.Contains(res.Checks["llm"], "circuit open") {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	rec := do(t, newTestServer(newFakeMeetings()), http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestMetricsAndMCPMounted(t *testing.T) {
	t.Parallel()
	mcp := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) })
	s := newTestServer(newFakeMeetings(), WithMCP("/mcp", mcp))

	if rec := do(t, s, http.MethodGet, "/metrics", ""); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "# metrics") {
		t.Errorf("metrics: status %d body %q", rec.Code, rec.Body)
	}
	if rec := do(t, s, http.MethodPost, "/mcp", "{}"); rec.Code != http.StatusTeapot {
		t.Errorf("mcp: status = %d, want 418", rec.Code)
	}
}

// ── WebSocket ────────────────────────────────────────────────────────────────

func TestStream(t *testing.T) {
	t.Parallel()
	m := newFakeMeetings()
	m.result = conversation.Result{Kind: conversation.SessionAppended, Generation: 1}
	ts := httptest.NewServer(newTestServer(m))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/transcript?meeting_id=room"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	if err := wsjson.Write(ctx, conn, map[string]string{"speaker": "Lee", "text": "and the forecast"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var resp ingestResponse
	if err := wsjson.Read(ctx, conn, &resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp.MeetingID != "room" || resp.Kind != "session_appended" {
		t.Errorf("unexpected response %+v", resp)
	}

	// Explicit meeting IDs win over the connection default.
	if err := wsjson.Write(ctx, conn, map[string]string{"meeting_id": "other", "speaker": "Lee", "text": "x"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := wsjson.Read(ctx, conn, &resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp.MeetingID != "other" {
		t.Errorf("meeting = %q, want other", resp.MeetingID)
	}

	// Unsupported events get an error frame and the stream stays open.
	if err := wsjson.Write(ctx, conn, map[string]string{"event": "bot.joined"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var errFrame map[string]string
	if err := wsjson.Read(ctx, conn, &errFrame); err != nil {
		t.Fatalf("read: %v", err)
	}
	if errFrame["error"] == "" {
		t.Errorf("expected error frame, got %v", errFrame)
	}

	conn.Close(websocket.StatusNormalClosure, "")

	calls := m.calls()
	if len(calls) != 2 || calls[0].MeetingID != "room" || calls[0].Fragment.Speaker != "Lee" {
		t.Errorf("unexpected calls %+v", calls)
	}
}
