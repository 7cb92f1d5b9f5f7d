package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/MrWong99/boardobserver/internal/conversation"
	"github.com/MrWong99/boardobserver/internal/observe"
)

type muteResponse struct {
	MeetingID string `json:"meeting_id"`
	Muted     bool   `json:"muted"`
	Changed   bool   `json:"changed"`
}

type askRequest struct {
	Question string `json:"question"`
	Speak    bool   `json:"speak"`
}

type askResponse struct {
	MeetingID string `json:"meeting_id"`
	Answer    string `json:"answer"`
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	ids := slices.Sorted(slices.Values(s.meetings.Meetings()))
	writeJSON(w, http.StatusOK, map[string][]string{"meetings": ids})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, ok := s.meetings.Status(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown meeting")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	s.meetings.EndMeeting(r.Context(), r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMute(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	changed := s.meetings.Mute(r.Context(), id)
	writeJSON(w, http.StatusOK, muteResponse{MeetingID: id, Muted: true, Changed: changed})
}

func (s *Server) handleUnmute(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	changed := s.meetings.Unmute(r.Context(), id)
	writeJSON(w, http.StatusOK, muteResponse{MeetingID: id, Muted: false, Changed: changed})
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	muted := s.meetings.ToggleMute(r.Context(), id)
	writeJSON(w, http.StatusOK, muteResponse{MeetingID: id, Muted: muted, Changed: true})
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req askRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, http.StatusBadRequest, conversation.ErrEmptyQuestion.Error())
		return
	}

	answer, err := s.meetings.DirectAsk(r.Context(), id, req.Question, req.Speak)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, askResponse{MeetingID: id, Answer: answer})
	case errors.Is(err, conversation.ErrEmptyQuestion):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, conversation.ErrAnswerInProgress):
		writeError(w, http.StatusConflict, err.Error())
	default:
		observe.Logger(r.Context()).Warn("ask failed", "meeting_id", id, "err", err)
		writeError(w, http.StatusBadGateway, "answer failed")
	}
}
