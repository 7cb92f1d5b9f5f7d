package conversation

import (
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/boardobserver/internal/clock"
)

// Fragment is one immutable caption event.
type Fragment struct {
	Text    string
	Speaker string
	At      time.Time
}

// Session is a listening session: the capture of one speaker's utterance
// from the wake phrase to the finalized question. At most one is active per
// meeting.
type Session struct {
	// Generation identifies the session within its meeting. Timers carry the
	// generation they were armed for and do nothing when it no longer matches.
	Generation uint64

	PrimarySpeaker string
	StartedAt      time.Time
	LastFragmentAt time.Time
	Fragments      []Fragment
	Confidence     float64

	// checkSeq is bumped every time the reassessment timer is re-armed so
	// that a callback already waiting on the meeting lock can tell it is stale.
	checkSeq uint64
	rechecks int
	check    clock.Timer
	ceiling  clock.Timer
}

// Texts returns the fragment texts in arrival order.
func (s *Session) Texts() []string {
	out := make([]string, len(s.Fragments))
	for i, f := range s.Fragments {
		out[i] = f.Text
	}
	return out
}

// Text joins all fragments with single spaces.
func (s *Session) Text() string {
	return strings.Join(s.Texts(), " ")
}

func (s *Session) stopTimers() {
	if s.check != nil {
		s.check.Stop()
		s.check = nil
	}
	if s.ceiling != nil {
		s.ceiling.Stop()
		s.ceiling = nil
	}
}

// MeetingState is the per-meeting conversation state. Its fields are guarded
// by its own lock; the engine holds that lock for the whole of every
// mutation, which serialises fragment processing within one meeting.
type MeetingState struct {
	MeetingID      string
	Muted          bool
	LastResponseAt time.Time
	Answering      bool
	Session        *Session

	mu      sync.Mutex
	nextGen uint64
	closed  bool
	loaded  bool
}

// NewMeetingState returns an empty state for meetingID.
func NewMeetingState(meetingID string) *MeetingState {
	return &MeetingState{MeetingID: meetingID}
}

// Store is the process-wide mapping from meeting ID to [MeetingState].
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the state for meetingID if present.
	Get(meetingID string) (*MeetingState, bool)

	// GetOrCreate returns the state for meetingID, creating it when absent.
	// created reports whether this call created it.
	GetOrCreate(meetingID string) (st *MeetingState, created bool)

	// Delete removes and returns the state for meetingID.
	Delete(meetingID string) (*MeetingState, bool)

	// IDs returns the IDs of all present meetings.
	IDs() []string
}

// MemoryStore is an in-memory [Store].
type MemoryStore struct {
	mu       sync.RWMutex
	meetings map[string]*MeetingState
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{meetings: make(map[string]*MeetingState)}
}

// Get implements [Store].
func (s *MemoryStore) Get(meetingID string) (*MeetingState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.meetings[meetingID]
	return st, ok
}

// GetOrCreate implements [Store].
func (s *MemoryStore) GetOrCreate(meetingID string) (*MeetingState, bool) {
	if st, ok := s.Get(meetingID); ok {
		return st, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.meetings[meetingID]; ok {
		return st, false
	}
	st := NewMeetingState(meetingID)
	s.meetings[meetingID] = st
	return st, true
}

// Delete implements [Store].
func (s *MemoryStore) Delete(meetingID string) (*MeetingState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.meetings[meetingID]
	delete(s.meetings, meetingID)
	return st, ok
}

// IDs implements [Store].
func (s *MemoryStore) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.meetings))
	for id := range s.meetings {
		ids = append(ids, id)
	}
	return ids
}
