// Package statestore persists the durable part of a meeting's conversation
// state: the mute flag and the time of the last bot response. Transient state
// such as the active listening session and its timers is never persisted.
//
// Two implementations are provided: [MemoryStore] for single-instance
// deployments and tests, and [RedisStore] for deployments where the flags
// must survive restarts or be shared between replicas.
package statestore

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned by Load when no flags are stored for a meeting.
	ErrNotFound = errors.New("statestore: meeting not found")

	// ErrInvalidID is returned for an empty meeting ID.
	ErrInvalidID = errors.New("statestore: invalid meeting id")
)

// Flags is the persisted per-meeting state.
type Flags struct {
	Muted          bool      `json:"muted"`
	LastResponseAt time.Time `json:"last_response_at,omitzero"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Store persists [Flags] by meeting ID. Implementations must be safe for
// concurrent use.
type Store interface {
	Load(ctx context.Context, meetingID string) (Flags, error)
	Save(ctx context.Context, meetingID string, f Flags) error
	Delete(ctx context.Context, meetingID string) error
	Close() error
}

// MemoryStore is an in-memory [Store].
type MemoryStore struct {
	mu    sync.RWMutex
	flags map[string]Flags
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{flags: make(map[string]Flags)}
}

// Load implements [Store].
func (s *MemoryStore) Load(_ context.Context, meetingID string) (Flags, error) {
	if meetingID == "" {
		return Flags{}, ErrInvalidID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.flags[meetingID]
	if !ok {
		return Flags{}, ErrNotFound
	}
	return f, nil
}

// Save implements [Store].
func (s *MemoryStore) Save(_ context.Context, meetingID string, f Flags) error {
	if meetingID == "" {
		return ErrInvalidID
	}
	f.UpdatedAt = time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags[meetingID] = f
	return nil
}

// Delete implements [Store]. Deleting an unknown meeting is not an error.
func (s *MemoryStore) Delete(_ context.Context, meetingID string) error {
	if meetingID == "" {
		return ErrInvalidID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flags, meetingID)
	return nil
}

// Close implements [Store]. It is a no-op.
func (s *MemoryStore) Close() error { return nil }
