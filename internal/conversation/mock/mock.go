// Package mock provides test doubles for the conversation package
// collaborators.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/boardobserver/internal/conversation"
)

// AskCall records one Ask invocation.
type AskCall struct {
	MeetingID string
	Question  string
}

// Answerer is a mock [conversation.Answerer].
type Answerer struct {
	mu sync.Mutex

	// Reply is returned by Ask when Err is nil.
	Reply string
	// Err, if non-nil, is returned by Ask.
	Err error

	// Started, if non-nil, receives every call before Ask waits on Release.
	Started chan AskCall
	// Release, if non-nil, blocks Ask until it is closed or ctx is done.
	Release chan struct{}

	Calls []AskCall
}

// Ask records the call and returns Reply, Err.
func (a *Answerer) Ask(ctx context.Context, meetingID, question string) (string, error) {
	a.mu.Lock()
	call := AskCall{MeetingID: meetingID, Question: question}
	a.Calls = append(a.Calls, call)
	started, release := a.Started, a.Release
	reply, err := a.Reply, a.Err
	a.mu.Unlock()

	if started != nil {
		started <- call
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return reply, err
}

// Questions returns the question of every recorded call in order.
func (a *Answerer) Questions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.Calls))
	for i, c := range a.Calls {
		out[i] = c.Question
	}
	return out
}

// Recorder is a mock [conversation.ExchangeRecorder].
type Recorder struct {
	mu sync.Mutex

	// Err, if non-nil, is returned by RecordExchange.
	Err error

	Exchanges []conversation.Exchange
}

// RecordExchange records ex and returns Err.
func (r *Recorder) RecordExchange(_ context.Context, ex conversation.Exchange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Exchanges = append(r.Exchanges, ex)
	return r.Err
}

// All returns a copy of the recorded exchanges.
func (r *Recorder) All() []conversation.Exchange {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]conversation.Exchange, len(r.Exchanges))
	copy(out, r.Exchanges)
	return out
}

var (
	_ conversation.Answerer         = (*Answerer)(nil)
	_ conversation.ExchangeRecorder = (*Recorder)(nil)
)
