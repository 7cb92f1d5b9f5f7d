package conversation

import "time"

// Kind tags a [Result].
type Kind int

const (
	// Ignored means the fragment had no effect on any session.
	Ignored Kind = iota
	// SessionStarted means the fragment carried a wake phrase and opened a session.
	SessionStarted
	// SessionAppended means the fragment was added to the active session.
	SessionAppended
	// Concluded means a session was finalized.
	Concluded
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case SessionStarted:
		return "session_started"
	case SessionAppended:
		return "session_appended"
	case Concluded:
		return "concluded"
	default:
		return "ignored"
	}
}

// Ignore reasons.
const (
	ReasonEmpty          = "empty"
	ReasonUnknownSpeaker = "unknown_speaker"
	ReasonMuted          = "muted"
	ReasonAnswering      = "answering"
	ReasonNoWakePhrase   = "no_wake_phrase"
	ReasonOtherSpeaker   = "other_speaker"
	ReasonClosed         = "meeting_closed"
	ReasonNoSession      = "no_session"
)

// Close reasons.
const (
	CloseCompleted  = "completed"
	CloseCeiling    = "ceiling"
	CloseSuperseded = "superseded"
	CloseMuted      = "muted"
	CloseCleanup    = "cleanup"
	CloseFlushed    = "flushed"
)

// Result is the outcome of handing a fragment to the engine, or of
// finalizing a session.
type Result struct {
	Kind Kind

	// Reason explains an Ignored result, or the close reason of a
	// Concluded one.
	Reason string

	// Generation of the session affected.
	Generation uint64

	// Superseded is the generation of a session force-closed by this start.
	Superseded uint64

	// Confidence and Wait are the latest completion assessment.
	Confidence float64
	Wait       time.Duration

	// Answered reports, for Concluded, whether the question was handed to
	// the answering collaborator. False means an acknowledgment was sent or
	// the answer was skipped because another one was in flight.
	Answered bool

	// Question is the cleaned question for Concluded results.
	Question string
}

func ignored(reason string) Result {
	return Result{Kind: Ignored, Reason: reason}
}
