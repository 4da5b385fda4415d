package queue

import (
	"strings"
	"time"
)

// State represents the lifecycle of a render job.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
	StateTimedOut  State = "timed_out"
)

var allStates = []State{
	StateQueued,
	StateRunning,
	StateSucceeded,
	StateFailed,
	StateCancelled,
	StateTimedOut,
}

// Transitions are monotonic: a terminal state is never left, and a job
// never returns to an earlier state.
var allowedTransitions = map[State][]State{
	StateQueued:  {StateRunning, StateCancelled, StateFailed},
	StateRunning: {StateSucceeded, StateFailed, StateCancelled, StateTimedOut},
}

// Terminal reports whether the state ends the job lifecycle.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled, StateTimedOut:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from -> to is a legal state change.
func CanTransition(from, to State) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AllStates returns the ordered list of known states.
func AllStates() []State {
	cp := make([]State, len(allStates))
	copy(cp, allStates)
	return cp
}

// ParseState converts a string into a known State.
func ParseState(value string) (State, bool) {
	normalized := State(strings.ToLower(strings.TrimSpace(value)))
	for _, state := range allStates {
		if state == normalized {
			return state, true
		}
	}
	return "", false
}

// Upload records an accepted source asset. Rows are never mutated.
type Upload struct {
	ID           string
	OriginalName string
	ContentType  string
	Path         string
	SizeBytes    int64
	SHA256       string
	CreatedAt    time.Time
}

// Job represents one render request persisted in SQLite.
type Job struct {
	ID          int64
	UploadID    string
	Syntheme    string
	State       State
	ErrorDetail string
	ExitCode    *int
	CreatedAt   time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
}

// Artifact is the finished output of a succeeded job plus its metadata.
type Artifact struct {
	JobID       int64
	ID          string
	Path        string
	PreviewPath string
	ContentType string
	SizeBytes   int64
	CreatedAt   time.Time
	ExpiresAt   time.Time
}
