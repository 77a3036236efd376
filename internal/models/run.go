package models

import "time"

type RunState string

const (
	RunStateSubmitted RunState = "SUBMITTED"
	RunStateRunning   RunState = "RUNNING"
	RunStateSucceeded RunState = "SUCCEEDED"
	RunStateFailed    RunState = "FAILED"
	RunStateCancelled RunState = "CANCELLED"
	RunStateUnknown   RunState = "UNKNOWN"
)

// ParseRunState maps a raw platform status onto a RunState. Anything the
// platform adds later is reported as UNKNOWN instead of failing.
func ParseRunState(raw string) RunState {
	switch s := RunState(raw); s {
	case RunStateSubmitted, RunStateRunning, RunStateSucceeded,
		RunStateFailed, RunStateCancelled, RunStateUnknown:
		return s
	default:
		return RunStateUnknown
	}
}

// IsTerminal reports whether no further transition can occur.
func (s RunState) IsTerminal() bool {
	switch s {
	case RunStateSucceeded, RunStateFailed, RunStateCancelled, RunStateUnknown:
		return true
	default:
		return false
	}
}

func (s RunState) IsSuccessful() bool {
	return s == RunStateSucceeded
}

// Run is the platform's record of one workflow invocation.
type Run struct {
	ID           string
	RunName      string
	SessionID    string
	PipelineName string
	Repository   string
	WorkDir      string
	State        RunState
	SubmittedAt  time.Time
	CompletedAt  *time.Time
	Labels       []Label
}
