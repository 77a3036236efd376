package models

import "time"

type AttemptStatus string

const (
	AttemptPending   AttemptStatus = "pending"
	AttemptSubmitted AttemptStatus = "submitted"
	AttemptFailed    AttemptStatus = "failed"
)

// Attempt is one submission recorded in the local launch journal. An attempt
// left pending means the outcome of the submission is unknown.
type Attempt struct {
	ID          string
	WorkspaceID int64
	Pipeline    string
	// RequestedName is the run name the caller asked for; RunName is the
	// possibly suffixed name actually submitted.
	RequestedName string
	RunName       string
	SessionID     string
	Resume        bool
	Status        AttemptStatus
	RunID         string
	Error         string
	StartedAt     time.Time
	CompletedAt   *time.Time
}
