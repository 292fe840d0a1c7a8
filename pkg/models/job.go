// Package models defines the core data records shared across the search
// runtime: jobs, places, filters, and the error taxonomy.
package models

import "time"

// JobStatus represents the lifecycle state of a search job.
type JobStatus string

// Job status constants. Transitions are monotone: PENDING → RUNNING → one of
// the DONE_* terminal states. Terminal states are absorbing.
const (
	StatusPending     JobStatus = "PENDING"
	StatusRunning     JobStatus = "RUNNING"
	StatusDoneSuccess JobStatus = "DONE_SUCCESS"
	StatusDoneClarify JobStatus = "DONE_CLARIFY"
	StatusDoneStopped JobStatus = "DONE_STOPPED"
	StatusDoneFailed  JobStatus = "DONE_FAILED"
)

// IsTerminal reports whether the status admits no further transitions.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusDoneSuccess, StatusDoneClarify, StatusDoneStopped, StatusDoneFailed:
		return true
	}
	return false
}

// rank orders statuses for monotonicity checks. All terminal states share the
// same rank: once terminal, no transition (even to another terminal) applies.
func (s JobStatus) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusRunning:
		return 1
	case StatusDoneSuccess, StatusDoneClarify, StatusDoneStopped, StatusDoneFailed:
		return 2
	}
	return -1
}

// CanTransitionTo reports whether a transition from s to next is legal.
// Terminal states absorb everything; setting the same terminal state again is
// treated as an idempotent no-op by the store, not as a transition.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	if s.IsTerminal() {
		return false
	}
	return next.rank() >= s.rank()
}

// ErrorKind classifies failures for retry/fallback/surface decisions.
type ErrorKind string

// Error kind constants.
const (
	KindValidation     ErrorKind = "VALIDATION"
	KindAuthMismatch   ErrorKind = "AUTH_MISMATCH"
	KindNotFound       ErrorKind = "NOT_FOUND"
	KindTimeout        ErrorKind = "TIMEOUT"
	KindAborted        ErrorKind = "ABORTED"
	KindSchema         ErrorKind = "SCHEMA"
	KindTransient      ErrorKind = "TRANSIENT"
	KindPermanent      ErrorKind = "PERMANENT"
	KindDependencyDown ErrorKind = "DEPENDENCY_DOWN"
	KindInternal       ErrorKind = "INTERNAL"
)

// JobError is the structured error carried by a DONE_FAILED job.
type JobError struct {
	Code    string    `json:"code"`
	Message string    `json:"message"`
	Kind    ErrorKind `json:"kind"`
}

// Job is the server-side record of a single search request.
type Job struct {
	RequestID        string         `json:"request_id"`
	SessionID        string         `json:"session_id"`
	OwnerUserID      string         `json:"owner_user_id,omitempty"`
	Query            string         `json:"query"`
	TraceID          string         `json:"trace_id,omitempty"`
	DetectedLanguage string         `json:"detected_language,omitempty"`
	Status           JobStatus      `json:"status"`
	Progress         int            `json:"progress"` // 0..100, non-decreasing
	Result           map[string]any `json:"result,omitempty"`
	Error            *JobError      `json:"error,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// OwnedBy reports whether the given identity may observe this job.
// The session must match; the user id must match when the job carries one.
func (j *Job) OwnedBy(userID, sessionID string) bool {
	if j.SessionID != sessionID {
		return false
	}
	if j.OwnerUserID != "" && j.OwnerUserID != userID {
		return false
	}
	return true
}
