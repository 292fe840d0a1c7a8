// Package jobstore persists search-job records and enforces the job status
// lifecycle: monotone transitions, absorbing terminal states, non-decreasing
// progress.
package jobstore

import (
	"context"
	"errors"

	"github.com/forkcast/forkcast/pkg/models"
)

// Sentinel errors.
var (
	// ErrNotFound indicates no job exists for the request id.
	ErrNotFound = errors.New("job not found")

	// ErrDependencyDown indicates the backing store is unreachable. This is
	// fatal for the request path — there is no silent in-memory fallback.
	ErrDependencyDown = errors.New("job store unavailable")
)

// CreateParams carries the fields set at job creation.
type CreateParams struct {
	SessionID        string
	Query            string
	OwnerUserID      string
	TraceID          string
	DetectedLanguage string
}

// Store is the job store contract. Implementations must provide
// single-writer-per-request semantics and read-your-writes visibility.
type Store interface {
	Create(ctx context.Context, requestID string, params CreateParams) (*models.Job, error)
	Get(ctx context.Context, requestID string) (*models.Job, error)
	// SetStatus transitions the job. Regressions and transitions out of a
	// terminal state are ignored; re-setting the same terminal state is an
	// idempotent no-op. progress < 0 leaves progress untouched.
	SetStatus(ctx context.Context, requestID string, status models.JobStatus, progress int) error
	// SetResult attaches the result document and forces DONE_SUCCESS.
	SetResult(ctx context.Context, requestID string, result map[string]any) error
	// SetError attaches a structured error and forces DONE_FAILED.
	SetError(ctx context.Context, requestID string, code, message string, kind models.ErrorKind) error
	// SetLanguage records the language detected by the gate stage. An empty
	// language is ignored.
	SetLanguage(ctx context.Context, requestID, language string) error
	Delete(ctx context.Context, requestID string) error
}

// applyStatus mutates the job in place following the lifecycle rules.
// Returns true when the record changed.
func applyStatus(job *models.Job, status models.JobStatus, progress int) bool {
	changed := false
	if job.Status != status && job.Status.CanTransitionTo(status) {
		job.Status = status
		changed = true
	}
	// Progress is monotone; a regressing value is ignored, not an error.
	if progress >= 0 && progress > job.Progress {
		job.Progress = progress
		changed = true
	}
	return changed
}

// applyResult forces DONE_SUCCESS with the result document attached.
// The result is set at most once; a second call on a terminal job is ignored.
func applyResult(job *models.Job, result map[string]any) bool {
	if job.Status.IsTerminal() {
		return false
	}
	job.Status = models.StatusDoneSuccess
	job.Result = result
	job.Progress = 100
	return true
}

// applyLanguage records the detected language. Empty input and rewrites of
// the same value are no-ops.
func applyLanguage(job *models.Job, language string) bool {
	if language == "" || job.DetectedLanguage == language {
		return false
	}
	job.DetectedLanguage = language
	return true
}

// applyError forces DONE_FAILED with the structured error attached.
func applyError(job *models.Job, code, message string, kind models.ErrorKind) bool {
	if job.Status.IsTerminal() {
		return false
	}
	if kind == "" {
		kind = models.KindInternal
	}
	job.Status = models.StatusDoneFailed
	job.Error = &models.JobError{Code: code, Message: message, Kind: kind}
	return true
}
