package jobstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/forkcast/forkcast/pkg/models"
)

// MemoryStore is an in-process Store for tests and single-node deployments.
type MemoryStore struct {
	jobs map[string]*models.Job
	mu   sync.RWMutex
}

// NewMemoryStore creates an empty in-memory job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*models.Job)}
}

// Create stores a new PENDING job. Creating an existing request id fails.
func (s *MemoryStore) Create(_ context.Context, requestID string, params CreateParams) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[requestID]; exists {
		return nil, fmt.Errorf("job %s already exists", requestID)
	}

	now := time.Now()
	job := &models.Job{
		RequestID:        requestID,
		SessionID:        params.SessionID,
		OwnerUserID:      params.OwnerUserID,
		Query:            params.Query,
		TraceID:          params.TraceID,
		DetectedLanguage: params.DetectedLanguage,
		Status:           models.StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	s.jobs[requestID] = job
	return cloneJob(job), nil
}

// Get returns a copy of the job record.
func (s *MemoryStore) Get(_ context.Context, requestID string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(job), nil
}

// SetStatus applies a lifecycle transition.
func (s *MemoryStore) SetStatus(_ context.Context, requestID string, status models.JobStatus, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[requestID]
	if !ok {
		return ErrNotFound
	}
	if applyStatus(job, status, progress) {
		job.UpdatedAt = time.Now()
	}
	return nil
}

// SetResult attaches the result document and forces DONE_SUCCESS.
func (s *MemoryStore) SetResult(_ context.Context, requestID string, result map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[requestID]
	if !ok {
		return ErrNotFound
	}
	if applyResult(job, result) {
		job.UpdatedAt = time.Now()
	}
	return nil
}

// SetError attaches a structured error and forces DONE_FAILED.
func (s *MemoryStore) SetError(_ context.Context, requestID string, code, message string, kind models.ErrorKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[requestID]
	if !ok {
		return ErrNotFound
	}
	if applyError(job, code, message, kind) {
		job.UpdatedAt = time.Now()
	}
	return nil
}

// SetLanguage records the detected query language.
func (s *MemoryStore) SetLanguage(_ context.Context, requestID, language string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[requestID]
	if !ok {
		return ErrNotFound
	}
	if applyLanguage(job, language) {
		job.UpdatedAt = time.Now()
	}
	return nil
}

// SweepTerminal removes terminal jobs last updated before the retention
// horizon and returns their request ids. Running jobs are never swept. The
// Redis store has no equivalent; key TTLs handle expiry there.
func (s *MemoryStore) SweepTerminal(_ context.Context, olderThan time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-olderThan)

	s.mu.Lock()
	defer s.mu.Unlock()

	var swept []string
	for requestID, job := range s.jobs {
		if job.Status.IsTerminal() && job.UpdatedAt.Before(cutoff) {
			delete(s.jobs, requestID)
			swept = append(swept, requestID)
		}
	}
	return swept, nil
}

// Delete removes the job. Deleting a missing job is a no-op.
func (s *MemoryStore) Delete(_ context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, requestID)
	return nil
}

func cloneJob(job *models.Job) *models.Job {
	out := *job
	if job.Error != nil {
		errCopy := *job.Error
		out.Error = &errCopy
	}
	if job.Result != nil {
		result := make(map[string]any, len(job.Result))
		for k, v := range job.Result {
			result[k] = v
		}
		out.Result = result
	}
	return &out
}
