package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/forkcast/forkcast/pkg/models"
)

// RedisStore persists jobs as JSON values keyed by request id, TTL-bound to
// the maximum job lifetime. The orchestrator is the single writer per request;
// mutations are read-modify-write on that assumption.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed job store and verifies connectivity.
func NewRedisStore(ctx context.Context, client *redis.Client, ttl time.Duration) (*RedisStore, error) {
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDependencyDown, err)
	}
	return &RedisStore{client: client, ttl: ttl}, nil
}

func jobKey(requestID string) string {
	return "job:" + requestID
}

// Create stores a new PENDING job.
func (s *RedisStore) Create(ctx context.Context, requestID string, params CreateParams) (*models.Job, error) {
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

	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshaling job %s: %w", requestID, err)
	}

	ok, err := s.client.SetNX(ctx, jobKey(requestID), data, s.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDependencyDown, err)
	}
	if !ok {
		return nil, fmt.Errorf("job %s already exists", requestID)
	}
	return job, nil
}

// Get returns the job record.
func (s *RedisStore) Get(ctx context.Context, requestID string) (*models.Job, error) {
	data, err := s.client.Get(ctx, jobKey(requestID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDependencyDown, err)
	}

	var job models.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("unmarshaling job %s: %w", requestID, err)
	}
	return &job, nil
}

// SetStatus applies a lifecycle transition.
func (s *RedisStore) SetStatus(ctx context.Context, requestID string, status models.JobStatus, progress int) error {
	return s.mutate(ctx, requestID, func(job *models.Job) bool {
		return applyStatus(job, status, progress)
	})
}

// SetResult attaches the result document and forces DONE_SUCCESS.
func (s *RedisStore) SetResult(ctx context.Context, requestID string, result map[string]any) error {
	return s.mutate(ctx, requestID, func(job *models.Job) bool {
		return applyResult(job, result)
	})
}

// SetError attaches a structured error and forces DONE_FAILED.
func (s *RedisStore) SetError(ctx context.Context, requestID string, code, message string, kind models.ErrorKind) error {
	return s.mutate(ctx, requestID, func(job *models.Job) bool {
		return applyError(job, code, message, kind)
	})
}

// SetLanguage records the detected query language.
func (s *RedisStore) SetLanguage(ctx context.Context, requestID, language string) error {
	return s.mutate(ctx, requestID, func(job *models.Job) bool {
		return applyLanguage(job, language)
	})
}

// Delete removes the job. Deleting a missing job is a no-op.
func (s *RedisStore) Delete(ctx context.Context, requestID string) error {
	if err := s.client.Del(ctx, jobKey(requestID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrDependencyDown, err)
	}
	return nil
}

// mutate performs a read-modify-write under the single-writer-per-request
// contract. KeepTTL preserves the remaining lifetime across updates.
func (s *RedisStore) mutate(ctx context.Context, requestID string, apply func(*models.Job) bool) error {
	job, err := s.Get(ctx, requestID)
	if err != nil {
		return err
	}
	if !apply(job) {
		return nil
	}
	job.UpdatedAt = time.Now()

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job %s: %w", requestID, err)
	}
	if err := s.client.Set(ctx, jobKey(requestID), data, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrDependencyDown, err)
	}
	return nil
}
