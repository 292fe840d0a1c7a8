// Package orchestrator drives a search job end to end: validate, deduplicate,
// persist, run the pipeline, publish the terminal event, and fan results out
// to the enrichment queue.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forkcast/forkcast/pkg/config"
	"github.com/forkcast/forkcast/pkg/idempotency"
	"github.com/forkcast/forkcast/pkg/jobstore"
	"github.com/forkcast/forkcast/pkg/models"
	"github.com/forkcast/forkcast/pkg/pipeline"
	"github.com/forkcast/forkcast/pkg/sessionstore"
)

// Submission limits.
const (
	maxQueryLen = 500
)

// ErrInvalidSession rejects submissions referencing an unknown or expired
// session.
var ErrInvalidSession = errors.New("invalid session")

// ValidationError describes a rejected submission field.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Detail)
}

// SubmitParams is one search submission.
type SubmitParams struct {
	SessionID string
	UserID    string
	Query     string
	Mode      string // optional client search-mode hint, part of the fingerprint
	Location  *models.UserLocation
	Filters   *models.SearchFilters
	TraceID   string
}

// SubmitResult is the accepted-submission receipt. Duplicate is true when the
// submission was coalesced onto an already-running request.
type SubmitResult struct {
	RequestID string
	Duplicate bool
}

// Runner executes the staged search flow. Satisfied by *pipeline.Pipeline.
type Runner interface {
	Run(ctx context.Context, req *pipeline.Request, progress pipeline.ProgressFunc) *pipeline.Outcome
}

// Enricher fans finished results out for provider resolution. Satisfied by
// *enrich.Queue.
type Enricher interface {
	Enqueue(requestID string, places []models.Place)
}

// Activator is the subscription-manager surface the orchestrator needs.
type Activator interface {
	ActivatePending(ctx context.Context, job *models.Job)
	CompleteRequest(ctx context.Context, job *models.Job)
}

// EventSink is the publisher surface the orchestrator needs.
type EventSink interface {
	PublishStatus(requestID string, status models.JobStatus, progress int) error
	PublishTerminal(requestID string, status models.JobStatus, payload any) error
	PublishAssistant(requestID string, narration *models.Narration) error
}

// Orchestrator owns the job lifecycle from submission to terminal event.
type Orchestrator struct {
	cfg      *config.PipelineConfig
	jobs     jobstore.Store
	sessions sessionstore.Store
	registry idempotency.Registry
	runner   Runner
	enricher Enricher
	subs     Activator
	sink     EventSink
	logger   *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// New wires the orchestrator. enricher may be nil when enrichment is
// disabled.
func New(cfg *config.PipelineConfig, jobs jobstore.Store, sessions sessionstore.Store,
	registry idempotency.Registry, runner Runner, enricher Enricher,
	subs Activator, sink EventSink) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		jobs:     jobs,
		sessions: sessions,
		registry: registry,
		runner:   runner,
		enricher: enricher,
		subs:     subs,
		sink:     sink,
		logger:   slog.With("component", "orchestrator"),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Submit validates the submission, claims its fingerprint, creates the job,
// and starts the pipeline in the background. A duplicate in-flight submission
// returns the running request id instead of starting a second pipeline.
func (o *Orchestrator) Submit(ctx context.Context, params SubmitParams) (*SubmitResult, error) {
	if err := validate(params); err != nil {
		return nil, err
	}

	if _, err := o.sessions.Get(ctx, params.SessionID); err != nil {
		if errors.Is(err, sessionstore.ErrNotFound) {
			return nil, ErrInvalidSession
		}
		return nil, fmt.Errorf("checking session: %w", err)
	}

	fingerprint := idempotency.Fingerprint(
		params.SessionID, params.Query, params.Mode, params.Location, params.Filters)
	requestID := uuid.NewString()

	claimed, err := o.registry.Claim(ctx, fingerprint, requestID)
	if err != nil {
		return nil, fmt.Errorf("claiming fingerprint: %w", err)
	}
	if !claimed {
		existing, err := o.registry.Lookup(ctx, fingerprint)
		if err == nil && existing != "" {
			o.logger.Info("Duplicate submission coalesced",
				"request_id", existing, "session_id", params.SessionID)
			return &SubmitResult{RequestID: existing, Duplicate: true}, nil
		}
		// The claim vanished between Claim and Lookup; retry once.
		if claimed, err = o.registry.Claim(ctx, fingerprint, requestID); err != nil || !claimed {
			return nil, fmt.Errorf("claiming fingerprint after race: %w", err)
		}
	}

	job, err := o.jobs.Create(ctx, requestID, jobstore.CreateParams{
		SessionID:   params.SessionID,
		OwnerUserID: params.UserID,
		Query:       params.Query,
		TraceID:     params.TraceID,
	})
	if err != nil {
		if rerr := o.registry.Release(ctx, fingerprint); rerr != nil {
			o.logger.Warn("Failed to release fingerprint after create failure",
				"request_id", requestID, "error", rerr)
		}
		return nil, fmt.Errorf("creating job: %w", err)
	}

	// Subscribers that raced ahead of job creation are parked pending; the
	// job exists now, so attach them before any event can be published.
	o.subs.ActivatePending(ctx, job)

	runCtx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.cancels[requestID] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go o.run(runCtx, requestID, fingerprint, params)

	return &SubmitResult{RequestID: requestID}, nil
}

// Stop cancels a running job. The pipeline observes the cancellation and the
// job terminates as DONE_STOPPED.
func (o *Orchestrator) Stop(requestID string) bool {
	o.mu.Lock()
	cancel, ok := o.cancels[requestID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Shutdown cancels all running jobs and waits for their terminal events.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	for _, cancel := range o.cancels {
		cancel()
	}
	o.mu.Unlock()
	o.wg.Wait()
}

// run owns one job from RUNNING to terminal. It always leaves the job
// terminal, publishes exactly one terminal event, and releases the
// fingerprint claim.
func (o *Orchestrator) run(ctx context.Context, requestID, fingerprint string, params SubmitParams) {
	defer o.wg.Done()

	ctx, cancel := context.WithTimeout(ctx, o.cfg.JobTimeout)
	defer cancel()
	defer func() {
		o.mu.Lock()
		delete(o.cancels, requestID)
		o.mu.Unlock()

		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer releaseCancel()
		if err := o.registry.Release(releaseCtx, fingerprint); err != nil {
			o.logger.Warn("Failed to release fingerprint", "request_id", requestID, "error", err)
		}
	}()

	storeCtx := context.WithoutCancel(ctx)

	if err := o.jobs.SetStatus(storeCtx, requestID, models.StatusRunning, 5); err != nil {
		o.logger.Error("Failed to mark job running", "request_id", requestID, "error", err)
	}
	o.publishStatus(requestID, models.StatusRunning, 5)

	progress := func(stage string, pct int) {
		if err := o.jobs.SetStatus(storeCtx, requestID, models.StatusRunning, pct); err != nil {
			o.logger.Warn("Failed to persist progress",
				"request_id", requestID, "stage", stage, "error", err)
		}
		o.publishStatus(requestID, models.StatusRunning, pct)
	}

	outcome := o.runner.Run(ctx, &pipeline.Request{
		Query:        params.Query,
		UserLocation: params.Location,
		Filters:      params.Filters,
	}, progress)

	o.finish(storeCtx, requestID, params, outcome)
}

// finish persists the terminal state, publishes the terminal event, releases
// waiting subscribers, and schedules enrichment for successful runs.
func (o *Orchestrator) finish(ctx context.Context, requestID string, params SubmitParams, outcome *pipeline.Outcome) {
	if outcome.Language != "" {
		if err := o.jobs.SetLanguage(ctx, requestID, outcome.Language); err != nil {
			o.logger.Warn("Failed to persist detected language",
				"request_id", requestID, "error", err)
		}
	}

	var status models.JobStatus
	var payload any

	switch outcome.State {
	case pipeline.StateDone:
		status = models.StatusDoneSuccess
		payload = outcome.Result
		if err := o.jobs.SetResult(ctx, requestID, resultDocument(outcome)); err != nil {
			o.logger.Error("Failed to persist result", "request_id", requestID, "error", err)
		}
	case pipeline.StateClarify:
		status = models.StatusDoneClarify
		payload = clarifyPayload{Reason: outcome.Reason, Narration: outcome.Narration}
		if err := o.jobs.SetStatus(ctx, requestID, status, 100); err != nil {
			o.logger.Error("Failed to persist clarify", "request_id", requestID, "error", err)
		}
	case pipeline.StateStop:
		status = models.StatusDoneStopped
		payload = stoppedPayload{Narration: outcome.Narration}
		if err := o.jobs.SetStatus(ctx, requestID, status, 100); err != nil {
			o.logger.Error("Failed to persist stop", "request_id", requestID, "error", err)
		}
	default:
		status = models.StatusDoneFailed
		jerr := outcome.Err
		if jerr == nil {
			jerr = &models.JobError{Code: "internal", Message: "pipeline failed", Kind: models.KindInternal}
		}
		if jerr.Kind == models.KindAborted {
			// Cancellation requested by the client is a stop, not a failure.
			status = models.StatusDoneStopped
		}
		if status == models.StatusDoneFailed {
			payload = jerr
			if err := o.jobs.SetError(ctx, requestID, jerr.Code, jerr.Message, jerr.Kind); err != nil {
				o.logger.Error("Failed to persist error", "request_id", requestID, "error", err)
			}
		} else {
			payload = stoppedPayload{}
			if err := o.jobs.SetStatus(ctx, requestID, status, 100); err != nil {
				o.logger.Error("Failed to persist stop", "request_id", requestID, "error", err)
			}
		}
	}

	if outcome.Narration != nil {
		if err := o.sink.PublishAssistant(requestID, outcome.Narration); err != nil {
			o.logger.Warn("Failed to publish narration", "request_id", requestID, "error", err)
		}
	}
	if err := o.sink.PublishTerminal(requestID, status, payload); err != nil {
		o.logger.Error("Failed to publish terminal event", "request_id", requestID, "error", err)
	}

	job, err := o.jobs.Get(ctx, requestID)
	if err != nil {
		o.logger.Warn("Failed to load job for completion", "request_id", requestID, "error", err)
	} else {
		o.subs.CompleteRequest(ctx, job)
	}

	if status == models.StatusDoneSuccess && o.enricher != nil && outcome.Result != nil {
		places := make([]models.Place, len(outcome.Result.Places))
		for i, rp := range outcome.Result.Places {
			places[i] = rp.Place
		}
		o.enricher.Enqueue(requestID, places)
	}

	o.logger.Info("Job finished",
		"request_id", requestID,
		"session_id", params.SessionID,
		"status", status,
		"language", outcome.Language)
}

func (o *Orchestrator) publishStatus(requestID string, status models.JobStatus, progress int) {
	if err := o.sink.PublishStatus(requestID, status, progress); err != nil {
		o.logger.Warn("Failed to publish status", "request_id", requestID, "error", err)
	}
}

type clarifyPayload struct {
	Reason    string            `json:"reason"`
	Narration *models.Narration `json:"narration,omitempty"`
}

type stoppedPayload struct {
	Narration *models.Narration `json:"narration,omitempty"`
}

// resultDocument flattens the typed result into the job record's generic
// document form.
func resultDocument(outcome *pipeline.Outcome) map[string]any {
	return map[string]any{
		"places":    outcome.Result.Places,
		"mode":      outcome.Result.Mode,
		"stats":     outcome.Result.Stats,
		"assistant": outcome.Result.Assistant,
		"language":  outcome.Language,
	}
}

func validate(params SubmitParams) error {
	if params.SessionID == "" {
		return &ValidationError{Field: "sessionId", Detail: "required"}
	}
	q := len([]rune(params.Query))
	if q == 0 {
		return &ValidationError{Field: "query", Detail: "required"}
	}
	if q > maxQueryLen {
		return &ValidationError{Field: "query", Detail: fmt.Sprintf("longer than %d characters", maxQueryLen)}
	}
	if params.Location != nil && !params.Location.Valid() {
		return &ValidationError{Field: "location", Detail: "coordinates out of range"}
	}
	if f := params.Filters; f != nil {
		if f.PriceLevel < 0 || f.PriceLevel > 4 {
			return &ValidationError{Field: "filters.priceLevel", Detail: "must be between 1 and 4"}
		}
	}
	return nil
}
