package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forkcast/forkcast/pkg/config"
	"github.com/forkcast/forkcast/pkg/idempotency"
	"github.com/forkcast/forkcast/pkg/jobstore"
	"github.com/forkcast/forkcast/pkg/models"
	"github.com/forkcast/forkcast/pkg/pipeline"
	"github.com/forkcast/forkcast/pkg/sessionstore"
)

// fakeRunner scripts a pipeline outcome, optionally blocking until released.
type fakeRunner struct {
	mu      sync.Mutex
	runs    int
	outcome *pipeline.Outcome
	block   chan struct{} // when set, Run waits for close or ctx
}

func (f *fakeRunner) Run(ctx context.Context, _ *pipeline.Request, progress pipeline.ProgressFunc) *pipeline.Outcome {
	f.mu.Lock()
	f.runs++
	block := f.block
	f.mu.Unlock()

	if progress != nil {
		progress(pipeline.StageGate, 15)
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return &pipeline.Outcome{
				State: pipeline.StateFailed,
				Err:   &models.JobError{Code: "aborted", Message: "canceled", Kind: models.KindAborted},
			}
		}
	}
	return f.outcome
}

func (f *fakeRunner) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs
}

// waitRuns polls until at least n runs have started. Submit spawns the run on
// a goroutine, so assertions on the count must synchronize first.
func (f *fakeRunner) waitRuns(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if f.runCount() >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("only %d of %d runs started", f.runCount(), n)
}

// fakeSink records published events.
type fakeSink struct {
	mu         sync.Mutex
	statuses   []int
	terminals  []models.JobStatus
	narrations int
}

func (f *fakeSink) PublishStatus(_ string, _ models.JobStatus, progress int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, progress)
	return nil
}

func (f *fakeSink) PublishTerminal(_ string, status models.JobStatus, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminals = append(f.terminals, status)
	return nil
}

func (f *fakeSink) PublishAssistant(string, *models.Narration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.narrations++
	return nil
}

func (f *fakeSink) terminalStatuses() []models.JobStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.JobStatus(nil), f.terminals...)
}

// fakeActivator records activation/completion calls.
type fakeActivator struct {
	mu        sync.Mutex
	activated []string
	completed []string
}

func (f *fakeActivator) ActivatePending(_ context.Context, job *models.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activated = append(f.activated, job.RequestID)
}

func (f *fakeActivator) CompleteRequest(_ context.Context, job *models.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, job.RequestID)
}

func (f *fakeActivator) waitCompleted(t *testing.T, requestID string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		done := len(f.completed) > 0 && f.completed[len(f.completed)-1] == requestID
		f.mu.Unlock()
		if done {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("request %s never completed", requestID)
}

// fakeEnricher records enqueued places.
type fakeEnricher struct {
	mu       sync.Mutex
	requests []string
	places   int
}

func (f *fakeEnricher) Enqueue(requestID string, places []models.Place) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, requestID)
	f.places += len(places)
}

type fixture struct {
	orch     *Orchestrator
	jobs     jobstore.Store
	sessions sessionstore.Store
	runner   *fakeRunner
	sink     *fakeSink
	acts     *fakeActivator
	enricher *fakeEnricher
	session  *sessionstore.Session
}

func newFixture(t *testing.T, outcome *pipeline.Outcome) *fixture {
	t.Helper()
	cfg := config.DefaultPipelineConfig()
	cfg.JobTimeout = 5 * time.Second

	jobs := jobstore.NewMemoryStore()
	sessions := sessionstore.NewMemoryStore(time.Hour)
	session, err := sessions.Create(context.Background(), "user-1")
	require.NoError(t, err)

	f := &fixture{
		jobs:     jobs,
		sessions: sessions,
		runner:   &fakeRunner{outcome: outcome},
		sink:     &fakeSink{},
		acts:     &fakeActivator{},
		enricher: &fakeEnricher{},
		session:  session,
	}
	f.orch = New(cfg, jobs, sessions, idempotency.NewMemoryRegistry(time.Hour),
		f.runner, f.enricher, f.acts, f.sink)
	t.Cleanup(f.orch.Shutdown)
	return f
}

func (f *fixture) submit(t *testing.T, params SubmitParams) *SubmitResult {
	t.Helper()
	if params.SessionID == "" {
		params.SessionID = f.session.ID
	}
	res, err := f.orch.Submit(context.Background(), params)
	require.NoError(t, err)
	return res
}

func (f *fixture) waitTerminal(t *testing.T, requestID string) *models.Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		job, err := f.jobs.Get(context.Background(), requestID)
		require.NoError(t, err)
		if job.Status.IsTerminal() {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal state", requestID)
	return nil
}

func successOutcome() *pipeline.Outcome {
	return &pipeline.Outcome{
		State: pipeline.StateDone,
		Result: &models.SearchResult{
			Places: []models.RankedPlace{
				{Place: models.Place{ID: "p1", Name: "A"}},
				{Place: models.Place{ID: "p2", Name: "B"}},
			},
			Mode:  "textsearch",
			Stats: models.FilterStats{Candidates: 2, Kept: 2},
		},
		Language: "en",
	}
}

func TestSubmitRunsJobToSuccess(t *testing.T) {
	f := newFixture(t, successOutcome())

	res := f.submit(t, SubmitParams{Query: "pizza in holon"})
	assert.False(t, res.Duplicate)

	job := f.waitTerminal(t, res.RequestID)
	f.acts.waitCompleted(t, res.RequestID)
	assert.Equal(t, models.StatusDoneSuccess, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, "en", job.DetectedLanguage)
	require.NotNil(t, job.Result)
	assert.Equal(t, "textsearch", job.Result["mode"])

	assert.Equal(t, []models.JobStatus{models.StatusDoneSuccess}, f.sink.terminalStatuses())
	assert.Equal(t, []string{res.RequestID}, f.acts.activated)
	assert.Equal(t, []string{res.RequestID}, f.acts.completed)
	assert.Equal(t, []string{res.RequestID}, f.enricher.requests)
	assert.Equal(t, 2, f.enricher.places)
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, successOutcome())

	tests := []struct {
		name   string
		params SubmitParams
		field  string
	}{
		{"empty query", SubmitParams{SessionID: f.session.ID}, "query"},
		{"oversized query", SubmitParams{SessionID: f.session.ID, Query: string(make([]rune, 501))}, "query"},
		{"missing session", SubmitParams{Query: "pizza"}, "sessionId"},
		{"bad latitude", SubmitParams{SessionID: f.session.ID, Query: "pizza",
			Location: &models.UserLocation{Lat: 91}}, "location"},
		{"bad price level", SubmitParams{SessionID: f.session.ID, Query: "pizza",
			Filters: &models.SearchFilters{PriceLevel: 5}}, "filters.priceLevel"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.orch.Submit(context.Background(), tc.params)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestSubmitUnknownSessionRejected(t *testing.T) {
	f := newFixture(t, successOutcome())

	_, err := f.orch.Submit(context.Background(), SubmitParams{
		SessionID: "nope", Query: "pizza",
	})
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestDuplicateSubmissionCoalesces(t *testing.T) {
	f := newFixture(t, successOutcome())
	f.runner.block = make(chan struct{})

	params := SubmitParams{
		Query:    "Pizza  Near Me",
		Location: &models.UserLocation{Lat: 32.08001, Lng: 34.78001},
	}
	first := f.submit(t, params)
	f.runner.waitRuns(t, 1)

	// Same normalized query, jittered coordinates inside the same bucket.
	second := f.submit(t, SubmitParams{
		Query:    "pizza near me",
		Location: &models.UserLocation{Lat: 32.08004, Lng: 34.77999},
	})
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.RequestID, second.RequestID)
	assert.Equal(t, 1, f.runner.runCount())

	close(f.runner.block)
	f.waitTerminal(t, first.RequestID)

	// The claim is released at terminal; a resubmission starts a fresh job.
	third := f.submit(t, params)
	assert.False(t, third.Duplicate)
	assert.NotEqual(t, first.RequestID, third.RequestID)
}

func TestDifferentSessionsNeverCoalesce(t *testing.T) {
	f := newFixture(t, successOutcome())
	f.runner.block = make(chan struct{})
	defer close(f.runner.block)

	other, err := f.sessions.Create(context.Background(), "user-2")
	require.NoError(t, err)

	first := f.submit(t, SubmitParams{Query: "pizza"})
	second := f.submit(t, SubmitParams{SessionID: other.ID, Query: "pizza"})

	assert.False(t, second.Duplicate)
	assert.NotEqual(t, first.RequestID, second.RequestID)
}

func TestStopCancelsRunningJob(t *testing.T) {
	f := newFixture(t, successOutcome())
	f.runner.block = make(chan struct{}) // never closed; only Stop releases it

	res := f.submit(t, SubmitParams{Query: "pizza"})

	// Wait until the run goroutine registered its cancel func.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !f.orch.Stop(res.RequestID) {
		time.Sleep(5 * time.Millisecond)
	}

	job := f.waitTerminal(t, res.RequestID)
	assert.Equal(t, models.StatusDoneStopped, job.Status)
	assert.Equal(t, []models.JobStatus{models.StatusDoneStopped}, f.sink.terminalStatuses())
	assert.Empty(t, f.enricher.requests)
}

func TestStopUnknownRequestReturnsFalse(t *testing.T) {
	f := newFixture(t, successOutcome())
	assert.False(t, f.orch.Stop("nope"))
}

func TestClarifyOutcomePersistsAndPublishes(t *testing.T) {
	f := newFixture(t, &pipeline.Outcome{
		State:  pipeline.StateClarify,
		Reason: pipeline.ReasonMissingLocation,
		Narration: &models.Narration{
			Type: models.NarrationClarify, Message: "Where are you?",
			Question: "Share your location?", BlocksSearch: true,
		},
		Language: "en",
	})

	res := f.submit(t, SubmitParams{Query: "pizza near me"})
	job := f.waitTerminal(t, res.RequestID)

	assert.Equal(t, models.StatusDoneClarify, job.Status)
	assert.Equal(t, []models.JobStatus{models.StatusDoneClarify}, f.sink.terminalStatuses())
	assert.Equal(t, 1, f.sink.narrations)
	assert.Empty(t, f.enricher.requests)
}

func TestFailedOutcomePersistsError(t *testing.T) {
	f := newFixture(t, &pipeline.Outcome{
		State: pipeline.StateFailed,
		Err: &models.JobError{
			Code: "execute_failed", Message: "provider down",
			Kind: models.KindDependencyDown,
		},
	})

	res := f.submit(t, SubmitParams{Query: "pizza"})
	job := f.waitTerminal(t, res.RequestID)

	assert.Equal(t, models.StatusDoneFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, models.KindDependencyDown, job.Error.Kind)
	assert.Empty(t, f.enricher.requests)
}

func TestProgressIsPersistedAndPublished(t *testing.T) {
	f := newFixture(t, successOutcome())

	res := f.submit(t, SubmitParams{Query: "pizza"})
	f.waitTerminal(t, res.RequestID)

	f.sink.mu.Lock()
	statuses := append([]int(nil), f.sink.statuses...)
	f.sink.mu.Unlock()

	require.NotEmpty(t, statuses)
	for i := 1; i < len(statuses); i++ {
		assert.GreaterOrEqual(t, statuses[i], statuses[i-1])
	}
}
