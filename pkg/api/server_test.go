package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forkcast/forkcast/pkg/config"
	"github.com/forkcast/forkcast/pkg/events"
	"github.com/forkcast/forkcast/pkg/jobstore"
	"github.com/forkcast/forkcast/pkg/models"
	"github.com/forkcast/forkcast/pkg/orchestrator"
	"github.com/forkcast/forkcast/pkg/sessionstore"
)

// fakeSubmitter scripts orchestrator behaviour for handler tests.
type fakeSubmitter struct {
	result  *orchestrator.SubmitResult
	err     error
	stopped []string
}

func (f *fakeSubmitter) Submit(_ context.Context, _ orchestrator.SubmitParams) (*orchestrator.SubmitResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeSubmitter) Stop(requestID string) bool {
	f.stopped = append(f.stopped, requestID)
	return true
}

type apiFixture struct {
	server    *Server
	ts        *httptest.Server
	jobs      jobstore.Store
	sessions  sessionstore.Store
	submitter *fakeSubmitter
	session   *sessionstore.Session
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	cfg := config.DefaultServerConfig()
	cfg.Development = true

	jobs := jobstore.NewMemoryStore()
	sessions := sessionstore.NewMemoryStore(time.Hour)
	session, err := sessions.Create(context.Background(), "user-1")
	require.NoError(t, err)

	submitter := &fakeSubmitter{result: &orchestrator.SubmitResult{RequestID: "req-1"}}
	subs := events.NewSubscriptionManager(jobs, 0)
	server := NewServer(cfg, submitter, jobs, sessions, subs)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return &apiFixture{
		server:    server,
		ts:        ts,
		jobs:      jobs,
		sessions:  sessions,
		submitter: submitter,
		session:   session,
	}
}

func (f *apiFixture) post(t *testing.T, path string, body any, headers map[string]string) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, f.ts.URL+path, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestSearchAccepted(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.post(t, "/api/v1/search", map[string]any{
		"sessionId": f.session.ID,
		"query":     "pizza in holon",
	}, nil)

	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "req-1", body["requestId"])
}

func TestSearchValidationErrorsMapTo400(t *testing.T) {
	f := newAPIFixture(t)
	f.submitter.err = &orchestrator.ValidationError{Field: "query", Detail: "required"}

	resp := f.post(t, "/api/v1/search", map[string]any{"sessionId": f.session.ID}, nil)

	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody(t, resp)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "validation", errObj["code"])
}

func TestSearchInvalidSessionMapsTo401(t *testing.T) {
	f := newAPIFixture(t)
	f.submitter.err = orchestrator.ErrInvalidSession

	resp := f.post(t, "/api/v1/search", map[string]any{
		"sessionId": "nope", "query": "pizza",
	}, nil)

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestGetJobEnforcesOwnership(t *testing.T) {
	f := newAPIFixture(t)
	_, err := f.jobs.Create(context.Background(), "req-1", jobstore.CreateParams{
		SessionID: f.session.ID, Query: "pizza",
	})
	require.NoError(t, err)

	// Owner sees the job.
	resp, err := http.Get(f.ts.URL + "/api/v1/jobs/req-1?sessionId=" + f.session.ID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "req-1", body["requestId"])
	assert.Equal(t, string(models.StatusPending), body["status"])

	// A different session is rejected without existence disclosure details.
	resp, err = http.Get(f.ts.URL + "/api/v1/jobs/req-1?sessionId=other")
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	// Unknown job.
	resp, err = http.Get(f.ts.URL + "/api/v1/jobs/req-404?sessionId=" + f.session.ID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestStopJob(t *testing.T) {
	f := newAPIFixture(t)
	_, err := f.jobs.Create(context.Background(), "req-1", jobstore.CreateParams{
		SessionID: f.session.ID, Query: "pizza",
	})
	require.NoError(t, err)

	resp := f.post(t, "/api/v1/jobs/req-1/stop", nil, map[string]string{
		"X-Session-ID": f.session.ID,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()
	assert.Equal(t, []string{"req-1"}, f.submitter.stopped)

	// A terminal job cannot be stopped.
	require.NoError(t, f.jobs.SetStatus(context.Background(), "req-1", models.StatusDoneSuccess, 100))
	resp = f.post(t, "/api/v1/jobs/req-1/stop", nil, map[string]string{
		"X-Session-ID": f.session.ID,
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestSessionLifecycle(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.post(t, "/api/v1/sessions", map[string]any{"userId": "user-9"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	body := decodeBody(t, resp)
	sessionID := body["sessionId"].(string)
	require.NotEmpty(t, sessionID)
	assert.Equal(t, "user-9", body["userId"])

	_, err := f.sessions.Get(context.Background(), sessionID)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodDelete, f.ts.URL+"/api/v1/sessions/"+sessionID, nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, delResp.StatusCode)
	delResp.Body.Close()

	_, err = f.sessions.Get(context.Background(), sessionID)
	assert.ErrorIs(t, err, sessionstore.ErrNotFound)
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)

	resp, err := http.Get(f.ts.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "up", body["jobStore"])
}
