package cleanup

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forkcast/forkcast/pkg/jobstore"
	"github.com/forkcast/forkcast/pkg/models"
)

type recordingForgetter struct {
	mu        sync.Mutex
	forgotten []string
}

func (f *recordingForgetter) Forget(requestID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgotten = append(f.forgotten, requestID)
}

func (f *recordingForgetter) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.forgotten...)
}

func TestSweepRemovesOnlyExpiredTerminalJobs(t *testing.T) {
	ctx := context.Background()
	store := jobstore.NewMemoryStore()

	_, err := store.Create(ctx, "req-old", jobstore.CreateParams{SessionID: "s", Query: "q"})
	require.NoError(t, err)
	require.NoError(t, store.SetStatus(ctx, "req-old", models.StatusDoneSuccess, 100))

	_, err = store.Create(ctx, "req-running", jobstore.CreateParams{SessionID: "s", Query: "q"})
	require.NoError(t, err)
	require.NoError(t, store.SetStatus(ctx, "req-running", models.StatusRunning, 10))

	// Negative horizon treats every terminal job as expired.
	swept, err := store.SweepTerminal(ctx, -time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"req-old"}, swept)

	_, err = store.Get(ctx, "req-old")
	assert.ErrorIs(t, err, jobstore.ErrNotFound)
	_, err = store.Get(ctx, "req-running")
	assert.NoError(t, err)
}

func TestServiceLoopForgetsSweptRequests(t *testing.T) {
	ctx := context.Background()
	store := jobstore.NewMemoryStore()

	_, err := store.Create(ctx, "req-1", jobstore.CreateParams{SessionID: "s", Query: "q"})
	require.NoError(t, err)
	require.NoError(t, store.SetStatus(ctx, "req-1", models.StatusDoneFailed, 100))

	forgetter := &recordingForgetter{}
	svc := NewService(Config{Retention: time.Nanosecond, Interval: 10 * time.Millisecond}, store, forgetter)
	svc.Start(ctx)
	defer svc.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(forgetter.snapshot()) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, []string{"req-1"}, forgetter.snapshot())
}

func TestStopWithoutStartIsNoop(t *testing.T) {
	svc := NewService(DefaultConfig(), jobstore.NewMemoryStore(), &recordingForgetter{})
	svc.Stop()
}
