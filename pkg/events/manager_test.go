package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forkcast/forkcast/pkg/jobstore"
	"github.com/forkcast/forkcast/pkg/models"
)

// fakeSub records everything sent to it.
type fakeSub struct {
	id       string
	identity Identity
	failSend bool

	mu     sync.Mutex
	events [][]byte
}

func newFakeSub(id, userID, sessionID string) *fakeSub {
	return &fakeSub{id: id, identity: Identity{UserID: userID, SessionID: sessionID}}
}

func (s *fakeSub) ID() string         { return s.id }
func (s *fakeSub) Identity() Identity { return s.identity }

func (s *fakeSub) Send(event []byte) error {
	if s.failSend {
		return errors.New("send queue overflow")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *fakeSub) received(t *testing.T) []map[string]any {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, len(s.events))
	for i, raw := range s.events {
		var msg map[string]any
		require.NoError(t, json.Unmarshal(raw, &msg))
		out[i] = msg
	}
	return out
}

func setup(t *testing.T) (*SubscriptionManager, *jobstore.MemoryStore) {
	t.Helper()
	store := jobstore.NewMemoryStore()
	return NewSubscriptionManager(store, 0), store
}

func createJob(t *testing.T, store *jobstore.MemoryStore, requestID, sessionID string) *models.Job {
	t.Helper()
	job, err := store.Create(context.Background(), requestID, jobstore.CreateParams{SessionID: sessionID, Query: "pizza"})
	require.NoError(t, err)
	return job
}

func TestSubscribe_AckThenBacklogInOrder(t *testing.T) {
	m, store := setup(t)
	createJob(t, store, "req-X", "sess-A")

	// Two events published before any subscriber.
	m.Deliver(ChannelSearch, "req-X", []byte(`{"n":1}`), false)
	m.Deliver(ChannelSearch, "req-X", []byte(`{"n":2}`), false)

	sub := newFakeSub("c1", "", "sess-A")
	m.Subscribe(context.Background(), ChannelSearch, "req-X", sub)

	msgs := sub.received(t)
	require.Len(t, msgs, 3)
	assert.Equal(t, EventTypeSubAck, msgs[0]["type"])
	assert.Equal(t, float64(1), msgs[1]["n"])
	assert.Equal(t, float64(2), msgs[2]["n"])
}

func TestSubscribe_OwnershipMismatchNack(t *testing.T) {
	m, store := setup(t)
	createJob(t, store, "req-X", "sess-A")

	sub := newFakeSub("c1", "", "sess-B")
	m.Subscribe(context.Background(), ChannelSearch, "req-X", sub)

	msgs := sub.received(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, EventTypeSubNack, msgs[0]["type"])
	assert.Regexp(t, `(?i)session.*mismatch`, msgs[0]["reason"])
	assert.Empty(t, m.SubscribersOf(ChannelSearch, "req-X"))

	// A later event must not reach the rejected subscriber.
	m.Deliver(ChannelSearch, "req-X", []byte(`{"n":1}`), false)
	assert.Len(t, sub.received(t), 1)
}

func TestSubscribe_UserMismatchNack(t *testing.T) {
	m, store := setup(t)
	ctx := context.Background()
	_, err := store.Create(ctx, "req-U", jobstore.CreateParams{SessionID: "sess-A", OwnerUserID: "user-1"})
	require.NoError(t, err)

	sub := newFakeSub("c1", "user-2", "sess-A")
	m.Subscribe(ctx, ChannelSearch, "req-U", sub)

	msgs := sub.received(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, EventTypeSubNack, msgs[0]["type"])
	assert.Regexp(t, `(?i)user.*mismatch`, msgs[0]["reason"])
}

func TestSubscribe_EmptySessionRejected(t *testing.T) {
	m, store := setup(t)
	createJob(t, store, "req-X", "sess-A")

	sub := newFakeSub("c1", "", "")
	m.Subscribe(context.Background(), ChannelSearch, "req-X", sub)

	msgs := sub.received(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, EventTypeSubNack, msgs[0]["type"])
}

func TestSubscribe_UnknownChannelNack(t *testing.T) {
	m, store := setup(t)
	createJob(t, store, "req-X", "sess-A")

	sub := newFakeSub("c1", "", "sess-A")
	m.Subscribe(context.Background(), "chat", "req-X", sub)

	msgs := sub.received(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, EventTypeSubNack, msgs[0]["type"])
}

func TestPendingSubscription_ActivatedOnJobCreation(t *testing.T) {
	m, store := setup(t)
	ctx := context.Background()

	sub := newFakeSub("c1", "", "sess-A")
	m.Subscribe(ctx, ChannelSearch, "req-late", sub)

	msgs := sub.received(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, EventTypeSubAck, msgs[0]["type"])
	assert.Equal(t, true, msgs[0]["pending"])

	job := createJob(t, store, "req-late", "sess-A")
	m.ActivatePending(ctx, job)

	msgs = sub.received(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, EventTypeSubAck, msgs[1]["type"])
	assert.Nil(t, msgs[1]["pending"])

	// Activation acknowledgement precedes all subsequent progress events.
	m.Deliver(ChannelSearch, "req-late", []byte(`{"n":1}`), false)
	msgs = sub.received(t)
	require.Len(t, msgs, 3)
	assert.Equal(t, float64(1), msgs[2]["n"])
}

func TestPendingSubscription_OwnershipCheckedAtActivation(t *testing.T) {
	m, store := setup(t)
	ctx := context.Background()

	sub := newFakeSub("c1", "", "sess-B")
	m.Subscribe(ctx, ChannelSearch, "req-late", sub)

	job := createJob(t, store, "req-late", "sess-A")
	m.ActivatePending(ctx, job)

	msgs := sub.received(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, EventTypeSubNack, msgs[1]["type"])
	assert.Empty(t, m.SubscribersOf(ChannelSearch, "req-late"))
}

func TestActivatePending_Idempotent(t *testing.T) {
	m, store := setup(t)
	ctx := context.Background()

	sub := newFakeSub("c1", "", "sess-A")
	m.Subscribe(ctx, ChannelSearch, "req-late", sub)

	job := createJob(t, store, "req-late", "sess-A")
	m.ActivatePending(ctx, job)
	m.ActivatePending(ctx, job)

	// Exactly one pending ack and one activation ack.
	assert.Len(t, sub.received(t), 2)
}

func TestUnsubscribeResubscribe_RestoresDelivery(t *testing.T) {
	m, store := setup(t)
	ctx := context.Background()
	createJob(t, store, "req-X", "sess-A")

	sub := newFakeSub("c1", "", "sess-A")
	m.Subscribe(ctx, ChannelSearch, "req-X", sub)
	m.Unsubscribe(ChannelSearch, "req-X", sub)
	m.Unsubscribe(ChannelSearch, "req-X", sub) // idempotent

	m.Deliver(ChannelSearch, "req-X", []byte(`{"n":1}`), false)
	require.Len(t, sub.received(t), 1) // ack only, event went to backlog

	m.Subscribe(ctx, ChannelSearch, "req-X", sub)
	msgs := sub.received(t)
	require.Len(t, msgs, 3) // ack, ack, backlog event
	assert.Equal(t, float64(1), msgs[2]["n"])

	m.Deliver(ChannelSearch, "req-X", []byte(`{"n":2}`), false)
	msgs = sub.received(t)
	require.Len(t, msgs, 4)
	assert.Equal(t, float64(2), msgs[3]["n"])
}

func TestDeliver_PerSubscriberOrder(t *testing.T) {
	m, store := setup(t)
	ctx := context.Background()
	createJob(t, store, "req-X", "sess-A")

	sub := newFakeSub("c1", "", "sess-A")
	m.Subscribe(ctx, ChannelSearch, "req-X", sub)

	for i := 0; i < 50; i++ {
		m.Deliver(ChannelSearch, "req-X", []byte(fmt.Sprintf(`{"n":%d}`, i)), false)
	}

	msgs := sub.received(t)
	require.Len(t, msgs, 51)
	for i := 0; i < 50; i++ {
		assert.Equal(t, float64(i), msgs[i+1]["n"])
	}
}

func TestBacklogOverflow_DropsOldestAndCounts(t *testing.T) {
	store := jobstore.NewMemoryStore()
	m := NewSubscriptionManager(store, 3)
	ctx := context.Background()
	createJob(t, store, "req-X", "sess-A")

	for i := 0; i < 5; i++ {
		m.Deliver(ChannelSearch, "req-X", []byte(fmt.Sprintf(`{"n":%d}`, i)), false)
	}
	assert.Equal(t, int64(2), m.DroppedEvents())

	sub := newFakeSub("c1", "", "sess-A")
	m.Subscribe(ctx, ChannelSearch, "req-X", sub)

	msgs := sub.received(t)
	require.Len(t, msgs, 4) // ack + 3 newest
	assert.Equal(t, float64(2), msgs[1]["n"])
	assert.Equal(t, float64(4), msgs[3]["n"])
}

func TestCompleteRequest_RetainsTerminalEvent(t *testing.T) {
	m, store := setup(t)
	ctx := context.Background()
	job := createJob(t, store, "req-X", "sess-A")

	// Progress and terminal events land in backlog with no subscribers.
	m.Deliver(ChannelSearch, "req-X", []byte(`{"type":"status","n":1}`), false)
	m.Deliver(ChannelSearch, "req-X", []byte(`{"type":"result","final":true}`), true)
	m.CompleteRequest(ctx, job)

	sub := newFakeSub("c1", "", "sess-A")
	m.Subscribe(ctx, ChannelSearch, "req-X", sub)

	msgs := sub.received(t)
	require.Len(t, msgs, 2) // ack + retained terminal only
	assert.Equal(t, "result", msgs[1]["type"])
}

func TestCompleteRequest_RemovesSubscriptions(t *testing.T) {
	m, store := setup(t)
	ctx := context.Background()
	job := createJob(t, store, "req-X", "sess-A")

	sub := newFakeSub("c1", "", "sess-A")
	m.Subscribe(ctx, ChannelSearch, "req-X", sub)
	m.CompleteRequest(ctx, job)

	assert.Empty(t, m.SubscribersOf(ChannelSearch, "req-X"))
}

func TestCompleteRequest_KeepsProviderSubscriptions(t *testing.T) {
	m, store := setup(t)
	ctx := context.Background()
	job := createJob(t, store, "req-X", "sess-A")

	sub := newFakeSub("c1", "", "sess-A")
	m.Subscribe(ctx, ChannelProvider, "req-X", sub)
	m.CompleteRequest(ctx, job)

	// Result patches keep streaming after the search is terminal.
	require.Len(t, m.SubscribersOf(ChannelProvider, "req-X"), 1)
	m.Deliver(ChannelProvider, "req-X", []byte(`{"type":"result_patch"}`), false)

	msgs := sub.received(t)
	assert.Equal(t, "result_patch", msgs[len(msgs)-1]["type"])
}

func TestCleanup_RemovesEverything(t *testing.T) {
	m, store := setup(t)
	ctx := context.Background()
	createJob(t, store, "req-X", "sess-A")

	sub := newFakeSub("c1", "", "sess-A")
	m.Subscribe(ctx, ChannelSearch, "req-X", sub)
	m.Subscribe(ctx, ChannelProvider, "req-X", sub)
	m.Subscribe(ctx, ChannelSearch, "req-future", sub) // pending

	m.Cleanup(sub)

	assert.Empty(t, m.SubscribersOf(ChannelSearch, "req-X"))
	assert.Empty(t, m.SubscribersOf(ChannelProvider, "req-X"))

	// Activation after cleanup delivers nothing.
	job := createJob(t, store, "req-future", "sess-A")
	before := len(sub.received(t))
	m.ActivatePending(ctx, job)
	assert.Len(t, sub.received(t), before)
}

func TestDeliver_DropsFailingSubscriberOthersUnaffected(t *testing.T) {
	m, store := setup(t)
	ctx := context.Background()
	createJob(t, store, "req-X", "sess-A")

	healthy := newFakeSub("ok", "", "sess-A")
	broken := newFakeSub("broken", "", "sess-A")
	m.Subscribe(ctx, ChannelSearch, "req-X", healthy)
	m.Subscribe(ctx, ChannelSearch, "req-X", broken)
	broken.failSend = true

	m.Deliver(ChannelSearch, "req-X", []byte(`{"n":1}`), false)
	m.Deliver(ChannelSearch, "req-X", []byte(`{"n":2}`), false)

	require.Len(t, m.SubscribersOf(ChannelSearch, "req-X"), 1)
	msgs := healthy.received(t)
	assert.Len(t, msgs, 3)
}

func TestSubscribe_TwoObserversBothReceive(t *testing.T) {
	m, store := setup(t)
	ctx := context.Background()
	createJob(t, store, "req-X", "sess-A")

	a := newFakeSub("a", "", "sess-A")
	b := newFakeSub("b", "", "sess-A")
	m.Subscribe(ctx, ChannelSearch, "req-X", a)
	m.Subscribe(ctx, ChannelSearch, "req-X", b)

	m.Deliver(ChannelSearch, "req-X", []byte(`{"type":"result"}`), true)

	assert.Equal(t, "result", a.received(t)[1]["type"])
	assert.Equal(t, "result", b.received(t)[1]["type"])
}
