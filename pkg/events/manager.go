package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/forkcast/forkcast/pkg/jobstore"
	"github.com/forkcast/forkcast/pkg/models"
)

// DefaultBacklogCap bounds the per-(channel, requestId) backlog queue.
const DefaultBacklogCap = 256

// JobGetter is the slice of the job store the manager needs for ownership
// checks. Implemented by jobstore.Store.
type JobGetter interface {
	Get(ctx context.Context, requestID string) (*models.Job, error)
}

type subKey struct {
	channel   string
	requestID string
}

type pendingSub struct {
	sub     Subscriber
	channel string
}

// backlog holds events published before any subscriber was present, FIFO.
// The terminal event is kept separately so backlog discard on terminal
// transition never loses it.
type backlog struct {
	events   [][]byte
	terminal []byte
}

// SubscriptionManager owns the (channel, requestId) → subscriber mapping, the
// pending-subscription registry, and the backlog queues. All public methods
// are safe for concurrent use.
//
// Subscriber.Send is enqueue-only (bounded queue at the transport), so it is
// called while holding mu; this is what guarantees that an ack precedes every
// later event for that subscriber and that delivery per subscriber follows
// publish order.
type SubscriptionManager struct {
	jobs       JobGetter
	backlogCap int

	mu       sync.Mutex
	subs     map[subKey][]Subscriber
	pending  map[string][]pendingSub
	backlogs map[subKey]*backlog

	// Count of backlog events discarded due to overflow.
	dropped atomic.Int64
}

// NewSubscriptionManager creates a manager backed by the given job lookup.
func NewSubscriptionManager(jobs JobGetter, backlogCap int) *SubscriptionManager {
	if backlogCap <= 0 {
		backlogCap = DefaultBacklogCap
	}
	return &SubscriptionManager{
		jobs:       jobs,
		backlogCap: backlogCap,
		subs:       make(map[subKey][]Subscriber),
		pending:    make(map[string][]pendingSub),
		backlogs:   make(map[subKey]*backlog),
	}
}

// Subscribe processes a subscribe request and answers the subscriber directly
// with a sub_ack or sub_nack. Three outcomes:
//
//   - the job exists and ownership matches: the subscriber is registered, an
//     ack is sent, and any backlog is drained in FIFO order;
//   - the job does not exist yet: a pending subscription is recorded and an
//     ack with the pending flag is sent;
//   - the job exists but ownership mismatches: a nack is sent and no
//     subscription is created.
func (m *SubscriptionManager) Subscribe(ctx context.Context, channel, requestID string, sub Subscriber) {
	if !ValidChannel(channel) {
		m.sendNack(sub, channel, requestID, ReasonBadChannel)
		return
	}

	job, err := m.jobs.Get(ctx, requestID)
	if errors.Is(err, jobstore.ErrNotFound) {
		m.mu.Lock()
		m.pending[requestID] = append(m.pending[requestID], pendingSub{sub: sub, channel: channel})
		m.mu.Unlock()
		m.sendAck(sub, channel, requestID, true)

		// Close the race where the job was created between the lookup and the
		// pending registration: activation is idempotent, so re-checking here
		// guarantees the entry is not parked forever.
		if job, err := m.jobs.Get(ctx, requestID); err == nil {
			m.ActivatePending(ctx, job)
		}
		return
	}
	if err != nil {
		m.sendNack(sub, channel, requestID, ReasonStoreDown)
		return
	}

	ident := sub.Identity()
	if reason, ok := ownershipReason(job, ident); !ok {
		m.sendNack(sub, channel, requestID, reason)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.addLocked(channel, requestID, sub)
	m.sendAck(sub, channel, requestID, false)
	m.drainBacklogLocked(subKey{channel, requestID}, sub)
}

// ownershipReason checks the ownership contract: the subscriber's session
// must match the job's owning session, and the user id must match when the
// job carries one. Ambiguity results in rejection, never silent acceptance.
func ownershipReason(job *models.Job, ident Identity) (string, bool) {
	if ident.SessionID == "" || job.SessionID != ident.SessionID {
		return ReasonSessionMismatch, false
	}
	if job.OwnerUserID != "" && job.OwnerUserID != ident.UserID {
		return ReasonUserMismatch, false
	}
	return "", true
}

// Unsubscribe removes the subscriber from (channel, requestId). Idempotent.
func (m *SubscriptionManager) Unsubscribe(channel, requestID string, sub Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(subKey{channel, requestID}, sub)
}

// ActivatePending promotes all pending subscriptions for the job's request
// id: ownership is checked per entry, matching entries become normal
// subscriptions and receive an activation ack followed by any backlog;
// mismatching entries receive a nack. Idempotent — the pending list is
// consumed atomically.
func (m *SubscriptionManager) ActivatePending(_ context.Context, job *models.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.pending[job.RequestID]
	if len(entries) == 0 {
		return
	}
	delete(m.pending, job.RequestID)

	for _, entry := range entries {
		if reason, ok := ownershipReason(job, entry.sub.Identity()); !ok {
			m.sendNack(entry.sub, entry.channel, job.RequestID, reason)
			continue
		}
		m.addLocked(entry.channel, job.RequestID, entry.sub)
		m.sendAck(entry.sub, entry.channel, job.RequestID, false)
		m.drainBacklogLocked(subKey{entry.channel, job.RequestID}, entry.sub)
	}
}

// Cleanup removes all of a subscriber's subscriptions and pending entries
// without further notification. Called on connection loss.
func (m *SubscriptionManager) Cleanup(sub Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key := range m.subs {
		m.removeLocked(key, sub)
	}
	for requestID, entries := range m.pending {
		kept := entries[:0]
		for _, entry := range entries {
			if entry.sub.ID() != sub.ID() {
				kept = append(kept, entry)
			}
		}
		if len(kept) == 0 {
			delete(m.pending, requestID)
		} else {
			m.pending[requestID] = kept
		}
	}
}

// CompleteRequest runs after the terminal event for a job has been published:
// it promotes any stragglers in the pending list (so they observe the
// retained terminal event), then removes the search and assistant
// subscriptions for the request and discards their non-terminal backlog. The
// terminal backlog event is retained until delivered to a first subscriber or
// the job is garbage-collected. Provider-channel subscriptions survive:
// result patches keep streaming after the search itself is terminal.
func (m *SubscriptionManager) CompleteRequest(ctx context.Context, job *models.Job) {
	m.ActivatePending(ctx, job)

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, channel := range []string{ChannelSearch, ChannelAssistant} {
		key := subKey{channel, job.RequestID}
		delete(m.subs, key)
		if b, ok := m.backlogs[key]; ok {
			b.events = nil
			if b.terminal == nil {
				delete(m.backlogs, key)
			}
		}
	}
}

// Forget drops all state for a request id, including any retained terminal
// event. Called when the job record itself is deleted.
func (m *SubscriptionManager) Forget(requestID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, channel := range []string{ChannelSearch, ChannelAssistant, ChannelProvider} {
		key := subKey{channel, requestID}
		delete(m.subs, key)
		delete(m.backlogs, key)
	}
	delete(m.pending, requestID)
}

// SubscribersOf returns the current subscribers of (channel, requestId).
func (m *SubscriptionManager) SubscribersOf(channel, requestID string) []Subscriber {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subs[subKey{channel, requestID}]
	out := make([]Subscriber, len(subs))
	copy(out, subs)
	return out
}

// DroppedEvents returns how many backlog events were discarded on overflow.
func (m *SubscriptionManager) DroppedEvents() int64 {
	return m.dropped.Load()
}

// Deliver routes a serialized event to every subscriber of (channel,
// requestId), or appends it to the backlog when none is present. terminal
// marks the event as the job's terminal payload for backlog retention.
// Called by the Publisher.
func (m *SubscriptionManager) Deliver(channel, requestID string, event []byte, terminal bool) {
	key := subKey{channel, requestID}

	m.mu.Lock()
	defer m.mu.Unlock()

	subs := m.subs[key]
	if len(subs) == 0 {
		m.appendBacklogLocked(key, event, terminal)
		return
	}

	var failed []Subscriber
	for _, sub := range subs {
		if err := sub.Send(event); err != nil {
			slog.Warn("Dropping subscriber after send failure",
				"subscriber_id", sub.ID(), "channel", channel, "request_id", requestID, "error", err)
			failed = append(failed, sub)
		}
	}
	for _, sub := range failed {
		m.removeLocked(key, sub)
	}
}

// --- internal, caller holds mu ---

func (m *SubscriptionManager) addLocked(channel, requestID string, sub Subscriber) {
	key := subKey{channel, requestID}
	for _, existing := range m.subs[key] {
		if existing.ID() == sub.ID() {
			return
		}
	}
	m.subs[key] = append(m.subs[key], sub)
}

func (m *SubscriptionManager) removeLocked(key subKey, sub Subscriber) {
	subs := m.subs[key]
	for i, existing := range subs {
		if existing.ID() == sub.ID() {
			m.subs[key] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(m.subs[key]) == 0 {
		delete(m.subs, key)
	}
}

func (m *SubscriptionManager) appendBacklogLocked(key subKey, event []byte, terminal bool) {
	b, ok := m.backlogs[key]
	if !ok {
		b = &backlog{}
		m.backlogs[key] = b
	}
	if terminal {
		b.terminal = event
		return
	}
	b.events = append(b.events, event)
	if len(b.events) > m.backlogCap {
		// Overflow: drop the oldest non-terminal event.
		b.events = b.events[1:]
		m.dropped.Add(1)
	}
}

// drainBacklogLocked delivers the backlog FIFO (terminal event last) to a
// newly activated subscriber, then clears it.
func (m *SubscriptionManager) drainBacklogLocked(key subKey, sub Subscriber) {
	b, ok := m.backlogs[key]
	if !ok {
		return
	}
	for _, event := range b.events {
		if err := sub.Send(event); err != nil {
			slog.Warn("Backlog drain aborted",
				"subscriber_id", sub.ID(), "channel", key.channel, "request_id", key.requestID, "error", err)
			m.removeLocked(key, sub)
			return
		}
	}
	if b.terminal != nil {
		if err := sub.Send(b.terminal); err != nil {
			m.removeLocked(key, sub)
			return
		}
	}
	delete(m.backlogs, key)
}

func (m *SubscriptionManager) sendAck(sub Subscriber, channel, requestID string, pending bool) {
	m.sendControl(sub, SubAckPayload{
		Type:      EventTypeSubAck,
		Channel:   channel,
		RequestID: requestID,
		Pending:   pending,
	})
}

func (m *SubscriptionManager) sendNack(sub Subscriber, channel, requestID, reason string) {
	m.sendControl(sub, SubNackPayload{
		Type:      EventTypeSubNack,
		Channel:   channel,
		RequestID: requestID,
		Reason:    reason,
	})
}

func (m *SubscriptionManager) sendControl(sub Subscriber, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("Failed to marshal control message", "error", err)
		return
	}
	if err := sub.Send(data); err != nil {
		slog.Warn("Failed to send control message", "subscriber_id", sub.ID(), "error", err)
	}
}
