package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/forkcast/forkcast/pkg/cache"
	"github.com/forkcast/forkcast/pkg/config"
	"github.com/forkcast/forkcast/pkg/events"
	"github.com/forkcast/forkcast/pkg/models"
)

// Patcher is the event sink for result patches.
type Patcher interface {
	PublishProviderPatch(provider, placeID, requestID, status string, url *string, updatedAt time.Time, meta map[string]any) error
}

// record is the cached resolution state for one (provider, place).
type record struct {
	Status    string    `json:"status"` // FOUND | NOT_FOUND
	URL       string    `json:"url,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// job is one unit of work: resolve a place against a provider and patch every
// interested request.
type job struct {
	provider string
	place    models.Place
}

// Queue fans search results out to per-provider worker pools. Each job
// publishes exactly one final patch per interested request, even on panic.
// Requests that enqueue a place already in flight are coalesced onto the
// running job instead of re-resolving.
type Queue struct {
	cfg       *config.EnrichConfig
	resolvers map[string]Resolver
	cache     cache.Cache
	locks     Locker
	patcher   Patcher
	logger    *slog.Logger

	mu       sync.Mutex
	inflight map[string][]string // provider|placeId → waiting request ids
	work     map[string]chan job

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// backoff returns the pause before retry n (1-based). Tests shorten it.
	backoff func(attempt int) time.Duration
}

// NewQueue creates the enrichment queue over the given resolvers. Start must
// be called before Enqueue.
func NewQueue(cfg *config.EnrichConfig, resolvers map[string]Resolver, c cache.Cache, locks Locker, patcher Patcher) *Queue {
	if cfg == nil {
		cfg = config.DefaultEnrichConfig()
	}
	return &Queue{
		cfg:       cfg,
		resolvers: resolvers,
		cache:     c,
		locks:     locks,
		patcher:   patcher,
		logger:    slog.With("component", "enrich"),
		inflight:  make(map[string][]string),
		work:      make(map[string]chan job),
		stopCh:    make(chan struct{}),
		backoff: func(attempt int) time.Duration {
			return time.Duration(1<<(attempt-1)) * time.Second // 1s, 2s, 4s
		},
	}
}

// Start launches the per-provider worker pools.
func (q *Queue) Start() {
	for name, r := range q.resolvers {
		ch := make(chan job, q.cfg.QueueSize)
		q.work[name] = ch
		for i := 0; i < q.cfg.WorkersPerProvider; i++ {
			q.wg.Add(1)
			go q.worker(name, r, ch)
		}
	}
	q.logger.Info("Enrichment queue started",
		"providers", len(q.resolvers), "workers_per_provider", q.cfg.WorkersPerProvider)
}

// Stop drains the workers. Pending jobs in the buffers are abandoned; their
// requests simply never see a patch past PENDING, which subscribers must
// tolerate anyway.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stopCh) })
	q.wg.Wait()
}

// Enqueue schedules every place of a finished search for resolution against
// every configured provider. A PENDING patch is published per accepted
// (provider, place) so clients can render a spinner state.
func (q *Queue) Enqueue(requestID string, places []models.Place) {
	if !q.cfg.Enabled {
		return
	}
	for provider, ch := range q.work {
		for _, place := range places {
			if place.ID == "" {
				continue
			}
			if !q.admit(provider, place, requestID, ch) {
				continue
			}
			if err := q.patcher.PublishProviderPatch(provider, place.ID, requestID,
				events.PatchPending, nil, time.Now().UTC(), nil); err != nil {
				q.logger.Warn("Failed to publish pending patch",
					"provider", provider, "place_id", place.ID, "error", err)
			}
		}
	}
}

// admit registers the request's interest and reports whether a new job was
// accepted. An in-flight (provider, place) coalesces; a full buffer rejects.
func (q *Queue) admit(provider string, place models.Place, requestID string, ch chan job) bool {
	key := provider + "|" + place.ID

	q.mu.Lock()
	if waiting, ok := q.inflight[key]; ok {
		q.inflight[key] = append(waiting, requestID)
		q.mu.Unlock()
		return true
	}
	q.inflight[key] = []string{requestID}
	q.mu.Unlock()

	select {
	case ch <- job{provider: provider, place: place}:
		return true
	default:
		q.mu.Lock()
		delete(q.inflight, key)
		q.mu.Unlock()
		q.logger.Warn("Enrichment buffer full, dropping job",
			"provider", provider, "place_id", place.ID)
		return false
	}
}

// takeWaiters atomically consumes the interest list for a key.
func (q *Queue) takeWaiters(key string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	waiting := q.inflight[key]
	delete(q.inflight, key)
	return waiting
}

func (q *Queue) worker(provider string, r Resolver, ch <-chan job) {
	defer q.wg.Done()
	for {
		select {
		case <-q.stopCh:
			return
		case j := <-ch:
			q.process(provider, r, j)
		}
	}
}

// process resolves one job and publishes its final patch. The recover guard
// upholds the publish guarantee: a panicking resolver still yields a
// NOT_FOUND patch for every waiter instead of leaving them on PENDING.
func (q *Queue) process(provider string, r Resolver, j job) {
	key := provider + "|" + j.place.ID
	published := false

	defer func() {
		if p := recover(); p != nil {
			q.logger.Error("Resolver panicked", "provider", provider,
				"place_id", j.place.ID, "panic", p)
		}
		if !published {
			q.publishFinal(key, provider, j.place.ID, &record{
				Status:    events.PatchNotFound,
				UpdatedAt: time.Now().UTC(),
			}, map[string]any{"reason": "resolution aborted"})
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.JobTimeout)
	defer cancel()

	cacheKey := "enrich:" + provider + ":" + j.place.ID

	if rec := q.cachedRecord(ctx, cacheKey); rec != nil {
		q.publishFinal(key, provider, j.place.ID, rec, nil)
		published = true
		return
	}

	lockKey := "enrich:lock:" + provider + ":" + j.place.ID
	locked, err := q.locks.Acquire(ctx, lockKey, q.cfg.LockTTL)
	switch {
	case err != nil:
		// A broken lock store must not stall patches; resolve without it.
		q.logger.Warn("Lock acquire failed, resolving without lock",
			"key", lockKey, "error", err)
	case !locked:
		// Another process is resolving this place; wait for its cache write.
		rec := q.awaitRecord(ctx, cacheKey)
		if rec == nil {
			rec = &record{Status: events.PatchNotFound, UpdatedAt: time.Now().UTC()}
		}
		q.publishFinal(key, provider, j.place.ID, rec, nil)
		published = true
		return
	default:
		defer func() {
			if err := q.locks.Release(context.Background(), lockKey); err != nil {
				q.logger.Warn("Lock release failed", "key", lockKey, "error", err)
			}
		}()
	}

	rec, meta := q.resolve(ctx, r, j.place)
	// The write must land even after a final timeout, so the cache context
	// outlives the job deadline.
	writeCtx, writeCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer writeCancel()
	if rec.Status == events.PatchFound {
		q.writeCache(writeCtx, cacheKey, rec, q.cfg.FoundTTL)
	} else {
		q.writeCache(writeCtx, cacheKey, rec, q.cfg.NotFoundTTL)
	}

	q.publishFinal(key, provider, j.place.ID, rec, meta)
	published = true
}

// resolve runs the resolver with per-attempt timeouts and up to three retries
// on transient failures. The returned meta is non-nil only when resolution
// errored out, which distinguishes "provider says no" from "could not ask".
func (q *Queue) resolve(ctx context.Context, r Resolver, place models.Place) (*record, map[string]any) {
	var lastErr error
	for attempt := 0; attempt <= 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return &record{Status: events.PatchNotFound, UpdatedAt: time.Now().UTC()},
					map[string]any{"reason": fmt.Sprintf("resolution failed: %v", ctx.Err())}
			case <-time.After(q.backoff(attempt)):
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, q.cfg.SearchTimeout)
		res, err := r.Resolve(callCtx, place)
		cancel()
		if err != nil {
			lastErr = err
			if errors.Is(err, ErrTransient) && ctx.Err() == nil {
				continue
			}
			break
		}

		rec := &record{Status: events.PatchNotFound, UpdatedAt: time.Now().UTC()}
		if res.Found {
			rec.Status = events.PatchFound
			rec.URL = res.URL
		}
		return rec, nil
	}

	return &record{Status: events.PatchNotFound, UpdatedAt: time.Now().UTC()},
		map[string]any{"reason": fmt.Sprintf("resolution failed: %v", lastErr)}
}

// publishFinal patches every waiter registered for the key. URL is attached
// only on FOUND; the publisher enforces that invariant a second time.
func (q *Queue) publishFinal(key, provider, placeID string, rec *record, meta map[string]any) {
	var url *string
	if rec.Status == events.PatchFound && rec.URL != "" {
		url = &rec.URL
	}
	for _, requestID := range q.takeWaiters(key) {
		if err := q.patcher.PublishProviderPatch(provider, placeID, requestID,
			rec.Status, url, rec.UpdatedAt, meta); err != nil {
			q.logger.Warn("Failed to publish result patch",
				"provider", provider, "place_id", placeID,
				"request_id", requestID, "error", err)
		}
	}
}

func (q *Queue) cachedRecord(ctx context.Context, cacheKey string) *record {
	data, err := q.cache.Get(ctx, cacheKey)
	if err != nil {
		q.logger.Warn("Cache read failed", "key", cacheKey, "error", err)
		return nil
	}
	if data == nil {
		return nil
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		q.logger.Warn("Corrupt cache record, ignoring", "key", cacheKey, "error", err)
		return nil
	}
	return &rec
}

func (q *Queue) writeCache(ctx context.Context, cacheKey string, rec *record, ttl time.Duration) {
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := q.cache.Set(ctx, cacheKey, data, ttl); err != nil {
		q.logger.Warn("Cache write failed", "key", cacheKey, "error", err)
	}
}

// awaitRecord polls the cache for the concurrent resolver's write until the
// job deadline.
func (q *Queue) awaitRecord(ctx context.Context, cacheKey string) *record {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if rec := q.cachedRecord(ctx, cacheKey); rec != nil {
				return rec
			}
		}
	}
}
