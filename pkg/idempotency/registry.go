package idempotency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Registry maps an in-flight fingerprint to its request id. Claims are
// released when the job reaches a terminal state; the TTL is a backstop
// matching the maximum job lifetime.
type Registry interface {
	// Claim registers the fingerprint for requestID. Returns false when an
	// in-flight claim already exists.
	Claim(ctx context.Context, fingerprint, requestID string) (bool, error)
	// Lookup returns the in-flight request id, or "" when none exists.
	Lookup(ctx context.Context, fingerprint string) (string, error)
	Release(ctx context.Context, fingerprint string) error
}

// RedisRegistry is a Redis-backed Registry using SET NX.
type RedisRegistry struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisRegistry creates a Redis-backed registry. ttl should match the
// maximum job lifetime.
func NewRedisRegistry(client *redis.Client, ttl time.Duration) *RedisRegistry {
	return &RedisRegistry{client: client, ttl: ttl}
}

func claimKey(fingerprint string) string {
	return "idem:" + fingerprint
}

// Claim registers the fingerprint unless already claimed.
func (r *RedisRegistry) Claim(ctx context.Context, fingerprint, requestID string) (bool, error) {
	ok, err := r.client.SetNX(ctx, claimKey(fingerprint), requestID, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claiming fingerprint: %w", err)
	}
	return ok, nil
}

// Lookup returns the in-flight request id, or "".
func (r *RedisRegistry) Lookup(ctx context.Context, fingerprint string) (string, error) {
	requestID, err := r.client.Get(ctx, claimKey(fingerprint)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("looking up fingerprint: %w", err)
	}
	return requestID, nil
}

// Release drops the claim. Releasing an absent claim is a no-op.
func (r *RedisRegistry) Release(ctx context.Context, fingerprint string) error {
	if err := r.client.Del(ctx, claimKey(fingerprint)).Err(); err != nil {
		return fmt.Errorf("releasing fingerprint: %w", err)
	}
	return nil
}

// MemoryRegistry is an in-process Registry for tests and single-node runs.
type MemoryRegistry struct {
	claims map[string]memoryClaim
	ttl    time.Duration
	mu     sync.Mutex
	now    func() time.Time
}

type memoryClaim struct {
	requestID string
	expiresAt time.Time
}

// NewMemoryRegistry creates an in-memory registry.
func NewMemoryRegistry(ttl time.Duration) *MemoryRegistry {
	return &MemoryRegistry{
		claims: make(map[string]memoryClaim),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Claim registers the fingerprint unless already claimed.
func (r *MemoryRegistry) Claim(_ context.Context, fingerprint, requestID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if claim, ok := r.claims[fingerprint]; ok && r.now().Before(claim.expiresAt) {
		return false, nil
	}
	r.claims[fingerprint] = memoryClaim{requestID: requestID, expiresAt: r.now().Add(r.ttl)}
	return true, nil
}

// Lookup returns the in-flight request id, or "".
func (r *MemoryRegistry) Lookup(_ context.Context, fingerprint string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	claim, ok := r.claims[fingerprint]
	if !ok || r.now().After(claim.expiresAt) {
		return "", nil
	}
	return claim.requestID, nil
}

// Release drops the claim.
func (r *MemoryRegistry) Release(_ context.Context, fingerprint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.claims, fingerprint)
	return nil
}
