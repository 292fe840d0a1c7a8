// Package cache provides an opaque TTL key-value abstraction shared by the
// pipeline and the provider-enrichment queue.
package cache

import (
	"context"
	"time"
)

// Cache is the TTL key-value contract. Values are opaque bytes; a nil return
// with a nil error is a cache miss. Writes are last-writer-wins.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}
