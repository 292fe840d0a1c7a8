// Package enrich runs the provider-enrichment queue: after a search
// completes, each result place is resolved against third-party providers
// (delivery/booking deep links) and the outcome is streamed to subscribers as
// result patches. Resolution is cache-first with a distributed lock so
// concurrent processes do not hammer a provider for the same place.
package enrich

import (
	"context"
	"errors"

	"github.com/forkcast/forkcast/pkg/models"
)

// ErrTransient marks a resolver failure worth retrying (timeouts, 5xx,
// connection resets). Any other resolver error is treated as final.
var ErrTransient = errors.New("transient provider failure")

// Resolution is the definitive outcome of resolving one place against one
// provider.
type Resolution struct {
	Found bool
	// URL is the provider deep link; set only when Found.
	URL  string
	Meta map[string]any
}

// Resolver maps a place to a provider deep link. Implementations must honour
// context cancellation and wrap retryable failures with ErrTransient.
type Resolver interface {
	Resolve(ctx context.Context, place models.Place) (*Resolution, error)
}
