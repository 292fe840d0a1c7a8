// Package places defines the port to the external places provider. The
// concrete provider API lives outside the core; the pipeline depends only on
// this contract.
package places

import (
	"context"
	"errors"

	"github.com/forkcast/forkcast/pkg/models"
)

// Search modes.
const (
	ModeNearby = "nearbysearch"
	ModeText   = "textsearch"
)

// ErrUnavailable indicates a transient provider failure; the execute stage
// retries once before surfacing it.
var ErrUnavailable = errors.New("places provider unavailable")

// Query is a single provider dispatch.
type Query struct {
	Mode string
	// Keyword is the canonical (English) food term.
	Keyword string
	// LocationText is the free-text location for textsearch.
	LocationText string
	// Center is the coordinate for nearbysearch.
	Center       *models.UserLocation
	RadiusMeters int
	OpenNow      bool
}

// Provider returns candidate places for a query. Implementations must honour
// context cancellation.
type Provider interface {
	Search(ctx context.Context, query Query) ([]models.Place, error)
}
