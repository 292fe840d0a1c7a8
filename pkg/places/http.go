package places

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/forkcast/forkcast/pkg/models"
)

const defaultPlacesBaseURL = "https://maps.googleapis.com"

// ProviderConfig configures the HTTP places provider.
type ProviderConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPProvider dispatches nearby and text searches against a Places-style
// HTTP API.
type HTTPProvider struct {
	cfg    ProviderConfig
	client *http.Client
}

// NewHTTPProvider creates the provider. Zero-value config fields fall back to
// defaults.
func NewHTTPProvider(cfg ProviderConfig) *HTTPProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultPlacesBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &HTTPProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type placesResponse struct {
	Status  string `json:"status"`
	Results []struct {
		PlaceID          string   `json:"place_id"`
		Name             string   `json:"name"`
		Vicinity         string   `json:"vicinity"`
		FormattedAddress string   `json:"formatted_address"`
		Rating           float64  `json:"rating"`
		UserRatingsTotal int      `json:"user_ratings_total"`
		PriceLevel       *int     `json:"price_level"`
		Types            []string `json:"types"`
		Geometry         struct {
			Location struct {
				Lat float64 `json:"lat"`
				Lng float64 `json:"lng"`
			} `json:"location"`
		} `json:"geometry"`
		OpeningHours *struct {
			OpenNow *bool `json:"open_now"`
		} `json:"opening_hours"`
	} `json:"results"`
}

// Search dispatches the query. Transport failures, 429, and 5xx map to
// ErrUnavailable so the execute stage can retry.
func (p *HTTPProvider) Search(ctx context.Context, query Query) ([]models.Place, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.buildURL(query), nil)
	if err != nil {
		return nil, fmt.Errorf("building places request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	default:
		return nil, fmt.Errorf("places search status %d", resp.StatusCode)
	}

	var out placesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding places response: %w", err)
	}
	switch out.Status {
	case "OK", "ZERO_RESULTS":
	case "OVER_QUERY_LIMIT", "UNKNOWN_ERROR":
		return nil, fmt.Errorf("%w: upstream status %s", ErrUnavailable, out.Status)
	default:
		return nil, fmt.Errorf("places search rejected: %s", out.Status)
	}

	places := make([]models.Place, 0, len(out.Results))
	for _, r := range out.Results {
		place := models.Place{
			ID:          r.PlaceID,
			Name:        r.Name,
			Address:     r.FormattedAddress,
			Rating:      r.Rating,
			RatingCount: r.UserRatingsTotal,
			Types:       r.Types,
			Location: &models.UserLocation{
				Lat: r.Geometry.Location.Lat,
				Lng: r.Geometry.Location.Lng,
			},
		}
		if place.Address == "" {
			place.Address = r.Vicinity
		}
		if r.PriceLevel != nil {
			place.PriceLevel = *r.PriceLevel
		}
		if r.OpeningHours != nil {
			place.OpenNow = r.OpeningHours.OpenNow
		}
		if query.Center != nil {
			place.DistanceMeters = haversineMeters(*query.Center, *place.Location)
		}
		places = append(places, place)
	}
	return places, nil
}

func (p *HTTPProvider) buildURL(query Query) string {
	values := url.Values{}
	if p.cfg.APIKey != "" {
		values.Set("key", p.cfg.APIKey)
	}
	if query.OpenNow {
		values.Set("opennow", "true")
	}

	var path string
	if query.Mode == ModeNearby && query.Center != nil {
		path = "/maps/api/place/nearbysearch/json"
		values.Set("location", fmt.Sprintf("%f,%f", query.Center.Lat, query.Center.Lng))
		values.Set("radius", strconv.Itoa(query.RadiusMeters))
		values.Set("keyword", query.Keyword)
	} else {
		path = "/maps/api/place/textsearch/json"
		q := query.Keyword
		if query.LocationText != "" {
			q += " in " + query.LocationText
		}
		values.Set("query", q)
	}
	return p.cfg.BaseURL + path + "?" + values.Encode()
}

// haversineMeters computes the great-circle distance between two coordinates.
func haversineMeters(a, b models.UserLocation) float64 {
	const earthRadiusM = 6371000
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusM * math.Asin(math.Sqrt(h))
}
