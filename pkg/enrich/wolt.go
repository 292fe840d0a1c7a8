package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/forkcast/forkcast/pkg/models"
)

const defaultWoltBaseURL = "https://restaurant-api.wolt.com"

// WoltResolver resolves places to Wolt venue deep links via the public
// consumer search API, matching venues by normalized name.
type WoltResolver struct {
	baseURL string
	client  *http.Client
}

// NewWoltResolver creates a Wolt resolver. An empty baseURL uses the public
// API endpoint.
func NewWoltResolver(baseURL string, client *http.Client) *WoltResolver {
	if baseURL == "" {
		baseURL = defaultWoltBaseURL
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &WoltResolver{baseURL: baseURL, client: client}
}

type woltSearchResponse struct {
	Sections []struct {
		Items []struct {
			Venue struct {
				Name string `json:"name"`
				Slug string `json:"slug"`
				City string `json:"city"`
			} `json:"venue"`
		} `json:"items"`
	} `json:"sections"`
}

func (w *WoltResolver) Resolve(ctx context.Context, place models.Place) (*Resolution, error) {
	q := url.Values{"q": {place.Name}}
	if place.Location != nil {
		q.Set("lat", fmt.Sprintf("%f", place.Location.Lat))
		q.Set("lon", fmt.Sprintf("%f", place.Location.Lng))
	}
	reqURL := w.baseURL + "/v1/pages/search?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building wolt request: %w", err)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("wolt search: %w: %w", ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("wolt search status %d: %w", resp.StatusCode, ErrTransient)
	default:
		return nil, fmt.Errorf("wolt search status %d", resp.StatusCode)
	}

	var out woltSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding wolt response: %w", err)
	}

	want := normalizeVenueName(place.Name)
	for _, section := range out.Sections {
		for _, item := range section.Items {
			if normalizeVenueName(item.Venue.Name) == want {
				return &Resolution{
					Found: true,
					URL:   fmt.Sprintf("https://wolt.com/restaurant/%s", item.Venue.Slug),
					Meta:  map[string]any{"city": item.Venue.City},
				}, nil
			}
		}
	}
	return &Resolution{Found: false}, nil
}

// normalizeVenueName lowers and collapses whitespace so cosmetic differences
// between the places provider and Wolt do not break matching.
func normalizeVenueName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}
