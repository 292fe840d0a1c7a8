package places

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forkcast/forkcast/pkg/models"
)

const nearbyResponse = `{
	"status": "OK",
	"results": [{
		"place_id": "p1",
		"name": "Pizza Roma",
		"vicinity": "12 Herzl St",
		"rating": 4.4,
		"user_ratings_total": 310,
		"price_level": 2,
		"types": ["restaurant", "food"],
		"geometry": {"location": {"lat": 32.081, "lng": 34.781}},
		"opening_hours": {"open_now": true}
	}]
}`

func TestSearchNearby(t *testing.T) {
	var gotPath string
	var gotQuery map[string][]string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query()
		w.Write([]byte(nearbyResponse))
	}))
	defer ts.Close()

	p := NewHTTPProvider(ProviderConfig{BaseURL: ts.URL, APIKey: "k"})
	center := &models.UserLocation{Lat: 32.08, Lng: 34.78}
	out, err := p.Search(context.Background(), Query{
		Mode: ModeNearby, Keyword: "pizza", Center: center, RadiusMeters: 2000, OpenNow: true,
	})

	require.NoError(t, err)
	assert.Equal(t, "/maps/api/place/nearbysearch/json", gotPath)
	assert.Equal(t, "pizza", gotQuery["keyword"][0])
	assert.Equal(t, "2000", gotQuery["radius"][0])
	assert.Equal(t, "true", gotQuery["opennow"][0])

	require.Len(t, out, 1)
	got := out[0]
	assert.Equal(t, "p1", got.ID)
	assert.Equal(t, "12 Herzl St", got.Address)
	assert.Equal(t, 2, got.PriceLevel)
	require.NotNil(t, got.OpenNow)
	assert.True(t, *got.OpenNow)
	// ~150m between the two coordinates.
	assert.InDelta(t, 150, got.DistanceMeters, 30)
}

func TestSearchTextBuildsQuery(t *testing.T) {
	var gotPath, gotQuery string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query().Get("query")
		w.Write([]byte(`{"status":"ZERO_RESULTS","results":[]}`))
	}))
	defer ts.Close()

	p := NewHTTPProvider(ProviderConfig{BaseURL: ts.URL})
	out, err := p.Search(context.Background(), Query{
		Mode: ModeText, Keyword: "sushi", LocationText: "tel aviv",
	})

	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, "/maps/api/place/textsearch/json", gotPath)
	assert.Equal(t, "sushi in tel aviv", gotQuery)
}

func TestSearchServerErrorIsUnavailable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	p := NewHTTPProvider(ProviderConfig{BaseURL: ts.URL})
	_, err := p.Search(context.Background(), Query{Mode: ModeText, Keyword: "sushi"})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestSearchUpstreamQuotaIsUnavailable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"status":"OVER_QUERY_LIMIT","results":[]}`))
	}))
	defer ts.Close()

	p := NewHTTPProvider(ProviderConfig{BaseURL: ts.URL})
	_, err := p.Search(context.Background(), Query{Mode: ModeText, Keyword: "sushi"})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestSearchRejectedStatusIsPermanent(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"status":"REQUEST_DENIED","results":[]}`))
	}))
	defer ts.Close()

	p := NewHTTPProvider(ProviderConfig{BaseURL: ts.URL})
	_, err := p.Search(context.Background(), Query{Mode: ModeText, Keyword: "sushi"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnavailable)
}
