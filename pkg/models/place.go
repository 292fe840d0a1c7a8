package models

import "encoding/json"

// UserLocation is a client-supplied coordinate pair.
type UserLocation struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the coordinates are inside WGS-84 bounds.
func (l UserLocation) Valid() bool {
	return l.Lat >= -90 && l.Lat <= 90 && l.Lng >= -180 && l.Lng <= 180
}

// SearchFilters is the unified filter set accepted at submission and applied
// by the post-filter stage.
type SearchFilters struct {
	OpenNow    bool     `json:"open_now,omitempty"`
	PriceLevel int      `json:"price_level,omitempty"` // 1..4, 0 = unset
	Dietary    []string `json:"dietary,omitempty"`     // e.g. kosher, vegan, gluten_free
	MustHave   []string `json:"must_have,omitempty"`   // e.g. wheelchair_accessible
}

// Place is one candidate returned by the places provider.
type Place struct {
	ID             string        `json:"place_id"`
	Name           string        `json:"name"`
	Address        string        `json:"address,omitempty"`
	CityText       string        `json:"city_text,omitempty"`
	Location       *UserLocation `json:"location,omitempty"`
	Rating         float64       `json:"rating,omitempty"`       // 0..5
	RatingCount    int           `json:"rating_count,omitempty"` //
	PriceLevel     int           `json:"price_level,omitempty"`  // 1..4, 0 = unknown
	OpenNow        *bool         `json:"open_now,omitempty"`     // nil = unknown
	Types          []string      `json:"types,omitempty"`
	Attributes     []string      `json:"attributes,omitempty"` // dietary/accessibility tags
	DistanceMeters float64       `json:"distance_meters,omitempty"`
}

// RankedPlace is a place plus the scores attached during ranking.
type RankedPlace struct {
	Place
	CuisineScore float64 `json:"cuisine_score"` // 0..1, boost-only
	RankScore    float64 `json:"rank_score"`    // final sort key
}

// SearchResult is the result document attached to a DONE_SUCCESS job.
type SearchResult struct {
	Places    []RankedPlace `json:"places"`
	Mode      string        `json:"mode"` // nearbysearch | textsearch
	Assistant *Narration    `json:"assistant,omitempty"`
	Stats     FilterStats   `json:"stats"`
}

// FilterStats records how many candidates each post-filter constraint removed.
type FilterStats struct {
	Candidates    int `json:"candidates"`
	Kept          int `json:"kept"`
	DroppedClosed int `json:"dropped_closed"`
	DroppedPrice  int `json:"dropped_price"`
	DroppedDiet   int `json:"dropped_dietary"`
	DroppedAccess int `json:"dropped_accessibility"`
}

// NarrationType discriminates assistant messages.
type NarrationType string

// Narration type constants.
const (
	NarrationGateFail NarrationType = "GATE_FAIL"
	NarrationClarify  NarrationType = "CLARIFY"
	NarrationSummary  NarrationType = "SUMMARY"
)

// Narration is the small assistant message shown with results.
// Invariants (enforced by the narrator stage): CLARIFY ⇒ BlocksSearch and a
// non-empty Question; otherwise Question is empty; Message ≤ 240 chars.
type Narration struct {
	Type            NarrationType `json:"type"`
	Message         string        `json:"message"`
	Question        string        `json:"question,omitempty"`
	SuggestedAction string        `json:"suggested_action,omitempty"`
	BlocksSearch    bool          `json:"blocks_search"`
}

// MarshalJSON always emits the question field, as an explicit null when the
// narration carries none.
func (n Narration) MarshalJSON() ([]byte, error) {
	type narration Narration
	out := struct {
		narration
		Question *string `json:"question"`
	}{narration: narration(n)}
	if n.Question != "" {
		out.Question = &n.Question
	}
	return json.Marshal(out)
}
