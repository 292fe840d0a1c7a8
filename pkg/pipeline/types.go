// Package pipeline implements the staged search pipeline: Gate → Intent →
// Route → Execute → Cuisine-Score → Post-Filter → Narrator. Each stage has a
// bounded timeout, a prompt version, and a deterministic fallback; optional
// stages degrade instead of aborting the run.
package pipeline

import (
	"fmt"

	"github.com/forkcast/forkcast/pkg/models"
)

// Food signals produced by the gate.
const (
	FoodSignalNo        = "NO"
	FoodSignalUncertain = "UNCERTAIN"
	FoodSignalYes       = "YES"
)

// Intent target types.
const (
	TargetExact  = "EXACT"
	TargetCoords = "COORDS"
	TargetFree   = "FREE"
)

// Terminal states of a pipeline run.
const (
	StateDone    = "DONE"
	StateStop    = "STOP"
	StateClarify = "CLARIFY"
	StateFailed  = "FAILED"
)

// Clarify reasons.
const (
	ReasonMissingLocation = "MISSING_LOCATION"
)

// Suggested actions attached to narrations.
const (
	ActionAskLocation = "ASK_LOCATION"
	ActionRephrase    = "REPHRASE"
	ActionNone        = "NONE"
)

// Request is the pipeline input for one job.
type Request struct {
	Query        string
	UserLocation *models.UserLocation
	Filters      *models.SearchFilters
}

// GateResult is the gate stage output.
type GateResult struct {
	FoodSignal string  `json:"food_signal"`
	Language   string  `json:"language"`
	Confidence float64 `json:"confidence"`
	// StopReason is set on the stop variant: the query is out of domain.
	StopReason string `json:"stop_reason,omitempty"`
}

// Validate enforces the gate output schema beyond its shape.
func (g *GateResult) Validate() error {
	switch g.FoodSignal {
	case FoodSignalNo, FoodSignalUncertain, FoodSignalYes:
	default:
		return fmt.Errorf("food_signal %q out of range", g.FoodSignal)
	}
	if g.Confidence < 0 || g.Confidence > 1 {
		return fmt.Errorf("confidence %v out of range", g.Confidence)
	}
	if g.Language == "" {
		return fmt.Errorf("language is required")
	}
	return nil
}

// IntentLocation describes where to search.
type IntentLocation struct {
	Text       string `json:"text,omitempty"`
	IsRelative bool   `json:"is_relative"`
}

// VirtualFilters are dietary/availability constraints the intent stage lifts
// out of the query text.
type VirtualFilters struct {
	Kosher     bool `json:"kosher,omitempty"`
	Vegan      bool `json:"vegan,omitempty"`
	GlutenFree bool `json:"gluten_free,omitempty"`
	OpenNow    bool `json:"open_now,omitempty"`
}

// IntentResult is the intent-lite stage output.
type IntentResult struct {
	Food struct {
		Canonical string `json:"canonical"` // English canonical food term
	} `json:"food"`
	Location     IntentLocation `json:"location"`
	RadiusMeters int            `json:"radius_meters,omitempty"`
	TargetType   string         `json:"target_type"`
	Confidence   float64        `json:"confidence"`
	Virtual      VirtualFilters `json:"virtual"`
}

// Validate enforces the intent output schema beyond its shape.
func (i *IntentResult) Validate() error {
	switch i.TargetType {
	case TargetExact, TargetCoords, TargetFree:
	default:
		return fmt.Errorf("target_type %q out of range", i.TargetType)
	}
	if i.Confidence < 0 || i.Confidence > 1 {
		return fmt.Errorf("confidence %v out of range", i.Confidence)
	}
	if i.Food.Canonical == "" {
		return fmt.Errorf("food.canonical is required")
	}
	if i.RadiusMeters < 0 {
		return fmt.Errorf("radius_meters must be non-negative")
	}
	return nil
}

// RoutePlan is the deterministic route-map stage output.
type RoutePlan struct {
	Mode         string
	RadiusMeters int
}

// Outcome is the terminal result of a pipeline run.
type Outcome struct {
	State     string
	Result    *models.SearchResult
	Narration *models.Narration
	// Reason is set for CLARIFY outcomes (e.g. MISSING_LOCATION).
	Reason string
	Err    *models.JobError
	// Language is the detected query language, recorded on the job.
	Language string
}

// ProgressFunc receives stage-boundary progress (0..100).
type ProgressFunc func(stage string, progress int)

// Stage names reported through ProgressFunc.
const (
	StageGate       = "GATE"
	StageIntent     = "INTENT"
	StageRoute      = "ROUTE"
	StageExecute    = "EXECUTE"
	StageScore      = "SCORE"
	StagePostFilter = "POSTFILTER"
	StageSummarize  = "SUMMARIZE"
)
