package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/forkcast/forkcast/pkg/llm"
	"github.com/forkcast/forkcast/pkg/models"
)

const cuisinePromptVersion = "cuisine-score-v2"

const cuisineSystemPrompt = `You score how well each candidate restaurant
matches the requested food term. Reply with a single JSON object:
{"scores":{"<place_id>":<0..1>, ...}}
No other fields. Include every listed place id exactly once. 1.0 means a
perfect cuisine match, 0 means unrelated.`

// scoreFastPathMax is the candidate count at or below which the cuisine
// scoring call is skipped entirely.
const scoreFastPathMax = 3

// cuisineScores is the cuisine stage LLM output.
type cuisineScores struct {
	Scores map[string]float64 `json:"scores"`
}

// Validate rejects out-of-range scores.
func (c *cuisineScores) Validate() error {
	for id, s := range c.Scores {
		if s < 0 || s > 1 {
			return fmt.Errorf("score %v for %q out of range", s, id)
		}
	}
	return nil
}

// ScoreCuisine attaches cuisine-match scores to the candidates. Scores are
// boost-only: a failure (or the small-set fast path) yields empty scores and
// the ranking degrades to rating plus proximity. The place order is
// unchanged; only CuisineScore fields are filled.
func (p *Pipeline) ScoreCuisine(ctx context.Context, foodTerm string, candidates []models.RankedPlace) {
	if len(candidates) <= scoreFastPathMax {
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Food term: %s\nCandidates:\n", foodTerm)
	for _, c := range candidates {
		fmt.Fprintf(&sb, "- %s: %s", c.ID, c.Name)
		if len(c.Types) > 0 {
			fmt.Fprintf(&sb, " (%s)", strings.Join(c.Types, ", "))
		}
		sb.WriteByte('\n')
	}

	var out cuisineScores
	err := p.llm.CompleteJSON(ctx,
		[]llm.Message{
			{Role: llm.RoleSystem, Content: cuisineSystemPrompt},
			{Role: llm.RoleUser, Content: sb.String()},
		},
		&out,
		llm.Options{Timeout: p.cfg.CuisineTimeout, PromptVersion: cuisinePromptVersion},
	)
	if err != nil {
		slog.Warn("Cuisine scoring failed, ranking without cuisine boost",
			"error", err, "kind", llm.KindOf(err), "candidates", len(candidates))
		return
	}

	for i := range candidates {
		if s, ok := out.Scores[candidates[i].ID]; ok {
			candidates[i].CuisineScore = s
		}
	}
}
