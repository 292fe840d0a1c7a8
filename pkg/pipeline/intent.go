package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/forkcast/forkcast/pkg/llm"
)

const intentPromptVersion = "intent-lite-v2"

const intentSystemPrompt = `You extract structured search intent from a
food/restaurant query. Reply with a single JSON object:
{"food":{"canonical":"<English canonical food term>"},
 "location":{"text":"<location text or empty>","is_relative":<bool>},
 "radius_meters":<int, omit when not stated>,
 "target_type":"EXACT"|"COORDS"|"FREE",
 "confidence":<0..1>,
 "virtual":{"kosher":<bool>,"vegan":<bool>,"gluten_free":<bool>,"open_now":<bool>}}
No other fields. is_relative is true for phrasings like "near me" or
"around here". target_type is EXACT for a named place/area, COORDS when the
query is relative to the user's position, FREE otherwise.`

// fallbackIntent is the minimal safe intent used when the LLM fails:
// a generic restaurant search, not relative, free-target, low confidence.
func fallbackIntent() *IntentResult {
	out := &IntentResult{
		TargetType: TargetFree,
		Confidence: 0.1,
	}
	out.Food.Canonical = "restaurant"
	return out
}

// RunIntent extracts the intent-lite record. The gate's detected language is
// passed as a hint. LLM failure falls back to the minimal safe intent.
func (p *Pipeline) RunIntent(ctx context.Context, query string, gate *GateResult) *IntentResult {
	user := fmt.Sprintf("Query (language %s): %s", gate.Language, query)

	var out IntentResult
	err := p.llm.CompleteJSON(ctx,
		[]llm.Message{
			{Role: llm.RoleSystem, Content: intentSystemPrompt},
			{Role: llm.RoleUser, Content: user},
		},
		&out,
		llm.Options{Timeout: p.cfg.IntentTimeout, PromptVersion: intentPromptVersion},
	)
	if err != nil {
		slog.Warn("Intent stage failed, using minimal safe intent",
			"error", err, "kind", llm.KindOf(err))
		return fallbackIntent()
	}
	return &out
}
