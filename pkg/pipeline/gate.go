package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/forkcast/forkcast/pkg/llm"
)

const gatePromptVersion = "gate-v3"

const gateSystemPrompt = `You are the gate classifier of a restaurant search
assistant. Decide whether the user's message is a food/restaurant search
query. Reply with a single JSON object:
{"food_signal":"NO"|"UNCERTAIN"|"YES","language":"<ISO 639-1>","confidence":<0..1>,"stop_reason":"<only when food_signal is NO>"}
No other fields. language is the language of the user's message.`

// RunGate classifies the raw query. On LLM failure it returns a synthetic
// stop result (foodSignal NO, confidence 0.1) and the error so the
// orchestrator can surface a failure instead of a silent stop.
func (p *Pipeline) RunGate(ctx context.Context, query string) (*GateResult, error) {
	var out GateResult
	err := p.llm.CompleteJSON(ctx,
		[]llm.Message{
			{Role: llm.RoleSystem, Content: gateSystemPrompt},
			{Role: llm.RoleUser, Content: query},
		},
		&out,
		llm.Options{Timeout: p.cfg.GateTimeout, PromptVersion: gatePromptVersion},
	)
	if err != nil {
		slog.Warn("Gate stage failed, returning synthetic stop",
			"error", err, "kind", llm.KindOf(err))
		return &GateResult{
			FoodSignal: FoodSignalNo,
			Language:   "en",
			Confidence: 0.1,
			StopReason: "gate unavailable",
		}, fmt.Errorf("gate stage: %w", err)
	}
	return &out, nil
}
