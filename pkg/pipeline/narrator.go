package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/forkcast/forkcast/pkg/llm"
	"github.com/forkcast/forkcast/pkg/models"
)

const narratorPromptVersion = "narrator-v2"

// maxNarrationLen caps the assistant message length in runes.
const maxNarrationLen = 240

const narratorSystemPrompt = `You write the one-or-two sentence assistant
message shown with restaurant search output, in the user's language. Reply
with a single JSON object:
{"message":"<text>","question":"<only for CLARIFY>","suggested_action":"ASK_LOCATION"|"REPHRASE"|"NONE"}
No other fields. Be brief and concrete; never invent places or facts that are
not in the provided summary.`

// narratorOutput is the narrator stage LLM output.
type narratorOutput struct {
	Message         string `json:"message"`
	Question        string `json:"question,omitempty"`
	SuggestedAction string `json:"suggested_action,omitempty"`
}

// Validate enforces the narrator output schema beyond its shape.
func (n *narratorOutput) Validate() error {
	if n.Message == "" {
		return fmt.Errorf("message is required")
	}
	switch n.SuggestedAction {
	case "", ActionAskLocation, ActionRephrase, ActionNone:
	default:
		return fmt.Errorf("suggested_action %q out of range", n.SuggestedAction)
	}
	return nil
}

// NarrationInput carries everything the narrator may reference.
type NarrationInput struct {
	Type     models.NarrationType
	Reason   string // clarify reason or gate stop reason
	Language string
	Query    string
	// Result is set for SUMMARY narrations.
	Result *models.SearchResult
}

// Narrate produces the assistant message. When the narrator is disabled or
// the LLM fails, the deterministic fallback table supplies the message. The
// returned narration always satisfies the structural invariants: CLARIFY
// carries a question and blocks the search, other types never carry one, and
// the message is truncated to the length cap.
func (p *Pipeline) Narrate(ctx context.Context, in NarrationInput) *models.Narration {
	n := &models.Narration{
		Type:            in.Type,
		BlocksSearch:    in.Type != models.NarrationSummary,
		SuggestedAction: ActionNone,
	}

	if p.cfg.NarratorEnabled {
		if out, err := p.narrateLLM(ctx, in); err == nil {
			n.Message = out.Message
			n.Question = out.Question
			if out.SuggestedAction != "" {
				n.SuggestedAction = out.SuggestedAction
			}
		} else {
			slog.Warn("Narrator failed, using fallback message",
				"error", err, "kind", llm.KindOf(err), "type", in.Type)
		}
	}
	if n.Message == "" {
		n.Message, n.Question, n.SuggestedAction = fallbackNarration(in)
	}

	enforceNarrationInvariants(n, in)
	return n
}

func (p *Pipeline) narrateLLM(ctx context.Context, in NarrationInput) (*narratorOutput, error) {
	user := fmt.Sprintf("Type: %s\nLanguage: %s\nQuery: %s\n", in.Type, in.Language, in.Query)
	if in.Reason != "" {
		user += fmt.Sprintf("Reason: %s\n", in.Reason)
	}
	if in.Result != nil {
		user += fmt.Sprintf("Results: %d places kept of %d candidates, mode %s\n",
			in.Result.Stats.Kept, in.Result.Stats.Candidates, in.Result.Mode)
		for i, pl := range in.Result.Places {
			if i == 3 {
				break
			}
			user += fmt.Sprintf("- %s (rating %.1f)\n", pl.Name, pl.Rating)
		}
	}

	var out narratorOutput
	err := p.llm.CompleteJSON(ctx,
		[]llm.Message{
			{Role: llm.RoleSystem, Content: narratorSystemPrompt},
			{Role: llm.RoleUser, Content: user},
		},
		&out,
		llm.Options{Timeout: p.cfg.NarratorTimeout, PromptVersion: narratorPromptVersion},
	)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// fallbackNarration is the deterministic message table keyed by narration
// type, reason, and language. Unknown languages fall back to English.
func fallbackNarration(in NarrationInput) (message, question, action string) {
	lang := in.Language
	if lang != "en" && lang != "he" {
		lang = "en"
	}

	switch in.Type {
	case models.NarrationClarify:
		if in.Reason == ReasonMissingLocation {
			if lang == "he" {
				return "כדי לחפש לידך אני צריך מיקום.", "לשתף את המיקום שלך?", ActionAskLocation
			}
			return "I need a location to search near you.", "Can you share your location?", ActionAskLocation
		}
		if lang == "he" {
			return "אני צריך עוד פרט אחד כדי לחפש.", "אפשר לנסח מחדש?", ActionRephrase
		}
		return "I need one more detail to search.", "Could you rephrase your request?", ActionRephrase
	case models.NarrationGateFail:
		if lang == "he" {
			return "אני עוזר רק בחיפוש מסעדות ואוכל.", "", ActionRephrase
		}
		return "I can only help with restaurant and food searches.", "", ActionRephrase
	default: // SUMMARY
		if in.Result != nil && in.Result.Stats.Kept == 0 {
			if lang == "he" {
				return "לא מצאתי התאמות, נסה להרחיב את החיפוש.", "", ActionRephrase
			}
			return "No matches found, try widening the search.", "", ActionRephrase
		}
		if lang == "he" {
			return "הנה מה שמצאתי.", "", ActionNone
		}
		return "Here is what I found.", "", ActionNone
	}
}

func enforceNarrationInvariants(n *models.Narration, in NarrationInput) {
	if n.Type == models.NarrationClarify {
		n.BlocksSearch = true
		if n.Question == "" {
			_, n.Question, _ = fallbackNarration(in)
			if n.Question == "" {
				n.Question = "Could you clarify your request?"
			}
		}
	} else {
		n.Question = ""
		n.BlocksSearch = n.Type != models.NarrationSummary
	}
	n.Message = truncateRunes(n.Message, maxNarrationLen)
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max-1]) + "…"
}
