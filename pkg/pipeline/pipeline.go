package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/forkcast/forkcast/pkg/config"
	"github.com/forkcast/forkcast/pkg/llm"
	"github.com/forkcast/forkcast/pkg/models"
	"github.com/forkcast/forkcast/pkg/places"
)

// Progress values reported at stage boundaries.
var stageProgress = map[string]int{
	StageGate:       15,
	StageIntent:     30,
	StageRoute:      40,
	StageExecute:    60,
	StageScore:      75,
	StagePostFilter: 85,
	StageSummarize:  95,
}

// Pipeline runs the staged search flow for one job at a time. It is safe for
// concurrent use; per-run state lives on the stack.
type Pipeline struct {
	llm      *llm.Client
	cfg      *config.PipelineConfig
	provider places.Provider
	logger   *slog.Logger
}

// New constructs a Pipeline.
func New(client *llm.Client, cfg *config.PipelineConfig, provider places.Provider) *Pipeline {
	return &Pipeline{
		llm:      client,
		cfg:      cfg,
		provider: provider,
		logger:   slog.With("component", "pipeline"),
	}
}

// Run executes the full staged flow and always returns a terminal Outcome.
// Stage failures degrade where the stage has a fallback; only the gate, the
// provider, and context cancellation can fail the whole run.
func (p *Pipeline) Run(ctx context.Context, req *Request, progress ProgressFunc) *Outcome {
	if progress == nil {
		progress = func(string, int) {}
	}
	start := time.Now()

	gate, gateErr := p.RunGate(ctx, req.Query)
	progress(StageGate, stageProgress[StageGate])
	if gateErr != nil {
		return p.failed(ctx, "gate", gateErr)
	}
	lang := gate.Language

	if gate.FoodSignal == FoodSignalNo {
		narration := p.Narrate(ctx, NarrationInput{
			Type:     models.NarrationGateFail,
			Reason:   gate.StopReason,
			Language: lang,
			Query:    req.Query,
		})
		return &Outcome{State: StateStop, Narration: narration, Language: lang}
	}

	hasCoords := req.UserLocation != nil && req.UserLocation.Valid()

	// Language-agnostic override: a "near me" query without coordinates can
	// never be satisfied, regardless of what the intent stage extracts.
	if IsNearMeQuery(req.Query) && !hasCoords {
		return p.clarifyMissingLocation(ctx, req.Query, lang)
	}

	intent := p.RunIntent(ctx, req.Query, gate)
	progress(StageIntent, stageProgress[StageIntent])

	if (intent.Location.IsRelative || intent.TargetType == TargetCoords) && !hasCoords {
		return p.clarifyMissingLocation(ctx, req.Query, lang)
	}

	plan := p.BuildRoute(req, intent)
	progress(StageRoute, stageProgress[StageRoute])

	candidates, err := p.execute(ctx, buildProviderQuery(req, intent, plan))
	progress(StageExecute, stageProgress[StageExecute])
	if err != nil {
		return p.failed(ctx, "execute", err)
	}

	ranked := make([]models.RankedPlace, len(candidates))
	for i, c := range candidates {
		ranked[i] = models.RankedPlace{Place: c}
	}

	p.ScoreCuisine(ctx, intent.Food.Canonical, ranked)
	progress(StageScore, stageProgress[StageScore])

	kept, stats := PostFilter(ranked, req.Filters, intent.Virtual, plan.RadiusMeters)
	progress(StagePostFilter, stageProgress[StagePostFilter])

	result := &models.SearchResult{
		Places: kept,
		Mode:   plan.Mode,
		Stats:  stats,
	}
	result.Assistant = p.Narrate(ctx, NarrationInput{
		Type:     models.NarrationSummary,
		Language: lang,
		Query:    req.Query,
		Result:   result,
	})
	progress(StageSummarize, stageProgress[StageSummarize])

	p.logger.Info("Pipeline run complete",
		"mode", plan.Mode,
		"candidates", stats.Candidates,
		"kept", stats.Kept,
		"language", lang,
		"duration_ms", time.Since(start).Milliseconds())

	return &Outcome{State: StateDone, Result: result, Language: lang}
}

// execute dispatches the provider query with a bounded timeout, retrying once
// on a transient provider failure.
func (p *Pipeline) execute(ctx context.Context, q places.Query) ([]models.Place, error) {
	attempt := func() ([]models.Place, error) {
		callCtx, cancel := context.WithTimeout(ctx, p.cfg.ExecuteTimeout)
		defer cancel()
		return p.provider.Search(callCtx, q)
	}

	out, err := attempt()
	if err != nil && errors.Is(err, places.ErrUnavailable) && ctx.Err() == nil {
		p.logger.Warn("Provider search failed, retrying once", "mode", q.Mode, "error", err)
		out, err = attempt()
	}
	if err != nil {
		return nil, fmt.Errorf("provider search (%s): %w", q.Mode, err)
	}
	return out, nil
}

func (p *Pipeline) clarifyMissingLocation(ctx context.Context, query, lang string) *Outcome {
	narration := p.Narrate(ctx, NarrationInput{
		Type:     models.NarrationClarify,
		Reason:   ReasonMissingLocation,
		Language: lang,
		Query:    query,
	})
	return &Outcome{
		State:     StateClarify,
		Narration: narration,
		Reason:    ReasonMissingLocation,
		Language:  lang,
	}
}

func (p *Pipeline) failed(ctx context.Context, stage string, err error) *Outcome {
	kind := failureKind(ctx, err)
	p.logger.Error("Pipeline run failed", "stage", stage, "kind", kind, "error", err)
	return &Outcome{
		State: StateFailed,
		Err: &models.JobError{
			Code:    stage + "_failed",
			Message: err.Error(),
			Kind:    kind,
		},
	}
}

// failureKind maps a stage error to the job error taxonomy. Cancellation and
// deadline take precedence over the underlying cause.
func failureKind(ctx context.Context, err error) models.ErrorKind {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return models.KindAborted
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return models.KindTimeout
	case errors.Is(err, places.ErrUnavailable):
		return models.KindDependencyDown
	}
	return llm.KindOf(err)
}
