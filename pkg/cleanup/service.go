// Package cleanup enforces data retention: expired terminal jobs are swept
// from the store and their retained event state is released.
package cleanup

import (
	"context"
	"log/slog"
	"time"
)

// JobSweeper removes expired terminal jobs and reports which request ids were
// swept. Implemented by the in-memory job store; Redis deployments expire
// records via key TTL and run without a sweeper.
type JobSweeper interface {
	SweepTerminal(ctx context.Context, olderThan time.Duration) ([]string, error)
}

// Forgetter releases per-request event state (retained terminal events,
// pending subscriptions). Implemented by the subscription manager.
type Forgetter interface {
	Forget(requestID string)
}

// Config tunes the retention loop.
type Config struct {
	// Retention is how long a terminal job is kept after its last update.
	Retention time.Duration
	Interval  time.Duration
}

// DefaultConfig returns the built-in retention defaults.
func DefaultConfig() Config {
	return Config{
		Retention: time.Hour,
		Interval:  5 * time.Minute,
	}
}

// Service periodically sweeps expired terminal jobs. All operations are
// idempotent.
type Service struct {
	cfg     Config
	sweeper JobSweeper
	events  Forgetter

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a cleanup service.
func NewService(cfg Config, sweeper JobSweeper, events Forgetter) *Service {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultConfig().Retention
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	return &Service{cfg: cfg, sweeper: sweeper, events: events}
}

// Start launches the background sweep loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"retention", s.cfg.Retention,
		"interval", s.cfg.Interval)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.sweep(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	swept, err := s.sweeper.SweepTerminal(ctx, s.cfg.Retention)
	if err != nil {
		slog.Error("Retention: job sweep failed", "error", err)
		return
	}
	for _, requestID := range swept {
		s.events.Forget(requestID)
	}
	if len(swept) > 0 {
		slog.Info("Retention: swept expired jobs", "count", len(swept))
	}
}
