// Package api exposes the HTTP and WebSocket surface: search submission, job
// polling, session management, health, and the real-time subscription
// endpoint.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/forkcast/forkcast/pkg/config"
	"github.com/forkcast/forkcast/pkg/events"
	"github.com/forkcast/forkcast/pkg/jobstore"
	"github.com/forkcast/forkcast/pkg/models"
	"github.com/forkcast/forkcast/pkg/orchestrator"
	"github.com/forkcast/forkcast/pkg/sessionstore"
	"github.com/forkcast/forkcast/pkg/version"
)

// Submitter is the orchestrator surface the API needs.
type Submitter interface {
	Submit(ctx context.Context, params orchestrator.SubmitParams) (*orchestrator.SubmitResult, error)
	Stop(requestID string) bool
}

// Server wires the HTTP handlers and the WebSocket endpoint.
type Server struct {
	cfg      *config.ServerConfig
	orch     Submitter
	jobs     jobstore.Store
	sessions sessionstore.Store
	subs     *events.SubscriptionManager
	logger   *slog.Logger
	engine   *gin.Engine
}

// NewServer builds the router. Run starts serving.
func NewServer(cfg *config.ServerConfig, orch Submitter, jobs jobstore.Store,
	sessions sessionstore.Store, subs *events.SubscriptionManager) *Server {
	if !cfg.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:      cfg,
		orch:     orch,
		jobs:     jobs,
		sessions: sessions,
		subs:     subs,
		logger:   slog.With("component", "api"),
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger())

	engine.GET("/health", s.handleHealth)
	engine.GET("/ws", s.handleWS)

	v1 := engine.Group("/api/v1")
	{
		v1.POST("/sessions", s.handleCreateSession)
		v1.DELETE("/sessions/:id", s.handleDeleteSession)
		v1.POST("/search", s.handleSearch)
		v1.GET("/jobs/:id", s.handleGetJob)
		v1.POST("/jobs/:id/stop", s.handleStopJob)
	}

	s.engine = engine
	return s
}

// Handler returns the root HTTP handler, used by Run and by test servers.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until the context is canceled, then drains with a grace period.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    ":" + s.cfg.HTTPPort,
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "port", s.cfg.HTTPPort, "version", version.Full())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/health" {
			return
		}
		s.logger.Info("Request handled",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	code := http.StatusOK
	jobStore := "up"
	if _, err := s.jobs.Get(ctx, "health-probe"); err != nil && !errors.Is(err, jobstore.ErrNotFound) {
		status = "degraded"
		code = http.StatusServiceUnavailable
		jobStore = "down"
	}

	c.JSON(code, gin.H{
		"status":        status,
		"version":       version.Full(),
		"jobStore":      jobStore,
		"droppedEvents": s.subs.DroppedEvents(),
	})
}

// sessionID extracts the caller's session id: header first, query fallback.
func sessionID(c *gin.Context) string {
	if id := c.GetHeader("X-Session-ID"); id != "" {
		return id
	}
	return c.Query("sessionId")
}

func userID(c *gin.Context) string {
	return c.GetHeader("X-User-ID")
}

// ownedJob loads a job and enforces the ownership contract for polling.
func (s *Server) ownedJob(c *gin.Context) (*models.Job, bool) {
	job, err := s.jobs.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, jobstore.ErrNotFound) {
		c.JSON(http.StatusNotFound, errorBody("not_found", "no such request"))
		return nil, false
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, errorBody("store_unavailable", "job store unavailable"))
		return nil, false
	}
	if !job.OwnedBy(userID(c), sessionID(c)) {
		c.JSON(http.StatusForbidden, errorBody("forbidden", "request belongs to another session"))
		return nil, false
	}
	return job, true
}

func errorBody(code, message string) gin.H {
	return gin.H{"error": gin.H{"code": code, "message": message}}
}
