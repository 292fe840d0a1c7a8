package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/forkcast/forkcast/pkg/models"
	"github.com/forkcast/forkcast/pkg/orchestrator"
	"github.com/forkcast/forkcast/pkg/sessionstore"
)

// searchRequest is the POST /api/v1/search body.
type searchRequest struct {
	SessionID string                `json:"sessionId"`
	Query     string                `json:"query"`
	Mode      string                `json:"mode,omitempty"`
	Location  *models.UserLocation  `json:"location,omitempty"`
	Filters   *models.SearchFilters `json:"filters,omitempty"`
}

// searchResponse is the accepted-submission receipt.
type searchResponse struct {
	RequestID string `json:"requestId"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

func (s *Server) handleSearch(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("bad_request", "malformed JSON body"))
		return
	}
	if req.SessionID == "" {
		req.SessionID = sessionID(c)
	}

	res, err := s.orch.Submit(c.Request.Context(), orchestrator.SubmitParams{
		SessionID: req.SessionID,
		UserID:    userID(c),
		Query:     req.Query,
		Mode:      req.Mode,
		Location:  req.Location,
		Filters:   req.Filters,
		TraceID:   c.GetHeader("X-Trace-ID"),
	})
	if err != nil {
		var verr *orchestrator.ValidationError
		switch {
		case errors.As(err, &verr):
			c.JSON(http.StatusBadRequest, errorBody("validation", verr.Error()))
		case errors.Is(err, orchestrator.ErrInvalidSession):
			c.JSON(http.StatusUnauthorized, errorBody("invalid_session", "unknown or expired session"))
		default:
			s.logger.Error("Submit failed", "error", err)
			c.JSON(http.StatusServiceUnavailable, errorBody("unavailable", "could not accept search"))
		}
		return
	}

	c.JSON(http.StatusAccepted, searchResponse{RequestID: res.RequestID, Duplicate: res.Duplicate})
}

// jobResponse is the polling snapshot of a job.
type jobResponse struct {
	RequestID string           `json:"requestId"`
	Status    models.JobStatus `json:"status"`
	Progress  int              `json:"progress"`
	Language  string           `json:"language,omitempty"`
	Result    map[string]any   `json:"result,omitempty"`
	Error     *models.JobError `json:"error,omitempty"`
}

func (s *Server) handleGetJob(c *gin.Context) {
	job, ok := s.ownedJob(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, jobResponse{
		RequestID: job.RequestID,
		Status:    job.Status,
		Progress:  job.Progress,
		Language:  job.DetectedLanguage,
		Result:    job.Result,
		Error:     job.Error,
	})
}

func (s *Server) handleStopJob(c *gin.Context) {
	job, ok := s.ownedJob(c)
	if !ok {
		return
	}
	if job.Status.IsTerminal() {
		c.JSON(http.StatusConflict, errorBody("already_terminal", "job already finished"))
		return
	}
	s.orch.Stop(job.RequestID)
	c.JSON(http.StatusAccepted, gin.H{"requestId": job.RequestID, "stopping": true})
}

// createSessionRequest optionally binds the session to a user.
type createSessionRequest struct {
	UserID string `json:"userId,omitempty"`
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	// An empty body is a valid anonymous-session request.
	_ = c.ShouldBindJSON(&req)

	session, err := s.sessions.Create(c.Request.Context(), req.UserID)
	if err != nil {
		s.logger.Error("Session create failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, errorBody("unavailable", "could not create session"))
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"sessionId": session.ID,
		"userId":    session.UserID,
		"createdAt": session.CreatedAt,
	})
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	id := c.Param("id")
	if err := s.sessions.Delete(c.Request.Context(), id); err != nil {
		if errors.Is(err, sessionstore.ErrNotFound) {
			c.JSON(http.StatusNotFound, errorBody("not_found", "no such session"))
			return
		}
		s.logger.Error("Session delete failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, errorBody("unavailable", "could not delete session"))
		return
	}
	c.Status(http.StatusNoContent)
}
