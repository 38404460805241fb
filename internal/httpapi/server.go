// Package httpapi provides the HTTP admin API for workflowd. Every
// route executes through the policy gate; the handlers only translate
// between JSON and gate requests.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/workflowd/internal/freshness"
	"github.com/fyrsmithlabs/workflowd/internal/gate"
	"github.com/fyrsmithlabs/workflowd/internal/scope"
	"github.com/fyrsmithlabs/workflowd/internal/snapshot"
	"github.com/fyrsmithlabs/workflowd/internal/workflow"
)

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Server provides the admin HTTP endpoints.
type Server struct {
	echo   *echo.Echo
	gate   *gate.Gate
	logger *zap.Logger
	config *Config
}

// NewServer creates a new HTTP server.
func NewServer(g *gate.Gate, logger *zap.Logger, cfg *Config) (*Server, error) {
	if g == nil {
		return nil, fmt.Errorf("gate cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 8420,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	metrics := NewHTTPMetrics(logger)
	e.Use(metrics.MetricsMiddleware())

	s := &Server{
		echo:   e,
		gate:   g,
		logger: logger,
		config: cfg,
	}
	s.registerRoutes()

	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/sessions", s.handleCreateSession)
	v1.GET("/sessions", s.handleListSessions)
	v1.GET("/sessions/:id", s.handleGetSession)
	v1.POST("/sessions/:id/transitions", s.handleTransition)
	v1.POST("/sessions/:id/snapshots", s.handleCreateSnapshot)
	v1.GET("/sessions/:id/timeline", s.handleTimeline)
	v1.GET("/snapshots", s.handleListSnapshots)
	v1.GET("/snapshots/search", s.handleSearch)
	v1.GET("/snapshots/:id", s.handleGetSnapshot)
	v1.POST("/snapshots/:id/invalidate", s.handleInvalidate)
	v1.POST("/snapshots/prune", s.handlePrune)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// ContextRefBody carries the caller's context reference for freshness
// checking.
type ContextRefBody struct {
	CapturedAt         time.Time `json:"captured_at"`
	UncommittedChanges bool      `json:"uncommitted_changes"`
	Unverified         bool      `json:"unverified"`
}

func (b *ContextRefBody) toRef() *gate.ContextRef {
	if b == nil {
		return nil
	}
	return &gate.ContextRef{
		CapturedAt: b.CapturedAt,
		Signals: freshness.Signals{
			UncommittedChanges: b.UncommittedChanges,
			Unverified:         b.Unverified,
		},
	}
}

// CreateSessionRequest is the body for POST /api/v1/sessions.
type CreateSessionRequest struct {
	ID           string       `json:"id,omitempty"`
	ProjectID    string       `json:"project_id"`
	WorkflowType string       `json:"workflow_type"`
	Scope        scope.Filter `json:"scope,omitempty"`
}

func (s *Server) handleCreateSession(c echo.Context) error {
	var req CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ProjectID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project_id is required")
	}

	out, err := s.gate.Execute(c.Request().Context(), gate.Request{
		Op:           gate.OpSessionCreate,
		SessionID:    req.ID,
		WorkflowType: req.WorkflowType,
		Scope:        scope.Filter{ProjectID: req.ProjectID},
		PayloadScope: req.Scope,
	})
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusCreated, out.Session)
}

func (s *Server) handleListSessions(c echo.Context) error {
	out, err := s.gate.Execute(c.Request().Context(), gate.Request{Op: gate.OpSessionList})
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, out.Sessions)
}

func (s *Server) handleGetSession(c echo.Context) error {
	out, err := s.gate.Execute(c.Request().Context(), gate.Request{
		Op:        gate.OpSessionGet,
		SessionID: c.Param("id"),
	})
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, out.Session)
}

// TransitionRequest is the body for POST /api/v1/sessions/:id/transitions.
type TransitionRequest struct {
	To              string          `json:"to"`
	Reason          string          `json:"reason,omitempty"`
	By              string          `json:"by,omitempty"`
	Deadline        *time.Time      `json:"deadline,omitempty"`
	ExpectedVersion uint64          `json:"expected_version"`
	Context         *ContextRefBody `json:"context,omitempty"`
	Scope           scope.Filter    `json:"scope,omitempty"`
}

func (s *Server) handleTransition(c echo.Context) error {
	var req TransitionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.To == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "to field is required")
	}

	out, err := s.gate.Execute(c.Request().Context(), gate.Request{
		Op:        gate.OpTransition,
		SessionID: c.Param("id"),
		Event: &workflow.Event{
			To:       workflow.State(req.To),
			Reason:   req.Reason,
			By:       req.By,
			Deadline: req.Deadline,
		},
		ExpectedVersion: req.ExpectedVersion,
		Context:         req.Context.toRef(),
		PayloadScope:    req.Scope,
	})
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, out.Session)
}

// CreateSnapshotRequest is the body for POST /api/v1/sessions/:id/snapshots.
type CreateSnapshotRequest struct {
	Summary   string          `json:"summary"`
	CodeGraph string          `json:"code_graph_ref,omitempty"`
	MemoryRef string          `json:"memory_ref,omitempty"`
	VCSHead   string          `json:"vcs_head,omitempty"`
	Scope     scope.Filter    `json:"scope,omitempty"`
	Context   *ContextRefBody `json:"context,omitempty"`
}

func (s *Server) handleCreateSnapshot(c echo.Context) error {
	var req CreateSnapshotRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	out, err := s.gate.Execute(c.Request().Context(), gate.Request{
		Op:           gate.OpSnapshotCreate,
		SessionID:    c.Param("id"),
		Summary:      req.Summary,
		CodeGraph:    req.CodeGraph,
		MemoryRef:    req.MemoryRef,
		VCSHead:      req.VCSHead,
		PayloadScope: req.Scope,
		Context:      req.Context.toRef(),
	})
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusCreated, out.Snapshot)
}

func (s *Server) handleTimeline(c echo.Context) error {
	var start, end time.Time
	if v := c.QueryParam("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "start must be RFC3339")
		}
		start = t
	}
	if v := c.QueryParam("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "end must be RFC3339")
		}
		end = t
	}

	out, err := s.gate.Execute(c.Request().Context(), gate.Request{
		Op:        gate.OpTimeline,
		SessionID: c.Param("id"),
		Start:     start,
		End:       end,
	})
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, out.Snapshots)
}

func (s *Server) handleListSnapshots(c echo.Context) error {
	limit := intQuery(c, "limit", 20)
	offset := intQuery(c, "offset", 0)

	out, err := s.gate.Execute(c.Request().Context(), gate.Request{
		Op:     gate.OpSnapshotList,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, out.Snapshots)
}

func (s *Server) handleGetSnapshot(c echo.Context) error {
	out, err := s.gate.Execute(c.Request().Context(), gate.Request{
		Op:         gate.OpSnapshotGet,
		SnapshotID: c.Param("id"),
	})
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, out.Snapshot)
}

func (s *Server) handleSearch(c echo.Context) error {
	query := c.QueryParam("q")
	if query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q parameter is required")
	}

	out, err := s.gate.Execute(c.Request().Context(), gate.Request{
		Op:    gate.OpSearch,
		Query: query,
		Limit: intQuery(c, "k", 10),
	})
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, out.Results)
}

// InvalidateRequest is the body for POST /api/v1/snapshots/:id/invalidate.
type InvalidateRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleInvalidate(c echo.Context) error {
	var req InvalidateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Reason == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "reason field is required")
	}

	_, err := s.gate.Execute(c.Request().Context(), gate.Request{
		Op:         gate.OpInvalidate,
		SnapshotID: c.Param("id"),
		Reason:     req.Reason,
	})
	if err != nil {
		return s.mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// PruneRequest is the body for POST /api/v1/snapshots/prune.
type PruneRequest struct {
	OlderThan time.Time `json:"older_than"`
}

// PruneResponse is the response body for POST /api/v1/snapshots/prune.
type PruneResponse struct {
	Pruned int `json:"pruned"`
}

func (s *Server) handlePrune(c echo.Context) error {
	var req PruneRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.OlderThan.IsZero() {
		return echo.NewHTTPError(http.StatusBadRequest, "older_than field is required")
	}

	out, err := s.gate.Execute(c.Request().Context(), gate.Request{
		Op:        gate.OpPrune,
		OlderThan: req.OlderThan,
	})
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, PruneResponse{Pruned: out.Pruned})
}

// mapError translates the error taxonomy to HTTP statuses.
func (s *Server) mapError(err error) error {
	switch {
	case errors.Is(err, workflow.ErrSessionNotFound), errors.Is(err, snapshot.ErrSnapshotNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, workflow.ErrSessionExists):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, workflow.ErrStaleSession):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, workflow.ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, scope.ErrConflictingScope):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, freshness.ErrFreshnessViolation):
		return echo.NewHTTPError(http.StatusPreconditionFailed, err.Error())
	case errors.Is(err, gate.ErrRateLimited):
		return echo.NewHTTPError(http.StatusTooManyRequests, err.Error())
	case errors.Is(err, gate.ErrUnknownOp):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("internal error", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

func intQuery(c echo.Context, name string, fallback int) int {
	v := c.QueryParam(name)
	if v == "" {
		return fallback
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return fallback
	}
	return n
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
