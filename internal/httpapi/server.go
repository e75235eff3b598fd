// Package httpapi provides the inbound HTTP boundary: signed runtime
// webhooks, comment and task ingestion, workflow queries, health and metrics.
package httpapi

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/astrid-app/astrid-agent/internal/errors"
	"github.com/astrid-app/astrid-agent/internal/logging"
	"github.com/astrid-app/astrid-agent/internal/metrics"
	"github.com/astrid-app/astrid-agent/internal/store"
	"github.com/astrid-app/astrid-agent/internal/webhook"
	"github.com/astrid-app/astrid-agent/internal/workflow"
)

// maxBodyBytes bounds every request body.
const maxBodyBytes = 1 << 20

// Dispatcher queues orchestrator work. *orchestrator.Runner satisfies it.
type Dispatcher interface {
	Start(taskID, aiService string)
	Comment(c workflow.Comment)
	RuntimeEvent(ev webhook.Event)
	CI(taskID, status string)
}

// Verifier checks inbound webhook signatures. *webhook.SecretResolver satisfies it.
type Verifier interface {
	VerifyRequest(ctx context.Context, userID string, h http.Header, body []byte) (string, error)
}

// Server provides HTTP endpoints for the agent.
type Server struct {
	echo       *echo.Echo
	dispatcher Dispatcher
	store      store.Store
	verifier   Verifier
	metrics    *metrics.Metrics
	logger     *logging.Logger
	addr       string
}

// Config holds HTTP server configuration.
type Config struct {
	Addr string
}

// NewServer creates a new HTTP server.
func NewServer(dispatcher Dispatcher, st store.Store, verifier Verifier, m *metrics.Metrics, logger *logging.Logger, cfg *Config) (*Server, error) {
	if dispatcher == nil {
		return nil, errors.NewValidationError("dispatcher cannot be nil").WithField("dispatcher")
	}
	if st == nil {
		return nil, errors.NewValidationError("store cannot be nil").WithField("store")
	}
	if verifier == nil {
		return nil, errors.NewValidationError("verifier cannot be nil").WithField("verifier")
	}
	if cfg == nil {
		cfg = &Config{Addr: ":8080"}
	}
	logger = logging.OrNop(logger).With("component", "http")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit("1M"))
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			logger.Info("http request",
				"method", c.Request().Method,
				"uri", c.Request().RequestURI,
				"status", c.Response().Status,
				"duration", time.Since(start),
				"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
			)
			return nil
		}
	})

	s := &Server{
		echo:       e,
		dispatcher: dispatcher,
		store:      st,
		verifier:   verifier,
		metrics:    m,
		logger:     logger,
		addr:       cfg.Addr,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}

	v1 := s.echo.Group("/api/v1")
	v1.POST("/webhooks/runtime", s.handleRuntimeWebhook)
	v1.PUT("/tasks/:id", s.handlePutTask)
	v1.POST("/tasks/:id/start", s.handleStart)
	v1.POST("/tasks/:id/comments", s.handleComment)
	v1.POST("/tasks/:id/ci", s.handleCI)
	v1.GET("/tasks/:id/workflow", s.handleGetWorkflow)
	v1.GET("/workflows", s.handleListWorkflows)
}

// Handler exposes the router, mainly for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server. It returns http.ErrServerClosed after Shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting http server", "addr", s.addr)
	return s.echo.Start(s.addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// AcceptedResponse acknowledges queued work.
type AcceptedResponse struct {
	Status string `json:"status"`
	TaskID string `json:"taskId"`
}

// StartRequest is the body for POST /api/v1/tasks/:id/start.
type StartRequest struct {
	AIService string `json:"aiService"`
}

// CommentRequest is the body for POST /api/v1/tasks/:id/comments.
type CommentRequest struct {
	AuthorID string `json:"authorId"`
	Content  string `json:"content"`
}

// CIRequest is the body for POST /api/v1/tasks/:id/ci.
type CIRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleRuntimeWebhook verifies and queues an event from an external
// executor runtime. The task creator's secret is tried first, then the
// environment fallback.
func (s *Server) handleRuntimeWebhook(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodyBytes))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "could not read body")
	}
	ctx := c.Request().Context()

	ev, parseErr := webhook.ParseEvent(body)
	userID := ""
	if parseErr == nil {
		if task, err := s.store.GetTask(ctx, ev.TaskID); err == nil {
			userID = task.CreatorID
		}
	}

	source, err := s.verifier.VerifyRequest(ctx, userID, c.Request().Header, body)
	s.metrics.WebhookVerified(source, err == nil)
	if err != nil {
		s.logger.Warn("webhook rejected", "user_id", userID, "error", err)
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid signature")
	}
	if parseErr != nil {
		return echo.NewHTTPError(http.StatusBadRequest, parseErr.Error())
	}
	if _, err := s.store.GetWorkflowByTask(ctx, ev.TaskID); err != nil {
		return s.storeError(err)
	}

	s.logger.WithTask(ev.TaskID).Debug("webhook accepted", "event", string(ev.Event), "source", source)
	s.dispatcher.RuntimeEvent(*ev)
	return c.JSON(http.StatusAccepted, AcceptedResponse{Status: "accepted", TaskID: ev.TaskID})
}

func (s *Server) handlePutTask(c echo.Context) error {
	var task workflow.Task
	if err := c.Bind(&task); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	task.ID = c.Param("id")
	if task.Title == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "title is required")
	}
	if task.CreatorID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "creatorId is required")
	}
	if err := s.store.PutTask(c.Request().Context(), &task); err != nil {
		return s.storeError(err)
	}
	return c.JSON(http.StatusOK, task)
}

func (s *Server) handleStart(c echo.Context) error {
	var req StartRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	taskID := c.Param("id")
	ctx := c.Request().Context()
	if _, err := s.store.GetTask(ctx, taskID); err != nil {
		return s.storeError(err)
	}
	if _, err := s.store.GetWorkflowByTask(ctx, taskID); err == nil {
		return echo.NewHTTPError(http.StatusConflict, "task already has a workflow")
	}

	s.dispatcher.Start(taskID, req.AIService)
	return c.JSON(http.StatusAccepted, AcceptedResponse{Status: "accepted", TaskID: taskID})
}

func (s *Server) handleComment(c echo.Context) error {
	var req CommentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.AuthorID == "" || req.Content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "authorId and content are required")
	}
	taskID := c.Param("id")
	if _, err := s.store.GetTask(c.Request().Context(), taskID); err != nil {
		return s.storeError(err)
	}

	s.dispatcher.Comment(workflow.Comment{TaskID: taskID, AuthorID: req.AuthorID, Content: req.Content})
	return c.JSON(http.StatusAccepted, AcceptedResponse{Status: "accepted", TaskID: taskID})
}

func (s *Server) handleCI(c echo.Context) error {
	var req CIRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	switch req.Status {
	case "success", "failure", "pending":
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "status must be success, failure or pending")
	}
	taskID := c.Param("id")
	if _, err := s.store.GetWorkflowByTask(c.Request().Context(), taskID); err != nil {
		return s.storeError(err)
	}

	s.dispatcher.CI(taskID, req.Status)
	return c.JSON(http.StatusAccepted, AcceptedResponse{Status: "accepted", TaskID: taskID})
}

func (s *Server) handleGetWorkflow(c echo.Context) error {
	wf, err := s.store.GetWorkflowByTask(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.storeError(err)
	}
	return c.JSON(http.StatusOK, wf)
}

func (s *Server) handleListWorkflows(c echo.Context) error {
	var statuses []workflow.Status
	for _, v := range c.QueryParams()["status"] {
		st := workflow.Status(v)
		if !st.Valid() {
			return echo.NewHTTPError(http.StatusBadRequest, "unknown status "+v)
		}
		statuses = append(statuses, st)
	}
	wfs, err := s.store.ListWorkflows(c.Request().Context(), statuses...)
	if err != nil {
		return s.storeError(err)
	}
	if wfs == nil {
		wfs = []workflow.Workflow{}
	}
	return c.JSON(http.StatusOK, wfs)
}

// storeError maps store errors onto HTTP statuses.
func (s *Server) storeError(err error) error {
	var notFound *errors.NotFoundError
	switch {
	case errors.As(err, &notFound):
		return echo.NewHTTPError(http.StatusNotFound, notFound.Error())
	case errors.Is(err, errors.ErrWorkflowExists):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, errors.ErrInvalidInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("store operation failed", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}
