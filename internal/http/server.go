// Package http serves the task submission and status API.
package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/codeloop/internal/logging"
	"github.com/fyrsmithlabs/codeloop/internal/scheduler"
	"github.com/fyrsmithlabs/codeloop/internal/task"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// TaskService is the scheduler surface the API needs.
// *scheduler.Scheduler implements it.
type TaskService interface {
	Submit(ctx context.Context, tasks ...*task.Task) error
	Status(id string) (scheduler.Snapshot, bool)
	List() []scheduler.Snapshot
	Cancel(ctx context.Context, id string) error
	Counts() map[task.State]int
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// Defaults fill fields omitted from submissions.
	Defaults task.Defaults
	// BodyLimit caps submission size, e.g. "2M".
	BodyLimit string
	// Gatherer backs GET /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
	// Meter records request metrics. Nil uses the global provider.
	Meter metric.Meter
}

// Server provides the HTTP endpoints.
type Server struct {
	echo   *echo.Echo
	tasks  TaskService
	logger *logging.Logger
	config *Config
}

// NewServer creates a new HTTP server.
func NewServer(tasks TaskService, logger *logging.Logger, cfg *Config) (*Server, error) {
	if tasks == nil {
		return nil, fmt.Errorf("task service cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 8080}
	}
	if cfg.Defaults.MaxIterations == 0 {
		cfg.Defaults = task.DefaultDefaults()
	}
	if cfg.BodyLimit == "" {
		cfg.BodyLimit = "2M"
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(logger)

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			ctx := logging.WithRequestID(req.Context(), c.Response().Header().Get(echo.HeaderXRequestID))
			c.SetRequest(req.WithContext(ctx))

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			logger.Info(ctx, "http request",
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			return nil
		}
	})
	e.Use(NewHTTPMetrics(cfg.Meter, logger).MetricsMiddleware())

	s := &Server{
		echo:   e,
		tasks:  tasks,
		logger: logger,
		config: cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/tasks", s.handleSubmit, middleware.BodyLimit(s.config.BodyLimit))
	v1.GET("/tasks", s.handleList)
	v1.GET("/tasks/:id", s.handleGet)
	v1.POST("/tasks/:id/cancel", s.handleCancel)
}

// errorHandler writes every error as ErrorResponse.
func errorHandler(logger *logging.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		code := http.StatusInternalServerError
		msg := "internal error"
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			msg = fmt.Sprint(he.Message)
		} else {
			logger.Error(c.Request().Context(), "unhandled error", zap.Error(err))
		}
		if werr := c.JSON(code, ErrorResponse{Message: msg}); werr != nil {
			logger.Warn(c.Request().Context(), "failed to write error response", zap.Error(werr))
		}
	}
}

// submitStatus maps a submission error to its status code.
func submitStatus(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrDependencyCycle),
		errors.Is(err, scheduler.ErrDuplicateTask),
		errors.Is(err, scheduler.ErrAlreadyAccepted):
		return http.StatusConflict
	case errors.Is(err, task.ErrInvalidTask),
		errors.Is(err, scheduler.ErrUnknownDependency):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func stateCounts(counts map[task.State]int) map[string]int {
	out := make(map[string]int, len(counts))
	for state, n := range counts {
		out[string(state)] = n
	}
	return out
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Tasks: stateCounts(s.tasks.Counts())})
}

// handleSubmit accepts a single task, a list, or a {tasks: [...]} batch in
// YAML or JSON.
func (s *Server) handleSubmit(c echo.Context) error {
	ctx := c.Request().Context()
	data, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}

	tasks, err := task.ParseSubmissions(data, s.config.Defaults)
	if err != nil {
		s.logger.Warn(ctx, "invalid submission", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.tasks.Submit(ctx, tasks...); err != nil {
		code := submitStatus(err)
		if code == http.StatusInternalServerError {
			return err
		}
		s.logger.Warn(ctx, "submission refused", zap.Int("status", code), zap.Error(err))
		return echo.NewHTTPError(code, err.Error())
	}

	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return c.JSON(http.StatusAccepted, SubmitResponse{Accepted: ids})
}

func (s *Server) handleList(c echo.Context) error {
	return c.JSON(http.StatusOK, ListResponse{
		Tasks:  s.tasks.List(),
		Counts: stateCounts(s.tasks.Counts()),
	})
}

func (s *Server) handleGet(c echo.Context) error {
	snap, ok := s.tasks.Status(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "task not found: "+c.Param("id"))
	}
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) handleCancel(c echo.Context) error {
	id := c.Param("id")
	if err := s.tasks.Cancel(c.Request().Context(), id); err != nil {
		if errors.Is(err, scheduler.ErrUnknownTask) {
			return echo.NewHTTPError(http.StatusNotFound, "task not found: "+id)
		}
		return err
	}
	snap, _ := s.tasks.Status(id)
	return c.JSON(http.StatusAccepted, CancelResponse{ID: id, State: string(snap.State)})
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
