// Package http serves the orbitd API.
//
// Phase, task, question and pull request operations map onto the
// orchestrator. Progress events are streamed per project over
// Server-Sent Events with a periodic heartbeat comment. Prometheus
// collectors are exposed on /metrics.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orbitd/internal/agents"
	"github.com/fyrsmithlabs/orbitd/internal/events"
	"github.com/fyrsmithlabs/orbitd/internal/logging"
	"github.com/fyrsmithlabs/orbitd/internal/orchestrator"
	"github.com/fyrsmithlabs/orbitd/internal/store"
)

const defaultHeartbeat = 30 * time.Second

// Service is the orchestrator surface the API exposes.
type Service interface {
	StartResearch(ctx context.Context, projectID, userID, featureRequest string) (string, error)
	StartPlanning(ctx context.Context, projectID, userID string) (string, error)
	StartImplementation(ctx context.Context, projectID, userID string) (string, error)
	GetProject(ctx context.Context, projectID string) (*orchestrator.Project, error)
	GetTaskStatus(ctx context.Context, taskID string) (*orchestrator.Task, error)
	PauseTask(ctx context.Context, taskID string) (*orchestrator.Task, error)
	ResumeTask(ctx context.Context, taskID string) (*orchestrator.Task, error)
	CancelTask(ctx context.Context, taskID string) (*orchestrator.Task, error)
	SubmitAnswer(ctx context.Context, projectID, questionID, answer string) error
	GetPullRequest(ctx context.Context, projectID string) (*orchestrator.PullRequestRecord, error)
	RetryPRCreation(ctx context.Context, projectID string) (*orchestrator.PullRequestRecord, error)
}

var _ Service = (*orchestrator.Orchestrator)(nil)

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// Heartbeat is the SSE keep-alive interval.
	Heartbeat time.Duration
	Version   string
}

// Deps are the server's collaborators. Service and PubSub are required.
type Deps struct {
	Service  Service
	PubSub   store.PubSub
	Agents   *agents.Registry
	Gatherer prometheus.Gatherer
	Metrics  *HTTPMetrics
	Logger   *logging.Logger
}

// Server provides HTTP endpoints for orbitd.
type Server struct {
	echo      *echo.Echo
	svc       Service
	subscribe func(ctx context.Context, projectID string) (<-chan events.Event, error)
	agents    *agents.Registry
	logger    *logging.Logger
	config    *Config
}

// NewServer creates a new HTTP server.
func NewServer(deps Deps, cfg *Config) (*Server, error) {
	if deps.Service == nil {
		return nil, errors.New("service is required")
	}
	if deps.PubSub == nil {
		return nil, errors.New("pubsub is required for event streaming")
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if cfg == nil {
		cfg = &Config{Host: "127.0.0.1", Port: 8420}
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit("1M"))
	if deps.Metrics != nil {
		e.Use(deps.Metrics.MetricsMiddleware())
	}
	e.Use(requestLogger(deps.Logger))

	ps := deps.PubSub
	s := &Server{
		echo: e,
		svc:  deps.Service,
		subscribe: func(ctx context.Context, projectID string) (<-chan events.Event, error) {
			return events.Subscribe(ctx, ps, projectID)
		},
		agents: deps.Agents,
		logger: deps.Logger,
		config: cfg,
	}
	s.registerRoutes(deps.Gatherer)
	return s, nil
}

func requestLogger(logger *logging.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				// Let the error handler pick the status before it is logged.
				c.Error(err)
			}
			logger.Info(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("route", c.Path()),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return nil
		}
	}
}

func (s *Server) registerRoutes(gatherer prometheus.Gatherer) {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/agents", s.handleListAgents)

	projects := v1.Group("/projects/:project_id")
	projects.GET("", s.handleGetProject)
	projects.POST("/research", s.handleStartResearch)
	projects.POST("/planning", s.handleStartPlanning)
	projects.POST("/implementation", s.handleStartImplementation)
	projects.POST("/questions/:question_id/answer", s.handleAnswer)
	projects.GET("/pr", s.handleGetPullRequest)
	projects.POST("/pr/retry", s.handleRetryPR)
	projects.GET("/events", s.handleEvents)

	tasks := v1.Group("/tasks/:task_id")
	tasks.GET("", s.handleGetTask)
	tasks.POST("/pause", s.handlePause)
	tasks.POST("/resume", s.handleResume)
	tasks.POST("/cancel", s.handleCancel)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start serves until Shutdown. http.ErrServerClosed is not an error.
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
