package http

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orbitd/internal/approval"
	"github.com/fyrsmithlabs/orbitd/internal/orchestrator"
	"github.com/fyrsmithlabs/orbitd/internal/store"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// AgentResponse describes one loaded agent.
type AgentResponse struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Model       string   `json:"model"`
	Tools       []string `json:"tools"`
	Triggers    []string `json:"triggers"`
	Source      string   `json:"source,omitempty"`
}

// StartPhaseRequest is the request body for the phase endpoints.
// FeatureRequest is only read by the research endpoint.
type StartPhaseRequest struct {
	UserID         string `json:"user_id"`
	FeatureRequest string `json:"feature_request"`
}

// StartPhaseResponse is returned when a phase is accepted.
type StartPhaseResponse struct {
	ProjectID string             `json:"project_id"`
	Phase     orchestrator.Phase `json:"phase"`
	TaskID    string             `json:"task_id"`
}

// AnswerRequest is the request body for answering a question.
type AnswerRequest struct {
	Answer string `json:"answer"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Version: s.config.Version})
}

func (s *Server) handleListAgents(c echo.Context) error {
	out := []AgentResponse{}
	if s.agents != nil {
		for _, d := range s.agents.List() {
			out = append(out, AgentResponse{
				Name:        d.Name,
				Description: d.Description,
				Model:       d.Model,
				Tools:       d.Tools,
				Triggers:    d.Triggers,
				Source:      d.Source,
			})
		}
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleStartResearch(c echo.Context) error {
	var req StartPhaseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.FeatureRequest) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "feature_request is required")
	}
	projectID := c.Param("project_id")
	taskID, err := s.svc.StartResearch(c.Request().Context(), projectID, req.UserID, req.FeatureRequest)
	if err != nil {
		return s.toHTTPError(c, err)
	}
	return c.JSON(http.StatusAccepted, StartPhaseResponse{ProjectID: projectID, Phase: orchestrator.PhaseResearch, TaskID: taskID})
}

func (s *Server) handleStartPlanning(c echo.Context) error {
	return s.startPhase(c, orchestrator.PhasePlanning, s.svc.StartPlanning)
}

func (s *Server) handleStartImplementation(c echo.Context) error {
	return s.startPhase(c, orchestrator.PhaseImplementation, s.svc.StartImplementation)
}

type startFunc func(ctx context.Context, projectID, userID string) (string, error)

func (s *Server) startPhase(c echo.Context, phase orchestrator.Phase, start startFunc) error {
	var req StartPhaseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	projectID := c.Param("project_id")
	taskID, err := start(c.Request().Context(), projectID, req.UserID)
	if err != nil {
		return s.toHTTPError(c, err)
	}
	return c.JSON(http.StatusAccepted, StartPhaseResponse{ProjectID: projectID, Phase: phase, TaskID: taskID})
}

func (s *Server) handleGetProject(c echo.Context) error {
	p, err := s.svc.GetProject(c.Request().Context(), c.Param("project_id"))
	if err != nil {
		return s.toHTTPError(c, err)
	}
	if p == nil {
		return echo.NewHTTPError(http.StatusNotFound, "project not found")
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) handleGetTask(c echo.Context) error {
	return s.taskOp(c, s.svc.GetTaskStatus)
}

func (s *Server) handlePause(c echo.Context) error {
	return s.taskOp(c, s.svc.PauseTask)
}

func (s *Server) handleResume(c echo.Context) error {
	return s.taskOp(c, s.svc.ResumeTask)
}

func (s *Server) handleCancel(c echo.Context) error {
	return s.taskOp(c, s.svc.CancelTask)
}

func (s *Server) taskOp(c echo.Context, op func(ctx context.Context, taskID string) (*orchestrator.Task, error)) error {
	task, err := op(c.Request().Context(), c.Param("task_id"))
	if err != nil {
		return s.toHTTPError(c, err)
	}
	return c.JSON(http.StatusOK, task)
}

func (s *Server) handleAnswer(c echo.Context) error {
	var req AnswerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Answer == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "answer is required")
	}
	err := s.svc.SubmitAnswer(c.Request().Context(), c.Param("project_id"), c.Param("question_id"), req.Answer)
	if err != nil {
		return s.toHTTPError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleGetPullRequest(c echo.Context) error {
	rec, err := s.svc.GetPullRequest(c.Request().Context(), c.Param("project_id"))
	if err != nil {
		return s.toHTTPError(c, err)
	}
	if rec == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no pull request for project")
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) handleRetryPR(c echo.Context) error {
	rec, err := s.svc.RetryPRCreation(c.Request().Context(), c.Param("project_id"))
	if err != nil {
		return s.toHTTPError(c, err)
	}
	code := http.StatusAccepted
	if rec.Status == orchestrator.PRCreated || rec.Status == orchestrator.PRMaxRetriesExceeded {
		code = http.StatusOK
	}
	return c.JSON(code, rec)
}

// toHTTPError maps service errors to status codes. Unexpected errors are
// logged and reported without detail.
func (s *Server) toHTTPError(c echo.Context, err error) error {
	var missing *orchestrator.MissingArtifactError
	switch {
	case errors.Is(err, store.ErrInvalidID),
		errors.Is(err, orchestrator.ErrFeatureRequestRequired),
		errors.Is(err, approval.ErrInvalidChoice):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())

	case errors.Is(err, orchestrator.ErrTaskNotFound),
		errors.Is(err, approval.ErrQuestionNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())

	case errors.As(err, &missing):
		return echo.NewHTTPError(http.StatusPreconditionFailed, err.Error())

	case errors.Is(err, orchestrator.ErrInvalidTransition),
		errors.Is(err, orchestrator.ErrPhaseInProgress),
		errors.Is(err, orchestrator.ErrFinalizeInProgress),
		errors.Is(err, approval.ErrAlreadyAnswered):
		return echo.NewHTTPError(http.StatusConflict, err.Error())

	case errors.Is(err, orchestrator.ErrFinalizerNotConfigured),
		errors.Is(err, approval.ErrGateUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}

	s.logger.Error(c.Request().Context(), "request failed",
		zap.String("route", c.Path()),
		zap.Error(err))
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}
