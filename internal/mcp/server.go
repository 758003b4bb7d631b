package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/fyrsmithlabs/orbitd/internal/logging"
)

// Config configures a Server.
type Config struct {
	// DaemonURL is the orbitd HTTP API base URL. Required.
	DaemonURL string
	// Version is reported to MCP clients.
	Version string
	Logger  *logging.Logger
}

// Server is the stdio MCP server.
type Server struct {
	mcp    *mcpsdk.Server
	client *DaemonClient
	logger *logging.Logger
}

// NewServer creates a Server and registers its tools.
func NewServer(cfg Config) (*Server, error) {
	if cfg.DaemonURL == "" {
		return nil, errors.New("daemon URL cannot be empty")
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}

	s := &Server{
		mcp: mcpsdk.NewServer(&mcpsdk.Implementation{
			Name:    "orbitd",
			Version: cfg.Version,
		}, nil),
		client: NewDaemonClient(cfg.DaemonURL),
		logger: cfg.Logger.Named("mcp"),
	}
	s.registerTools()
	return s, nil
}

// Run serves MCP on stdin/stdout until ctx is done or the client hangs up.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info(ctx, "starting MCP server on stdio transport")
	if err := s.mcp.Run(ctx, &mcpsdk.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcp, &mcpsdk.Tool{
		Name:        "start_phase",
		Description: "Start the research, planning or implementation phase of a project. Research needs a feature_request; later phases reuse the previous phase's output.",
	}, s.handleStartPhase)

	mcpsdk.AddTool(s.mcp, &mcpsdk.Tool{
		Name:        "get_project",
		Description: "Show a project's phase statuses, artifacts and task ids.",
	}, s.handleGetProject)

	mcpsdk.AddTool(s.mcp, &mcpsdk.Tool{
		Name:        "get_task",
		Description: "Show a task's status, agent, result or error.",
	}, s.handleGetTask)

	mcpsdk.AddTool(s.mcp, &mcpsdk.Tool{
		Name:        "control_task",
		Description: "Pause, resume or cancel a task.",
	}, s.handleControlTask)

	mcpsdk.AddTool(s.mcp, &mcpsdk.Tool{
		Name:        "answer_question",
		Description: "Answer a pending approval or clarification question. The answer must be one of the question's choices.",
	}, s.handleAnswerQuestion)

	mcpsdk.AddTool(s.mcp, &mcpsdk.Tool{
		Name:        "pull_request",
		Description: "Show the pull request status of a project, or retry creating it with action=retry.",
	}, s.handlePullRequest)

	mcpsdk.AddTool(s.mcp, &mcpsdk.Tool{
		Name:        "list_agents",
		Description: "List the agents the daemon can run.",
	}, s.handleListAgents)
}

// StartPhaseParams are the start_phase arguments.
type StartPhaseParams struct {
	ProjectID      string `json:"project_id" jsonschema:"Project identifier"`
	Phase          string `json:"phase" jsonschema:"One of research, planning, implementation"`
	FeatureRequest string `json:"feature_request,omitempty" jsonschema:"Feature to build (required for research)"`
	UserID         string `json:"user_id,omitempty" jsonschema:"Who started the phase"`
}

// ProjectParams identify a project.
type ProjectParams struct {
	ProjectID string `json:"project_id" jsonschema:"Project identifier"`
}

// TaskParams identify a task.
type TaskParams struct {
	TaskID string `json:"task_id" jsonschema:"Task identifier"`
}

// ControlTaskParams are the control_task arguments.
type ControlTaskParams struct {
	TaskID string `json:"task_id" jsonschema:"Task identifier"`
	Action string `json:"action" jsonschema:"One of pause, resume, cancel"`
}

// AnswerQuestionParams are the answer_question arguments.
type AnswerQuestionParams struct {
	ProjectID  string `json:"project_id" jsonschema:"Project identifier"`
	QuestionID string `json:"question_id" jsonschema:"Question identifier from the question event"`
	Answer     string `json:"answer" jsonschema:"The chosen answer"`
}

// PullRequestParams are the pull_request arguments.
type PullRequestParams struct {
	ProjectID string `json:"project_id" jsonschema:"Project identifier"`
	Action    string `json:"action,omitempty" jsonschema:"status (default) or retry"`
}

// ListAgentsParams is empty.
type ListAgentsParams struct{}

type startPhaseResponse struct {
	ProjectID string `json:"project_id"`
	Phase     string `json:"phase"`
	TaskID    string `json:"task_id"`
}

func (s *Server) handleStartPhase(ctx context.Context, _ *mcpsdk.CallToolRequest, p StartPhaseParams) (*mcpsdk.CallToolResult, any, error) {
	switch p.Phase {
	case "research", "planning", "implementation":
	default:
		return nil, nil, fmt.Errorf("unknown phase %q: use research, planning or implementation", p.Phase)
	}
	body := map[string]string{"user_id": p.UserID}
	if p.FeatureRequest != "" {
		body["feature_request"] = p.FeatureRequest
	}

	var resp startPhaseResponse
	if err := s.client.Post(ctx, projectPath(p.ProjectID, p.Phase), body, &resp); err != nil {
		return nil, nil, fmt.Errorf("start %s failed: %w", p.Phase, err)
	}
	return textResult(fmt.Sprintf("Started %s for project %s\n\nTask: %s", resp.Phase, resp.ProjectID, resp.TaskID)), nil, nil
}

func (s *Server) handleGetProject(ctx context.Context, _ *mcpsdk.CallToolRequest, p ProjectParams) (*mcpsdk.CallToolResult, any, error) {
	return s.getJSON(ctx, projectPath(p.ProjectID, ""))
}

func (s *Server) handleGetTask(ctx context.Context, _ *mcpsdk.CallToolRequest, p TaskParams) (*mcpsdk.CallToolResult, any, error) {
	return s.getJSON(ctx, taskPath(p.TaskID, ""))
}

func (s *Server) handleControlTask(ctx context.Context, _ *mcpsdk.CallToolRequest, p ControlTaskParams) (*mcpsdk.CallToolResult, any, error) {
	switch p.Action {
	case "pause", "resume", "cancel":
	default:
		return nil, nil, fmt.Errorf("unknown action %q: use pause, resume or cancel", p.Action)
	}
	var task json.RawMessage
	if err := s.client.Post(ctx, taskPath(p.TaskID, p.Action), nil, &task); err != nil {
		return nil, nil, fmt.Errorf("%s task failed: %w", p.Action, err)
	}
	return textResult(indent(task)), nil, nil
}

func (s *Server) handleAnswerQuestion(ctx context.Context, _ *mcpsdk.CallToolRequest, p AnswerQuestionParams) (*mcpsdk.CallToolResult, any, error) {
	path := projectPath(p.ProjectID, "questions/"+url.PathEscape(p.QuestionID)+"/answer")
	if err := s.client.Post(ctx, path, map[string]string{"answer": p.Answer}, nil); err != nil {
		return nil, nil, fmt.Errorf("answer failed: %w", err)
	}
	return textResult(fmt.Sprintf("Answered %s with %q", p.QuestionID, p.Answer)), nil, nil
}

func (s *Server) handlePullRequest(ctx context.Context, _ *mcpsdk.CallToolRequest, p PullRequestParams) (*mcpsdk.CallToolResult, any, error) {
	switch p.Action {
	case "", "status":
		return s.getJSON(ctx, projectPath(p.ProjectID, "pr"))
	case "retry":
		var rec json.RawMessage
		if err := s.client.Post(ctx, projectPath(p.ProjectID, "pr/retry"), nil, &rec); err != nil {
			return nil, nil, fmt.Errorf("retry failed: %w", err)
		}
		return textResult(indent(rec)), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown action %q: use status or retry", p.Action)
	}
}

func (s *Server) handleListAgents(ctx context.Context, _ *mcpsdk.CallToolRequest, _ ListAgentsParams) (*mcpsdk.CallToolResult, any, error) {
	var list []struct {
		Name        string   `json:"name"`
		Description string   `json:"description"`
		Triggers    []string `json:"triggers"`
	}
	if err := s.client.Get(ctx, "/api/v1/agents", &list); err != nil {
		return nil, nil, fmt.Errorf("list agents failed: %w", err)
	}
	var b bytes.Buffer
	for _, a := range list {
		fmt.Fprintf(&b, "- %s: %s", a.Name, a.Description)
		if len(a.Triggers) > 0 {
			fmt.Fprintf(&b, " %v", a.Triggers)
		}
		b.WriteByte('\n')
	}
	if b.Len() == 0 {
		b.WriteString("No agents registered")
	}
	return textResult(b.String()), nil, nil
}

func (s *Server) getJSON(ctx context.Context, path string) (*mcpsdk.CallToolResult, any, error) {
	var raw json.RawMessage
	if err := s.client.Get(ctx, path, &raw); err != nil {
		return nil, nil, err
	}
	return textResult(indent(raw)), nil, nil
}

func projectPath(projectID, suffix string) string {
	p := "/api/v1/projects/" + url.PathEscape(projectID)
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

func taskPath(taskID, suffix string) string {
	p := "/api/v1/tasks/" + url.PathEscape(taskID)
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

func indent(raw json.RawMessage) string {
	var b bytes.Buffer
	if err := json.Indent(&b, raw, "", "  "); err != nil {
		return string(raw)
	}
	return b.String()
}

func textResult(text string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: text}},
	}
}
