package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orbitd/internal/agents"
	"github.com/fyrsmithlabs/orbitd/internal/approval"
	"github.com/fyrsmithlabs/orbitd/internal/events"
	"github.com/fyrsmithlabs/orbitd/internal/inference"
	"github.com/fyrsmithlabs/orbitd/internal/logging"
	"github.com/fyrsmithlabs/orbitd/internal/metrics"
	"github.com/fyrsmithlabs/orbitd/internal/secrets"
	"github.com/fyrsmithlabs/orbitd/internal/tools"
	"github.com/fyrsmithlabs/orbitd/internal/workspace"
)

const instrumentationName = "github.com/fyrsmithlabs/orbitd/internal/executor"

// DefaultMaxIterations bounds the model calls of one run.
const DefaultMaxIterations = 50

// ErrMaxIterationsExceeded is returned when the agent is still requesting
// tools after the iteration cap.
var ErrMaxIterationsExceeded = errors.New("max iterations exceeded")

// Gate decides whether risky tools may run.
type Gate interface {
	IsRisky(tool string) bool
	RequestApproval(ctx context.Context, projectID, toolName string, input map[string]any) (approval.Decision, error)
}

// Config wires a Loop. Client and Tools are required.
type Config struct {
	Client inference.Client
	Tools  *tools.Registry
	// Gate may be nil, in which case every risky tool is skipped.
	Gate          Gate
	Events        *events.Publisher
	Redactor      *secrets.Redactor
	Metrics       *metrics.Metrics
	Logger        *logging.Logger
	Tracer        trace.Tracer
	MaxIterations int
	MaxTokens     int
}

// Loop executes agents. It holds no per-run state and is safe for
// concurrent use.
type Loop struct {
	client        inference.Client
	tools         *tools.Registry
	gate          Gate
	events        *events.Publisher
	redactor      *secrets.Redactor
	metrics       *metrics.Metrics
	logger        *logging.Logger
	tracer        trace.Tracer
	maxIterations int
	maxTokens     int
}

// New creates a Loop.
func New(cfg Config) (*Loop, error) {
	if cfg.Client == nil {
		return nil, errors.New("inference client is required")
	}
	if cfg.Tools == nil {
		return nil, errors.New("tool registry is required")
	}
	if cfg.Gate == nil {
		cfg.Gate = (*approval.Gate)(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(instrumentationName)
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	return &Loop{
		client:        cfg.Client,
		tools:         cfg.Tools,
		gate:          cfg.Gate,
		events:        cfg.Events,
		redactor:      cfg.Redactor,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger.Named("executor"),
		tracer:        cfg.Tracer,
		maxIterations: cfg.MaxIterations,
		maxTokens:     cfg.MaxTokens,
	}, nil
}

// Run describes one agent execution.
type Run struct {
	Agent     *agents.Definition
	ProjectID string
	TaskID    string
	Phase     string
	// Inputs are rendered into the first user message.
	Inputs    map[string]any
	Workspace *workspace.Workspace
}

// Result is the outcome of a finished run.
type Result struct {
	Output     string
	Iterations int
	StopReason inference.StopReason
	Usage      inference.Usage
}

// Execute drives the agent until it finishes, fails or hits the cap.
func (l *Loop) Execute(ctx context.Context, run Run) (*Result, error) {
	if run.Agent == nil {
		return nil, errors.New("agent definition is required")
	}
	ctx = logging.WithTask(logging.WithProject(ctx, run.ProjectID), run.TaskID, run.Agent.Name)
	ctx, span := l.tracer.Start(ctx, "executor.Execute", trace.WithAttributes(
		attribute.String("project.id", run.ProjectID),
		attribute.String("task.id", run.TaskID),
		attribute.String("agent.name", run.Agent.Name),
		attribute.String("phase", run.Phase),
	))
	defer span.End()

	l.events.Emit(ctx, run.ProjectID, events.AgentStart, map[string]any{
		"task_id": run.TaskID,
		"agent":   run.Agent.Name,
		"phase":   run.Phase,
	})
	l.logger.Info(ctx, "agent started", zap.String("phase", run.Phase))

	res, err := l.loop(ctx, run)
	iterations := 0
	if res != nil {
		iterations = res.Iterations
	}
	span.SetAttributes(attribute.Int("iterations", iterations))
	l.metrics.LoopFinished(run.Agent.Name, iterations)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.events.Emit(ctx, run.ProjectID, events.AgentError, map[string]any{
			"task_id":    run.TaskID,
			"agent":      run.Agent.Name,
			"error":      l.redactor.Redact(err.Error()),
			"iterations": iterations,
		})
		l.logger.Warn(ctx, "agent failed", zap.Int("iterations", iterations), zap.Error(err))
		return res, err
	}

	l.events.Emit(ctx, run.ProjectID, events.AgentComplete, map[string]any{
		"task_id":    run.TaskID,
		"agent":      run.Agent.Name,
		"iterations": res.Iterations,
	})
	l.logger.Info(ctx, "agent completed",
		zap.Int("iterations", res.Iterations),
		zap.String("stop_reason", string(res.StopReason)),
		zap.Int64("input_tokens", res.Usage.InputTokens),
		zap.Int64("output_tokens", res.Usage.OutputTokens))
	return res, nil
}

func (l *Loop) loop(ctx context.Context, run Run) (*Result, error) {
	allowed := l.tools.Allowed(run.Agent.Tools)
	req := inference.Request{
		Model:     run.Agent.Model,
		System:    systemPrompt(run, allowed),
		Messages:  []inference.Message{inference.UserMessage(inference.TextBlock(initialMessage(run.Inputs)))},
		Tools:     declarations(allowed),
		MaxTokens: l.maxTokens,
	}
	env := tools.Env{ProjectID: run.ProjectID, TaskID: run.TaskID}
	if run.Workspace != nil {
		env.Workspace = run.Workspace.Path
	}

	res := &Result{}
	for res.Iterations < l.maxIterations {
		res.Iterations++
		done, err := l.iterate(ctx, run, env, &req, res)
		if err != nil {
			return res, err
		}
		if done {
			res.Output = assistantText(req.Messages)
			return res, nil
		}
	}
	return res, fmt.Errorf("%w: %d iterations", ErrMaxIterationsExceeded, l.maxIterations)
}

// iterate performs one model call and reports whether the run is done.
func (l *Loop) iterate(ctx context.Context, run Run, env tools.Env, req *inference.Request, res *Result) (bool, error) {
	ctx, span := l.tracer.Start(ctx, "executor.iteration",
		trace.WithAttributes(attribute.Int("iteration", res.Iterations)))
	defer span.End()

	resp, err := l.client.CreateMessage(ctx, *req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("model call: %w", err)
	}
	res.StopReason = resp.StopReason
	res.Usage.InputTokens += resp.Usage.InputTokens
	res.Usage.OutputTokens += resp.Usage.OutputTokens
	span.SetAttributes(attribute.String("stop_reason", string(resp.StopReason)))

	switch resp.StopReason {
	case inference.StopToolUse:
		uses := resp.ToolUses()
		req.Messages = append(req.Messages, inference.AssistantMessage(resp.Content...))
		if len(uses) == 0 {
			return true, nil
		}
		results, err := l.runTools(ctx, run, env, uses)
		if err != nil {
			return false, err
		}
		req.Messages = append(req.Messages, inference.UserMessage(results...))
		return false, nil

	case inference.StopMaxTokens:
		// The partial turn becomes a prefill the next call continues from.
		// Incomplete tool calls are dropped.
		if partial := partialText(resp.Content); len(partial) > 0 {
			req.Messages = append(req.Messages, inference.AssistantMessage(partial...))
		}
		return false, nil

	default:
		req.Messages = append(req.Messages, inference.AssistantMessage(resp.Content...))
		return true, nil
	}
}

// runTools executes the requested calls in order. Tool failures become
// error results; only context cancellation aborts the run.
func (l *Loop) runTools(ctx context.Context, run Run, env tools.Env, uses []inference.ContentBlock) ([]inference.ContentBlock, error) {
	results := make([]inference.ContentBlock, 0, len(uses))
	for _, use := range uses {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		results = append(results, l.runTool(ctx, run, env, use))
	}
	return results, ctx.Err()
}

func (l *Loop) runTool(ctx context.Context, run Run, env tools.Env, use inference.ContentBlock) inference.ContentBlock {
	l.events.Emit(ctx, run.ProjectID, events.ToolUse, map[string]any{
		"task_id":     run.TaskID,
		"tool":        use.Name,
		"tool_use_id": use.ID,
		"input":       l.redactor.RedactMap(use.Input),
	})

	if !run.Agent.HasTool(use.Name) {
		return l.toolFailed(ctx, run, use, &tools.ExecutionError{
			Tool: use.Name,
			Err:  fmt.Errorf("tool is not available to %s", run.Agent.Name),
		}, "error")
	}

	if l.gate.IsRisky(use.Name) {
		decision, err := l.gate.RequestApproval(ctx, run.ProjectID, use.Name, use.Input)
		switch {
		case errors.Is(err, approval.ErrApprovalTimeout):
			return l.toolFailed(ctx, run, use, err, "timeout")
		case err != nil && ctx.Err() != nil:
			return l.toolFailed(ctx, run, use, err, "error")
		case err != nil:
			l.logger.Warn(ctx, "approval unavailable, skipping risky tool",
				zap.String("tool", use.Name), zap.Error(err))
			return l.toolSkipped(ctx, run, use, "approval gate unavailable; skipping risky action")
		case !decision.Approved():
			return l.toolSkipped(ctx, run, use, "User decision: "+string(decision))
		}
	}

	out, err := l.tools.Execute(ctx, env, use.Name, tools.Args(use.Input))
	if err != nil {
		return l.toolFailed(ctx, run, use, err, "error")
	}
	l.metrics.ToolCall(use.Name, "success")
	l.events.Emit(ctx, run.ProjectID, events.ToolResult, map[string]any{
		"task_id":     run.TaskID,
		"tool":        use.Name,
		"tool_use_id": use.ID,
		"success":     true,
	})
	return inference.ToolResultBlock(use.ID, out, false)
}

func (l *Loop) toolFailed(ctx context.Context, run Run, use inference.ContentBlock, err error, outcome string) inference.ContentBlock {
	msg := l.redactor.Redact(err.Error())
	l.metrics.ToolCall(use.Name, outcome)
	l.events.Emit(ctx, run.ProjectID, events.ToolError, map[string]any{
		"task_id":     run.TaskID,
		"tool":        use.Name,
		"tool_use_id": use.ID,
		"error":       msg,
	})
	l.logger.Debug(ctx, "tool failed", zap.String("tool", use.Name), zap.Error(err))
	return inference.ToolResultBlock(use.ID, "Error: "+msg, true)
}

func (l *Loop) toolSkipped(ctx context.Context, run Run, use inference.ContentBlock, reason string) inference.ContentBlock {
	l.metrics.ToolCall(use.Name, "skipped")
	l.events.Emit(ctx, run.ProjectID, events.ToolSkipped, map[string]any{
		"task_id":     run.TaskID,
		"tool":        use.Name,
		"tool_use_id": use.ID,
		"reason":      reason,
	})
	body, _ := json.MarshalIndent(map[string]string{"status": "skipped", "reason": reason}, "", "  ")
	return inference.ToolResultBlock(use.ID, string(body), false)
}

func declarations(allowed []tools.Tool) []inference.ToolDeclaration {
	out := make([]inference.ToolDeclaration, 0, len(allowed))
	for _, t := range allowed {
		s := t.Schema()
		out = append(out, inference.ToolDeclaration{
			Name:        t.Name(),
			Description: t.Description(),
			Properties:  s.JSON(),
			Required:    s.Required,
		})
	}
	return out
}

func partialText(blocks []inference.ContentBlock) []inference.ContentBlock {
	var out []inference.ContentBlock
	for _, b := range blocks {
		if b.Type == inference.BlockText && strings.TrimSpace(b.Text) != "" {
			out = append(out, b)
		}
	}
	if n := len(out); n > 0 {
		// Prefilled turns must not end in whitespace.
		out[n-1].Text = strings.TrimRight(out[n-1].Text, " \t\r\n")
	}
	return out
}

// assistantText joins the text of every assistant turn.
func assistantText(msgs []inference.Message) string {
	var parts []string
	for _, m := range msgs {
		if m.Role != inference.RoleAssistant {
			continue
		}
		for _, b := range m.Content {
			if b.Type == inference.BlockText && strings.TrimSpace(b.Text) != "" {
				parts = append(parts, b.Text)
			}
		}
	}
	return strings.Join(parts, "\n\n")
}
