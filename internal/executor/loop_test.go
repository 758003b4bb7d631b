package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/orbitd/internal/agents"
	"github.com/fyrsmithlabs/orbitd/internal/approval"
	"github.com/fyrsmithlabs/orbitd/internal/events"
	"github.com/fyrsmithlabs/orbitd/internal/inference"
	"github.com/fyrsmithlabs/orbitd/internal/metrics"
	"github.com/fyrsmithlabs/orbitd/internal/secrets"
	"github.com/fyrsmithlabs/orbitd/internal/store"
	"github.com/fyrsmithlabs/orbitd/internal/telemetry"
	"github.com/fyrsmithlabs/orbitd/internal/tools"
	"github.com/fyrsmithlabs/orbitd/internal/workspace"
)

// MockGate is a mock implementation of Gate.
type MockGate struct {
	mock.Mock
}

func (m *MockGate) IsRisky(tool string) bool {
	return tool == "Bash"
}

func (m *MockGate) RequestApproval(ctx context.Context, projectID, toolName string, input map[string]any) (approval.Decision, error) {
	args := m.Called(ctx, projectID, toolName, input)
	return args.Get(0).(approval.Decision), args.Error(1)
}

// sideEffectTool counts executions. It is registered as "Bash" so the
// gate treats it as risky.
type sideEffectTool struct {
	calls atomic.Int32
	err   error
}

func (*sideEffectTool) Name() string        { return tools.NameBash }
func (*sideEffectTool) Description() string { return "runs a command" }
func (*sideEffectTool) Schema() tools.Schema {
	return tools.Schema{
		Properties: map[string]tools.Property{"command": {Type: "string"}},
		Required:   []string{"command"},
	}
}
func (s *sideEffectTool) Execute(context.Context, tools.Env, tools.Args) (string, error) {
	s.calls.Add(1)
	if s.err != nil {
		return "", s.err
	}
	return "ok", nil
}

type harness struct {
	mem     *store.Memory
	sub     <-chan events.Event
	client  *inference.Scripted
	bash    *sideEffectTool
	metrics *metrics.Metrics
	run     Run
	cfg     Config
}

func newHarness(t *testing.T, steps ...inference.Step) *harness {
	t.Helper()
	mem := store.NewMemory()
	t.Cleanup(func() { _ = mem.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	sub, err := events.Subscribe(ctx, mem, "p1")
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "theme.css"), []byte("body { color: black; }\n"), 0o644))

	bash := &sideEffectTool{}
	reg, err := tools.NewRegistry(tools.ReadTool{}, tools.GlobTool{}, bash)
	require.NoError(t, err)

	client := inference.NewScripted(steps...)
	m := metrics.New(prometheus.NewRegistry())
	return &harness{
		mem:     mem,
		sub:     sub,
		client:  client,
		bash:    bash,
		metrics: m,
		cfg: Config{
			Client:  client,
			Tools:   reg,
			Events:  events.NewPublisher(mem, nil),
			Metrics: m,
		},
		run: Run{
			Agent: &agents.Definition{
				Name:         "research-agent",
				Model:        "claude-sonnet-4",
				Tools:        []string{tools.NameRead, tools.NameGlob, tools.NameBash},
				Instructions: "Research the codebase.",
			},
			ProjectID: "p1",
			TaskID:    "t1",
			Phase:     "research",
			Inputs:    map[string]any{"feature_request": "add dark mode"},
			Workspace: &workspace.Workspace{ProjectID: "p1", Path: dir},
		},
	}
}

func (h *harness) loop(t *testing.T) *Loop {
	t.Helper()
	l, err := New(h.cfg)
	require.NoError(t, err)
	return l
}

// drain collects events until the channel is quiet.
func (h *harness) drain() []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-h.sub:
			out = append(out, ev)
		case <-time.After(100 * time.Millisecond):
			return out
		}
	}
}

func types(evs []events.Event) []events.Type {
	out := make([]events.Type, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func call(id, name string, input map[string]any) inference.ContentBlock {
	return inference.ToolUseBlock(id, name, input)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Tools: &tools.Registry{}})
	assert.Error(t, err)
	_, err = New(Config{Client: inference.NewScripted()})
	assert.Error(t, err)
}

func TestExecute_EndTurn(t *testing.T) {
	h := newHarness(t, inference.Reply(inference.EndTurn("The theme lives in theme.css.")))

	res, err := h.loop(t).Execute(context.Background(), h.run)
	require.NoError(t, err)

	assert.Equal(t, "The theme lives in theme.css.", res.Output)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, inference.StopEndTurn, res.StopReason)
	assert.Equal(t, []events.Type{events.AgentStart, events.AgentComplete}, types(h.drain()))

	req := h.client.Requests()[0]
	assert.Equal(t, "claude-sonnet-4", req.Model)
	assert.Contains(t, req.System, "Research the codebase.")
	assert.Contains(t, req.System, "**Project ID:** p1")
	assert.Contains(t, req.System, "**Phase:** research")
	assert.Contains(t, req.System, "Read, Glob, Bash")
	require.Len(t, req.Messages, 1)
	assert.Contains(t, req.Messages[0].Content[0].Text, "## Feature Request\n\nadd dark mode")
	assert.Len(t, req.Tools, 3)
}

func TestExecute_ToolUseRoundTrip(t *testing.T) {
	h := newHarness(t,
		inference.Reply(inference.UseTools(call("toolu_1", tools.NameRead, map[string]any{"file_path": "theme.css"}))),
		inference.Reply(inference.EndTurn("Found the theme.")),
	)

	res, err := h.loop(t).Execute(context.Background(), h.run)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Iterations)

	second := h.client.Requests()[1]
	require.Len(t, second.Messages, 3)
	result := second.Messages[2].Content[0]
	assert.Equal(t, inference.BlockToolResult, result.Type)
	assert.Equal(t, "toolu_1", result.ToolUseID)
	assert.False(t, result.IsError)
	assert.Contains(t, result.Content, "color: black")

	assert.Equal(t, []events.Type{
		events.AgentStart, events.ToolUse, events.ToolResult, events.AgentComplete,
	}, types(h.drain()))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ToolCallsTotal.WithLabelValues(tools.NameRead, "success")))
}

func TestExecute_IterationBound(t *testing.T) {
	h := newHarness(t, inference.Reply(inference.UseTools(call("toolu_1", tools.NameGlob, map[string]any{"pattern": "*.css"}))))
	h.client.Repeat = true

	res, err := h.loop(t).Execute(context.Background(), h.run)
	require.ErrorIs(t, err, ErrMaxIterationsExceeded)
	assert.Equal(t, DefaultMaxIterations, res.Iterations)
	assert.Equal(t, DefaultMaxIterations, h.client.Calls())

	evs := h.drain()
	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	assert.Equal(t, events.AgentError, last.Type)
	assert.Contains(t, last.Payload["error"], "max iterations exceeded")
}

func TestExecute_CustomIterationCap(t *testing.T) {
	h := newHarness(t, inference.Reply(inference.UseTools(call("toolu_1", tools.NameGlob, map[string]any{"pattern": "*.css"}))))
	h.client.Repeat = true
	h.cfg.MaxIterations = 3

	_, err := h.loop(t).Execute(context.Background(), h.run)
	require.ErrorIs(t, err, ErrMaxIterationsExceeded)
	assert.Equal(t, 3, h.client.Calls())
}

func TestExecute_GateUnavailableSkipsRiskyTool(t *testing.T) {
	h := newHarness(t,
		inference.Reply(inference.UseTools(call("toolu_1", tools.NameBash, map[string]any{"command": "rm -rf build"}))),
		inference.Reply(inference.EndTurn("done")),
	)

	_, err := h.loop(t).Execute(context.Background(), h.run)
	require.NoError(t, err)

	assert.Zero(t, h.bash.calls.Load(), "risky tool must not run without a gate")
	result := h.client.Requests()[1].Messages[2].Content[0]
	assert.False(t, result.IsError)
	assert.Contains(t, result.Content, `"status": "skipped"`)
	assert.Equal(t, []events.Type{
		events.AgentStart, events.ToolUse, events.ToolSkipped, events.AgentComplete,
	}, types(h.drain()))
}

func TestExecute_FailingGateSkipsRiskyTool(t *testing.T) {
	h := newHarness(t,
		inference.Reply(inference.UseTools(call("toolu_1", tools.NameBash, map[string]any{"command": "make"}))),
		inference.Reply(inference.EndTurn("done")),
	)
	gate := &MockGate{}
	gate.On("RequestApproval", mock.Anything, "p1", tools.NameBash, mock.Anything).
		Return(approval.Decision(""), approval.ErrGateUnavailable)
	h.cfg.Gate = gate

	_, err := h.loop(t).Execute(context.Background(), h.run)
	require.NoError(t, err)
	assert.Zero(t, h.bash.calls.Load())
	gate.AssertExpectations(t)
}

func TestExecute_ApprovalDecisions(t *testing.T) {
	tests := []struct {
		name       string
		decision   approval.Decision
		err        error
		wantCalls  int32
		wantEvent  events.Type
		wantError  bool
		wantResult string
	}{
		{"approved", approval.ChoiceApprove, nil, 1, events.ToolResult, false, "ok"},
		{"rejected", approval.ChoiceReject, nil, 0, events.ToolSkipped, false, "User decision: Reject"},
		{"modify plan", approval.ChoiceModify, nil, 0, events.ToolSkipped, false, "User decision: Modify plan"},
		{"timeout", "", approval.ErrApprovalTimeout, 0, events.ToolError, true, "approval timed out"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t,
				inference.Reply(inference.UseTools(call("toolu_1", tools.NameBash, map[string]any{"command": "make"}))),
				inference.Reply(inference.EndTurn("done")),
			)
			gate := &MockGate{}
			gate.On("RequestApproval", mock.Anything, "p1", tools.NameBash, mock.Anything).Return(tt.decision, tt.err)
			h.cfg.Gate = gate

			_, err := h.loop(t).Execute(context.Background(), h.run)
			require.NoError(t, err, "approval outcomes never fail the run")

			assert.Equal(t, tt.wantCalls, h.bash.calls.Load())
			result := h.client.Requests()[1].Messages[2].Content[0]
			assert.Equal(t, tt.wantError, result.IsError)
			assert.Contains(t, result.Content, tt.wantResult)
			assert.Contains(t, types(h.drain()), tt.wantEvent)
		})
	}
}

func TestExecute_ToolErrorFedBack(t *testing.T) {
	h := newHarness(t,
		inference.Reply(inference.UseTools(
			call("toolu_1", tools.NameRead, map[string]any{"file_path": "missing.css"}),
			call("toolu_2", tools.NameRead, map[string]any{}),
		)),
		inference.Reply(inference.EndTurn("recovered")),
	)

	res, err := h.loop(t).Execute(context.Background(), h.run)
	require.NoError(t, err)
	assert.Equal(t, "recovered", res.Output)

	results := h.client.Requests()[1].Messages[2].Content
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.IsError)
		assert.True(t, strings.HasPrefix(r.Content, "Error: "))
	}
	assert.Contains(t, results[1].Content, "missing required arguments: file_path")
	assert.Equal(t, []events.Type{
		events.AgentStart,
		events.ToolUse, events.ToolError,
		events.ToolUse, events.ToolError,
		events.AgentComplete,
	}, types(h.drain()))
}

func TestExecute_ToolNotAllowed(t *testing.T) {
	h := newHarness(t,
		inference.Reply(inference.UseTools(call("toolu_1", tools.NameBash, map[string]any{"command": "ls"}))),
		inference.Reply(inference.EndTurn("ok")),
	)
	h.run.Agent.Tools = []string{tools.NameRead}
	gate := &MockGate{}
	h.cfg.Gate = gate

	_, err := h.loop(t).Execute(context.Background(), h.run)
	require.NoError(t, err)

	assert.Zero(t, h.bash.calls.Load())
	gate.AssertNotCalled(t, "RequestApproval", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	result := h.client.Requests()[1].Messages[2].Content[0]
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content, "not available to research-agent")
	assert.Len(t, h.client.Requests()[0].Tools, 1)
}

func TestExecute_ModelError(t *testing.T) {
	boom := errors.New("overloaded")
	h := newHarness(t, inference.Fail(boom))

	_, err := h.loop(t).Execute(context.Background(), h.run)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, h.client.Calls(), "model calls are not retried")

	evs := h.drain()
	assert.Equal(t, []events.Type{events.AgentStart, events.AgentError}, types(evs))
	assert.Contains(t, evs[1].Payload["error"], "overloaded")
}

func TestExecute_MaxTokensContinues(t *testing.T) {
	h := newHarness(t,
		inference.Reply(&inference.Response{
			Content: []inference.ContentBlock{
				inference.TextBlock("The plan has three steps. "),
				call("toolu_x", tools.NameRead, map[string]any{}),
			},
			StopReason: inference.StopMaxTokens,
		}),
		inference.Reply(inference.EndTurn("Step one is the theme.")),
	)

	res, err := h.loop(t).Execute(context.Background(), h.run)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Iterations)

	second := h.client.Requests()[1]
	require.Len(t, second.Messages, 2)
	prefill := second.Messages[1]
	assert.Equal(t, inference.RoleAssistant, prefill.Role)
	require.Len(t, prefill.Content, 1, "partial tool calls are dropped")
	assert.Equal(t, "The plan has three steps.", prefill.Content[0].Text)
	assert.Equal(t, "The plan has three steps.\n\nStep one is the theme.", res.Output)
}

func TestExecute_OtherStopReasonFinishes(t *testing.T) {
	h := newHarness(t, inference.Reply(&inference.Response{
		Content:    []inference.ContentBlock{inference.TextBlock("cannot help")},
		StopReason: inference.StopRefusal,
	}))

	res, err := h.loop(t).Execute(context.Background(), h.run)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, inference.StopRefusal, res.StopReason)
	assert.Equal(t, "cannot help", res.Output)
}

func TestExecute_RedactsToolInput(t *testing.T) {
	pat := "ghp_" + strings.Repeat("A1b2C3d4E5", 3) + "f6G7h8"
	h := newHarness(t,
		inference.Reply(inference.UseTools(call("toolu_1", tools.NameGlob, map[string]any{"pattern": "GITHUB_TOKEN=" + pat}))),
		inference.Reply(inference.EndTurn("done")),
	)
	redactor, err := secrets.NewRedactor(secrets.Options{Enabled: true})
	require.NoError(t, err)
	h.cfg.Redactor = redactor

	_, err = h.loop(t).Execute(context.Background(), h.run)
	require.NoError(t, err)

	for _, ev := range h.drain() {
		if ev.Type != events.ToolUse {
			continue
		}
		input, ok := ev.Payload["input"].(map[string]any)
		require.True(t, ok)
		assert.NotContains(t, input["pattern"], pat)
		assert.Contains(t, input["pattern"], "[REDACTED:")
		return
	}
	t.Fatal("no tool_use event")
}

func TestExecute_Spans(t *testing.T) {
	h := newHarness(t,
		inference.Reply(inference.UseTools(call("toolu_1", tools.NameGlob, map[string]any{"pattern": "*.css"}))),
		inference.Reply(inference.EndTurn("done")),
	)
	tt := telemetry.NewTestTelemetry()
	h.cfg.Tracer = tt.Tracer("executor-test")

	_, err := h.loop(t).Execute(context.Background(), h.run)
	require.NoError(t, err)

	tt.AssertSpanExists(t, "executor.Execute")
	tt.AssertSpanExists(t, "executor.iteration")
	tt.AssertSpanAttribute(t, "executor.Execute", "agent.name", "research-agent")
	tt.AssertSpanAttribute(t, "executor.Execute", "iterations", int64(2))
}

func TestInitialMessage(t *testing.T) {
	msg := initialMessage(map[string]any{
		"research":        "uses CSS variables",
		"feature_request": "add dark mode",
		"files":           []string{"a.css"},
	})
	fr := strings.Index(msg, "## Feature Request")
	files := strings.Index(msg, "## Files")
	research := strings.Index(msg, "## Research")
	assert.True(t, fr >= 0 && fr < files && files < research, msg)
	assert.Contains(t, msg, "\"a.css\"")
}
