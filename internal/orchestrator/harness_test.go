package orchestrator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/orbitd/internal/agents"
	"github.com/fyrsmithlabs/orbitd/internal/config"
	"github.com/fyrsmithlabs/orbitd/internal/events"
	"github.com/fyrsmithlabs/orbitd/internal/executor"
	"github.com/fyrsmithlabs/orbitd/internal/inference"
	"github.com/fyrsmithlabs/orbitd/internal/metrics"
	"github.com/fyrsmithlabs/orbitd/internal/store"
	"github.com/fyrsmithlabs/orbitd/internal/tools"
	"github.com/fyrsmithlabs/orbitd/internal/workspace"
)

// MockFinalizer is a mock implementation of Finalizer.
type MockFinalizer struct {
	mock.Mock
}

func (m *MockFinalizer) Finalize(ctx context.Context, req FinalizeRequest) (*PullRequest, error) {
	args := m.Called(ctx, req)
	pr, _ := args.Get(0).(*PullRequest)
	return pr, args.Error(1)
}

// MockAnswers is a mock implementation of AnswerSink.
type MockAnswers struct {
	mock.Mock
}

func (m *MockAnswers) SubmitAnswer(ctx context.Context, projectID, questionID, answer string) error {
	args := m.Called(ctx, projectID, questionID, answer)
	return args.Error(0)
}

// routedClient answers each agent with its own step. Agents are told
// apart by the marker in their instructions.
type routedClient struct {
	mu     sync.Mutex
	routes map[string]inference.Step
	calls  map[string]int
}

func newRoutedClient() *routedClient {
	return &routedClient{routes: make(map[string]inference.Step), calls: make(map[string]int)}
}

func marker(agent string) string { return "You are the " + agent + "." }

func (c *routedClient) route(agent string, step inference.Step) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.routes[agent] = step
}

func (c *routedClient) Calls(agent string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[agent]
}

func (c *routedClient) CreateMessage(ctx context.Context, req inference.Request) (*inference.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	agent := ""
	for _, def := range testDefinitions() {
		if strings.Contains(req.System, marker(def.Name)) {
			agent = def.Name
		}
	}
	c.calls[agent]++
	step := c.routes[agent]
	c.mu.Unlock()

	if step == nil {
		return inference.EndTurn(agent + " finished"), nil
	}
	return step(req)
}

func testDefinitions() []*agents.Definition {
	def := func(name, trigger string) *agents.Definition {
		return &agents.Definition{
			Name:         name,
			Model:        agents.DefaultModel,
			Tools:        []string{tools.NameRead},
			Triggers:     []string{trigger},
			Instructions: marker(name),
			Source:       "test",
		}
	}
	return []*agents.Definition{
		def("research-agent", agents.TriggerResearch),
		def("planning-agent", agents.TriggerPlanning),
		def("implementation-agent", agents.TriggerImplementation),
		def("review-agent", agents.TriggerOverwatch),
		def("security-agent", agents.TriggerOverwatch),
		def("test-generation-agent", agents.TriggerOverwatch),
		def("documentation-agent", agents.TriggerAfterImpl),
	}
}

type harness struct {
	mem       *store.Memory
	client    *routedClient
	finalizer *MockFinalizer
	orch      *Orchestrator
	deps      Deps
}

type harnessOption func(*harness)

func withFinalizer(f *MockFinalizer) harnessOption {
	return func(h *harness) {
		h.finalizer = f
		h.deps.Finalizer = f
	}
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	mem := store.NewMemory()
	t.Cleanup(func() { _ = mem.Close() })

	reg, err := agents.NewRegistry(testDefinitions(), []string{tools.NameRead})
	require.NoError(t, err)
	toolReg, err := tools.NewRegistry(tools.ReadTool{})
	require.NoError(t, err)

	client := newRoutedClient()
	pub := events.NewPublisher(mem, nil)
	m := metrics.New(prometheus.NewRegistry())
	loop, err := executor.New(executor.Config{
		Client:  client,
		Tools:   toolReg,
		Events:  pub,
		Metrics: m,
	})
	require.NoError(t, err)

	h := &harness{
		mem:    mem,
		client: client,
		deps: Deps{
			Store:    mem,
			Events:   pub,
			Agents:   reg,
			Loop:     loop,
			Resolver: workspace.DirResolver{Root: t.TempDir()},
			Metrics:  m,
			Config: config.OrchestratorConfig{
				Workers:             4,
				DequeueTimeout:      config.Duration(50 * time.Millisecond),
				MaxFinalizeAttempts: 3,
				Overwatchers:        config.DefaultOverwatchers,
			},
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	h.orch, err = New(h.deps)
	require.NoError(t, err)
	return h
}

// startWorkers runs the pool until the test ends.
func (h *harness) startWorkers(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.orch.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (h *harness) wait(t *testing.T, taskID string) *Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	task, err := h.orch.Wait(ctx, taskID)
	require.NoError(t, err)
	return task
}

// runPhase starts a phase and waits for its primary to finish.
func (h *harness) runPhase(t *testing.T, projectID string, phase Phase) *Task {
	t.Helper()
	ctx := context.Background()
	var (
		id  string
		err error
	)
	switch phase {
	case PhaseResearch:
		id, err = h.orch.StartResearch(ctx, projectID, "u1", "add dark mode")
	case PhasePlanning:
		id, err = h.orch.StartPlanning(ctx, projectID, "u1")
	case PhaseImplementation:
		id, err = h.orch.StartImplementation(ctx, projectID, "u1")
	}
	require.NoError(t, err)
	return h.wait(t, id)
}

func (h *harness) subscribe(t *testing.T, projectID string) <-chan events.Event {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	sub, err := events.Subscribe(ctx, h.mem, projectID)
	require.NoError(t, err)
	return sub
}

// collectUntil reads events until stop matches or the timeout elapses.
func collectUntil(t *testing.T, sub <-chan events.Event, stop func(events.Event) bool) []events.Event {
	t.Helper()
	var got []events.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return got
			}
			got = append(got, ev)
			if stop(ev) {
				return got
			}
		case <-timeout:
			t.Fatalf("timed out waiting for event, got %d events", len(got))
			return got
		}
	}
}

func eventTypes(evs []events.Event) []events.Type {
	out := make([]events.Type, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}
