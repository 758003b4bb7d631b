package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/orbitd/internal/agents"
	"github.com/fyrsmithlabs/orbitd/internal/approval"
	"github.com/fyrsmithlabs/orbitd/internal/config"
	"github.com/fyrsmithlabs/orbitd/internal/events"
	"github.com/fyrsmithlabs/orbitd/internal/inference"
	"github.com/fyrsmithlabs/orbitd/internal/store"
)

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Deps{})
	require.Error(t, err)
}

func TestNew_UnknownOverwatcher(t *testing.T) {
	h := newHarness(t)
	deps := h.deps
	deps.Config.Overwatchers = []string{"review-agent", "ghost-agent"}

	_, err := New(deps)
	require.Error(t, err)
	assert.ErrorIs(t, err, agents.ErrAgentNotFound)
	assert.Contains(t, err.Error(), "ghost-agent")
}

func TestStartPlanning_MissingResearch(t *testing.T) {
	h := newHarness(t)
	sub := h.subscribe(t, "p1")
	ctx := context.Background()

	_, err := h.orch.StartPlanning(ctx, "p1", "u1")
	var missing *MissingArtifactError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, ArtifactResearch, missing.Artifact)
	assert.Equal(t, PhasePlanning, missing.Phase)

	evs := collectUntil(t, sub, func(ev events.Event) bool { return ev.Type == events.Error })
	require.Len(t, evs, 1)
	assert.Equal(t, string(PhasePlanning), evs[0].Payload["phase"])
	assert.Contains(t, evs[0].Payload["error"], "research")

	_, err = h.orch.StartImplementation(ctx, "p1", "u1")
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, ArtifactPlan, missing.Artifact)

	project, err := h.orch.GetProject(ctx, "p1")
	require.NoError(t, err)
	assert.Nil(t, project, "failed starts must not create the project")
}

func TestStartPlanning_ArtifactCheckedFirst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Research is running but produced nothing yet: the artifact error wins
	// over the in-progress error.
	_, err := h.orch.StartResearch(ctx, "p1", "u1", "add dark mode")
	require.NoError(t, err)

	_, err = h.orch.StartPlanning(ctx, "p1", "u1")
	var missing *MissingArtifactError
	require.ErrorAs(t, err, &missing)
	assert.NotErrorIs(t, err, ErrPhaseInProgress)
}

func TestStartResearch_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.StartResearch(ctx, "p1", "u1", "   ")
	require.Error(t, err)

	_, err = h.orch.StartResearch(ctx, "bad:id", "u1", "add dark mode")
	require.Error(t, err)
}

func TestPhaseOrdering(t *testing.T) {
	h := newHarness(t)
	h.startWorkers(t)
	ctx := context.Background()

	research := h.runPhase(t, "p1", PhaseResearch)
	require.Equal(t, StatusCompleted, research.Status)

	// Research may be restarted while planning has not begun.
	again := h.runPhase(t, "p1", PhaseResearch)
	require.Equal(t, StatusCompleted, again.Status)
	assert.NotEqual(t, research.ID, again.ID)

	plan := h.runPhase(t, "p1", PhasePlanning)
	require.Equal(t, StatusCompleted, plan.Status)

	_, err := h.orch.StartResearch(ctx, "p1", "u1", "add dark mode")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	project, err := h.orch.GetProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, PhasePlanning, project.Phase)
	assert.Equal(t, PhaseCompleted, project.PhaseStatus)
	assert.Equal(t, plan.ID, project.TaskID)
}

func TestStartResearch_InProgress(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// No workers: the first task stays pending and therefore live.
	_, err := h.orch.StartResearch(ctx, "p1", "u1", "add dark mode")
	require.NoError(t, err)

	sub := h.subscribe(t, "p1")
	_, err = h.orch.StartResearch(ctx, "p1", "u1", "add dark mode")
	assert.ErrorIs(t, err, ErrPhaseInProgress)

	evs := collectUntil(t, sub, func(ev events.Event) bool { return ev.Type == events.Error })
	assert.Equal(t, string(PhaseResearch), evs[len(evs)-1].Payload["phase"])
}

func TestDarkModeScenario(t *testing.T) {
	finalizer := &MockFinalizer{}
	finalizer.On("Finalize", mock.Anything, mock.MatchedBy(func(req FinalizeRequest) bool {
		return req.ProjectID == "p1" &&
			req.FeatureRequest == "add dark mode" &&
			req.Plan == "1. Add a dark palette to theme.css" &&
			req.Summary == "Added dark mode toggle" &&
			req.Workspace != nil
	})).Return(&PullRequest{Number: 42, URL: "https://github.com/acme/web/pull/42"}, nil).Once()

	h := newHarness(t, withFinalizer(finalizer))
	h.client.route("research-agent", inference.Reply(inference.EndTurn("Theme colors live in theme.css")))
	h.client.route("planning-agent", inference.Reply(inference.EndTurn("1. Add a dark palette to theme.css")))
	h.client.route("implementation-agent", inference.Reply(inference.EndTurn("Added dark mode toggle")))
	h.client.route("documentation-agent", inference.Reply(inference.EndTurn("Documented dark mode")))
	sub := h.subscribe(t, "p1")
	h.startWorkers(t)
	ctx := context.Background()

	research := h.runPhase(t, "p1", PhaseResearch)
	require.Equal(t, StatusCompleted, research.Status)
	assert.Equal(t, "add dark mode", research.Inputs["feature_request"])
	got, err := h.orch.Artifact(ctx, "p1", ArtifactResearch)
	require.NoError(t, err)
	assert.Equal(t, "Theme colors live in theme.css", got)

	plan := h.runPhase(t, "p1", PhasePlanning)
	require.Equal(t, StatusCompleted, plan.Status)
	assert.Equal(t, "Theme colors live in theme.css", plan.Inputs["research"])

	impl := h.runPhase(t, "p1", PhaseImplementation)
	require.Equal(t, StatusCompleted, impl.Status)
	assert.Equal(t, "1. Add a dark palette to theme.css", impl.Inputs["plan"])
	require.Len(t, impl.Overwatchers, 3)
	require.Len(t, impl.Followers, 1)

	for _, id := range impl.Overwatchers {
		ow := h.wait(t, id)
		assert.Equal(t, StatusCompleted, ow.Status)
		assert.Equal(t, RoleOverwatcher, ow.Role)
		assert.Equal(t, impl.ID, ow.Inputs["primary_task_id"])
	}
	docs := h.wait(t, impl.Followers[0])
	assert.Equal(t, StatusCompleted, docs.Status)
	assert.Equal(t, "documentation-agent", docs.AgentName)
	assert.Equal(t, "Added dark mode toggle", docs.Inputs["implementation"])

	require.Eventually(t, func() bool {
		rec, err := h.orch.GetPullRequest(ctx, "p1")
		return err == nil && rec != nil && rec.Status == PRCreated
	}, 5*time.Second, 20*time.Millisecond)
	rec, err := h.orch.GetPullRequest(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 42, rec.Number)
	assert.Equal(t, 1, rec.Attempts)

	evs := collectUntil(t, sub, func(ev events.Event) bool { return ev.Type == events.PRCreated })
	assert.Equal(t, float64(42), evs[len(evs)-1].Payload["pr_number"])
	finalizer.AssertExpectations(t)

	// A created pull request is returned as is by later retries.
	again, err := h.orch.RetryPRCreation(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, PRCreated, again.Status)
	finalizer.AssertNumberOfCalls(t, "Finalize", 1)
}

func TestEventOrdering(t *testing.T) {
	h := newHarness(t)
	h.client.route("research-agent", inference.Reply(inference.EndTurn("research notes")))
	p1 := h.subscribe(t, "p1")
	p2 := h.subscribe(t, "p2")
	h.startWorkers(t)

	h.runPhase(t, "p1", PhaseResearch)

	evs := collectUntil(t, p1, func(ev events.Event) bool { return ev.Type == events.PhaseCompleted })
	assert.Equal(t, []events.Type{
		events.PhaseStarted,
		events.AgentStart,
		events.AgentComplete,
		events.PhaseCompleted,
	}, eventTypes(evs))
	for _, ev := range evs {
		assert.Equal(t, "p1", ev.ProjectID)
	}

	select {
	case ev := <-p2:
		t.Fatalf("unexpected event on p2: %s", ev.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEmptyOutputFailsPhase(t *testing.T) {
	h := newHarness(t)
	h.client.route("research-agent", inference.Reply(inference.EndTurn("  ")))
	sub := h.subscribe(t, "p1")
	h.startWorkers(t)
	ctx := context.Background()

	task := h.runPhase(t, "p1", PhaseResearch)
	assert.Equal(t, StatusFailed, task.Status)
	assert.Contains(t, task.Error, "research artifact")

	evs := collectUntil(t, sub, func(ev events.Event) bool { return ev.Type == events.Error })
	assert.Equal(t, task.ID, evs[len(evs)-1].Payload["task_id"])

	project, err := h.orch.GetProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, PhaseFailed, project.PhaseStatus)

	_, err = h.orch.StartPlanning(ctx, "p1", "u1")
	var missing *MissingArtifactError
	assert.ErrorAs(t, err, &missing)
}

func TestModelErrorFailsPrimary(t *testing.T) {
	h := newHarness(t)
	h.client.route("research-agent", inference.Fail(errors.New("overloaded")))
	sub := h.subscribe(t, "p1")
	h.startWorkers(t)

	task := h.runPhase(t, "p1", PhaseResearch)
	assert.Equal(t, StatusFailed, task.Status)
	assert.Contains(t, task.Error, "overloaded")

	evs := collectUntil(t, sub, func(ev events.Event) bool { return ev.Type == events.Error })
	assert.Contains(t, eventTypes(evs), events.AgentError)

	// Failed phases can be restarted.
	h.client.route("research-agent", inference.Reply(inference.EndTurn("research notes")))
	again := h.runPhase(t, "p1", PhaseResearch)
	assert.Equal(t, StatusCompleted, again.Status)
}

func TestOverwatcherIsolation(t *testing.T) {
	h := newHarness(t)
	h.client.route("review-agent", inference.Fail(errors.New("review model unavailable")))
	h.client.route("implementation-agent", func(inference.Request) (*inference.Response, error) {
		// Let the failing overwatcher finish first.
		time.Sleep(50 * time.Millisecond)
		return inference.EndTurn("Added dark mode toggle"), nil
	})
	sub := h.subscribe(t, "p1")
	h.startWorkers(t)

	h.runPhase(t, "p1", PhaseResearch)
	h.runPhase(t, "p1", PhasePlanning)
	impl := h.runPhase(t, "p1", PhaseImplementation)

	assert.Equal(t, StatusCompleted, impl.Status)
	require.Len(t, impl.Followers, 1, "documentation task still spawned")

	var review *Task
	for _, id := range impl.Overwatchers {
		ow := h.wait(t, id)
		if ow.AgentName == "review-agent" {
			review = ow
		} else {
			assert.Equal(t, StatusCompleted, ow.Status)
		}
	}
	require.NotNil(t, review)
	assert.Equal(t, StatusFailed, review.Status)

	docs := h.wait(t, impl.Followers[0])
	assert.Equal(t, StatusCompleted, docs.Status)

	evs := collectUntil(t, sub, func(ev events.Event) bool {
		return ev.Type == events.AgentComplete && ev.Payload["agent"] == "documentation-agent"
	})
	var warned bool
	for _, ev := range evs {
		if ev.Type == events.Error {
			t.Fatalf("overwatcher failure published an error event: %v", ev.Payload)
		}
		if ev.Type == events.Log && ev.Payload["agent"] == "review-agent" {
			warned = true
			assert.Equal(t, "warning", ev.Payload["level"])
		}
	}
	assert.True(t, warned, "expected a warning log event for the review agent")
}

func TestRetryPRCreation_Bounded(t *testing.T) {
	finalizer := &MockFinalizer{}
	finalizer.On("Finalize", mock.Anything, mock.Anything).Return(nil, errors.New("github unavailable"))

	h := newHarness(t, withFinalizer(finalizer))
	h.startWorkers(t)
	ctx := context.Background()

	h.runPhase(t, "p1", PhaseResearch)
	h.runPhase(t, "p1", PhasePlanning)
	h.runPhase(t, "p1", PhaseImplementation)

	waitAttempt := func(n int) {
		t.Helper()
		require.Eventually(t, func() bool {
			rec, err := h.orch.GetPullRequest(ctx, "p1")
			return err == nil && rec != nil && rec.Status == PRFailed && rec.Attempts == n
		}, 5*time.Second, 20*time.Millisecond)
	}
	waitAttempt(1)

	for n := 2; n <= 3; n++ {
		rec, err := h.orch.RetryPRCreation(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, PRPending, rec.Status)
		waitAttempt(n)
	}

	rec, err := h.orch.RetryPRCreation(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, PRMaxRetriesExceeded, rec.Status)
	assert.Equal(t, 3, rec.Attempts)
	assert.Equal(t, "github unavailable", rec.LastError)

	// Stays refused.
	rec, err = h.orch.RetryPRCreation(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, PRMaxRetriesExceeded, rec.Status)

	time.Sleep(100 * time.Millisecond)
	finalizer.AssertNumberOfCalls(t, "Finalize", 3)
}

func TestRetryPRCreation_Preconditions(t *testing.T) {
	ctx := context.Background()

	h := newHarness(t)
	_, err := h.orch.RetryPRCreation(ctx, "p1")
	assert.ErrorIs(t, err, ErrFinalizerNotConfigured)

	finalizer := &MockFinalizer{}
	h = newHarness(t, withFinalizer(finalizer))
	_, err = h.orch.RetryPRCreation(ctx, "p1")
	var missing *MissingArtifactError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, ArtifactImplementation, missing.Artifact)

	// With an artifact but no workers the attempt stays queued.
	_, err = h.mem.Set(ctx, store.ArtifactKey("p1", ArtifactImplementation), []byte("done"), 0)
	require.NoError(t, err)
	rec, err := h.orch.RetryPRCreation(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, PRPending, rec.Status)

	_, err = h.orch.RetryPRCreation(ctx, "p1")
	assert.ErrorIs(t, err, ErrFinalizeInProgress)
	finalizer.AssertNotCalled(t, "Finalize", mock.Anything, mock.Anything)
}

func TestPauseBeforeStart_ResumeRequeues(t *testing.T) {
	h := newHarness(t)
	h.client.route("research-agent", inference.Reply(inference.EndTurn("research notes")))
	ctx := context.Background()

	id, err := h.orch.StartResearch(ctx, "p1", "u1", "add dark mode")
	require.NoError(t, err)
	paused, err := h.orch.PauseTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, paused.Status)

	// The queued job is skipped while the task is paused.
	h.startWorkers(t)
	time.Sleep(150 * time.Millisecond)
	status, err := h.orch.GetTaskStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, status.Status)
	assert.Nil(t, status.StartedAt)
	assert.Equal(t, 0, h.client.Calls("research-agent"))

	resumed, err := h.orch.ResumeTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, resumed.Status)

	done := h.wait(t, id)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, 1, h.client.Calls("research-agent"))
}

func TestPauseWhileRunning_HoldsResult(t *testing.T) {
	h := newHarness(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	h.client.route("research-agent", func(inference.Request) (*inference.Response, error) {
		close(entered)
		<-release
		return inference.EndTurn("research notes"), nil
	})
	sub := h.subscribe(t, "p1")
	h.startWorkers(t)
	ctx := context.Background()

	id, err := h.orch.StartResearch(ctx, "p1", "u1", "add dark mode")
	require.NoError(t, err)
	<-entered

	_, err = h.orch.PauseTask(ctx, id)
	require.NoError(t, err)
	close(release)

	require.Eventually(t, func() bool {
		task, err := h.orch.GetTaskStatus(ctx, id)
		return err == nil && task.FinishedAt != nil
	}, 5*time.Second, 20*time.Millisecond)

	task, err := h.orch.GetTaskStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, task.Status)
	art, err := h.orch.Artifact(ctx, "p1", ArtifactResearch)
	require.NoError(t, err)
	assert.Empty(t, art, "artifact is not written while paused")

	resumed, err := h.orch.ResumeTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, resumed.Status)
	art, err = h.orch.Artifact(ctx, "p1", ArtifactResearch)
	require.NoError(t, err)
	assert.Equal(t, "research notes", art)

	evs := collectUntil(t, sub, func(ev events.Event) bool { return ev.Type == events.PhaseCompleted })
	types := eventTypes(evs)
	assert.Contains(t, types, events.AgentPaused)
	assert.Contains(t, types, events.AgentResumed)
}

func TestCancelTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.orch.StartResearch(ctx, "p1", "u1", "add dark mode")
	require.NoError(t, err)
	cancelled, err := h.orch.CancelTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.FinishedAt)

	h.startWorkers(t)
	done := h.wait(t, id)
	assert.Equal(t, StatusCancelled, done.Status)
	assert.Equal(t, 0, h.client.Calls("research-agent"))

	project, err := h.orch.GetProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, PhaseCancelled, project.PhaseStatus)

	_, err = h.orch.ResumeTask(ctx, id)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = h.orch.PauseTask(ctx, id)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// A cancelled phase can be restarted.
	again := h.runPhase(t, "p1", PhaseResearch)
	assert.Equal(t, StatusCompleted, again.Status)
}

func TestCancelWhileRunning_DiscardsResult(t *testing.T) {
	h := newHarness(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	h.client.route("research-agent", func(inference.Request) (*inference.Response, error) {
		close(entered)
		<-release
		return inference.EndTurn("research notes"), nil
	})
	h.startWorkers(t)
	ctx := context.Background()

	id, err := h.orch.StartResearch(ctx, "p1", "u1", "add dark mode")
	require.NoError(t, err)
	<-entered
	_, err = h.orch.CancelTask(ctx, id)
	require.NoError(t, err)
	close(release)

	time.Sleep(150 * time.Millisecond)
	task, err := h.orch.GetTaskStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, task.Status)
	assert.Empty(t, task.Output)
	art, err := h.orch.Artifact(ctx, "p1", ArtifactResearch)
	require.NoError(t, err)
	assert.Empty(t, art)
}

func TestGetTaskStatus_NotFound(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.GetTaskStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestSubmitAnswer(t *testing.T) {
	ctx := context.Background()

	h := newHarness(t)
	err := h.orch.SubmitAnswer(ctx, "p1", "q1", approval.ChoiceApprove)
	assert.ErrorIs(t, err, approval.ErrGateUnavailable)

	answers := &MockAnswers{}
	answers.On("SubmitAnswer", mock.Anything, "p1", "q1", approval.ChoiceApprove).Return(nil).Once()
	answers.On("SubmitAnswer", mock.Anything, "p1", "q1", approval.ChoiceReject).Return(approval.ErrAlreadyAnswered).Once()
	h.deps.Answers = answers
	orch, err := New(h.deps)
	require.NoError(t, err)

	require.NoError(t, orch.SubmitAnswer(ctx, "p1", "q1", approval.ChoiceApprove))
	assert.ErrorIs(t, orch.SubmitAnswer(ctx, "p1", "q1", approval.ChoiceReject), approval.ErrAlreadyAnswered)
	answers.AssertExpectations(t)
}

func TestNew_Defaults(t *testing.T) {
	h := newHarness(t)
	deps := h.deps
	deps.Config = config.OrchestratorConfig{}
	orch, err := New(deps)
	require.NoError(t, err)
	assert.Equal(t, 8, orch.cfg.Workers)
	assert.Equal(t, 3, orch.cfg.MaxFinalizeAttempts)
	assert.Equal(t, 24*time.Hour, orch.cfg.TaskTTL.Duration())
	assert.Empty(t, orch.overwatchers)
}

func TestStartResearch_PersistsPendingTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.orch.StartResearch(ctx, "p1", "u1", "add dark mode")
	require.NoError(t, err)
	entry, err := h.mem.Get(ctx, store.TaskKey(id))
	require.NoError(t, err)
	assert.Contains(t, string(entry.Value), `"status":"pending"`)
	assert.Contains(t, string(entry.Value), `"role":"primary"`)
}
