package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/orbitd/internal/agents"
	"github.com/fyrsmithlabs/orbitd/internal/events"
	"github.com/fyrsmithlabs/orbitd/internal/executor"
	"github.com/fyrsmithlabs/orbitd/internal/logging"
	"github.com/fyrsmithlabs/orbitd/internal/store"
)

// QueueTasks is the work queue workers consume.
const QueueTasks = "tasks"

// waitPollInterval is how often Wait re-reads a task it has no handle for.
var waitPollInterval = 200 * time.Millisecond

type jobKind string

const (
	jobTask     jobKind = "task"
	jobFinalize jobKind = "finalize"
)

type job struct {
	Kind      jobKind `json:"kind"`
	TaskID    string  `json:"task_id,omitempty"`
	ProjectID string  `json:"project_id"`
}

// handle lets local waiters block until a task settles.
type handle struct {
	done chan struct{}
}

func (o *Orchestrator) track(taskID string) *handle {
	o.mu.Lock()
	defer o.mu.Unlock()
	h, ok := o.handles[taskID]
	if !ok {
		h = &handle{done: make(chan struct{})}
		o.handles[taskID] = h
	}
	return h
}

func (o *Orchestrator) release(taskID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if h, ok := o.handles[taskID]; ok {
		close(h.done)
		delete(o.handles, taskID)
	}
}

// InFlight returns the number of tasks this process is tracking.
func (o *Orchestrator) InFlight() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.handles)
}

func (o *Orchestrator) enqueue(ctx context.Context, j job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	if err := o.store.Enqueue(ctx, QueueTasks, data); err != nil {
		return fmt.Errorf("enqueue %s job: %w", j.Kind, err)
	}
	return nil
}

func (o *Orchestrator) enqueueTask(ctx context.Context, t *Task) error {
	o.track(t.ID)
	return o.enqueue(ctx, job{Kind: jobTask, TaskID: t.ID, ProjectID: t.ProjectID})
}

// Wait blocks until the task reaches a terminal status or ctx is done. The
// store is consulted so tasks driven by other processes can be awaited.
func (o *Orchestrator) Wait(ctx context.Context, taskID string) (*Task, error) {
	o.mu.Lock()
	h := o.handles[taskID]
	o.mu.Unlock()
	var done <-chan struct{}
	if h != nil {
		done = h.done
	}

	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()
	for {
		t, err := o.getTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if t.Status.Terminal() {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return t, ctx.Err()
		case <-done:
			done = nil
		case <-ticker.C:
		}
	}
}

// Run starts the worker pool and blocks until ctx is done. In-flight tasks
// see the cancellation through their model calls.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info(ctx, "starting workers", zap.Int("workers", o.cfg.Workers))
	g, ctx := errgroup.WithContext(ctx)
	for i := range o.cfg.Workers {
		g.Go(func() error {
			return o.work(ctx, i)
		})
	}
	err := g.Wait()
	o.logger.Info(context.WithoutCancel(ctx), "workers stopped")
	return err
}

func (o *Orchestrator) work(ctx context.Context, worker int) error {
	logger := o.logger.With(zap.Int("worker", worker))
	for {
		data, err := o.store.Dequeue(ctx, QueueTasks, o.cfg.DequeueTimeout.Duration())
		switch {
		case ctx.Err() != nil, errors.Is(err, store.ErrClosed):
			return nil
		case errors.Is(err, store.ErrQueueEmpty):
			continue
		case err != nil:
			logger.Warn(ctx, "dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		var j job
		if err := json.Unmarshal(data, &j); err != nil {
			logger.Warn(ctx, "dropping undecodable job", zap.Error(err))
			continue
		}
		switch j.Kind {
		case jobTask:
			o.processTask(ctx, j.TaskID)
		case jobFinalize:
			o.processFinalize(ctx, j.ProjectID)
		default:
			logger.Warn(ctx, "dropping job of unknown kind", zap.String("kind", string(j.Kind)))
		}
	}
}

// claim moves a pending task to active. Paused, cancelled and finished
// tasks are skipped.
func (o *Orchestrator) claim(ctx context.Context, taskID string) (*Task, bool, error) {
	claimed := false
	t, err := o.mutateTask(ctx, taskID, func(t *Task) error {
		if t.Status != StatusPending {
			return errUnchanged
		}
		now := o.now().UTC()
		t.Status = StatusActive
		t.StartedAt = &now
		claimed = true
		return nil
	})
	return t, claimed, err
}

func (o *Orchestrator) processTask(ctx context.Context, taskID string) {
	t, claimed, err := o.claim(ctx, taskID)
	if err != nil {
		o.logger.Warn(ctx, "task claim failed", zap.String("task_id", taskID), zap.Error(err))
		if errors.Is(err, ErrTaskNotFound) {
			o.release(taskID)
		}
		return
	}
	if !claimed {
		o.logger.Debug(ctx, "skipping task", zap.String("task_id", taskID), zap.String("status", string(t.Status)))
		if t.Status.Terminal() {
			o.release(taskID)
		}
		return
	}

	ctx = logging.WithTask(logging.WithProject(ctx, t.ProjectID), t.ID, t.AgentName)
	ctx, span := o.tracer.Start(ctx, "orchestrator.processTask", trace.WithAttributes(
		attribute.String("project.id", t.ProjectID),
		attribute.String("task.id", t.ID),
		attribute.String("agent.name", t.AgentName),
		attribute.String("task.role", string(t.Role)),
	))
	defer span.End()

	res, err := o.execute(ctx, t)
	// Results are recorded even when shutdown cancelled the run.
	recordCtx := context.WithoutCancel(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.failTask(recordCtx, t, err)
		return
	}
	o.finish(recordCtx, t, res)
}

func (o *Orchestrator) execute(ctx context.Context, t *Task) (*executor.Result, error) {
	def, err := o.agents.Get(t.AgentName)
	if err != nil {
		return nil, err
	}
	ws, err := o.resolver.Resolve(ctx, t.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}
	return o.loop.Execute(ctx, executor.Run{
		Agent:     def,
		ProjectID: t.ProjectID,
		TaskID:    t.ID,
		Phase:     string(t.Phase),
		Inputs:    t.Inputs,
		Workspace: ws,
	})
}

// finish stores the loop's output and completes the task, unless it was
// cancelled (result discarded) or paused (completed on resume).
func (o *Orchestrator) finish(ctx context.Context, t *Task, res *executor.Result) {
	t, err := o.mutateTask(ctx, t.ID, func(t *Task) error {
		if t.Status != StatusActive && t.Status != StatusPaused {
			return errUnchanged
		}
		now := o.now().UTC()
		t.Output = res.Output
		t.Iterations = res.Iterations
		t.FinishedAt = &now
		return nil
	})
	if err != nil {
		o.logger.Error(ctx, "task result not recorded", zap.Error(err))
		return
	}
	switch t.Status {
	case StatusActive:
		o.complete(ctx, t)
	case StatusPaused:
		o.logger.Info(ctx, "task finished while paused, holding result", zap.String("task_id", t.ID))
	default:
		o.logger.Info(ctx, "discarding result of task", zap.String("task_id", t.ID), zap.String("status", string(t.Status)))
		o.release(t.ID)
	}
}

// complete runs the completion path of an active task whose output is
// recorded.
func (o *Orchestrator) complete(ctx context.Context, t *Task) {
	var followers []string
	switch t.Role {
	case RolePrimary:
		artifact := artifactFor[t.Phase]
		if strings.TrimSpace(t.Output) == "" {
			o.failTask(ctx, t, &MissingArtifactError{ProjectID: t.ProjectID, Phase: t.Phase, Artifact: artifact})
			return
		}
		if err := o.writeArtifact(ctx, t.ProjectID, artifact, t.Output); err != nil {
			o.failTask(ctx, t, err)
			return
		}
		o.setPhaseStatus(ctx, t, PhaseCompleted)
		o.events.Emit(ctx, t.ProjectID, events.PhaseCompleted, map[string]any{
			"phase":    string(t.Phase),
			"task_id":  t.ID,
			"artifact": artifact,
		})
		if t.Phase == PhaseImplementation && len(t.Followers) == 0 && o.stillActive(ctx, t.ID) {
			followers = o.spawnFollowers(ctx, t)
		}
	case RoleDocumentation:
		if strings.TrimSpace(t.Output) != "" {
			if err := o.writeArtifact(ctx, t.ProjectID, ArtifactDocumentation, t.Output); err != nil {
				o.logger.Warn(ctx, "documentation artifact not written", zap.Error(err))
			}
		}
	}

	completed := false
	t, err := o.mutateTask(ctx, t.ID, func(t *Task) error {
		if len(followers) > 0 {
			t.Followers = followers
		}
		if t.Status == StatusActive {
			t.Status = StatusCompleted
			completed = true
		}
		return nil
	})
	if err != nil {
		o.logger.Error(ctx, "task completion not recorded", zap.Error(err))
		return
	}
	if !completed {
		o.logger.Info(ctx, "task changed status before completion", zap.String("status", string(t.Status)))
		return
	}
	o.metrics.TaskFinished(string(t.Role), string(StatusCompleted))
	o.logger.Info(ctx, "task completed",
		zap.String("task_id", t.ID),
		zap.String("role", string(t.Role)),
		zap.Int("iterations", t.Iterations))
	o.release(t.ID)
}

// stillActive re-reads the task so follow-ups are not spawned for a task
// paused or cancelled in the meantime.
func (o *Orchestrator) stillActive(ctx context.Context, taskID string) bool {
	t, err := o.getTask(ctx, taskID)
	return err == nil && t.Status == StatusActive
}

// spawnFollowers starts the documentation agent and queues pull request
// creation after a completed implementation.
func (o *Orchestrator) spawnFollowers(ctx context.Context, primary *Task) []string {
	var followers []string
	def, err := o.agents.Primary(agents.TriggerAfterImpl)
	if err != nil {
		o.logger.Warn(ctx, "no documentation agent configured", zap.Error(err))
	} else {
		docs := o.newTask(primary.ProjectID, primary.UserID, def.Name, primary.Phase, RoleDocumentation,
			withInput(primary.Inputs, "implementation", primary.Output))
		if err := o.createTask(ctx, docs); err != nil {
			o.logger.Warn(ctx, "documentation task not created", zap.Error(err))
		} else if err := o.enqueueTask(ctx, docs); err != nil {
			o.failTask(ctx, docs, err)
		} else {
			followers = append(followers, docs.ID)
		}
	}

	if o.finalizer != nil {
		if err := o.scheduleFinalize(ctx, primary.ProjectID); err != nil {
			o.logger.Warn(ctx, "pull request creation not scheduled", zap.Error(err))
		}
	}
	return followers
}

// failTask marks a task failed. Primary failures are published as error
// events; overwatcher and documentation failures only as warning logs.
func (o *Orchestrator) failTask(ctx context.Context, t *Task, cause error) {
	msg := o.redactor.Redact(cause.Error())
	failed := false
	t, err := o.mutateTask(ctx, t.ID, func(t *Task) error {
		if t.Status.Terminal() {
			return errUnchanged
		}
		now := o.now().UTC()
		t.Status = StatusFailed
		t.Error = msg
		t.FinishedAt = &now
		failed = true
		return nil
	})
	if err != nil {
		o.logger.Error(ctx, "task failure not recorded", zap.Error(err))
		return
	}
	if !failed {
		o.logger.Info(ctx, "ignoring failure of finished task",
			zap.String("task_id", t.ID),
			zap.String("status", string(t.Status)),
			zap.Error(cause))
		o.release(t.ID)
		return
	}

	payload := map[string]any{
		"task_id": t.ID,
		"agent":   t.AgentName,
		"phase":   string(t.Phase),
		"error":   msg,
	}
	if t.Role == RolePrimary {
		o.setPhaseStatus(ctx, t, PhaseFailed)
		o.events.Emit(ctx, t.ProjectID, events.Error, payload)
		o.logger.Error(ctx, "task failed", zap.String("task_id", t.ID), zap.Error(cause))
	} else {
		o.events.Log(ctx, t.ProjectID, "warning", fmt.Sprintf("%s %s failed: %s", t.Role, t.AgentName, msg), payload)
		o.logger.Warn(ctx, "follower task failed", zap.String("task_id", t.ID), zap.Error(cause))
	}
	o.metrics.TaskFinished(string(t.Role), string(StatusFailed))
	o.release(t.ID)
}
