package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orbitd/internal/agents"
	"github.com/fyrsmithlabs/orbitd/internal/approval"
	"github.com/fyrsmithlabs/orbitd/internal/config"
	"github.com/fyrsmithlabs/orbitd/internal/events"
	"github.com/fyrsmithlabs/orbitd/internal/executor"
	"github.com/fyrsmithlabs/orbitd/internal/logging"
	"github.com/fyrsmithlabs/orbitd/internal/metrics"
	"github.com/fyrsmithlabs/orbitd/internal/secrets"
	"github.com/fyrsmithlabs/orbitd/internal/store"
	"github.com/fyrsmithlabs/orbitd/internal/workspace"
)

const instrumentationName = "github.com/fyrsmithlabs/orbitd/internal/orchestrator"

// Runner executes one agent run. *executor.Loop implements it.
type Runner interface {
	Execute(ctx context.Context, run executor.Run) (*executor.Result, error)
}

// AnswerSink records answers to approval questions. *approval.Gate
// implements it.
type AnswerSink interface {
	SubmitAnswer(ctx context.Context, projectID, questionID, answer string) error
}

// Deps wires an Orchestrator. Store, Agents, Loop and Resolver are
// required.
type Deps struct {
	Store    store.Store
	Events   *events.Publisher
	Agents   *agents.Registry
	Loop     Runner
	Resolver workspace.Resolver
	// Finalizer is optional; without it implementation ends without a pull
	// request and RetryPRCreation returns ErrFinalizerNotConfigured.
	Finalizer Finalizer
	Answers   AnswerSink
	Redactor  *secrets.Redactor
	Metrics   *metrics.Metrics
	Logger    *logging.Logger
	Tracer    trace.Tracer
	Config    config.OrchestratorConfig
	// Gates override DefaultGates.
	Gates []PhaseGate
}

// Orchestrator runs the phase state machine and its worker pool.
type Orchestrator struct {
	store        store.Store
	events       *events.Publisher
	agents       *agents.Registry
	loop         Runner
	resolver     workspace.Resolver
	finalizer    Finalizer
	answers      AnswerSink
	redactor     *secrets.Redactor
	metrics      *metrics.Metrics
	logger       *logging.Logger
	tracer       trace.Tracer
	cfg          config.OrchestratorConfig
	gates        []PhaseGate
	overwatchers []*agents.Definition

	newID func() string
	now   func() time.Time

	mu      sync.Mutex
	handles map[string]*handle
}

// New creates an Orchestrator. Every configured overwatcher must exist in
// the agent registry.
func New(deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("store is required")
	case deps.Agents == nil:
		return nil, errors.New("agent registry is required")
	case deps.Loop == nil:
		return nil, errors.New("execution loop is required")
	case deps.Resolver == nil:
		return nil, errors.New("workspace resolver is required")
	}

	cfg := deps.Config
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = config.Duration(5 * time.Second)
	}
	if cfg.TaskTTL <= 0 {
		cfg.TaskTTL = config.Duration(24 * time.Hour)
	}
	if cfg.MaxFinalizeAttempts <= 0 {
		cfg.MaxFinalizeAttempts = 3
	}

	var overwatchers []*agents.Definition
	for _, name := range cfg.Overwatchers {
		def, err := deps.Agents.Get(name)
		if err != nil {
			return nil, fmt.Errorf("overwatcher %s: %w", name, err)
		}
		overwatchers = append(overwatchers, def)
	}

	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer(instrumentationName)
	}
	if deps.Gates == nil {
		deps.Gates = DefaultGates()
	}

	return &Orchestrator{
		store:        deps.Store,
		events:       deps.Events,
		agents:       deps.Agents,
		loop:         deps.Loop,
		resolver:     deps.Resolver,
		finalizer:    deps.Finalizer,
		answers:      deps.Answers,
		redactor:     deps.Redactor,
		metrics:      deps.Metrics,
		logger:       deps.Logger.Named("orchestrator"),
		tracer:       deps.Tracer,
		cfg:          cfg,
		gates:        deps.Gates,
		overwatchers: overwatchers,
		newID:        uuid.NewString,
		now:          time.Now,
		handles:      make(map[string]*handle),
	}, nil
}

// phaseTriggers maps a phase to the trigger selecting its primary agent.
var phaseTriggers = map[Phase]string{
	PhaseResearch:       agents.TriggerResearch,
	PhasePlanning:       agents.TriggerPlanning,
	PhaseImplementation: agents.TriggerImplementation,
}

// StartResearch starts (or restarts) the research phase for a feature
// request and returns the primary task id without waiting for it.
func (o *Orchestrator) StartResearch(ctx context.Context, projectID, userID, featureRequest string) (string, error) {
	if strings.TrimSpace(featureRequest) == "" {
		return "", ErrFeatureRequestRequired
	}
	return o.startPhase(ctx, projectID, userID, PhaseResearch, featureRequest)
}

// StartPlanning starts the planning phase. The research artifact must
// exist.
func (o *Orchestrator) StartPlanning(ctx context.Context, projectID, userID string) (string, error) {
	return o.startPhase(ctx, projectID, userID, PhasePlanning, "")
}

// StartImplementation starts the implementation phase and its
// overwatchers. The plan artifact must exist.
func (o *Orchestrator) StartImplementation(ctx context.Context, projectID, userID string) (string, error) {
	return o.startPhase(ctx, projectID, userID, PhaseImplementation, "")
}

func (o *Orchestrator) startPhase(ctx context.Context, projectID, userID string, target Phase, featureRequest string) (taskID string, err error) {
	if err := store.ValidateID("project id", projectID); err != nil {
		return "", err
	}
	ctx = logging.WithProject(ctx, projectID)
	ctx, span := o.tracer.Start(ctx, "orchestrator.StartPhase", trace.WithAttributes(
		attribute.String("project.id", projectID),
		attribute.String("phase", string(target)),
	))
	reported := false
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if !reported {
				o.events.Emit(ctx, projectID, events.Error, map[string]any{
					"phase": string(target),
					"error": o.redactor.Redact(err.Error()),
				})
			}
		}
		span.End()
	}()

	project, err := o.getProject(ctx, projectID)
	if err != nil {
		return "", err
	}
	var prevTaskID string
	var primary *Task
	if project != nil && project.TaskID != "" {
		prevTaskID = project.TaskID
		primary, err = o.getTask(ctx, prevTaskID)
		if err != nil && !errors.Is(err, ErrTaskNotFound) {
			return "", err
		}
	}

	state := &GateState{
		ProjectID: projectID,
		Target:    target,
		Project:   project,
		Primary:   primary,
		Artifact: func(ctx context.Context, name string) (string, error) {
			return o.Artifact(ctx, projectID, name)
		},
	}
	if err := checkGates(ctx, o.gates, state); err != nil {
		return "", err
	}

	def, err := o.agents.Primary(phaseTriggers[target])
	if err != nil {
		return "", err
	}
	if featureRequest == "" && project != nil {
		featureRequest = project.FeatureRequest
	}
	inputs, err := o.phaseInputs(ctx, projectID, target, featureRequest)
	if err != nil {
		return "", err
	}

	task := o.newTask(projectID, userID, def.Name, target, RolePrimary, inputs)
	var watchers []*Task
	if target == PhaseImplementation {
		for _, ow := range o.overwatchers {
			w := o.newTask(projectID, userID, ow.Name, target, RoleOverwatcher, withInput(inputs, "primary_task_id", task.ID))
			watchers = append(watchers, w)
			task.Overwatchers = append(task.Overwatchers, w.ID)
		}
	}
	if err := o.createTask(ctx, task); err != nil {
		return "", err
	}

	_, err = o.mutateProject(ctx, projectID, func(p *Project, _ bool) error {
		if p.TaskID != prevTaskID {
			return fmt.Errorf("%w: project %s changed concurrently", ErrPhaseInProgress, projectID)
		}
		p.Phase = target
		p.PhaseStatus = PhaseRunning
		p.TaskID = task.ID
		if userID != "" {
			p.UserID = userID
		}
		if target == PhaseResearch {
			p.FeatureRequest = featureRequest
		}
		return nil
	})
	if err != nil {
		_ = o.store.Delete(context.WithoutCancel(ctx), store.TaskKey(task.ID))
		return "", err
	}

	created := watchers[:0]
	for _, w := range watchers {
		if err := o.createTask(ctx, w); err != nil {
			o.logger.Warn(ctx, "overwatcher task not created", zap.String("agent", w.AgentName), zap.Error(err))
			continue
		}
		created = append(created, w)
	}
	watchers = created

	payload := map[string]any{
		"phase":   string(target),
		"task_id": task.ID,
		"agent":   def.Name,
	}
	if len(task.Overwatchers) > 0 {
		payload["overwatchers"] = task.Overwatchers
	}
	o.events.Emit(ctx, projectID, events.PhaseStarted, payload)

	if err := o.enqueueTask(ctx, task); err != nil {
		// failTask publishes the error event.
		reported = true
		o.failTask(ctx, task, err)
		return "", err
	}
	for _, w := range watchers {
		if err := o.enqueueTask(ctx, w); err != nil {
			o.failTask(ctx, w, err)
		}
	}

	o.logger.Info(ctx, "phase started",
		zap.String("phase", string(target)),
		zap.String("task_id", task.ID),
		zap.String("agent", def.Name),
		zap.Int("overwatchers", len(watchers)))
	span.SetAttributes(attribute.String("task.id", task.ID))
	return task.ID, nil
}

// phaseInputs collects what a phase's agents are told: the feature request
// and every earlier artifact.
func (o *Orchestrator) phaseInputs(ctx context.Context, projectID string, phase Phase, featureRequest string) (map[string]any, error) {
	inputs := map[string]any{"feature_request": featureRequest}
	if phase.index() >= PhasePlanning.index() {
		research, err := o.Artifact(ctx, projectID, ArtifactResearch)
		if err != nil {
			return nil, err
		}
		inputs["research"] = research
	}
	if phase.index() >= PhaseImplementation.index() {
		plan, err := o.Artifact(ctx, projectID, ArtifactPlan)
		if err != nil {
			return nil, err
		}
		inputs["plan"] = plan
	}
	return inputs, nil
}

func withInput(inputs map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(inputs)+1)
	for k, v := range inputs {
		out[k] = v
	}
	out[key] = value
	return out
}

func (o *Orchestrator) newTask(projectID, userID, agent string, phase Phase, role Role, inputs map[string]any) *Task {
	now := o.now().UTC()
	return &Task{
		ID:        o.newID(),
		ProjectID: projectID,
		UserID:    userID,
		AgentName: agent,
		Phase:     phase,
		Role:      role,
		Status:    StatusPending,
		Inputs:    inputs,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// GetTaskStatus returns the stored task record.
func (o *Orchestrator) GetTaskStatus(ctx context.Context, taskID string) (*Task, error) {
	return o.getTask(ctx, taskID)
}

// GetProject returns the project record, or nil for unknown projects.
func (o *Orchestrator) GetProject(ctx context.Context, projectID string) (*Project, error) {
	if err := store.ValidateID("project id", projectID); err != nil {
		return nil, err
	}
	return o.getProject(ctx, projectID)
}

// PauseTask marks a pending or active task paused. A running loop is not
// interrupted; its result is held until the task is resumed.
func (o *Orchestrator) PauseTask(ctx context.Context, taskID string) (*Task, error) {
	t, err := o.transitionTask(ctx, taskID, StatusPaused, nil)
	if err != nil {
		return nil, err
	}
	o.events.Emit(ctx, t.ProjectID, events.AgentPaused, map[string]any{
		"task_id": t.ID,
		"agent":   t.AgentName,
	})
	return t, nil
}

// ResumeTask continues a paused task. A task that never started is
// re-enqueued; a task whose loop finished while paused is completed now.
func (o *Orchestrator) ResumeTask(ctx context.Context, taskID string) (*Task, error) {
	current, err := o.getTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if current.Status != StatusPaused {
		return nil, fmt.Errorf("%w: task %s is %s, not paused", ErrInvalidTransition, taskID, current.Status)
	}

	requeue := current.StartedAt == nil
	to := StatusActive
	if requeue {
		to = StatusPending
	}
	t, err := o.transitionTask(ctx, taskID, to, nil)
	if err != nil {
		return nil, err
	}
	o.events.Emit(ctx, t.ProjectID, events.AgentResumed, map[string]any{
		"task_id":  t.ID,
		"agent":    t.AgentName,
		"requeued": requeue,
	})

	switch {
	case requeue:
		if err := o.enqueueTask(ctx, t); err != nil {
			o.failTask(ctx, t, err)
			return nil, err
		}
	case t.FinishedAt != nil:
		o.complete(context.WithoutCancel(ctx), t)
		return o.getTask(ctx, taskID)
	}
	return t, nil
}

// CancelTask cancels a task that has not finished. Results of a loop that
// is still running are discarded.
func (o *Orchestrator) CancelTask(ctx context.Context, taskID string) (*Task, error) {
	t, err := o.transitionTask(ctx, taskID, StatusCancelled, func(t *Task) {
		now := o.now().UTC()
		t.FinishedAt = &now
	})
	if err != nil {
		return nil, err
	}
	o.events.Emit(ctx, t.ProjectID, events.AgentCancelled, map[string]any{
		"task_id": t.ID,
		"agent":   t.AgentName,
	})
	if t.Role == RolePrimary {
		o.setPhaseStatus(ctx, t, PhaseCancelled)
	}
	o.metrics.TaskFinished(string(t.Role), string(StatusCancelled))
	o.release(t.ID)
	return t, nil
}

// SubmitAnswer records a human answer to a pending approval question.
func (o *Orchestrator) SubmitAnswer(ctx context.Context, projectID, questionID, answer string) error {
	if err := store.ValidateID("project id", projectID); err != nil {
		return err
	}
	if err := store.ValidateID("question id", questionID); err != nil {
		return err
	}
	if o.answers == nil {
		return approval.ErrGateUnavailable
	}
	return o.answers.SubmitAnswer(ctx, projectID, questionID, answer)
}

// setPhaseStatus updates the project's phase status if t is still its
// primary task.
func (o *Orchestrator) setPhaseStatus(ctx context.Context, t *Task, status PhaseStatus) {
	_, err := o.mutateProject(context.WithoutCancel(ctx), t.ProjectID, func(p *Project, _ bool) error {
		if p.TaskID != t.ID {
			return errUnchanged
		}
		p.PhaseStatus = status
		return nil
	})
	if err != nil {
		o.logger.Warn(ctx, "project phase status not updated",
			zap.String("task_id", t.ID),
			zap.String("phase_status", string(status)),
			zap.Error(err))
	}
}
