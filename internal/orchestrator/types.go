package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/orbitd/internal/workspace"
)

// Phase is a stage of the project workflow.
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseResearch       Phase = "research"
	PhasePlanning       Phase = "planning"
	PhaseImplementation Phase = "implementation"
)

// AllPhases returns the phases in execution order.
func AllPhases() []Phase {
	return []Phase{PhaseIdle, PhaseResearch, PhasePlanning, PhaseImplementation}
}

func (p Phase) index() int {
	for i, candidate := range AllPhases() {
		if candidate == p {
			return i
		}
	}
	return -1
}

// Artifact names stored under project:{id}:artifact:{name}.
const (
	ArtifactResearch       = "research"
	ArtifactPlan           = "plan"
	ArtifactImplementation = "implementation"
	ArtifactDocumentation  = "documentation"
)

// artifactFor is the artifact a phase's primary task produces.
var artifactFor = map[Phase]string{
	PhaseResearch:       ArtifactResearch,
	PhasePlanning:       ArtifactPlan,
	PhaseImplementation: ArtifactImplementation,
}

// requiredArtifact is the artifact that must exist before a phase starts.
var requiredArtifact = map[Phase]string{
	PhasePlanning:       ArtifactResearch,
	PhaseImplementation: ArtifactPlan,
}

// Status is a task status.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Live reports whether the task still has work ahead of it.
func (s Status) Live() bool {
	return s == StatusPending || s == StatusActive || s == StatusPaused
}

// transitions lists allowed status changes. Statuses only move forward
// except for the pause/resume pair.
var transitions = map[Status][]Status{
	StatusPending: {StatusActive, StatusPaused, StatusFailed, StatusCancelled},
	StatusActive:  {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:  {StatusActive, StatusPending, StatusFailed, StatusCancelled},
}

// CanTransition reports whether a task may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Role distinguishes the tasks of a phase.
type Role string

const (
	RolePrimary       Role = "primary"
	RoleOverwatcher   Role = "overwatcher"
	RoleDocumentation Role = "documentation"
)

// Task is one agent run bound to a project and phase.
type Task struct {
	ID         string         `json:"task_id"`
	ProjectID  string         `json:"project_id"`
	UserID     string         `json:"user_id,omitempty"`
	AgentName  string         `json:"agent_name"`
	Phase      Phase          `json:"phase"`
	Role       Role           `json:"role"`
	Status     Status         `json:"status"`
	Inputs     map[string]any `json:"inputs,omitempty"`
	Output     string         `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	Iterations int            `json:"iterations,omitempty"`
	// Overwatchers are the tasks started alongside an implementation
	// primary.
	Overwatchers []string `json:"overwatchers,omitempty"`
	// Followers are the tasks spawned when this task completed.
	Followers  []string   `json:"followers,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// awaitingResume reports whether the loop finished while the task was
// paused, leaving its completion to ResumeTask.
func (t *Task) awaitingResume() bool {
	return t.Status == StatusPaused && t.FinishedAt != nil
}

// PhaseStatus is the state of the project's current phase.
type PhaseStatus string

const (
	PhaseRunning   PhaseStatus = "running"
	PhaseCompleted PhaseStatus = "completed"
	PhaseFailed    PhaseStatus = "failed"
	PhaseCancelled PhaseStatus = "cancelled"
)

// Project is the persisted project record.
type Project struct {
	ID             string      `json:"project_id"`
	UserID         string      `json:"user_id,omitempty"`
	Phase          Phase       `json:"phase"`
	PhaseStatus    PhaseStatus `json:"phase_status,omitempty"`
	TaskID         string      `json:"task_id,omitempty"`
	FeatureRequest string      `json:"feature_request,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// PRStatus is the state of pull request finalization.
type PRStatus string

const (
	PRPending            PRStatus = "pending"
	PRInProgress         PRStatus = "in_progress"
	PRCreated            PRStatus = "created"
	PRFailed             PRStatus = "failed"
	PRMaxRetriesExceeded PRStatus = "max_retries_exceeded"
)

// PullRequestRecord tracks finalization attempts for a project.
type PullRequestRecord struct {
	ProjectID   string    `json:"project_id"`
	Status      PRStatus  `json:"status"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	Number      int       `json:"pr_number,omitempty"`
	URL         string    `json:"pr_url,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// FinalizeRequest carries what a Finalizer needs to open a pull request.
type FinalizeRequest struct {
	ProjectID      string
	FeatureRequest string
	Plan           string
	Summary        string
	Workspace      *workspace.Workspace
}

// PullRequest identifies a created pull request.
type PullRequest struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
}

// Finalizer turns completed implementation work into a pull request.
type Finalizer interface {
	Finalize(ctx context.Context, req FinalizeRequest) (*PullRequest, error)
}

var (
	// ErrTaskNotFound is returned for unknown or expired tasks.
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvalidTransition is returned when a phase or status change is not
	// allowed from the current state.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrPhaseInProgress is returned when a phase still has a live primary
	// task.
	ErrPhaseInProgress = errors.New("phase already in progress")

	// ErrFinalizeInProgress is returned by RetryPRCreation while an attempt
	// is queued or running.
	ErrFinalizeInProgress = errors.New("pull request creation already in progress")

	// ErrFinalizerNotConfigured is returned by RetryPRCreation when no
	// Finalizer is wired.
	ErrFinalizerNotConfigured = errors.New("pull request finalization is not configured")

	// ErrFeatureRequestRequired is returned by StartResearch for a blank
	// feature request.
	ErrFeatureRequestRequired = errors.New("feature request is required")
)

// MissingArtifactError reports that a phase precondition is not met, or
// that a phase finished without producing its artifact.
type MissingArtifactError struct {
	ProjectID string
	Phase     Phase
	Artifact  string
}

func (e *MissingArtifactError) Error() string {
	return fmt.Sprintf("project %s: %s phase requires a non-empty %s artifact", e.ProjectID, e.Phase, e.Artifact)
}

// FinalizationError reports a failed pull request attempt.
type FinalizationError struct {
	ProjectID string
	Attempt   int
	// Retryable is false once the attempt budget is spent.
	Retryable bool
	Err       error
}

func (e *FinalizationError) Error() string {
	return fmt.Sprintf("project %s: pull request attempt %d failed: %v", e.ProjectID, e.Attempt, e.Err)
}

func (e *FinalizationError) Unwrap() error { return e.Err }
