package orchestrator

import (
	"context"
	"fmt"
	"strings"
)

// PhaseGate checks a precondition before a phase starts.
type PhaseGate interface {
	// Name returns the gate identifier.
	Name() string
	// Check returns an error when the phase must not start.
	Check(ctx context.Context, state *GateState) error
}

// GateState is what gates see when a phase is requested.
type GateState struct {
	ProjectID string
	Target    Phase
	// Project is nil for a project that has never started.
	Project *Project
	// Primary is the project's current primary task, if any.
	Primary *Task
	// Artifact reads a stored artifact; missing artifacts read as "".
	Artifact func(ctx context.Context, name string) (string, error)
}

// current returns the project's phase, idle for new projects.
func (s *GateState) current() Phase {
	if s.Project == nil || s.Project.Phase == "" {
		return PhaseIdle
	}
	return s.Project.Phase
}

func (s *GateState) primaryLive() bool {
	return s.Primary != nil && s.Primary.Status.Live()
}

// ArtifactGate requires the previous phase's artifact.
type ArtifactGate struct{}

// Name returns the gate identifier.
func (ArtifactGate) Name() string { return "artifact-gate" }

// Check fails with *MissingArtifactError when the required artifact is
// absent or blank.
func (ArtifactGate) Check(ctx context.Context, state *GateState) error {
	name, ok := requiredArtifact[state.Target]
	if !ok {
		return nil
	}
	content, err := state.Artifact(ctx, name)
	if err != nil {
		return fmt.Errorf("read %s artifact: %w", name, err)
	}
	if strings.TrimSpace(content) == "" {
		return &MissingArtifactError{ProjectID: state.ProjectID, Phase: state.Target, Artifact: name}
	}
	return nil
}

// OrderGate keeps phases moving forward one step at a time. A phase may
// be restarted, and the next phase entered, only when no primary task is
// live.
type OrderGate struct{}

// Name returns the gate identifier.
func (OrderGate) Name() string { return "phase-order" }

// Check validates the transition from the project's current phase.
func (OrderGate) Check(_ context.Context, state *GateState) error {
	from, to := state.current(), state.Target
	switch {
	case from == to || to.index() == from.index()+1:
		if from != PhaseIdle && state.primaryLive() {
			return fmt.Errorf("%w: %s task %s is %s", ErrPhaseInProgress, from, state.Primary.ID, state.Primary.Status)
		}
		return nil
	case to.index() < from.index():
		return fmt.Errorf("%w: project %s is already in %s", ErrInvalidTransition, state.ProjectID, from)
	default:
		return fmt.Errorf("%w: cannot move from %s to %s", ErrInvalidTransition, from, to)
	}
}

// DefaultGates returns the gates every phase start runs, artifact check
// first.
func DefaultGates() []PhaseGate {
	return []PhaseGate{ArtifactGate{}, OrderGate{}}
}

func checkGates(ctx context.Context, gates []PhaseGate, state *GateState) error {
	for _, g := range gates {
		if err := g.Check(ctx, state); err != nil {
			return err
		}
	}
	return nil
}
