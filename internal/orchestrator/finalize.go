package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orbitd/internal/events"
	"github.com/fyrsmithlabs/orbitd/internal/store"
)

// scheduleFinalize queues the automatic pull request attempt after an
// implementation completes. A project that already has a pull request is
// left alone; any other record starts a fresh attempt budget.
func (o *Orchestrator) scheduleFinalize(ctx context.Context, projectID string) error {
	queued := false
	_, err := o.mutatePullRequest(ctx, projectID, func(rec *PullRequestRecord, _ bool) error {
		switch rec.Status {
		case PRCreated, PRPending, PRInProgress:
			return errUnchanged
		}
		rec.Status = PRPending
		rec.Attempts = 0
		rec.MaxAttempts = o.cfg.MaxFinalizeAttempts
		rec.LastError = ""
		queued = true
		return nil
	})
	if err != nil || !queued {
		return err
	}
	return o.enqueue(ctx, job{Kind: jobFinalize, ProjectID: projectID})
}

// RetryPRCreation queues another pull request attempt. It is the only way
// to retry finalization. Once the attempt budget is spent the record is
// returned with status max_retries_exceeded and the Finalizer is not
// called; a created pull request is returned as is.
func (o *Orchestrator) RetryPRCreation(ctx context.Context, projectID string) (*PullRequestRecord, error) {
	if err := store.ValidateID("project id", projectID); err != nil {
		return nil, err
	}
	if o.finalizer == nil {
		return nil, ErrFinalizerNotConfigured
	}

	existing, err := o.GetPullRequest(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		impl, err := o.Artifact(ctx, projectID, ArtifactImplementation)
		if err != nil {
			return nil, err
		}
		if impl == "" {
			return nil, &MissingArtifactError{ProjectID: projectID, Phase: PhaseImplementation, Artifact: ArtifactImplementation}
		}
	}

	queued := false
	rec, err := o.mutatePullRequest(ctx, projectID, func(rec *PullRequestRecord, _ bool) error {
		switch rec.Status {
		case PRCreated:
			return errUnchanged
		case PRPending, PRInProgress:
			return ErrFinalizeInProgress
		}
		if rec.Attempts >= o.maxAttempts(rec) {
			rec.Status = PRMaxRetriesExceeded
			return nil
		}
		rec.Status = PRPending
		queued = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if rec.Status == PRMaxRetriesExceeded {
		o.logger.Info(ctx, "pull request retry refused",
			zap.String("project_id", projectID),
			zap.Int("attempts", rec.Attempts))
		return rec, nil
	}
	if queued {
		if err := o.enqueue(ctx, job{Kind: jobFinalize, ProjectID: projectID}); err != nil {
			o.recordFinalizeFailure(context.WithoutCancel(ctx), projectID, rec.Attempts, err)
			return nil, err
		}
	}
	return rec, nil
}

func (o *Orchestrator) maxAttempts(rec *PullRequestRecord) int {
	if rec.MaxAttempts > 0 {
		return rec.MaxAttempts
	}
	return o.cfg.MaxFinalizeAttempts
}

// processFinalize makes one pull request attempt. The attempt is counted
// before the Finalizer is called.
func (o *Orchestrator) processFinalize(ctx context.Context, projectID string) {
	claimed := false
	rec, err := o.mutatePullRequest(ctx, projectID, func(rec *PullRequestRecord, exists bool) error {
		if !exists || rec.Status != PRPending {
			return errUnchanged
		}
		if rec.Attempts >= o.maxAttempts(rec) {
			rec.Status = PRMaxRetriesExceeded
			return nil
		}
		rec.Attempts++
		rec.Status = PRInProgress
		claimed = true
		return nil
	})
	if err != nil {
		o.logger.Warn(ctx, "finalize claim failed", zap.String("project_id", projectID), zap.Error(err))
		return
	}
	if !claimed {
		return
	}

	ctx = context.WithoutCancel(ctx)
	req, err := o.finalizeRequest(ctx, projectID)
	if err != nil {
		o.recordFinalizeFailure(ctx, projectID, rec.Attempts, err)
		return
	}
	pr, err := o.finalizer.Finalize(ctx, *req)
	if err != nil {
		o.recordFinalizeFailure(ctx, projectID, rec.Attempts, err)
		return
	}

	_, err = o.mutatePullRequest(ctx, projectID, func(rec *PullRequestRecord, _ bool) error {
		rec.Status = PRCreated
		rec.Number = pr.Number
		rec.URL = pr.URL
		rec.LastError = ""
		return nil
	})
	if err != nil {
		o.logger.Error(ctx, "pull request record not updated", zap.Error(err))
	}
	o.metrics.FinalizeAttempt("created")
	o.events.Emit(ctx, projectID, events.PRCreated, map[string]any{
		"pr_number": pr.Number,
		"pr_url":    pr.URL,
		"attempt":   rec.Attempts,
	})
	o.logger.Info(ctx, "pull request created",
		zap.String("project_id", projectID),
		zap.Int("pr_number", pr.Number),
		zap.String("pr_url", pr.URL))
}

func (o *Orchestrator) finalizeRequest(ctx context.Context, projectID string) (*FinalizeRequest, error) {
	project, err := o.getProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, fmt.Errorf("project %s not found", projectID)
	}
	plan, err := o.Artifact(ctx, projectID, ArtifactPlan)
	if err != nil {
		return nil, err
	}
	summary, err := o.Artifact(ctx, projectID, ArtifactImplementation)
	if err != nil {
		return nil, err
	}
	if summary == "" {
		return nil, &MissingArtifactError{ProjectID: projectID, Phase: PhaseImplementation, Artifact: ArtifactImplementation}
	}
	ws, err := o.resolver.Resolve(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}
	return &FinalizeRequest{
		ProjectID:      projectID,
		FeatureRequest: project.FeatureRequest,
		Plan:           plan,
		Summary:        summary,
		Workspace:      ws,
	}, nil
}

func (o *Orchestrator) recordFinalizeFailure(ctx context.Context, projectID string, attempt int, cause error) {
	msg := o.redactor.Redact(cause.Error())
	rec, err := o.mutatePullRequest(ctx, projectID, func(rec *PullRequestRecord, _ bool) error {
		rec.Status = PRFailed
		rec.LastError = msg
		return nil
	})
	if err != nil {
		o.logger.Error(ctx, "pull request record not updated", zap.Error(err))
		return
	}
	ferr := &FinalizationError{
		ProjectID: projectID,
		Attempt:   attempt,
		Retryable: rec.Attempts < o.maxAttempts(rec),
		Err:       errors.New(msg),
	}
	o.metrics.FinalizeAttempt("failed")
	o.events.Emit(ctx, projectID, events.PRFailed, map[string]any{
		"attempt":      attempt,
		"max_attempts": o.maxAttempts(rec),
		"retryable":    ferr.Retryable,
		"error":        msg,
	})
	o.logger.Warn(ctx, "pull request creation failed", zap.Error(ferr), zap.Bool("retryable", ferr.Retryable))
}
