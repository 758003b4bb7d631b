package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/orbitd/internal/store"
)

// maxWriteAttempts bounds revision-checked retries on one record.
const maxWriteAttempts = 16

// errUnchanged aborts an update without writing.
var errUnchanged = errors.New("unchanged")

// update applies fn to the JSON record at key and writes it back only if
// nobody else wrote in between, retrying otherwise. When create is false a
// missing key returns store.ErrNotFound; otherwise fn sees a zero record
// with exists false. Returning errUnchanged from fn skips the write and
// returns the record as read.
func update[T any](ctx context.Context, kv store.KV, key string, ttl time.Duration, create bool, fn func(rec *T, exists bool) error) (*T, error) {
	for range maxWriteAttempts {
		var rec T
		entry, err := kv.Get(ctx, key)
		exists := err == nil
		switch {
		case errors.Is(err, store.ErrNotFound):
			if !create {
				return nil, store.ErrNotFound
			}
		case err != nil:
			return nil, fmt.Errorf("read %s: %w", key, err)
		default:
			if err := json.Unmarshal(entry.Value, &rec); err != nil {
				return nil, fmt.Errorf("decode %s: %w", key, err)
			}
		}

		if err := fn(&rec, exists); err != nil {
			if errors.Is(err, errUnchanged) {
				return &rec, nil
			}
			return nil, err
		}

		data, err := json.Marshal(&rec)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", key, err)
		}
		if exists {
			_, err = kv.Update(ctx, key, data, ttl, entry.Revision)
		} else {
			_, err = kv.Create(ctx, key, data, ttl)
		}
		if errors.Is(err, store.ErrRevisionMismatch) || errors.Is(err, store.ErrKeyExists) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("write %s: %w", key, err)
		}
		return &rec, nil
	}
	return nil, fmt.Errorf("write %s: %w", key, store.ErrRevisionMismatch)
}

func read[T any](ctx context.Context, kv store.KV, key string) (*T, error) {
	entry, err := kv.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var rec T
	if err := json.Unmarshal(entry.Value, &rec); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &rec, nil
}

func (o *Orchestrator) createTask(ctx context.Context, t *Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	if _, err := o.store.Create(ctx, store.TaskKey(t.ID), data, o.cfg.TaskTTL.Duration()); err != nil {
		return fmt.Errorf("create task %s: %w", t.ID, err)
	}
	return nil
}

func (o *Orchestrator) getTask(ctx context.Context, taskID string) (*Task, error) {
	t, err := read[Task](ctx, o.store, store.TaskKey(taskID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return t, err
}

// mutateTask applies fn to a task with a revision-checked write and
// refreshes UpdatedAt.
func (o *Orchestrator) mutateTask(ctx context.Context, taskID string, fn func(t *Task) error) (*Task, error) {
	t, err := update(ctx, o.store, store.TaskKey(taskID), o.cfg.TaskTTL.Duration(), false, func(t *Task, _ bool) error {
		if err := fn(t); err != nil {
			return err
		}
		t.UpdatedAt = o.now().UTC()
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return t, err
}

// transitionTask moves a task to status, rejecting disallowed changes.
func (o *Orchestrator) transitionTask(ctx context.Context, taskID string, to Status, fn func(t *Task)) (*Task, error) {
	return o.mutateTask(ctx, taskID, func(t *Task) error {
		if !CanTransition(t.Status, to) {
			return fmt.Errorf("%w: task %s is %s, cannot become %s", ErrInvalidTransition, t.ID, t.Status, to)
		}
		t.Status = to
		if fn != nil {
			fn(t)
		}
		return nil
	})
}

func (o *Orchestrator) getProject(ctx context.Context, projectID string) (*Project, error) {
	p, err := read[Project](ctx, o.store, store.ProjectKey(projectID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return p, err
}

// mutateProject creates or updates the project record. Projects never
// expire.
func (o *Orchestrator) mutateProject(ctx context.Context, projectID string, fn func(p *Project, exists bool) error) (*Project, error) {
	return update(ctx, o.store, store.ProjectKey(projectID), 0, true, func(p *Project, exists bool) error {
		now := o.now().UTC()
		if !exists {
			p.ID = projectID
			p.Phase = PhaseIdle
			p.CreatedAt = now
		}
		if err := fn(p, exists); err != nil {
			return err
		}
		p.UpdatedAt = now
		return nil
	})
}

// Artifact returns a stored artifact, or "" when none exists.
func (o *Orchestrator) Artifact(ctx context.Context, projectID, name string) (string, error) {
	entry, err := o.store.Get(ctx, store.ArtifactKey(projectID, name))
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s artifact: %w", name, err)
	}
	return string(entry.Value), nil
}

func (o *Orchestrator) writeArtifact(ctx context.Context, projectID, name, content string) error {
	if _, err := o.store.Set(ctx, store.ArtifactKey(projectID, name), []byte(content), 0); err != nil {
		return fmt.Errorf("write %s artifact: %w", name, err)
	}
	return nil
}

// GetPullRequest returns the project's finalization record, or nil.
func (o *Orchestrator) GetPullRequest(ctx context.Context, projectID string) (*PullRequestRecord, error) {
	rec, err := read[PullRequestRecord](ctx, o.store, store.PullRequestKey(projectID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return rec, err
}

func (o *Orchestrator) mutatePullRequest(ctx context.Context, projectID string, fn func(rec *PullRequestRecord, exists bool) error) (*PullRequestRecord, error) {
	return update(ctx, o.store, store.PullRequestKey(projectID), 0, true, func(rec *PullRequestRecord, exists bool) error {
		if !exists {
			rec.ProjectID = projectID
			rec.MaxAttempts = o.cfg.MaxFinalizeAttempts
		}
		if err := fn(rec, exists); err != nil {
			return err
		}
		rec.UpdatedAt = o.now().UTC()
		return nil
	})
}
