// Package events publishes and consumes orbitd progress events.
//
// Events are JSON documents broadcast on the per-project channel
// project:{id}:events. Delivery is at-most-once: a subscriber only sees
// events published while it is connected, and a slow subscriber drops
// events rather than slowing publishers down.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orbitd/internal/logging"
	"github.com/fyrsmithlabs/orbitd/internal/store"
)

// Type identifies an event.
type Type string

const (
	PhaseStarted   Type = "phase:started"
	PhaseCompleted Type = "phase:completed"

	AgentStart     Type = "agent_start"
	AgentComplete  Type = "agent_complete"
	AgentError     Type = "agent_error"
	AgentPaused    Type = "agent_paused"
	AgentResumed   Type = "agent_resumed"
	AgentCancelled Type = "agent_cancelled"

	ToolUse     Type = "tool_use"
	ToolResult  Type = "tool_result"
	ToolError   Type = "tool_error"
	ToolSkipped Type = "tool_skipped"

	Question     Type = "question"
	TodosUpdated Type = "todos_updated"
	PRCreated    Type = "pr_created"
	PRFailed     Type = "pr_failed"

	Error Type = "error"
	Log   Type = "log"
)

// Event is one progress notification.
type Event struct {
	Type      Type           `json:"type"`
	ProjectID string         `json:"project_id"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Publisher writes events to a project's channel.
// A nil *Publisher discards everything.
type Publisher struct {
	ps     store.PubSub
	logger *logging.Logger
	now    func() time.Time
}

// NewPublisher creates a Publisher on ps.
func NewPublisher(ps store.PubSub, logger *logging.Logger) *Publisher {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Publisher{ps: ps, logger: logger, now: time.Now}
}

// Publish sends an event and returns any transport error.
func (p *Publisher) Publish(ctx context.Context, projectID string, typ Type, payload map[string]any) error {
	if p == nil || p.ps == nil {
		return nil
	}
	data, err := json.Marshal(Event{
		Type:      typ,
		ProjectID: projectID,
		Timestamp: p.now().UTC(),
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", typ, err)
	}
	if err := p.ps.Publish(ctx, store.EventsChannel(projectID), data); err != nil {
		return fmt.Errorf("publish %s event: %w", typ, err)
	}
	return nil
}

// Emit publishes an event and logs, rather than returns, a failure.
// Progress events never fail the work they describe.
func (p *Publisher) Emit(ctx context.Context, projectID string, typ Type, payload map[string]any) {
	if err := p.Publish(ctx, projectID, typ, payload); err != nil {
		p.logger.Warn(ctx, "event publish failed",
			zap.String("event.type", string(typ)),
			zap.Error(err))
	}
}

// Log publishes a log event at the given level ("info", "warning", "error").
func (p *Publisher) Log(ctx context.Context, projectID, level, message string, extra map[string]any) {
	payload := map[string]any{"level": level, "message": message}
	for k, v := range extra {
		payload[k] = v
	}
	p.Emit(ctx, projectID, Log, payload)
}

// Subscribe decodes events from a project's channel until ctx is done.
// Undecodable messages are skipped.
func Subscribe(ctx context.Context, ps store.PubSub, projectID string) (<-chan Event, error) {
	raw, err := ps.Subscribe(ctx, store.EventsChannel(projectID))
	if err != nil {
		return nil, err
	}
	out := make(chan Event, 64)
	go func() {
		defer close(out)
		for data := range raw {
			var ev Event
			if err := json.Unmarshal(data, &ev); err != nil {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
