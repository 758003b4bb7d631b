package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type ctxKey int

const (
	keyProject ctxKey = iota
	keyTask
	keyAgent
	keyRequest
)

// WithProject tags ctx with a project ID.
func WithProject(ctx context.Context, projectID string) context.Context {
	return context.WithValue(ctx, keyProject, projectID)
}

// WithTask tags ctx with a task ID and the agent running it.
func WithTask(ctx context.Context, taskID, agent string) context.Context {
	return context.WithValue(context.WithValue(ctx, keyTask, taskID), keyAgent, agent)
}

// WithRequestID tags ctx with an HTTP request ID.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, keyRequest, requestID)
}

var ctxFieldNames = [...]struct {
	key  ctxKey
	name string
}{
	{keyProject, "project.id"},
	{keyTask, "task.id"},
	{keyAgent, "agent.name"},
	{keyRequest, "request.id"},
}

// ContextFields returns the correlation fields stored in ctx.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	var fields []zap.Field
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()))
	}
	for _, f := range ctxFieldNames {
		if v, _ := ctx.Value(f.key).(string); v != "" {
			fields = append(fields, zap.String(f.name, v))
		}
	}
	return fields
}
