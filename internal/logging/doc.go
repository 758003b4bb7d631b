// Package logging is orbitd's structured logger.
//
// A Logger is a thin layer over zap whose methods take a context. Project,
// task, agent and trace identifiers stored in the context are attached to
// every entry, so a worker only has to decorate its context once:
//
//	ctx = logging.WithTask(logging.WithProject(ctx, projectID), taskID, "research-agent")
//	logger.Info(ctx, "tool executed", zap.String("tool", "Read"))
//
// Entries are written to stdout and, when a log provider is configured, to
// OpenTelemetry through the otelzap bridge. Credential-looking values are
// masked before they reach either sink.
package logging
