// Package telemetry sets up OpenTelemetry tracing and metrics for orbitd.
//
// Phase starts, task processing and every execution loop run and iteration
// are traced. HTTP request metrics go through the OTel meter. Both are
// exported over OTLP, gRPC or HTTP/protobuf, to a collector. Domain
// counters are a separate Prometheus registry served on /metrics.
//
//	tel, err := telemetry.New(ctx, telemetry.FromConfig(cfg.Telemetry, version))
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.WithoutCancel(ctx))
//	tracer := tel.Tracer("github.com/fyrsmithlabs/orbitd/internal/executor")
//
// Telemetry never stops the daemon. An exporter that cannot be built
// leaves that signal on the global no-op provider and is reported by Err.
// Tests use NewTestTelemetry, which records spans and metrics in memory.
package telemetry
