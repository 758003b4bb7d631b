package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry owns the SDK trace, meter and log providers for the daemon.
type Telemetry struct {
	cfg    *Config
	traces *sdktrace.TracerProvider
	meters *sdkmetric.MeterProvider
	logs   *sdklog.LoggerProvider
	setup  error
}

// New installs OTLP providers as the global providers. A disabled config
// installs nothing. An exporter that cannot be built does not fail New:
// the affected signal falls back to the global no-op provider and the
// failure is reported by Err.
func New(ctx context.Context, cfg *Config, opts ...Option) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}
	t := &Telemetry{cfg: cfg}
	if !cfg.Enabled {
		return t, nil
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	res := newResource(cfg)

	var errs []error
	if tp, err := newTracerProvider(ctx, cfg, res, &o); err != nil {
		errs = append(errs, fmt.Errorf("traces: %w", err))
	} else {
		t.traces = tp
		otel.SetTracerProvider(tp)
	}
	if mp, err := newMeterProvider(ctx, cfg, res, &o); err != nil {
		errs = append(errs, fmt.Errorf("metrics: %w", err))
	} else if mp != nil {
		t.meters = mp
		otel.SetMeterProvider(mp)
	}
	if lp, err := newLoggerProvider(ctx, cfg, res, &o); err != nil {
		errs = append(errs, fmt.Errorf("logs: %w", err))
	} else if lp != nil {
		t.logs = lp
	}
	t.setup = errors.Join(errs...)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))
	return t, nil
}

// Err reports exporters that could not be created.
func (t *Telemetry) Err() error {
	if t == nil {
		return nil
	}
	return t.setup
}

// Enabled reports whether spans are being exported.
func (t *Telemetry) Enabled() bool {
	return t != nil && t.traces != nil
}

// Tracer returns a tracer for an instrumentation scope.
func (t *Telemetry) Tracer(scope string, opts ...trace.TracerOption) trace.Tracer {
	if t == nil || t.traces == nil {
		return otel.Tracer(scope, opts...)
	}
	return t.traces.Tracer(scope, opts...)
}

// Meter returns a meter for an instrumentation scope.
func (t *Telemetry) Meter(scope string, opts ...metric.MeterOption) metric.Meter {
	if t == nil || t.meters == nil {
		return otel.Meter(scope, opts...)
	}
	return t.meters.Meter(scope, opts...)
}

// LoggerProvider returns the provider the logging bridge writes to, or nil
// when log export is off.
func (t *Telemetry) LoggerProvider() log.LoggerProvider {
	if t == nil || t.logs == nil {
		return nil
	}
	return t.logs
}

// Flush exports pending spans, metrics and log records.
func (t *Telemetry) Flush(ctx context.Context) error {
	return t.each(ctx, "flush")
}

// Shutdown flushes and stops both providers. Without a deadline on ctx the
// configured shutdown timeout applies.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok && t.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.ShutdownTimeout)
		defer cancel()
	}
	err := t.each(ctx, "shutdown")
	t.traces, t.meters, t.logs = nil, nil, nil
	return err
}

// provider is the flush and shutdown surface the SDK providers share.
type provider interface {
	ForceFlush(context.Context) error
	Shutdown(context.Context) error
}

func (t *Telemetry) each(ctx context.Context, op string) error {
	if t == nil {
		return nil
	}
	var errs []error
	for _, p := range []struct {
		signal string
		p      provider
		set    bool
	}{
		{"trace", t.traces, t.traces != nil},
		{"metric", t.meters, t.meters != nil},
		{"log", t.logs, t.logs != nil},
	} {
		if !p.set {
			continue
		}
		var err error
		if op == "shutdown" {
			err = p.p.Shutdown(ctx)
		} else {
			err = p.p.ForceFlush(ctx)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", p.signal, op, err))
		}
	}
	return errors.Join(errs...)
}
