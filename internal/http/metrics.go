package http

import (
	"context"
	"errors"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orbitd/internal/logging"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/orbitd/internal/http"

// eventsRoute streams until the client leaves, so its duration is not
// recorded.
const eventsRoute = "/api/v1/projects/:project_id/events"

var latencyBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// HTTPMetrics counts API requests through OpenTelemetry. Instruments that
// fail to register are left nil and skipped.
type HTTPMetrics struct {
	requests metric.Int64Counter
	latency  metric.Float64Histogram
	inflight metric.Int64UpDownCounter
}

// NewHTTPMetrics registers the request instruments on meter. A nil meter
// means the global provider.
func NewHTTPMetrics(meter metric.Meter, logger *logging.Logger) *HTTPMetrics {
	if meter == nil {
		meter = otel.Meter(httpInstrumentationName)
	}
	var m HTTPMetrics
	var errs [3]error
	m.requests, errs[0] = meter.Int64Counter("orbitd.http.requests_total",
		metric.WithDescription("API requests by method, route and status"),
		metric.WithUnit("{request}"))
	m.latency, errs[1] = meter.Float64Histogram("orbitd.http.request_duration_seconds",
		metric.WithDescription("API request latency, event streams excluded"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...))
	m.inflight, errs[2] = meter.Int64UpDownCounter("orbitd.http.active_requests",
		metric.WithDescription("Requests in flight, open event streams included"),
		metric.WithUnit("{request}"))
	if err := errors.Join(errs[:]...); err != nil && logger != nil {
		logger.Warn(context.Background(), "http metrics partially registered", zap.Error(err))
	}
	return &m
}

// MetricsMiddleware records every request under its route pattern.
func (m *HTTPMetrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			began := time.Now()
			if m.inflight != nil {
				m.inflight.Add(ctx, 1)
				defer m.inflight.Add(ctx, -1)
			}

			// Resolve the error here so the recorded status is final.
			if err := next(c); err != nil {
				c.Error(err)
			}

			route := routeLabel(c.Path())
			set := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("route", route),
				attribute.Int("status", c.Response().Status))
			if m.requests != nil {
				m.requests.Add(ctx, 1, set)
			}
			if m.latency != nil && route != eventsRoute {
				m.latency.Record(ctx, time.Since(began).Seconds(), set)
			}
			return nil
		}
	}
}

func routeLabel(pattern string) string {
	if pattern == "" {
		return "unmatched"
	}
	return pattern
}
