// Package metrics holds the Prometheus collectors for orbitd.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for task execution.
//
// Metrics:
//   - orbitd_tasks_total{role,status} - tasks reaching a final status
//   - orbitd_loop_iterations{agent} - model calls per agent run
//   - orbitd_tool_calls_total{tool,outcome} - tool invocations by outcome
//   - orbitd_approvals_total{decision} - approval gate outcomes
//   - orbitd_finalize_attempts_total{result} - pull request attempts
//
// Every method is safe on a nil *Metrics.
type Metrics struct {
	TasksTotal            *prometheus.CounterVec
	LoopIterations        *prometheus.HistogramVec
	ToolCallsTotal        *prometheus.CounterVec
	ApprovalsTotal        *prometheus.CounterVec
	FinalizeAttemptsTotal *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
// Pass prometheus.DefaultRegisterer to expose them on /metrics.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TasksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orbitd_tasks_total",
				Help: "Total number of tasks reaching a final status",
			},
			[]string{"role", "status"}, // primary|overwatcher|documentation; completed|failed|cancelled
		),
		LoopIterations: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orbitd_loop_iterations",
				Help:    "Model calls made per agent run",
				Buckets: []float64{1, 2, 5, 10, 20, 30, 40, 50},
			},
			[]string{"agent"},
		),
		ToolCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orbitd_tool_calls_total",
				Help: "Total number of tool invocations",
			},
			[]string{"tool", "outcome"}, // success|error|skipped
		),
		ApprovalsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orbitd_approvals_total",
				Help: "Total number of approval gate outcomes",
			},
			[]string{"decision"}, // approved|denied|timeout|unavailable
		),
		FinalizeAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orbitd_finalize_attempts_total",
				Help: "Total number of pull request creation attempts",
			},
			[]string{"result"}, // created|failed
		),
	}
}

// TaskFinished records a task reaching a final status.
func (m *Metrics) TaskFinished(role, status string) {
	if m == nil {
		return
	}
	m.TasksTotal.WithLabelValues(role, status).Inc()
}

// LoopFinished records the number of model calls in a run.
func (m *Metrics) LoopFinished(agent string, iterations int) {
	if m == nil {
		return
	}
	m.LoopIterations.WithLabelValues(agent).Observe(float64(iterations))
}

// ToolCall records a tool invocation outcome.
func (m *Metrics) ToolCall(tool, outcome string) {
	if m == nil {
		return
	}
	m.ToolCallsTotal.WithLabelValues(tool, outcome).Inc()
}

// Approval records an approval gate outcome.
func (m *Metrics) Approval(decision string) {
	if m == nil {
		return
	}
	m.ApprovalsTotal.WithLabelValues(decision).Inc()
}

// FinalizeAttempt records a pull request attempt.
func (m *Metrics) FinalizeAttempt(result string) {
	if m == nil {
		return
	}
	m.FinalizeAttemptsTotal.WithLabelValues(result).Inc()
}
