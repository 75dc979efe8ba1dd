// Package telemetry exports Prometheus collectors for the scheduling
// core. Terminal status labels come from lifecycle.ToTelemetryStatus and
// nowhere else.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/quillreader/quill-core/internal/lifecycle"
)

type Metrics struct {
	TasksStarted  *prometheus.CounterVec
	TasksTerminal *prometheus.CounterVec
	TasksRunning  *prometheus.GaugeVec
	TaskDuration  *prometheus.HistogramVec

	AgentPromotions     *prometheus.CounterVec
	AgentWaitingDropped *prometheus.CounterVec
}

// New registers the collectors with reg, or the default registerer when
// reg is nil.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		TasksStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_started_total",
				Help:      "Tasks moved from queued to running",
			},
			[]string{"kind"},
		),
		TasksTerminal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_terminal_total",
				Help:      "Tasks reaching a terminal outcome",
			},
			[]string{"kind", "status"},
		),
		TasksRunning: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tasks_running",
				Help:      "Currently running tasks",
			},
			[]string{"kind"},
		),
		TaskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Wall time from start to terminal outcome",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"kind"},
		),
		AgentPromotions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "agent_promotions_total",
				Help:      "Waiting owners promoted to active",
			},
			[]string{"kind"},
		),
		AgentWaitingDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "agent_waiting_dropped_total",
				Help:      "Waiting owners evicted or abandoned before start",
			},
			[]string{"kind"},
		),
	}
}

// TaskStarted records a queued-to-running transition.
func (m *Metrics) TaskStarted(kind lifecycle.Kind) {
	m.TasksStarted.WithLabelValues(string(kind)).Inc()
	m.TasksRunning.WithLabelValues(string(kind)).Inc()
}

// TaskFinished records a terminal outcome for a task that started at
// startedAt (zero when the task never ran).
func (m *Metrics) TaskFinished(kind lifecycle.Kind, outcome lifecycle.TerminalOutcome, startedAt time.Time) {
	m.TasksTerminal.WithLabelValues(string(kind), lifecycle.ToTelemetryStatus(outcome)).Inc()
	if !startedAt.IsZero() {
		m.TasksRunning.WithLabelValues(string(kind)).Dec()
		m.TaskDuration.WithLabelValues(string(kind)).Observe(time.Since(startedAt).Seconds())
	}
}

// Promotion records a waiting owner taking the active slot.
func (m *Metrics) Promotion(kind lifecycle.RuntimeKind) {
	m.AgentPromotions.WithLabelValues(string(kind)).Inc()
}

// WaitingDropped records a waiting owner leaving without starting.
func (m *Metrics) WaitingDropped(kind lifecycle.RuntimeKind) {
	m.AgentWaitingDropped.WithLabelValues(string(kind)).Inc()
}
