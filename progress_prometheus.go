package taskrouter

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusReporter exports progress events as Prometheus metrics.
type PrometheusReporter struct {
	BaseProgressReporter

	workflows *prometheus.CounterVec
	events    *prometheus.CounterVec
	steps     *prometheus.HistogramVec
	running   prometheus.Gauge
}

// NewPrometheusReporter creates the collectors and registers them with reg.
func NewPrometheusReporter(reg prometheus.Registerer) *PrometheusReporter {
	r := &PrometheusReporter{
		workflows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskrouter",
			Subsystem: "orchestrator",
			Name:      "workflows_total",
			Help:      "Finished workflows by strategy and status.",
		}, []string{"strategy", "status"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskrouter",
			Subsystem: "orchestrator",
			Name:      "agent_events_total",
			Help:      "Agent progress events by agent and event.",
		}, []string{"agent", "event"}),
		steps: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "taskrouter",
			Subsystem: "orchestrator",
			Name:      "step_duration_seconds",
			Help:      "Duration of completed steps by agent.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"agent"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskrouter",
			Subsystem: "orchestrator",
			Name:      "running_workflows",
			Help:      "Workflows currently executing.",
		}),
	}
	if reg != nil {
		reg.MustRegister(r.workflows, r.events, r.steps, r.running)
	}
	return r
}

func (r *PrometheusReporter) WorkflowStarted(ctx context.Context, event *WorkflowEvent) {
	r.running.Inc()
}

func (r *PrometheusReporter) WorkflowFinished(ctx context.Context, event *WorkflowEvent) {
	r.running.Dec()
	r.workflows.WithLabelValues(event.Strategy, event.Status).Inc()
}

func (r *PrometheusReporter) AgentStarted(ctx context.Context, event *AgentEvent) {
	r.events.WithLabelValues(event.Agent, "started").Inc()
}

func (r *PrometheusReporter) AgentCompleted(ctx context.Context, event *AgentEvent) {
	r.events.WithLabelValues(event.Agent, "completed").Inc()
	r.steps.WithLabelValues(event.Agent).Observe(event.Duration.Seconds())
}

func (r *PrometheusReporter) AgentRetry(ctx context.Context, event *AgentEvent) {
	r.events.WithLabelValues(event.Agent, "retry").Inc()
}

func (r *PrometheusReporter) AgentError(ctx context.Context, event *AgentEvent) {
	r.events.WithLabelValues(event.Agent, "error").Inc()
}
