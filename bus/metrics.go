package bus

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes bus traffic to Prometheus.
type Metrics struct {
	messages *prometheus.CounterVec
	duration *prometheus.HistogramVec
	pending  prometheus.Gauge
}

// NewMetrics creates the bus collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskrouter",
			Subsystem: "bus",
			Name:      "messages_total",
			Help:      "Messages sent through the bus by type and outcome.",
		}, []string{"type", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "taskrouter",
			Subsystem: "bus",
			Name:      "message_duration_seconds",
			Help:      "Time from dispatch to settlement.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskrouter",
			Subsystem: "bus",
			Name:      "pending_requests",
			Help:      "Requests waiting on a reply.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.messages, m.duration, m.pending)
	}
	return m
}

func (m *Metrics) observe(entry LogEntry) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(string(entry.Type), string(entry.Outcome)).Inc()
	if entry.Outcome != OutcomeRejected {
		m.duration.WithLabelValues(string(entry.Type)).Observe(entry.Duration.Seconds())
	}
}

func (m *Metrics) setPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}
