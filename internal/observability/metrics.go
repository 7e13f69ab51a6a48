package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveExecutions  prometheus.Gauge
	ExecutionOutcomes *prometheus.CounterVec
	LoopOutcomes      *prometheus.CounterVec
	StreamEvents      *prometheus.CounterVec
	StreamReconnects  prometheus.Counter
	MutationRollbacks *prometheus.CounterVec
	ExecutionDuration prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveExecutions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_executions",
			Help:      "Number of working directories with an execution in flight.",
		}),
		ExecutionOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "execution_outcomes_total",
			Help:      "Subtask executions by outcome.",
		}, []string{"outcome"}),
		LoopOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_outcomes_total",
			Help:      "Subtask loop terminations by reason.",
		}, []string{"reason"}),
		StreamEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_events_total",
			Help:      "Session stream events by kind.",
		}, []string{"kind"}),
		StreamReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_reconnects_total",
			Help:      "Session stream reconnect attempts after a failure.",
		}),
		MutationRollbacks: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutation_rollbacks_total",
			Help:      "Optimistic mutations rolled back after a store failure.",
		}, []string{"entity"}),
		ExecutionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Wall-clock duration of single subtask executions.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}),
	}
}

func (m *Metrics) ObserveExecution(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ExecutionOutcomes.WithLabelValues(outcome).Inc()
	m.ExecutionDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveStreamEvent(kind string) {
	if m == nil {
		return
	}
	m.StreamEvents.WithLabelValues(kind).Inc()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
