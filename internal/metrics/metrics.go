// Package metrics exposes Prometheus instrumentation for evaluation cycles
// and calibration runs.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector registered by the service.
type Metrics struct {
	registry *prometheus.Registry

	Cycles           prometheus.Counter
	CycleFailures    prometheus.Counter
	CycleDuration    prometheus.Histogram
	QuotesEvaluated  prometheus.Counter
	Anomalies        *prometheus.CounterVec
	AlertsSent       prometheus.Counter
	AlertsSuppressed prometheus.Counter
	OptimizationRate prometheus.Gauge
	OptimizationRuns prometheus.Counter
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "optoracle",
			Name:      "cycles_total",
			Help:      "Evaluation cycles started.",
		}),
		CycleFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "optoracle",
			Name:      "cycle_failures_total",
			Help:      "Evaluation cycles that returned an error.",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "optoracle",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one evaluation cycle.",
			Buckets:   prometheus.DefBuckets,
		}),
		QuotesEvaluated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "optoracle",
			Name:      "quotes_evaluated_total",
			Help:      "Option quotes received from the feed.",
		}),
		Anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "optoracle",
			Name:      "anomalies_total",
			Help:      "Quotes that cleared the score threshold, by kind.",
		}, []string{"kind"}),
		AlertsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "optoracle",
			Name:      "alerts_sent_total",
			Help:      "Cohort alerts dispatched.",
		}),
		AlertsSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "optoracle",
			Name:      "alerts_suppressed_total",
			Help:      "Cohort alerts held back by the cooldown.",
		}),
		OptimizationRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "optoracle",
			Name:      "optimization_success_rate",
			Help:      "Success rate (percent) of the last calibration's best weights.",
		}),
		OptimizationRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "optoracle",
			Name:      "optimization_runs_total",
			Help:      "Completed calibration runs.",
		}),
	}

	m.registry.MustRegister(
		m.Cycles, m.CycleFailures, m.CycleDuration, m.QuotesEvaluated, m.Anomalies,
		m.AlertsSent, m.AlertsSuppressed, m.OptimizationRate, m.OptimizationRuns,
	)
	return m
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
