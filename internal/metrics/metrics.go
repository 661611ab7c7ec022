// Package metrics exposes Prometheus instrumentation for the monitoring
// loop: observer throughput, anomaly detections, cycle timing, retrain
// outcomes, and the current health score.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all Prometheus metrics for the daemon.
type Registry struct {
	reg *prometheus.Registry

	RecordsObserved prometheus.Counter
	RecordsInvalid  prometheus.Counter
	RecordsDropped  prometheus.Counter
	QueueDepth      prometheus.Gauge

	Anomalies *prometheus.CounterVec

	Cycles        prometheus.Counter
	CycleDuration prometheus.Histogram
	Retrains      *prometheus.CounterVec

	HealthScore    prometheus.Gauge
	StrategyWeight *prometheus.GaugeVec
}

// NewRegistry creates a registry with every daemon metric registered.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		RecordsObserved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradewarden_records_observed_total",
			Help: "Total trade records successfully normalized by the observer",
		}),
		RecordsInvalid: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradewarden_records_invalid_total",
			Help: "Total malformed source rows skipped with a validation anomaly",
		}),
		RecordsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradewarden_records_dropped_total",
			Help: "Total records dropped from the bounded queue under backpressure",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradewarden_queue_depth",
			Help: "Current depth of the observer record queue",
		}),

		Anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradewarden_anomalies_total",
			Help: "Total anomaly events by kind and severity",
		}, []string{"kind", "severity"}),

		Cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradewarden_cycles_total",
			Help: "Total orchestrator health-assessment cycles executed",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tradewarden_cycle_duration_seconds",
			Help:    "Duration of each orchestrator cycle in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),
		Retrains: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradewarden_retrains_total",
			Help: "Total retrain attempts by outcome (success, failure, timeout, forced, rejected)",
		}, []string{"outcome"}),

		HealthScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradewarden_health_score",
			Help: "Current overall health score (0-100)",
		}),
		StrategyWeight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tradewarden_strategy_weight",
			Help: "Current allocation weight per strategy",
		}, []string{"strategy"}),
	}

	r.reg.MustRegister(
		r.RecordsObserved, r.RecordsInvalid, r.RecordsDropped, r.QueueDepth,
		r.Anomalies,
		r.Cycles, r.CycleDuration, r.Retrains,
		r.HealthScore, r.StrategyWeight,
	)
	return r
}

// Handler returns the scrape handler for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
