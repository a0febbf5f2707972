// Package telemetry exposes prometheus instrumentation for the training
// runtime.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the training runtime's collectors.
type Metrics struct {
	JobsSubmitted  prometheus.Counter
	JobsFinished   *prometheus.CounterVec
	JobsRunning    prometheus.Gauge
	Evaluations    prometheus.Counter
	EvaluationTime prometheus.Histogram
}

// New registers the collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		JobsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "trainer",
			Name:      "jobs_submitted_total",
			Help:      "Training jobs accepted for execution.",
		}),
		JobsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trainer",
			Name:      "jobs_finished_total",
			Help:      "Training jobs reaching a terminal state.",
		}, []string{"status"}),
		JobsRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "trainer",
			Name:      "jobs_running",
			Help:      "Training jobs currently claimed by a worker.",
		}),
		Evaluations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "trainer",
			Name:      "evaluations_total",
			Help:      "Backtest evaluations completed across all jobs.",
		}),
		EvaluationTime: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "trainer",
			Name:      "evaluation_duration_seconds",
			Help:      "Wall time of a single backtest evaluation.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
	}
}
