package alerting

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the monitor's sampling loop.
// Fired and active alert counts live on the observability collector.
type Metrics struct {
	SamplesRun     prometheus.Counter
	SamplesFailed  prometheus.Counter
	SampleDuration prometheus.Histogram
}

// NewMetrics creates and registers monitor metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		SamplesRun: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "opsgate",
			Subsystem: "monitor",
			Name:      "samples_total",
			Help:      "Total host samples taken by the monitor.",
		}),
		SamplesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "opsgate",
			Subsystem: "monitor",
			Name:      "sample_failures_total",
			Help:      "Total monitor samples that failed to execute or parse.",
		}),
		SampleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "opsgate",
			Subsystem: "monitor",
			Name:      "tick_duration_seconds",
			Help:      "Duration of each monitor tick (sample + evaluate cycle).",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),
	}

	reg.MustRegister(
		m.SamplesRun,
		m.SamplesFailed,
		m.SampleDuration,
	)

	return m
}
