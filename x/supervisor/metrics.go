package supervisor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sfkit/orchestrator/metrics"
)

// Metrics holds supervisor metrics.
type Metrics struct {
	LinesTotal  *prometheus.CounterVec
	RunsTotal   *prometheus.CounterVec
	RunDuration *prometheus.HistogramVec
	Running     prometheus.Gauge
}

// NewMetrics creates supervisor metrics on the shared registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(metrics.NewComponentRegistry("sfkit", "supervisor"))
}

// NewMetricsWith creates supervisor metrics on reg.
func NewMetricsWith(reg *metrics.ComponentRegistry) *Metrics {
	return &Metrics{
		LinesTotal: reg.NewCounterVec(prometheus.CounterOpts{
			Name: "output_lines_total",
			Help: "Classified subprocess output lines",
		}, []string{"stream", "kind"}),
		RunsTotal: reg.NewCounterVec(prometheus.CounterOpts{
			Name: "runs_total",
			Help: "Supervised process runs by outcome",
		}, []string{"protocol", "outcome"}),
		RunDuration: reg.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "run_duration_seconds",
			Help:    "Wall time of supervised processes",
			Buckets: metrics.DurationBuckets,
		}, []string{"protocol"}),
		Running: reg.NewGauge(prometheus.GaugeOpts{
			Name: "running",
			Help: "Supervised processes currently running",
		}),
	}
}

func (m *Metrics) recordLine(ev LogEvent) {
	if m == nil {
		return
	}
	m.LinesTotal.WithLabelValues(ev.Stream.String(), ev.Kind.String()).Inc()
}

func (m *Metrics) recordStart() {
	if m == nil {
		return
	}
	m.Running.Inc()
}

func (m *Metrics) recordEnd(protocol, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Running.Dec()
	m.RunsTotal.WithLabelValues(protocol, outcome).Inc()
	m.RunDuration.WithLabelValues(protocol).Observe(d.Seconds())
}
