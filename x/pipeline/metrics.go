package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sfkit/orchestrator/metrics"
)

// Metrics for pipeline runs.
type Metrics struct {
	StageDuration *prometheus.HistogramVec
	StageFailures *prometheus.CounterVec
	RunsTotal     *prometheus.CounterVec
	CurrentStage  *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	return NewMetricsWith(metrics.GetRegistry())
}

func NewMetricsWith(r prometheus.Registerer) *Metrics {
	reg := metrics.NewComponentRegistryWith(r, "sfkit", "pipeline")
	return &Metrics{
		StageDuration: reg.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stage_duration_seconds",
			Help:    "Time spent in each pipeline stage",
			Buckets: metrics.DurationBuckets,
		}, []string{"stage"}),
		StageFailures: reg.NewCounterVec(prometheus.CounterOpts{
			Name: "stage_failures_total",
			Help: "Stages that aborted the run",
		}, []string{"stage"}),
		RunsTotal: reg.NewCounterVec(prometheus.CounterOpts{
			Name: "runs_total",
			Help: "Pipeline runs by outcome",
		}, []string{"outcome"}),
		CurrentStage: reg.NewGaugeVec(prometheus.GaugeOpts{
			Name: "current_stage",
			Help: "1 for the stage currently executing",
		}, []string{"stage"}),
	}
}

func (m *Metrics) enter(s Stage) {
	if m == nil {
		return
	}
	m.CurrentStage.WithLabelValues(s.String()).Set(1)
}

func (m *Metrics) leave(s Stage, seconds float64, failed bool) {
	if m == nil {
		return
	}
	m.CurrentStage.WithLabelValues(s.String()).Set(0)
	m.StageDuration.WithLabelValues(s.String()).Observe(seconds)
	if failed {
		m.StageFailures.WithLabelValues(s.String()).Inc()
	}
}

func (m *Metrics) finish(outcome string) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(outcome).Inc()
}
