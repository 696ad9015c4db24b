package relay

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sfkit/orchestrator/metrics"
)

// Metrics holds relay lifecycle metrics.
type Metrics struct {
	StartsTotal       *prometheus.CounterVec
	TerminationsTotal prometheus.Counter
	Active            prometheus.Gauge
}

// NewMetrics creates relay metrics on the shared registry.
func NewMetrics() *Metrics {
	reg := metrics.NewComponentRegistry("sfkit", "relay")
	return &Metrics{
		StartsTotal: reg.NewCounterVec(prometheus.CounterOpts{
			Name: "starts_total",
			Help: "Relay start attempts by result",
		}, []string{"result"}),
		TerminationsTotal: reg.NewCounter(prometheus.CounterOpts{
			Name: "terminations_total",
			Help: "Relay termination signals sent",
		}),
		Active: reg.NewGauge(prometheus.GaugeOpts{
			Name: "active",
			Help: "Relays currently running",
		}),
	}
}
