package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestComponentRegistryReusesExistingCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	a := NewComponentRegistryWith(reg, "sfkit", "test")
	b := NewComponentRegistryWith(reg, "sfkit", "test")

	c1 := a.NewCounter(prometheus.CounterOpts{Name: "things_total", Help: "things"})
	c2 := b.NewCounter(prometheus.CounterOpts{Name: "things_total", Help: "things"})

	c1.Inc()
	c2.Inc()

	var m dto.Metric
	require.NoError(t, c1.Write(&m))
	require.InDelta(t, 2, m.GetCounter().GetValue(), 0)
}

func TestComponentRegistryAppliesNamespace(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	r := NewComponentRegistryWith(reg, "sfkit", "barrier")
	r.NewGauge(prometheus.GaugeOpts{Name: "waiting", Help: "w"}).Set(1)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	require.Equal(t, "sfkit_barrier_waiting", families[0].GetName())
}
