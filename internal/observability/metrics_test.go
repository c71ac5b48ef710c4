package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegistersAllInstruments(t *testing.T) {
	m := NewMetrics()

	m.AggregatesProcessed.WithLabelValues("created").Inc()
	m.AggregateSkips.WithLabelValues("self_loop").Inc()
	m.CreateRetries.Inc()
	m.BuildDuration.Observe(0.01)
	m.TraversalQueries.WithLabelValues("upstream").Inc()
	m.TraversalDuration.Observe(0.02)
	m.PathQueries.Inc()
	m.SPOFRuns.Inc()
	m.SPOFFindings.WithLabelValues("critical").Inc()
	m.EdgesClosed.Inc()

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	assert.Len(t, families, 10)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.AggregatesProcessed.WithLabelValues("created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EdgesClosed))
}

func TestMetricsInstancesAreIndependent(t *testing.T) {
	a := NewMetrics()
	b := NewMetrics()
	a.SPOFRuns.Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(a.SPOFRuns))
	assert.Zero(t, testutil.ToFloat64(b.SPOFRuns))
}
