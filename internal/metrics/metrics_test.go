package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Unregistered(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)

	m.Flushes.Inc()
	m.Lookups.WithLabelValues(LookupMiss).Inc()

	assert.Equal(t, float64(1), testutil.ToFloat64(m.Flushes))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Lookups.WithLabelValues(LookupMiss)))
}

func TestNew_Registered(t *testing.T) {
	reg := prometheus.NewRegistry()

	m, err := New(reg)
	require.NoError(t, err)

	m.Rotations.Inc()
	m.SealedSegments.Set(3)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["docdb_rotations_total"])
	assert.True(t, names["docdb_sealed_segments"])

	// second registration against the same registry collides
	_, err = New(reg)
	assert.Error(t, err)

	m.Unregister()
	_, err = New(reg)
	assert.NoError(t, err)
}
