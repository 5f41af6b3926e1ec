package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveCollect("latest", "rest", 10*time.Millisecond, 2)
	m.ObserveCollect("latest", "rest", 10*time.Millisecond, 0)
	m.ObserveTitleLookup(time.Millisecond, 3, nil)
	m.ObserveTitleLookup(time.Millisecond, 1, errors.New("boom"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.conflicts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.titleLookups.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.titleLookups.WithLabelValues("error")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["apisurface_subresources_collect_duration_seconds"])
	assert.True(t, names["apisurface_titles_lookup_identifiers"])
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveCollect("latest", "rest", time.Second, 1)
		m.ObserveTitleLookup(time.Second, 1, nil)
	})
}
