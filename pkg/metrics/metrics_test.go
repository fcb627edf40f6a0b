package metrics

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/modelcore/runtime/pkg/logging"
)

func TestCounterAccumulates(t *testing.T) {
	c := New(logging.NewNoopLogger())
	c.IncCounter("cache", "cache_hits", 1)
	c.IncCounter("cache", "cache_hits", 1)
	c.IncCounter("cache", "cache_misses", 1)

	snap, err := c.Gather()
	require.NoError(t, err)

	var hits, misses float64
	for k, v := range snap.Counters {
		if contains(k, "name=cache_hits") {
			hits = v
		}
		if contains(k, "name=cache_misses") {
			misses = v
		}
	}
	require.Equal(t, float64(2), hits)
	require.Equal(t, float64(1), misses)
}

func TestGaugeLastWriteWins(t *testing.T) {
	c := New(logging.NewNoopLogger())
	c.SetGauge("cache", "current_entries", 3)
	c.SetGauge("cache", "current_entries", 5)

	snap, err := c.Gather()
	require.NoError(t, err)

	var got float64
	for k, v := range snap.Gauges {
		if contains(k, "name=current_entries") {
			got = v
		}
	}
	require.Equal(t, float64(5), got)
}

func TestObserveHistogramDoesNotPanic(t *testing.T) {
	c := New(logging.NewNoopLogger())
	c.Observe("processor", "job_duration_seconds", 0.5, nil)
	c.Observe("processor", "job_duration_seconds", 1.5, nil)
	_, err := c.Gather()
	require.NoError(t, err)
}

func contains(s, sub string) bool {
	return strings.Contains(s, sub)
}
