package kixdns

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetVarIntIsStableAcrossCalls(t *testing.T) {
	v1 := getVarInt("engine", "labelA", "cache_hits")
	v1.Add(5)
	v2 := getVarInt("engine", "labelA", "cache_hits")
	assert.EqualValues(t, 5, v2.Value())
}

func TestNewMetricsRegistersDistinctCountersPerLabel(t *testing.T) {
	m1 := newMetrics("listenerX")
	m2 := newMetrics("listenerY")
	require.NotNil(t, m1.cacheHits)
	require.NotNil(t, m2.cacheHits)

	m1.cacheHits.Add(1)
	assert.EqualValues(t, 0, m2.cacheHits.Value())
}
