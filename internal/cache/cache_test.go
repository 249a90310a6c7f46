package cache

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaches_GetAdd(t *testing.T) {
	c, err := New(Config{ShortIDCacheSize: 2, AuthChainCacheSize: 2, StateLayerCacheSize: 2})
	require.NoError(t, err)

	_, ok := c.ShortByFull.Get("a")
	assert.False(t, ok)

	c.ShortByFull.Add("a", 1)
	v, ok := c.ShortByFull.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	c.ShortByFull.Add("b", 2)
	c.ShortByFull.Add("c", 3)
	assert.Equal(t, 2, c.ShortByFull.Len())
	_, ok = c.ShortByFull.Get("a")
	assert.False(t, ok, "least recently used entry is evicted")

	c.Purge()
	assert.Equal(t, 0, c.Stats()["short_by_full"])
}

func TestCaches_ZeroSizeDisables(t *testing.T) {
	c, err := New(Config{})
	require.NoError(t, err)

	c.AuthChains.Add("k", "v")
	_, ok := c.AuthChains.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.AuthChains.Len())
}

func TestMetrics_RegisterAndCount(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	c, err := New(Config{AuthChainCacheSize: 4, Registerer: reg})
	require.NoError(t, err)

	c.AuthChains.Get("missing")
	c.AuthChains.Add("present", 1)
	c.AuthChains.Get("present")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.Metrics.CacheLookups.WithLabelValues("auth_chain", resultHit)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Metrics.CacheLookups.WithLabelValues("auth_chain", resultMiss)))

	c.Metrics.Hit(TierBucket)
	c.Metrics.Miss(TierEvent)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Metrics.AuthChainLookups.WithLabelValues(TierBucket, resultHit)))

	_, err = New(Config{Registerer: reg})
	assert.Error(t, err, "registering twice on one registry fails")
}
