// Package cache owns the process wide caches of the event-graph core. One
// Caches value lives as long as the engine and is handed to every component
// that needs it; nothing is reached through package globals.
//
// Cached values are immutable after insertion. Two writers racing on the same
// key store equal values, so readers never need to coordinate with writers.
package cache

import (
	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
)

type Config struct {
	ShortIDCacheSize    int // entries per direction
	AuthChainCacheSize  int
	StateLayerCacheSize int
	// Registerer receives the metrics. A nil Registerer leaves them
	// unregistered.
	Registerer prometheus.Registerer
}

// Caches bundles the shared caches and the metrics describing them.
type Caches struct {
	ShortByFull *LRU
	FullByShort *LRU
	AuthChains  *LRU
	StateLayers *LRU

	Metrics *Metrics
}

func New(config Config) (*Caches, error) {
	metrics, err := NewMetrics(config.Registerer)
	if err != nil {
		return nil, err
	}

	c := &Caches{Metrics: metrics}
	if c.ShortByFull, err = newLRU("short_by_full", config.ShortIDCacheSize, metrics); err != nil {
		return nil, err
	}
	if c.FullByShort, err = newLRU("full_by_short", config.ShortIDCacheSize, metrics); err != nil {
		return nil, err
	}
	if c.AuthChains, err = newLRU("auth_chain", config.AuthChainCacheSize, metrics); err != nil {
		return nil, err
	}
	if c.StateLayers, err = newLRU("state_layers", config.StateLayerCacheSize, metrics); err != nil {
		return nil, err
	}
	return c, nil
}

// Stats reports the number of entries per cache.
func (c *Caches) Stats() map[string]int {
	return map[string]int{
		c.ShortByFull.name: c.ShortByFull.Len(),
		c.FullByShort.name: c.FullByShort.Len(),
		c.AuthChains.name:  c.AuthChains.Len(),
		c.StateLayers.name: c.StateLayers.Len(),
	}
}

// Purge drops every cached entry. Persisted state is not touched.
func (c *Caches) Purge() {
	c.ShortByFull.Purge()
	c.FullByShort.Purge()
	c.AuthChains.Purge()
	c.StateLayers.Purge()
}

// LRU is a size bounded cache. A size of 0 disables it: lookups miss and
// additions are dropped.
type LRU struct {
	name    string
	c       *lru.Cache
	metrics *Metrics
}

func newLRU(name string, size int, metrics *Metrics) (*LRU, error) {
	l := &LRU{name: name, metrics: metrics}
	if size <= 0 {
		return l, nil
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	l.c = c
	return l, nil
}

func (l *LRU) Get(key interface{}) (interface{}, bool) {
	if l.c == nil {
		l.metrics.CacheLookups.WithLabelValues(l.name, resultMiss).Inc()
		return nil, false
	}
	v, ok := l.c.Get(key)
	if ok {
		l.metrics.CacheLookups.WithLabelValues(l.name, resultHit).Inc()
	} else {
		l.metrics.CacheLookups.WithLabelValues(l.name, resultMiss).Inc()
	}
	return v, ok
}

func (l *LRU) Add(key, value interface{}) {
	if l.c == nil {
		return
	}
	l.c.Add(key, value)
}

func (l *LRU) Len() int {
	if l.c == nil {
		return 0
	}
	return l.c.Len()
}

func (l *LRU) Purge() {
	if l.c != nil {
		l.c.Purge()
	}
}

func (l *LRU) Name() string { return l.name }
