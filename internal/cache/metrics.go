package cache

import "github.com/prometheus/client_golang/prometheus"

const (
	resultHit  = "hit"
	resultMiss = "miss"
)

// Auth-chain cache tiers.
const (
	TierBucket = "bucket"
	TierEvent  = "event"
)

type Metrics struct {
	CacheLookups          *prometheus.CounterVec
	AuthChainLookups      *prometheus.CounterVec
	AuthChainWalkDuration prometheus.Histogram
	AuthChainSize         prometheus.Histogram
	MissingAuthEvents     prometheus.Counter
	ShortIDsCreated       *prometheus.CounterVec
	StateLayers           prometheus.Histogram
	EventsAppended        prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rooms",
			Name:      "cache_lookups_total",
			Help:      "Shared cache lookups by cache and result",
		}, []string{"cache", "result"}),
		AuthChainLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rooms",
			Name:      "auth_chain_lookups_total",
			Help:      "Auth chain cache lookups by tier (bucket, event) and result",
		}, []string{"tier", "result"}),
		AuthChainWalkDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rooms",
			Name:      "auth_chain_walk_duration_seconds",
			Help:      "Duration of single event auth chain walks",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		AuthChainSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rooms",
			Name:      "auth_chain_size",
			Help:      "Number of events in returned auth chains",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}),
		MissingAuthEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rooms",
			Name:      "auth_chain_missing_events_total",
			Help:      "Auth event references that could not be found locally",
		}),
		ShortIDsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rooms",
			Name:      "short_ids_created_total",
			Help:      "Short IDs issued by identifier kind",
		}, []string{"kind"}),
		StateLayers: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rooms",
			Name:      "state_snapshot_layers",
			Help:      "Delta chain length of resolved state snapshots",
			Buckets:   prometheus.LinearBuckets(1, 1, 8),
		}),
		EventsAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rooms",
			Name:      "timeline_events_appended_total",
			Help:      "Events appended to room timelines",
		}),
	}

	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.CacheLookups, m.AuthChainLookups, m.AuthChainWalkDuration, m.AuthChainSize,
		m.MissingAuthEvents, m.ShortIDsCreated, m.StateLayers, m.EventsAppended,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Hit and Miss label an auth-chain lookup.
func (m *Metrics) Hit(tier string)  { m.AuthChainLookups.WithLabelValues(tier, resultHit).Inc() }
func (m *Metrics) Miss(tier string) { m.AuthChainLookups.WithLabelValues(tier, resultMiss).Inc() }
