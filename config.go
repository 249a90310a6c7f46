package ouroboros

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-rooms/internal/authChain"
	"github.com/i5heu/ouroboros-rooms/internal/config"
	"github.com/i5heu/ouroboros-rooms/internal/keyValStore"
	"github.com/i5heu/ouroboros-rooms/internal/logging"
	"github.com/i5heu/ouroboros-rooms/internal/stateCompressor"
	"github.com/i5heu/ouroboros-rooms/internal/timeline"
)

const (
	DefaultShortIDCacheSize    = 100_000
	DefaultAuthChainCacheSize  = 100_000
	DefaultStateLayerCacheSize = 100
)

// Config configures the engine. Only Paths[0] is used at the moment.
//
// Cache sizes of 0 select the defaults, negative sizes disable the cache.
type Config struct {
	Paths         []string
	Backend       keyValStore.Backend
	MinimumFreeGB uint
	SyncWrites    bool

	// Logger is optional. If nil, an info level text logger on stderr is used.
	Logger logrus.FieldLogger
	// Registerer receives the engine metrics when set.
	Registerer prometheus.Registerer
	// Clock stamps stored events, time.Now when nil.
	Clock func() time.Time

	ShortIDCacheSize    int
	AuthChainCacheSize  int
	StateLayerCacheSize int

	AuthChainBuckets int
	YieldEvery       int
	// AuthChainWorkers > 1 resolves auth chain buckets in parallel.
	AuthChainWorkers int

	MaxStateLayers    int
	CompressThreshold int
	PageSize          int

	// GarbageCollectionInterval runs storage value log GC on the badger
	// backend. Zero disables it.
	GarbageCollectionInterval time.Duration
	// StatsInterval logs storage operation counters. Zero disables it.
	StatsInterval time.Duration
}

// ConfigFromFile builds a Config from a YAML file, see internal/config.
func ConfigFromFile(path string) (Config, error) {
	f, err := config.Load(path)
	if err != nil {
		return Config{}, err
	}
	log, err := logging.New(logging.Config{Level: f.Log.Level, Format: f.Log.Format})
	if err != nil {
		return Config{}, fmt.Errorf("logger: %w", err)
	}

	return Config{
		Paths:                     f.Storage.Paths,
		Backend:                   keyValStore.Backend(f.Storage.Backend),
		MinimumFreeGB:             f.Storage.MinimumFreeGB,
		SyncWrites:                f.Storage.SyncWrites,
		GarbageCollectionInterval: f.Storage.GCInterval,
		StatsInterval:             f.Storage.StatsInterval,
		Logger:                    log,
		ShortIDCacheSize:          f.Cache.ShortIDs,
		AuthChainCacheSize:        f.Cache.AuthChains,
		StateLayerCacheSize:       f.Cache.StateLayers,
		AuthChainBuckets:          f.AuthChain.Buckets,
		YieldEvery:                f.AuthChain.YieldEvery,
		AuthChainWorkers:          f.AuthChain.Workers,
		MaxStateLayers:            f.State.MaxLayers,
		CompressThreshold:         f.Timeline.CompressThreshold,
		PageSize:                  f.Timeline.PageSize,
	}, nil
}

func (c *Config) applyDefaults() {
	if c.Backend == "" {
		c.Backend = keyValStore.BackendBadger
	}
	if c.Logger == nil {
		log, _ := logging.New(logging.Config{})
		c.Logger = log
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	c.ShortIDCacheSize = cacheSize(c.ShortIDCacheSize, DefaultShortIDCacheSize)
	c.AuthChainCacheSize = cacheSize(c.AuthChainCacheSize, DefaultAuthChainCacheSize)
	c.StateLayerCacheSize = cacheSize(c.StateLayerCacheSize, DefaultStateLayerCacheSize)
	if c.AuthChainBuckets <= 0 {
		c.AuthChainBuckets = authChain.DefaultBuckets
	}
	if c.YieldEvery <= 0 {
		c.YieldEvery = authChain.DefaultYieldEvery
	}
	if c.MaxStateLayers <= 0 {
		c.MaxStateLayers = stateCompressor.DefaultMaxLayers
	}
	if c.CompressThreshold == 0 {
		c.CompressThreshold = timeline.DefaultCompressThreshold
	}
}

func cacheSize(configured, fallback int) int {
	switch {
	case configured < 0:
		return 0
	case configured == 0:
		return fallback
	default:
		return configured
	}
}
