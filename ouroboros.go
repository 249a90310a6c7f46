/*
!! Currently the engine is in a very early stage of development and should not be used in production environments. !!
*/

// Package ouroboros stores room event graphs for a homeserver: short ID
// interning, per room timelines, auth chain resolution and compressed state
// snapshots on top of one ordered key-value store.
package ouroboros

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-rooms/internal/authChain"
	"github.com/i5heu/ouroboros-rooms/internal/cache"
	"github.com/i5heu/ouroboros-rooms/internal/interner"
	"github.com/i5heu/ouroboros-rooms/internal/keyValStore"
	"github.com/i5heu/ouroboros-rooms/internal/logging"
	"github.com/i5heu/ouroboros-rooms/internal/stateCompressor"
	"github.com/i5heu/ouroboros-rooms/internal/timeline"
	workerpool "github.com/i5heu/ouroboros-rooms/pkg/workerPool"
	"github.com/i5heu/ouroboros-rooms/pkg/types"
)

var (
	ErrNotStarted = errors.New("ouroboros: engine not started")
	ErrClosed     = errors.New("ouroboros: engine closed")
)

// IDKind selects the short ID namespace.
type IDKind = interner.Kind

const (
	KindEventID   = interner.EventID
	KindRoomID    = interner.RoomID
	KindStateKey  = interner.StateKey
	KindStateHash = interner.StateHash
)

type (
	Cursor     = timeline.Cursor
	ScanOption = timeline.ScanOption
)

var (
	WithViewer   = timeline.WithViewer
	WithPageSize = timeline.WithPageSize
)

// AuthChainResult is an auth chain together with the referenced events that
// are not stored.
type AuthChainResult = authChain.Result

// components is everything Start builds. It is swapped out as a whole on
// Close.
type components struct {
	kv        keyValStore.Store
	caches    *cache.Caches
	ids       *interner.Interner
	events    *timeline.Timeline
	chains    *authChain.Resolver
	state     *stateCompressor.Compressor
	pool      *workerpool.WorkerPool
	stopClean chan struct{}
}

// Engine is the handle the homeserver holds. All methods are safe for
// concurrent use.
type Engine struct {
	log    logrus.FieldLogger
	config Config

	mu sync.RWMutex
	c  *components

	started   atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
	cleanWg   sync.WaitGroup
}

// New validates conf and returns an engine. New does not touch the disk;
// call Start.
func New(conf Config) (*Engine, error) { // A
	if conf.Backend != keyValStore.BackendMemory && len(conf.Paths) == 0 {
		return nil, fmt.Errorf("at least one path must be provided in config")
	}
	conf.applyDefaults()
	return &Engine{
		log:    logging.Component(conf.Logger, "engine"),
		config: conf,
	}, nil
}

// Start opens the store and builds the subsystems. Only the first call has
// an effect.
func (e *Engine) Start(ctx context.Context) error { // PA
	var startErr error
	e.startOnce.Do(func() {
		if err := ctx.Err(); err != nil {
			startErr = err
			return
		}
		c, err := e.open()
		if err != nil {
			startErr = err
			return
		}

		e.mu.Lock()
		e.c = c
		e.mu.Unlock()
		e.started.Store(true)

		e.log.WithFields(logrus.Fields{
			logging.KeyBackend: e.config.Backend,
			logging.KeyPath:    e.config.Paths,
		}).Info("engine started")
	})
	return startErr
}

func (e *Engine) open() (*components, error) {
	conf := e.config
	if conf.Backend != keyValStore.BackendMemory {
		if err := os.MkdirAll(conf.Paths[0], 0o700); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", conf.Paths[0], err)
		}
	}

	kv, err := keyValStore.Open(keyValStore.StoreConfig{
		Backend:          conf.Backend,
		Paths:            conf.Paths,
		MinimumFreeSpace: int(conf.MinimumFreeGB),
		SyncWrites:       conf.SyncWrites,
		Logger:           logging.Component(conf.Logger, "kv"),
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	caches, err := cache.New(cache.Config{
		ShortIDCacheSize:    conf.ShortIDCacheSize,
		AuthChainCacheSize:  conf.AuthChainCacheSize,
		StateLayerCacheSize: conf.StateLayerCacheSize,
		Registerer:          conf.Registerer,
	})
	if err != nil {
		_ = kv.Close()
		return nil, fmt.Errorf("caches: %w", err)
	}

	c := &components{kv: kv, caches: caches, stopClean: make(chan struct{})}
	if conf.AuthChainWorkers > 1 {
		c.pool = workerpool.NewWorkerPool(workerpool.Config{WorkerCount: conf.AuthChainWorkers})
	}

	c.ids = interner.New(kv, caches, conf.Logger)
	c.events = timeline.New(kv, c.ids, caches, timeline.Config{
		CompressThreshold: conf.CompressThreshold,
		PageSize:          conf.PageSize,
		Clock:             conf.Clock,
		Logger:            conf.Logger,
	})
	c.chains = authChain.New(kv, c.events, c.ids, caches, authChain.Config{
		Buckets:    conf.AuthChainBuckets,
		YieldEvery: conf.YieldEvery,
		Pool:       c.pool,
		Logger:     conf.Logger,
	})
	c.state = stateCompressor.New(kv, c.ids, caches, stateCompressor.Config{
		MaxLayers: conf.MaxStateLayers,
		Logger:    conf.Logger,
	})

	if badgerStore, ok := kv.(*keyValStore.KeyValStore); ok {
		if conf.StatsInterval > 0 {
			badgerStore.StartTransactionCounter(conf.StatsInterval)
		}
		if conf.GarbageCollectionInterval > 0 {
			e.cleanWg.Add(1)
			go e.garbageCollection(badgerStore, conf.GarbageCollectionInterval, c.stopClean)
		}
	}
	return c, nil
}

func (e *Engine) garbageCollection(store *keyValStore.KeyValStore, interval time.Duration, stop <-chan struct{}) {
	defer e.cleanWg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := store.Clean(); err != nil {
				e.log.WithError(err).Warn("storage garbage collection failed")
			}
		}
	}
}

// Run starts the engine, blocks until ctx is canceled and then shuts down
// with a bounded timeout.
func (e *Engine) Run(ctx context.Context) error { // A
	if err := e.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Close(shutdownCtx)
}

// Close releases the store. Close is idempotent; ctx bounds the wait for
// background work.
func (e *Engine) Close(ctx context.Context) error { // A
	var closeErr error
	e.closeOnce.Do(func() {
		e.mu.Lock()
		c := e.c
		e.c = nil
		e.mu.Unlock()
		if c == nil {
			return
		}

		close(c.stopClean)
		done := make(chan struct{})
		go func() {
			e.cleanWg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			closeErr = errors.Join(closeErr, fmt.Errorf("wait for garbage collection: %w", ctx.Err()))
		}

		if c.pool != nil {
			c.pool.Close()
		}
		e.log.WithField(logging.KeyCacheStats, c.caches.Stats()).Debug("cache statistics at shutdown")
		if err := c.kv.Close(); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close kv: %w", err))
		}
		e.log.Info("engine closed")
	})
	return closeErr
}

func (e *Engine) handle() (*components, error) { // A
	if !e.started.Load() {
		return nil, ErrNotStarted
	}

	e.mu.RLock()
	c := e.c
	e.mu.RUnlock()
	if c == nil {
		return nil, ErrClosed
	}
	return c, nil
}

// CacheStats reports the number of entries per cache.
func (e *Engine) CacheStats() (map[string]int, error) {
	c, err := e.handle()
	if err != nil {
		return nil, err
	}
	return c.caches.Stats(), nil
}

// GetOrCreateShortID returns the short ID of full, allocating one on first
// use.
func (e *Engine) GetOrCreateShortID(ctx context.Context, kind IDKind, full string) (types.ShortID, error) {
	c, err := e.handle()
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return c.ids.GetOrCreate(kind, []byte(full))
}

// GetShortID looks up an existing short ID without allocating.
func (e *Engine) GetShortID(ctx context.Context, kind IDKind, full string) (types.ShortID, bool, error) {
	c, err := e.handle()
	if err != nil {
		return 0, false, err
	}
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	return c.ids.Get(kind, []byte(full))
}

func (e *Engine) GetFullID(ctx context.Context, kind IDKind, short types.ShortID) (string, bool, error) {
	c, err := e.handle()
	if err != nil {
		return "", false, err
	}
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	full, ok, err := c.ids.GetFull(kind, short)
	return string(full), ok, err
}

// AppendEvent adds ev to the end of the room timeline.
func (e *Engine) AppendEvent(ctx context.Context, roomID string, ev *types.Event) (types.TimelineKey, error) {
	c, err := e.handle()
	if err != nil {
		return types.TimelineKey{}, err
	}
	return c.events.Append(ctx, roomID, ev)
}

// AppendBackfilledEvent stores ev before every event the room already has.
func (e *Engine) AppendBackfilledEvent(ctx context.Context, roomID string, ev *types.Event) (types.TimelineKey, error) {
	c, err := e.handle()
	if err != nil {
		return types.TimelineKey{}, err
	}
	return c.events.AppendBackfilled(ctx, roomID, ev)
}

// AddOutlier stores an event that is known but not part of any timeline,
// typically an auth event fetched over federation.
func (e *Engine) AddOutlier(ctx context.Context, ev *types.Event) error {
	c, err := e.handle()
	if err != nil {
		return err
	}
	return c.events.AddOutlier(ctx, ev)
}

func (e *Engine) GetEventByID(ctx context.Context, eventID string) (*types.Event, error) {
	c, err := e.handle()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.events.GetByEventID(eventID)
}

func (e *Engine) GetEventByKey(ctx context.Context, key types.TimelineKey) (*types.Event, error) {
	c, err := e.handle()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.events.GetByKey(key)
}

// ScanSince iterates the room timeline strictly after since in dir. Errors,
// including ErrNotStarted, are reported by the cursor.
func (e *Engine) ScanSince(ctx context.Context, roomID string, since types.Count, dir types.Direction, opts ...ScanOption) *Cursor {
	c, err := e.handle()
	if err != nil {
		return timeline.FailedCursor(err)
	}
	return c.events.ScanSince(ctx, roomID, since, dir, opts...)
}

// LatestCount returns the count of the newest normal event of the room.
func (e *Engine) LatestCount(ctx context.Context, roomID string) (types.Count, bool, error) {
	c, err := e.handle()
	if err != nil {
		return types.Count{}, false, err
	}
	return c.events.LatestCount(ctx, roomID)
}

// GetAuthChain returns the union of the auth chains of startingEventIDs.
// Referenced events that are not stored are left out.
func (e *Engine) GetAuthChain(ctx context.Context, roomID string, startingEventIDs []string) ([]string, error) {
	c, err := e.handle()
	if err != nil {
		return nil, err
	}
	return c.chains.GetAuthChain(ctx, roomID, startingEventIDs)
}

// GetAuthChainWithGaps is GetAuthChain that also reports the missing events.
func (e *Engine) GetAuthChainWithGaps(ctx context.Context, roomID string, startingEventIDs []string) (AuthChainResult, error) {
	c, err := e.handle()
	if err != nil {
		return AuthChainResult{}, err
	}
	return c.chains.ResultWithGaps(ctx, roomID, startingEventIDs)
}

// ConflictedSubgraph returns the events on auth paths between the conflicted
// events, the input for state resolution.
func (e *Engine) ConflictedSubgraph(ctx context.Context, roomID string, conflicted map[types.StateKey][]string) ([]string, error) {
	c, err := e.handle()
	if err != nil {
		return nil, err
	}
	return c.chains.ConflictedSubgraph(ctx, roomID, conflicted)
}

// StoreStateDelta stores the state that results from applying changed and
// removed to parent. A zero parent starts from the empty state.
func (e *Engine) StoreStateDelta(ctx context.Context, parent types.SnapshotID, changed map[types.StateKey]string, removed []types.StateKey) (types.SnapshotID, error) {
	c, err := e.handle()
	if err != nil {
		return 0, err
	}
	return c.state.StoreDelta(ctx, parent, changed, removed)
}

// StoreFullState stores state as a whole, diffed against parent.
func (e *Engine) StoreFullState(ctx context.Context, parent types.SnapshotID, state map[types.StateKey]string) (types.SnapshotID, error) {
	c, err := e.handle()
	if err != nil {
		return 0, err
	}
	return c.state.StoreFull(ctx, parent, state)
}

// ResolveState flattens a snapshot into state key -> event ID.
func (e *Engine) ResolveState(ctx context.Context, id types.SnapshotID) (map[types.StateKey]string, error) {
	c, err := e.handle()
	if err != nil {
		return nil, err
	}
	return c.state.ResolveEventIDs(ctx, id)
}

// LookupState returns the event that sets one state key in a snapshot.
func (e *Engine) LookupState(ctx context.Context, id types.SnapshotID, eventType, stateKey string) (string, bool, error) {
	c, err := e.handle()
	if err != nil {
		return "", false, err
	}
	return c.state.Lookup(ctx, id, eventType, stateKey)
}

// RebaseState rewrites a snapshot as a base without parents.
func (e *Engine) RebaseState(ctx context.Context, id types.SnapshotID) error {
	c, err := e.handle()
	if err != nil {
		return err
	}
	return c.state.Rebase(ctx, id)
}

func (e *Engine) SetRoomState(ctx context.Context, roomID string, id types.SnapshotID) error {
	c, err := e.handle()
	if err != nil {
		return err
	}
	return c.state.SetRoomState(ctx, roomID, id)
}

func (e *Engine) RoomState(ctx context.Context, roomID string) (types.SnapshotID, bool, error) {
	c, err := e.handle()
	if err != nil {
		return 0, false, err
	}
	return c.state.RoomState(ctx, roomID)
}

// SetEventState records the state before eventID.
func (e *Engine) SetEventState(ctx context.Context, eventID string, id types.SnapshotID) error {
	c, err := e.handle()
	if err != nil {
		return err
	}
	return c.state.SetEventState(ctx, eventID, id)
}

func (e *Engine) StateAtEvent(ctx context.Context, eventID string) (types.SnapshotID, bool, error) {
	c, err := e.handle()
	if err != nil {
		return 0, false, err
	}
	return c.state.StateAtEvent(ctx, eventID)
}

// LayerInfo summarises one delta of a snapshot chain.
type LayerInfo struct {
	ID      types.SnapshotID `json:"id"`
	Parent  types.SnapshotID `json:"parent,omitempty"`
	Added   int              `json:"added"`
	Removed int              `json:"removed"`
}

// StateLayers describes the delta chain of a snapshot, base first.
func (e *Engine) StateLayers(ctx context.Context, id types.SnapshotID) ([]LayerInfo, error) {
	c, err := e.handle()
	if err != nil {
		return nil, err
	}
	chain, err := c.state.Layers(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]LayerInfo, 0, len(chain))
	for _, l := range chain {
		out = append(out, LayerInfo{ID: l.ID, Parent: l.Parent, Added: len(l.Added), Removed: len(l.Removed)})
	}
	return out, nil
}
