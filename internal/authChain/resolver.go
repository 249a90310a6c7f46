// Package authChain computes auth chains: the set of events transitively
// referenced through auth_events from a set of starting events.
//
// Starting events are partitioned into a fixed number of buckets by short ID.
// Each bucket is answered from the bucket cache when its exact member set was
// computed before, otherwise from the per event cache and fresh single event
// walks. Single event chains are also persisted so they survive restarts.
// Chains are monotone, so merging cached closures is exact.
package authChain

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-rooms/internal/cache"
	"github.com/i5heu/ouroboros-rooms/internal/interner"
	"github.com/i5heu/ouroboros-rooms/internal/keyValStore"
	"github.com/i5heu/ouroboros-rooms/internal/logging"
	"github.com/i5heu/ouroboros-rooms/pkg/encoding"
	"github.com/i5heu/ouroboros-rooms/pkg/types"
	workerpool "github.com/i5heu/ouroboros-rooms/pkg/workerPool"
)

const (
	DefaultBuckets    = 50
	DefaultYieldEvery = 100

	prefixPersisted = "authchain:"
)

// Events is the event lookup the walk runs on. It must report absent events
// with types.ErrEventNotFound.
type Events interface {
	GetByEventID(eventID string) (*types.Event, error)
}

type Identifiers interface {
	GetOrCreate(kind interner.Kind, full []byte) (types.ShortID, error)
	GetFull(kind interner.Kind, short types.ShortID) ([]byte, bool, error)
}

type Config struct {
	Buckets    int
	YieldEvery int
	// Pool resolves buckets concurrently when set.
	Pool *workerpool.WorkerPool
	// DisablePersistence keeps single event chains in memory only.
	DisablePersistence bool
	Logger             logrus.FieldLogger
}

type Resolver struct {
	kv     keyValStore.Store
	events Events
	ids    Identifiers
	caches *cache.Caches
	config Config
	log    logrus.FieldLogger
}

func New(kv keyValStore.Store, events Events, ids Identifiers, caches *cache.Caches, config Config) *Resolver {
	if config.Buckets <= 0 {
		config.Buckets = DefaultBuckets
	}
	if config.YieldEvery <= 0 {
		config.YieldEvery = DefaultYieldEvery
	}
	return &Resolver{
		kv:     kv,
		events: events,
		ids:    ids,
		caches: caches,
		config: config,
		log:    logging.Component(config.Logger, "auth_chain"),
	}
}

// Result is an auth chain translated to event IDs.
type Result struct {
	EventIDs []string // sorted
	// Missing lists referenced auth events that are not stored locally. The
	// chain may be incomplete when it is not empty.
	Missing []string
}

// GetAuthChain returns the sorted event IDs of the auth chain of
// startingEventIDs in roomID. Missing auth events are skipped; an auth event
// of another room fails the call with types.ErrCrossRoomAuth.
//
// When ctx is done before the result is ready, the call returns ctx.Err()
// while the computation continues and populates the caches.
func (r *Resolver) GetAuthChain(ctx context.Context, roomID string, startingEventIDs []string) ([]string, error) {
	res, err := r.ResultWithGaps(ctx, roomID, startingEventIDs)
	return res.EventIDs, err
}

// ResultWithGaps is GetAuthChain also reporting the missing auth events.
func (r *Resolver) ResultWithGaps(ctx context.Context, roomID string, startingEventIDs []string) (Result, error) {
	chain, err := r.GetAuthChainShorts(ctx, roomID, startingEventIDs)
	if err != nil {
		return Result{}, err
	}
	ids, err := r.translate(chain)
	if err != nil {
		return Result{}, err
	}
	return Result{EventIDs: ids, Missing: chain.Missing()}, nil
}

// GetAuthChainShorts returns the auth chain as a set of short event IDs.
func (r *Resolver) GetAuthChainShorts(ctx context.Context, roomID string, startingEventIDs []string) (*Chain, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type outcome struct {
		chain *Chain
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		chain, err := r.compute(roomID, startingEventIDs)
		done <- outcome{chain, err}
	}()

	select {
	case o := <-done:
		return o.chain, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type member struct {
	short types.ShortID
	id    string
}

func (r *Resolver) compute(roomID string, startingEventIDs []string) (*Chain, error) {
	start := time.Now()

	// cached chains are scoped to the room they were validated for
	room, err := r.ids.GetOrCreate(interner.RoomID, []byte(roomID))
	if err != nil {
		return nil, err
	}

	buckets := make([][]member, r.config.Buckets)
	seen := make(map[types.ShortID]struct{}, len(startingEventIDs))
	for i, id := range startingEventIDs {
		short, err := r.ids.GetOrCreate(interner.EventID, []byte(id))
		if err != nil {
			return nil, err
		}
		if _, dup := seen[short]; dup {
			continue
		}
		seen[short] = struct{}{}
		b := int(uint64(short) % uint64(r.config.Buckets))
		buckets[b] = append(buckets[b], member{short: short, id: id})
		r.maybeYield(i + 1)
	}

	var nonEmpty [][]member
	for _, b := range buckets {
		if len(b) == 0 {
			continue
		}
		sort.Slice(b, func(i, j int) bool { return b[i].short < b[j].short })
		nonEmpty = append(nonEmpty, b)
	}

	chains, err := r.resolveBuckets(roomID, room, nonEmpty)
	if err != nil {
		return nil, err
	}
	total := union(chains...)

	r.caches.Metrics.AuthChainSize.Observe(float64(total.Len()))
	r.log.WithFields(logrus.Fields{
		logging.KeyRoomID:    roomID,
		logging.KeyChainSize: total.Len(),
		logging.KeyBucket:    len(nonEmpty),
		logging.KeyTook:      time.Since(start),
	}).Debug("auth chain stats")

	return total, nil
}

func (r *Resolver) resolveBuckets(roomID string, room types.ShortID, buckets [][]member) ([]*Chain, error) {
	if r.config.Pool == nil || len(buckets) < 2 {
		chains := make([]*Chain, 0, len(buckets))
		for _, b := range buckets {
			c, err := r.resolveBucket(roomID, room, b)
			if err != nil {
				return nil, err
			}
			chains = append(chains, c)
		}
		return chains, nil
	}

	type bucketResult struct {
		chain *Chain
		err   error
	}
	group := r.config.Pool.NewGroup(len(buckets))
	for _, b := range buckets {
		b := b
		err := group.Submit(func() interface{} {
			c, err := r.resolveBucket(roomID, room, b)
			return bucketResult{c, err}
		})
		if err != nil {
			group.Collect()
			return nil, err
		}
	}

	// errors are ranked so the outcome does not depend on completion order
	var firstErr error
	chains := make([]*Chain, 0, len(buckets))
	for _, res := range group.Collect() {
		br := res.(bucketResult)
		if br.err != nil {
			if firstErr == nil || errors.Is(br.err, types.ErrCrossRoomAuth) {
				firstErr = br.err
			}
			continue
		}
		chains = append(chains, br.chain)
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return chains, nil
}

func (r *Resolver) resolveBucket(roomID string, room types.ShortID, members []member) (*Chain, error) {
	key := cacheKey(room, members)
	if c, ok := r.caches.AuthChains.Get(key); ok {
		r.caches.Metrics.Hit(cache.TierBucket)
		return c.(*Chain), nil
	}
	r.caches.Metrics.Miss(cache.TierBucket)

	parts := make([]*Chain, 0, len(members))
	for i, m := range members {
		c, err := r.singleton(roomID, room, m)
		if err != nil {
			return nil, err
		}
		parts = append(parts, c)
		r.maybeYield(i + 1)
	}

	bucket := union(parts...)
	if bucket.Complete() {
		r.caches.AuthChains.Add(key, bucket)
	}
	return bucket, nil
}

// singleton returns the chain of one event from the memory cache, the
// persisted cache or a fresh walk, in that order.
func (r *Resolver) singleton(roomID string, room types.ShortID, m member) (*Chain, error) {
	key := cacheKey(room, []member{m})
	if c, ok := r.caches.AuthChains.Get(key); ok {
		r.caches.Metrics.Hit(cache.TierEvent)
		return c.(*Chain), nil
	}

	if !r.config.DisablePersistence {
		raw, err := r.kv.Get(persistedKey(room, m.short))
		switch {
		case err == nil:
			c, err := unmarshalChain(raw)
			if err != nil {
				return nil, errors.Wrapf(err, "persisted auth chain of %s", m.id)
			}
			r.caches.Metrics.Hit(cache.TierEvent)
			r.caches.AuthChains.Add(key, c)
			return c, nil
		case !errors.Is(err, keyValStore.ErrKeyNotFound):
			return nil, errors.Wrapf(err, "load auth chain of %s", m.id)
		}
	}
	r.caches.Metrics.Miss(cache.TierEvent)

	start := time.Now()
	c, err := r.walk(roomID, m)
	if err != nil {
		return nil, err
	}
	r.caches.Metrics.AuthChainWalkDuration.Observe(time.Since(start).Seconds())

	// A chain with gaps changes once the missing events arrive, so it is not
	// cached.
	if !c.Complete() {
		return c, nil
	}
	r.caches.AuthChains.Add(key, c)
	if !r.config.DisablePersistence {
		if err := r.kv.Put(persistedKey(room, m.short), c.marshal()); err != nil {
			r.log.WithError(err).WithField(logging.KeyEventID, m.id).Warn("could not persist auth chain")
		}
	}
	return c, nil
}

func (r *Resolver) translate(c *Chain) ([]string, error) {
	shorts := c.IDs()
	out := make([]string, 0, len(shorts))
	for _, s := range shorts {
		full, ok, err := r.ids.GetFull(interner.EventID, s)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: auth chain member %d has no event id", types.ErrCorrupt, s)
		}
		out = append(out, string(full))
	}
	sort.Strings(out)
	return out, nil
}

// cacheKey encodes the room followed by the sorted member short IDs. A hit
// only ever answers for the room whose walk produced the chain.
func cacheKey(room types.ShortID, members []member) string {
	key := make([]byte, 0, 8*(len(members)+1))
	key = encoding.PutUint64(key, uint64(room))
	for _, m := range members {
		key = encoding.PutUint64(key, uint64(m.short))
	}
	return string(key)
}

func persistedKey(room, short types.ShortID) []byte {
	return encoding.Key(prefixPersisted, encoding.PutUint64(nil, uint64(room)), encoding.PutUint64(nil, uint64(short)))
}
