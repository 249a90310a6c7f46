package authChain

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/i5heu/ouroboros-rooms/internal/cache"
	"github.com/i5heu/ouroboros-rooms/internal/interner"
	"github.com/i5heu/ouroboros-rooms/internal/keyValStore"
	tutil "github.com/i5heu/ouroboros-rooms/internal/testutil"
	"github.com/i5heu/ouroboros-rooms/internal/timeline"
	"github.com/i5heu/ouroboros-rooms/pkg/types"
	workerpool "github.com/i5heu/ouroboros-rooms/pkg/workerPool"
)

const room = "!r:example.org"

// mapEvents is an in-memory event source. A non-nil gate blocks every lookup
// until it is closed.
type mapEvents struct {
	mu    sync.RWMutex
	m     map[string]*types.Event
	calls atomic.Int64
	gate  chan struct{}
}

func newMapEvents() *mapEvents {
	return &mapEvents{m: make(map[string]*types.Event)}
}

func (e *mapEvents) add(id string, auth ...string) {
	e.addIn(room, id, auth...)
}

func (e *mapEvents) addIn(roomID, id string, auth ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.m[id] = &types.Event{EventID: id, RoomID: roomID, Type: "m.room.member", AuthEvents: auth}
}

func (e *mapEvents) GetByEventID(id string) (*types.Event, error) {
	e.calls.Add(1)
	if e.gate != nil {
		<-e.gate
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	ev, ok := e.m[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrEventNotFound, id)
	}
	return ev, nil
}

type fixture struct {
	kv     keyValStore.Store
	caches *cache.Caches
	ids    *interner.Interner
	events *mapEvents
}

func newFixture(t require.TestingT) *fixture {
	kv := keyValStore.NewMemoryStore()
	caches, err := cache.New(cache.Config{ShortIDCacheSize: 256, AuthChainCacheSize: 256})
	require.NoError(t, err)
	return &fixture{
		kv:     kv,
		caches: caches,
		ids:    interner.New(kv, caches, nil),
		events: newMapEvents(),
	}
}

func (f *fixture) resolver(config Config) *Resolver {
	if config.Logger == nil {
		config.Logger = tutil.NullLogger()
	}
	return New(f.kv, f.events, f.ids, f.caches, config)
}

// uncached resolves with fresh, disabled caches and no persistence.
func (f *fixture) uncached(t require.TestingT, config Config) *Resolver {
	caches, err := cache.New(cache.Config{})
	require.NoError(t, err)
	config.DisablePersistence = true
	if config.Logger == nil {
		config.Logger = tutil.NullLogger()
	}
	return New(f.kv, f.events, interner.New(f.kv, caches, nil), caches, config)
}

func TestGetAuthChain_RoundTrip(t *testing.T) {
	f := newFixture(t)
	f.events.add("$E1")
	f.events.add("$E2", "$E1")
	f.events.add("$E3", "$E1", "$E2")
	ctx := context.Background()

	r := f.resolver(Config{})
	chain, err := r.GetAuthChain(ctx, room, []string{"$E3"})
	require.NoError(t, err)
	assert.Equal(t, []string{"$E1", "$E2"}, chain)

	chain, err = r.GetAuthChain(ctx, room, []string{"$E2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"$E1"}, chain)

	chain, err = r.GetAuthChain(ctx, room, []string{"$E1"})
	require.NoError(t, err)
	assert.Empty(t, chain)

	all := []string{"$E1", "$E2", "$E3"}
	fifty, err := f.uncached(t, Config{Buckets: 50}).GetAuthChain(ctx, room, all)
	require.NoError(t, err)
	one, err := f.uncached(t, Config{Buckets: 1}).GetAuthChain(ctx, room, all)
	require.NoError(t, err)
	cached, err := r.GetAuthChain(ctx, room, all)
	require.NoError(t, err)

	assert.Equal(t, []string{"$E1", "$E2"}, fifty)
	assert.Equal(t, fifty, one)
	assert.Equal(t, fifty, cached)
}

func TestGetAuthChain_OnTimeline(t *testing.T) {
	kv := keyValStore.NewMemoryStore()
	caches, err := cache.New(cache.Config{ShortIDCacheSize: 64, AuthChainCacheSize: 64})
	require.NoError(t, err)
	ids := interner.New(kv, caches, nil)
	tl := timeline.New(kv, ids, caches, timeline.Config{})
	ctx := context.Background()

	create := &types.Event{EventID: "$create", RoomID: room, Type: "m.room.create"}
	// the power levels event arrived out of band and is an outlier
	power := &types.Event{EventID: "$power", RoomID: room, Type: "m.room.power_levels", AuthEvents: []string{"$create"}}
	msg := &types.Event{EventID: "$msg", RoomID: room, Type: "m.room.message", AuthEvents: []string{"$create", "$power"}}

	_, err = tl.Append(ctx, room, create)
	require.NoError(t, err)
	require.NoError(t, tl.AddOutlier(ctx, power))
	_, err = tl.Append(ctx, room, msg)
	require.NoError(t, err)

	r := New(kv, tl, ids, caches, Config{Logger: tutil.NullLogger()})
	chain, err := r.GetAuthChain(ctx, room, []string{"$msg"})
	require.NoError(t, err)
	assert.Equal(t, []string{"$create", "$power"}, chain)
}

func TestGetAuthChain_DanglingReference(t *testing.T) {
	f := newFixture(t)
	f.events.add("$E1")
	f.events.add("$E2", "$E1", "$ghost")
	ctx := context.Background()

	logger, hook := tutil.CapturingLogger()
	r := f.resolver(Config{Logger: logger})

	res, err := r.ResultWithGaps(ctx, room, []string{"$E2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"$E1"}, res.EventIDs)
	assert.Equal(t, []string{"$ghost"}, res.Missing)

	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Data["auth_event_id"] == "$ghost" {
			warned = true
		}
	}
	assert.True(t, warned, "missing auth event is logged at warn")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.caches.Metrics.MissingAuthEvents))
	assert.Equal(t, 0, f.caches.AuthChains.Len(), "incomplete chains are not cached")

	// the gap is filled by backfill
	f.events.add("$ghost", "$E1")
	res, err = r.ResultWithGaps(ctx, room, []string{"$E2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"$E1", "$ghost"}, res.EventIDs)
	assert.Empty(t, res.Missing)
}

func TestGetAuthChain_MissingStartingEvent(t *testing.T) {
	f := newFixture(t)

	res, err := f.resolver(Config{}).ResultWithGaps(context.Background(), room, []string{"$unknown"})
	require.NoError(t, err)
	assert.Empty(t, res.EventIDs)
	assert.Equal(t, []string{"$unknown"}, res.Missing)
}

func TestGetAuthChain_CrossRoom(t *testing.T) {
	f := newFixture(t)
	f.events.addIn("!other:example.org", "$foreign")
	f.events.add("$E1")
	f.events.add("$evil", "$E1", "$foreign")

	_, err := f.resolver(Config{}).GetAuthChain(context.Background(), room, []string{"$evil"})
	assert.ErrorIs(t, err, types.ErrCrossRoomAuth)

	_, err = f.resolver(Config{}).GetAuthChain(context.Background(), room, []string{"$foreign"})
	assert.ErrorIs(t, err, types.ErrCrossRoomAuth, "starting events are checked too")

	wp := workerpool.NewWorkerPool(workerpool.Config{WorkerCount: 4})
	defer wp.Close()
	starts := []string{"$E1", "$evil"}
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("$fine%d", i)
		f.events.add(id, "$E1")
		starts = append(starts, id)
	}
	_, err = f.uncached(t, Config{Pool: wp}).GetAuthChain(context.Background(), room, starts)
	assert.ErrorIs(t, err, types.ErrCrossRoomAuth)
}

func TestGetAuthChain_CachedChainKeepsRoomCheck(t *testing.T) {
	const other = "!other:example.org"
	f := newFixture(t)
	f.events.addIn(other, "$A1")
	f.events.addIn(other, "$A2", "$A1")
	ctx := context.Background()
	r := f.resolver(Config{})

	chain, err := r.GetAuthChain(ctx, other, []string{"$A2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"$A1"}, chain)

	_, err = r.GetAuthChain(ctx, room, []string{"$A2"})
	assert.ErrorIs(t, err, types.ErrCrossRoomAuth, "memory cache")
	_, err = r.GetAuthChain(ctx, room, []string{"$A1", "$A2"})
	assert.ErrorIs(t, err, types.ErrCrossRoomAuth, "bucket cache")

	// persisted chains of the other room must not answer either
	caches, err := cache.New(cache.Config{AuthChainCacheSize: 16})
	require.NoError(t, err)
	restarted := New(f.kv, f.events, interner.New(f.kv, caches, nil), caches, Config{Logger: tutil.NullLogger()})
	_, err = restarted.GetAuthChain(ctx, room, []string{"$A2"})
	assert.ErrorIs(t, err, types.ErrCrossRoomAuth, "persisted cache")

	chain, err = restarted.GetAuthChain(ctx, other, []string{"$A2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"$A1"}, chain)
}

func TestGetAuthChain_Cycle(t *testing.T) {
	f := newFixture(t)
	f.events.add("$A", "$B")
	f.events.add("$B", "$A")

	chain, err := f.resolver(Config{}).GetAuthChain(context.Background(), room, []string{"$A"})
	require.NoError(t, err)
	assert.Equal(t, []string{"$A", "$B"}, chain)
}

func TestGetAuthChain_PersistedSingletons(t *testing.T) {
	f := newFixture(t)
	f.events.add("$E1")
	f.events.add("$E2", "$E1")
	ctx := context.Background()

	_, err := f.resolver(Config{}).GetAuthChain(ctx, room, []string{"$E2"})
	require.NoError(t, err)
	walked := f.events.calls.Load()

	// restart: empty memory caches over the same store
	caches, err := cache.New(cache.Config{AuthChainCacheSize: 16})
	require.NoError(t, err)
	restarted := New(f.kv, f.events, interner.New(f.kv, caches, nil), caches, Config{Logger: tutil.NullLogger()})

	chain, err := restarted.GetAuthChain(ctx, room, []string{"$E2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"$E1"}, chain)
	assert.Equal(t, walked, f.events.calls.Load(), "answered without walking")
	assert.Equal(t, 1.0, testutil.ToFloat64(caches.Metrics.AuthChainLookups.WithLabelValues(cache.TierEvent, "hit")))
}

func TestGetAuthChain_BucketCacheHit(t *testing.T) {
	f := newFixture(t)
	f.events.add("$E1")
	f.events.add("$E2", "$E1")
	f.events.add("$E3", "$E2")
	ctx := context.Background()
	r := f.resolver(Config{Buckets: 1})

	_, err := r.GetAuthChain(ctx, room, []string{"$E2", "$E3"})
	require.NoError(t, err)
	calls := f.events.calls.Load()

	chain, err := r.GetAuthChain(ctx, room, []string{"$E3", "$E2", "$E3"})
	require.NoError(t, err)
	assert.Equal(t, []string{"$E1", "$E2"}, chain)
	assert.Equal(t, calls, f.events.calls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.caches.Metrics.AuthChainLookups.WithLabelValues(cache.TierBucket, "hit")))
}

func TestGetAuthChain_CancelledCallerStillCaches(t *testing.T) {
	f := newFixture(t)
	f.events.add("$E1")
	f.events.add("$E2", "$E1")
	f.events.gate = make(chan struct{})
	r := f.resolver(Config{})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := r.GetAuthChain(ctx, room, []string{"$E2"})
		errc <- err
	}()

	assert.Eventually(t, func() bool { return f.events.calls.Load() > 0 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	close(f.events.gate)
	assert.Eventually(t, func() bool { return f.caches.AuthChains.Len() > 0 }, 2*time.Second, 5*time.Millisecond)

	_, err := r.GetAuthChain(ctx, room, []string{"$E2"})
	assert.ErrorIs(t, err, context.Canceled, "a done context is rejected before any work")
}

func TestFollowEdge(t *testing.T) {
	events := newMapEvents()
	events.add("$here")
	events.addIn("!elsewhere:example.org", "$there")

	edge, err := FollowEdge(events, room, "$here")
	require.NoError(t, err)
	assert.Equal(t, EdgeFound, edge.Outcome)

	edge, err = FollowEdge(events, room, "$there")
	require.NoError(t, err)
	assert.Equal(t, EdgeCrossRoom, edge.Outcome)

	edge, err = FollowEdge(events, room, "$nowhere")
	require.NoError(t, err)
	assert.Equal(t, EdgeMissing, edge.Outcome)
	assert.Nil(t, edge.Event)
	assert.Equal(t, "missing", edge.Outcome.String())
}

// closure is the reference model: everything reachable in one or more steps.
func closure(graph map[string][]string, starts []string) []string {
	seen := map[string]bool{}
	stack := []string{}
	for _, s := range starts {
		stack = append(stack, graph[s]...)
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		if _, stored := graph[id]; !stored {
			continue
		}
		seen[id] = true
		stack = append(stack, graph[id]...)
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func TestGetAuthChain_Properties(t *testing.T) {
	wp := workerpool.NewWorkerPool(workerpool.Config{WorkerCount: 4})
	defer wp.Close()

	rapid.Check(t, func(t *rapid.T) {
		f := newFixture(t)
		ctx := context.Background()

		n := rapid.IntRange(1, 40).Draw(t, "events")
		graph := map[string][]string{}
		var all []string
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("$e%02d", i)
			var auth []string
			if i > 0 {
				for _, j := range rapid.SliceOfNDistinct(rapid.IntRange(0, i-1), 0, 4, rapid.ID[int]).Draw(t, "auth") {
					auth = append(auth, fmt.Sprintf("$e%02d", j))
				}
			}
			if rapid.IntRange(0, 9).Draw(t, "dangling") == 0 {
				auth = append(auth, fmt.Sprintf("$missing%d", i))
			}
			graph[id] = auth
			f.events.add(id, auth...)
			all = append(all, id)
		}

		b := rapid.SliceOfDistinct(rapid.SampledFrom(all), rapid.ID[string]).Draw(t, "B")
		a := b[:rapid.IntRange(0, len(b)).Draw(t, "lenA")]

		cached := f.resolver(Config{
			Buckets:    rapid.IntRange(1, 60).Draw(t, "buckets"),
			YieldEvery: rapid.IntRange(1, 5).Draw(t, "yield"),
		})
		chainA, err := cached.GetAuthChain(ctx, room, a)
		if err != nil {
			t.Fatalf("A: %v", err)
		}
		chainB, err := cached.GetAuthChain(ctx, room, b)
		if err != nil {
			t.Fatalf("B: %v", err)
		}
		again, err := cached.GetAuthChain(ctx, room, b)
		if err != nil {
			t.Fatalf("B again: %v", err)
		}
		fresh, err := f.uncached(t, Config{Buckets: 1}).GetAuthChain(ctx, room, b)
		if err != nil {
			t.Fatalf("fresh: %v", err)
		}
		parallel, err := f.uncached(t, Config{Pool: wp}).GetAuthChain(ctx, room, b)
		if err != nil {
			t.Fatalf("parallel: %v", err)
		}

		want := closure(graph, b)
		assert.Equal(t, want, chainB)
		assert.Equal(t, want, again)
		assert.Equal(t, want, fresh)
		assert.Equal(t, want, parallel)
		assert.Equal(t, closure(graph, a), chainA)

		inB := map[string]bool{}
		for _, id := range chainB {
			inB[id] = true
		}
		for _, id := range chainA {
			if !inB[id] {
				t.Fatalf("%s in auth_chain(A) but not in auth_chain(B)", id)
			}
		}
	})
}
