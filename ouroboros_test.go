package ouroboros

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-rooms/internal/keyValStore"
	"github.com/i5heu/ouroboros-rooms/internal/testutil"
	"github.com/i5heu/ouroboros-rooms/pkg/types"
)

const room = "!room:example.org"

func pdu(id string, auth ...string) *types.Event {
	return &types.Event{
		EventID:    id,
		RoomID:     room,
		Sender:     "@alice:example.org",
		Type:       "m.room.message",
		Content:    json.RawMessage(`{"body":"hello"}`),
		AuthEvents: auth,
	}
}

func startEngine(t *testing.T, conf Config) *Engine {
	t.Helper()
	if conf.Logger == nil {
		conf.Logger = testutil.NullLogger()
	}
	e, err := New(conf)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

func TestNew_RequiresPath(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{Backend: keyValStore.BackendMemory})
	assert.NoError(t, err)
}

func TestEngine_Lifecycle(t *testing.T) {
	ctx := context.Background()
	e, err := New(Config{Paths: []string{t.TempDir()}, Logger: testutil.NullLogger()})
	require.NoError(t, err)

	_, err = e.GetOrCreateShortID(ctx, KindRoomID, room)
	assert.ErrorIs(t, err, ErrNotStarted)
	cur := e.ScanSince(ctx, room, types.CountMin, types.Forward)
	assert.False(t, cur.Next())
	assert.ErrorIs(t, cur.Err(), ErrNotStarted)

	require.NoError(t, e.Start(ctx))
	require.NoError(t, e.Start(ctx), "second start is a no-op")

	short, err := e.GetOrCreateShortID(ctx, KindRoomID, room)
	require.NoError(t, err)
	full, ok, err := e.GetFullID(ctx, KindRoomID, short)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, room, full)

	require.NoError(t, e.Close(ctx))
	require.NoError(t, e.Close(ctx), "close is idempotent")

	_, _, err = e.GetShortID(ctx, KindRoomID, room)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = e.GetAuthChain(ctx, room, []string{"$x"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestEngine_Run(t *testing.T) {
	e, err := New(Config{Backend: keyValStore.BackendMemory, Logger: testutil.NullLogger()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool { return e.started.Load() }, time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	_, err = e.CacheStats()
	assert.ErrorIs(t, err, ErrClosed)
}

// E1 <- E2 <- E3 with E3 also authorised by E1. The chain must be the same
// for any bucket count and across a restart.
func TestEngine_AuthChainRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	e := startEngine(t, Config{Paths: []string{dir}, Registerer: prometheus.NewRegistry()})
	for _, ev := range []*types.Event{pdu("$e1"), pdu("$e2", "$e1"), pdu("$e3", "$e1", "$e2")} {
		_, err := e.AppendEvent(ctx, room, ev)
		require.NoError(t, err)
	}

	chain, err := e.GetAuthChain(ctx, room, []string{"$e3"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"$e1", "$e2"}, chain)

	cached, err := e.GetAuthChain(ctx, room, []string{"$e3"})
	require.NoError(t, err)
	assert.Equal(t, chain, cached)
	require.NoError(t, e.Close(ctx))

	single := startEngine(t, Config{Paths: []string{dir}, AuthChainBuckets: 1, AuthChainCacheSize: -1})
	again, err := single.GetAuthChain(ctx, room, []string{"$e3"})
	require.NoError(t, err)
	assert.Equal(t, chain, again)

	got, err := single.GetEventByID(ctx, "$e2")
	require.NoError(t, err)
	assert.Equal(t, []string{"$e1"}, got.AuthEvents)
}

func TestEngine_DanglingAuthEvent(t *testing.T) {
	ctx := context.Background()
	e := startEngine(t, Config{Backend: keyValStore.BackendMemory, AuthChainWorkers: 4})

	_, err := e.AppendEvent(ctx, room, pdu("$e2", "$gone"))
	require.NoError(t, err)

	res, err := e.GetAuthChainWithGaps(ctx, room, []string{"$e2"})
	require.NoError(t, err)
	assert.Empty(t, res.EventIDs)
	assert.Equal(t, []string{"$gone"}, res.Missing)

	require.NoError(t, e.AddOutlier(ctx, pdu("$gone")))
	chain, err := e.GetAuthChain(ctx, room, []string{"$e2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"$gone"}, chain)
}

func TestEngine_Timeline(t *testing.T) {
	ctx := context.Background()
	e := startEngine(t, Config{Backend: keyValStore.BackendMemory})

	first, err := e.AppendEvent(ctx, room, pdu("$a"))
	require.NoError(t, err)
	_, err = e.AppendEvent(ctx, room, pdu("$b"))
	require.NoError(t, err)
	_, err = e.AppendBackfilledEvent(ctx, room, pdu("$old"))
	require.NoError(t, err)

	ev, err := e.GetEventByKey(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, "$a", ev.EventID)

	entries, err := e.ScanSince(ctx, room, types.CountMin, types.Forward).Collect(0)
	require.NoError(t, err)
	var ids []string
	for _, entry := range entries {
		ids = append(ids, entry.Event.EventID)
	}
	assert.Equal(t, []string{"$old", "$a", "$b"}, ids)

	latest, ok, err := e.LatestCount(ctx, room)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, entries[2].Count, latest)
}

func TestEngine_StateCompaction(t *testing.T) {
	ctx := context.Background()
	e := startEngine(t, Config{Paths: []string{t.TempDir()}, Backend: keyValStore.BackendBolt})

	nameKey := types.StateKey{Type: "m.room.name"}
	topicKey := types.StateKey{Type: "m.room.topic"}

	s0, err := e.StoreStateDelta(ctx, 0, map[types.StateKey]string{nameKey: "$e1"}, nil)
	require.NoError(t, err)
	s1, err := e.StoreStateDelta(ctx, s0, map[types.StateKey]string{nameKey: "$e2"}, nil)
	require.NoError(t, err)
	s2, err := e.StoreStateDelta(ctx, s1, map[types.StateKey]string{topicKey: "$e3"}, nil)
	require.NoError(t, err)

	want := map[types.StateKey]string{nameKey: "$e2", topicKey: "$e3"}
	got, err := e.ResolveState(ctx, s2)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	require.NoError(t, e.RebaseState(ctx, s2))
	got, err = e.ResolveState(ctx, s2)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	layers, err := e.StateLayers(ctx, s2)
	require.NoError(t, err)
	require.Len(t, layers, 1)
	assert.Equal(t, LayerInfo{ID: s2, Added: 2}, layers[0])

	old, err := e.ResolveState(ctx, s0)
	require.NoError(t, err)
	assert.Equal(t, map[types.StateKey]string{nameKey: "$e1"}, old)

	topic, ok, err := e.LookupState(ctx, s2, "m.room.topic", "")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "$e3", topic)

	require.NoError(t, e.SetRoomState(ctx, room, s2))
	require.NoError(t, e.SetEventState(ctx, "$e3", s1))

	current, ok, err := e.RoomState(ctx, room)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, s2, current)

	before, ok, err := e.StateAtEvent(ctx, "$e3")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, s1, before)
}

func TestConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rooms.yaml")
	yaml := "storage:\n  backend: bolt\n  paths: [" + dir + "]\n  gcInterval: 5m\n  statsInterval: 1m\nlog:\n  level: debug\n  format: json\n" +
		"cache:\n  authChains: -1\nauthChain:\n  buckets: 10\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	conf, err := ConfigFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, keyValStore.BackendBolt, conf.Backend)
	assert.Equal(t, []string{dir}, conf.Paths)
	assert.Equal(t, 10, conf.AuthChainBuckets)
	assert.Equal(t, 5*time.Minute, conf.GarbageCollectionInterval)
	assert.Equal(t, time.Minute, conf.StatsInterval)

	log, ok := conf.Logger.(*logrus.Logger)
	require.True(t, ok)
	assert.Equal(t, logrus.DebugLevel, log.Level)

	conf.applyDefaults()
	assert.Equal(t, 0, conf.AuthChainCacheSize)
	assert.Equal(t, DefaultShortIDCacheSize, conf.ShortIDCacheSize)
}
