package timeline

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-rooms/internal/keyValStore"
	"github.com/i5heu/ouroboros-rooms/internal/testutil"
	"github.com/i5heu/ouroboros-rooms/pkg/types"
)

func TestScanSince_Exclusive(t *testing.T) {
	testutil.ForEachBackend(t, func(t *testing.T, kv keyValStore.Store) {
		tl := newTestTimeline(t, kv, Config{PageSize: 3})
		ctx := context.Background()

		var keys []types.TimelineKey
		for i := 0; i < 10; i++ {
			key, err := tl.Append(ctx, room, event(fmt.Sprintf("$e%d", i)))
			require.NoError(t, err)
			keys = append(keys, key)
		}
		// noise in a second room must never show up
		other := event("$noise")
		other.RoomID = "!noise:example.org"
		_, err := tl.Append(ctx, other.RoomID, other)
		require.NoError(t, err)

		for i, since := range keys {
			fwd, err := tl.ScanSince(ctx, room, since.Count, types.Forward).Collect(0)
			require.NoError(t, err)
			require.Len(t, fwd, len(keys)-i-1)
			for j, e := range fwd {
				assert.Equal(t, keys[i+1+j].Count, e.Count)
				assert.Equal(t, fmt.Sprintf("$e%d", i+1+j), e.Event.EventID)
			}

			bwd, err := tl.ScanSince(ctx, room, since.Count, types.Backward).Collect(0)
			require.NoError(t, err)
			require.Len(t, bwd, i)
			for j, e := range bwd {
				assert.Equal(t, keys[i-1-j].Count, e.Count)
			}
		}

		all, err := tl.ScanSince(ctx, room, types.CountMax, types.Backward).Collect(0)
		require.NoError(t, err)
		assert.Len(t, all, len(keys))
		assert.Equal(t, "$e9", all[0].Event.EventID)
	})
}

func TestScanSince_Restartable(t *testing.T) {
	tl := newTestTimeline(t, keyValStore.NewMemoryStore(), Config{})
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		_, err := tl.Append(ctx, room, event(fmt.Sprintf("$e%d", i)))
		require.NoError(t, err)
	}

	first, err := tl.ScanSince(ctx, room, types.CountMin, types.Forward).Collect(3)
	require.NoError(t, err)
	require.Len(t, first, 3)

	rest, err := tl.ScanSince(ctx, room, first[2].Count, types.Forward).Collect(0)
	require.NoError(t, err)
	assert.Equal(t, []string{"$e3", "$e4", "$e5", "$e6"}, ids(rest))

	token, err := types.ParseCount(first[2].Count.String())
	require.NoError(t, err)
	assert.Equal(t, first[2].Count, token)
}

func TestScanSince_UnknownRoomAndCancel(t *testing.T) {
	tl := newTestTimeline(t, keyValStore.NewMemoryStore(), Config{PageSize: 1})
	ctx := context.Background()

	cur := tl.ScanSince(ctx, "!unknown:example.org", types.CountMin, types.Forward)
	assert.False(t, cur.Next())
	assert.NoError(t, cur.Err())

	for i := 0; i < 3; i++ {
		_, err := tl.Append(ctx, room, event(fmt.Sprintf("$e%d", i)))
		require.NoError(t, err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cur = tl.ScanSince(cancelled, room, types.CountMin, types.Forward)
	require.True(t, cur.Next())
	cancel()
	assert.False(t, cur.Next())
	assert.ErrorIs(t, cur.Err(), context.Canceled)
}

func TestScanSince_ViewerStripsTransactionID(t *testing.T) {
	kv := keyValStore.NewMemoryStore()
	tl := newTestTimeline(t, kv, Config{})
	ctx := context.Background()

	ev := event("$txn")
	ev.Unsigned = map[string]json.RawMessage{
		types.TransactionIDKey: json.RawMessage(`"m123"`),
		"age":                  json.RawMessage(`5`),
	}
	_, err := tl.Append(ctx, room, ev)
	require.NoError(t, err)

	own, err := tl.ScanSince(ctx, room, types.CountMin, types.Forward, WithViewer("@alice:example.org")).Collect(0)
	require.NoError(t, err)
	require.Len(t, own, 1)
	assert.Contains(t, own[0].Event.Unsigned, types.TransactionIDKey)

	foreign, err := tl.ScanSince(ctx, room, types.CountMin, types.Forward, WithViewer("@bob:example.org")).Collect(0)
	require.NoError(t, err)
	require.Len(t, foreign, 1)
	assert.NotContains(t, foreign[0].Event.Unsigned, types.TransactionIDKey)
	assert.Contains(t, foreign[0].Event.Unsigned, "age")

	stored, err := tl.GetByEventID("$txn")
	require.NoError(t, err)
	assert.Contains(t, stored.Unsigned, types.TransactionIDKey, "stored record is unchanged")
}
