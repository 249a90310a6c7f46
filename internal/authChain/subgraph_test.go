package authChain

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-rooms/pkg/types"
)

func TestConflictedSubgraph(t *testing.T) {
	f := newFixture(t)
	f.events.add("$create")
	f.events.add("$name1", "$create")
	f.events.add("$join", "$name1")
	f.events.add("$name2", "$join", "$create")
	f.events.add("$topic", "$create")

	conflicted := map[types.StateKey][]string{
		{Type: "m.room.name"}:  {"$name1", "$name2"},
		{Type: "m.room.topic"}: {"$topic"},
	}
	got, err := f.resolver(Config{}).ConflictedSubgraph(context.Background(), room, conflicted)
	require.NoError(t, err)
	// $topic has no path to another conflicted event, $create is below all of them
	assert.Equal(t, []string{"$join", "$name1", "$name2"}, got)
}

func TestConflictedSubgraph_Diamond(t *testing.T) {
	f := newFixture(t)
	f.events.add("$root")
	f.events.add("$left", "$root")
	f.events.add("$right", "$root")
	f.events.add("$top", "$left", "$right")
	f.events.add("$side", "$root")

	conflicted := map[types.StateKey][]string{
		{Type: "m.room.power_levels"}: {"$top", "$root"},
	}
	got, err := f.resolver(Config{}).ConflictedSubgraph(context.Background(), room, conflicted)
	require.NoError(t, err)
	assert.Equal(t, []string{"$left", "$right", "$root", "$top"}, got)
}

func TestConflictedSubgraph_Errors(t *testing.T) {
	f := newFixture(t)
	f.events.add("$a", "$ghost")
	f.events.addIn("!other:example.org", "$foreign")
	f.events.add("$b", "$foreign")
	r := f.resolver(Config{})
	ctx := context.Background()

	_, err := r.ConflictedSubgraph(ctx, room, map[types.StateKey][]string{{Type: "x"}: {"$a"}})
	assert.ErrorIs(t, err, types.ErrMissingAuthEvent)

	_, err = r.ConflictedSubgraph(ctx, room, map[types.StateKey][]string{{Type: "x"}: {"$b"}})
	assert.ErrorIs(t, err, types.ErrCrossRoomAuth)

	got, err := r.ConflictedSubgraph(ctx, room, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}
