package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ouroboros "github.com/i5heu/ouroboros-rooms"
	"github.com/i5heu/ouroboros-rooms/internal/keyValStore"
	"github.com/i5heu/ouroboros-rooms/internal/testutil"
)

const room = "!cli:example.org"

func roomInterned(t *testing.T, dir string) bool {
	t.Helper()
	e, err := ouroboros.New(ouroboros.Config{
		Paths:   []string{dir},
		Backend: keyValStore.BackendBolt,
		Logger:  testutil.NullLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	defer func() { assert.NoError(t, e.Close(context.Background())) }()

	_, ok, err := e.GetShortID(context.Background(), ouroboros.KindRoomID, room)
	require.NoError(t, err)
	return ok
}

func TestRoomctl_OnlyAuthChainWrites(t *testing.T) {
	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		base := []string{"roomctl", "--backend", "bolt", "--path", dir, "--log", "error"}
		require.NoError(t, newApp().Run(append(base, args...)))
	}

	run("stats", room)
	assert.False(t, roomInterned(t, dir), "stats must not intern ids")

	run("auth-chain", room, "$absent:example.org")
	assert.True(t, roomInterned(t, dir))
}

func TestRoomctl_UsageNamesWritingCommand(t *testing.T) {
	app := newApp()
	assert.Contains(t, app.Description, "auth-chain")
	assert.Contains(t, app.Description, "writes to the store")

	cmd := authChainCommand()
	assert.Contains(t, cmd.Usage, "persisting")
}
