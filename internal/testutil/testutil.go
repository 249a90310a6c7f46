// Package testutil holds helpers shared by the package tests.
package testutil

import (
	"flag"
	"testing"

	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-rooms/internal/keyValStore"
)

var RunLong = flag.Bool("long", false, "run long/heavy tests")

func RequireLong(t *testing.T) {
	t.Helper()
	if !*RunLong {
		t.Skip("skipping long test (use -long to enable)")
	}
}

func IsLongEnabled() bool {
	return *RunLong
}

// Backends lists every storage backend the engine can run on.
var Backends = []keyValStore.Backend{
	keyValStore.BackendBadger,
	keyValStore.BackendBolt,
	keyValStore.BackendMemory,
}

// OpenStore opens a store of the given backend in a temporary directory that
// is removed with the test.
func OpenStore(t testing.TB, backend keyValStore.Backend) keyValStore.Store {
	t.Helper()
	store, err := keyValStore.Open(keyValStore.StoreConfig{
		Backend: backend,
		Paths:   []string{t.TempDir()},
		Logger:  NullLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// ForEachBackend runs fn once per backend as a subtest.
func ForEachBackend(t *testing.T, fn func(t *testing.T, store keyValStore.Store)) {
	for _, backend := range Backends {
		backend := backend
		t.Run(string(backend), func(t *testing.T) {
			fn(t, OpenStore(t, backend))
		})
	}
}

// NullLogger discards everything.
func NullLogger() logrus.FieldLogger {
	logger, _ := logrustest.NewNullLogger()
	return logger
}

// CapturingLogger returns a logger whose entries can be inspected.
func CapturingLogger() (*logrus.Logger, *logrustest.Hook) {
	logger, hook := logrustest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return logger, hook
}
