package keyValStore

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// ErrKeyNotFound is returned by Get when the key does not exist.
var ErrKeyNotFound = errors.New("keyValStore: key not found")

// Pair is one key/value pair of a batch write.
type Pair struct {
	Key   []byte
	Value []byte
}

// ScanFunc receives every visited pair. Key and value are copies owned by the
// callee. Returning false stops the scan. A ScanFunc must not write to the
// store it is scanning.
type ScanFunc func(key, value []byte) (bool, error)

// Store is the ordered byte-key store the event graph is built on. Nothing
// above this interface may depend on a particular engine.
type Store interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	// PutIfAbsent stores value unless key already exists. It returns the value
	// that is stored under key afterwards and whether this call inserted it.
	PutIfAbsent(key, value []byte) (stored []byte, inserted bool, err error)
	// WriteBatch writes all pairs atomically.
	WriteBatch(batch []Pair) error
	// InsertBatch writes all pairs atomically unless guard already exists,
	// in which case nothing is written and inserted is false.
	InsertBatch(guard []byte, batch []Pair) (inserted bool, err error)
	Delete(key []byte) error
	// Scan visits the keys carrying prefix in byte order, or in reverse order,
	// starting at from (inclusive). A nil from starts at the first (last) key
	// of the prefix range.
	Scan(prefix, from []byte, reverse bool, fn ScanFunc) error
	// Increment atomically advances the named counter and returns the new
	// value. The first value is 1 and values are never handed out twice, also
	// not across restarts.
	Increment(counter []byte) (uint64, error)
	Close() error
}

type Backend string

const (
	BackendBadger Backend = "badger"
	BackendBolt   Backend = "bolt"
	BackendMemory Backend = "memory"
)

type StoreConfig struct {
	Backend          Backend
	Paths            []string // absolute path at the moment only first path is supported
	MinimumFreeSpace int      // in GB
	SyncWrites       bool
	Logger           logrus.FieldLogger
}

// Open creates the store for the configured backend.
func Open(config StoreConfig) (Store, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}

	switch config.Backend {
	case BackendBadger, "":
		return NewKeyValStore(config)
	case BackendBolt:
		return NewBoltStore(config)
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", config.Backend)
	}
}

// prefixEnd returns the smallest key that is bigger than every key carrying
// prefix, or nil if there is none.
func prefixEnd(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// reverseSeekKey is the key a reverse iteration over prefix starts from.
func reverseSeekKey(prefix, from []byte) []byte {
	if from != nil {
		return from
	}
	if end := prefixEnd(prefix); end != nil {
		return end
	}
	return append(bytes.Clone(prefix), bytes.Repeat([]byte{0xff}, 16)...)
}

func forwardSeekKey(prefix, from []byte) []byte {
	if from != nil && bytes.Compare(from, prefix) > 0 {
		return from
	}
	return prefix
}
