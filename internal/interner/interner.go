// Package interner maps full identifiers (event IDs, room IDs, state keys,
// state hashes) to compact 64-bit short IDs and back.
//
// Short IDs of every kind are drawn from one global counter, so they are
// unique server wide, monotonic in creation order and never reused. The
// mapping is persisted in both directions:
//
//	shortid:<kind>:<full>      -> uint64 big endian
//	fullid:<kind>:<uint64 BE>  -> full identifier
package interner

import (
	"bytes"
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/i5heu/ouroboros-rooms/internal/cache"
	"github.com/i5heu/ouroboros-rooms/internal/keyValStore"
	"github.com/i5heu/ouroboros-rooms/internal/logging"
	"github.com/i5heu/ouroboros-rooms/pkg/encoding"
	"github.com/i5heu/ouroboros-rooms/pkg/types"
)

// Kind separates the identifier spaces. The same full bytes interned under
// two kinds are two independent identifiers.
type Kind byte

const (
	EventID   Kind = 'e'
	RoomID    Kind = 'r'
	StateKey  Kind = 's'
	StateHash Kind = 'h'
)

func (k Kind) String() string {
	switch k {
	case EventID:
		return "event_id"
	case RoomID:
		return "room_id"
	case StateKey:
		return "state_key"
	case StateHash:
		return "state_hash"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

func (k Kind) valid() bool {
	switch k {
	case EventID, RoomID, StateKey, StateHash:
		return true
	}
	return false
}

// GlobalCounter is the counter every short ID and every timeline count is
// drawn from.
var GlobalCounter = []byte("counter:global")

const (
	prefixShortID = "shortid:"
	prefixFullID  = "fullid:"
)

type Interner struct {
	kv     keyValStore.Store
	caches *cache.Caches
	log    logrus.FieldLogger
	group  singleflight.Group
}

func New(kv keyValStore.Store, caches *cache.Caches, log logrus.FieldLogger) *Interner {
	return &Interner{
		kv:     kv,
		caches: caches,
		log:    logging.Component(log, "interner"),
	}
}

type fullKey struct {
	kind Kind
	full string
}

type shortKey struct {
	kind  Kind
	short types.ShortID
}

func shortIDKey(kind Kind, full []byte) []byte {
	return encoding.Key(prefixShortID, []byte{byte(kind), ':'}, full)
}

func fullIDKey(kind Kind, short types.ShortID) []byte {
	return encoding.Key(prefixFullID, []byte{byte(kind), ':'}, encoding.PutUint64(nil, uint64(short)))
}

// Get returns the short ID of full if one was ever issued. It never creates.
func (in *Interner) Get(kind Kind, full []byte) (types.ShortID, bool, error) {
	if !kind.valid() {
		return 0, false, fmt.Errorf("interner: invalid kind %v", kind)
	}
	if v, ok := in.caches.ShortByFull.Get(fullKey{kind, string(full)}); ok {
		return v.(types.ShortID), true, nil
	}

	raw, err := in.kv.Get(shortIDKey(kind, full))
	if errors.Is(err, keyValStore.ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrapf(err, "get short id of %s %q", kind, full)
	}

	id, err := decodeShortID(raw)
	if err != nil {
		return 0, false, errors.Wrapf(err, "short id of %s %q", kind, full)
	}
	in.remember(kind, full, id)
	return id, true, nil
}

// GetFull returns the full identifier a short ID was issued for.
func (in *Interner) GetFull(kind Kind, short types.ShortID) ([]byte, bool, error) {
	if !kind.valid() {
		return nil, false, fmt.Errorf("interner: invalid kind %v", kind)
	}
	if v, ok := in.caches.FullByShort.Get(shortKey{kind, short}); ok {
		return []byte(v.(string)), true, nil
	}

	full, err := in.kv.Get(fullIDKey(kind, short))
	if errors.Is(err, keyValStore.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "get full id of %s %d", kind, short)
	}
	in.remember(kind, full, short)
	return full, true, nil
}

// GetOrCreate returns the short ID of full, issuing a new one on first use.
// Concurrent callers for the same identifier, in this process or another one
// sharing the store, all observe the same value.
func (in *Interner) GetOrCreate(kind Kind, full []byte) (types.ShortID, error) {
	id, ok, err := in.Get(kind, full)
	if err != nil || ok {
		return id, err
	}

	v, err, _ := in.group.Do(string(kind)+string(full), func() (interface{}, error) {
		return in.create(kind, full)
	})
	if err != nil {
		return 0, err
	}
	return v.(types.ShortID), nil
}

// GetOrCreateMany interns a batch of identifiers of one kind. The result is
// index aligned with fulls.
func (in *Interner) GetOrCreateMany(kind Kind, fulls [][]byte) ([]types.ShortID, error) {
	out := make([]types.ShortID, len(fulls))
	for i, full := range fulls {
		id, err := in.GetOrCreate(kind, full)
		if err != nil {
			return nil, err
		}
		out[i] = id
	}
	return out, nil
}

func (in *Interner) create(kind Kind, full []byte) (types.ShortID, error) {
	n, err := in.kv.Increment(GlobalCounter)
	if err != nil {
		return 0, errors.Wrap(err, "reserve short id")
	}
	candidate := types.ShortID(n)

	// The reverse mapping goes first. A crash before the forward mapping is
	// written leaves an unreachable fullid entry, never a forward mapping
	// without its reverse.
	if err := in.kv.Put(fullIDKey(kind, candidate), bytes.Clone(full)); err != nil {
		return 0, errors.Wrapf(err, "store full id of %s %d", kind, candidate)
	}

	stored, inserted, err := in.kv.PutIfAbsent(shortIDKey(kind, full), encoding.PutUint64(nil, n))
	if err != nil {
		return 0, errors.Wrapf(err, "store short id of %s %q", kind, full)
	}

	if !inserted {
		if err := in.kv.Delete(fullIDKey(kind, candidate)); err != nil {
			in.log.WithError(err).WithField(logging.KeyShortID, candidate).Warn("could not remove unused reverse mapping")
		}
		winner, err := decodeShortID(stored)
		if err != nil {
			return 0, errors.Wrapf(err, "short id of %s %q", kind, full)
		}
		in.remember(kind, full, winner)
		return winner, nil
	}

	in.caches.Metrics.ShortIDsCreated.WithLabelValues(kind.String()).Inc()
	in.remember(kind, full, candidate)
	return candidate, nil
}

func (in *Interner) remember(kind Kind, full []byte, id types.ShortID) {
	in.caches.ShortByFull.Add(fullKey{kind, string(full)}, id)
	in.caches.FullByShort.Add(shortKey{kind, id}, string(full))
}

func decodeShortID(raw []byte) (types.ShortID, error) {
	n, err := encoding.Uint64(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", types.ErrCorrupt, err)
	}
	return types.ShortID(n), nil
}
