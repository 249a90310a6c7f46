// Package stateCompressor stores room state snapshots as chains of deltas.
//
// A snapshot is identified by the content of the full state it represents:
// the sorted compressed entries are hashed and the hash is interned, so equal
// states share one snapshot ID. Each snapshot is persisted as a diff
// against a parent snapshot, or as a base without a parent:
//
//	statediff:<snapshot id BE> -> parent | added count | added | removed
//
// Resolving walks the parents down to a base and applies the diffs upwards.
package stateCompressor

import (
	"context"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-rooms/internal/cache"
	"github.com/i5heu/ouroboros-rooms/internal/interner"
	"github.com/i5heu/ouroboros-rooms/internal/keyValStore"
	"github.com/i5heu/ouroboros-rooms/internal/logging"
	"github.com/i5heu/ouroboros-rooms/pkg/encoding"
	"github.com/i5heu/ouroboros-rooms/pkg/types"
)

const (
	DefaultMaxLayers = 3

	prefixDiff = "statediff:"

	// every state change replaces one entry, which is one removal and one
	// addition
	initialDiffToSibling = 2

	// bounded probing for the rare 64-bit hash collision
	maxHashProbes = 8
)

type Identifiers interface {
	GetOrCreate(kind interner.Kind, full []byte) (types.ShortID, error)
	Get(kind interner.Kind, full []byte) (types.ShortID, bool, error)
	GetFull(kind interner.Kind, short types.ShortID) ([]byte, bool, error)
}

type Config struct {
	// MaxLayers is the delta chain depth from which new snapshots are folded
	// into the layer below them.
	MaxLayers int
	Logger    logrus.FieldLogger
}

type Compressor struct {
	kv     keyValStore.Store
	ids    Identifiers
	caches *cache.Caches
	config Config
	log    logrus.FieldLogger
}

func New(kv keyValStore.Store, ids Identifiers, caches *cache.Caches, config Config) *Compressor {
	if config.MaxLayers <= 0 {
		config.MaxLayers = DefaultMaxLayers
	}
	return &Compressor{
		kv:     kv,
		ids:    ids,
		caches: caches,
		config: config,
		log:    logging.Component(config.Logger, "state_compressor"),
	}
}

func diffKey(id types.SnapshotID) []byte {
	return encoding.Key(prefixDiff, encoding.PutUint64(nil, uint64(id)))
}

// StoreDelta stores the state that results from applying changed and removed
// to parent and returns its snapshot ID. A zero parent starts from the empty
// state. Storing a state that already exists returns the existing ID.
func (c *Compressor) StoreDelta(ctx context.Context, parent types.SnapshotID, changed map[types.StateKey]string, removed []types.StateKey) (types.SnapshotID, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	parents, err := c.layers(parent)
	if err != nil {
		return 0, errors.Wrap(err, "load parent state")
	}
	var parentFull map[types.ShortID]types.ShortID
	if len(parents) > 0 {
		parentFull = parents[len(parents)-1].full
	}

	full := make(map[types.ShortID]types.ShortID, len(parentFull)+len(changed))
	for k, v := range parentFull {
		full[k] = v
	}
	for _, sk := range removed {
		short, ok, err := c.ids.Get(interner.StateKey, stateKeyBytes(sk))
		if err != nil {
			return 0, err
		}
		if ok {
			delete(full, short)
		}
	}
	for _, sk := range sortedStateKeys(changed) {
		eventID := changed[sk]
		key, err := c.ids.GetOrCreate(interner.StateKey, stateKeyBytes(sk))
		if err != nil {
			return 0, err
		}
		ev, err := c.ids.GetOrCreate(interner.EventID, []byte(eventID))
		if err != nil {
			return 0, err
		}
		full[key] = ev
	}

	return c.store(full, parentFull, parents)
}

// StoreFull stores state as a whole. With a non-zero parent the state is
// stored as a delta against parent when that is smaller.
func (c *Compressor) StoreFull(ctx context.Context, parent types.SnapshotID, state map[types.StateKey]string) (types.SnapshotID, error) {
	var removed []types.StateKey
	if parent != 0 {
		current, err := c.Resolve(ctx, parent)
		if err != nil {
			return 0, err
		}
		for sk := range current {
			if _, ok := state[sk]; !ok {
				removed = append(removed, sk)
			}
		}
	}
	return c.StoreDelta(ctx, parent, state, removed)
}

func (c *Compressor) store(full, parentFull map[types.ShortID]types.ShortID, parents []*Layer) (types.SnapshotID, error) {
	id, existing, err := c.snapshotID(full)
	if err != nil {
		return 0, err
	}
	if existing {
		return id, nil
	}

	added := make(entrySet)
	removed := make(entrySet)
	for k, v := range parentFull {
		if nv, ok := full[k]; !ok || nv != v {
			removed[Entry{k, v}] = struct{}{}
		}
	}
	for k, v := range full {
		if pv, ok := parentFull[k]; !ok || pv != v {
			added[Entry{k, v}] = struct{}{}
		}
	}

	if err := c.saveFromDiff(id, added, removed, initialDiffToSibling, parents); err != nil {
		return 0, err
	}

	c.log.WithFields(logrus.Fields{
		logging.KeySnapshot: id,
		logging.KeyLayers:   len(parents) + 1,
	}).Debug("stored state snapshot")
	return id, nil
}

// snapshotID interns the content hash of full. existing reports that a
// snapshot with exactly this content is already stored.
func (c *Compressor) snapshotID(full map[types.ShortID]types.ShortID) (types.SnapshotID, bool, error) {
	entries := make([]Entry, 0, len(full))
	for k, v := range full {
		entries = append(entries, Entry{k, v})
	}
	sortEntries(entries)

	h := xxhash.New()
	var buf []byte
	for _, e := range entries {
		buf = appendEntry(buf[:0], e)
		_, _ = h.Write(buf)
	}
	sum := encoding.PutUint64(nil, h.Sum64())

	for probe := 0; probe < maxHashProbes; probe++ {
		hashKey := append(append([]byte(nil), sum...), byte(probe))
		short, err := c.ids.GetOrCreate(interner.StateHash, hashKey)
		if err != nil {
			return 0, false, err
		}
		id := types.SnapshotID(short)

		stored, err := c.layers(id)
		if errors.Is(err, types.ErrSnapshotNotFound) {
			// new, or interned by a writer that did not get to store it
			return id, false, nil
		}
		if err != nil {
			return 0, false, err
		}
		if sameState(stored[len(stored)-1].full, full) {
			return id, true, nil
		}
		c.log.WithField(logging.KeySnapshot, id).Warn("state hash collision")
	}
	return 0, false, fmt.Errorf("state hash collides %d times", maxHashProbes)
}

func sameState(a, b map[types.ShortID]types.ShortID) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

// Resolve returns the full state of a snapshot keyed by state key, with the
// short ID of the event that set each entry.
func (c *Compressor) Resolve(ctx context.Context, id types.SnapshotID) (types.StateMap, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	chain, err := c.layers(id)
	if err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		return types.StateMap{}, nil
	}

	top := chain[len(chain)-1]
	out := make(types.StateMap, len(top.full))
	for k, v := range top.full {
		sk, err := c.stateKey(k)
		if err != nil {
			return nil, err
		}
		out[sk] = v
	}
	return out, nil
}

// ResolveEventIDs is Resolve with full event IDs.
func (c *Compressor) ResolveEventIDs(ctx context.Context, id types.SnapshotID) (map[types.StateKey]string, error) {
	state, err := c.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make(map[types.StateKey]string, len(state))
	for sk, short := range state {
		eventID, err := c.eventID(short)
		if err != nil {
			return nil, err
		}
		out[sk] = eventID
	}
	return out, nil
}

// Lookup returns the event ID that set one state key in a snapshot.
func (c *Compressor) Lookup(ctx context.Context, id types.SnapshotID, eventType, stateKey string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	key, ok, err := c.ids.Get(interner.StateKey, stateKeyBytes(types.StateKey{Type: eventType, StateKey: stateKey}))
	if err != nil || !ok {
		return "", false, err
	}
	chain, err := c.layers(id)
	if err != nil || len(chain) == 0 {
		return "", false, err
	}
	short, ok := chain[len(chain)-1].full[key]
	if !ok {
		return "", false, nil
	}
	eventID, err := c.eventID(short)
	return eventID, err == nil, err
}

// Layers returns the loaded delta chain of a snapshot, base first.
func (c *Compressor) Layers(ctx context.Context, id types.SnapshotID) ([]*Layer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.layers(id)
}

// Rebase rewrites a snapshot as a base holding its full state. The snapshot
// keeps its ID; it and its descendants resolve to the same states as before.
func (c *Compressor) Rebase(ctx context.Context, id types.SnapshotID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chain, err := c.layers(id)
	if err != nil {
		return err
	}
	if len(chain) == 0 {
		return fmt.Errorf("%w: %d", types.ErrSnapshotNotFound, id)
	}
	top := chain[len(chain)-1]
	if top.Parent == 0 {
		return nil
	}

	entries := make([]Entry, 0, len(top.full))
	for k, v := range top.full {
		entries = append(entries, Entry{k, v})
	}
	sortEntries(entries)
	if err := c.kv.Put(diffKey(id), diffRecord{added: entries}.marshal()); err != nil {
		return errors.Wrapf(err, "rebase state snapshot %d", id)
	}

	// cached chains of descendants still describe the old layering
	c.caches.StateLayers.Purge()
	c.log.WithFields(logrus.Fields{
		logging.KeySnapshot: id,
		logging.KeyLayers:   len(chain),
	}).Info("rebased state snapshot")
	return nil
}

func (c *Compressor) stateKey(short types.ShortID) (types.StateKey, error) {
	full, ok, err := c.ids.GetFull(interner.StateKey, short)
	if err != nil {
		return types.StateKey{}, err
	}
	if !ok {
		return types.StateKey{}, fmt.Errorf("%w: state key %d has no full form", types.ErrCorrupt, short)
	}
	return parseStateKey(full)
}

func (c *Compressor) eventID(short types.ShortID) (string, error) {
	full, ok, err := c.ids.GetFull(interner.EventID, short)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: event %d has no event id", types.ErrCorrupt, short)
	}
	return string(full), nil
}

// sortedStateKeys orders state keys by type, then state key.
func sortedStateKeys(state map[types.StateKey]string) []types.StateKey {
	keys := make([]types.StateKey, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Type != keys[j].Type {
			return keys[i].Type < keys[j].Type
		}
		return keys[i].StateKey < keys[j].StateKey
	})
	return keys
}
