package stateCompressor

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/i5heu/ouroboros-rooms/internal/keyValStore"
	"github.com/i5heu/ouroboros-rooms/pkg/types"
)

// Layer is one loaded snapshot of a delta chain. Layers are shared through
// the layer cache and must not be modified.
type Layer struct {
	ID      types.SnapshotID
	Parent  types.SnapshotID // zero for a base
	Added   []Entry
	Removed []Entry

	full map[types.ShortID]types.ShortID
}

// Full returns a copy of the state after this layer: short state key to
// short event ID.
func (l *Layer) Full() map[types.ShortID]types.ShortID {
	out := make(map[types.ShortID]types.ShortID, len(l.full))
	for k, v := range l.full {
		out[k] = v
	}
	return out
}

func (l *Layer) Len() int { return len(l.full) }

func (l *Layer) diffSize() int { return len(l.Added) + len(l.Removed) }

func buildLayer(id types.SnapshotID, d diffRecord, parent *Layer) *Layer {
	l := &Layer{ID: id, Parent: d.parent, Added: d.added, Removed: d.removed}
	if parent == nil {
		l.full = make(map[types.ShortID]types.ShortID, len(d.added))
	} else {
		l.full = parent.Full()
		for _, e := range d.removed {
			if l.full[e.StateKey] == e.Event {
				delete(l.full, e.StateKey)
			}
		}
	}
	for _, e := range d.added {
		l.full[e.StateKey] = e.Event
	}
	return l
}

// layers loads the chain of id from its base up to id itself.
func (c *Compressor) layers(id types.SnapshotID) ([]*Layer, error) {
	if id == 0 {
		return nil, nil
	}
	if v, ok := c.caches.StateLayers.Get(id); ok {
		return v.([]*Layer), nil
	}

	// walk up to a base or a cached ancestor
	var records []diffRecord
	var ids []types.SnapshotID
	var below []*Layer
	seen := make(map[types.SnapshotID]struct{})
	for cur := id; cur != 0; {
		if _, loop := seen[cur]; loop {
			return nil, fmt.Errorf("%w: state snapshot %d is its own ancestor", types.ErrCorrupt, cur)
		}
		seen[cur] = struct{}{}

		if cur != id {
			if v, ok := c.caches.StateLayers.Get(cur); ok {
				below = v.([]*Layer)
				break
			}
		}

		d, err := c.loadDiff(cur)
		if err != nil {
			return nil, err
		}
		records = append(records, d)
		ids = append(ids, cur)
		cur = d.parent
	}

	chain := make([]*Layer, len(below), len(below)+len(records))
	copy(chain, below)
	for i := len(records) - 1; i >= 0; i-- {
		var parent *Layer
		if len(chain) > 0 {
			parent = chain[len(chain)-1]
		}
		chain = append(chain, buildLayer(ids[i], records[i], parent))
		c.caches.StateLayers.Add(ids[i], chain[:len(chain):len(chain)])
	}

	c.caches.Metrics.StateLayers.Observe(float64(len(chain)))
	return chain, nil
}

func (c *Compressor) loadDiff(id types.SnapshotID) (diffRecord, error) {
	raw, err := c.kv.Get(diffKey(id))
	if errors.Is(err, keyValStore.ErrKeyNotFound) {
		return diffRecord{}, fmt.Errorf("%w: %d", types.ErrSnapshotNotFound, id)
	}
	if err != nil {
		return diffRecord{}, errors.Wrapf(err, "load state snapshot %d", id)
	}
	d, err := unmarshalDiff(raw)
	if err != nil {
		return diffRecord{}, errors.Wrapf(err, "state snapshot %d", id)
	}
	return d, nil
}

// saveFromDiff stores id as added/removed against the top of parents. Deep
// chains, and diffs that are big compared to the parent diff, are folded
// into the parent layer, so the new snapshot is stored against the
// grandparent instead. That repeats until the diff fits or it becomes a base.
func (c *Compressor) saveFromDiff(id types.SnapshotID, added, removed entrySet, diffToSibling int, parents []*Layer) error {
	diffSum := len(added) + len(removed)

	if len(parents) > c.config.MaxLayers {
		parent := parents[len(parents)-1]
		added, removed = foldInto(parent, added, removed)
		return c.saveFromDiff(id, added, removed, diffSum, parents[:len(parents)-1])
	}

	if len(parents) == 0 {
		return c.writeDiff(id, diffRecord{added: added.sorted()})
	}

	parent := parents[len(parents)-1]
	if diffSum*diffSum >= 2*diffToSibling*parent.diffSize() {
		added, removed = foldInto(parent, added, removed)
		return c.saveFromDiff(id, added, removed, diffSum, parents[:len(parents)-1])
	}

	return c.writeDiff(id, diffRecord{parent: parent.ID, added: added.sorted(), removed: removed.sorted()})
}

// foldInto combines the diff of parent with the diff on top of it into one
// diff against the parent's parent.
func foldInto(parent *Layer, added, removed entrySet) (entrySet, entrySet) {
	outAdded := newEntrySet(parent.Added)
	outRemoved := newEntrySet(parent.Removed)
	for e := range removed {
		if _, ok := outAdded[e]; ok {
			delete(outAdded, e)
		} else {
			outRemoved[e] = struct{}{}
		}
	}
	for e := range added {
		if _, ok := outRemoved[e]; ok {
			delete(outRemoved, e)
		} else {
			outAdded[e] = struct{}{}
		}
	}
	return outAdded, outRemoved
}

func (c *Compressor) writeDiff(id types.SnapshotID, d diffRecord) error {
	if _, _, err := c.kv.PutIfAbsent(diffKey(id), d.marshal()); err != nil {
		return errors.Wrapf(err, "store state snapshot %d", id)
	}
	return nil
}
