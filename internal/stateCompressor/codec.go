package stateCompressor

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/i5heu/ouroboros-rooms/pkg/encoding"
	"github.com/i5heu/ouroboros-rooms/pkg/types"
)

const entrySize = 16

// Entry is one compressed state entry: which event set which state key.
type Entry struct {
	StateKey types.ShortID
	Event    types.ShortID
}

func (e Entry) less(o Entry) bool {
	if e.StateKey != o.StateKey {
		return e.StateKey < o.StateKey
	}
	return e.Event < o.Event
}

type entrySet map[Entry]struct{}

func newEntrySet(entries []Entry) entrySet {
	set := make(entrySet, len(entries))
	for _, e := range entries {
		set[e] = struct{}{}
	}
	return set
}

func (s entrySet) sorted() []Entry {
	out := make([]Entry, 0, len(s))
	for e := range s {
		out = append(out, e)
	}
	sortEntries(out)
	return out
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].less(entries[j]) })
}

// diffRecord is the persisted form of one snapshot:
//
//	parent u64 | added count u64 | added entries | removed entries
type diffRecord struct {
	parent  types.SnapshotID
	added   []Entry
	removed []Entry
}

func (d diffRecord) marshal() []byte {
	buf := make([]byte, 0, 16+entrySize*(len(d.added)+len(d.removed)))
	buf = encoding.PutUint64(buf, uint64(d.parent))
	buf = encoding.PutUint64(buf, uint64(len(d.added)))
	for _, e := range d.added {
		buf = appendEntry(buf, e)
	}
	for _, e := range d.removed {
		buf = appendEntry(buf, e)
	}
	return buf
}

func appendEntry(buf []byte, e Entry) []byte {
	buf = encoding.PutUint64(buf, uint64(e.StateKey))
	return encoding.PutUint64(buf, uint64(e.Event))
}

func unmarshalDiff(raw []byte) (diffRecord, error) {
	if len(raw) < 16 || (len(raw)-16)%entrySize != 0 {
		return diffRecord{}, fmt.Errorf("%w: state diff of %d bytes", types.ErrCorrupt, len(raw))
	}
	parent, _ := encoding.Uint64(raw[:8])
	addedCount, _ := encoding.Uint64(raw[8:16])
	body := raw[16:]
	total := uint64(len(body) / entrySize)
	if addedCount > total {
		return diffRecord{}, fmt.Errorf("%w: state diff claims %d added of %d entries", types.ErrCorrupt, addedCount, total)
	}

	entries := make([]Entry, total)
	for i := range entries {
		k, _ := encoding.Uint64(body[i*entrySize : i*entrySize+8])
		v, _ := encoding.Uint64(body[i*entrySize+8 : (i+1)*entrySize])
		entries[i] = Entry{StateKey: types.ShortID(k), Event: types.ShortID(v)}
	}
	return diffRecord{
		parent:  types.SnapshotID(parent),
		added:   entries[:addedCount],
		removed: entries[addedCount:],
	}, nil
}

// stateKeyBytes is the interned form of a state key: uvarint length of the
// type, the type, then the state key. Both parts may hold any byte.
func stateKeyBytes(sk types.StateKey) []byte {
	b := make([]byte, 0, binary.MaxVarintLen64+len(sk.Type)+len(sk.StateKey))
	b = binary.AppendUvarint(b, uint64(len(sk.Type)))
	b = append(b, sk.Type...)
	return append(b, sk.StateKey...)
}

func parseStateKey(b []byte) (types.StateKey, error) {
	n, size := binary.Uvarint(b)
	if size <= 0 || n > uint64(len(b)-size) {
		return types.StateKey{}, fmt.Errorf("%w: state key %q", types.ErrCorrupt, b)
	}
	rest := b[size:]
	return types.StateKey{Type: string(rest[:n]), StateKey: string(rest[n:])}, nil
}
