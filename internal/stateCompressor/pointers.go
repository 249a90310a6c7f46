package stateCompressor

import (
	"context"

	"github.com/pkg/errors"

	"github.com/i5heu/ouroboros-rooms/internal/interner"
	"github.com/i5heu/ouroboros-rooms/internal/keyValStore"
	"github.com/i5heu/ouroboros-rooms/pkg/encoding"
	"github.com/i5heu/ouroboros-rooms/pkg/types"
)

const (
	prefixEventState = "eventstate:"
	prefixRoomState  = "roomstate:"
)

// SetEventState records the state snapshot before eventID.
func (c *Compressor) SetEventState(ctx context.Context, eventID string, id types.SnapshotID) error {
	return c.setPointer(ctx, prefixEventState, interner.EventID, eventID, id)
}

// StateAtEvent returns the snapshot recorded with SetEventState.
func (c *Compressor) StateAtEvent(ctx context.Context, eventID string) (types.SnapshotID, bool, error) {
	return c.getPointer(ctx, prefixEventState, interner.EventID, eventID)
}

// SetRoomState moves the current state of a room to id.
func (c *Compressor) SetRoomState(ctx context.Context, roomID string, id types.SnapshotID) error {
	return c.setPointer(ctx, prefixRoomState, interner.RoomID, roomID, id)
}

// RoomState returns the current state snapshot of a room.
func (c *Compressor) RoomState(ctx context.Context, roomID string) (types.SnapshotID, bool, error) {
	return c.getPointer(ctx, prefixRoomState, interner.RoomID, roomID)
}

func (c *Compressor) setPointer(ctx context.Context, prefix string, kind interner.Kind, full string, id types.SnapshotID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := c.loadDiff(id); err != nil {
		return err
	}
	short, err := c.ids.GetOrCreate(kind, []byte(full))
	if err != nil {
		return err
	}
	key := encoding.Key(prefix, encoding.PutUint64(nil, uint64(short)))
	return errors.Wrapf(c.kv.Put(key, encoding.PutUint64(nil, uint64(id))), "set %s%s", prefix, full)
}

func (c *Compressor) getPointer(ctx context.Context, prefix string, kind interner.Kind, full string) (types.SnapshotID, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	short, ok, err := c.ids.Get(kind, []byte(full))
	if err != nil || !ok {
		return 0, false, err
	}

	raw, err := c.kv.Get(encoding.Key(prefix, encoding.PutUint64(nil, uint64(short))))
	if errors.Is(err, keyValStore.ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrapf(err, "get %s%s", prefix, full)
	}
	n, err := encoding.Uint64(raw)
	if err != nil {
		return 0, false, errors.Wrapf(types.ErrCorrupt, "%s%s: %v", prefix, full, err)
	}
	return types.SnapshotID(n), true, nil
}
