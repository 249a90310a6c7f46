package timeline

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/i5heu/ouroboros-rooms/pkg/encoding"
	"github.com/i5heu/ouroboros-rooms/pkg/types"
)

func encodeEvent(ev *types.Event, compressThreshold int) ([]byte, error) {
	body, err := msgpack.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", ev.EventID, err)
	}
	return encoding.EncodePayload(body, compressThreshold), nil
}

func decodeEvent(raw []byte) (*types.Event, error) {
	body, err := encoding.DecodePayload(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: event record: %v", types.ErrCorrupt, err)
	}
	var ev types.Event
	if err := msgpack.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("%w: event record: %v", types.ErrCorrupt, err)
	}
	return &ev, nil
}
