package timeline

import (
	"fmt"

	"github.com/i5heu/ouroboros-rooms/pkg/encoding"
	"github.com/i5heu/ouroboros-rooms/pkg/types"
)

const (
	prefixPDU     = "pdu:"
	prefixIndex   = "eventid_pdukey:"
	prefixOutlier = "outlier:"

	// kind bytes order backfilled history before normal counts
	kindBackfilled byte = 0x00
	kindNormal     byte = 0x01

	// room short id | kind | count
	keySuffixLen = 8 + 1 + 8
)

// roomPrefix is the scan prefix of one room timeline.
func roomPrefix(room types.ShortID) []byte {
	return encoding.Key(prefixPDU, encoding.PutUint64(nil, uint64(room)))
}

// countBytes encodes a count so that byte order equals Count order. Bigger
// backfill numbers are older, so they are stored complemented.
func countBytes(c types.Count) []byte {
	if c.Backfilled {
		return encoding.PutUint64([]byte{kindBackfilled}, ^c.N)
	}
	return encoding.PutUint64([]byte{kindNormal}, c.N)
}

func keySuffix(k types.TimelineKey) []byte {
	return append(encoding.PutUint64(nil, uint64(k.Room)), countBytes(k.Count)...)
}

func pduKey(k types.TimelineKey) []byte {
	return encoding.Key(prefixPDU, keySuffix(k))
}

func indexKey(eventID string) []byte {
	return encoding.Key(prefixIndex, []byte(eventID))
}

func outlierKey(eventID string) []byte {
	return encoding.Key(prefixOutlier, []byte(eventID))
}

func parseKeySuffix(suffix []byte) (types.TimelineKey, error) {
	if len(suffix) != keySuffixLen {
		return types.TimelineKey{}, fmt.Errorf("%w: timeline key of %d bytes", types.ErrCorrupt, len(suffix))
	}
	room, _ := encoding.Uint64(suffix[:8])
	n, _ := encoding.Uint64(suffix[9:])

	key := types.TimelineKey{Room: types.ShortID(room)}
	switch suffix[8] {
	case kindNormal:
		key.Count = types.NormalCount(n)
	case kindBackfilled:
		key.Count = types.BackfillCount(^n)
	default:
		return types.TimelineKey{}, fmt.Errorf("%w: timeline key kind 0x%02x", types.ErrCorrupt, suffix[8])
	}
	return key, nil
}

func parsePDUKey(key []byte) (types.TimelineKey, error) {
	if len(key) < len(prefixPDU) {
		return types.TimelineKey{}, fmt.Errorf("%w: short timeline key", types.ErrCorrupt)
	}
	return parseKeySuffix(key[len(prefixPDU):])
}
