// Package timeline is the append-only per-room event log.
//
// Every stored event lives under pdu:<room short id><kind><count>. The count
// comes from the global counter, so counts are strictly increasing in
// insertion order across all rooms, and one room is read with a prefix scan.
// A secondary index maps event IDs to their timeline key. Outliers, events
// that are known but not connected to the local timeline yet, are kept by
// event ID only.
package timeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-rooms/internal/cache"
	"github.com/i5heu/ouroboros-rooms/internal/interner"
	"github.com/i5heu/ouroboros-rooms/internal/keyValStore"
	"github.com/i5heu/ouroboros-rooms/internal/logging"
	"github.com/i5heu/ouroboros-rooms/pkg/types"
)

const (
	DefaultCompressThreshold = 2048
	DefaultPageSize          = 64
)

// Identifiers is the part of the interner the timeline depends on.
type Identifiers interface {
	GetOrCreate(kind interner.Kind, full []byte) (types.ShortID, error)
	Get(kind interner.Kind, full []byte) (types.ShortID, bool, error)
}

type Config struct {
	// CompressThreshold is the encoded record size from which records are
	// stored zstd compressed. Negative disables compression.
	CompressThreshold int
	PageSize          int
	Clock             func() time.Time
	Logger            logrus.FieldLogger
}

type Timeline struct {
	kv      keyValStore.Store
	ids     Identifiers
	metrics *cache.Metrics
	config  Config
	log     logrus.FieldLogger

	latestMu sync.RWMutex
	latest   map[types.ShortID]types.Count
}

func New(kv keyValStore.Store, ids Identifiers, caches *cache.Caches, config Config) *Timeline {
	if config.CompressThreshold == 0 {
		config.CompressThreshold = DefaultCompressThreshold
	}
	if config.PageSize <= 0 {
		config.PageSize = DefaultPageSize
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}

	return &Timeline{
		kv:      kv,
		ids:     ids,
		metrics: caches.Metrics,
		config:  config,
		log:     logging.Component(config.Logger, "timeline"),
		latest:  make(map[types.ShortID]types.Count),
	}
}

// Append stores ev at the end of the room timeline and returns its key. An
// event ID is stored at most once; a second append fails with
// ErrDuplicateEvent. Appending an outlier promotes it into the timeline.
func (tl *Timeline) Append(ctx context.Context, roomID string, ev *types.Event) (types.TimelineKey, error) {
	return tl.append(ctx, roomID, ev, false)
}

// AppendBackfilled stores ev as history fetched from a peer. Backfilled
// events sort before every normal event of the room, each one before the
// previously backfilled ones.
func (tl *Timeline) AppendBackfilled(ctx context.Context, roomID string, ev *types.Event) (types.TimelineKey, error) {
	return tl.append(ctx, roomID, ev, true)
}

func (tl *Timeline) append(ctx context.Context, roomID string, ev *types.Event, backfilled bool) (types.TimelineKey, error) {
	if err := ctx.Err(); err != nil {
		return types.TimelineKey{}, err
	}
	if err := ev.Validate(); err != nil {
		return types.TimelineKey{}, err
	}
	if ev.RoomID != roomID {
		return types.TimelineKey{}, fmt.Errorf("%w: event %s belongs to %s, not %s", types.ErrInvalidEvent, ev.EventID, ev.RoomID, roomID)
	}

	room, err := tl.ids.GetOrCreate(interner.RoomID, []byte(roomID))
	if err != nil {
		return types.TimelineKey{}, err
	}
	if _, err := tl.ids.GetOrCreate(interner.EventID, []byte(ev.EventID)); err != nil {
		return types.TimelineKey{}, err
	}

	n, err := tl.kv.Increment(interner.GlobalCounter)
	if err != nil {
		return types.TimelineKey{}, errors.Wrap(err, "reserve timeline count")
	}
	key := types.TimelineKey{Room: room, Count: types.NormalCount(n)}
	if backfilled {
		key.Count = types.BackfillCount(n)
	}

	stored := ev.Clone()
	stored.InsertedAt = tl.config.Clock()
	record, err := encodeEvent(stored, tl.config.CompressThreshold)
	if err != nil {
		return types.TimelineKey{}, err
	}

	// Record and index entry commit together, guarded by the index entry, so
	// one of two racing appends wins and a failed write leaves neither.
	inserted, err := tl.kv.InsertBatch(indexKey(ev.EventID), []keyValStore.Pair{
		{Key: pduKey(key), Value: record},
		{Key: indexKey(ev.EventID), Value: keySuffix(key)},
	})
	if err != nil {
		return types.TimelineKey{}, errors.Wrapf(err, "store event %s", ev.EventID)
	}
	if !inserted {
		return types.TimelineKey{}, fmt.Errorf("%w: %s", types.ErrDuplicateEvent, ev.EventID)
	}

	if err := tl.kv.Delete(outlierKey(ev.EventID)); err != nil {
		tl.log.WithError(err).WithField(logging.KeyEventID, ev.EventID).Warn("could not remove promoted outlier")
	}

	// a backfilled event is never the newest one of its room
	if !backfilled {
		tl.noteLatest(room, key.Count)
	}
	tl.metrics.EventsAppended.Inc()
	tl.log.WithFields(logrus.Fields{
		logging.KeyEventID: ev.EventID,
		logging.KeyRoomID:  roomID,
		logging.KeyCount:   key.Count.String(),
	}).Debug("appended event")

	return key, nil
}

// AddOutlier stores an event that is not part of the local timeline. Events
// that are already in the timeline or already stored as outliers are left
// untouched.
func (tl *Timeline) AddOutlier(ctx context.Context, ev *types.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ev.Validate(); err != nil {
		return err
	}

	if _, err := tl.kv.Get(indexKey(ev.EventID)); err == nil {
		return nil
	} else if !errors.Is(err, keyValStore.ErrKeyNotFound) {
		return errors.Wrapf(err, "look up event %s", ev.EventID)
	}

	if _, err := tl.ids.GetOrCreate(interner.RoomID, []byte(ev.RoomID)); err != nil {
		return err
	}
	if _, err := tl.ids.GetOrCreate(interner.EventID, []byte(ev.EventID)); err != nil {
		return err
	}

	stored := ev.Clone()
	stored.InsertedAt = tl.config.Clock()
	record, err := encodeEvent(stored, tl.config.CompressThreshold)
	if err != nil {
		return err
	}
	if _, _, err := tl.kv.PutIfAbsent(outlierKey(ev.EventID), record); err != nil {
		return errors.Wrapf(err, "store outlier %s", ev.EventID)
	}
	return nil
}

func (tl *Timeline) IsOutlier(eventID string) (bool, error) {
	_, err := tl.kv.Get(outlierKey(eventID))
	if errors.Is(err, keyValStore.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "look up outlier %s", eventID)
	}
	return true, nil
}

// GetByKey returns the event stored under key, or ErrEventNotFound.
func (tl *Timeline) GetByKey(key types.TimelineKey) (*types.Event, error) {
	raw, err := tl.kv.Get(pduKey(key))
	if errors.Is(err, keyValStore.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: key %s", types.ErrEventNotFound, key)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get event %s", key)
	}
	return decodeEvent(raw)
}

// GetByEventID returns the event from the timeline, or from the outliers when
// it is not part of the timeline.
func (tl *Timeline) GetByEventID(eventID string) (*types.Event, error) {
	key, ok, err := tl.lookupKey(eventID)
	if err != nil {
		return nil, err
	}
	if ok {
		ev, err := tl.GetByKey(key)
		if err == nil || !errors.Is(err, types.ErrEventNotFound) {
			return ev, err
		}
	}

	raw, err := tl.kv.Get(outlierKey(eventID))
	if errors.Is(err, keyValStore.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", types.ErrEventNotFound, eventID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get outlier %s", eventID)
	}
	return decodeEvent(raw)
}

// GetKey returns the timeline key of an event.
func (tl *Timeline) GetKey(eventID string) (types.TimelineKey, bool, error) {
	return tl.lookupKey(eventID)
}

// GetCount returns the timeline count of an event. Outliers have none.
func (tl *Timeline) GetCount(eventID string) (types.Count, bool, error) {
	key, ok, err := tl.lookupKey(eventID)
	return key.Count, ok, err
}

func (tl *Timeline) lookupKey(eventID string) (types.TimelineKey, bool, error) {
	suffix, err := tl.kv.Get(indexKey(eventID))
	if errors.Is(err, keyValStore.ErrKeyNotFound) {
		return types.TimelineKey{}, false, nil
	}
	if err != nil {
		return types.TimelineKey{}, false, errors.Wrapf(err, "look up event %s", eventID)
	}
	key, err := parseKeySuffix(suffix)
	if err != nil {
		return types.TimelineKey{}, false, errors.Wrapf(err, "index entry of %s", eventID)
	}
	return key, true, nil
}

// LatestCount returns the count of the newest event of a room.
func (tl *Timeline) LatestCount(ctx context.Context, roomID string) (types.Count, bool, error) {
	room, ok, err := tl.ids.Get(interner.RoomID, []byte(roomID))
	if err != nil || !ok {
		return types.Count{}, false, err
	}

	tl.latestMu.RLock()
	count, ok := tl.latest[room]
	tl.latestMu.RUnlock()
	if ok {
		return count, true, nil
	}

	cur := tl.scan(ctx, room, types.CountMax, types.Backward, scanOptions{pageSize: 1})
	defer cur.Close()
	if !cur.Next() {
		return types.Count{}, false, cur.Err()
	}
	tl.noteLatest(room, cur.Count())
	return cur.Count(), true, nil
}

// FirstEvent returns the oldest event of a room, or ErrEventNotFound.
func (tl *Timeline) FirstEvent(ctx context.Context, roomID string) (*types.Event, types.Count, error) {
	cur := tl.ScanSince(ctx, roomID, types.CountMin, types.Forward, WithPageSize(1))
	defer cur.Close()
	if !cur.Next() {
		if err := cur.Err(); err != nil {
			return nil, types.Count{}, err
		}
		return nil, types.Count{}, fmt.Errorf("%w: room %s is empty", types.ErrEventNotFound, roomID)
	}
	return cur.Event(), cur.Count(), nil
}

func (tl *Timeline) noteLatest(room types.ShortID, count types.Count) {
	tl.latestMu.Lock()
	defer tl.latestMu.Unlock()
	if prev, ok := tl.latest[room]; !ok || prev.Less(count) {
		tl.latest[room] = count
	}
}
