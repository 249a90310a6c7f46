package types

import "errors"

var (
	// ErrCorrupt marks stored bytes that do not decode into the expected
	// shape. It points at a storage format or migration bug and is not retried.
	ErrCorrupt = errors.New("rooms: corrupt stored data")

	// ErrCrossRoomAuth rejects an auth chain that leaves its room.
	ErrCrossRoomAuth = errors.New("rooms: auth event belongs to a different room")

	// ErrMissingAuthEvent is returned where a complete auth graph is required.
	ErrMissingAuthEvent = errors.New("rooms: missing auth event for stored event")

	ErrEventNotFound    = errors.New("rooms: event not found")
	ErrDuplicateEvent   = errors.New("rooms: event already stored")
	ErrInvalidEvent     = errors.New("rooms: invalid event")
	ErrSnapshotNotFound = errors.New("rooms: state snapshot not found")
)
