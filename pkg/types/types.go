// Package types holds the value types shared by the event-graph packages:
// events (PDUs), short IDs, state keys and timeline counts.
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// TransactionIDKey is the unsigned field a sending client attaches to its own
// events. It is only shown back to the sender.
const TransactionIDKey = "transaction_id"

// ShortID is the compact, server-wide substitute for a full identifier. Short
// IDs are allocated monotonically and never reused.
type ShortID uint64

// StateKey addresses one piece of room state.
type StateKey struct {
	Type     string `msgpack:"type" json:"type"`
	StateKey string `msgpack:"state_key" json:"state_key"`
}

func (sk StateKey) String() string {
	return fmt.Sprintf("(%s,%q)", sk.Type, sk.StateKey)
}

// StateMap is a flattened room state: state key -> short event ID of the
// event that last set it.
type StateMap map[StateKey]ShortID

// Clone returns an independent copy of the map.
func (sm StateMap) Clone() StateMap {
	out := make(StateMap, len(sm))
	for k, v := range sm {
		out[k] = v
	}
	return out
}

// Equal reports whether both maps contain exactly the same entries.
func (sm StateMap) Equal(other StateMap) bool {
	if len(sm) != len(other) {
		return false
	}
	for k, v := range sm {
		if ov, ok := other[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Event is one node of a room DAG. Events are immutable once stored; a
// redaction is a new event.
type Event struct {
	EventID        string                     `msgpack:"event_id" json:"event_id"`
	RoomID         string                     `msgpack:"room_id" json:"room_id"`
	Sender         string                     `msgpack:"sender" json:"sender"`
	Origin         string                     `msgpack:"origin,omitempty" json:"origin,omitempty"`
	Type           string                     `msgpack:"type" json:"type"`
	StateKey       *string                    `msgpack:"state_key,omitempty" json:"state_key,omitempty"`
	Content        json.RawMessage            `msgpack:"content,omitempty" json:"content,omitempty"`
	PrevEvents     []string                   `msgpack:"prev_events" json:"prev_events"`
	AuthEvents     []string                   `msgpack:"auth_events" json:"auth_events"`
	Depth          uint64                     `msgpack:"depth" json:"depth"`
	Redacts        string                     `msgpack:"redacts,omitempty" json:"redacts,omitempty"`
	Unsigned       map[string]json.RawMessage `msgpack:"unsigned,omitempty" json:"unsigned,omitempty"`
	OriginServerTS int64                      `msgpack:"origin_server_ts" json:"origin_server_ts"`

	// InsertedAt is assigned by this server when the event is stored.
	InsertedAt time.Time `msgpack:"inserted_at" json:"-"`
}

// Validate checks the structural requirements for storing an event.
func (ev *Event) Validate() error {
	if ev == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if ev.EventID == "" {
		return fmt.Errorf("%w: empty event id", ErrInvalidEvent)
	}
	if ev.RoomID == "" {
		return fmt.Errorf("%w: event %s has no room id", ErrInvalidEvent, ev.EventID)
	}
	for _, id := range ev.AuthEvents {
		if id == "" {
			return fmt.Errorf("%w: event %s has an empty auth event reference", ErrInvalidEvent, ev.EventID)
		}
	}
	return nil
}

// State returns the state key this event sets, if it is a state event.
func (ev *Event) State() (StateKey, bool) {
	if ev.StateKey == nil {
		return StateKey{}, false
	}
	return StateKey{Type: ev.Type, StateKey: *ev.StateKey}, true
}

// Clone returns a deep copy of the event.
func (ev *Event) Clone() *Event {
	if ev == nil {
		return nil
	}
	out := *ev
	if ev.StateKey != nil {
		sk := *ev.StateKey
		out.StateKey = &sk
	}
	if ev.Content != nil {
		out.Content = append(json.RawMessage(nil), ev.Content...)
	}
	out.PrevEvents = append([]string(nil), ev.PrevEvents...)
	out.AuthEvents = append([]string(nil), ev.AuthEvents...)
	if ev.Unsigned != nil {
		out.Unsigned = make(map[string]json.RawMessage, len(ev.Unsigned))
		for k, v := range ev.Unsigned {
			out.Unsigned[k] = append(json.RawMessage(nil), v...)
		}
	}
	return &out
}

// ForViewer returns the event as it is presented to viewerUserID. The
// transaction id in unsigned belongs to the sending device and is removed for
// everybody else. The receiver is never modified.
func (ev *Event) ForViewer(viewerUserID string) *Event {
	if ev == nil || ev.Sender == viewerUserID {
		return ev
	}
	if _, ok := ev.Unsigned[TransactionIDKey]; !ok {
		return ev
	}
	out := ev.Clone()
	delete(out.Unsigned, TransactionIDKey)
	return out
}

// SnapshotID identifies a stored room state. Zero means none.
type SnapshotID uint64
