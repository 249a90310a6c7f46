package authChain

import (
	"fmt"
	"runtime"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/weaviate/sroar"

	"github.com/i5heu/ouroboros-rooms/internal/interner"
	"github.com/i5heu/ouroboros-rooms/internal/logging"
	"github.com/i5heu/ouroboros-rooms/pkg/types"
)

// EdgeOutcome is the result of following one auth_events reference.
type EdgeOutcome int

const (
	// EdgeFound: the event is stored and belongs to the expected room.
	EdgeFound EdgeOutcome = iota
	// EdgeMissing: the event is not stored locally. Tolerated.
	EdgeMissing
	// EdgeCrossRoom: the event belongs to another room. Fatal for the call.
	EdgeCrossRoom
)

func (o EdgeOutcome) String() string {
	switch o {
	case EdgeFound:
		return "found"
	case EdgeMissing:
		return "missing"
	case EdgeCrossRoom:
		return "cross_room"
	default:
		return fmt.Sprintf("EdgeOutcome(%d)", int(o))
	}
}

type Edge struct {
	Outcome EdgeOutcome
	Event   *types.Event // nil for EdgeMissing
}

// FollowEdge resolves the reference to eventID from an event of roomID.
// Storage and decode errors are returned as errors, never as an outcome.
func FollowEdge(events Events, roomID, eventID string) (Edge, error) {
	ev, err := events.GetByEventID(eventID)
	switch {
	case errors.Is(err, types.ErrEventNotFound):
		return Edge{Outcome: EdgeMissing}, nil
	case err != nil:
		return Edge{}, err
	case ev.RoomID != roomID:
		return Edge{Outcome: EdgeCrossRoom, Event: ev}, nil
	default:
		return Edge{Outcome: EdgeFound, Event: ev}, nil
	}
}

func crossRoomError(roomID string, ev *types.Event) error {
	return fmt.Errorf("%w: %s is in %s, expected %s", types.ErrCrossRoomAuth, ev.EventID, ev.RoomID, roomID)
}

type pending struct {
	member
	root bool
}

// walk computes the auth chain of one event with an explicit stack. The
// starting event belongs to the chain only when it is reached again through
// auth_events.
func (r *Resolver) walk(roomID string, start member) (*Chain, error) {
	found := sroar.NewBitmap()
	queued := make(map[types.ShortID]struct{})
	var missing []string

	stack := []pending{{member: start, root: true}}
	processed := 0
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		edge, err := FollowEdge(r.events, roomID, cur.id)
		if err != nil {
			return nil, errors.Wrapf(err, "auth chain of %s", start.id)
		}

		switch edge.Outcome {
		case EdgeMissing:
			r.caches.Metrics.MissingAuthEvents.Inc()
			r.log.WithFields(logrus.Fields{
				logging.KeyEventID:     start.id,
				logging.KeyAuthEventID: cur.id,
				logging.KeyRoomID:      roomID,
			}).Warn("could not find event mentioned in auth events")
			missing = append(missing, cur.id)
			continue
		case EdgeCrossRoom:
			return nil, crossRoomError(roomID, edge.Event)
		case EdgeFound:
		}

		if !cur.root {
			found.Set(uint64(cur.short))
		}

		for _, authID := range edge.Event.AuthEvents {
			short, err := r.ids.GetOrCreate(interner.EventID, []byte(authID))
			if err != nil {
				return nil, err
			}
			if _, ok := queued[short]; ok {
				continue
			}
			queued[short] = struct{}{}
			stack = append(stack, pending{member: member{short: short, id: authID}})
		}

		processed++
		r.maybeYield(processed)
	}

	return newChain(found, missing), nil
}

func (r *Resolver) maybeYield(processed int) {
	if processed%r.config.YieldEvery == 0 {
		runtime.Gosched()
	}
}
