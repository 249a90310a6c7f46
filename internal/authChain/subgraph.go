package authChain

import (
	"context"
	"fmt"
	"sort"

	"github.com/i5heu/ouroboros-rooms/pkg/types"
)

type visitState uint8

const (
	visiting visitState = iota + 1
	visited
)

type subgraphNode struct {
	auth  []string
	state visitState
	// reaches: a conflicted event is reachable in one or more steps
	reaches bool
}

type frame struct {
	id   string
	next int
}

// ConflictedSubgraph returns the sorted IDs of all events lying on an auth
// path of at least one step from one conflicted event to another, both ends
// included. Stored events must have all their auth events, so a missing event
// fails with types.ErrMissingAuthEvent.
func (r *Resolver) ConflictedSubgraph(ctx context.Context, roomID string, conflicted map[types.StateKey][]string) ([]string, error) {
	isConflicted := make(map[string]bool)
	for _, ids := range conflicted {
		for _, id := range ids {
			isConflicted[id] = true
		}
	}
	roots := make([]string, 0, len(isConflicted))
	for id := range isConflicted {
		roots = append(roots, id)
	}
	sort.Strings(roots)

	nodes := make(map[string]*subgraphNode)
	// reachedFrom: reachable in one or more steps from a conflicted event
	reachedFrom := make(map[string]bool)

	load := func(id string) (*subgraphNode, error) {
		edge, err := FollowEdge(r.events, roomID, id)
		if err != nil {
			return nil, err
		}
		switch edge.Outcome {
		case EdgeMissing:
			return nil, fmt.Errorf("%w: %s", types.ErrMissingAuthEvent, id)
		case EdgeCrossRoom:
			return nil, crossRoomError(roomID, edge.Event)
		}
		n := &subgraphNode{auth: edge.Event.AuthEvents, state: visiting}
		nodes[id] = n
		return n, nil
	}

	processed := 0
	for _, root := range roots {
		if nodes[root] != nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := load(root); err != nil {
			return nil, err
		}

		stack := []frame{{id: root}}
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			n := nodes[top.id]

			if top.next < len(n.auth) {
				child := n.auth[top.next]
				top.next++
				reachedFrom[child] = true

				cn := nodes[child]
				switch {
				case cn == nil:
					if _, err := load(child); err != nil {
						return nil, err
					}
					stack = append(stack, frame{id: child})
				case cn.state == visited:
					if isConflicted[child] || cn.reaches {
						n.reaches = true
					}
				}
				// a node still being visited closes a cycle; it adds nothing
				continue
			}

			id := top.id
			n.state = visited
			stack = stack[:len(stack)-1]
			if len(stack) > 0 && (isConflicted[id] || n.reaches) {
				nodes[stack[len(stack)-1].id].reaches = true
			}

			processed++
			r.maybeYield(processed)
		}
	}

	var out []string
	for id, n := range nodes {
		if n.reaches || (isConflicted[id] && reachedFrom[id]) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}
