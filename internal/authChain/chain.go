package authChain

import (
	"fmt"
	"sort"

	"github.com/weaviate/sroar"

	"github.com/i5heu/ouroboros-rooms/pkg/types"
)

// Chain is an immutable set of short event IDs. A published Chain is shared
// by every cache tier and every caller holding it; it must never be modified.
type Chain struct {
	set *sroar.Bitmap
	// missing lists the auth events that were referenced but not stored
	missing []string
}

var emptyChain = &Chain{set: sroar.NewBitmap()}

func newChain(set *sroar.Bitmap, missing []string) *Chain {
	if len(missing) > 0 {
		missing = dedupeSorted(missing)
	}
	return &Chain{set: set, missing: missing}
}

func (c *Chain) Contains(id types.ShortID) bool { return c.set.Contains(uint64(id)) }

func (c *Chain) Len() int { return c.set.GetCardinality() }

// IDs returns the members in ascending order.
func (c *Chain) IDs() []types.ShortID {
	raw := c.set.ToArray()
	out := make([]types.ShortID, len(raw))
	for i, v := range raw {
		out[i] = types.ShortID(v)
	}
	return out
}

// Complete reports whether every referenced auth event was found.
func (c *Chain) Complete() bool { return len(c.missing) == 0 }

// Missing returns the referenced auth events that are not stored locally.
func (c *Chain) Missing() []string { return append([]string(nil), c.missing...) }

// union merges chains into a new Chain.
func union(chains ...*Chain) *Chain {
	set := sroar.NewBitmap()
	var missing []string
	for _, c := range chains {
		set.Or(c.set)
		missing = append(missing, c.missing...)
	}
	return newChain(set, missing)
}

func (c *Chain) marshal() []byte {
	return c.set.ToBuffer()
}

func unmarshalChain(buf []byte) (c *Chain, err error) {
	if len(buf) == 0 {
		return emptyChain, nil
	}
	defer func() {
		if r := recover(); r != nil {
			c, err = nil, fmt.Errorf("%w: auth chain bitmap: %v", types.ErrCorrupt, r)
		}
	}()
	set := sroar.FromBufferWithCopy(buf)
	if set == nil {
		return nil, fmt.Errorf("%w: auth chain bitmap", types.ErrCorrupt)
	}
	return &Chain{set: set}, nil
}

func dedupeSorted(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	n := 0
	for i, id := range out {
		if i == 0 || id != out[n-1] {
			out[n] = id
			n++
		}
	}
	return out[:n]
}
