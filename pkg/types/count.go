package types

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Count is the position of an event in its room timeline. Normal counts come
// from the global counter. Backfilled counts belong to history fetched from
// peers and sort before every normal count; a bigger backfill number is older.
type Count struct {
	Backfilled bool
	N          uint64
}

var (
	// CountMin sorts before every stored count.
	CountMin = Count{Backfilled: true, N: math.MaxUint64}
	// CountMax sorts after every stored count.
	CountMax = Count{N: math.MaxUint64}
)

func NormalCount(n uint64) Count   { return Count{N: n} }
func BackfillCount(n uint64) Count { return Count{Backfilled: true, N: n} }

// Compare returns -1, 0 or 1.
func (c Count) Compare(o Count) int {
	switch {
	case c.Backfilled && !o.Backfilled:
		return -1
	case !c.Backfilled && o.Backfilled:
		return 1
	case c.N == o.N:
		return 0
	}
	less := c.N < o.N
	if c.Backfilled {
		less = !less
	}
	if less {
		return -1
	}
	return 1
}

func (c Count) Less(o Count) bool { return c.Compare(o) < 0 }

// String renders the pagination token form: "-N" for backfilled counts.
func (c Count) String() string {
	if c.Backfilled {
		return "-" + strconv.FormatUint(c.N, 10)
	}
	return strconv.FormatUint(c.N, 10)
}

// ParseCount parses the token form produced by Count.String.
func ParseCount(token string) (Count, error) {
	backfilled := strings.HasPrefix(token, "-")
	n, err := strconv.ParseUint(strings.TrimPrefix(token, "-"), 10, 64)
	if err != nil {
		return Count{}, fmt.Errorf("invalid count token %q: %w", token, err)
	}
	return Count{Backfilled: backfilled, N: n}, nil
}

// TimelineKey locates one event: the room's short ID plus its count.
type TimelineKey struct {
	Room  ShortID
	Count Count
}

func (k TimelineKey) String() string {
	return fmt.Sprintf("%d/%s", k.Room, k.Count)
}

// Direction selects the scan order of a timeline cursor.
type Direction int

const (
	Forward Direction = iota
	Backward
)

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}
