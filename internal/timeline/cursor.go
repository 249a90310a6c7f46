package timeline

import (
	"bytes"
	"context"

	"github.com/i5heu/ouroboros-rooms/internal/interner"
	"github.com/i5heu/ouroboros-rooms/pkg/types"
)

type scanOptions struct {
	viewer    string
	hasViewer bool
	pageSize  int
}

type ScanOption func(*scanOptions)

// WithViewer presents every event as seen by userID, see types.Event.ForViewer.
func WithViewer(userID string) ScanOption {
	return func(o *scanOptions) {
		o.viewer = userID
		o.hasViewer = true
	}
}

// WithPageSize sets how many records one storage scan reads ahead.
func WithPageSize(n int) ScanOption {
	return func(o *scanOptions) {
		if n > 0 {
			o.pageSize = n
		}
	}
}

// Entry is one timeline position.
type Entry struct {
	Count types.Count
	Event *types.Event
}

// Cursor walks a room timeline lazily, one storage page at a time. The
// starting count is exclusive. A cursor is not safe for concurrent use.
//
//	cur := tl.ScanSince(ctx, roomID, since, types.Forward)
//	defer cur.Close()
//	for cur.Next() {
//		use(cur.Count(), cur.Event())
//	}
//	if err := cur.Err(); err != nil { ... }
type Cursor struct {
	ctx      context.Context
	tl       *Timeline
	prefix   []byte
	dir      types.Direction
	position types.Count
	opts     scanOptions

	page      []Entry
	idx       int
	current   Entry
	exhausted bool
	closed    bool
	err       error
}

// ScanSince returns a cursor over the events of a room with a count strictly
// after since in direction dir: bigger counts ascending for Forward, smaller
// counts descending for Backward. Use types.CountMin and types.CountMax to
// start at either end. A room without events yields an empty cursor.
func (tl *Timeline) ScanSince(ctx context.Context, roomID string, since types.Count, dir types.Direction, opts ...ScanOption) *Cursor {
	o := scanOptions{pageSize: tl.config.PageSize}
	for _, opt := range opts {
		opt(&o)
	}

	room, ok, err := tl.ids.Get(interner.RoomID, []byte(roomID))
	if err != nil {
		return FailedCursor(err)
	}
	if !ok {
		return &Cursor{exhausted: true}
	}
	return tl.scan(ctx, room, since, dir, o)
}

// FailedCursor returns a cursor that yields nothing and reports err.
func FailedCursor(err error) *Cursor {
	return &Cursor{err: err, exhausted: true}
}

func (tl *Timeline) scan(ctx context.Context, room types.ShortID, since types.Count, dir types.Direction, o scanOptions) *Cursor {
	if o.pageSize <= 0 {
		o.pageSize = tl.config.PageSize
	}
	return &Cursor{
		ctx:      ctx,
		tl:       tl,
		prefix:   roomPrefix(room),
		dir:      dir,
		position: since,
		opts:     o,
		idx:      -1,
	}
}

func (c *Cursor) Next() bool {
	if c.err != nil || c.closed {
		return false
	}
	if c.idx+1 < len(c.page) {
		c.idx++
		c.current = c.page[c.idx]
		return true
	}
	if c.exhausted {
		return false
	}
	if err := c.ctx.Err(); err != nil {
		c.err = err
		return false
	}
	if err := c.fill(); err != nil {
		c.err = err
		return false
	}
	if len(c.page) == 0 {
		return false
	}
	c.idx = 0
	c.current = c.page[0]
	return true
}

func (c *Cursor) fill() error {
	c.page = make([]Entry, 0, c.opts.pageSize)
	c.idx = -1

	boundary := append(bytes.Clone(c.prefix), countBytes(c.position)...)
	err := c.tl.kv.Scan(c.prefix, boundary, c.dir == types.Backward, func(k, v []byte) (bool, error) {
		if bytes.Equal(k, boundary) {
			return true, nil
		}
		key, err := parsePDUKey(k)
		if err != nil {
			return false, err
		}
		ev, err := decodeEvent(v)
		if err != nil {
			return false, err
		}
		c.page = append(c.page, Entry{Count: key.Count, Event: ev})
		return len(c.page) < c.opts.pageSize, nil
	})
	if err != nil {
		return err
	}

	if len(c.page) < c.opts.pageSize {
		c.exhausted = true
	}
	if len(c.page) > 0 {
		c.position = c.page[len(c.page)-1].Count
	}
	return nil
}

// Count is the count of the current event.
func (c *Cursor) Count() types.Count { return c.current.Count }

// Event is the current event, presented for the viewer when one was set.
func (c *Cursor) Event() *types.Event {
	if c.opts.hasViewer {
		return c.current.Event.ForViewer(c.opts.viewer)
	}
	return c.current.Event
}

func (c *Cursor) Err() error { return c.err }

func (c *Cursor) Close() error {
	c.closed = true
	c.page = nil
	return nil
}

// Collect drains up to limit entries, all when limit <= 0, and closes the
// cursor.
func (c *Cursor) Collect(limit int) ([]Entry, error) {
	defer c.Close()
	var out []Entry
	for (limit <= 0 || len(out) < limit) && c.Next() {
		out = append(out, Entry{Count: c.Count(), Event: c.Event()})
	}
	return out, c.Err()
}
