package maple

import (
	"github.com/ValentinKolb/freeze/lib/kv"
	"sort"
)

// --------------------------------------------------------------------------
// Cursor
// --------------------------------------------------------------------------

// cursor iterates a sorted key list captured at creation. Keys deleted after
// the capture are skipped while moving.
type cursor struct {
	table *table
	tx    *mapleTx
	owned bool // tx was started by the cursor and is committed on Close

	keys   []string
	pos    int // index into keys, -1 = not positioned
	closed bool
}

func newCursor(t *table, tx *mapleTx, owned bool) *cursor {
	return &cursor{table: t, tx: tx, owned: owned, keys: tx.keys(t), pos: -1}
}

// settle moves from pos in direction step until it finds a visible key
func (c *cursor) settle(pos, step int) bool {
	for pos >= 0 && pos < len(c.keys) {
		_, ok, err := c.tx.get(c.table, c.keys[pos])
		if err == nil && ok {
			c.pos = pos
			return true
		}
		pos += step
	}
	c.pos = -1
	return false
}

func (c *cursor) SeekFirst() bool {
	if c.closed {
		return false
	}
	return c.settle(0, 1)
}

func (c *cursor) SeekTo(key []byte) bool {
	if c.closed {
		return false
	}
	k := string(key)
	return c.settle(sort.SearchStrings(c.keys, k), 1)
}

func (c *cursor) Next() bool {
	if c.closed || c.pos < 0 {
		return false
	}
	return c.settle(c.pos+1, 1)
}

func (c *cursor) Prev() bool {
	if c.closed || c.pos < 0 {
		return false
	}
	return c.settle(c.pos-1, -1)
}

func (c *cursor) Current() ([]byte, []byte, error) {
	if c.closed {
		return nil, nil, kv.NewError(kv.RetCInvalidOperation, "cursor closed")
	}
	if c.pos < 0 {
		return nil, nil, kv.NewError(kv.RetCInvalidOperation, "cursor not positioned")
	}
	key := c.keys[c.pos]
	value, ok, err := c.tx.get(c.table, key)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, kv.Errorf(kv.RetCNotFound, "key deleted in table %q", c.table.name)
	}
	return []byte(key), value, nil
}

func (c *cursor) Delete() error {
	if c.closed || c.pos < 0 {
		return kv.NewError(kv.RetCInvalidOperation, "cursor not positioned")
	}
	return c.tx.delete(c.table, c.keys[c.pos])
}

func (c *cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.pos = -1
	if !c.owned {
		return nil
	}
	// a read-only scan has nothing to validate
	if !c.tx.hasWrites() {
		return c.tx.Abort()
	}
	return c.tx.Commit()
}
