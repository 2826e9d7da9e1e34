package badgerkv

import (
	"github.com/ValentinKolb/freeze/lib/kv"
	"github.com/dgraph-io/badger/v4"
)

// --------------------------------------------------------------------------
// Cursor
// --------------------------------------------------------------------------

// cursor wraps a forward BadgerDB iterator restricted to the table prefix.
// BadgerDB allows one open iterator per read-write transaction.
type cursor struct {
	table *table
	tx    *badgerTx
	owned bool // tx was started by the cursor and is committed on Close
	dirty bool // the cursor deleted entries

	it     *badger.Iterator
	closed bool
}

func newCursor(t *table, tx *badgerTx, owned bool) (*cursor, error) {
	c := &cursor{table: t, tx: tx, owned: owned}
	err := tx.do(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = t.prefix
		c.it = txn.NewIterator(opts)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// valid reports whether the iterator is positioned on an entry of the table
func (c *cursor) valid() bool {
	return c.it.ValidForPrefix(c.table.prefix)
}

func (c *cursor) move(fn func()) bool {
	if c.closed {
		return false
	}
	c.tx.mu.Lock()
	defer c.tx.mu.Unlock()
	fn()
	return c.valid()
}

func (c *cursor) SeekFirst() bool {
	return c.move(c.it.Rewind)
}

func (c *cursor) SeekTo(key []byte) bool {
	return c.move(func() { c.it.Seek(dataKey(c.table.prefix, key)) })
}

func (c *cursor) Next() bool {
	return c.move(func() {
		if c.valid() {
			c.it.Next()
		}
	})
}

// Prev is not supported, BadgerDB iterators are unidirectional
func (c *cursor) Prev() bool {
	return false
}

func (c *cursor) Current() ([]byte, []byte, error) {
	if c.closed {
		return nil, nil, kv.NewError(kv.RetCInvalidOperation, "cursor closed")
	}
	c.tx.mu.Lock()
	defer c.tx.mu.Unlock()
	if !c.valid() {
		return nil, nil, kv.NewError(kv.RetCInvalidOperation, "cursor not positioned")
	}
	item := c.it.Item()
	value, err := item.ValueCopy(nil)
	if err != nil {
		return nil, nil, mapError(err, "read cursor value of table %q", c.table.name)
	}
	return c.table.trimPrefix(item.KeyCopy(nil)), value, nil
}

func (c *cursor) Delete() error {
	if c.closed {
		return kv.NewError(kv.RetCInvalidOperation, "cursor closed")
	}
	c.tx.mu.Lock()
	if !c.valid() {
		c.tx.mu.Unlock()
		return kv.NewError(kv.RetCInvalidOperation, "cursor not positioned")
	}
	key := c.it.Item().KeyCopy(nil)
	c.tx.mu.Unlock()

	err := c.tx.do(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
	if err == nil {
		c.dirty = true
	}
	return mapError(err, "delete via cursor from table %q", c.table.name)
}

func (c *cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.tx.mu.Lock()
	c.it.Close()
	c.tx.mu.Unlock()

	if !c.owned {
		return nil
	}
	if !c.dirty {
		return c.tx.Abort()
	}
	return c.tx.Commit()
}
