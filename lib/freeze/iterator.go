package freeze

import (
	"bytes"
	"context"
	"github.com/ValentinKolb/freeze/lib/kv"
)

// --------------------------------------------------------------------------
// Evictor Iterator
// --------------------------------------------------------------------------

// EvictorIterator iterates over the identities of one facet. Identities are
// read in batches, every batch opens its own cursor.
//
// Usage:
//
//	it, err := evictor.Identities(ctx, "", 100)
//	for it.Next() {
//		fmt.Println(it.Identity())
//	}
//	if err := it.Err(); err != nil { ... }
//
// Thread-safety: not safe for concurrent use.
type EvictorIterator struct {
	table     kv.Table
	tx        kv.Tx
	batchSize int

	batch   []Identity
	pos     int
	lastKey []byte
	done    bool
	current Identity
	err     error
}

// Identities returns an iterator over the identities of facet. Under an
// ambient transaction the batches are read inside it. A facet without a store
// yields no identities.
func (e *Evictor) Identities(ctx context.Context, facet string, batchSize int) (*EvictorIterator, error) {
	if !e.deactivate.Enter() {
		return nil, e.deactivatedError()
	}
	defer e.deactivate.Leave()

	if batchSize <= 0 {
		batchSize = 100
	}
	tc, err := ambient(ctx)
	if err != nil {
		return nil, err
	}
	it := &EvictorIterator{tx: kvTx(tc), batchSize: batchSize}
	store := e.findStore(facet)
	if store == nil {
		it.done = true
		return it, nil
	}
	it.table = store.table
	return it, nil
}

// Next advances to the next identity, it returns false at the end or on error
func (it *EvictorIterator) Next() bool {
	if it.err != nil {
		return false
	}
	if it.pos >= len(it.batch) {
		if it.done {
			return false
		}
		if it.err = it.loadBatch(); it.err != nil || len(it.batch) == 0 {
			return false
		}
	}
	it.current = it.batch[it.pos]
	it.pos++
	return true
}

// Identity returns the identity Next moved to
func (it *EvictorIterator) Identity() Identity {
	return it.current
}

// Err returns the error that stopped the iteration
func (it *EvictorIterator) Err() error {
	return it.err
}

// loadBatch reads the identities following lastKey
func (it *EvictorIterator) loadBatch() error {
	it.batch = it.batch[:0]
	it.pos = 0

	cursor, err := it.table.Cursor(it.tx)
	if err != nil {
		return databaseError(err, "cannot open cursor")
	}
	defer cursor.Close()

	var ok bool
	if it.lastKey == nil {
		ok = cursor.SeekFirst()
	} else {
		ok = cursor.SeekTo(it.lastKey)
		if ok {
			key, _, err := cursor.Current()
			if err != nil {
				return databaseError(err, "cursor read failed")
			}
			if bytes.Equal(key, it.lastKey) {
				ok = cursor.Next()
			}
		}
	}

	for ok && len(it.batch) < it.batchSize {
		key, _, err := cursor.Current()
		if err != nil {
			return databaseError(err, "cursor read failed")
		}
		ident, err := identityFromKey(key)
		if err != nil {
			return databaseError(err, "invalid key in table %q", it.table.Name())
		}
		it.batch = append(it.batch, ident)
		it.lastKey = key
		ok = cursor.Next()
	}
	if !ok {
		it.done = true
	}
	return nil
}
