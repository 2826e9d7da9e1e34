package badgerkv

import (
	"github.com/ValentinKolb/freeze/lib/kv"
	"github.com/dgraph-io/badger/v4"
	"sync"
)

// --------------------------------------------------------------------------
// Transactions
// --------------------------------------------------------------------------

// badgerTx wraps a read-write BadgerDB transaction.
//
// Thread-safety: *badger.Txn is not safe for concurrent use, all access is
// serialized on mu.
type badgerTx struct {
	id    string
	store *badgerStore

	mu       sync.Mutex
	txn      *badger.Txn
	finished bool
}

// own converts a kv.Tx created by this store
func (s *badgerStore) own(tx kv.Tx) (*badgerTx, error) {
	btx, ok := tx.(*badgerTx)
	if !ok || btx.store != s {
		return nil, kv.NewError(kv.RetCInvalidOperation, "transaction does not belong to this store")
	}
	return btx, nil
}

func (tx *badgerTx) ID() string {
	return tx.id
}

// do runs fn with the wrapped transaction
func (tx *badgerTx) do(fn func(txn *badger.Txn) error) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.finished {
		return kv.ErrTxFinished
	}
	if tx.store.closed.Load() {
		return kv.ErrClosed
	}
	return fn(tx.txn)
}

func (tx *badgerTx) Commit() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.finished {
		return kv.ErrTxFinished
	}
	tx.finished = true
	if tx.store.closed.Load() {
		tx.txn.Discard()
		return kv.ErrClosed
	}
	if err := tx.txn.Commit(); err != nil {
		return mapError(err, "commit transaction %s", tx.id)
	}
	return nil
}

func (tx *badgerTx) Abort() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.finished {
		return nil
	}
	tx.finished = true
	tx.txn.Discard()
	return nil
}
