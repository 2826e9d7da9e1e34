package maple

import (
	"errors"
	"github.com/ValentinKolb/freeze/lib/kv"
	"sort"
	"sync"
)

// --------------------------------------------------------------------------
// Transactions
// --------------------------------------------------------------------------

// pendingWrite is a buffered change of a transaction
type pendingWrite struct {
	value   []byte
	deleted bool
}

// mapleTx is an optimistic transaction.
//
// Thread-safety: a transaction may be used from several goroutines, all
// methods serialize on the transaction mutex.
type mapleTx struct {
	id    string
	store *mapleImpl

	mu       sync.Mutex
	finished bool
	reads    map[*table]map[string]uint64 // first observed version per key, 0 = absent
	writes   map[*table]map[string]*pendingWrite
}

// own converts a kv.Tx created by this store
func (maple *mapleImpl) own(tx kv.Tx) (*mapleTx, error) {
	mtx, ok := tx.(*mapleTx)
	if !ok || mtx.store != maple {
		return nil, kv.NewError(kv.RetCInvalidOperation, "transaction does not belong to this store")
	}
	return mtx, nil
}

func isConflict(err error) bool {
	return errors.Is(err, kv.ErrDeadlock)
}

func (tx *mapleTx) ID() string {
	return tx.id
}

// get returns the value of key as seen by the transaction and records the
// observed committed version for validation
func (tx *mapleTx) get(t *table, key string) ([]byte, bool, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.usable(); err != nil {
		return nil, false, err
	}

	if w, ok := tx.writes[t][key]; ok {
		if w.deleted {
			return nil, false, nil
		}
		return copyBytes(w.value), true, nil
	}

	e, ok := t.committed(key)
	tx.observe(t, key, e.Version, ok)
	if !ok {
		return nil, false, nil
	}
	return copyBytes(e.Value), true, nil
}

// observe records the first version of key seen by the transaction
func (tx *mapleTx) observe(t *table, key string, version uint64, found bool) {
	reads, ok := tx.reads[t]
	if !ok {
		reads = make(map[string]uint64)
		tx.reads[t] = reads
	}
	if _, seen := reads[key]; seen {
		return
	}
	if !found {
		version = 0
	}
	reads[key] = version
}

func (tx *mapleTx) put(t *table, key string, value []byte) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.usable(); err != nil {
		return err
	}
	tx.write(t, key, &pendingWrite{value: copyBytes(value)})
	return nil
}

func (tx *mapleTx) delete(t *table, key string) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.usable(); err != nil {
		return err
	}
	tx.write(t, key, &pendingWrite{deleted: true})
	return nil
}

func (tx *mapleTx) write(t *table, key string, w *pendingWrite) {
	writes, ok := tx.writes[t]
	if !ok {
		writes = make(map[string]*pendingWrite)
		tx.writes[t] = writes
	}
	writes[key] = w
}

// keys returns the sorted keys of t visible to the transaction.
// Keys only read through a cursor are not recorded: phantom inserts of
// concurrent transactions are not detected.
func (tx *mapleTx) keys(t *table) []string {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	writes := tx.writes[t]
	keys := t.committedKeys()
	out := keys[:0]
	for _, k := range keys {
		if w, ok := writes[k]; ok && w.deleted {
			continue
		}
		out = append(out, k)
	}
	for k, w := range writes {
		if w.deleted {
			continue
		}
		if _, ok := t.committed(k); !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func (tx *mapleTx) hasWrites() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return len(tx.writes) > 0
}

func (tx *mapleTx) usable() error {
	if tx.finished {
		return kv.ErrTxFinished
	}
	if tx.store.closed.Load() {
		return kv.ErrClosed
	}
	return nil
}

// Commit validates the read set and applies all buffered writes atomically
func (tx *mapleTx) Commit() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.usable(); err != nil {
		return err
	}
	tx.finished = true

	store := tx.store
	store.commitMu.Lock()
	defer store.commitMu.Unlock()

	for t, reads := range tx.reads {
		for key, version := range reads {
			e, ok := t.committed(key)
			current := uint64(0)
			if ok {
				current = e.Version
			}
			if current != version {
				store.conflicts.Add(1)
				return kv.Errorf(kv.RetCDeadlock, "transaction %s conflicts on table %q", tx.id, t.name)
			}
		}
	}

	if len(tx.writes) == 0 {
		store.commits.Add(1)
		return nil
	}
	version := store.version.Add(1)
	for t, writes := range tx.writes {
		for key, w := range writes {
			t.apply(key, w, version)
		}
	}
	store.commits.Add(1)
	return nil
}

// Abort discards all buffered writes
func (tx *mapleTx) Abort() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.finished {
		return nil
	}
	tx.finished = true
	tx.reads = nil
	tx.writes = nil
	tx.store.aborts.Add(1)
	return nil
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
