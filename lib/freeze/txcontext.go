package freeze

import (
	"context"
	"github.com/ValentinKolb/freeze/lib/kv"
	"github.com/google/uuid"
	"sync"
)

// --------------------------------------------------------------------------
// Transaction State
// --------------------------------------------------------------------------

// TxState is the state of a TransactionContext. Committed and RolledBack are final.
type TxState uint8

const (
	TxActive TxState = iota
	TxCommitted
	TxRolledBack
)

func (s TxState) String() string {
	switch s {
	case TxActive:
		return "active"
	case TxCommitted:
		return "committed"
	case TxRolledBack:
		return "rolled back"
	default:
		return "unknown"
	}
}

// --------------------------------------------------------------------------
// Transaction Context
// --------------------------------------------------------------------------

// holderKey identifies a servant inside a transaction
type holderKey struct {
	store *ObjectStore
	key   string
}

// servantHolder is the private copy of a servant used by one transaction.
// Nested dispatches on the same identity share the holder, the outermost
// release saves it.
type servantHolder struct {
	key      holderKey
	ident    Identity
	record   *ObjectRecord
	refs     int
	readOnly bool
	removed  bool
}

// invalidation is a cache eviction applied after a successful commit
type invalidation struct {
	store *ObjectStore
	ident Identity
}

// TransactionContext is one transaction of the evictor. Servants used inside
// the transaction are loaded through it, and cached copies of servants it
// modifies or removes are evicted once the commit succeeded.
//
// Thread-safety: safe for concurrent use. Dispatches sharing a context are
// serialized on the key-value transaction.
type TransactionContext struct {
	id      string
	evictor *Evictor
	tx      kv.Tx

	mu            sync.Mutex
	state         TxState
	holders       map[holderKey]*servantHolder
	invalidations []invalidation
	scheduled     map[holderKey]struct{}
	deadlock      error
}

func newTransactionContext(e *Evictor) (*TransactionContext, error) {
	tx, err := e.kvStore.BeginTransaction()
	if err != nil {
		return nil, databaseError(err, "cannot begin transaction")
	}
	tc := &TransactionContext{
		id:        uuid.NewString(),
		evictor:   e,
		tx:        tx,
		holders:   make(map[holderKey]*servantHolder),
		scheduled: make(map[holderKey]struct{}),
	}
	log.Debugf("transaction %s started (store transaction %s)", tc.id, tx.ID())
	return tc, nil
}

// ID returns the unique id of the transaction
func (tc *TransactionContext) ID() string {
	return tc.id
}

// Tx returns the underlying key-value transaction, for application tables
// that take part in the same transaction
func (tc *TransactionContext) Tx() kv.Tx {
	return tc.tx
}

// State returns the current state
func (tc *TransactionContext) State() TxState {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.state
}

// Committed reports whether the transaction committed
func (tc *TransactionContext) Committed() bool {
	return tc.State() == TxCommitted
}

// RolledBack reports whether the transaction was rolled back
func (tc *TransactionContext) RolledBack() bool {
	return tc.State() == TxRolledBack
}

func (tc *TransactionContext) activeLocked() error {
	if tc.state != TxActive {
		return &Error{Code: ErrCDatabase, Msg: "transaction is " + tc.state.String(), TxID: tc.id}
	}
	return nil
}

// wrap converts a store failure of this transaction into an *Error naming it
func (tc *TransactionContext) wrap(err error, what string) *Error {
	fe := databaseError(err, "%s failed", what)
	if fe.TxID == "" {
		fe.TxID = tc.id
	}
	return fe
}

// holder returns the servant holder of ident, loading the servant inside the
// transaction if this is the first use. It returns nil if ident does not
// exist in the transaction's view.
func (tc *TransactionContext) holder(ident Identity, store *ObjectStore, readOnly bool) (*servantHolder, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if err := tc.activeLocked(); err != nil {
		return nil, err
	}

	k := holderKey{store: store, key: string(identityKey(ident))}
	if h, ok := tc.holders[k]; ok {
		if h.removed {
			return nil, nil
		}
		h.refs++
		if !readOnly {
			h.readOnly = false
		}
		return h, nil
	}

	rec, err := store.load(ident, tc.tx)
	if err != nil {
		if IsDeadlock(err) {
			tc.deadlock = err
		}
		return nil, tc.wrap(err, "load")
	}
	if rec == nil {
		return nil, nil
	}
	h := &servantHolder{key: k, ident: ident, record: rec, refs: 1, readOnly: readOnly}
	tc.holders[k] = h
	return h, nil
}

// findHolder returns the holder of ident if the transaction uses it
func (tc *TransactionContext) findHolder(ident Identity, store *ObjectStore) *servantHolder {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	h := tc.holders[holderKey{store: store, key: string(identityKey(ident))}]
	if h == nil || h.removed {
		return nil
	}
	return h
}

// release drops one reference of h. The last release of a read-write holder
// saves the servant inside the transaction and schedules its invalidation,
// unless save is false or the transaction is no longer active.
func (tc *TransactionContext) release(h *servantHolder, save bool) error {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	h.refs--
	if h.refs > 0 {
		return nil
	}
	delete(tc.holders, h.key)

	// rolled back before the cleanup, nothing to do
	if tc.state != TxActive {
		return nil
	}
	if !save || h.readOnly || h.removed {
		return nil
	}
	if err := h.key.store.update(h.ident, h.record, tc.tx); err != nil {
		if IsDeadlock(err) {
			tc.deadlock = err
		}
		return tc.wrap(err, "save "+h.ident.String())
	}
	tc.invalidateLocked(h.key.store, h.ident)
	return nil
}

// servantRemoved schedules the eviction of ident for the commit and returns
// the servant the transaction uses for it, nil if it has none. The cached
// copy stays visible to other callers until then.
func (tc *TransactionContext) servantRemoved(ident Identity, store *ObjectStore) Servant {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.state != TxActive {
		return nil
	}

	var servant Servant
	if h, ok := tc.holders[holderKey{store: store, key: string(identityKey(ident))}]; ok {
		h.removed = true
		servant = h.record.Servant
	}
	tc.invalidateLocked(store, ident)
	return servant
}

func (tc *TransactionContext) invalidateLocked(store *ObjectStore, ident Identity) {
	k := holderKey{store: store, key: string(identityKey(ident))}
	if _, ok := tc.scheduled[k]; ok {
		return
	}
	tc.scheduled[k] = struct{}{}
	tc.invalidations = append(tc.invalidations, invalidation{store: store, ident: ident})
}

// pendingInvalidations returns the number of scheduled evictions
func (tc *TransactionContext) pendingInvalidations() int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return len(tc.invalidations)
}

func (tc *TransactionContext) discardLocked() {
	tc.holders = nil
	tc.invalidations = nil
	tc.scheduled = nil
}

// MarkDeadlock records a deadlock observed while the transaction was used,
// for example by an asynchronous completion. The next CheckDeadlock or
// Commit reports it.
func (tc *TransactionContext) MarkDeadlock(err error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.deadlock == nil {
		tc.deadlock = err
	}
}

// CheckDeadlock returns a deadlock error naming the transaction if a deadlock
// was recorded
func (tc *TransactionContext) CheckDeadlock() error {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.deadlockErrorLocked()
}

func (tc *TransactionContext) deadlockErrorLocked() error {
	if tc.deadlock == nil {
		return nil
	}
	return &Error{Code: ErrCDeadlock, Msg: "transaction deadlocked", TxID: tc.id, Err: tc.deadlock}
}

// Commit commits the key-value transaction and afterward evicts the cached
// copies of all servants the transaction modified or removed. If the commit
// fails nothing is evicted and the transaction is rolled back.
func (tc *TransactionContext) Commit() error {
	tc.mu.Lock()
	if err := tc.activeLocked(); err != nil {
		tc.mu.Unlock()
		return err
	}

	var commitErr error
	if derr := tc.deadlockErrorLocked(); derr != nil {
		commitErr = derr
	} else if err := tc.tx.Commit(); err != nil {
		commitErr = tc.wrap(err, "commit")
	}
	if commitErr != nil {
		tc.state = TxRolledBack
		tc.discardLocked()
		_ = tc.tx.Abort()
		tc.mu.Unlock()
		tc.evictor.metrics.rollbacks.Inc()
		log.Debugf("transaction %s rolled back on commit: %v", tc.id, commitErr)
		return commitErr
	}

	tc.state = TxCommitted
	pending := tc.invalidations
	tc.discardLocked()
	tc.mu.Unlock()

	tc.evictor.applyInvalidations(pending)
	tc.evictor.metrics.commits.Inc()
	log.Debugf("transaction %s committed, %d cached servants invalidated", tc.id, len(pending))
	return nil
}

// Rollback aborts the key-value transaction and discards all pending cache
// changes. Rolling back a finished transaction is a no-op.
func (tc *TransactionContext) Rollback() error {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.state != TxActive {
		return nil
	}
	tc.state = TxRolledBack
	tc.discardLocked()
	tc.evictor.metrics.rollbacks.Inc()
	log.Debugf("transaction %s rolled back", tc.id)
	if err := tc.tx.Abort(); err != nil {
		return tc.wrap(err, "rollback")
	}
	return nil
}

// --------------------------------------------------------------------------
// Ambient Transactions
// --------------------------------------------------------------------------

type txContextKey struct{}

// WithTransaction returns a context carrying tc as the ambient transaction
func WithTransaction(ctx context.Context, tc *TransactionContext) context.Context {
	return context.WithValue(ctx, txContextKey{}, tc)
}

// TransactionFromContext returns the ambient transaction of ctx, nil if there is none
func TransactionFromContext(ctx context.Context) *TransactionContext {
	tc, _ := ctx.Value(txContextKey{}).(*TransactionContext)
	return tc
}
