package freeze

import (
	"context"
	"time"
)

// --------------------------------------------------------------------------
// Dispatch
// --------------------------------------------------------------------------

// Dispatch invokes the operation of req on its servant, under the
// transaction policy of the operation:
//
//   - TxNever: fails with ErrDatabase if an ambient transaction is active
//   - TxSupports: runs in the ambient transaction if there is one
//   - TxMandatory: fails with ErrDatabase without an ambient transaction
//   - TxRequired: runs in the ambient transaction or in one owned by the evictor
//
// Operations without a transaction run on the cached servant, a read-write
// operation saves it afterward. Inside a transaction the operation runs on the
// transaction's own copy, which is saved in the transaction and evicted from
// the cache after the commit.
//
// A deadlock of an evictor owned transaction retries the whole dispatch in a
// fresh transaction, up to Options.MaxDeadlockRetries times. A deadlock of an
// ambient transaction is returned as ErrDeadlock naming the transaction.
func (e *Evictor) Dispatch(ctx context.Context, req DispatchRequest) (Result, error) {
	if !e.deactivate.Enter() {
		return Result{}, e.deactivatedError()
	}
	defer e.deactivate.Leave()

	start := time.Now()
	defer e.metrics.dispatchTime.UpdateDuration(start)
	e.metrics.dispatches.Inc()

	ident, facet := req.Identity(), req.Facet()
	tc, err := ambient(ctx)
	if err != nil {
		return Result{}, err
	}
	store := e.findStore(facet)
	if store == nil {
		return Result{}, e.servantNotFound(ident, facet, tc)
	}

	for attempt := 0; ; attempt++ {
		res, retry, err := e.dispatchOnce(ctx, req, store, tc)
		if !retry {
			return res, err
		}
		if e.opts.MaxDeadlockRetries > 0 && attempt >= e.opts.MaxDeadlockRetries {
			log.Warningf("giving up on %s after %d deadlock retries", ident, attempt)
			return Result{}, err
		}
		e.metrics.deadlockRetries.Inc()
		log.Debugf("deadlock while dispatching %s on %s, retrying: %v", req.Operation(), ident, err)
		if err := e.retryPause(ctx); err != nil {
			return Result{}, err
		}
	}
}

// retryPause waits the configured retry delay or until ctx is done
func (e *Evictor) retryPause(ctx context.Context) error {
	if e.opts.DeadlockRetryDelay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(e.opts.DeadlockRetryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// dispatchOnce runs one attempt, retry is true if the attempt failed with a
// deadlock of a transaction the evictor owns
func (e *Evictor) dispatchOnce(ctx context.Context, req DispatchRequest, store *ObjectStore, tc *TransactionContext) (Result, bool, error) {
	ident := req.Identity()

	// the sample servant only provides the operation metadata
	sample, elt, err := e.sampleServant(ident, store, tc)
	if err != nil {
		return Result{}, false, e.storeError(err, tc, "load", ident, store.facet)
	}
	if sample == nil {
		return Result{}, false, e.servantNotFound(ident, store.facet, tc)
	}
	info, ok := sample.Operation(req.Operation())
	if !ok {
		return Result{}, false, &Error{Code: ErrCOperationNotExist, Msg: "unknown operation " + req.Operation(), Identity: ident, Facet: store.facet}
	}

	switch info.Mode {
	case TxNever:
		if tc != nil {
			return Result{}, false, &Error{Code: ErrCDatabase, Msg: "transaction rejected by never", Identity: ident, TxID: tc.ID()}
		}
	case TxMandatory:
		if tc == nil {
			return Result{}, false, &Error{Code: ErrCDatabase, Msg: "mandatory transaction required", Identity: ident}
		}
	}

	if tc == nil && info.Mode != TxRequired {
		res, err := e.invokeWithoutTransaction(ctx, req, elt, info)
		return res, false, err
	}

	if tc != nil {
		res, err := e.invokeInTransaction(ctx, req, store, tc, info, false)
		if err != nil && IsDeadlock(err) {
			return res, false, e.storeError(err, tc, "dispatch", ident, store.facet)
		}
		return res, false, err
	}

	// evictor owned transaction
	owned, err := newTransactionContext(e)
	if err != nil {
		return Result{}, false, err
	}
	res, err := e.invokeInTransaction(WithTransaction(ctx, owned), req, store, owned, info, true)
	if err != nil || res.Status == StatusUserError {
		e.rollback(owned)
		return res, err != nil && IsDeadlock(err), err
	}
	if err := owned.Commit(); err != nil {
		return Result{}, IsDeadlock(err), err
	}
	return res, false, nil
}

// sampleServant returns a servant of ident for reading operation metadata.
// Under a transaction its own copy is preferred, the cache may not know
// servants added by it. elt is the cache element when the servant came from
// the cache.
func (e *Evictor) sampleServant(ident Identity, store *ObjectStore, tc *TransactionContext) (Servant, *EvictorElement, error) {
	if tc != nil {
		if h := tc.findHolder(ident, store); h != nil {
			return h.record.Servant, nil, nil
		}
	}
	elt, err := e.loadCachedServant(ident, store)
	if err != nil {
		return nil, nil, err
	}
	if elt != nil {
		return elt.Servant(), elt, nil
	}
	if tc == nil {
		return nil, nil, nil
	}
	rec, err := store.load(ident, tc.tx)
	if err != nil || rec == nil {
		return nil, nil, err
	}
	return rec.Servant, nil, nil
}

// invokeWithoutTransaction runs the operation on the cached servant and saves
// it outside of a transaction if the operation writes.
//
// Writes of one identity are serialized by its writer lock. A writer holding
// an element that is already stale runs on a copy loaded from the store
// instead, it may predate a save of another writer. After a save that raced
// with an eviction the current cache entry is evicted as well, it may have
// been loaded before the save landed.
func (e *Evictor) invokeWithoutTransaction(ctx context.Context, req DispatchRequest, elt *EvictorElement, info OperationInfo) (Result, error) {
	if info.ReadOnly {
		return req.Invoke(ctx, elt.Servant(), nil)
	}

	store, ident := elt.store, elt.ident
	unlock := store.lockWriter(ident)
	defer unlock()

	record, detached := elt.record, false
	if elt.stale.Load() {
		rec, err := store.load(ident, nil)
		if err != nil {
			return Result{}, e.storeError(err, nil, "load", ident, store.facet)
		}
		if rec == nil {
			return Result{}, e.servantNotFound(ident, store.facet, nil)
		}
		record, detached = rec, true
	}

	res, err := req.Invoke(ctx, record.Servant, nil)
	if err != nil || res.Status != StatusSuccess {
		return res, err
	}
	if detached || elt.stale.Load() {
		// removed while the operation ran, nothing to save
		has, err := store.dbHasObject(ident, nil)
		if err != nil {
			return res, e.storeError(err, nil, "save", ident, store.facet)
		}
		if !has {
			return res, nil
		}
	}
	if err := store.update(ident, record, nil); err != nil {
		return res, e.storeError(err, nil, "save", ident, store.facet)
	}
	if detached || elt.stale.Load() {
		e.evictIdentity(store, ident)
	}
	return res, nil
}

// invokeInTransaction runs the operation on the servant holder of ident in
// tc. For an owned transaction a system error rolls tc back before the holder
// is released, so the release does not touch the failed transaction.
func (e *Evictor) invokeInTransaction(ctx context.Context, req DispatchRequest, store *ObjectStore, tc *TransactionContext, info OperationInfo, owned bool) (Result, error) {
	ident := req.Identity()
	h, err := tc.holder(ident, store, info.ReadOnly)
	if err != nil {
		if owned {
			e.rollback(tc)
		}
		return Result{}, err
	}
	if h == nil {
		if owned {
			e.rollback(tc)
		}
		return Result{}, e.servantNotFound(ident, store.facet, tc)
	}

	res, err := req.Invoke(ctx, h.record.Servant, tc)
	if err == nil {
		err = tc.CheckDeadlock()
	}
	if err != nil && owned {
		e.rollback(tc)
	}

	save := err == nil && res.Status == StatusSuccess
	if rerr := tc.release(h, save); rerr != nil && err == nil {
		if owned {
			e.rollback(tc)
		}
		return res, rerr
	}
	return res, err
}

// rollback rolls tc back, a failing abort is logged and otherwise ignored
func (e *Evictor) rollback(tc *TransactionContext) {
	if err := tc.Rollback(); err != nil {
		log.Warningf("rollback of transaction %s failed: %v", tc.ID(), err)
	}
}
