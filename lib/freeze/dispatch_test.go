package freeze

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ValentinKolb/freeze/lib/kv"
)

func TestTransactionModes(t *testing.T) {
	ctx := context.Background()
	ident := Identity{Name: "c"}

	t.Run("NeverRejectsAmbient", func(t *testing.T) {
		e := newTestEvictor(t, nil, nil)
		mustAdd(t, e, ctx, ident, "", 0)
		tx, txCtx, err := e.BeginTransaction(ctx)
		if err != nil {
			t.Fatalf("BeginTransaction failed: %v", err)
		}
		defer tx.Rollback()

		invoked := false
		req := NewRequest(ident, "", "incNever", func(context.Context, Servant, *TransactionContext) (Result, error) {
			invoked = true
			return Result{}, nil
		})
		_, err = e.Dispatch(txCtx, req)
		if !errors.Is(err, ErrDatabase) {
			t.Errorf("Expected ErrDatabase, got %v", err)
		}
		if invoked {
			t.Errorf("Servant must not be invoked")
		}
	})

	t.Run("NeverWithoutTransaction", func(t *testing.T) {
		e := newTestEvictor(t, nil, nil)
		mustAdd(t, e, ctx, ident, "", 0)
		var gotTx *TransactionContext
		req := NewRequest(ident, "", "incNever", func(_ context.Context, s Servant, tx *TransactionContext) (Result, error) {
			gotTx = tx
			s.(*counter).add(5)
			return Result{}, nil
		})
		if _, err := e.Dispatch(ctx, req); err != nil {
			t.Fatalf("Dispatch failed: %v", err)
		}
		if gotTx != nil {
			t.Errorf("Expected no transaction")
		}
		// saved outside a transaction, visible after eviction
		_ = e.SetSize(0)
		if v := mustGet(t, e, ctx, ident); v != 5 {
			t.Errorf("Expected 5, got %d", v)
		}
	})

	t.Run("MandatoryRequiresAmbient", func(t *testing.T) {
		e := newTestEvictor(t, nil, nil)
		mustAdd(t, e, ctx, ident, "", 0)
		if _, err := e.Dispatch(ctx, incRequest(ident, "", "incMandatory")); !errors.Is(err, ErrDatabase) {
			t.Errorf("Expected ErrDatabase, got %v", err)
		}

		tx, txCtx, _ := e.BeginTransaction(ctx)
		if _, err := e.Dispatch(txCtx, incRequest(ident, "", "incMandatory")); err != nil {
			t.Fatalf("Dispatch in transaction failed: %v", err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("Commit failed: %v", err)
		}
		if v := mustGet(t, e, ctx, ident); v != 1 {
			t.Errorf("Expected 1, got %d", v)
		}
	})

	t.Run("SupportsUsesAmbient", func(t *testing.T) {
		e := newTestEvictor(t, nil, nil)
		mustAdd(t, e, ctx, ident, "", 0)
		tx, txCtx, _ := e.BeginTransaction(ctx)

		var gotTx *TransactionContext
		req := NewRequest(ident, "", "incSupports", func(_ context.Context, s Servant, tc *TransactionContext) (Result, error) {
			gotTx = tc
			s.(*counter).add(1)
			return Result{}, nil
		})
		if _, err := e.Dispatch(txCtx, req); err != nil {
			t.Fatalf("Dispatch failed: %v", err)
		}
		if gotTx != tx {
			t.Errorf("Expected the ambient transaction")
		}
		// not committed yet: the cache still serves the old state
		if v := mustGet(t, e, ctx, ident); v != 0 {
			t.Errorf("Expected uncommitted change to be invisible, got %d", v)
		}
		if v := mustGet(t, e, txCtx, ident); v != 1 {
			t.Errorf("Expected the transaction to see its change, got %d", v)
		}
		_ = tx.Rollback()
		if v := mustGet(t, e, ctx, ident); v != 0 {
			t.Errorf("Expected rolled back change to be discarded, got %d", v)
		}
	})

	t.Run("RequiredCreatesTransaction", func(t *testing.T) {
		e := newTestEvictor(t, nil, nil)
		mustAdd(t, e, ctx, ident, "", 0)
		mustGet(t, e, ctx, ident) // cache it

		var owned *TransactionContext
		req := NewRequest(ident, "", "inc", func(ctx context.Context, s Servant, tc *TransactionContext) (Result, error) {
			owned = tc
			if TransactionFromContext(ctx) != tc {
				t.Errorf("Expected the owned transaction in the context")
			}
			s.(*counter).add(1)
			return Result{}, nil
		})
		if _, err := e.Dispatch(ctx, req); err != nil {
			t.Fatalf("Dispatch failed: %v", err)
		}
		if owned == nil || !owned.Committed() {
			t.Fatalf("Expected a committed evictor owned transaction")
		}
		if v := mustGet(t, e, ctx, ident); v != 1 {
			t.Errorf("Expected the cached copy to be refreshed, got %d", v)
		}
	})
}

func TestDispatchErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("FacetDisambiguation", func(t *testing.T) {
		e := newTestEvictor(t, nil, nil)
		a := Identity{Name: "A"}
		mustAdd(t, e, ctx, a, "f1", 0)

		if _, err := e.Dispatch(ctx, getRequest(a, "f2")); !errors.Is(err, ErrFacetNotExist) {
			t.Errorf("Expected ErrFacetNotExist without a store for f2, got %v", err)
		}
		mustAdd(t, e, ctx, Identity{Name: "B"}, "f2", 0)
		if _, err := e.Dispatch(ctx, getRequest(a, "f2")); !errors.Is(err, ErrFacetNotExist) {
			t.Errorf("Expected ErrFacetNotExist, got %v", err)
		}
		_, err := e.Dispatch(ctx, getRequest(Identity{Name: "C"}, "f1"))
		if !errors.Is(err, ErrObjectNotExist) {
			t.Errorf("Expected ErrObjectNotExist, got %v", err)
		}
		var fe *Error
		if !errors.As(err, &fe) || fe.Identity.Name != "C" || fe.Facet != "f1" {
			t.Errorf("Expected error naming identity and facet, got %v", err)
		}
	})

	t.Run("OperationNotExist", func(t *testing.T) {
		e := newTestEvictor(t, nil, nil)
		mustAdd(t, e, ctx, Identity{Name: "A"}, "", 0)
		if _, err := e.Dispatch(ctx, incRequest(Identity{Name: "A"}, "", "explode")); !errors.Is(err, ErrOperationNotExist) {
			t.Errorf("Expected ErrOperationNotExist, got %v", err)
		}
	})

	t.Run("UserErrorRollsBack", func(t *testing.T) {
		e := newTestEvictor(t, nil, nil)
		a := Identity{Name: "A"}
		mustAdd(t, e, ctx, a, "", 0)

		var owned *TransactionContext
		req := NewRequest(a, "", "inc", func(_ context.Context, s Servant, tc *TransactionContext) (Result, error) {
			owned = tc
			s.(*counter).add(10)
			return Result{Status: StatusUserError, Payload: []byte("nope")}, nil
		})
		res, err := e.Dispatch(ctx, req)
		if err != nil || res.Status != StatusUserError || string(res.Payload) != "nope" {
			t.Fatalf("Expected the user error result, got %+v (%v)", res, err)
		}
		if !owned.RolledBack() {
			t.Errorf("Expected the owned transaction to be rolled back")
		}
		if v := mustGet(t, e, ctx, a); v != 0 {
			t.Errorf("Expected no change, got %d", v)
		}
	})

	t.Run("SystemErrorRollsBack", func(t *testing.T) {
		store := newFaultyStore()
		e := newTestEvictor(t, store, nil)
		a := Identity{Name: "A"}
		mustAdd(t, e, ctx, a, "", 0)

		calls := 0
		boom := errors.New("boom")
		req := NewRequest(a, "", "inc", func(_ context.Context, s Servant, _ *TransactionContext) (Result, error) {
			calls++
			s.(*counter).add(1)
			return Result{}, boom
		})
		if _, err := e.Dispatch(ctx, req); !errors.Is(err, boom) {
			t.Errorf("Expected the system error, got %v", err)
		}
		if calls != 1 || store.commits.Load() != 0 {
			t.Errorf("Expected one call and no commit, got %d calls and %d commits", calls, store.commits.Load())
		}
		if v := mustGet(t, e, ctx, a); v != 0 {
			t.Errorf("Expected no change, got %d", v)
		}
	})

	t.Run("FinishedAmbient", func(t *testing.T) {
		e := newTestEvictor(t, nil, nil)
		mustAdd(t, e, ctx, Identity{Name: "A"}, "", 0)
		tx, txCtx, _ := e.BeginTransaction(ctx)
		_ = tx.Commit()
		if _, err := e.Dispatch(txCtx, getRequest(Identity{Name: "A"}, "")); !errors.Is(err, ErrDatabase) {
			t.Errorf("Expected ErrDatabase for a finished ambient transaction, got %v", err)
		}
	})
}

func TestDeadlockRetry(t *testing.T) {
	ctx := context.Background()
	a := Identity{Name: "A"}

	t.Run("RetriedWithFreshTransactions", func(t *testing.T) {
		const failures = 3
		store := newFaultyStore()
		e := newTestEvictor(t, store, nil)
		mustAdd(t, e, ctx, a, "", 0)
		store.failCommits.Store(failures)

		seen := make(map[string]bool)
		var order []*TransactionContext
		req := NewRequest(a, "", "inc", func(_ context.Context, s Servant, tc *TransactionContext) (Result, error) {
			seen[tc.ID()] = true
			order = append(order, tc)
			s.(*counter).add(1)
			return Result{}, nil
		})
		if _, err := e.Dispatch(ctx, req); err != nil {
			t.Fatalf("Expected the dispatch to succeed after retries, got %v", err)
		}
		if len(order) != failures+1 || len(seen) != failures+1 {
			t.Errorf("Expected %d attempts in distinct transactions, got %d (%d distinct)", failures+1, len(order), len(seen))
		}
		for i, tc := range order[:failures] {
			if !tc.RolledBack() {
				t.Errorf("Attempt %d: expected the failed transaction to be rolled back", i)
			}
		}
		if !order[failures].Committed() {
			t.Errorf("Expected the last attempt to commit")
		}
		if n := e.metrics.deadlockRetries.Get(); n != failures {
			t.Errorf("Expected %d retries, got %d", failures, n)
		}
		if v := mustGet(t, e, ctx, a); v != 1 {
			t.Errorf("Expected exactly one increment, got %d", v)
		}
	})

	t.Run("RetryBound", func(t *testing.T) {
		store := newFaultyStore()
		e := newTestEvictor(t, store, func(o *Options) { o.MaxDeadlockRetries = 2 })
		mustAdd(t, e, ctx, a, "", 0)
		store.failCommits.Store(100)

		calls := 0
		req := NewRequest(a, "", "inc", func(context.Context, Servant, *TransactionContext) (Result, error) {
			calls++
			return Result{}, nil
		})
		_, err := e.Dispatch(ctx, req)
		if !errors.Is(err, ErrDeadlock) || !errors.Is(err, kv.ErrDeadlock) {
			t.Errorf("Expected a deadlock error, got %v", err)
		}
		if calls != 3 {
			t.Errorf("Expected 3 attempts, got %d", calls)
		}
	})

	t.Run("AmbientIsNotRetried", func(t *testing.T) {
		e := newTestEvictor(t, nil, nil)
		mustAdd(t, e, ctx, a, "", 0)
		tx, txCtx, _ := e.BeginTransaction(ctx)
		defer tx.Rollback()

		calls := 0
		req := NewRequest(a, "", "inc", func(context.Context, Servant, *TransactionContext) (Result, error) {
			calls++
			return Result{}, kv.Errorf(kv.RetCDeadlock, "conflict")
		})
		_, err := e.Dispatch(txCtx, req)
		var fe *Error
		if !errors.As(err, &fe) || fe.Code != ErrCDeadlock || fe.TxID != tx.ID() {
			t.Errorf("Expected a deadlock error naming %s, got %v", tx.ID(), err)
		}
		if calls != 1 {
			t.Errorf("Expected no retry, got %d calls", calls)
		}
	})

	t.Run("SentinelUnchanged", func(t *testing.T) {
		e := newTestEvictor(t, nil, nil)
		mustAdd(t, e, ctx, a, "", 0)
		tx, txCtx, _ := e.BeginTransaction(ctx)
		defer tx.Rollback()

		req := NewRequest(a, "", "inc", func(context.Context, Servant, *TransactionContext) (Result, error) {
			return Result{}, ErrDeadlock
		})
		_, err := e.Dispatch(txCtx, req)
		var fe *Error
		if !errors.As(err, &fe) || fe.TxID != tx.ID() || fe.Identity != a {
			t.Errorf("Expected a deadlock error naming %s and %s, got %v", tx.ID(), a, err)
		}
		if fe == ErrDeadlock {
			t.Errorf("Expected a copy of ErrDeadlock")
		}
		if ErrDeadlock.TxID != "" || ErrDeadlock.Identity != (Identity{}) || ErrDeadlock.Facet != "" {
			t.Errorf("ErrDeadlock was modified: %+v", *ErrDeadlock)
		}
	})

	t.Run("MarkedDeadlock", func(t *testing.T) {
		e := newTestEvictor(t, nil, nil)
		mustAdd(t, e, ctx, a, "", 0)

		calls := 0
		req := NewRequest(a, "", "inc", func(_ context.Context, s Servant, tc *TransactionContext) (Result, error) {
			calls++
			s.(*counter).add(1)
			if calls == 1 {
				// reported by an asynchronous completion
				tc.MarkDeadlock(kv.ErrDeadlock)
			}
			return Result{}, nil
		})
		if _, err := e.Dispatch(ctx, req); err != nil {
			t.Fatalf("Dispatch failed: %v", err)
		}
		if calls != 2 {
			t.Errorf("Expected one retry, got %d calls", calls)
		}
		if v := mustGet(t, e, ctx, a); v != 1 {
			t.Errorf("Expected 1, got %d", v)
		}
	})

	t.Run("Cancelled", func(t *testing.T) {
		store := newFaultyStore()
		e := newTestEvictor(t, store, func(o *Options) { o.MaxDeadlockRetries = 0 })
		mustAdd(t, e, ctx, a, "", 0)
		store.failCommits.Store(1 << 20)

		cctx, cancel := context.WithCancel(ctx)
		calls := 0
		req := NewRequest(a, "", "inc", func(context.Context, Servant, *TransactionContext) (Result, error) {
			calls++
			if calls == 5 {
				cancel()
			}
			return Result{}, nil
		})
		if _, err := e.Dispatch(cctx, req); !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
		if calls != 5 {
			t.Errorf("Expected the retry loop to stop after cancel, got %d calls", calls)
		}
	})
}

func TestNestedDispatch(t *testing.T) {
	ctx := context.Background()
	e := newTestEvictor(t, nil, nil)
	a := Identity{Name: "A"}
	mustAdd(t, e, ctx, a, "", 0)

	var outer, inner Servant
	innerReq := NewRequest(a, "", "inc", func(_ context.Context, s Servant, _ *TransactionContext) (Result, error) {
		inner = s
		s.(*counter).add(1)
		return Result{}, nil
	})
	outerReq := NewRequest(a, "", "inc", func(ctx context.Context, s Servant, _ *TransactionContext) (Result, error) {
		outer = s
		s.(*counter).add(1)
		return e.Dispatch(ctx, innerReq)
	})
	if _, err := e.Dispatch(ctx, outerReq); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if outer == nil || outer != inner {
		t.Errorf("Expected nested dispatches to share the servant holder")
	}
	if v := mustGet(t, e, ctx, a); v != 2 {
		t.Errorf("Expected 2, got %d", v)
	}
}

func TestWriteWithoutTransaction(t *testing.T) {
	ctx := context.Background()
	a := Identity{Name: "A"}

	t.Run("EvictedWhileRunning", func(t *testing.T) {
		e := newTestEvictor(t, nil, func(o *Options) { o.Size = 1 })
		mustAdd(t, e, ctx, a, "", 0)

		entered, release := make(chan struct{}), make(chan struct{})
		slow := NewRequest(a, "", "incSupports", func(_ context.Context, s Servant, _ *TransactionContext) (Result, error) {
			close(entered)
			<-release
			s.(*counter).add(1)
			return Result{}, nil
		})

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := e.Dispatch(ctx, slow); err != nil {
				t.Errorf("slow increment failed: %v", err)
			}
		}()
		<-entered

		// the slow writer keeps an evicted element, the next one loads a new one
		_ = e.SetSize(0)
		_ = e.SetSize(1)
		go func() {
			defer wg.Done()
			if _, err := e.Dispatch(ctx, incRequest(a, "", "incSupports")); err != nil {
				t.Errorf("increment failed: %v", err)
			}
		}()
		store := e.findStore("")
		waitFor(t, "the second element", func() bool { return store.getIfPinned(a, false) != nil })

		close(release)
		wg.Wait()
		_ = e.SetSize(0)
		if v := mustGet(t, e, ctx, a); v != 2 {
			t.Errorf("Expected 2, got %d", v)
		}
	})

	t.Run("Concurrent", func(t *testing.T) {
		const writers, rounds = 8, 25
		e := newTestEvictor(t, nil, func(o *Options) { o.Size = 1 })
		idents := []Identity{{Name: "A"}, {Name: "B"}}
		for _, ident := range idents {
			mustAdd(t, e, ctx, ident, "", 0)
		}

		var wg sync.WaitGroup
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < rounds; i++ {
					ident := idents[(w+i)%len(idents)]
					if _, err := e.Dispatch(ctx, incRequest(ident, "", "incSupports")); err != nil {
						t.Errorf("increment of %s failed: %v", ident, err)
						return
					}
				}
			}(w)
		}
		wg.Wait()

		_ = e.SetSize(0)
		var total int32
		for _, ident := range idents {
			total += mustGet(t, e, ctx, ident)
		}
		if total != writers*rounds {
			t.Errorf("Expected %d increments, got %d", writers*rounds, total)
		}
	})

	t.Run("ZeroSize", func(t *testing.T) {
		e := newTestEvictor(t, nil, func(o *Options) { o.Size = 0 })
		mustAdd(t, e, ctx, a, "", 0)
		for i := 0; i < 3; i++ {
			if _, err := e.Dispatch(ctx, incRequest(a, "", "incSupports")); err != nil {
				t.Fatalf("increment failed: %v", err)
			}
		}
		if v := mustGet(t, e, ctx, a); v != 3 {
			t.Errorf("Expected 3, got %d", v)
		}
	})
}
