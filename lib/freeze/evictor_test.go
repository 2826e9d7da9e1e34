package freeze

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/freeze/lib/kv/engines/badgerkv"
	"github.com/ValentinKolb/freeze/lib/kv/engines/maple"
)

func TestNew(t *testing.T) {
	store := maple.NewMapleStore(nil)
	defer store.Close()

	if _, err := New(store, Options{Size: 1}); err == nil {
		t.Errorf("Expected error without servant factory")
	}
	if _, err := New(store, Options{Size: -1, Factory: counterFactory}); err == nil {
		t.Errorf("Expected error for negative size")
	}

	// existing tables become facets
	_, _ = store.Open(defaultFacetTable, true)
	_, _ = store.Open("admin", true)
	e, err := New(store, Options{Size: 1, Factory: counterFactory})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if facets := e.Facets(); len(facets) != 2 || facets[0] != "" || facets[1] != "admin" {
		t.Errorf("Expected facets [\"\" admin], got %q", facets)
	}
}

func TestAddRemove(t *testing.T) {
	ctx := context.Background()
	a := Identity{Name: "A", Category: "test"}

	t.Run("WithoutTransaction", func(t *testing.T) {
		e := newTestEvictor(t, nil, nil)
		mustAdd(t, e, ctx, a, "", 1)
		if err := e.Add(ctx, a, &counter{}); !errors.Is(err, ErrAlreadyRegistered) {
			t.Errorf("Expected ErrAlreadyRegistered, got %v", err)
		}
		if err := e.Add(ctx, Identity{Category: "x"}, &counter{}); !errors.Is(err, ErrDatabase) {
			t.Errorf("Expected ErrDatabase for an empty name, got %v", err)
		}
		if has, err := e.HasObject(ctx, a); err != nil || !has {
			t.Errorf("Expected HasObject to be true, got %v (%v)", has, err)
		}
		if has, _ := e.HasFacet(ctx, a, "other"); has {
			t.Errorf("Expected HasFacet for an unknown facet to be false")
		}

		mustGet(t, e, ctx, a)
		cached := e.findStore("").getIfPinned(a, false)
		servant, err := e.Remove(ctx, a)
		if err != nil {
			t.Fatalf("Remove failed: %v", err)
		}
		if servant == nil || servant.(*counter).get() != 1 {
			t.Errorf("Expected the removed servant, got %v", servant)
		}
		if !cached.Stale() {
			t.Errorf("Expected the cached copy to be evicted immediately")
		}
		if has, _ := e.HasObject(ctx, a); has {
			t.Errorf("Expected HasObject to be false after Remove")
		}
		if _, err := e.Remove(ctx, a); !errors.Is(err, ErrNotRegistered) {
			t.Errorf("Expected ErrNotRegistered, got %v", err)
		}
		if _, err := e.RemoveFacet(ctx, a, "unknown"); !errors.Is(err, ErrNotRegistered) {
			t.Errorf("Expected ErrNotRegistered for an unknown facet, got %v", err)
		}
	})

	t.Run("DeferredRemoval", func(t *testing.T) {
		e := newTestEvictor(t, nil, nil)
		mustAdd(t, e, ctx, a, "", 1)
		mustGet(t, e, ctx, a)
		cached := e.findStore("").getIfPinned(a, false)

		tx, txCtx, _ := e.BeginTransaction(ctx)
		servant, err := e.Remove(txCtx, a)
		if err != nil || servant == nil {
			t.Fatalf("Remove in transaction failed: %v", err)
		}
		if cached.Stale() {
			t.Errorf("The cached copy must stay until the commit")
		}
		if has, _ := e.HasObject(ctx, a); !has {
			t.Errorf("Expected A to be visible outside the transaction")
		}
		if has, _ := e.HasObject(txCtx, a); has {
			t.Errorf("Expected A to be gone inside the transaction")
		}
		if _, err := e.Dispatch(txCtx, getRequest(a, "")); !errors.Is(err, ErrObjectNotExist) {
			t.Errorf("Expected ErrObjectNotExist inside the transaction, got %v", err)
		}

		if err := tx.Commit(); err != nil {
			t.Fatalf("Commit failed: %v", err)
		}
		if !cached.Stale() {
			t.Errorf("Expected the cached copy to be evicted on commit")
		}
		if has, _ := e.HasObject(ctx, a); has {
			t.Errorf("Expected A to be gone after the commit")
		}
	})

	t.Run("RolledBackRemoval", func(t *testing.T) {
		e := newTestEvictor(t, nil, nil)
		mustAdd(t, e, ctx, a, "", 1)
		mustGet(t, e, ctx, a)
		cached := e.findStore("").getIfPinned(a, false)

		tx, txCtx, _ := e.BeginTransaction(ctx)
		_, _ = e.Remove(txCtx, a)
		_ = tx.Rollback()
		if cached.Stale() {
			t.Errorf("A rollback must not evict anything")
		}
		if v := mustGet(t, e, ctx, a); v != 1 {
			t.Errorf("Expected 1, got %d", v)
		}
	})

	t.Run("AddInTransaction", func(t *testing.T) {
		e := newTestEvictor(t, nil, nil)
		tx, txCtx, _ := e.BeginTransaction(ctx)
		mustAdd(t, e, txCtx, a, "", 7)
		if has, _ := e.HasObject(ctx, a); has {
			t.Errorf("Expected the uncommitted add to be invisible")
		}
		if v := mustGet(t, e, txCtx, a); v != 7 {
			t.Errorf("Expected 7 inside the transaction, got %d", v)
		}
		_ = tx.Commit()
		if v := mustGet(t, e, ctx, a); v != 7 {
			t.Errorf("Expected 7 after the commit, got %d", v)
		}
	})

	t.Run("RemoveSelf", func(t *testing.T) {
		e := newTestEvictor(t, nil, nil)
		mustAdd(t, e, ctx, a, "", 1)
		req := NewRequest(a, "", "inc", func(ctx context.Context, s Servant, _ *TransactionContext) (Result, error) {
			s.(*counter).add(1)
			_, err := e.Remove(ctx, a)
			return Result{}, err
		})
		if _, err := e.Dispatch(ctx, req); err != nil {
			t.Fatalf("Dispatch failed: %v", err)
		}
		// the removed servant must not be saved again
		if has, _ := e.HasObject(ctx, a); has {
			t.Errorf("Expected A to stay removed")
		}
	})
}

func TestIdentities(t *testing.T) {
	ctx := context.Background()
	e := newTestEvictor(t, nil, nil)

	want := make(map[Identity]bool)
	for i := 0; i < 25; i++ {
		id := Identity{Name: fmt.Sprintf("obj-%02d", i), Category: "batch"}
		want[id] = true
		mustAdd(t, e, ctx, id, "", 0)
	}
	mustAdd(t, e, ctx, Identity{Name: "elsewhere"}, "other", 0)

	it, err := e.Identities(ctx, "", 10)
	if err != nil {
		t.Fatalf("Identities failed: %v", err)
	}
	got := make(map[Identity]bool)
	for it.Next() {
		if got[it.Identity()] {
			t.Errorf("Identity %s returned twice", it.Identity())
		}
		got[it.Identity()] = true
	}
	if err := it.Err(); err != nil {
		t.Fatalf("Iteration failed: %v", err)
	}
	if len(got) != len(want) {
		t.Errorf("Expected %d identities, got %d", len(want), len(got))
	}
	for id := range want {
		if !got[id] {
			t.Errorf("Missing identity %s", id)
		}
	}

	empty, _ := e.Identities(ctx, "missing", 10)
	if empty.Next() {
		t.Errorf("Expected no identities for an unknown facet")
	}
}

func TestKeepStats(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	now := time.UnixMilli(1000)
	e := newTestEvictor(t, nil, func(o *Options) {
		o.KeepStats = true
		o.Clock = func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return now
		}
	})
	setNow := func(ms int64) {
		mu.Lock()
		defer mu.Unlock()
		now = time.UnixMilli(ms)
	}

	a := Identity{Name: "A"}
	mustAdd(t, e, ctx, a, "", 0)
	setNow(3000)
	_, _ = e.Dispatch(ctx, incRequest(a, "", "inc"))
	setNow(4000)
	_, _ = e.Dispatch(ctx, incRequest(a, "", "inc"))

	rec, err := e.findStore("").load(a, nil)
	if err != nil || rec == nil {
		t.Fatalf("load failed: %v", err)
	}
	expected := Statistics{CreationTime: 1000, LastSaveTime: 4000, AvgSaveTime: 1500}
	if rec.Stats != expected {
		t.Errorf("Expected %+v, got %+v", expected, rec.Stats)
	}
}

func TestDeactivate(t *testing.T) {
	ctx := context.Background()
	e := newTestEvictor(t, nil, nil)
	a := Identity{Name: "A"}
	mustAdd(t, e, ctx, a, "", 0)

	entered := make(chan struct{})
	release := make(chan struct{})
	blocking := NewRequest(a, "", "get", func(context.Context, Servant, *TransactionContext) (Result, error) {
		close(entered)
		<-release
		return Result{}, nil
	})
	dispatched := make(chan error, 1)
	go func() {
		_, err := e.Dispatch(ctx, blocking)
		dispatched <- err
	}()
	<-entered

	deactivated := make(chan error, 1)
	go func() { deactivated <- e.Deactivate() }()
	waitFor(t, "deactivation to start", e.deactivate.Deactivating)

	if _, err := e.Dispatch(ctx, getRequest(a, "")); !errors.Is(err, ErrDeactivated) {
		t.Errorf("Expected ErrDeactivated, got %v", err)
	}
	if err := e.Add(ctx, Identity{Name: "B"}, &counter{}); !errors.Is(err, ErrDeactivated) {
		t.Errorf("Expected ErrDeactivated for Add, got %v", err)
	}
	select {
	case <-deactivated:
		t.Fatalf("Deactivate must wait for running dispatches")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	if err := <-dispatched; err != nil {
		t.Errorf("Running dispatch failed: %v", err)
	}
	if err := <-deactivated; err != nil {
		t.Errorf("Deactivate failed: %v", err)
	}
	if e.Size() != 0 || !e.deactivate.Deactivated() {
		t.Errorf("Expected an empty, deactivated evictor")
	}
	if err := e.Deactivate(); err != nil {
		t.Errorf("Expected a second Deactivate to be a no-op, got %v", err)
	}
}

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	e := newTestEvictor(t, nil, func(o *Options) { o.Size = 1 })
	a, b := Identity{Name: "A"}, Identity{Name: "B"}
	mustAdd(t, e, ctx, a, "", 0)
	mustAdd(t, e, ctx, b, "", 0)

	mustGet(t, e, ctx, a) // miss
	mustGet(t, e, ctx, a) // hit
	mustGet(t, e, ctx, b) // miss, evicts a
	_, _ = e.Dispatch(ctx, incRequest(a, "", "inc")) // miss, evicts b, commit evicts a

	if n := e.metrics.dispatches.Get(); n != 4 {
		t.Errorf("Expected 4 dispatches, got %d", n)
	}
	if n := e.metrics.hits.Get(); n != 1 {
		t.Errorf("Expected 1 hit, got %d", n)
	}
	if n := e.metrics.misses.Get(); n != 3 {
		t.Errorf("Expected 3 misses, got %d", n)
	}
	if n := e.metrics.evictions.Get(); n != 2 {
		t.Errorf("Expected 2 evictions, got %d", n)
	}
	if n := e.metrics.commits.Get(); n != 1 {
		t.Errorf("Expected 1 commit, got %d", n)
	}

	var buf bytes.Buffer
	e.Metrics().WritePrometheus(&buf)
	for _, name := range []string{"freeze_evictor_dispatches_total 4", "freeze_evictor_cache_size 0"} {
		if !strings.Contains(buf.String(), name) {
			t.Errorf("Expected %q in metrics output:\n%s", name, buf.String())
		}
	}
}

func TestConcurrentIncrements(t *testing.T) {
	engines := map[string]func(t *testing.T) *Evictor{
		"maple": func(t *testing.T) *Evictor {
			return newTestEvictor(t, nil, func(o *Options) { o.MaxDeadlockRetries = 0 })
		},
		"badger": func(t *testing.T) *Evictor {
			store, err := badgerkv.NewBadgerStore(badgerkv.InMemoryConfig())
			if err != nil {
				t.Fatalf("NewBadgerStore failed: %v", err)
			}
			return newTestEvictor(t, store, func(o *Options) { o.MaxDeadlockRetries = 0 })
		},
	}

	for name, create := range engines {
		t.Run(name, func(t *testing.T) {
			const workers, perWorker = 8, 20
			ctx := context.Background()
			e := create(t)
			a := Identity{Name: "shared"}
			mustAdd(t, e, ctx, a, "", 0)

			var wg sync.WaitGroup
			for w := 0; w < workers; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := 0; i < perWorker; i++ {
						if _, err := e.Dispatch(ctx, incRequest(a, "", "inc")); err != nil {
							t.Errorf("Dispatch failed: %v", err)
							return
						}
						if _, err := e.Dispatch(ctx, getRequest(a, "")); err != nil {
							t.Errorf("get failed: %v", err)
							return
						}
					}
				}()
			}
			wg.Wait()

			_ = e.SetSize(0)
			if v := mustGet(t, e, ctx, a); v != workers*perWorker {
				t.Errorf("Expected %d, got %d", workers*perWorker, v)
			}
		})
	}
}
