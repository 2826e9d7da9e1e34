package testing

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ValentinKolb/freeze/lib/kv"
)

// StoreFactory is a function that creates a new, empty instance of a kv.Store implementation
type StoreFactory func() kv.Store

// RunStoreTests runs a comprehensive test suite for a kv.Store implementation.
func RunStoreTests(t *testing.T, name string, factory StoreFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("Tables", func(t *testing.T) {
			testTables(t, factory())
		})

		t.Run("Put&Get", func(t *testing.T) {
			testPutGet(t, factory())
		})

		t.Run("PutIfAbsent", func(t *testing.T) {
			testPutIfAbsent(t, factory())
		})

		t.Run("Delete", func(t *testing.T) {
			testDelete(t, factory())
		})

		t.Run("Count", func(t *testing.T) {
			testCount(t, factory())
		})

		t.Run("TableIsolation", func(t *testing.T) {
			testTableIsolation(t, factory())
		})

		t.Run("TxCommitAbort", func(t *testing.T) {
			testTxCommitAbort(t, factory())
		})

		t.Run("TxConflict", func(t *testing.T) {
			testTxConflict(t, factory())
		})

		t.Run("TxFinished", func(t *testing.T) {
			testTxFinished(t, factory())
		})

		t.Run("Cursor", func(t *testing.T) {
			testCursor(t, factory())
		})

		t.Run("CursorDelete", func(t *testing.T) {
			testCursorDelete(t, factory())
		})

		t.Run("ConcurrentIncrements", func(t *testing.T) {
			testConcurrentIncrements(t, factory())
		})

		t.Run("SaveLoad", func(t *testing.T) {
			testSaveLoad(t, factory)
		})

		t.Run("Close", func(t *testing.T) {
			testClose(t, factory())
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// Checks if the store supports the specified feature
// Skip the test if it is not supported
func requireFeature(t testing.TB, store kv.Store, feature kv.Feature) {
	if !store.SupportsFeature(feature) {
		t.Skip()
	}
}

func mustOpen(t testing.TB, store kv.Store, name string) kv.Table {
	table, err := store.Open(name, true)
	if err != nil {
		t.Fatalf("Open(%s) failed: %v", name, err)
	}
	return table
}

func mustBegin(t testing.TB, store kv.Store) kv.Tx {
	tx, err := store.BeginTransaction()
	if err != nil {
		t.Fatalf("BeginTransaction failed: %v", err)
	}
	return tx
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testTables(t *testing.T, store kv.Store) {
	defer store.Close()

	if _, err := store.Open("missing", false); !errors.Is(err, kv.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for missing table, got %v", err)
	}

	mustOpen(t, store, "beta")
	mustOpen(t, store, "alpha")
	mustOpen(t, store, "alpha") // opening twice is fine

	names, err := store.Tables()
	if err != nil {
		t.Fatalf("Tables failed: %v", err)
	}
	if len(names) != 2 || names[0] != "alpha" || names[1] != "beta" {
		t.Errorf("Expected [alpha beta], got %v", names)
	}

	table, err := store.Open("alpha", false)
	if err != nil || table.Name() != "alpha" {
		t.Errorf("Expected existing table alpha, got %v", err)
	}
}

func testPutGet(t *testing.T, store kv.Store) {
	defer store.Close()
	table := mustOpen(t, store, "data")

	key := []byte("test-key")
	if _, err := table.Get(nil, key); !errors.Is(err, kv.ErrNotFound) {
		t.Errorf("Expected ErrNotFound before Put, got %v", err)
	}

	if err := table.Put(nil, key, []byte("value1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := table.Put(nil, key, []byte("value2")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	value, err := table.Get(nil, key)
	if err != nil || !bytes.Equal(value, []byte("value2")) {
		t.Errorf("Expected value2, got %s (%v)", value, err)
	}

	// modifying a returned value must not change the stored one
	value[0] = 'X'
	again, _ := table.Get(nil, key)
	if !bytes.Equal(again, []byte("value2")) {
		t.Errorf("Stored value was modified through returned slice: %s", again)
	}

	has, err := table.Has(nil, key)
	if err != nil || !has {
		t.Errorf("Expected Has to return true, got %v (%v)", has, err)
	}
	has, _ = table.Has(nil, []byte("other"))
	if has {
		t.Errorf("Expected Has to return false for missing key")
	}

	// empty values are distinct from missing keys
	if err := table.Put(nil, []byte("empty"), []byte{}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if has, _ := table.Has(nil, []byte("empty")); !has {
		t.Errorf("Expected key with empty value to exist")
	}
}

func testPutIfAbsent(t *testing.T, store kv.Store) {
	defer store.Close()
	table := mustOpen(t, store, "data")

	inserted, err := table.PutIfAbsent(nil, []byte("k"), []byte("first"))
	if err != nil || !inserted {
		t.Fatalf("Expected first PutIfAbsent to insert, got %v (%v)", inserted, err)
	}
	inserted, err = table.PutIfAbsent(nil, []byte("k"), []byte("second"))
	if err != nil || inserted {
		t.Errorf("Expected second PutIfAbsent not to insert, got %v (%v)", inserted, err)
	}
	value, _ := table.Get(nil, []byte("k"))
	if !bytes.Equal(value, []byte("first")) {
		t.Errorf("Expected first, got %s", value)
	}
}

func testDelete(t *testing.T, store kv.Store) {
	defer store.Close()
	table := mustOpen(t, store, "data")

	existed, err := table.Delete(nil, []byte("k"))
	if err != nil || existed {
		t.Errorf("Expected Delete of missing key to return false, got %v (%v)", existed, err)
	}

	_ = table.Put(nil, []byte("k"), []byte("v"))
	existed, err = table.Delete(nil, []byte("k"))
	if err != nil || !existed {
		t.Errorf("Expected Delete to return true, got %v (%v)", existed, err)
	}
	if _, err := table.Get(nil, []byte("k")); !errors.Is(err, kv.ErrNotFound) {
		t.Errorf("Expected ErrNotFound after Delete, got %v", err)
	}
}

func testCount(t *testing.T, store kv.Store) {
	defer store.Close()
	table := mustOpen(t, store, "data")

	for i := 0; i < 50; i++ {
		_ = table.Put(nil, []byte(fmt.Sprintf("key-%03d", i)), []byte("v"))
	}
	n, err := table.Count(nil)
	if err != nil || n != 50 {
		t.Errorf("Expected 50 entries, got %d (%v)", n, err)
	}

	tx := mustBegin(t, store)
	_ = table.Put(tx, []byte("key-new"), []byte("v"))
	_, _ = table.Delete(tx, []byte("key-000"))
	_, _ = table.Delete(tx, []byte("key-001"))
	n, err = table.Count(tx)
	if err != nil || n != 49 {
		t.Errorf("Expected 49 entries inside transaction, got %d (%v)", n, err)
	}
	_ = tx.Abort()
}

func testTableIsolation(t *testing.T, store kv.Store) {
	defer store.Close()
	a := mustOpen(t, store, "a")
	b := mustOpen(t, store, "b")

	_ = a.Put(nil, []byte("k"), []byte("in-a"))
	if has, _ := b.Has(nil, []byte("k")); has {
		t.Errorf("Key written to table a must not be visible in table b")
	}
	_ = b.Put(nil, []byte("k"), []byte("in-b"))
	va, _ := a.Get(nil, []byte("k"))
	vb, _ := b.Get(nil, []byte("k"))
	if !bytes.Equal(va, []byte("in-a")) || !bytes.Equal(vb, []byte("in-b")) {
		t.Errorf("Expected independent values, got %s and %s", va, vb)
	}

	// a prefix of another table's name must not leak entries
	ab := mustOpen(t, store, "a\x01")
	if n, _ := ab.Count(nil); n != 0 {
		t.Errorf("Expected empty table, got %d entries", n)
	}
}

func testTxCommitAbort(t *testing.T, store kv.Store) {
	defer store.Close()
	requireFeature(t, store, kv.FeatureTransactions)
	a := mustOpen(t, store, "a")
	b := mustOpen(t, store, "b")

	tx := mustBegin(t, store)
	if tx.ID() == "" {
		t.Errorf("Expected a transaction id")
	}
	_ = a.Put(tx, []byte("k"), []byte("1"))
	_ = b.Put(tx, []byte("k"), []byte("2"))

	// own writes are visible inside the transaction
	if v, err := a.Get(tx, []byte("k")); err != nil || !bytes.Equal(v, []byte("1")) {
		t.Errorf("Expected own write inside transaction, got %s (%v)", v, err)
	}
	// but not outside of it
	if has, _ := a.Has(nil, []byte("k")); has {
		t.Errorf("Uncommitted write must not be visible outside the transaction")
	}

	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if v, _ := b.Get(nil, []byte("k")); !bytes.Equal(v, []byte("2")) {
		t.Errorf("Expected committed value 2, got %s", v)
	}

	tx = mustBegin(t, store)
	_ = a.Put(tx, []byte("k"), []byte("changed"))
	_, _ = b.Delete(tx, []byte("k"))
	if err := tx.Abort(); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}
	if err := tx.Abort(); err != nil {
		t.Errorf("Second Abort must be a no-op, got %v", err)
	}
	if v, _ := a.Get(nil, []byte("k")); !bytes.Equal(v, []byte("1")) {
		t.Errorf("Aborted write must be discarded, got %s", v)
	}
	if has, _ := b.Has(nil, []byte("k")); !has {
		t.Errorf("Aborted delete must be discarded")
	}
}

func testTxConflict(t *testing.T, store kv.Store) {
	defer store.Close()
	requireFeature(t, store, kv.FeatureTransactions)
	table := mustOpen(t, store, "data")
	_ = table.Put(nil, []byte("counter"), []byte("0"))

	tx1 := mustBegin(t, store)
	tx2 := mustBegin(t, store)

	if _, err := table.Get(tx1, []byte("counter")); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if _, err := table.Get(tx2, []byte("counter")); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	_ = table.Put(tx1, []byte("counter"), []byte("1"))
	_ = table.Put(tx2, []byte("counter"), []byte("2"))

	if err := tx1.Commit(); err != nil {
		t.Fatalf("First commit failed: %v", err)
	}
	err := tx2.Commit()
	if !errors.Is(err, kv.ErrDeadlock) {
		t.Errorf("Expected ErrDeadlock for conflicting commit, got %v", err)
	}
	_ = tx2.Abort()

	v, _ := table.Get(nil, []byte("counter"))
	if !bytes.Equal(v, []byte("1")) {
		t.Errorf("Expected value of first transaction, got %s", v)
	}
}

func testTxFinished(t *testing.T, store kv.Store) {
	defer store.Close()
	requireFeature(t, store, kv.FeatureTransactions)
	table := mustOpen(t, store, "data")

	tx := mustBegin(t, store)
	_ = table.Put(tx, []byte("k"), []byte("v"))
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if err := table.Put(tx, []byte("k2"), []byte("v")); err == nil {
		t.Errorf("Expected error when using a committed transaction")
	}
	if err := tx.Commit(); err == nil {
		t.Errorf("Expected error on second commit")
	}
}

func testCursor(t *testing.T, store kv.Store) {
	defer store.Close()
	requireFeature(t, store, kv.FeatureCursor)
	table := mustOpen(t, store, "data")

	keys := []string{"b", "d", "a", "c", "e"}
	for _, k := range keys {
		_ = table.Put(nil, []byte(k), []byte("v-"+k))
	}

	c, err := table.Cursor(nil)
	if err != nil {
		t.Fatalf("Cursor failed: %v", err)
	}
	var got []string
	for ok := c.SeekFirst(); ok; ok = c.Next() {
		k, v, err := c.Current()
		if err != nil {
			t.Fatalf("Current failed: %v", err)
		}
		if !bytes.Equal(v, []byte("v-"+string(k))) {
			t.Errorf("Unexpected value %s for key %s", v, k)
		}
		got = append(got, string(k))
	}
	if fmt.Sprint(got) != "[a b c d e]" {
		t.Errorf("Expected ascending order, got %v", got)
	}

	if !c.SeekTo([]byte("bb")) {
		t.Fatalf("SeekTo(bb) should find c")
	}
	if k, _, _ := c.Current(); string(k) != "c" {
		t.Errorf("Expected c after SeekTo(bb), got %s", k)
	}
	if c.SeekTo([]byte("f")) {
		t.Errorf("SeekTo past the last key must return false")
	}

	if store.SupportsFeature(kv.FeatureReverseCursor) {
		c.SeekTo([]byte("c"))
		if !c.Prev() {
			t.Fatalf("Prev from c should find b")
		}
		if k, _, _ := c.Current(); string(k) != "b" {
			t.Errorf("Expected b after Prev, got %s", k)
		}
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}

	empty := mustOpen(t, store, "empty")
	ec, _ := empty.Cursor(nil)
	if ec.SeekFirst() {
		t.Errorf("SeekFirst on empty table must return false")
	}
	_ = ec.Close()
}

func testCursorDelete(t *testing.T, store kv.Store) {
	defer store.Close()
	requireFeature(t, store, kv.FeatureCursor|kv.FeatureTransactions)
	table := mustOpen(t, store, "data")

	for i := 0; i < 10; i++ {
		_ = table.Put(nil, []byte(fmt.Sprintf("k%d", i)), []byte{byte(i)})
	}

	tx := mustBegin(t, store)
	c, err := table.Cursor(tx)
	if err != nil {
		t.Fatalf("Cursor failed: %v", err)
	}
	for ok := c.SeekFirst(); ok; ok = c.Next() {
		_, v, err := c.Current()
		if err != nil {
			t.Fatalf("Current failed: %v", err)
		}
		if v[0]%2 == 0 {
			if err := c.Delete(); err != nil {
				t.Fatalf("Delete failed: %v", err)
			}
		}
	}
	_ = c.Close()
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	n, _ := table.Count(nil)
	if n != 5 {
		t.Errorf("Expected 5 remaining entries, got %d", n)
	}
	if has, _ := table.Has(nil, []byte("k4")); has {
		t.Errorf("Expected k4 to be deleted")
	}
}

func testConcurrentIncrements(t *testing.T, store kv.Store) {
	defer store.Close()
	requireFeature(t, store, kv.FeatureTransactions)
	table := mustOpen(t, store, "data")
	_ = table.Put(nil, []byte("counter"), []byte{0, 0})

	const workers = 8
	const perWorker = 25

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				for {
					err := increment(store, table)
					if err == nil {
						break
					}
					if !errors.Is(err, kv.ErrDeadlock) {
						errs <- err
						return
					}
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Unexpected error: %v", err)
	}

	v, _ := table.Get(nil, []byte("counter"))
	n := int(v[0])<<8 | int(v[1])
	if n != workers*perWorker {
		t.Errorf("Expected counter %d, got %d", workers*perWorker, n)
	}
}

func increment(store kv.Store, table kv.Table) error {
	tx, err := store.BeginTransaction()
	if err != nil {
		return err
	}
	v, err := table.Get(tx, []byte("counter"))
	if err != nil {
		_ = tx.Abort()
		return err
	}
	n := int(v[0])<<8 | int(v[1]) + 1
	if err := table.Put(tx, []byte("counter"), []byte{byte(n >> 8), byte(n)}); err != nil {
		_ = tx.Abort()
		return err
	}
	return tx.Commit()
}

func testSaveLoad(t *testing.T, factory StoreFactory) {
	store := factory()
	defer store.Close()
	requireFeature(t, store, kv.FeatureSave|kv.FeatureLoad)

	snap, ok := store.(kv.Snapshotter)
	if !ok {
		t.Fatalf("Store advertises Save/Load but does not implement kv.Snapshotter")
	}

	a := mustOpen(t, store, "a")
	b := mustOpen(t, store, "b")
	for i := 0; i < 100; i++ {
		_ = a.Put(nil, []byte(fmt.Sprintf("key-%d", i)), []byte(fmt.Sprintf("value-%d", i)))
	}
	_ = b.Put(nil, []byte("only"), []byte("one"))

	var buf bytes.Buffer
	if err := snap.Save(&buf); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	restored := factory()
	defer restored.Close()
	if err := restored.(kv.Snapshotter).Load(bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	names, _ := restored.Tables()
	if len(names) != 2 {
		t.Errorf("Expected 2 tables after Load, got %v", names)
	}
	ra, err := restored.Open("a", false)
	if err != nil {
		t.Fatalf("Open after Load failed: %v", err)
	}
	if n, _ := ra.Count(nil); n != 100 {
		t.Errorf("Expected 100 entries after Load, got %d", n)
	}
	v, _ := ra.Get(nil, []byte("key-42"))
	if !bytes.Equal(v, []byte("value-42")) {
		t.Errorf("Expected value-42, got %s", v)
	}

	if err := restored.(kv.Snapshotter).Load(bytes.NewReader(buf.Bytes()[:4])); err == nil {
		t.Errorf("Expected error when loading a truncated snapshot")
	}
}

func testClose(t *testing.T, store kv.Store) {
	table := mustOpen(t, store, "data")
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := store.BeginTransaction(); err == nil {
		t.Errorf("Expected error when beginning a transaction on a closed store")
	}
	if err := table.Put(nil, []byte("k"), []byte("v")); err == nil {
		t.Errorf("Expected error when writing to a closed store")
	}
}
