package testing

import (
	"errors"
	"fmt"
	"github.com/ValentinKolb/freeze/lib/kv"
	"math/rand"
	"testing"
)

// RunStoreBenchmarks runs all benchmarks for a kv.Store implementation
func RunStoreBenchmarks(b *testing.B, name string, factory StoreFactory) {

	b.Run("Put", func(b *testing.B) {
		benchmarkPut(b, factory())
	})

	b.Run("Get", func(b *testing.B) {
		benchmarkGet(b, factory())
	})

	b.Run("TxReadModifyWrite", func(b *testing.B) {
		benchmarkTxReadModifyWrite(b, factory())
	})

	b.Run("ParallelTxReadModifyWrite", func(b *testing.B) {
		benchmarkParallelTx(b, factory())
	})

	b.Run("CursorScan", func(b *testing.B) {
		benchmarkCursorScan(b, factory())
	})
}

// --------------------------------------------------------------------------
// Benchmark functions
// --------------------------------------------------------------------------

// Benchmark for Put outside a transaction
func benchmarkPut(b *testing.B, store kv.Store) {
	defer store.Close()
	table := mustOpen(b, store, "bench")
	value := []byte("benchmark-value")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = table.Put(nil, []byte(fmt.Sprintf("key-%d", i)), value)
	}
}

// Benchmark for Get outside a transaction
func benchmarkGet(b *testing.B, store kv.Store) {
	defer store.Close()
	table := mustOpen(b, store, "bench")

	const numKeys = 1000
	for i := 0; i < numKeys; i++ {
		_ = table.Put(nil, []byte(fmt.Sprintf("key-%d", i)), []byte("value"))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = table.Get(nil, []byte(fmt.Sprintf("key-%d", i%numKeys)))
	}
}

// Benchmark for a single-goroutine transaction reading and writing one key
func benchmarkTxReadModifyWrite(b *testing.B, store kv.Store) {
	defer store.Close()
	requireFeature(b, store, kv.FeatureTransactions)
	table := mustOpen(b, store, "bench")
	_ = table.Put(nil, []byte("counter"), []byte{0, 0})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := increment(store, table); err != nil {
			b.Fatalf("increment failed: %v", err)
		}
	}
}

// Benchmark for concurrent transactions on a small key set, conflicts are retried
func benchmarkParallelTx(b *testing.B, store kv.Store) {
	defer store.Close()
	requireFeature(b, store, kv.FeatureTransactions)
	table := mustOpen(b, store, "bench")

	const numKeys = 64
	for i := 0; i < numKeys; i++ {
		_ = table.Put(nil, []byte(fmt.Sprintf("key-%d", i)), []byte("v"))
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		r := rand.New(rand.NewSource(rand.Int63()))
		for pb.Next() {
			key := []byte(fmt.Sprintf("key-%d", r.Intn(numKeys)))
			for {
				tx, err := store.BeginTransaction()
				if err != nil {
					b.Errorf("BeginTransaction failed: %v", err)
					return
				}
				v, _ := table.Get(tx, key)
				_ = table.Put(tx, key, append(v[:0:0], 'v'))
				err = tx.Commit()
				if err == nil {
					break
				}
				if !errors.Is(err, kv.ErrDeadlock) {
					b.Errorf("Commit failed: %v", err)
					return
				}
			}
		}
	})
}

// Benchmark for a full cursor scan over 1000 entries
func benchmarkCursorScan(b *testing.B, store kv.Store) {
	defer store.Close()
	requireFeature(b, store, kv.FeatureCursor)
	table := mustOpen(b, store, "bench")
	for i := 0; i < 1000; i++ {
		_ = table.Put(nil, []byte(fmt.Sprintf("key-%04d", i)), []byte("value"))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c, err := table.Cursor(nil)
		if err != nil {
			b.Fatalf("Cursor failed: %v", err)
		}
		for ok := c.SeekFirst(); ok; ok = c.Next() {
			_, _, _ = c.Current()
		}
		_ = c.Close()
	}
}
