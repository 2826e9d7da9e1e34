// Package testing provides standardised tests and benchmarks for
// store implementations that satisfy the kv.Store interface.
//
// The package contains:
//   - testing: A test suite validating the kv.Store contract (tables, nil
//     transaction operations, commit/abort, conflict detection, cursors, snapshots)
//   - benchmark: Performance tests for common operations and contended transactions
//
// Example usage:
//
//	// Creating a factory function for your implementation
//	factory := func() kv.Store {
//		return NewMyStore()
//	}
//
//	// Running the standard test suite
//	kvtesting.RunStoreTests(t, "MyStore", factory)
//
//	// Running performance benchmarks
//	kvtesting.RunStoreBenchmarks(b, "MyStore", factory)
package testing
