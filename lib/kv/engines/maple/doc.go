// Package maple provides an in-memory implementation of the kv.Store interface.
//
// Every table is split into shards, each backed by a concurrent hash map
// (xsync.MapOf, hashed with xxhash). Committed entries carry the version of the
// commit that wrote them.
//
// Transactions are optimistic:
//   - Reads go to the committed state (or the transaction's own buffered writes)
//     and record the version of every key they observe, absent keys included.
//   - Writes are buffered in the transaction.
//   - Commit validates all recorded versions under a store wide commit lock and
//     applies the buffered writes with a new version. Any mismatch fails the
//     commit with an error matching kv.ErrDeadlock.
//
// Operations called with a nil transaction run in a short internal transaction
// that is retried on conflict.
//
// Cursors iterate a sorted key list captured when the cursor is created. Keys
// inserted by other transactions afterward are not returned and are not part of
// the conflict check.
//
// The store implements kv.Snapshotter: Save writes a deterministic binary
// snapshot of all committed tables, Load replaces the state atomically and keeps
// the current state if the snapshot is invalid.
//
// The engine is used as the reference store for tests, the perf command and
// offline inspection of snapshot files; it is not durable.
package maple
