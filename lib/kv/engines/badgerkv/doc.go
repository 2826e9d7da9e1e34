// Package badgerkv provides a persistent implementation of the kv.Store
// interface on top of BadgerDB.
//
// All tables share one BadgerDB instance:
//   - Table entries are stored under "t/<table>\x00<key>"
//   - The catalog of tables is stored under "c/<table>"
//
// Transactions are BadgerDB read-write transactions (serializable snapshot
// isolation). A commit that conflicts with a concurrent commit fails with
// badger.ErrConflict, which is reported as an error matching kv.ErrDeadlock.
// Operations called with a nil transaction run in their own BadgerDB
// transaction and are retried on conflict.
//
// Cursors are forward-only BadgerDB iterators. BadgerDB allows only one open
// iterator per read-write transaction, so a cursor must be closed before the
// next one is opened on the same transaction.
//
// Persistent stores run value log garbage collection periodically (GCRunner).
// Save/Load use BadgerDB's backup format. In-memory mode (InMemoryConfig) is
// intended for tests.
package badgerkv
