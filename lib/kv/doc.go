// Package kv defines the transactional key-value store the evictor persists
// servants in.
//
// Key Components:
//
//   - Store: A set of named tables plus transactions spanning all of them.
//     Stores advertise optional capabilities through Feature flags.
//
//   - Table: Byte keys to byte values. Every operation takes a transaction, a
//     nil transaction runs the operation on its own.
//
//   - Tx: An interactive transaction. A commit that conflicts with a concurrent
//     transaction fails with an error matching ErrDeadlock and can be retried in
//     a new transaction.
//
//   - Cursor: Ordered iteration over a table inside a transaction.
//
//   - Error: All failures are *Error values carrying a RetCode. They match the
//     sentinels (ErrDeadlock, ErrNotFound, ...) with errors.Is by code.
//
// Related Packages:
//
// The engines/maple package provides an in-memory store with optimistic
// transactions and binary snapshots, used for tests and tooling. The
// engines/badgerkv package provides a persistent store on top of BadgerDB.
// The testing package contains the conformance suite both engines run.
package kv
