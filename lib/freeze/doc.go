// Package freeze implements a transactional evictor: application objects
// (servants) are persisted in a transactional key-value store, cached in a
// bounded LRU cache and dispatched to under a per-operation transaction policy.
//
// Key Components:
//
//   - ObjectStore: One per facet. Maps identities to records (servant state plus
//     Statistics) stored in one table of the kv.Store, and keeps the pin table of
//     loaded servants. Concurrent loads of the same identity share one read.
//
//   - Eviction cache: The loaded servants of all stores in LRU order. After every
//     use the cache is trimmed to the evictor size, evicted elements are marked
//     stale and are never handed out again.
//
//   - TransactionContext: One transaction. Servants used inside it are private
//     copies loaded in the transaction; read-write uses are saved in the
//     transaction. Cached copies of modified or removed servants are evicted after
//     a successful commit, never before and never after a failed one.
//
//   - Evictor: Binds the pieces together. Dispatch applies the transaction mode of
//     the operation (never, supports, mandatory, required), owns transactions it
//     creates and retries them on deadlock. Add, Remove and Has work with or
//     without an ambient transaction.
//
//   - EvictorIterator: Walks the identities of a facet in batches, each batch
//     read with its own cursor.
//
//   - Inspector: Read-only access to the facets and records of a store for
//     tools, no servant factory needed.
//
//   - DeactivateController: Rejects new calls once deactivation started and lets
//     the deactivation wait for running calls.
//
// Transactions travel in the context:
//
//	tx, ctx, err := evictor.BeginTransaction(ctx)
//	res, err := evictor.Dispatch(ctx, req) // runs inside tx
//	err = tx.Commit()
//
// Records are marshalled with package wire: an encapsulation holding the type
// id of the servant, the servant body in a nested encapsulation, and the
// statistics.
//
// Concurrency:
//
// One evictor mutex guards the eviction cache and the facet table. It is only
// held for bookkeeping, never while the key-value store is accessed. The
// key-value store alone decides isolation between transactions.
//
// Errors:
//
// All failures are *Error values matching the sentinels (ErrDeadlock,
// ErrObjectNotExist, ErrFacetNotExist, ...) with errors.Is. Store failures stay
// reachable through errors.Unwrap. Callers driving their own transactions
// retry when IsDeadlock reports true.
package freeze
