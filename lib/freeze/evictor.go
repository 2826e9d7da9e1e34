package freeze

import (
	"context"
	"fmt"
	"github.com/ValentinKolb/freeze/lib/kv"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"sort"
	"sync"
	"time"
)

var log = logger.GetLogger("evictor")

// defaultFacetTable is the table of the default facet ""
const defaultFacetTable = "$default"

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// Options configure an Evictor
type Options struct {
	// Size is the number of servants kept in the cache
	Size int

	// KeepStats enables the statistics stored with every servant
	KeepStats bool

	// Factory creates servants when records are loaded (required)
	Factory ServantFactory

	// Initializer is called for every loaded servant (optional)
	Initializer Initializer

	// MaxDeadlockRetries bounds the retries of an evictor owned transaction
	// after a deadlock, 0 retries without bound
	MaxDeadlockRetries int

	// DeadlockRetryDelay is the pause before every retry
	DeadlockRetryDelay time.Duration

	// Metrics is the set the evictor registers its metrics in. A set can only
	// serve one evictor, nil creates a private set.
	Metrics *metrics.Set

	// Clock returns the current time for statistics, nil uses time.Now
	Clock func() time.Time
}

// DefaultOptions returns the default options
func DefaultOptions() Options {
	return Options{
		Size:               10,
		MaxDeadlockRetries: 64,
	}
}

// --------------------------------------------------------------------------
// Evictor
// --------------------------------------------------------------------------

// Evictor keeps servants persistent in a key-value store and caches the most
// recently used ones. Every facet is stored in its own table, the default
// facet "" in the table "$default". The key-value store must be dedicated to
// the evictor, every table is treated as a facet.
//
// Thread-safety: safe for concurrent use. The evictor mutex guards the
// eviction cache and the facet table, it is never held while the key-value
// store is accessed.
type Evictor struct {
	kvStore    kv.Store
	opts       Options
	deactivate *DeactivateController
	metrics    *evictorMetrics

	mu     sync.Mutex
	stores map[string]*ObjectStore
	cache  *evictionCache
}

// New creates an evictor on store and opens an ObjectStore for every table
// already present in it
func New(store kv.Store, opts Options) (*Evictor, error) {
	if opts.Factory == nil {
		return nil, fmt.Errorf("a servant factory is required")
	}
	if opts.Size < 0 {
		return nil, fmt.Errorf("invalid evictor size %d", opts.Size)
	}
	if opts.MaxDeadlockRetries < 0 {
		return nil, fmt.Errorf("invalid deadlock retry bound %d", opts.MaxDeadlockRetries)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if !store.SupportsFeature(kv.FeatureTransactions) || !store.SupportsFeature(kv.FeatureCursor) {
		return nil, fmt.Errorf("store %s does not support transactions and cursors", store.Info().Implementation)
	}

	e := &Evictor{
		kvStore:    store,
		opts:       opts,
		deactivate: NewDeactivateController(),
		stores:     make(map[string]*ObjectStore),
		cache:      newEvictionCache(opts.Size),
	}
	e.metrics = newEvictorMetrics(opts.Metrics, func() float64 {
		return float64(e.Size())
	})

	tables, err := store.Tables()
	if err != nil {
		return nil, databaseError(err, "cannot list tables")
	}
	for _, name := range tables {
		table, err := store.Open(name, false)
		if err != nil {
			return nil, databaseError(err, "cannot open table %q", name)
		}
		facet := facetOfTable(name)
		e.stores[facet] = newObjectStore(e, facet, table)
	}

	log.Infof("evictor created with size %d and %d facets on %s", opts.Size, len(e.stores), store.Info().Implementation)
	return e, nil
}

func tableOfFacet(facet string) string {
	if facet == "" {
		return defaultFacetTable
	}
	return facet
}

func facetOfTable(name string) string {
	if name == defaultFacetTable {
		return ""
	}
	return name
}

func (e *Evictor) now() int64 {
	return e.opts.Clock().UnixMilli()
}

// Metrics returns the metrics set of the evictor
func (e *Evictor) Metrics() *metrics.Set {
	return e.metrics.set
}

// findStore returns the store of facet, nil if the facet has none
func (e *Evictor) findStore(facet string) *ObjectStore {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stores[facet]
}

// findOrCreateStore returns the store of facet, creating its table if needed.
// The table is opened without holding the evictor mutex.
func (e *Evictor) findOrCreateStore(facet string) (*ObjectStore, error) {
	if s := e.findStore(facet); s != nil {
		return s, nil
	}
	table, err := e.kvStore.Open(tableOfFacet(facet), true)
	if err != nil {
		return nil, databaseError(err, "cannot open table for facet %q", facet)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.stores[facet]; ok {
		return s, nil
	}
	s := newObjectStore(e, facet, table)
	e.stores[facet] = s
	log.Infof("created object store for facet %q", facet)
	return s, nil
}

// allStores returns a snapshot of the facet table
func (e *Evictor) allStores() []*ObjectStore {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*ObjectStore, 0, len(e.stores))
	for _, s := range e.stores {
		out = append(out, s)
	}
	return out
}

// Facets returns the sorted names of all facets with an object store
func (e *Evictor) Facets() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.stores))
	for facet := range e.stores {
		out = append(out, facet)
	}
	sort.Strings(out)
	return out
}

// --------------------------------------------------------------------------
// Cache
// --------------------------------------------------------------------------

// SetSize changes the number of cached servants, shrinking evicts immediately
func (e *Evictor) SetSize(size int) error {
	if size < 0 {
		return fmt.Errorf("invalid evictor size %d", size)
	}
	e.mu.Lock()
	e.cache.setSize(size)
	evicted := e.cache.trim()
	e.mu.Unlock()
	e.metrics.evictions.Add(evicted)
	return nil
}

// Size returns the number of cached servants
func (e *Evictor) Size() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache.len()
}

// loadCachedServant returns the cached element of ident, loading it on a
// miss. An element evicted between the pin and the touch is loaded again.
func (e *Evictor) loadCachedServant(ident Identity, store *ObjectStore) (*EvictorElement, error) {
	for {
		elt, err := store.pin(ident)
		if err != nil || elt == nil {
			return nil, err
		}

		e.mu.Lock()
		if elt.stale.Load() {
			e.mu.Unlock()
			continue
		}
		e.cache.touch(elt)
		evicted := e.cache.trim()
		e.mu.Unlock()

		e.metrics.evictions.Add(evicted)
		return elt, nil
	}
}

// evictIdentity evicts the cached element of ident, if any
func (e *Evictor) evictIdentity(store *ObjectStore, ident Identity) {
	elt := store.element(ident)
	if elt == nil {
		return
	}
	e.mu.Lock()
	e.cache.evict(elt)
	e.mu.Unlock()
}

// applyInvalidations evicts the servants changed by a committed transaction
func (e *Evictor) applyInvalidations(pending []invalidation) {
	for _, inv := range pending {
		e.evictIdentity(inv.store, inv.ident)
	}
}

// --------------------------------------------------------------------------
// Transactions
// --------------------------------------------------------------------------

// BeginTransaction starts a transaction and returns it together with a
// context carrying it as the ambient transaction. The caller commits or rolls
// it back.
func (e *Evictor) BeginTransaction(ctx context.Context) (*TransactionContext, context.Context, error) {
	if !e.deactivate.Enter() {
		return nil, ctx, e.deactivatedError()
	}
	defer e.deactivate.Leave()

	if tc := TransactionFromContext(ctx); tc != nil && tc.State() == TxActive {
		return nil, ctx, &Error{Code: ErrCDatabase, Msg: "a transaction is already active", TxID: tc.ID()}
	}
	tc, err := newTransactionContext(e)
	if err != nil {
		return nil, ctx, err
	}
	return tc, WithTransaction(ctx, tc), nil
}

// ambient returns the active ambient transaction of ctx
func ambient(ctx context.Context) (*TransactionContext, error) {
	tc := TransactionFromContext(ctx)
	if tc == nil {
		return nil, nil
	}
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if err := tc.activeLocked(); err != nil {
		return nil, err
	}
	return tc, nil
}

func kvTx(tc *TransactionContext) kv.Tx {
	if tc == nil {
		return nil
	}
	return tc.tx
}

// --------------------------------------------------------------------------
// Servant Management
// --------------------------------------------------------------------------

// Add registers servant under ident for the default facet
func (e *Evictor) Add(ctx context.Context, ident Identity, servant Servant) error {
	return e.AddFacet(ctx, ident, "", servant)
}

// AddFacet registers servant under ident and facet. The servant is written
// under the ambient transaction if there is one. An identity that is already
// registered for the facet fails with ErrAlreadyRegistered.
func (e *Evictor) AddFacet(ctx context.Context, ident Identity, facet string, servant Servant) error {
	if !e.deactivate.Enter() {
		return e.deactivatedError()
	}
	defer e.deactivate.Leave()

	if err := checkIdentity(ident); err != nil {
		return err
	}
	tc, err := ambient(ctx)
	if err != nil {
		return err
	}
	store, err := e.findOrCreateStore(facet)
	if err != nil {
		return err
	}

	inserted, err := store.insert(ident, servant, kvTx(tc))
	if err != nil {
		return e.storeError(err, tc, "add", ident, facet)
	}
	if !inserted {
		return &Error{Code: ErrCAlreadyRegistered, Msg: "servant already registered", Identity: ident, Facet: facet}
	}
	log.Debugf("added %s to facet %q", ident, facet)
	return nil
}

// Remove removes ident from the default facet and returns its servant
func (e *Evictor) Remove(ctx context.Context, ident Identity) (Servant, error) {
	return e.RemoveFacet(ctx, ident, "")
}

// RemoveFacet removes ident from facet and returns the servant that was
// registered. Under an ambient transaction the cached servant is evicted when
// the transaction commits, otherwise immediately. An identity that is not
// registered fails with ErrNotRegistered.
func (e *Evictor) RemoveFacet(ctx context.Context, ident Identity, facet string) (Servant, error) {
	if !e.deactivate.Enter() {
		return nil, e.deactivatedError()
	}
	defer e.deactivate.Leave()

	if err := checkIdentity(ident); err != nil {
		return nil, err
	}
	tc, err := ambient(ctx)
	if err != nil {
		return nil, err
	}
	store := e.findStore(facet)
	if store == nil {
		return nil, &Error{Code: ErrCNotRegistered, Msg: "servant not registered", Identity: ident, Facet: facet}
	}

	servant, err := e.currentServant(store, ident, tc)
	if err != nil {
		return nil, e.storeError(err, tc, "remove", ident, facet)
	}
	removed, err := store.remove(ident, kvTx(tc))
	if err != nil {
		return nil, e.storeError(err, tc, "remove", ident, facet)
	}
	if !removed {
		return nil, &Error{Code: ErrCNotRegistered, Msg: "servant not registered", Identity: ident, Facet: facet}
	}

	if tc != nil {
		if s := tc.servantRemoved(ident, store); s != nil {
			servant = s
		}
	} else {
		e.evictIdentity(store, ident)
	}
	log.Debugf("removed %s from facet %q", ident, facet)
	return servant, nil
}

// currentServant returns the servant registered for ident as seen by tc
func (e *Evictor) currentServant(store *ObjectStore, ident Identity, tc *TransactionContext) (Servant, error) {
	if tc != nil {
		if h := tc.findHolder(ident, store); h != nil {
			return h.record.Servant, nil
		}
		rec, err := store.load(ident, tc.tx)
		if err != nil || rec == nil {
			return nil, err
		}
		return rec.Servant, nil
	}
	if elt := store.getIfPinned(ident, true); elt != nil {
		return elt.Servant(), nil
	}
	rec, err := store.load(ident, nil)
	if err != nil || rec == nil {
		return nil, err
	}
	return rec.Servant, nil
}

// HasObject reports whether ident is registered for the default facet
func (e *Evictor) HasObject(ctx context.Context, ident Identity) (bool, error) {
	return e.HasFacet(ctx, ident, "")
}

// HasFacet reports whether ident is registered for facet. Without an ambient
// transaction the cache is checked before the store.
func (e *Evictor) HasFacet(ctx context.Context, ident Identity, facet string) (bool, error) {
	if !e.deactivate.Enter() {
		return false, e.deactivatedError()
	}
	defer e.deactivate.Leave()

	tc, err := ambient(ctx)
	if err != nil {
		return false, err
	}
	store := e.findStore(facet)
	if store == nil {
		return false, nil
	}
	if tc == nil && store.getIfPinned(ident, false) != nil {
		return true, nil
	}
	if tc != nil && tc.findHolder(ident, store) != nil {
		return true, nil
	}
	has, err := store.dbHasObject(ident, kvTx(tc))
	if err != nil {
		return false, e.storeError(err, tc, "lookup", ident, facet)
	}
	return has, nil
}

func checkIdentity(ident Identity) error {
	if ident.Name == "" {
		return &Error{Code: ErrCDatabase, Msg: "identity with empty name", Identity: ident}
	}
	return nil
}

// storeError converts a store failure, deadlocks under tc are recorded and
// reported with the transaction id
func (e *Evictor) storeError(err error, tc *TransactionContext, what string, ident Identity, facet string) error {
	fe := databaseError(err, "%s failed", what)
	if tc != nil {
		if fe.Code == ErrCDeadlock {
			tc.MarkDeadlock(err)
		}
		fe.TxID = tc.ID()
	}
	if fe.Identity == (Identity{}) {
		fe.Identity = ident
	}
	if fe.Facet == "" {
		fe.Facet = facet
	}
	return fe
}

// servantNotFound builds the error for an identity missing in facet:
// ErrFacetNotExist if another facet has it, else ErrObjectNotExist
func (e *Evictor) servantNotFound(ident Identity, facet string, tc *TransactionContext) error {
	for _, store := range e.allStores() {
		if store.facet == facet {
			continue
		}
		has, err := store.dbHasObject(ident, kvTx(tc))
		if err != nil {
			return e.storeError(err, tc, "lookup", ident, store.facet)
		}
		if has {
			return &Error{Code: ErrCFacetNotExist, Msg: "servant not found", Identity: ident, Facet: facet}
		}
	}
	return &Error{Code: ErrCObjectNotExist, Msg: "servant not found", Identity: ident, Facet: facet}
}

// --------------------------------------------------------------------------
// Deactivation
// --------------------------------------------------------------------------

func (e *Evictor) deactivatedError() error {
	return &Error{Code: ErrCDeactivated, Msg: "evictor is deactivated"}
}

// Deactivate rejects new calls, waits for the running ones, evicts all
// cached servants and closes the key-value store. Concurrent callers wait
// for the first one to finish.
func (e *Evictor) Deactivate() error {
	if !e.deactivate.Deactivate() {
		return nil
	}
	defer e.deactivate.Complete()

	e.mu.Lock()
	evicted := e.cache.drain()
	e.mu.Unlock()
	e.metrics.evictions.Add(evicted)

	log.Infof("evictor deactivated, %d servants evicted", evicted)
	if err := e.kvStore.Close(); err != nil {
		return databaseError(err, "cannot close store")
	}
	return nil
}
