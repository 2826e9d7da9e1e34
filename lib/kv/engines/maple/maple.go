package maple

import (
	"fmt"
	"github.com/ValentinKolb/freeze/lib/kv"
	"github.com/ValentinKolb/freeze/lib/kv/engines/maple/internal"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
)

var log = logger.GetLogger("kv")

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

// Constants for store behavior and structure
const (
	magicNum     = "MAPLEKV\x00" // Snapshot format identifier
	mapleVersion = 1             // Snapshot format version

	// maxInternalRetries bounds the retries of the internal transaction used for
	// operations called without a transaction
	maxInternalRetries = 16
)

// --------------------------------------------------------------------------
// Core Maple store structure
// --------------------------------------------------------------------------

// mapleImpl implements an in-memory transactional store with sharded tables.
//
// Transactions are optimistic: reads record the version of every key they
// observe and writes are buffered. Commit validates all recorded versions
// against the committed state and applies the buffered writes atomically, a
// version mismatch aborts the transaction with kv.ErrDeadlock.
type mapleImpl struct {
	numShards int
	tables    *xsync.MapOf[string, *table]

	commitMu sync.Mutex    // serializes validation and apply of commits
	version  atomic.Uint64 // last commit version
	txSeq    atomic.Uint64 // transaction id sequence
	closed   atomic.Bool

	// statistics
	commits   atomic.Uint64
	conflicts atomic.Uint64
	aborts    atomic.Uint64
}

// table is a named key space made of shards
type table struct {
	name   string
	store  *mapleImpl
	shards []*internal.Shard
}

// DBOptions configures the mapleImpl behavior during initialization
type DBOptions struct {
	NumShards int // Number of shards per table (0 = auto)
}

// DefaultOptions returns the default mapleImpl options
func DefaultOptions() *DBOptions {
	return &DBOptions{
		NumShards: runtime.NumCPU(), // Auto-determine based on CPU count
	}
}

// --------------------------------------------------------------------------
// Initialization and Setup
// --------------------------------------------------------------------------

// NewMapleStore creates a new in-memory store with the specified options (optional)
func NewMapleStore(opts *DBOptions) kv.Store {
	return newMaple(opts)
}

func newMaple(opts *DBOptions) *mapleImpl {
	if opts == nil {
		opts = DefaultOptions()
	}
	numShards := opts.NumShards
	if numShards <= 0 {
		numShards = runtime.NumCPU()
	}
	return &mapleImpl{
		numShards: numShards,
		tables:    xsync.NewMapOf[string, *table](),
	}
}

func (maple *mapleImpl) newTable(name string) *table {
	shards := make([]*internal.Shard, maple.numShards)
	for i := range shards {
		shards[i] = internal.NewShard()
	}
	return &table{name: name, store: maple, shards: shards}
}

// --------------------------------------------------------------------------
// kv.Store Interface Methods
// --------------------------------------------------------------------------

// Open returns the named table, creating it if create is true
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (maple *mapleImpl) Open(name string, create bool) (kv.Table, error) {
	if maple.closed.Load() {
		return nil, kv.ErrClosed
	}
	if name == "" {
		return nil, kv.NewError(kv.RetCInvalidOperation, "table name must not be empty")
	}
	if !create {
		t, ok := maple.tables.Load(name)
		if !ok {
			return nil, kv.Errorf(kv.RetCNotFound, "table %q does not exist", name)
		}
		return t, nil
	}
	t, loaded := maple.tables.LoadOrCompute(name, func() *table {
		return maple.newTable(name)
	})
	if !loaded {
		log.Debugf("created table %q", name)
	}
	return t, nil
}

// Tables returns the names of all tables in ascending order
func (maple *mapleImpl) Tables() ([]string, error) {
	if maple.closed.Load() {
		return nil, kv.ErrClosed
	}
	names := make([]string, 0, maple.tables.Size())
	maple.tables.Range(func(name string, _ *table) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names, nil
}

// BeginTransaction starts a new optimistic transaction
func (maple *mapleImpl) BeginTransaction() (kv.Tx, error) {
	if maple.closed.Load() {
		return nil, kv.ErrClosed
	}
	return maple.begin(), nil
}

func (maple *mapleImpl) begin() *mapleTx {
	return &mapleTx{
		id:     fmt.Sprintf("maple-%d", maple.txSeq.Add(1)),
		store:  maple,
		reads:  make(map[*table]map[string]uint64),
		writes: make(map[*table]map[string]*pendingWrite),
	}
}

// Info returns statistics about the store
func (maple *mapleImpl) Info() kv.StoreInfo {
	var (
		tables  int
		entries int
		size    int64
	)
	maple.tables.Range(func(_ string, t *table) bool {
		tables++
		for _, s := range t.shards {
			s.Data.Range(func(key string, e internal.Entry) bool {
				entries++
				size += int64(len(key) + len(e.Value))
				return true
			})
		}
		return true
	})

	meta := &struct {
		ShardCount    int    `json:"shard_count"`
		CommitVersion uint64 `json:"commit_version"`
		Commits       uint64 `json:"commits"`
		Conflicts     uint64 `json:"conflicts"`
		Aborts        uint64 `json:"aborts"`
	}{
		ShardCount:    maple.numShards,
		CommitVersion: maple.version.Load(),
		Commits:       maple.commits.Load(),
		Conflicts:     maple.conflicts.Load(),
		Aborts:        maple.aborts.Load(),
	}

	return kv.StoreInfo{
		Implementation:    kv.ImplMaple,
		Tables:            tables,
		Entries:           entries,
		SizeBytes:         size,
		SupportedFeatures: kv.SupportedFeatures(supportedFeatures),
		Metadata:          meta,
	}
}

const supportedFeatures = kv.FeatureTransactions |
	kv.FeatureCursor |
	kv.FeatureReverseCursor |
	kv.FeatureSave |
	kv.FeatureLoad

// SupportsFeature checks if this implementation supports a specific feature
func (maple *mapleImpl) SupportsFeature(feature kv.Feature) bool {
	return supportedFeatures&feature == feature
}

// Close marks the store as closed. The data is discarded.
func (maple *mapleImpl) Close() error {
	if maple.closed.Swap(true) {
		return nil
	}
	maple.commitMu.Lock()
	defer maple.commitMu.Unlock()
	maple.tables.Clear()
	return nil
}

// --------------------------------------------------------------------------
// Committed State Access
// --------------------------------------------------------------------------

// committed returns the committed entry for key
func (t *table) committed(key string) (internal.Entry, bool) {
	return internal.GetShard(internal.HashKey(key), t.shards).Data.Load(key)
}

// committedKeys returns all committed keys of the table
func (t *table) committedKeys() []string {
	var keys []string
	for _, s := range t.shards {
		s.Data.Range(func(key string, _ internal.Entry) bool {
			keys = append(keys, key)
			return true
		})
	}
	return keys
}

// apply writes a committed change. The caller must hold commitMu.
func (t *table) apply(key string, w *pendingWrite, version uint64) {
	shard := internal.GetShard(internal.HashKey(key), t.shards)
	if w.deleted {
		shard.Data.Delete(key)
		return
	}
	shard.Data.Store(key, internal.Entry{Value: w.value, Version: version})
}

// --------------------------------------------------------------------------
// kv.Table Interface Methods
// --------------------------------------------------------------------------

func (t *table) Name() string {
	return t.name
}

// autoTx runs fn in tx, or in an internal transaction if tx is nil.
// Internal transactions are committed and retried on conflict.
func (t *table) autoTx(tx kv.Tx, fn func(mtx *mapleTx) error) error {
	if tx != nil {
		mtx, err := t.store.own(tx)
		if err != nil {
			return err
		}
		return fn(mtx)
	}
	if t.store.closed.Load() {
		return kv.ErrClosed
	}

	var err error
	for i := 0; i < maxInternalRetries; i++ {
		mtx := t.store.begin()
		if err = fn(mtx); err != nil {
			_ = mtx.Abort()
			return err
		}
		if err = mtx.Commit(); err == nil || !isConflict(err) {
			return err
		}
		log.Debugf("internal transaction on table %q conflicted, retrying (%d/%d)", t.name, i+1, maxInternalRetries)
	}
	return err
}

func (t *table) Get(tx kv.Tx, key []byte) (value []byte, err error) {
	err = t.autoTx(tx, func(mtx *mapleTx) error {
		v, ok, err := mtx.get(t, string(key))
		if err != nil {
			return err
		}
		if !ok {
			return kv.Errorf(kv.RetCNotFound, "key not found in table %q", t.name)
		}
		value = v
		return nil
	})
	return value, err
}

func (t *table) Has(tx kv.Tx, key []byte) (found bool, err error) {
	err = t.autoTx(tx, func(mtx *mapleTx) error {
		_, ok, err := mtx.get(t, string(key))
		found = ok
		return err
	})
	return found, err
}

func (t *table) Put(tx kv.Tx, key, value []byte) error {
	return t.autoTx(tx, func(mtx *mapleTx) error {
		return mtx.put(t, string(key), value)
	})
}

func (t *table) PutIfAbsent(tx kv.Tx, key, value []byte) (inserted bool, err error) {
	err = t.autoTx(tx, func(mtx *mapleTx) error {
		_, ok, err := mtx.get(t, string(key))
		if err != nil || ok {
			inserted = false
			return err
		}
		inserted = true
		return mtx.put(t, string(key), value)
	})
	return inserted, err
}

func (t *table) Delete(tx kv.Tx, key []byte) (existed bool, err error) {
	err = t.autoTx(tx, func(mtx *mapleTx) error {
		_, ok, err := mtx.get(t, string(key))
		if err != nil {
			return err
		}
		existed = ok
		if !ok {
			return nil
		}
		return mtx.delete(t, string(key))
	})
	return existed, err
}

func (t *table) Count(tx kv.Tx) (count int, err error) {
	err = t.autoTx(tx, func(mtx *mapleTx) error {
		count = len(mtx.keys(t))
		return nil
	})
	return count, err
}

func (t *table) Cursor(tx kv.Tx) (kv.Cursor, error) {
	if tx != nil {
		mtx, err := t.store.own(tx)
		if err != nil {
			return nil, err
		}
		return newCursor(t, mtx, false), nil
	}
	if t.store.closed.Load() {
		return nil, kv.ErrClosed
	}
	return newCursor(t, t.store.begin(), true), nil
}
