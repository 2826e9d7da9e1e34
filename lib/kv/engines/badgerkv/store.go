package badgerkv

import (
	"bytes"
	"errors"
	"fmt"
	"github.com/ValentinKolb/freeze/lib/kv"
	"github.com/dgraph-io/badger/v4"
	"github.com/puzpuzpuz/xsync/v3"
	"io"
	"sort"
	"strings"
	"sync/atomic"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

const (
	tablePrefix   = "t/" // t/<table>\x00<key> -> value
	catalogPrefix = "c/" // c/<table> -> empty

	// maxInternalRetries bounds the retries of operations called without a transaction
	maxInternalRetries = 16

	// maxPendingLoadWrites is passed to badger.DB.Load
	maxPendingLoadWrites = 256
)

// dataKey returns the BadgerDB key of a table entry
func dataKey(prefix []byte, key []byte) []byte {
	out := make([]byte, 0, len(prefix)+len(key))
	out = append(out, prefix...)
	return append(out, key...)
}

// tableKeyPrefix returns the prefix of all entries of a table
func tableKeyPrefix(name string) []byte {
	return []byte(tablePrefix + name + "\x00")
}

// --------------------------------------------------------------------------
// Store
// --------------------------------------------------------------------------

// badgerStore maps tables onto key prefixes of a single BadgerDB instance.
// Transactions are BadgerDB's serializable snapshot isolation transactions,
// badger.ErrConflict is reported as kv.ErrDeadlock.
type badgerStore struct {
	db     *badger.DB
	cfg    Config
	tables *xsync.MapOf[string, *table]
	gc     *GCRunner
	txSeq  atomic.Uint64
	closed atomic.Bool
}

// table is a named key prefix
type table struct {
	name   string
	prefix []byte
	store  *badgerStore
}

// NewBadgerStore opens a BadgerDB instance with the given configuration
func NewBadgerStore(cfg Config) (kv.Store, error) {
	opts, err := cfg.badgerOptions()
	if err != nil {
		return nil, kv.NewError(kv.RetCInvalidOperation, err.Error())
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, kv.Errorf(kv.RetCInternalError, "open badger database: %v", err)
	}

	s := &badgerStore{
		db:     db,
		cfg:    cfg,
		tables: xsync.NewMapOf[string, *table](),
	}
	if !cfg.InMemory && cfg.GCInterval > 0 {
		s.gc, err = NewGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio)
		if err != nil {
			_ = db.Close()
			return nil, kv.NewError(kv.RetCInvalidOperation, err.Error())
		}
		s.gc.Start()
	}
	log.Infof("opened badger store (in-memory: %t, path: %q)", cfg.InMemory, cfg.Path)
	return s, nil
}

// mapError converts BadgerDB errors into *kv.Error
func mapError(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	switch {
	case errors.Is(err, badger.ErrConflict):
		return kv.Errorf(kv.RetCDeadlock, "%s: %v", msg, err)
	case errors.Is(err, badger.ErrKeyNotFound):
		return kv.Errorf(kv.RetCNotFound, "%s: %v", msg, err)
	case errors.Is(err, badger.ErrDiscardedTxn):
		return kv.Errorf(kv.RetCInvalidOperation, "%s: %v", msg, err)
	case errors.Is(err, badger.ErrDBClosed):
		return kv.Errorf(kv.RetCClosed, "%s: %v", msg, err)
	default:
		var kerr *kv.Error
		if errors.As(err, &kerr) {
			return kerr
		}
		return kv.Errorf(kv.RetCInternalError, "%s: %v", msg, err)
	}
}

// update runs fn in a read-write BadgerDB transaction, retried on conflict
func (s *badgerStore) update(fn func(txn *badger.Txn) error) error {
	if s.closed.Load() {
		return kv.ErrClosed
	}
	var err error
	for i := 0; i < maxInternalRetries; i++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		log.Debugf("internal transaction conflicted, retrying (%d/%d)", i+1, maxInternalRetries)
	}
	return err
}

// view runs fn in a read-only BadgerDB transaction
func (s *badgerStore) view(fn func(txn *badger.Txn) error) error {
	if s.closed.Load() {
		return kv.ErrClosed
	}
	return s.db.View(fn)
}

// --------------------------------------------------------------------------
// kv.Store Interface Methods
// --------------------------------------------------------------------------

func (s *badgerStore) Open(name string, create bool) (kv.Table, error) {
	if s.closed.Load() {
		return nil, kv.ErrClosed
	}
	if name == "" || strings.ContainsRune(name, 0) {
		return nil, kv.Errorf(kv.RetCInvalidOperation, "invalid table name %q", name)
	}
	if t, ok := s.tables.Load(name); ok {
		return t, nil
	}

	catalogKey := []byte(catalogPrefix + name)
	var exists bool
	err := s.view(func(txn *badger.Txn) error {
		_, err := txn.Get(catalogKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		exists = err == nil
		return err
	})
	if err != nil {
		return nil, mapError(err, "open table %q", name)
	}
	if !exists {
		if !create {
			return nil, kv.Errorf(kv.RetCNotFound, "table %q does not exist", name)
		}
		if err := s.update(func(txn *badger.Txn) error {
			return txn.Set(catalogKey, nil)
		}); err != nil {
			return nil, mapError(err, "create table %q", name)
		}
		log.Debugf("created table %q", name)
	}

	t, _ := s.tables.LoadOrStore(name, &table{name: name, prefix: tableKeyPrefix(name), store: s})
	return t, nil
}

func (s *badgerStore) Tables() ([]string, error) {
	var names []string
	err := s.view(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(catalogPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			names = append(names, string(it.Item().Key()[len(catalogPrefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, mapError(err, "list tables")
	}
	sort.Strings(names)
	return names, nil
}

func (s *badgerStore) BeginTransaction() (kv.Tx, error) {
	if s.closed.Load() {
		return nil, kv.ErrClosed
	}
	return &badgerTx{
		id:    fmt.Sprintf("badger-%d", s.txSeq.Add(1)),
		store: s,
		txn:   s.db.NewTransaction(true),
	}, nil
}

func (s *badgerStore) Info() kv.StoreInfo {
	info := kv.StoreInfo{
		Implementation:    kv.ImplBadger,
		SupportedFeatures: kv.SupportedFeatures(s.features()),
	}
	if s.closed.Load() {
		return info
	}

	names, _ := s.Tables()
	info.Tables = len(names)
	_ = s.view(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(tablePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			info.Entries++
		}
		return nil
	})

	lsm, vlog := s.db.Size()
	info.SizeBytes = lsm + vlog
	info.Metadata = &struct {
		LSMSize      int64  `json:"lsm_size"`
		VLogSize     int64  `json:"vlog_size"`
		InMemory     bool   `json:"in_memory"`
		Path         string `json:"path"`
		Transactions uint64 `json:"transactions"`
	}{
		LSMSize:      lsm,
		VLogSize:     vlog,
		InMemory:     s.cfg.InMemory,
		Path:         s.cfg.Path,
		Transactions: s.txSeq.Load(),
	}
	return info
}

func (s *badgerStore) features() kv.Feature {
	f := kv.FeatureTransactions | kv.FeatureCursor | kv.FeatureSave | kv.FeatureLoad
	if !s.cfg.InMemory {
		f |= kv.FeaturePersistent | kv.FeatureGarbageCollect
	}
	return f
}

func (s *badgerStore) SupportsFeature(feature kv.Feature) bool {
	return s.features()&feature == feature
}

func (s *badgerStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if s.gc != nil {
		s.gc.Stop()
	}
	if err := s.db.Close(); err != nil {
		return mapError(err, "close badger database")
	}
	log.Infof("closed badger store")
	return nil
}

// --------------------------------------------------------------------------
// Persistence Operations
// --------------------------------------------------------------------------

// Save writes a full BadgerDB backup of all tables to w
func (s *badgerStore) Save(w io.Writer) error {
	if s.closed.Load() {
		return kv.ErrClosed
	}
	if _, err := s.db.Backup(w, 0); err != nil {
		return mapError(err, "backup")
	}
	return nil
}

// Load drops all data and restores a backup written by Save.
// The store is empty if the backup is invalid.
func (s *badgerStore) Load(r io.Reader) error {
	if s.closed.Load() {
		return kv.ErrClosed
	}
	if err := s.db.DropAll(); err != nil {
		return mapError(err, "drop all")
	}
	s.tables.Clear()
	if err := s.db.Load(r, maxPendingLoadWrites); err != nil {
		return mapError(err, "load backup")
	}
	return nil
}

// GarbageCollect runs one value log garbage collection cycle
func (s *badgerStore) GarbageCollect() error {
	if !s.SupportsFeature(kv.FeatureGarbageCollect) {
		return kv.NewError(kv.RetCUnsupportedOperation, "garbage collection is not supported in in-memory mode")
	}
	ratio := s.cfg.GCDiscardRatio
	if ratio <= 0 || ratio >= 1 {
		ratio = 0.5
	}
	return runGC(s.db, ratio)
}

// --------------------------------------------------------------------------
// kv.Table Interface Methods
// --------------------------------------------------------------------------

func (t *table) Name() string {
	return t.name
}

// read runs fn with the BadgerDB transaction of tx, or a read-only one if tx is nil
func (t *table) read(tx kv.Tx, fn func(txn *badger.Txn) error) error {
	if tx == nil {
		return t.store.view(fn)
	}
	btx, err := t.store.own(tx)
	if err != nil {
		return err
	}
	return btx.do(fn)
}

// write runs fn with the BadgerDB transaction of tx, or a retried read-write one if tx is nil
func (t *table) write(tx kv.Tx, fn func(txn *badger.Txn) error) error {
	if tx == nil {
		return t.store.update(fn)
	}
	btx, err := t.store.own(tx)
	if err != nil {
		return err
	}
	return btx.do(fn)
}

func (t *table) Get(tx kv.Tx, key []byte) (value []byte, err error) {
	err = t.read(tx, func(txn *badger.Txn) error {
		item, err := txn.Get(dataKey(t.prefix, key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	return value, mapError(err, "get from table %q", t.name)
}

func (t *table) Has(tx kv.Tx, key []byte) (found bool, err error) {
	err = t.read(tx, func(txn *badger.Txn) error {
		_, err := txn.Get(dataKey(t.prefix, key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		found = err == nil
		return err
	})
	return found, mapError(err, "has in table %q", t.name)
}

func (t *table) Put(tx kv.Tx, key, value []byte) error {
	k := dataKey(t.prefix, key)
	v := append([]byte{}, value...)
	err := t.write(tx, func(txn *badger.Txn) error {
		return txn.Set(k, v)
	})
	return mapError(err, "put into table %q", t.name)
}

func (t *table) PutIfAbsent(tx kv.Tx, key, value []byte) (inserted bool, err error) {
	k := dataKey(t.prefix, key)
	v := append([]byte{}, value...)
	err = t.write(tx, func(txn *badger.Txn) error {
		inserted = false
		_, err := txn.Get(k)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		inserted = true
		return txn.Set(k, v)
	})
	return inserted, mapError(err, "put if absent into table %q", t.name)
}

func (t *table) Delete(tx kv.Tx, key []byte) (existed bool, err error) {
	k := dataKey(t.prefix, key)
	err = t.write(tx, func(txn *badger.Txn) error {
		existed = false
		_, err := txn.Get(k)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		existed = true
		return txn.Delete(k)
	})
	return existed, mapError(err, "delete from table %q", t.name)
}

func (t *table) Count(tx kv.Tx) (count int, err error) {
	err = t.read(tx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = t.prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, mapError(err, "count table %q", t.name)
}

func (t *table) Cursor(tx kv.Tx) (kv.Cursor, error) {
	if tx == nil {
		if t.store.closed.Load() {
			return nil, kv.ErrClosed
		}
		btx := &badgerTx{
			id:    fmt.Sprintf("badger-%d", t.store.txSeq.Add(1)),
			store: t.store,
			txn:   t.store.db.NewTransaction(true),
		}
		return newCursor(t, btx, true)
	}
	btx, err := t.store.own(tx)
	if err != nil {
		return nil, err
	}
	return newCursor(t, btx, false)
}

// trimPrefix strips the table prefix of a BadgerDB key
func (t *table) trimPrefix(k []byte) []byte {
	return bytes.TrimPrefix(k, t.prefix)
}
