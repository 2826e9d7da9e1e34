package freeze

import (
	"errors"
	"github.com/ValentinKolb/freeze/lib/kv"
	"github.com/puzpuzpuz/xsync/v3"
	"sync"
)

// --------------------------------------------------------------------------
// Object Store
// --------------------------------------------------------------------------

// ObjectStore maps the identities of one facet to their records. Records live
// in one table of the key-value store, loaded servants in the pin table.
//
// Store failures, deadlocks included, are returned unchanged. A missing
// identity is not an error: insert and remove return false, load and pin nil.
//
// Thread-safety: safe for concurrent use. No map lock is held while the
// key-value store is accessed.
type ObjectStore struct {
	facet   string
	table   kv.Table
	evictor *Evictor
	pinned  *xsync.MapOf[string, *EvictorElement]
	writers *xsync.MapOf[string, *writerLock]
}

// writerLock serializes the writes of one identity outside of transactions.
// refs counts the goroutines holding or waiting for it, the entry is removed
// when it drops to zero.
type writerLock struct {
	mu   sync.Mutex
	refs int
}

func newObjectStore(evictor *Evictor, facet string, table kv.Table) *ObjectStore {
	return &ObjectStore{
		facet:   facet,
		table:   table,
		evictor: evictor,
		pinned:  xsync.NewMapOf[string, *EvictorElement](),
		writers: xsync.NewMapOf[string, *writerLock](),
	}
}

// Facet returns the facet served by the store
func (s *ObjectStore) Facet() string {
	return s.facet
}

// insert stores a new record for ident, it returns false if ident already exists
func (s *ObjectStore) insert(ident Identity, servant Servant, tx kv.Tx) (bool, error) {
	rec := &ObjectRecord{Servant: servant}
	if s.evictor.opts.KeepStats {
		rec.Stats.CreationTime = s.evictor.now()
	}
	data, err := encodeRecord(rec)
	if err != nil {
		return false, err
	}
	return s.table.PutIfAbsent(tx, identityKey(ident), data)
}

// remove deletes the record of ident, it returns false if ident does not exist.
// The pin table is not touched, evicting the cached servant is up to the caller.
func (s *ObjectStore) remove(ident Identity, tx kv.Tx) (bool, error) {
	return s.table.Delete(tx, identityKey(ident))
}

// dbHasObject checks whether a record for ident exists, without decoding it
func (s *ObjectStore) dbHasObject(ident Identity, tx kv.Tx) (bool, error) {
	return s.table.Has(tx, identityKey(ident))
}

// load reads and decodes the record of ident without caching it
func (s *ObjectStore) load(ident Identity, tx kv.Tx) (*ObjectRecord, error) {
	data, err := s.table.Get(tx, identityKey(ident))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec, err := decodeRecord(data, s.evictor.opts.Factory)
	if err != nil {
		log.Errorf("cannot decode %s in facet %q: %v", ident, s.facet, err)
		return nil, err
	}
	if init := s.evictor.opts.Initializer; init != nil {
		init(ident, s.facet, rec.Servant)
	}
	return rec, nil
}

// update writes rec back, refreshing its statistics
func (s *ObjectStore) update(ident Identity, rec *ObjectRecord, tx kv.Tx) error {
	if s.evictor.opts.KeepStats {
		rec.Stats.saved(s.evictor.now())
	}
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	return s.table.Put(tx, identityKey(ident), data)
}

// --------------------------------------------------------------------------
// Pin Table
// --------------------------------------------------------------------------

// pin returns the cached element of ident, loading it outside of any
// transaction on a miss. It returns nil if ident does not exist.
func (s *ObjectStore) pin(ident Identity) (*EvictorElement, error) {
	key := string(identityKey(ident))
	for {
		fresh := newElement(s, ident, key)
		elt, _ := s.pinned.Compute(key, func(old *EvictorElement, loaded bool) (*EvictorElement, bool) {
			if loaded && !old.stale.Load() {
				return old, false
			}
			return fresh, false
		})

		if elt == fresh {
			s.evictor.metrics.misses.Inc()
			elt.record, elt.err = s.load(ident, nil)
			close(elt.ready)
			if elt.err != nil || elt.record == nil {
				s.unpin(elt)
			}
		} else {
			s.evictor.metrics.hits.Inc()
			<-elt.ready
		}

		// evicted while loading, the loaded state may be outdated
		if elt.stale.Load() {
			continue
		}
		if elt.err != nil {
			return nil, elt.err
		}
		if elt.record == nil {
			return nil, nil
		}
		return elt, nil
	}
}

// getIfPinned returns the cached element of ident without accessing the
// key-value store. If wait is false an element that is still loading is
// treated as absent.
func (s *ObjectStore) getIfPinned(ident Identity, wait bool) *EvictorElement {
	elt, ok := s.pinned.Load(string(identityKey(ident)))
	if !ok {
		return nil
	}
	if wait {
		<-elt.ready
	} else if !elt.loaded() {
		return nil
	}
	if elt.stale.Load() || elt.err != nil || elt.record == nil {
		return nil
	}
	return elt
}

// element returns the pin table entry of ident in any state
func (s *ObjectStore) element(ident Identity) *EvictorElement {
	elt, _ := s.pinned.Load(string(identityKey(ident)))
	return elt
}

// unpin removes elt from the pin table. An entry that was replaced in the
// meantime is left alone.
func (s *ObjectStore) unpin(elt *EvictorElement) {
	s.pinned.Compute(elt.cachePosition, func(old *EvictorElement, loaded bool) (*EvictorElement, bool) {
		if loaded && old == elt {
			return nil, true
		}
		return old, !loaded
	})
}

// lockWriter acquires the write lock of ident and returns its release
// function. The lock is independent of the cached element, so writers using
// an evicted element and writers using its replacement exclude each other.
func (s *ObjectStore) lockWriter(ident Identity) func() {
	key := string(identityKey(ident))
	l, _ := s.writers.Compute(key, func(old *writerLock, loaded bool) (*writerLock, bool) {
		if !loaded {
			old = &writerLock{}
		}
		old.refs++
		return old, false
	})
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.writers.Compute(key, func(old *writerLock, loaded bool) (*writerLock, bool) {
			old.refs--
			return old, old.refs == 0
		})
	}
}

// pinnedCount returns the number of entries in the pin table
func (s *ObjectStore) pinnedCount() int {
	return s.pinned.Size()
}
