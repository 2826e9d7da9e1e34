package freeze

import (
	"container/list"
	"sync/atomic"
)

// --------------------------------------------------------------------------
// Evictor Elements
// --------------------------------------------------------------------------

// EvictorElement is a cached servant of one ObjectStore.
//
// An element is in the pin table of its store from the moment its load starts
// until it is evicted. Concurrent pinners of the same identity wait on ready
// and share one load. Once stale is set the element is never returned from a
// lookup again.
//
// Thread-safety: record and err are written once before ready is closed.
// inEvictor and evictPosition are guarded by the evictor mutex.
type EvictorElement struct {
	store         *ObjectStore
	ident         Identity
	cachePosition string // key in the pin table of store

	ready  chan struct{}
	record *ObjectRecord // nil if the identity does not exist
	err    error

	stale atomic.Bool

	inEvictor     bool
	evictPosition *list.Element
}

func newElement(store *ObjectStore, ident Identity, key string) *EvictorElement {
	return &EvictorElement{
		store:         store,
		ident:         ident,
		cachePosition: key,
		ready:         make(chan struct{}),
	}
}

// Servant returns the cached servant
func (elt *EvictorElement) Servant() Servant {
	return elt.record.Servant
}

// Identity returns the identity of the cached servant
func (elt *EvictorElement) Identity() Identity {
	return elt.ident
}

// Stale reports whether the element was evicted
func (elt *EvictorElement) Stale() bool {
	return elt.stale.Load()
}

// loaded reports whether the load of the element completed
func (elt *EvictorElement) loaded() bool {
	select {
	case <-elt.ready:
		return true
	default:
		return false
	}
}

// markStale sets the terminal stale flag, it returns false if it was already set
func (elt *EvictorElement) markStale() bool {
	return elt.stale.CompareAndSwap(false, true)
}
