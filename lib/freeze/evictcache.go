package freeze

import "container/list"

// --------------------------------------------------------------------------
// Eviction Cache
// --------------------------------------------------------------------------

// evictionCache keeps the cached elements of all stores in LRU order, most
// recently used at the front.
//
// Thread-safety: none. Every method is called with the evictor mutex held.
// Evicting only touches the pin tables, never the key-value store.
type evictionCache struct {
	order   *list.List
	size    int // bound
	current int // elements with inEvictor set
}

func newEvictionCache(size int) *evictionCache {
	return &evictionCache{order: list.New(), size: size}
}

// touch moves elt to the front and starts tracking it if it is new
func (c *evictionCache) touch(elt *EvictorElement) {
	if elt.inEvictor {
		c.order.MoveToFront(elt.evictPosition)
		return
	}
	elt.evictPosition = c.order.PushFront(elt)
	elt.inEvictor = true
	c.current++
}

// trim evicts least recently used elements until the bound holds and
// returns the number of evicted elements
func (c *evictionCache) trim() int {
	evicted := 0
	for c.current > c.size {
		back := c.order.Back()
		if back == nil {
			break
		}
		c.evict(back.Value.(*EvictorElement))
		evicted++
	}
	return evicted
}

// evict marks elt stale, unpins it and stops tracking it. Elements that were
// never touched are only marked and unpinned.
func (c *evictionCache) evict(elt *EvictorElement) {
	elt.markStale()
	elt.store.unpin(elt)
	if elt.inEvictor {
		c.order.Remove(elt.evictPosition)
		elt.evictPosition = nil
		elt.inEvictor = false
		c.current--
	}
}

// setSize changes the bound, the caller trims afterward
func (c *evictionCache) setSize(size int) {
	c.size = size
}

// len returns the number of tracked elements
func (c *evictionCache) len() int {
	return c.current
}

// drain evicts every element and sets the bound to zero
func (c *evictionCache) drain() int {
	c.size = 0
	return c.trim()
}
