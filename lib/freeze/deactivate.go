package freeze

import "sync"

// --------------------------------------------------------------------------
// Deactivate Controller
// --------------------------------------------------------------------------

// DeactivateController gates calls into the evictor during deactivation.
//
// Every call runs between Enter and Leave. Once Deactivate was called Enter
// fails, and the caller that started the deactivation waits until all calls
// that entered before have left.
//
// Thread-safety: safe for concurrent use.
type DeactivateController struct {
	mu           sync.Mutex
	cond         *sync.Cond
	guards       int
	deactivating bool
	deactivated  bool
}

// NewDeactivateController creates an open controller
func NewDeactivateController() *DeactivateController {
	c := &DeactivateController{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Enter registers a call, it returns false once deactivation has started
func (c *DeactivateController) Enter() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deactivating {
		return false
	}
	c.guards++
	return true
}

// Leave ends a call registered by Enter
func (c *DeactivateController) Leave() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.guards--
	if c.guards == 0 && c.deactivating {
		c.cond.Broadcast()
	}
}

// Deactivate starts the deactivation. The first caller gets true after all
// registered calls have left and must call Complete when done. Later callers
// wait until the deactivation is complete and get false.
func (c *DeactivateController) Deactivate() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deactivating {
		for !c.deactivated {
			c.cond.Wait()
		}
		return false
	}
	c.deactivating = true
	for c.guards > 0 {
		c.cond.Wait()
	}
	return true
}

// Complete marks the deactivation as done and wakes all waiting callers
func (c *DeactivateController) Complete() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deactivated = true
	c.cond.Broadcast()
}

// Deactivating reports whether deactivation has started
func (c *DeactivateController) Deactivating() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deactivating
}

// Deactivated reports whether deactivation is complete
func (c *DeactivateController) Deactivated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deactivated
}
