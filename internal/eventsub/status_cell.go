package eventsub

import "sync"

// statusCell is an atomically-mutable subscription status. It is shared
// between the manager's index entry and the Subscription handle returned
// to callers, rather than giving the handle a back-pointer into the
// manager (see SPEC_FULL.md §9).
type statusCell struct {
	mu sync.Mutex
	v  Status
}

func newStatusCell(initial Status) *statusCell {
	return &statusCell{v: initial}
}

func (c *statusCell) Load() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.v
}

func (c *statusCell) Store(s Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.v = s
}

// CompareAndSwap sets v to next only if it currently equals old, reporting
// whether the swap happened.
func (c *statusCell) CompareAndSwap(old, next Status) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.v != old {
		return false
	}
	c.v = next
	return true
}
