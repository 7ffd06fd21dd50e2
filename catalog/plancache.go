package catalog

import (
	"context"
	"sync"
	"time"
)

// PlanCache is a process-local read-through cache for workspace records on
// the redirect path. Entries expire after a short TTL; stale reads within the
// TTL are acceptable because caps are enforced by the usage counter, not by
// the cached plan.
type PlanCache struct {
	store Store
	ttl   time.Duration
	now   func() time.Time

	mu      sync.RWMutex
	entries map[string]planEntry
}

type planEntry struct {
	ws      Workspace
	expires time.Time
}

// NewPlanCache creates a cache over store. A non-positive ttl disables
// caching and every read goes to the store.
func NewPlanCache(store Store, ttl time.Duration) *PlanCache {
	return &PlanCache{
		store:   store,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]planEntry),
	}
}

// SetClock overrides the cache's clock. For tests.
func (c *PlanCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// Workspace returns the workspace record, from cache when fresh. The returned
// value is a copy; callers may not observe later catalog writes until the
// entry expires.
func (c *PlanCache) Workspace(ctx context.Context, id string) (*Workspace, error) {
	if c.ttl > 0 {
		c.mu.RLock()
		e, ok := c.entries[id]
		c.mu.RUnlock()
		if ok && c.now().Before(e.expires) {
			ws := e.ws
			return &ws, nil
		}
	}

	ws, err := c.store.Workspace(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.ttl > 0 {
		c.mu.Lock()
		c.entries[id] = planEntry{ws: *ws, expires: c.now().Add(c.ttl)}
		c.mu.Unlock()
	}
	return ws, nil
}

// Invalidate drops the cached entry for a workspace. Plan writers call this
// so upgrades propagate faster than the TTL; forgetting to is harmless.
func (c *PlanCache) Invalidate(id string) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}
