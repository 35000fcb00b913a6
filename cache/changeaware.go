package cache

import (
	"sync"

	rk "github.com/nodestream/reactivekeys"
)

// ChangeAwareCache is a Cache that additionally records each mutation as a
// pending Change and can drain them atomically as a ChangeSet. After
// CaptureChanges returns, the pending buffer is empty and its contents
// exactly reflect the mutations applied since the previous capture,
// coalesced per key.
type ChangeAwareCache[K comparable, V any] struct {
	mu      sync.Mutex
	data    map[K]V
	pending map[K]rk.Change[K, V]
	order   []K // insertion order of pending[*], for deterministic emission
}

// NewChangeAwareCache constructs an empty ChangeAwareCache.
func NewChangeAwareCache[K comparable, V any]() *ChangeAwareCache[K, V] {
	return &ChangeAwareCache[K, V]{
		data:    make(map[K]V),
		pending: make(map[K]rk.Change[K, V]),
	}
}

func (c *ChangeAwareCache[K, V]) AddOrUpdate(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addOrUpdateLocked(key, value)
}

func (c *ChangeAwareCache[K, V]) addOrUpdateLocked(key K, value V) {
	prevVal, existed := c.data[key]
	c.data[key] = value
	c.recordLocked(key, func(pending rk.Change[K, V], hasPending bool) rk.Change[K, V] {
		switch {
		case !hasPending && existed:
			// none | update on existing -> Update(new, prev)
			return rk.NewUpdate(key, value, prevVal)
		case !hasPending && !existed:
			// none | update on absent -> Add(v)
			return rk.NewAdd(key, value)
		case hasPending && pending.Reason == rk.Add:
			// Add | update -> Add(new)
			return rk.NewAdd(key, value)
		case hasPending && pending.Reason == rk.Update:
			// Update | update -> Update(new, original prev)
			return rk.NewUpdate(key, value, pending.Previous.MustGet())
		case hasPending && pending.Reason == rk.Remove:
			// Remove | add -> Update(new, removed)
			return rk.NewUpdate(key, value, pending.Current)
		case hasPending && pending.Reason == rk.Refresh && existed:
			// Refresh | update -> Update(new, prev); the refresh recorded
			// no value change, so prevVal still reflects committed state.
			return rk.NewUpdate(key, value, prevVal)
		default:
			return rk.NewAdd(key, value)
		}
	})
}

func (c *ChangeAwareCache[K, V]) Remove(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	if !ok {
		return v, false
	}
	delete(c.data, key)

	pending, hasPending := c.pending[key]
	switch {
	case hasPending && pending.Reason == rk.Add:
		// Add | remove -> pending cleared
		c.clearPendingLocked(key)
	case hasPending && pending.Reason == rk.Update:
		// Update | remove -> Remove(original prev)
		c.setPendingLocked(key, rk.NewRemove(key, pending.Previous.MustGet()))
	default:
		// none | remove of present -> Remove(v)
		c.setPendingLocked(key, rk.NewRemove(key, v))
	}
	return v, true
}

func (c *ChangeAwareCache[K, V]) Refresh(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	if !ok {
		return v, false
	}
	if _, hasPending := c.pending[key]; !hasPending {
		// any | refresh on present -> appended only if no prior pending
		// change exists for the key.
		c.setPendingLocked(key, rk.NewRefresh(key, v))
	}
	return v, true
}

func (c *ChangeAwareCache[K, V]) Lookup(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok
}

// Clear removes every entry, recording a Remove for each per the same
// coalescing rules as a direct Remove call.
func (c *ChangeAwareCache[K, V]) Clear() {
	c.mu.Lock()
	keys := make([]K, 0, len(c.data))
	for k := range c.data {
		keys = append(keys, k)
	}
	c.mu.Unlock()
	for _, k := range keys {
		c.Remove(k)
	}
}

func (c *ChangeAwareCache[K, V]) KeyValues() map[K]V {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[K]V, len(c.data))
	for k, v := range c.data {
		out[k] = v
	}
	return out
}

func (c *ChangeAwareCache[K, V]) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

// CaptureChanges atomically drains the pending-change buffer as a
// ChangeSet. After it returns, the pending buffer is empty.
func (c *ChangeAwareCache[K, V]) CaptureChanges() rk.ChangeSet[K, V] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.order) == 0 {
		return nil
	}
	out := make(rk.ChangeSet[K, V], 0, len(c.order))
	for _, k := range c.order {
		out = append(out, c.pending[k])
	}
	c.pending = make(map[K]rk.Change[K, V])
	c.order = nil
	return out
}

// Clone applies each change of cs in order using the same mutation rules as
// AddOrUpdate/Remove/Refresh, letting a pipeline stage replay an upstream
// change set into a local cache.
func (c *ChangeAwareCache[K, V]) Clone(cs rk.ChangeSet[K, V]) {
	for _, ch := range cs {
		switch ch.Reason {
		case rk.Add, rk.Update:
			c.AddOrUpdate(ch.Key, ch.Current)
		case rk.Remove:
			c.Remove(ch.Key)
		case rk.Refresh:
			c.Refresh(ch.Key)
		}
	}
}

func (c *ChangeAwareCache[K, V]) recordLocked(key K, resolve func(pending rk.Change[K, V], hasPending bool) rk.Change[K, V]) {
	pending, hasPending := c.pending[key]
	next := resolve(pending, hasPending)
	c.setPendingLocked(key, next)
}

func (c *ChangeAwareCache[K, V]) setPendingLocked(key K, change rk.Change[K, V]) {
	if _, exists := c.pending[key]; !exists {
		c.order = append(c.order, key)
	}
	c.pending[key] = change
}

func (c *ChangeAwareCache[K, V]) clearPendingLocked(key K) {
	if _, exists := c.pending[key]; exists {
		delete(c.pending, key)
		for i, k := range c.order {
			if k == key {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
	}
}
