// Package source provides the reactive source cache: a root cache that
// exposes an edit API and publishes the resulting change sets to any number
// of subscribers, optionally preceded by a synthetic initial snapshot.
package source

import (
	"sync"

	"github.com/nodestream/reactivekeys/cache"
	"github.com/nodestream/reactivekeys/internal/corelog"

	rk "github.com/nodestream/reactivekeys"
	"go.uber.org/zap"
)

// EditFunc is the closure shape passed to Cache.Edit.
type EditFunc[K comparable, V any] func(*Updater[K, V])

// Cache is a root reactive source: a mutable keyed collection whose edits
// are captured as ChangeSets and broadcast to subscribers.
//
// Concurrency: edits are serialized by a single writer lock (mu); readers
// (Lookup, Keys, ...) observe a consistent snapshot at lock-release
// boundaries.
type Cache[K comparable, V any] struct {
	mu          sync.Mutex
	data        *cache.ChangeAwareCache[K, V]
	keySelector rk.KeySelector[V, K]
	changes     *rk.Subject[rk.ChangeSet[K, V]]
	preview     *rk.Subject[rk.ChangeSet[K, V]]
	log         *zap.Logger
}

// New constructs an empty source Cache. keySelector may be nil if callers
// will only ever use the explicit-key Updater methods.
func New[K comparable, V any](keySelector rk.KeySelector[V, K]) *Cache[K, V] {
	return &Cache[K, V]{
		data:        cache.NewChangeAwareCache[K, V](),
		keySelector: keySelector,
		changes:     rk.NewSubject[rk.ChangeSet[K, V]](),
		preview:     rk.NewSubject[rk.ChangeSet[K, V]](),
		log:         corelog.With(zap.String("component", "source.Cache")),
	}
}

// Edit runs f against an Updater view of the cache's current state, then —
// if f produced any changes — emits the captured ChangeSet to the preview
// channel and then to every Connect subscriber. The gate (mu) is released
// before delivering to subscribers, so a subscriber that calls back into
// Edit from its own notification handler does not deadlock.
func (c *Cache[K, V]) Edit(f EditFunc[K, V]) {
	c.mu.Lock()
	u := &Updater[K, V]{data: c.data, keySelector: c.keySelector}
	f(u)
	cs := c.data.CaptureChanges()
	c.mu.Unlock()

	if cs.Empty() {
		return
	}
	c.log.Debug("publishing change set", zap.Int("changes", len(cs)))
	c.preview.OnNext(cs)
	c.changes.OnNext(cs)
}

// Lookup returns the value for key, if present.
func (c *Cache[K, V]) Lookup(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data.Lookup(key)
}

// Count returns the number of entries currently cached.
func (c *Cache[K, V]) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data.Count()
}

// KeyValues returns a snapshot of the cache's current contents.
func (c *Cache[K, V]) KeyValues() map[K]V {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data.KeyValues()
}

// Preview returns an Observable of the exact ChangeSet about to be
// published, emitted from the same atomic capture as the main stream — no
// rollback support is needed since nothing has been delivered downstream
// yet when preview fires.
func (c *Cache[K, V]) Preview() rk.Observable[rk.ChangeSet[K, V]] {
	return c.preview
}

// Connect returns an Observable that first emits a synthetic initial change
// set (every current entry as Add, optionally filtered by predicate), then
// forwards subsequent live ChangeSets. If suppressEmpty is set, empty live
// change sets are not forwarded (the synthetic initial set is always
// delivered even if empty, so a subscriber always gets a defined starting
// point).
func (c *Cache[K, V]) Connect(predicate func(K, V) bool, suppressEmpty bool) rk.Observable[rk.ChangeSet[K, V]] {
	return &connectObservable[K, V]{source: c, predicate: predicate, suppressEmpty: suppressEmpty}
}

type connectObservable[K comparable, V any] struct {
	source        *Cache[K, V]
	predicate     func(K, V) bool
	suppressEmpty bool
}

func (o *connectObservable[K, V]) Subscribe(observer rk.Observer[rk.ChangeSet[K, V]]) rk.Subscription {
	o.source.mu.Lock()
	snapshot := o.source.data.KeyValues()
	sub := o.source.changes.Subscribe(rk.ObserverFunc[rk.ChangeSet[K, V]]{
		Next: func(cs rk.ChangeSet[K, V]) {
			if o.suppressEmpty && cs.Empty() {
				return
			}
			observer.OnNext(cs)
		},
		Err:       observer.OnError,
		Completed: observer.OnCompleted,
	})

	initial := make(rk.ChangeSet[K, V], 0, len(snapshot))
	for k, v := range snapshot {
		if o.predicate == nil || o.predicate(k, v) {
			initial = append(initial, rk.NewAdd(k, v))
		}
	}
	// The synthetic initial snapshot must reach the observer before any live
	// ChangeSet can, so it is delivered while still holding the lock that
	// serializes against Edit — releasing first would open a window where a
	// concurrent Edit's delivery to sub races ahead of it.
	observer.OnNext(initial)
	o.source.mu.Unlock()

	return sub
}
