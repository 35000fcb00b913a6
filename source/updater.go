package source

import (
	"github.com/nodestream/reactivekeys/cache"
	"github.com/nodestream/reactivekeys/errs"

	rk "github.com/nodestream/reactivekeys"
)

// Updater is the view an Edit closure receives. It exposes every mutation
// primitive of the underlying ChangeAwareCache plus key-selector-driven
// conveniences.
type Updater[K comparable, V any] struct {
	data        *cache.ChangeAwareCache[K, V]
	keySelector rk.KeySelector[V, K]
}

// AddOrUpdate inserts or replaces the value for an explicit key.
func (u *Updater[K, V]) AddOrUpdate(key K, value V) {
	u.data.AddOrUpdate(key, value)
}

// AddOrUpdateValue inserts or replaces value, deriving its key via the
// cache's configured KeySelector. It fails with a KeySelectorError — which
// does not tear down the stream — if no selector is configured or the
// selector itself errors.
func (u *Updater[K, V]) AddOrUpdateValue(value V) error {
	key, err := u.GetKey(value)
	if err != nil {
		return err
	}
	u.data.AddOrUpdate(key, value)
	return nil
}

// Remove deletes key if present.
func (u *Updater[K, V]) Remove(key K) {
	u.data.Remove(key)
}

// RemoveMany deletes every key in keys that is present.
func (u *Updater[K, V]) RemoveMany(keys []K) {
	for _, k := range keys {
		u.data.Remove(k)
	}
}

// RemoveValue deletes the entry whose key is derived from value via the
// configured KeySelector.
func (u *Updater[K, V]) RemoveValue(value V) error {
	key, err := u.GetKey(value)
	if err != nil {
		return err
	}
	u.data.Remove(key)
	return nil
}

// Refresh re-publishes the current value for key as a Refresh hint without
// altering cache contents.
func (u *Updater[K, V]) Refresh(key K) {
	u.data.Refresh(key)
}

// Clear empties the cache, recording a Remove for every entry.
func (u *Updater[K, V]) Clear() {
	u.data.Clear()
}

// Clone applies cs to this cache using the same mutation rules Edit uses,
// letting a pipeline replay an upstream change set into this cache.
func (u *Updater[K, V]) Clone(cs rk.ChangeSet[K, V]) {
	u.data.Clone(cs)
}

// Lookup returns the value for key, if present.
func (u *Updater[K, V]) Lookup(key K) (V, bool) {
	return u.data.Lookup(key)
}

// Count returns the number of entries currently cached.
func (u *Updater[K, V]) Count() int {
	return u.data.Count()
}

// KeyValues returns a snapshot of the cache's current contents.
func (u *Updater[K, V]) KeyValues() map[K]V {
	return u.data.KeyValues()
}

// Keys returns a snapshot of the cache's current keys.
func (u *Updater[K, V]) Keys() []K {
	kv := u.data.KeyValues()
	keys := make([]K, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	return keys
}

// GetKey derives the key for value using the configured KeySelector.
func (u *Updater[K, V]) GetKey(value V) (K, error) {
	var zero K
	if u.keySelector == nil {
		return zero, errs.NewKeySelectorError(errs.ErrKeySelector)
	}
	key, err := u.keySelector(value)
	if err != nil {
		return zero, errs.NewKeySelectorError(err)
	}
	return key, nil
}

// Edit re-enters this same Updater, i.e. it is the nested-edit path:
// calling it from inside an outer Edit closure reuses the outer Updater and
// the outer capture, rather than attempting to re-acquire the source
// cache's writer lock (Go's sync.Mutex is not reentrant, unlike the
// teacher's ambient .NET Monitor-based lock — nested calls are expressed
// through the Updater you already hold instead of through Cache.Edit).
func (u *Updater[K, V]) Edit(f func(*Updater[K, V])) {
	f(u)
}
