// Package badgersnapshot is an optional, non-core durable snapshot sink for
// a reactivekeys source cache: a periodic snapshot writer for
// crash-recoverable warm start. The operator algebra never depends on it —
// persistence sits outside the core's scope entirely.
package badgersnapshot

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	rk "github.com/nodestream/reactivekeys"
)

// Sink persists a reactivekeys cache's current contents to a local BadgerDB
// store and can reload them as synthetic Add changes on warm start.
type Sink[K comparable, V any] struct {
	db *badger.DB
}

// Open opens (creating if necessary) a BadgerDB-backed Sink at dbPath.
func Open[K comparable, V any](dbPath string) (*Sink[K, V], error) {
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badgersnapshot: open: %w", err)
	}
	s := &Sink[K, V]{db: db}
	go s.runGC()
	return s, nil
}

func (s *Sink[K, V]) runGC() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
	again:
		if err := s.db.RunValueLogGC(0.5); err == nil {
			goto again
		}
	}
}

// Close releases the underlying BadgerDB handle.
func (s *Sink[K, V]) Close() error {
	return s.db.Close()
}

// WriteSnapshot persists the given key-value contents, overwriting any
// previously stored value for each key. It does not delete keys absent
// from values — callers that want a true replace should Clear first.
func (s *Sink[K, V]) WriteSnapshot(values map[K]V) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for k, v := range values {
			data, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("badgersnapshot: marshal %v: %w", k, err)
			}
			if err := txn.Set(keyBytes(k), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Clear drops all persisted snapshot data.
func (s *Sink[K, V]) Clear() error {
	return s.db.DropAll()
}

// LoadSnapshot reads every persisted entry back as a map, for use seeding a
// source cache's initial state before it starts accepting live edits.
func (s *Sink[K, V]) LoadSnapshot() (map[K]V, error) {
	out := make(map[K]V)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var v V
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &v)
			})
			if err != nil {
				return fmt.Errorf("badgersnapshot: unmarshal %s: %w", item.Key(), err)
			}
			var k K
			if err := json.Unmarshal(item.Key(), &k); err != nil {
				// Keys written by keyBytes for non-JSON-native K (e.g. a
				// plain string) are stored as the fmt.Sprintf form below;
				// fall back to treating the raw bytes as the string key
				// representation when K is itself string-shaped.
				if sk, ok := any(&k).(*string); ok {
					*sk = string(item.Key())
				} else {
					return err
				}
			}
			out[k] = v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// LoadAsChanges loads the persisted snapshot as a ChangeSet of Add changes,
// for directly seeding a source cache via ChangeAwareCache.Clone.
func (s *Sink[K, V]) LoadAsChanges() (rk.ChangeSet[K, V], error) {
	values, err := s.LoadSnapshot()
	if err != nil {
		return nil, err
	}
	cs := make(rk.ChangeSet[K, V], 0, len(values))
	for k, v := range values {
		cs = append(cs, rk.NewAdd(k, v))
	}
	return cs, nil
}

func keyBytes[K comparable](k K) []byte {
	if sk, ok := any(k).(string); ok {
		return []byte(sk)
	}
	data, err := json.Marshal(k)
	if err != nil {
		return []byte(fmt.Sprintf("%v", k))
	}
	return data
}
