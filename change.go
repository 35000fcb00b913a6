// Package reactivekeys models mutable keyed collections (maps from a key to
// a value) as asynchronous streams of change sets, and provides a
// composable algebra of operators — filter, transform, join, group, sort,
// expire, combine — that transform, combine, and re-key such streams while
// preserving strict delta semantics.
package reactivekeys

import "fmt"

// ChangeReason classifies a single delta recorded against a key.
//
// Moved applies only to indexed sibling streams (out of scope for this
// module) and is passed through transparently by every operator here.
type ChangeReason int

const (
	// Add records that a key was inserted where it previously did not exist.
	Add ChangeReason = iota
	// Update records that an existing key's value changed.
	Update
	// Remove records that a key was deleted.
	Remove
	// Refresh hints that a key's value mutated without going through the
	// cache's own API; no value change is implied.
	Refresh
	// Moved is positional metadata for indexed sibling streams; keyed
	// operators treat it as an opaque pass-through reason.
	Moved
)

func (r ChangeReason) String() string {
	switch r {
	case Add:
		return "Add"
	case Update:
		return "Update"
	case Remove:
		return "Remove"
	case Refresh:
		return "Refresh"
	case Moved:
		return "Moved"
	default:
		return fmt.Sprintf("ChangeReason(%d)", int(r))
	}
}

// Change is an immutable delta record for a single key.
//
// Invariants: Reason == Add implies Previous is not set; Reason == Update
// implies Previous is set; Reason == Remove means Current is the value
// being removed; Reason == Refresh means Current is the value's present
// state and Previous is never set.
type Change[K comparable, V any] struct {
	Reason   ChangeReason
	Key      K
	Current  V
	Previous Optional[V]

	// CurrentIndex and PreviousIndex are optional positional metadata used
	// by indexed sibling streams (out of scope). Keyed operators must treat
	// them as opaque pass-through fields and never infer meaning from them.
	CurrentIndex  int
	PreviousIndex int
	HasIndex      bool
}

// NewAdd builds an Add change.
func NewAdd[K comparable, V any](key K, current V) Change[K, V] {
	return Change[K, V]{Reason: Add, Key: key, Current: current}
}

// NewUpdate builds an Update change. previous must be the value being replaced.
func NewUpdate[K comparable, V any](key K, current, previous V) Change[K, V] {
	return Change[K, V]{Reason: Update, Key: key, Current: current, Previous: Some(previous)}
}

// NewRemove builds a Remove change. current is the value being removed.
func NewRemove[K comparable, V any](key K, current V) Change[K, V] {
	return Change[K, V]{Reason: Remove, Key: key, Current: current}
}

// NewRefresh builds a Refresh change. current is the value's present state.
func NewRefresh[K comparable, V any](key K, current V) Change[K, V] {
	return Change[K, V]{Reason: Refresh, Key: key, Current: current}
}

// ChangeSet is an ordered, finite sequence of changes produced atomically by
// one upstream emission. It may be empty. Observers must treat it as one
// transactional batch: within one ChangeSet, every key appears at most once.
type ChangeSet[K comparable, V any] []Change[K, V]

// Empty reports whether the change set carries no changes.
func (cs ChangeSet[K, V]) Empty() bool {
	return len(cs) == 0
}

// Keys returns the set of keys touched by this change set, in emission order.
func (cs ChangeSet[K, V]) Keys() []K {
	keys := make([]K, len(cs))
	for i, c := range cs {
		keys[i] = c.Key
	}
	return keys
}
