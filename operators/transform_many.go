package operators

import (
	"github.com/nodestream/reactivekeys/errs"
	"github.com/nodestream/reactivekeys/internal/gate"

	rk "github.com/nodestream/reactivekeys"
)

// ManyFunc expands a single source value into zero or more destination
// values, each independently keyed by toKey. A source Add/Update/Remove
// therefore fans out into a diff between the destination keys it produced
// last time and the destination keys it produces this time.
type ManyFunc[K comparable, V any, K2 comparable, V2 any] func(current V, key K) []V2

// TransformMany expands each source entry into a collection of destination
// entries and republishes the union as a single keyed stream, re-keyed by
// toKey. When a source entry changes, its previous destination keys are
// diffed against its new destination keys: dropped keys emit Remove,
// newly-produced keys emit Add, and keys present in both emit Update.
// Removing a source entry removes every destination entry it owned, unless
// another still-live source entry also produces that same destination key.
func TransformMany[K comparable, V any, K2 comparable, V2 any](
	upstream rk.Observable[rk.ChangeSet[K, V]],
	many ManyFunc[K, V, K2, V2],
	toKey rk.KeySelector[V2, K2],
	errHandler errs.ErrorHandler[K, V],
) rk.Observable[rk.ChangeSet[K2, V2]] {
	t := &transformManyOp[K, V, K2, V2]{
		upstream:   upstream,
		many:       many,
		toKey:      toKey,
		errHandler: errHandler,
		ownedBy:    make(map[K][]K2),
		owners:     make(map[K2]map[K]V2),
		published:  make(map[K2]V2),
		out:        rk.NewSubject[rk.ChangeSet[K2, V2]](),
	}
	return newConnectOnSubscribe(t.out, t.start)
}

type transformManyOp[K comparable, V any, K2 comparable, V2 any] struct {
	upstream   rk.Observable[rk.ChangeSet[K, V]]
	many       ManyFunc[K, V, K2, V2]
	toKey      rk.KeySelector[V2, K2]
	errHandler errs.ErrorHandler[K, V]

	gate gate.Gate
	// ownedBy records, per source key, which destination keys it currently
	// contributes.
	ownedBy map[K][]K2
	// owners records, per destination key, every source key currently
	// contributing a value for it (destination keys may be produced by more
	// than one source entry).
	owners map[K2]map[K]V2
	// published holds the last value actually emitted downstream for a
	// destination key, so a later Update carries the true prior value as
	// Previous instead of reusing the new value.
	published map[K2]V2

	out *rk.Subject[rk.ChangeSet[K2, V2]]
}

func (t *transformManyOp[K, V, K2, V2]) start() rk.Subscription {
	return t.upstream.Subscribe(rk.ObserverFunc[rk.ChangeSet[K, V]]{
		Next:      t.onNext,
		Err:       t.out.OnError,
		Completed: t.out.OnCompleted,
	})
}

func (t *transformManyOp[K, V, K2, V2]) onNext(cs rk.ChangeSet[K, V]) {
	var down rk.ChangeSet[K2, V2]
	var fatal error
	t.gate.Do(func() {
		down = make(rk.ChangeSet[K2, V2], 0, len(cs))
		for _, c := range cs {
			switch c.Reason {
			case rk.Add, rk.Update, rk.Refresh:
				produced := t.expand(c.Current, c.Key)
				if produced == nil {
					continue
				}
				down = append(down, t.applySourceKeyLocked(c.Key, produced)...)
			case rk.Remove:
				down = append(down, t.retractSourceKeyLocked(c.Key)...)
			}
		}
	})
	if fatal != nil {
		t.out.OnError(fatal)
		return
	}
	t.out.OnNext(down)
}

func (t *transformManyOp[K, V, K2, V2]) expand(current V, key K) map[K2]V2 {
	values := t.many(current, key)
	produced := make(map[K2]V2, len(values))
	for _, v2 := range values {
		k2, err := t.toKey(v2)
		if err != nil {
			wrapped := errs.NewError(err, key, current)
			if t.errHandler != nil {
				t.errHandler(wrapped)
				continue
			}
			t.out.OnError(wrapped)
			return nil
		}
		produced[k2] = v2
	}
	return produced
}

// applySourceKeyLocked must be called with the gate held. It replaces the
// set of destination entries source key owns with produced, diffing
// against what it owned before.
func (t *transformManyOp[K, V, K2, V2]) applySourceKeyLocked(key K, produced map[K2]V2) rk.ChangeSet[K2, V2] {
	var down rk.ChangeSet[K2, V2]
	previouslyOwned := t.ownedBy[key]
	stillOwned := make(map[K2]bool, len(produced))

	for k2, v2 := range produced {
		stillOwned[k2] = true
		owners, ok := t.owners[k2]
		if !ok {
			owners = make(map[K]V2)
			t.owners[k2] = owners
		}
		existedBefore := len(owners) > 0
		owners[key] = v2
		if prev, had := t.published[k2]; existedBefore && had {
			t.published[k2] = v2
			down = append(down, rk.NewUpdate(k2, v2, prev))
		} else {
			t.published[k2] = v2
			down = append(down, rk.NewAdd(k2, v2))
		}
	}

	for _, old := range previouslyOwned {
		if stillOwned[old] {
			continue
		}
		owners := t.owners[old]
		last, existed := owners[key]
		delete(owners, key)
		if len(owners) == 0 {
			delete(t.owners, old)
			if existed {
				delete(t.published, old)
				down = append(down, rk.NewRemove(old, last))
			}
		}
	}

	ownedList := make([]K2, 0, len(produced))
	for k2 := range produced {
		ownedList = append(ownedList, k2)
	}
	t.ownedBy[key] = ownedList
	return down
}

func (t *transformManyOp[K, V, K2, V2]) retractSourceKeyLocked(key K) rk.ChangeSet[K2, V2] {
	owned := t.ownedBy[key]
	delete(t.ownedBy, key)
	var down rk.ChangeSet[K2, V2]
	for _, k2 := range owned {
		owners := t.owners[k2]
		last, hadOne := owners[key]
		delete(owners, key)
		if len(owners) == 0 {
			delete(t.owners, k2)
			if hadOne {
				delete(t.published, k2)
				down = append(down, rk.NewRemove(k2, last))
			}
		}
	}
	return down
}

