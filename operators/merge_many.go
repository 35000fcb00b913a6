package operators

import (
	"github.com/nodestream/reactivekeys/internal/gate"

	rk "github.com/nodestream/reactivekeys"
)

// Comparator picks the winning value for a destination key when more than
// one source stream currently contributes a value for it. It returns true
// if candidate should replace incumbent.
type Comparator[V any] func(candidate, incumbent V) bool

// MergeFunc expands a single source entry into zero or more destination
// streams to merge, keyed by the selector passed to MergeManyChangeSets.
// Each returned Observable is subscribed independently and its own change
// sets are merged by destination key.
type MergeFunc[K comparable, V any, V2 any] func(current V, key K) rk.Observable[rk.ChangeSet[K, V2]]

// MergeManyChangeSets subscribes to a per-source-entry change stream (via
// merge) and republishes the keyed union of all of them. When more than one
// source stream produces a value for the same destination key, best picks
// the winner: the currently published value is replaced only when best
// reports the newer candidate should win. Removing a source entry
// unsubscribes its stream and retracts any destination keys it was the
// sole or winning contributor for, promoting the next-best remaining
// contributor if one exists.
func MergeManyChangeSets[K comparable, V any, V2 any](
	upstream rk.Observable[rk.ChangeSet[K, V]],
	merge MergeFunc[K, V, V2],
	best Comparator[V2],
) rk.Observable[rk.ChangeSet[K, V2]] {
	m := &mergeManyOp[K, V, V2]{
		upstream:  upstream,
		merge:     merge,
		best:      best,
		subs:      make(map[K]rk.Subscription),
		published: make(map[K]V2),
		hasPub:    make(map[K]bool),
		owners:    make(map[K]map[K]V2),
		order:     make(map[K][]K),
		out:       rk.NewSubject[rk.ChangeSet[K, V2]](),
	}
	return newConnectOnSubscribe(m.out, m.start)
}

type mergeManyOp[K comparable, V any, V2 any] struct {
	upstream rk.Observable[rk.ChangeSet[K, V]]
	merge    MergeFunc[K, V, V2]
	best     Comparator[V2]

	gate gate.Gate
	subs map[K]rk.Subscription

	// owners[destKey][sourceKey] = candidate value currently offered by
	// sourceKey for destKey.
	owners map[K]map[K]V2
	// order[destKey] lists the source keys currently contributing to destKey
	// in the order they first began contributing, so a tie in best breaks by
	// insertion order rather than by map iteration order.
	order map[K][]K
	// published/hasPub track what has actually been emitted downstream for
	// a destination key, so re-evaluation after a Remove can tell whether a
	// retraction or a promotion (Update to the next-best owner) is needed.
	published map[K]V2
	hasPub    map[K]bool

	out *rk.Subject[rk.ChangeSet[K, V2]]
}

func (m *mergeManyOp[K, V, V2]) start() rk.Subscription {
	upSub := m.upstream.Subscribe(rk.ObserverFunc[rk.ChangeSet[K, V]]{
		Next:      m.onUpstream,
		Err:       m.out.OnError,
		Completed: m.out.OnCompleted,
	})
	return multiSub{subs: []rk.Subscription{upSub, disposeFunc(m.disposeAll)}}
}

func (m *mergeManyOp[K, V, V2]) disposeAll() {
	m.gate.Lock()
	subs := m.subs
	m.subs = make(map[K]rk.Subscription)
	m.gate.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
}

func (m *mergeManyOp[K, V, V2]) onUpstream(cs rk.ChangeSet[K, V]) {
	for _, c := range cs {
		switch c.Reason {
		case rk.Add, rk.Update:
			key := c.Key
			m.gate.Lock()
			if old, ok := m.subs[key]; ok {
				old.Unsubscribe()
				delete(m.subs, key)
			}
			m.gate.Unlock()
			inner := m.merge(c.Current, key)
			sourceKey := key
			sub := inner.Subscribe(rk.ObserverFunc[rk.ChangeSet[K, V2]]{
				Next: func(cs rk.ChangeSet[K, V2]) { m.onInner(sourceKey, cs) },
				Err:  m.out.OnError,
			})
			m.gate.Lock()
			m.subs[key] = sub
			m.gate.Unlock()
		case rk.Remove:
			key := c.Key
			m.gate.Lock()
			if old, ok := m.subs[key]; ok {
				old.Unsubscribe()
				delete(m.subs, key)
			}
			var down rk.ChangeSet[K, V2]
			for destKey, owners := range m.owners {
				if _, owns := owners[key]; owns {
					delete(owners, key)
					m.removeFromOrderLocked(destKey, key)
					down = append(down, m.reevaluateLocked(destKey)...)
				}
			}
			m.gate.Unlock()
			m.emit(down)
		}
	}
}

func (m *mergeManyOp[K, V, V2]) onInner(sourceKey K, cs rk.ChangeSet[K, V2]) {
	var down rk.ChangeSet[K, V2]
	m.gate.Do(func() {
		for _, c := range cs {
			destKey := c.Key
			owners, ok := m.owners[destKey]
			if !ok {
				owners = make(map[K]V2)
				m.owners[destKey] = owners
			}
			switch c.Reason {
			case rk.Add, rk.Update, rk.Refresh:
				if _, existed := owners[sourceKey]; !existed {
					m.order[destKey] = append(m.order[destKey], sourceKey)
				}
				owners[sourceKey] = c.Current
			case rk.Remove:
				delete(owners, sourceKey)
				m.removeFromOrderLocked(destKey, sourceKey)
			}
			down = append(down, m.reevaluateLocked(destKey)...)
		}
	})
	m.emit(down)
}

// removeFromOrderLocked must be called with the gate held. It drops
// sourceKey from destKey's insertion-order list, compacting the entry away
// once no owner remains.
func (m *mergeManyOp[K, V, V2]) removeFromOrderLocked(destKey, sourceKey K) {
	order := m.order[destKey]
	for i, k := range order {
		if k == sourceKey {
			m.order[destKey] = append(order[:i], order[i+1:]...)
			break
		}
	}
	if len(m.order[destKey]) == 0 {
		delete(m.order, destKey)
	}
}

// reevaluateLocked must be called with the gate held. It picks the current
// best candidate for destKey among its owners, visiting them in the order
// they first began contributing so that a tie in best resolves to whichever
// source entry arrived first, and emits the Add/Update/Remove needed to
// bring the published value in line with that pick.
func (m *mergeManyOp[K, V, V2]) reevaluateLocked(destKey K) rk.ChangeSet[K, V2] {
	owners := m.owners[destKey]
	var winner V2
	haveWinner := false
	for _, sourceKey := range m.order[destKey] {
		v, ok := owners[sourceKey]
		if !ok {
			continue
		}
		if !haveWinner || m.best(v, winner) {
			winner = v
			haveWinner = true
		}
	}
	if len(owners) == 0 {
		delete(m.owners, destKey)
	}

	wasPublished := m.hasPub[destKey]
	switch {
	case haveWinner && !wasPublished:
		m.published[destKey] = winner
		m.hasPub[destKey] = true
		return rk.ChangeSet[K, V2]{rk.NewAdd(destKey, winner)}
	case haveWinner && wasPublished:
		prev := m.published[destKey]
		m.published[destKey] = winner
		return rk.ChangeSet[K, V2]{rk.NewUpdate(destKey, winner, prev)}
	case !haveWinner && wasPublished:
		prev := m.published[destKey]
		delete(m.published, destKey)
		delete(m.hasPub, destKey)
		return rk.ChangeSet[K, V2]{rk.NewRemove(destKey, prev)}
	default:
		return nil
	}
}

func (m *mergeManyOp[K, V, V2]) emit(cs rk.ChangeSet[K, V2]) {
	if len(cs) > 0 {
		m.out.OnNext(cs)
	}
}
