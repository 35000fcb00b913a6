package operators

import (
	"github.com/nodestream/reactivekeys/internal/gate"

	rk "github.com/nodestream/reactivekeys"
)

// CombineOperator selects the logical set algebra Combine applies across
// its source streams.
type CombineOperator int

const (
	// CombineAnd includes a key present in every source.
	CombineAnd CombineOperator = iota
	// CombineOr includes a key present in at least one source.
	CombineOr
	// CombineXor includes a key present in exactly one source.
	CombineXor
	// CombineExcept includes a key present in the first source and absent
	// from every other.
	CombineExcept
)

// Equals reports whether two representative values are the same, for
// change-suppression purposes: when membership is unchanged and the newly
// chosen representative compares equal to the one already published,
// Combine emits nothing.
type Equals[V any] func(a, b V) bool

// Combine maintains, for each key shared across sources, the membership
// decided by op and a single representative value: the first source (by
// position in sources) that currently contains the key. It emits Add when a
// key newly qualifies, Update when the qualifying representative's value
// changes, and Remove when a key stops qualifying. An upstream Refresh is
// forwarded unconditionally as a downstream Refresh of the currently
// published value, without affecting membership.
func Combine[K comparable, V any](
	op CombineOperator,
	equals Equals[V],
	sources ...rk.Observable[rk.ChangeSet[K, V]],
) rk.Observable[rk.ChangeSet[K, V]] {
	c := &combineOp[K, V]{
		op:      op,
		equals:  equals,
		sources: sources,
		caches:  make([]map[K]V, len(sources)),
		present: make([]map[K]bool, len(sources)),
		hasPub:  make(map[K]bool),
		pub:     make(map[K]V),
		done:    make([]bool, len(sources)),
		out:     rk.NewSubject[rk.ChangeSet[K, V]](),
	}
	for i := range sources {
		c.caches[i] = make(map[K]V)
		c.present[i] = make(map[K]bool)
	}
	return newConnectOnSubscribe(c.out, c.start)
}

type combineOp[K comparable, V any] struct {
	op      CombineOperator
	equals  Equals[V]
	sources []rk.Observable[rk.ChangeSet[K, V]]

	gate    gate.Gate
	caches  []map[K]V
	present []map[K]bool
	hasPub  map[K]bool
	pub     map[K]V
	done    []bool

	out *rk.Subject[rk.ChangeSet[K, V]]
}

func (c *combineOp[K, V]) start() rk.Subscription {
	subs := make([]rk.Subscription, len(c.sources))
	for i, src := range c.sources {
		idx := i
		subs[i] = src.Subscribe(rk.ObserverFunc[rk.ChangeSet[K, V]]{
			Next:      func(cs rk.ChangeSet[K, V]) { c.onUpstream(idx, cs) },
			Err:       c.out.OnError,
			Completed: func() { c.onSourceCompleted(idx) },
		})
	}
	return newMultiSub(subs...)
}

func (c *combineOp[K, V]) onUpstream(idx int, cs rk.ChangeSet[K, V]) {
	var down rk.ChangeSet[K, V]
	c.gate.Do(func() {
		for _, ch := range cs {
			switch ch.Reason {
			case rk.Add, rk.Update:
				c.caches[idx][ch.Key] = ch.Current
				c.present[idx][ch.Key] = true
				down = append(down, c.reevaluateLocked(ch.Key)...)
			case rk.Remove:
				delete(c.caches[idx], ch.Key)
				delete(c.present[idx], ch.Key)
				down = append(down, c.reevaluateLocked(ch.Key)...)
			case rk.Refresh:
				c.caches[idx][ch.Key] = ch.Current
				if c.hasPub[ch.Key] {
					down = append(down, rk.NewRefresh(ch.Key, c.pub[ch.Key]))
				}
			}
		}
	})
	c.emit(down)
}

// reevaluateLocked must be called with the gate held. It recomputes
// membership and the representative value for key and emits whatever
// Add/Update/Remove is needed to bring the published state in line.
func (c *combineOp[K, V]) reevaluateLocked(key K) rk.ChangeSet[K, V] {
	included, representative := c.membershipLocked(key)
	wasPub, hadPub := c.pub[key], c.hasPub[key]

	switch {
	case included && !hadPub:
		c.pub[key] = representative
		c.hasPub[key] = true
		return rk.ChangeSet[K, V]{rk.NewAdd(key, representative)}
	case included && hadPub:
		if c.equals != nil && c.equals(representative, wasPub) {
			return nil
		}
		c.pub[key] = representative
		return rk.ChangeSet[K, V]{rk.NewUpdate(key, representative, wasPub)}
	case !included && hadPub:
		delete(c.pub, key)
		delete(c.hasPub, key)
		return rk.ChangeSet[K, V]{rk.NewRemove(key, wasPub)}
	default:
		return nil
	}
}

// membershipLocked must be called with the gate held. representative is
// only meaningful when included is true.
func (c *combineOp[K, V]) membershipLocked(key K) (included bool, representative V) {
	count := 0
	firstIdx := -1
	for i := range c.sources {
		if c.present[i][key] {
			count++
			if firstIdx == -1 {
				firstIdx = i
			}
		}
	}
	switch c.op {
	case CombineAnd:
		included = count == len(c.sources) && len(c.sources) > 0
	case CombineOr:
		included = count >= 1
	case CombineXor:
		included = count == 1
	case CombineExcept:
		included = len(c.sources) > 0 && c.present[0][key] && count == 1
	}
	if included && firstIdx >= 0 {
		representative = c.caches[firstIdx][key]
	}
	return included, representative
}

func (c *combineOp[K, V]) emit(cs rk.ChangeSet[K, V]) {
	if len(cs) > 0 {
		c.out.OnNext(cs)
	}
}

func (c *combineOp[K, V]) onSourceCompleted(idx int) {
	allDone := false
	c.gate.Do(func() {
		c.done[idx] = true
		allDone = true
		for _, d := range c.done {
			if !d {
				allDone = false
				break
			}
		}
	})
	if allDone {
		c.out.OnCompleted()
	}
}
