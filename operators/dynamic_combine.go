package operators

import (
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/nodestream/reactivekeys/internal/corelog"
	"github.com/nodestream/reactivekeys/internal/gate"

	rk "github.com/nodestream/reactivekeys"
	"go.uber.org/zap"
)

// DynamicCombine is Combine over a source list that can itself change at
// runtime: sourceChanges adds and removes whole per-source streams, each
// identified by an SID. Adding a source subscribes it and lets its own
// emissions drive re-evaluation as they arrive. Removing a source
// unsubscribes it and, per the bulk-removal rule, first retracts every key
// it was contributing before re-evaluating each affected key — matching
// Combine's treatment of a single source's own removal/update.
//
// A source-list change set that adds more than one source in one batch
// subscribes them concurrently via an errgroup. A malformed (nil) source
// in the batch makes the batch report an error; every other source of the
// batch is still subscribed.
func DynamicCombine[SID comparable, K comparable, V any](
	op CombineOperator,
	equals Equals[V],
	sourceChanges rk.Observable[rk.ChangeSet[SID, rk.Observable[rk.ChangeSet[K, V]]]],
) rk.Observable[rk.ChangeSet[K, V]] {
	d := &dynamicCombineOp[SID, K, V]{
		op:            op,
		equals:        equals,
		sourceChanges: sourceChanges,
		order:         nil,
		caches:        make(map[SID]map[K]V),
		subs:          make(map[SID]rk.Subscription),
		hasPub:        make(map[K]bool),
		pub:           make(map[K]V),
		out:           rk.NewSubject[rk.ChangeSet[K, V]](),
	}
	return newConnectOnSubscribe(d.out, d.start)
}

type dynamicCombineOp[SID comparable, K comparable, V any] struct {
	op            CombineOperator
	equals        Equals[V]
	sourceChanges rk.Observable[rk.ChangeSet[SID, rk.Observable[rk.ChangeSet[K, V]]]]

	gate gate.Gate
	// order lists currently live source IDs in the order they were added;
	// Combine's "first source" representative rule is applied over this
	// order, not over SID's natural ordering.
	order  []SID
	caches map[SID]map[K]V
	subs   map[SID]rk.Subscription
	hasPub map[K]bool
	pub    map[K]V

	listDone bool

	out *rk.Subject[rk.ChangeSet[K, V]]
}

func (d *dynamicCombineOp[SID, K, V]) start() rk.Subscription {
	sub := d.sourceChanges.Subscribe(rk.ObserverFunc[rk.ChangeSet[SID, rk.Observable[rk.ChangeSet[K, V]]]]{
		Next:      d.onSourceList,
		Err:       d.out.OnError,
		Completed: d.onListCompleted,
	})
	return newMultiSub(sub, disposeFunc(d.disposeAll))
}

func (d *dynamicCombineOp[SID, K, V]) disposeAll() {
	d.gate.Lock()
	subs := d.subs
	d.subs = make(map[SID]rk.Subscription)
	d.gate.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
}

func (d *dynamicCombineOp[SID, K, V]) onSourceList(cs rk.ChangeSet[SID, rk.Observable[rk.ChangeSet[K, V]]]) {
	var down rk.ChangeSet[K, V]

	for _, c := range cs {
		if c.Reason == rk.Remove {
			down = append(down, d.removeSource(c.Key)...)
		}
	}

	var toAdd []rk.Change[SID, rk.Observable[rk.ChangeSet[K, V]]]
	for _, c := range cs {
		if c.Reason == rk.Add || c.Reason == rk.Update {
			if c.Reason == rk.Update {
				down = append(down, d.removeSource(c.Key)...)
			}
			toAdd = append(toAdd, c)
		}
	}
	d.emit(down)

	if len(toAdd) == 0 {
		return
	}
	if err := d.addSources(toAdd); err != nil {
		d.out.OnError(err)
	}
}

// removeSource unsubscribes sid's stream and retracts every key it was
// contributing in bulk before anything else is re-evaluated, per Combine's
// rule for a source's own removal.
func (d *dynamicCombineOp[SID, K, V]) removeSource(sid SID) rk.ChangeSet[K, V] {
	var down rk.ChangeSet[K, V]
	d.gate.Do(func() {
		sub, ok := d.subs[sid]
		if !ok {
			return
		}
		sub.Unsubscribe()
		delete(d.subs, sid)
		keys := d.caches[sid]
		delete(d.caches, sid)
		corelog.Debug("combine source removed", zap.Any("source", sid), zap.Int("keys", len(keys)))
		for i, s := range d.order {
			if s == sid {
				d.order = append(d.order[:i], d.order[i+1:]...)
				break
			}
		}
		for key := range keys {
			down = append(down, d.reevaluateLocked(key)...)
		}
	})
	return down
}

// addSources subscribes every newly added source concurrently, fanning out
// over the errgroup; a nil source observable makes the batch return an
// error, while every non-nil source of the batch is still subscribed and
// keeps contributing.
func (d *dynamicCombineOp[SID, K, V]) addSources(toAdd []rk.Change[SID, rk.Observable[rk.ChangeSet[K, V]]]) error {
	var g errgroup.Group
	for _, c := range toAdd {
		c := c
		g.Go(func() error {
			if c.Current == nil {
				return fmt.Errorf("combine: nil source stream for id %v", c.Key)
			}
			d.gate.Do(func() {
				d.caches[c.Key] = make(map[K]V)
				d.order = append(d.order, c.Key)
			})
			sid := c.Key
			sub := c.Current.Subscribe(rk.ObserverFunc[rk.ChangeSet[K, V]]{
				Next:      func(inner rk.ChangeSet[K, V]) { d.onUpstream(sid, inner) },
				Err:       d.out.OnError,
				Completed: func() {},
			})
			d.gate.Do(func() { d.subs[sid] = sub })
			return nil
		})
	}
	return g.Wait()
}

func (d *dynamicCombineOp[SID, K, V]) onUpstream(sid SID, cs rk.ChangeSet[K, V]) {
	var down rk.ChangeSet[K, V]
	d.gate.Do(func() {
		cache, ok := d.caches[sid]
		if !ok {
			return
		}
		for _, ch := range cs {
			switch ch.Reason {
			case rk.Add, rk.Update:
				cache[ch.Key] = ch.Current
				down = append(down, d.reevaluateLocked(ch.Key)...)
			case rk.Remove:
				delete(cache, ch.Key)
				down = append(down, d.reevaluateLocked(ch.Key)...)
			case rk.Refresh:
				cache[ch.Key] = ch.Current
				if d.hasPub[ch.Key] {
					down = append(down, rk.NewRefresh(ch.Key, d.pub[ch.Key]))
				}
			}
		}
	})
	d.emit(down)
}

// reevaluateLocked must be called with the gate held; semantics mirror
// combineOp.reevaluateLocked but the representative is the first source,
// in add-order, whose cache still contains the key.
func (d *dynamicCombineOp[SID, K, V]) reevaluateLocked(key K) rk.ChangeSet[K, V] {
	included, representative := d.membershipLocked(key)
	wasPub, hadPub := d.pub[key], d.hasPub[key]

	switch {
	case included && !hadPub:
		d.pub[key] = representative
		d.hasPub[key] = true
		return rk.ChangeSet[K, V]{rk.NewAdd(key, representative)}
	case included && hadPub:
		if d.equals != nil && d.equals(representative, wasPub) {
			return nil
		}
		d.pub[key] = representative
		return rk.ChangeSet[K, V]{rk.NewUpdate(key, representative, wasPub)}
	case !included && hadPub:
		delete(d.pub, key)
		delete(d.hasPub, key)
		return rk.ChangeSet[K, V]{rk.NewRemove(key, wasPub)}
	default:
		return nil
	}
}

func (d *dynamicCombineOp[SID, K, V]) membershipLocked(key K) (included bool, representative V) {
	count := 0
	firstSID, hasFirst := *new(SID), false
	for _, sid := range d.order {
		if _, ok := d.caches[sid][key]; ok {
			count++
			if !hasFirst {
				firstSID, hasFirst = sid, true
			}
		}
	}
	total := len(d.order)
	switch d.op {
	case CombineAnd:
		included = count == total && total > 0
	case CombineOr:
		included = count >= 1
	case CombineXor:
		included = count == 1
	case CombineExcept:
		if total > 0 {
			_, firstHas := d.caches[d.order[0]][key]
			included = firstHas && count == 1
		}
	}
	if included && hasFirst {
		representative = d.caches[firstSID][key]
	}
	return included, representative
}

func (d *dynamicCombineOp[SID, K, V]) emit(cs rk.ChangeSet[K, V]) {
	if len(cs) > 0 {
		d.out.OnNext(cs)
	}
}

func (d *dynamicCombineOp[SID, K, V]) onListCompleted() {
	d.gate.Do(func() { d.listDone = true })
	// The combined stream only completes when the source list itself
	// completes; individual source completions don't end the combination
	// since a completed source's last contributed values remain live until
	// explicitly removed from the list.
	d.out.OnCompleted()
}
