// Package operators implements the operator algebra over keyed change
// streams: filter, transform, transform-many, merge-many, join, group,
// combine, sort, virtualize, expire-after, and tree-build. Every operator
// subscribes to an upstream Observable[ChangeSet[K,V]] and produces its own
// downstream Observable[ChangeSet[...]], serializing its internal state
// mutations behind a gate.Gate.
package operators

import (
	"github.com/nodestream/reactivekeys/internal/gate"

	rk "github.com/nodestream/reactivekeys"
)

// Predicate reports whether a value should be included by a Filter.
type Predicate[V any] func(V) bool

// filterOp implements a static Filter over a single fixed predicate.
type filterOp[K comparable, V any] struct {
	upstream  rk.Observable[rk.ChangeSet[K, V]]
	predicate Predicate[V]

	gate        gate.Gate
	wasIncluded map[K]bool
	out         *rk.Subject[rk.ChangeSet[K, V]]
}

// Filter applies a static predicate to an upstream keyed change stream,
// emitting Add/Update/Remove transitions as membership flips (spec
// §4.3.1). Filter is idempotent: Filter(p) ∘ Filter(p) ≡ Filter(p).
func Filter[K comparable, V any](upstream rk.Observable[rk.ChangeSet[K, V]], predicate Predicate[V]) rk.Observable[rk.ChangeSet[K, V]] {
	f := &filterOp[K, V]{
		upstream:    upstream,
		predicate:   predicate,
		wasIncluded: make(map[K]bool),
		out:         rk.NewSubject[rk.ChangeSet[K, V]](),
	}
	return newConnectOnSubscribe(f.out, f.start)
}

func (f *filterOp[K, V]) start() rk.Subscription {
	return f.upstream.Subscribe(rk.ObserverFunc[rk.ChangeSet[K, V]]{
		Next:      f.onNext,
		Err:       f.out.OnError,
		Completed: f.out.OnCompleted,
	})
}

func (f *filterOp[K, V]) onNext(cs rk.ChangeSet[K, V]) {
	var down rk.ChangeSet[K, V]
	f.gate.Do(func() {
		down = f.process(cs)
	})
	f.out.OnNext(down)
}

func (f *filterOp[K, V]) process(cs rk.ChangeSet[K, V]) rk.ChangeSet[K, V] {
	down := make(rk.ChangeSet[K, V], 0, len(cs))
	for _, c := range cs {
		switch c.Reason {
		case rk.Add:
			if f.predicate(c.Current) {
				f.wasIncluded[c.Key] = true
				down = append(down, rk.NewAdd(c.Key, c.Current))
			}
		case rk.Update:
			was := f.wasIncluded[c.Key]
			is := f.predicate(c.Current)
			switch {
			case is && !was:
				down = append(down, rk.NewAdd(c.Key, c.Current))
			case is && was:
				down = append(down, rk.NewUpdate(c.Key, c.Current, c.Previous.MustGet()))
			case !is && was:
				down = append(down, rk.NewRemove(c.Key, c.Previous.MustGet()))
			}
			f.wasIncluded[c.Key] = is
		case rk.Remove:
			if f.wasIncluded[c.Key] {
				down = append(down, rk.NewRemove(c.Key, c.Current))
			}
			delete(f.wasIncluded, c.Key)
		case rk.Refresh:
			was := f.wasIncluded[c.Key]
			is := f.predicate(c.Current)
			switch {
			case is && !was:
				down = append(down, rk.NewAdd(c.Key, c.Current))
			case !is && was:
				down = append(down, rk.NewRemove(c.Key, c.Current))
			case is && was:
				down = append(down, rk.NewRefresh(c.Key, c.Current))
			}
			f.wasIncluded[c.Key] = is
		}
	}
	return down
}

