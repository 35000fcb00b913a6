package operators

import (
	"github.com/nodestream/reactivekeys/internal/gate"

	rk "github.com/nodestream/reactivekeys"
)

// FilterDynamic applies a predicate whose state is itself an observable:
// re-evaluating every cached entry each time predicateState emits,
// producing Add/Remove for membership flips only (never Refresh).
//
// Completion: if predicateState completes having never emitted a value and
// suppressEmpty is set, the downstream stream completes immediately without
// waiting on upstream. Otherwise downstream completes once both upstream
// and predicateState have completed.
func FilterDynamic[K comparable, V any, S any](
	upstream rk.Observable[rk.ChangeSet[K, V]],
	predicateState rk.Observable[S],
	toPredicate func(S) Predicate[V],
	suppressEmpty bool,
) rk.Observable[rk.ChangeSet[K, V]] {
	d := &filterDynamicOp[K, V, S]{
		upstream:       upstream,
		predicateState: predicateState,
		toPredicate:    toPredicate,
		suppressEmpty:  suppressEmpty,
		cached:         make(map[K]V),
		included:       make(map[K]bool),
		out:            rk.NewSubject[rk.ChangeSet[K, V]](),
	}
	return newConnectOnSubscribe(d.out, d.start)
}

type filterDynamicOp[K comparable, V any, S any] struct {
	upstream       rk.Observable[rk.ChangeSet[K, V]]
	predicateState rk.Observable[S]
	toPredicate    func(S) Predicate[V]
	suppressEmpty  bool

	gate     gate.Gate
	cached   map[K]V
	included map[K]bool
	latest   Predicate[V]
	hasState bool

	upstreamDone bool
	stateDone    bool

	out *rk.Subject[rk.ChangeSet[K, V]]
}

func (d *filterDynamicOp[K, V, S]) start() rk.Subscription {
	upSub := d.upstream.Subscribe(rk.ObserverFunc[rk.ChangeSet[K, V]]{
		Next:      d.onUpstream,
		Err:       d.out.OnError,
		Completed: d.onUpstreamCompleted,
	})
	stateSub := d.predicateState.Subscribe(rk.ObserverFunc[S]{
		Next:      d.onState,
		Err:       d.out.OnError,
		Completed: d.onStateCompleted,
	})
	return newMultiSub(upSub, stateSub)
}

func (d *filterDynamicOp[K, V, S]) onUpstream(cs rk.ChangeSet[K, V]) {
	var down rk.ChangeSet[K, V]
	d.gate.Do(func() {
		down = make(rk.ChangeSet[K, V], 0, len(cs))
		for _, c := range cs {
			switch c.Reason {
			case rk.Add, rk.Update:
				d.cached[c.Key] = c.Current
				if d.hasState && d.latest(c.Current) {
					if !d.included[c.Key] {
						d.included[c.Key] = true
						down = append(down, rk.NewAdd(c.Key, c.Current))
					}
				} else {
					delete(d.included, c.Key)
				}
			case rk.Remove:
				delete(d.cached, c.Key)
				if d.included[c.Key] {
					delete(d.included, c.Key)
					down = append(down, rk.NewRemove(c.Key, c.Current))
				}
			case rk.Refresh:
				d.cached[c.Key] = c.Current
			}
		}
	})
	d.out.OnNext(down)
}

func (d *filterDynamicOp[K, V, S]) onState(s S) {
	pred := d.toPredicate(s)
	var down rk.ChangeSet[K, V]
	d.gate.Do(func() {
		d.latest = pred
		d.hasState = true
		down = make(rk.ChangeSet[K, V], 0, len(d.cached))
		for k, v := range d.cached {
			is := pred(v)
			was := d.included[k]
			switch {
			case is && !was:
				d.included[k] = true
				down = append(down, rk.NewAdd(k, v))
			case !is && was:
				delete(d.included, k)
				down = append(down, rk.NewRemove(k, v))
			}
		}
	})
	d.out.OnNext(down)
}

func (d *filterDynamicOp[K, V, S]) onUpstreamCompleted() {
	done := false
	d.gate.Do(func() {
		d.upstreamDone = true
		done = d.upstreamDone && d.stateDone
	})
	if done {
		d.out.OnCompleted()
	}
}

func (d *filterDynamicOp[K, V, S]) onStateCompleted() {
	var complete bool
	d.gate.Do(func() {
		d.stateDone = true
		if !d.hasState && d.suppressEmpty {
			complete = true
			return
		}
		complete = d.upstreamDone && d.stateDone
	})
	if complete {
		d.out.OnCompleted()
	}
}
