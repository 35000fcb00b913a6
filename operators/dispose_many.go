package operators

import (
	"github.com/nodestream/reactivekeys/internal/gate"

	rk "github.com/nodestream/reactivekeys"
)

// Disposer releases whatever resources a value holds once it is no longer
// reachable through the cache.
type Disposer[V any] func(V)

// DisposeMany passes every change set through unchanged, but ties each
// value's lifetime to its presence in the cache: disposer runs against a
// Remove's value and against an Update's previous value as each passes
// through, and against every value still cached when upstream completes,
// errors, or the downstream subscription is disposed — so a disposable
// value already in the cache is never silently dropped, even on shutdown
// after an error.
func DisposeMany[K comparable, V any](
	upstream rk.Observable[rk.ChangeSet[K, V]],
	disposer Disposer[V],
) rk.Observable[rk.ChangeSet[K, V]] {
	d := &disposeManyOp[K, V]{
		upstream: upstream,
		disposer: disposer,
		cached:   make(map[K]V),
		out:      rk.NewSubject[rk.ChangeSet[K, V]](),
	}
	return newConnectOnSubscribe(d.out, d.start)
}

type disposeManyOp[K comparable, V any] struct {
	upstream rk.Observable[rk.ChangeSet[K, V]]
	disposer Disposer[V]

	gate   gate.Gate
	cached map[K]V

	out *rk.Subject[rk.ChangeSet[K, V]]
}

func (d *disposeManyOp[K, V]) start() rk.Subscription {
	sub := d.upstream.Subscribe(rk.ObserverFunc[rk.ChangeSet[K, V]]{
		Next:      d.onNext,
		Err:       d.onError,
		Completed: d.onCompleted,
	})
	return newMultiSub(sub, disposeFunc(d.disposeRemaining))
}

func (d *disposeManyOp[K, V]) onNext(cs rk.ChangeSet[K, V]) {
	d.gate.Do(func() {
		for _, c := range cs {
			switch c.Reason {
			case rk.Add, rk.Refresh:
				d.cached[c.Key] = c.Current
			case rk.Update:
				if prev, ok := c.Previous.Get(); ok {
					d.disposer(prev)
				}
				d.cached[c.Key] = c.Current
			case rk.Remove:
				d.disposer(c.Current)
				delete(d.cached, c.Key)
			}
		}
	})
	d.out.OnNext(cs)
}

func (d *disposeManyOp[K, V]) onError(err error) {
	d.disposeRemaining()
	d.out.OnError(err)
}

func (d *disposeManyOp[K, V]) onCompleted() {
	d.disposeRemaining()
	d.out.OnCompleted()
}

// disposeRemaining disposes every value still cached. It is idempotent:
// cached is swapped for a fresh map under the gate before disposing, so a
// second call (e.g. a terminal event followed by subscription teardown)
// finds nothing left to dispose.
func (d *disposeManyOp[K, V]) disposeRemaining() {
	d.gate.Lock()
	remaining := d.cached
	d.cached = make(map[K]V)
	d.gate.Unlock()
	for _, v := range remaining {
		d.disposer(v)
	}
}
