package operators

import (
	"github.com/nodestream/reactivekeys/internal/gate"

	rk "github.com/nodestream/reactivekeys"
)

// ForcePredicate decides, for a given cached value and key, whether that
// entry should be force-refreshed.
type ForcePredicate[K comparable, V any] func(value V, key K) bool

// ForceRefresh mirrors upstream into a local cache and, each time trigger
// emits a ForcePredicate, injects a synthetic Refresh change for every
// currently-cached key the predicate holds for. The merged stream —
// upstream changes interleaved with synthetic refreshes — is meant to feed
// a downstream Transform, forcing it to re-evaluate f for the refreshed
// keys.
func ForceRefresh[K comparable, V any](
	upstream rk.Observable[rk.ChangeSet[K, V]],
	trigger rk.Observable[ForcePredicate[K, V]],
) rk.Observable[rk.ChangeSet[K, V]] {
	f := &forceRefreshOp[K, V]{
		upstream: upstream,
		trigger:  trigger,
		cached:   make(map[K]V),
		out:      rk.NewSubject[rk.ChangeSet[K, V]](),
	}
	return newConnectOnSubscribe(f.out, f.start)
}

type forceRefreshOp[K comparable, V any] struct {
	upstream rk.Observable[rk.ChangeSet[K, V]]
	trigger  rk.Observable[ForcePredicate[K, V]]

	gate   gate.Gate
	cached map[K]V

	upstreamDone bool
	triggerDone  bool

	out *rk.Subject[rk.ChangeSet[K, V]]
}

func (f *forceRefreshOp[K, V]) start() rk.Subscription {
	upSub := f.upstream.Subscribe(rk.ObserverFunc[rk.ChangeSet[K, V]]{
		Next:      f.onUpstream,
		Err:       f.out.OnError,
		Completed: f.onUpstreamCompleted,
	})
	trigSub := f.trigger.Subscribe(rk.ObserverFunc[ForcePredicate[K, V]]{
		Next:      f.onTrigger,
		Err:       f.out.OnError,
		Completed: f.onTriggerCompleted,
	})
	return newMultiSub(upSub, trigSub)
}

func (f *forceRefreshOp[K, V]) onUpstream(cs rk.ChangeSet[K, V]) {
	f.gate.Do(func() {
		for _, c := range cs {
			switch c.Reason {
			case rk.Add, rk.Update, rk.Refresh:
				f.cached[c.Key] = c.Current
			case rk.Remove:
				delete(f.cached, c.Key)
			}
		}
	})
	f.out.OnNext(cs)
}

func (f *forceRefreshOp[K, V]) onTrigger(predicate ForcePredicate[K, V]) {
	var down rk.ChangeSet[K, V]
	f.gate.Do(func() {
		down = make(rk.ChangeSet[K, V], 0, len(f.cached))
		for k, v := range f.cached {
			if predicate(v, k) {
				down = append(down, rk.NewRefresh(k, v))
			}
		}
	})
	f.out.OnNext(down)
}

func (f *forceRefreshOp[K, V]) onUpstreamCompleted() {
	done := false
	f.gate.Do(func() {
		f.upstreamDone = true
		done = f.upstreamDone && f.triggerDone
	})
	if done {
		f.out.OnCompleted()
	}
}

func (f *forceRefreshOp[K, V]) onTriggerCompleted() {
	done := false
	f.gate.Do(func() {
		f.triggerDone = true
		done = f.upstreamDone && f.triggerDone
	})
	if done {
		f.out.OnCompleted()
	}
}
