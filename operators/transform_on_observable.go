package operators

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/nodestream/reactivekeys/internal/gate"

	rk "github.com/nodestream/reactivekeys"
)

// ObservableFactory produces the per-entry sub-observable TransformOnObservable
// subscribes to.
type ObservableFactory[K comparable, V any, V2 any] func(current V, key K) rk.Observable[V2]

// TransformOnObservable subscribes each source entry to its own
// sub-observable (via f), whose emissions update the downstream transformed
// value for that key. Each source change set and each sub-emission is
// applied under the operator's gate and flushed downstream as its own
// change set. The pending-updates counter that guards the flush is
// incremented and decremented inside the same gated section, so it is back
// at zero at every flush: sub-emissions are not coalesced with one another
// or with a source batch.
//
// maxConcurrent bounds how many Subscribe calls on per-key sub-observables
// may be in progress at once; it does not limit how many of those
// subscriptions stay open. 0 means unbounded.
func TransformOnObservable[K comparable, V any, V2 any](
	upstream rk.Observable[rk.ChangeSet[K, V]],
	f ObservableFactory[K, V, V2],
	maxConcurrent int64,
) rk.Observable[rk.ChangeSet[K, V2]] {
	t := &transformOnObsOp[K, V, V2]{
		upstream:  upstream,
		f:         f,
		subs:      make(map[K]rk.Subscription),
		latest:    make(map[K]V2),
		published: make(map[K]bool),
		out:       rk.NewSubject[rk.ChangeSet[K, V2]](),
		maxWeight: maxConcurrent,
	}
	if maxConcurrent > 0 {
		t.sem = semaphore.NewWeighted(maxConcurrent)
	}
	return newConnectOnSubscribe(t.out, t.start)
}

type transformOnObsOp[K comparable, V any, V2 any] struct {
	upstream rk.Observable[rk.ChangeSet[K, V]]
	f        ObservableFactory[K, V, V2]

	sem       *semaphore.Weighted
	maxWeight int64

	gate      gate.Gate
	subs      map[K]rk.Subscription
	latest    map[K]V2
	published map[K]bool
	pending   int
	buffer    rk.ChangeSet[K, V2]

	out *rk.Subject[rk.ChangeSet[K, V2]]
}

func (t *transformOnObsOp[K, V, V2]) start() rk.Subscription {
	upSub := t.upstream.Subscribe(rk.ObserverFunc[rk.ChangeSet[K, V]]{
		Next:      t.onUpstream,
		Err:       t.out.OnError,
		Completed: t.onUpstreamCompleted,
	})
	return multiSub{subs: []rk.Subscription{upSub, disposeFunc(t.disposeAll)}}
}

type disposeFunc func()

func (d disposeFunc) Unsubscribe() { d() }

func (t *transformOnObsOp[K, V, V2]) disposeAll() {
	t.gate.Lock()
	subs := t.subs
	t.subs = make(map[K]rk.Subscription)
	t.gate.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
}

func (t *transformOnObsOp[K, V, V2]) onUpstream(cs rk.ChangeSet[K, V]) {
	t.gate.Lock()
	t.pending++
	var toSubscribe []rk.Change[K, V]
	for _, c := range cs {
		switch c.Reason {
		case rk.Add:
			toSubscribe = append(toSubscribe, c)
		case rk.Update:
			if old, ok := t.subs[c.Key]; ok {
				old.Unsubscribe()
				delete(t.subs, c.Key)
			}
			toSubscribe = append(toSubscribe, c)
		case rk.Remove:
			if old, ok := t.subs[c.Key]; ok {
				old.Unsubscribe()
				delete(t.subs, c.Key)
			}
			if last, ok := t.latest[c.Key]; ok && t.published[c.Key] {
				t.buffer = append(t.buffer, rk.NewRemove(c.Key, last))
			}
			delete(t.latest, c.Key)
			delete(t.published, c.Key)
		}
	}
	t.pending--
	flush := t.maybeFlushLocked()
	t.gate.Unlock()
	t.emit(flush)

	for _, c := range toSubscribe {
		t.subscribeKey(c.Key, c.Current)
	}
}

func (t *transformOnObsOp[K, V, V2]) subscribeKey(key K, current V) {
	if t.sem != nil {
		_ = t.sem.Acquire(context.Background(), 1)
	}
	var sub rk.Subscription
	sub = t.f(current, key).Subscribe(rk.ObserverFunc[V2]{
		Next: func(v2 V2) {
			t.gate.Lock()
			t.pending++
			prev, wasPublished := t.latest[key]
			t.latest[key] = v2
			t.published[key] = true
			if wasPublished {
				t.buffer = append(t.buffer, rk.NewUpdate(key, v2, prev))
			} else {
				t.buffer = append(t.buffer, rk.NewAdd(key, v2))
			}
			t.pending--
			flush := t.maybeFlushLocked()
			t.gate.Unlock()
			t.emit(flush)
		},
		Err: t.out.OnError,
	})
	t.gate.Lock()
	t.subs[key] = sub
	t.gate.Unlock()
	if t.sem != nil {
		defer t.sem.Release(1)
	}
}

// maybeFlushLocked must be called with the gate held. It returns the
// buffered wave (and clears it) iff pending has drained to zero.
func (t *transformOnObsOp[K, V, V2]) maybeFlushLocked() rk.ChangeSet[K, V2] {
	if t.pending != 0 || len(t.buffer) == 0 {
		return nil
	}
	out := t.buffer
	t.buffer = nil
	return out
}

func (t *transformOnObsOp[K, V, V2]) emit(cs rk.ChangeSet[K, V2]) {
	if cs != nil {
		t.out.OnNext(cs)
	}
}

func (t *transformOnObsOp[K, V, V2]) onUpstreamCompleted() {
	t.out.OnCompleted()
}
