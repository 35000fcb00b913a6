package operators

import (
	"github.com/nodestream/reactivekeys/errs"
	"github.com/nodestream/reactivekeys/internal/gate"

	rk "github.com/nodestream/reactivekeys"
)

// TransformFunc maps a source value (plus its previous value, if any) to a
// destination value.
type TransformFunc[K comparable, V any, V2 any] func(current V, previous rk.Optional[V], key K) (V2, error)

// Transform re-invokes f for every Add/Update, reusing a shadow cache of
// last-transformed values so Remove can emit the correct destination value
// without re-running f. If errHandler is non-nil, a failing f reports an
// errs.Error[K,V] to it and the source change is dropped rather than
// tearing down the stream.
func Transform[K comparable, V any, V2 any](
	upstream rk.Observable[rk.ChangeSet[K, V]],
	f TransformFunc[K, V, V2],
	errHandler errs.ErrorHandler[K, V],
) rk.Observable[rk.ChangeSet[K, V2]] {
	t := &transformOp[K, V, V2]{
		upstream:   upstream,
		f:          f,
		errHandler: errHandler,
		shadow:     make(map[K]V2),
		out:        rk.NewSubject[rk.ChangeSet[K, V2]](),
	}
	return newConnectOnSubscribe(t.out, t.start)
}

// TransformImmutable is the special case of Transform where f has no
// previous-value dependency: f sees only the current value. It is built on
// Transform, so the shadow cache is still kept for Remove.
func TransformImmutable[K comparable, V any, V2 any](
	upstream rk.Observable[rk.ChangeSet[K, V]],
	f func(current V, key K) (V2, error),
	errHandler errs.ErrorHandler[K, V],
) rk.Observable[rk.ChangeSet[K, V2]] {
	return Transform(upstream, func(current V, _ rk.Optional[V], key K) (V2, error) {
		return f(current, key)
	}, errHandler)
}

type transformOp[K comparable, V any, V2 any] struct {
	upstream   rk.Observable[rk.ChangeSet[K, V]]
	f          TransformFunc[K, V, V2]
	errHandler errs.ErrorHandler[K, V]

	gate   gate.Gate
	shadow map[K]V2
	out    *rk.Subject[rk.ChangeSet[K, V2]]
}

func (t *transformOp[K, V, V2]) start() rk.Subscription {
	return t.upstream.Subscribe(rk.ObserverFunc[rk.ChangeSet[K, V]]{
		Next:      t.onNext,
		Err:       t.out.OnError,
		Completed: t.out.OnCompleted,
	})
}

func (t *transformOp[K, V, V2]) onNext(cs rk.ChangeSet[K, V]) {
	var down rk.ChangeSet[K, V2]
	var fatal error
	t.gate.Do(func() {
		down, fatal = t.process(cs)
	})
	if fatal != nil {
		t.out.OnError(fatal)
		return
	}
	t.out.OnNext(down)
}

func (t *transformOp[K, V, V2]) process(cs rk.ChangeSet[K, V]) (rk.ChangeSet[K, V2], error) {
	down := make(rk.ChangeSet[K, V2], 0, len(cs))
	for _, c := range cs {
		switch c.Reason {
		case rk.Add, rk.Update, rk.Refresh:
			next, err := t.f(c.Current, c.Previous, c.Key)
			if err != nil {
				wrapped := errs.NewError(err, c.Key, c.Current)
				if t.errHandler != nil {
					t.errHandler(wrapped)
					continue
				}
				return nil, wrapped
			}
			prev, existed := t.shadow[c.Key]
			t.shadow[c.Key] = next
			switch {
			case c.Reason == rk.Add || !existed:
				down = append(down, rk.NewAdd(c.Key, next))
			case c.Reason == rk.Refresh:
				down = append(down, rk.NewRefresh(c.Key, next))
			default:
				down = append(down, rk.NewUpdate(c.Key, next, prev))
			}
		case rk.Remove:
			last, existed := t.shadow[c.Key]
			delete(t.shadow, c.Key)
			if existed {
				down = append(down, rk.NewRemove(c.Key, last))
			}
		}
	}
	return down, nil
}
