package operators

import (
	"context"

	"github.com/nodestream/reactivekeys/errs"
	"github.com/nodestream/reactivekeys/internal/gate"

	rk "github.com/nodestream/reactivekeys"
)

// AsyncManyFunc expands a source value into a collection of destination
// values, resolved asynchronously (e.g. backed by an RPC or disk read). A
// non-nil error is passed to TransformManyAsync's errHandler, if one is
// set, and fails only this key's contribution (the key then contributes
// nothing); with no errHandler the error fails the stream.
type AsyncManyFunc[K comparable, V any, V2 any] func(ctx context.Context, current V, key K) ([]V2, error)

// TransformManyAsync is the asynchronous counterpart to TransformMany: each
// source Add/Update resolves its destination collection on its own
// goroutine, and the per-key result — once it arrives — is diffed against
// that key's previous contribution exactly as TransformMany would, then
// published as a downstream change set of its own. Because resolution is
// async, results for different source keys may arrive out of source order;
// each key's diff state is isolated so this never produces cross-key
// corruption. A source Remove arriving before its AsyncManyFunc call
// resolves cancels the in-flight resolution and retracts nothing further
// once it completes.
func TransformManyAsync[K comparable, V any, K2 comparable, V2 any](
	upstream rk.Observable[rk.ChangeSet[K, V]],
	many AsyncManyFunc[K, V, V2],
	toKey rk.KeySelector[V2, K2],
	errHandler errs.ErrorHandler[K, V],
) rk.Observable[rk.ChangeSet[K2, V2]] {
	t := &transformManyAsyncOp[K, V, K2, V2]{
		upstream:   upstream,
		many:       many,
		toKey:      toKey,
		errHandler: errHandler,
		ownedBy:    make(map[K][]K2),
		owners:     make(map[K2]map[K]V2),
		published:  make(map[K2]V2),
		cancels:    make(map[K]context.CancelFunc),
		out:        rk.NewSubject[rk.ChangeSet[K2, V2]](),
	}
	return newConnectOnSubscribe(t.out, t.start)
}

type transformManyAsyncOp[K comparable, V any, K2 comparable, V2 any] struct {
	upstream rk.Observable[rk.ChangeSet[K, V]]
	many     AsyncManyFunc[K, V, V2]
	toKey    rk.KeySelector[V2, K2]

	errHandler errs.ErrorHandler[K, V]

	gate    gate.Gate
	ownedBy map[K][]K2
	owners  map[K2]map[K]V2
	// published holds the last value actually emitted downstream for a
	// destination key, so a later Update carries the true prior value as
	// Previous instead of reusing the new value.
	published map[K2]V2
	cancels   map[K]context.CancelFunc

	out *rk.Subject[rk.ChangeSet[K2, V2]]
}

func (t *transformManyAsyncOp[K, V, K2, V2]) start() rk.Subscription {
	upSub := t.upstream.Subscribe(rk.ObserverFunc[rk.ChangeSet[K, V]]{
		Next:      t.onNext,
		Err:       t.out.OnError,
		Completed: t.out.OnCompleted,
	})
	return multiSub{subs: []rk.Subscription{upSub, disposeFunc(t.cancelAll)}}
}

func (t *transformManyAsyncOp[K, V, K2, V2]) cancelAll() {
	t.gate.Lock()
	cancels := t.cancels
	t.cancels = make(map[K]context.CancelFunc)
	t.gate.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (t *transformManyAsyncOp[K, V, K2, V2]) onNext(cs rk.ChangeSet[K, V]) {
	for _, c := range cs {
		switch c.Reason {
		case rk.Add, rk.Update, rk.Refresh:
			t.resolveAsync(c.Key, c.Current)
		case rk.Remove:
			t.gate.Lock()
			if cancel, ok := t.cancels[c.Key]; ok {
				cancel()
				delete(t.cancels, c.Key)
			}
			down := t.retractSourceKeyLocked(c.Key)
			t.gate.Unlock()
			t.emit(down)
		}
	}
}

func (t *transformManyAsyncOp[K, V, K2, V2]) resolveAsync(key K, current V) {
	ctx, cancel := context.WithCancel(context.Background())
	t.gate.Lock()
	if old, ok := t.cancels[key]; ok {
		old()
	}
	t.cancels[key] = cancel
	t.gate.Unlock()

	go func() {
		values, err := t.many(ctx, current, key)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if t.errHandler != nil {
				t.errHandler(errs.NewError(err, key, current))
				t.gate.Lock()
				delete(t.cancels, key)
				down := t.applySourceKeyLocked(key, map[K2]V2{})
				t.gate.Unlock()
				t.emit(down)
				return
			}
			t.out.OnError(errs.NewError(err, key, current))
			return
		}
		produced := make(map[K2]V2, len(values))
		for _, v2 := range values {
			k2, kerr := t.toKey(v2)
			if kerr != nil {
				wrapped := errs.NewError(kerr, key, current)
				if t.errHandler != nil {
					t.errHandler(wrapped)
					continue
				}
				t.out.OnError(wrapped)
				return
			}
			produced[k2] = v2
		}

		t.gate.Lock()
		delete(t.cancels, key)
		down := t.applySourceKeyLocked(key, produced)
		t.gate.Unlock()
		t.emit(down)
	}()
}

func (t *transformManyAsyncOp[K, V, K2, V2]) emit(down rk.ChangeSet[K2, V2]) {
	if len(down) > 0 {
		t.out.OnNext(down)
	}
}

// applySourceKeyLocked and retractSourceKeyLocked mirror TransformMany's
// per-key diffing exactly: each destination key may be produced by more
// than one source key, and is only retracted downstream once its last
// owner stops producing it.
func (t *transformManyAsyncOp[K, V, K2, V2]) applySourceKeyLocked(key K, produced map[K2]V2) rk.ChangeSet[K2, V2] {
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

func (t *transformManyAsyncOp[K, V, K2, V2]) retractSourceKeyLocked(key K) rk.ChangeSet[K2, V2] {
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
