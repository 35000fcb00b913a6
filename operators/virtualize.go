package operators

import (
	"github.com/google/btree"

	"github.com/nodestream/reactivekeys/internal/gate"

	rk "github.com/nodestream/reactivekeys"
)

// VirtualRequest asks for a window over a sorted projection: the size
// entries starting at position start. A request with size == 0 or with
// start < 0 is invalid and is ignored, leaving the current window intact.
type VirtualRequest struct {
	Start int
	Size  int
}

func (r VirtualRequest) valid() bool { return r.Size >= 1 && r.Start >= 0 }

// WindowContext describes the sorted projection's current shape: its total
// size and the bounds of the window currently being maintained.
type WindowContext struct {
	TotalSize int
	Start     int
	Size      int
}

// VirtualChangeSet pairs a window-relative change set with the context it
// was computed against.
type VirtualChangeSet[K comparable, V any] struct {
	Context WindowContext
	Changes rk.ChangeSet[K, V]
}

// SortAndVirtualize maintains a moving window over the sorted projection of
// upstream by less. Entries that enter the window are emitted as Add,
// entries that leave as Remove, and an already-windowed entry that was
// Update/Refreshed upstream is passed through with the same reason. Moving
// the window itself (a new VirtualRequest) only ever produces Add/Remove —
// values already in both the old and new window are never re-emitted
// purely because the window moved.
func SortAndVirtualize[K comparable, V any](
	upstream rk.Observable[rk.ChangeSet[K, V]],
	less LessFunc[V],
	requests rk.Observable[VirtualRequest],
) rk.Observable[VirtualChangeSet[K, V]] {
	v := &virtualizeOp[K, V]{
		upstream: upstream,
		requests: requests,
		less:     less,
		values:   make(map[K]V),
		seq:      make(map[K]int64),
		window:   make(map[K]V),
		out:      rk.NewSubject[VirtualChangeSet[K, V]](),
	}
	v.tree = btree.NewG(btreeDegree, v.itemLess)
	return newConnectOnSubscribe(v.out, v.start)
}

type virtualizeOp[K comparable, V any] struct {
	upstream rk.Observable[rk.ChangeSet[K, V]]
	requests rk.Observable[VirtualRequest]
	less     LessFunc[V]

	gate    gate.Gate
	tree    *btree.BTreeG[sortItem[K, V]]
	values  map[K]V
	seq     map[K]int64
	nextSeq int64

	req    VirtualRequest
	hasReq bool
	window map[K]V // last published window contents, by key

	upstreamDone bool
	requestsDone bool

	out *rk.Subject[VirtualChangeSet[K, V]]
}

func (v *virtualizeOp[K, V]) itemLess(a, b sortItem[K, V]) bool {
	if v.less(a.value, b.value) {
		return true
	}
	if v.less(b.value, a.value) {
		return false
	}
	return a.seq < b.seq
}

func (v *virtualizeOp[K, V]) start() rk.Subscription {
	upSub := v.upstream.Subscribe(rk.ObserverFunc[rk.ChangeSet[K, V]]{
		Next:      v.onUpstream,
		Err:       v.out.OnError,
		Completed: v.onUpstreamCompleted,
	})
	reqSub := v.requests.Subscribe(rk.ObserverFunc[VirtualRequest]{
		Next:      v.onRequest,
		Err:       v.out.OnError,
		Completed: v.onRequestsCompleted,
	})
	return newMultiSub(upSub, reqSub)
}

func (v *virtualizeOp[K, V]) onUpstream(cs rk.ChangeSet[K, V]) {
	var vcs VirtualChangeSet[K, V]
	v.gate.Do(func() {
		touched := make(map[K]rk.Change[K, V], len(cs))
		for _, c := range cs {
			switch c.Reason {
			case rk.Add:
				seq := v.nextSeq
				v.nextSeq++
				v.seq[c.Key] = seq
				v.values[c.Key] = c.Current
				v.tree.ReplaceOrInsert(sortItem[K, V]{key: c.Key, value: c.Current, seq: seq})
			case rk.Update:
				prev := v.values[c.Key]
				seq := v.seq[c.Key]
				v.tree.Delete(sortItem[K, V]{key: c.Key, value: prev, seq: seq})
				v.values[c.Key] = c.Current
				v.tree.ReplaceOrInsert(sortItem[K, V]{key: c.Key, value: c.Current, seq: seq})
			case rk.Remove:
				seq := v.seq[c.Key]
				v.tree.Delete(sortItem[K, V]{key: c.Key, value: c.Current, seq: seq})
				delete(v.values, c.Key)
				delete(v.seq, c.Key)
			case rk.Refresh:
				v.values[c.Key] = c.Current
			}
			touched[c.Key] = c
		}
		vcs = v.recomputeWindowLocked(touched)
	})
	v.emit(vcs)
}

func (v *virtualizeOp[K, V]) onRequest(req VirtualRequest) {
	if !req.valid() {
		return
	}
	var vcs VirtualChangeSet[K, V]
	v.gate.Do(func() {
		v.req = req
		v.hasReq = true
		vcs = v.recomputeWindowLocked(nil)
	})
	v.emit(vcs)
}

// recomputeWindowLocked must be called with the gate held. It walks the
// ordered projection to collect the current window's contents, diffs them
// against what was last published, and returns the resulting window
// change set. touched carries the upstream changes (if any) that triggered
// this recomputation, used only to decide whether an in-window entry is
// forwarded as Update/Refresh; it is nil when a request move triggered the
// recomputation, in which case unchanged in-window entries never re-emit.
func (v *virtualizeOp[K, V]) recomputeWindowLocked(touched map[K]rk.Change[K, V]) VirtualChangeSet[K, V] {
	total := v.tree.Len()
	ctx := WindowContext{TotalSize: total}
	if !v.hasReq {
		return VirtualChangeSet[K, V]{Context: ctx}
	}
	ctx.Start, ctx.Size = v.req.Start, v.req.Size

	newWindow := make(map[K]V)
	var changes rk.ChangeSet[K, V]
	idx := 0
	end := v.req.Start + v.req.Size
	v.tree.Ascend(func(it sortItem[K, V]) bool {
		if idx >= end {
			return false
		}
		if idx >= v.req.Start {
			newWindow[it.key] = it.value
			if oldVal, was := v.window[it.key]; !was {
				changes = append(changes, rk.NewAdd(it.key, it.value))
			} else if ch, wasTouched := touched[it.key]; wasTouched {
				switch ch.Reason {
				case rk.Refresh:
					changes = append(changes, rk.NewRefresh(it.key, it.value))
				case rk.Update:
					changes = append(changes, rk.NewUpdate(it.key, it.value, oldVal))
				}
			}
		}
		idx++
		return true
	})
	for key, oldVal := range v.window {
		if _, stillIn := newWindow[key]; !stillIn {
			changes = append(changes, rk.NewRemove(key, oldVal))
		}
	}
	v.window = newWindow
	return VirtualChangeSet[K, V]{Context: ctx, Changes: changes}
}

func (v *virtualizeOp[K, V]) emit(vcs VirtualChangeSet[K, V]) {
	if len(vcs.Changes) > 0 {
		v.out.OnNext(vcs)
	}
}

func (v *virtualizeOp[K, V]) onUpstreamCompleted() {
	done := false
	v.gate.Do(func() {
		v.upstreamDone = true
		done = v.upstreamDone && v.requestsDone
	})
	if done {
		v.out.OnCompleted()
	}
}

func (v *virtualizeOp[K, V]) onRequestsCompleted() {
	done := false
	v.gate.Do(func() {
		v.requestsDone = true
		done = v.upstreamDone && v.requestsDone
	})
	if done {
		v.out.OnCompleted()
	}
}
