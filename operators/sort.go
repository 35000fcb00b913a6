package operators

import (
	"github.com/google/btree"

	"github.com/nodestream/reactivekeys/internal/gate"

	rk "github.com/nodestream/reactivekeys"
)

// LessFunc orders two values for a sorted projection. It must be a strict
// weak ordering: LessFunc(a, b) && LessFunc(b, a) must never both hold.
type LessFunc[V any] func(a, b V) bool

// IndexedChange is a Change annotated with its position in the sorted
// projection at the moment it was emitted. For Remove it is the position
// the key held just before removal.
type IndexedChange[K comparable, V any] struct {
	rk.Change[K, V]
	Index int
}

// IndexedChangeSet is a batch of IndexedChange, in the order Sort applied
// them.
type IndexedChangeSet[K comparable, V any] []IndexedChange[K, V]

const btreeDegree = 32

type sortItem[K comparable, V any] struct {
	key   K
	value V
	seq   int64
}

// Sort maintains a sorted projection of an upstream keyed stream using
// less, backed by an ordered index for binary insert/remove. It applies
// one of three strategies depending on what triggered the recomputation:
//
//   - Incremental: each upstream change is binary-inserted or removed in
//     place and emitted as a single index-annotated change.
//   - Reorder: when comparatorChanges emits a new less, every key's
//     position is recomputed without touching membership; only keys whose
//     index actually moved are re-emitted, as Update.
//   - Reset: when a single upstream batch's size exceeds resetThreshold
//     (if resetThreshold > 0), the sorted state is discarded and rebuilt
//     from the post-batch values, and the rebuilt projection is diffed
//     against what was previously published: new keys emit Add, keys whose
//     value or index changed emit Update, dropped keys emit Remove, and
//     keys unchanged in both value and index are not re-emitted.
//
// comparatorChanges may be nil to disable the reorder strategy.
func Sort[K comparable, V any](
	upstream rk.Observable[rk.ChangeSet[K, V]],
	less LessFunc[V],
	comparatorChanges rk.Observable[LessFunc[V]],
	resetThreshold int,
) rk.Observable[IndexedChangeSet[K, V]] {
	s := &sortOp[K, V]{
		upstream:          upstream,
		comparatorChanges: comparatorChanges,
		resetThreshold:    resetThreshold,
		less:              less,
		values:            make(map[K]V),
		seq:               make(map[K]int64),
		published:         make(map[K]int),
		out:               rk.NewSubject[IndexedChangeSet[K, V]](),
	}
	s.tree = btree.NewG(btreeDegree, s.itemLess)
	return newConnectOnSubscribe(s.out, s.start)
}

type sortOp[K comparable, V any] struct {
	upstream          rk.Observable[rk.ChangeSet[K, V]]
	comparatorChanges rk.Observable[LessFunc[V]]
	resetThreshold    int

	gate      gate.Gate
	less      LessFunc[V]
	tree      *btree.BTreeG[sortItem[K, V]]
	values    map[K]V
	seq       map[K]int64
	nextSeq   int64
	published map[K]int // last emitted index per key, for Reorder's changed-position filter

	upstreamDone   bool
	comparatorDone bool

	out *rk.Subject[IndexedChangeSet[K, V]]
}

func (s *sortOp[K, V]) itemLess(a, b sortItem[K, V]) bool {
	if s.less(a.value, b.value) {
		return true
	}
	if s.less(b.value, a.value) {
		return false
	}
	return a.seq < b.seq
}

func (s *sortOp[K, V]) start() rk.Subscription {
	upSub := s.upstream.Subscribe(rk.ObserverFunc[rk.ChangeSet[K, V]]{
		Next:      s.onUpstream,
		Err:       s.out.OnError,
		Completed: s.onUpstreamCompleted,
	})
	if s.comparatorChanges == nil {
		s.comparatorDone = true
		return upSub
	}
	cmpSub := s.comparatorChanges.Subscribe(rk.ObserverFunc[LessFunc[V]]{
		Next:      s.onComparator,
		Err:       s.out.OnError,
		Completed: s.onComparatorCompleted,
	})
	return newMultiSub(upSub, cmpSub)
}

func (s *sortOp[K, V]) onUpstream(cs rk.ChangeSet[K, V]) {
	var out IndexedChangeSet[K, V]
	s.gate.Do(func() {
		if s.resetThreshold > 0 && len(cs) > s.resetThreshold {
			out = s.resetLocked(cs)
			return
		}
		out = make(IndexedChangeSet[K, V], 0, len(cs))
		for _, c := range cs {
			switch c.Reason {
			case rk.Add:
				out = append(out, s.insertLocked(c.Key, c.Current))
			case rk.Update:
				out = append(out, s.updateLocked(c.Key, c.Current))
			case rk.Remove:
				out = append(out, s.removeLocked(c.Key, c.Current))
			case rk.Refresh:
				s.values[c.Key] = c.Current
				idx := s.indexOfLocked(sortItem[K, V]{key: c.Key, value: c.Current, seq: s.seq[c.Key]})
				s.published[c.Key] = idx
				out = append(out, IndexedChange[K, V]{Change: rk.NewRefresh(c.Key, c.Current), Index: idx})
			}
		}
	})
	s.emit(out)
}

func (s *sortOp[K, V]) insertLocked(key K, value V) IndexedChange[K, V] {
	seq := s.nextSeq
	s.nextSeq++
	s.seq[key] = seq
	s.values[key] = value
	s.tree.ReplaceOrInsert(sortItem[K, V]{key: key, value: value, seq: seq})
	idx := s.indexOfLocked(sortItem[K, V]{key: key, value: value, seq: seq})
	s.published[key] = idx
	return IndexedChange[K, V]{Change: rk.NewAdd(key, value), Index: idx}
}

func (s *sortOp[K, V]) updateLocked(key K, value V) IndexedChange[K, V] {
	prev := s.values[key]
	seq := s.seq[key]
	s.tree.Delete(sortItem[K, V]{key: key, value: prev, seq: seq})
	s.values[key] = value
	s.tree.ReplaceOrInsert(sortItem[K, V]{key: key, value: value, seq: seq})
	idx := s.indexOfLocked(sortItem[K, V]{key: key, value: value, seq: seq})
	s.published[key] = idx
	return IndexedChange[K, V]{Change: rk.NewUpdate(key, value, prev), Index: idx}
}

func (s *sortOp[K, V]) removeLocked(key K, value V) IndexedChange[K, V] {
	idx, hadIdx := s.published[key]
	if !hadIdx {
		idx = s.indexOfLocked(sortItem[K, V]{key: key, value: value, seq: s.seq[key]})
	}
	s.tree.Delete(sortItem[K, V]{key: key, value: value, seq: s.seq[key]})
	delete(s.values, key)
	delete(s.seq, key)
	delete(s.published, key)
	return IndexedChange[K, V]{Change: rk.NewRemove(key, value), Index: idx}
}

// indexOfLocked must be called with the gate held. google/btree has no
// order-statistics support, so rank is computed by counting every item
// strictly before item — O(rank), not O(log n).
func (s *sortOp[K, V]) indexOfLocked(item sortItem[K, V]) int {
	count := 0
	s.tree.AscendLessThan(item, func(sortItem[K, V]) bool {
		count++
		return true
	})
	return count
}

// resetLocked must be called with the gate held. It applies cs directly to
// the values map (bypassing the incremental tree maintenance), discards
// the tree, rebuilds it from scratch, and diffs the full resulting
// projection against what was last published.
func (s *sortOp[K, V]) resetLocked(cs rk.ChangeSet[K, V]) IndexedChangeSet[K, V] {
	// changedPrev holds, for each key whose value genuinely changed this
	// batch, the value it held before this Reset — captured from the
	// triggering Update itself, the same source of truth updateLocked uses
	// for the incremental path, since the reset diff below only has access
	// to tree position and cannot otherwise tell a value change from a
	// same-value rank shift.
	changedPrev := make(map[K]V)
	removed := make(map[K]V)
	for _, c := range cs {
		switch c.Reason {
		case rk.Add, rk.Refresh:
			s.values[c.Key] = c.Current
		case rk.Update:
			if old, ok := s.values[c.Key]; ok {
				changedPrev[c.Key] = old
			}
			s.values[c.Key] = c.Current
		case rk.Remove:
			removed[c.Key] = c.Current
			delete(s.values, c.Key)
		}
	}
	s.tree.Clear(false)
	for key, value := range s.values {
		seq, ok := s.seq[key]
		if !ok {
			seq = s.nextSeq
			s.nextSeq++
			s.seq[key] = seq
		}
		s.tree.ReplaceOrInsert(sortItem[K, V]{key: key, value: value, seq: seq})
	}
	for key := range s.seq {
		if _, ok := s.values[key]; !ok {
			delete(s.seq, key)
		}
	}

	var out IndexedChangeSet[K, V]
	newPublished := make(map[K]int, len(s.values))
	idx := 0
	s.tree.Ascend(func(it sortItem[K, V]) bool {
		newPublished[it.key] = idx
		prevIdx, existed := s.published[it.key]
		prevVal, valueChanged := changedPrev[it.key]
		switch {
		case !existed:
			out = append(out, IndexedChange[K, V]{Change: rk.NewAdd(it.key, it.value), Index: idx})
		case valueChanged:
			out = append(out, IndexedChange[K, V]{Change: rk.NewUpdate(it.key, it.value, prevVal), Index: idx})
		case prevIdx != idx:
			out = append(out, IndexedChange[K, V]{Change: rk.NewUpdate(it.key, it.value, it.value), Index: idx})
		}
		idx++
		return true
	})
	for key, prevIdx := range s.published {
		if _, stillPresent := newPublished[key]; !stillPresent {
			out = append(out, IndexedChange[K, V]{Change: rk.NewRemove(key, removed[key]), Index: prevIdx})
		}
	}
	s.published = newPublished
	return out
}

// onComparator implements the Reorder strategy: install the new less, fully
// recompute the tree's order, and re-emit only the keys whose index
// actually changed.
func (s *sortOp[K, V]) onComparator(less LessFunc[V]) {
	var out IndexedChangeSet[K, V]
	s.gate.Do(func() {
		s.less = less
		items := make([]sortItem[K, V], 0, len(s.values))
		s.tree.Ascend(func(it sortItem[K, V]) bool {
			items = append(items, it)
			return true
		})
		s.tree.Clear(false)
		for _, it := range items {
			s.tree.ReplaceOrInsert(it)
		}
		idx := 0
		s.tree.Ascend(func(it sortItem[K, V]) bool {
			if prevIdx := s.published[it.key]; prevIdx != idx {
				out = append(out, IndexedChange[K, V]{Change: rk.NewUpdate(it.key, it.value, it.value), Index: idx})
				s.published[it.key] = idx
			}
			idx++
			return true
		})
	})
	s.emit(out)
}

func (s *sortOp[K, V]) emit(out IndexedChangeSet[K, V]) {
	if len(out) > 0 {
		s.out.OnNext(out)
	}
}

func (s *sortOp[K, V]) onUpstreamCompleted() {
	done := false
	s.gate.Do(func() {
		s.upstreamDone = true
		done = s.upstreamDone && s.comparatorDone
	})
	if done {
		s.out.OnCompleted()
	}
}

func (s *sortOp[K, V]) onComparatorCompleted() {
	done := false
	s.gate.Do(func() {
		s.comparatorDone = true
		done = s.upstreamDone && s.comparatorDone
	})
	if done {
		s.out.OnCompleted()
	}
}
