package operators

import (
	"github.com/nodestream/reactivekeys/internal/gate"

	rk "github.com/nodestream/reactivekeys"
)

// RightResultSelector builds the downstream value for a right key once its
// optional left-side pairing is known.
type RightResultSelector[KR comparable, R any, KL comparable, L any, Result any] func(key KR, right R, left rk.Optional[L]) Result

// RightJoin is the mirror of LeftJoin: the result is keyed by the right
// side's own key, and every right entry is paired with at most one left
// entry via fk(right value). Unlike LeftJoin, no foreign-key bookkeeping is
// needed across Updates beyond recomputing fk on the new value, since the
// right side carries its own key identity; the operator only needs to
// track which left key each right entry currently depends on, so a left
// change can republish every right entry it affects.
func RightJoin[KR comparable, R any, KL comparable, L any, Result any](
	right rk.Observable[rk.ChangeSet[KR, R]],
	left rk.Observable[rk.ChangeSet[KL, L]],
	fk ForeignKey[R, KL],
	selector RightResultSelector[KR, R, KL, L, Result],
) rk.Observable[rk.ChangeSet[KR, Result]] {
	j := &rightJoinOp[KR, R, KL, L, Result]{
		right:       right,
		left:        left,
		fk:          fk,
		selector:    selector,
		rightValues: make(map[KR]R),
		leftValues:  make(map[KL]L),
		dependents:  make(map[KL]map[KR]bool),
		published:   make(map[KR]Result),
		out:         rk.NewSubject[rk.ChangeSet[KR, Result]](),
	}
	return newConnectOnSubscribe(j.out, j.start)
}

type rightJoinOp[KR comparable, R any, KL comparable, L any, Result any] struct {
	right    rk.Observable[rk.ChangeSet[KR, R]]
	left     rk.Observable[rk.ChangeSet[KL, L]]
	fk       ForeignKey[R, KL]
	selector RightResultSelector[KR, R, KL, L, Result]

	gate gate.Gate

	rightValues map[KR]R
	leftValues  map[KL]L
	// dependents[leftKey] is the set of right keys currently depending on
	// leftKey for their pairing.
	dependents map[KL]map[KR]bool
	// published holds the last Result delivered for a right key, so a
	// republish can carry the true prior value as Previous instead of the
	// new Current.
	published map[KR]Result

	rightInitialized bool
	leftSub          rk.Subscription

	rightDone bool
	leftDone  bool

	out *rk.Subject[rk.ChangeSet[KR, Result]]
}

func (j *rightJoinOp[KR, R, KL, L, Result]) start() rk.Subscription {
	rightSub := j.right.Subscribe(rk.ObserverFunc[rk.ChangeSet[KR, R]]{
		Next:      j.onRight,
		Err:       j.out.OnError,
		Completed: j.onRightCompleted,
	})
	return multiSub{subs: []rk.Subscription{rightSub, disposeFunc(j.disposeLeft)}}
}

func (j *rightJoinOp[KR, R, KL, L, Result]) disposeLeft() {
	j.gate.Lock()
	sub := j.leftSub
	j.leftSub = nil
	j.gate.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

func (j *rightJoinOp[KR, R, KL, L, Result]) onRight(cs rk.ChangeSet[KR, R]) {
	var down rk.ChangeSet[KR, Result]
	var firstBatch bool
	j.gate.Do(func() {
		for _, c := range cs {
			switch c.Reason {
			case rk.Add, rk.Update, rk.Refresh:
				oldFK, had := j.dependencyOfLocked(c.Key)
				newFK := j.fk(c.Current)
				j.rightValues[c.Key] = c.Current
				if had && oldFK != newFK {
					j.removeDependentLocked(oldFK, c.Key)
				}
				j.addDependentLocked(newFK, c.Key)
				down = append(down, j.republishLocked(c.Key)...)
			case rk.Remove:
				if oldFK, had := j.dependencyOfLocked(c.Key); had {
					j.removeDependentLocked(oldFK, c.Key)
				}
				delete(j.rightValues, c.Key)
				if prev, had := j.published[c.Key]; had {
					delete(j.published, c.Key)
					down = append(down, rk.NewRemove(c.Key, prev))
				}
			}
		}
		if !j.rightInitialized {
			j.rightInitialized = true
			firstBatch = true
		}
	})
	j.emit(down)
	if firstBatch {
		j.subscribeLeft()
	}
}

func (j *rightJoinOp[KR, R, KL, L, Result]) subscribeLeft() {
	sub := j.left.Subscribe(rk.ObserverFunc[rk.ChangeSet[KL, L]]{
		Next:      j.onLeft,
		Err:       j.out.OnError,
		Completed: j.onLeftCompleted,
	})
	j.gate.Lock()
	j.leftSub = sub
	j.gate.Unlock()
}

func (j *rightJoinOp[KR, R, KL, L, Result]) onLeft(cs rk.ChangeSet[KL, L]) {
	var down rk.ChangeSet[KR, Result]
	j.gate.Do(func() {
		for _, c := range cs {
			switch c.Reason {
			case rk.Add, rk.Update, rk.Refresh:
				j.leftValues[c.Key] = c.Current
			case rk.Remove:
				delete(j.leftValues, c.Key)
			}
			for rightKey := range j.dependents[c.Key] {
				down = append(down, j.republishLocked(rightKey)...)
			}
		}
	})
	j.emit(down)
}

func (j *rightJoinOp[KR, R, KL, L, Result]) dependencyOfLocked(rightKey KR) (KL, bool) {
	if prev, ok := j.rightValues[rightKey]; ok {
		return j.fk(prev), true
	}
	var zero KL
	return zero, false
}

func (j *rightJoinOp[KR, R, KL, L, Result]) addDependentLocked(leftKey KL, rightKey KR) {
	set, ok := j.dependents[leftKey]
	if !ok {
		set = make(map[KR]bool)
		j.dependents[leftKey] = set
	}
	set[rightKey] = true
}

func (j *rightJoinOp[KR, R, KL, L, Result]) removeDependentLocked(leftKey KL, rightKey KR) {
	if set, ok := j.dependents[leftKey]; ok {
		delete(set, rightKey)
		if len(set) == 0 {
			delete(j.dependents, leftKey)
		}
	}
}

func (j *rightJoinOp[KR, R, KL, L, Result]) republishLocked(rightKey KR) rk.ChangeSet[KR, Result] {
	rightVal, hasRight := j.rightValues[rightKey]
	if !hasRight {
		return nil
	}
	leftKey := j.fk(rightVal)
	var leftOpt rk.Optional[L]
	if l, ok := j.leftValues[leftKey]; ok {
		leftOpt = rk.Some(l)
	}
	result := j.selector(rightKey, rightVal, leftOpt)
	prev, had := j.published[rightKey]
	j.published[rightKey] = result
	if had {
		return rk.ChangeSet[KR, Result]{rk.NewUpdate(rightKey, result, prev)}
	}
	return rk.ChangeSet[KR, Result]{rk.NewAdd(rightKey, result)}
}

func (j *rightJoinOp[KR, R, KL, L, Result]) emit(cs rk.ChangeSet[KR, Result]) {
	if len(cs) > 0 {
		j.out.OnNext(cs)
	}
}

func (j *rightJoinOp[KR, R, KL, L, Result]) onRightCompleted() {
	done := false
	j.gate.Do(func() {
		j.rightDone = true
		done = j.rightDone && j.leftDone
	})
	if done {
		j.out.OnCompleted()
	}
}

func (j *rightJoinOp[KR, R, KL, L, Result]) onLeftCompleted() {
	done := false
	j.gate.Do(func() {
		j.leftDone = true
		done = j.rightDone && j.leftDone
	})
	if done {
		j.out.OnCompleted()
	}
}
