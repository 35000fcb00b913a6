package operators

import (
	"github.com/nodestream/reactivekeys/internal/gate"

	rk "github.com/nodestream/reactivekeys"
)

// ForeignKey extracts the left-side key a right-side value is paired
// against.
type ForeignKey[R any, KL comparable] func(R) KL

// LeftResultSelector builds the downstream value for a left key once its
// optional right-side pairing is known.
type LeftResultSelector[KL comparable, L any, R any, Result any] func(key KL, left L, right rk.Optional[R]) Result

// LeftJoin pairs every left entry with at most one right entry sharing its
// foreign key, keyed by the left key. A right value whose foreign key
// changes (via Update) re-pairs both its previous and its new left key in
// the same downstream change set. If more than one right entry shares a
// foreign key, the most recently applied one wins the pairing (last write
// wins) — joins needing a full one-to-many fan-out use InnerJoin's
// many-to-one grouping instead.
//
// Initial-batch ordering: the left side's initial snapshot is fully
// processed, and only then is the right side subscribed, so the right
// side's own initial snapshot re-pairs existing left entries instead of
// emitting a duplicate construction-time batch.
func LeftJoin[KL comparable, L any, KR comparable, R any, Result any](
	left rk.Observable[rk.ChangeSet[KL, L]],
	right rk.Observable[rk.ChangeSet[KR, R]],
	fk ForeignKey[R, KL],
	selector LeftResultSelector[KL, L, R, Result],
) rk.Observable[rk.ChangeSet[KL, Result]] {
	j := &leftJoinOp[KL, L, KR, R, Result]{
		left:         left,
		right:        right,
		fk:           fk,
		selector:     selector,
		leftValues:   make(map[KL]L),
		rightByLeft:  make(map[KL]R),
		rightHasPair: make(map[KL]bool),
		rightOwner:   make(map[KR]KL),
		published:    make(map[KL]Result),
		out:          rk.NewSubject[rk.ChangeSet[KL, Result]](),
	}
	return newConnectOnSubscribe(j.out, j.start)
}

type leftJoinOp[KL comparable, L any, KR comparable, R any, Result any] struct {
	left     rk.Observable[rk.ChangeSet[KL, L]]
	right    rk.Observable[rk.ChangeSet[KR, R]]
	fk       ForeignKey[R, KL]
	selector LeftResultSelector[KL, L, R, Result]

	gate gate.Gate

	leftValues map[KL]L
	// rightByLeft/rightHasPair: current right value paired to a left key,
	// if any.
	rightByLeft  map[KL]R
	rightHasPair map[KL]bool
	// rightOwner tracks which left key a given right key is currently
	// paired under, so an Update changing its foreign key can retract the
	// old pairing.
	rightOwner map[KR]KL

	// published holds the last Result delivered for a left key, so a
	// republish can carry the true prior value as Previous instead of
	// reusing the new Current.
	published map[KL]Result

	leftInitialized bool
	rightSub        rk.Subscription

	leftDone  bool
	rightDone bool

	out *rk.Subject[rk.ChangeSet[KL, Result]]
}

func (j *leftJoinOp[KL, L, KR, R, Result]) start() rk.Subscription {
	leftSub := j.left.Subscribe(rk.ObserverFunc[rk.ChangeSet[KL, L]]{
		Next:      j.onLeft,
		Err:       j.out.OnError,
		Completed: j.onLeftCompleted,
	})
	return multiSub{subs: []rk.Subscription{leftSub, disposeFunc(j.disposeRight)}}
}

func (j *leftJoinOp[KL, L, KR, R, Result]) disposeRight() {
	j.gate.Lock()
	sub := j.rightSub
	j.rightSub = nil
	j.gate.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

func (j *leftJoinOp[KL, L, KR, R, Result]) onLeft(cs rk.ChangeSet[KL, L]) {
	var down rk.ChangeSet[KL, Result]
	var firstBatch bool
	j.gate.Do(func() {
		for _, c := range cs {
			switch c.Reason {
			case rk.Add, rk.Update, rk.Refresh:
				j.leftValues[c.Key] = c.Current
				down = append(down, j.republishLocked(c.Key)...)
			case rk.Remove:
				delete(j.leftValues, c.Key)
				if prev, had := j.published[c.Key]; had {
					delete(j.published, c.Key)
					down = append(down, rk.NewRemove(c.Key, prev))
				}
			}
		}
		if !j.leftInitialized {
			j.leftInitialized = true
			firstBatch = true
		}
	})
	j.emit(down)
	if firstBatch {
		j.subscribeRight()
	}
}

func (j *leftJoinOp[KL, L, KR, R, Result]) subscribeRight() {
	sub := j.right.Subscribe(rk.ObserverFunc[rk.ChangeSet[KR, R]]{
		Next:      j.onRight,
		Err:       j.out.OnError,
		Completed: j.onRightCompleted,
	})
	j.gate.Lock()
	j.rightSub = sub
	j.gate.Unlock()
}

func (j *leftJoinOp[KL, L, KR, R, Result]) onRight(cs rk.ChangeSet[KR, R]) {
	var down rk.ChangeSet[KL, Result]
	j.gate.Do(func() {
		for _, c := range cs {
			switch c.Reason {
			case rk.Add:
				newFK := j.fk(c.Current)
				j.rightOwner[c.Key] = newFK
				j.rightByLeft[newFK] = c.Current
				j.rightHasPair[newFK] = true
				down = append(down, j.republishLocked(newFK)...)
			case rk.Update, rk.Refresh:
				newFK := j.fk(c.Current)
				oldFK, had := j.rightOwner[c.Key]
				if had && oldFK != newFK {
					delete(j.rightHasPair, oldFK)
					delete(j.rightByLeft, oldFK)
					down = append(down, j.republishLocked(oldFK)...)
				}
				j.rightOwner[c.Key] = newFK
				j.rightByLeft[newFK] = c.Current
				j.rightHasPair[newFK] = true
				down = append(down, j.republishLocked(newFK)...)
			case rk.Remove:
				oldFK, had := j.rightOwner[c.Key]
				delete(j.rightOwner, c.Key)
				if had {
					delete(j.rightHasPair, oldFK)
					delete(j.rightByLeft, oldFK)
					down = append(down, j.republishLocked(oldFK)...)
				}
			}
		}
	})
	j.emit(down)
}

// republishLocked must be called with the gate held. It recomputes the
// downstream entry for leftKey from the current left value and right
// pairing, emitting Add the first time and Update thereafter. If leftKey
// has no left value, nothing is emitted (the right side arrived before its
// left counterpart and is simply buffered in rightByLeft).
func (j *leftJoinOp[KL, L, KR, R, Result]) republishLocked(leftKey KL) rk.ChangeSet[KL, Result] {
	leftVal, hasLeft := j.leftValues[leftKey]
	if !hasLeft {
		return nil
	}
	var rightOpt rk.Optional[R]
	if r, ok := j.rightByLeft[leftKey]; ok && j.rightHasPair[leftKey] {
		rightOpt = rk.Some(r)
	}
	result := j.selector(leftKey, leftVal, rightOpt)
	prev, had := j.published[leftKey]
	j.published[leftKey] = result
	if had {
		return rk.ChangeSet[KL, Result]{rk.NewUpdate(leftKey, result, prev)}
	}
	return rk.ChangeSet[KL, Result]{rk.NewAdd(leftKey, result)}
}

func (j *leftJoinOp[KL, L, KR, R, Result]) emit(cs rk.ChangeSet[KL, Result]) {
	if len(cs) > 0 {
		j.out.OnNext(cs)
	}
}

func (j *leftJoinOp[KL, L, KR, R, Result]) onLeftCompleted() {
	done := false
	j.gate.Do(func() {
		j.leftDone = true
		done = j.leftDone && j.rightDone
	})
	if done {
		j.out.OnCompleted()
	}
}

func (j *leftJoinOp[KL, L, KR, R, Result]) onRightCompleted() {
	done := false
	j.gate.Do(func() {
		j.rightDone = true
		done = j.leftDone && j.rightDone
	})
	if done {
		j.out.OnCompleted()
	}
}
