package operators

import (
	"github.com/nodestream/reactivekeys/internal/gate"

	rk "github.com/nodestream/reactivekeys"
)

// FullResultSelector builds the downstream value for a left key once its
// (now both-optional) left and right pairing are known.
type FullResultSelector[KL comparable, L any, R any, Result any] func(key KL, left rk.Optional[L], right rk.Optional[R]) Result

// FullJoin is LeftJoin generalized to both sides Optional: a left key is
// retracted downstream only once both its left value and its paired right
// value are absent. A right entry whose foreign key has no matching left
// entry still surfaces downstream, keyed by that foreign key, with its
// left side Optional.None — this is the "virtual" left key a full outer
// join introduces for unmatched right rows.
func FullJoin[KL comparable, L any, KR comparable, R any, Result any](
	left rk.Observable[rk.ChangeSet[KL, L]],
	right rk.Observable[rk.ChangeSet[KR, R]],
	fk ForeignKey[R, KL],
	selector FullResultSelector[KL, L, R, Result],
) rk.Observable[rk.ChangeSet[KL, Result]] {
	j := &fullJoinOp[KL, L, KR, R, Result]{
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

type fullJoinOp[KL comparable, L any, KR comparable, R any, Result any] struct {
	left     rk.Observable[rk.ChangeSet[KL, L]]
	right    rk.Observable[rk.ChangeSet[KR, R]]
	fk       ForeignKey[R, KL]
	selector FullResultSelector[KL, L, R, Result]

	gate gate.Gate

	leftValues   map[KL]L
	rightByLeft  map[KL]R
	rightHasPair map[KL]bool
	rightOwner   map[KR]KL
	// published holds the last Result delivered for a key, so a republish
	// can carry the true prior value as Previous instead of the new Current.
	published map[KL]Result

	leftInitialized bool
	rightSub        rk.Subscription

	leftDone  bool
	rightDone bool

	out *rk.Subject[rk.ChangeSet[KL, Result]]
}

func (j *fullJoinOp[KL, L, KR, R, Result]) start() rk.Subscription {
	leftSub := j.left.Subscribe(rk.ObserverFunc[rk.ChangeSet[KL, L]]{
		Next:      j.onLeft,
		Err:       j.out.OnError,
		Completed: j.onLeftCompleted,
	})
	return multiSub{subs: []rk.Subscription{leftSub, disposeFunc(j.disposeRight)}}
}

func (j *fullJoinOp[KL, L, KR, R, Result]) disposeRight() {
	j.gate.Lock()
	sub := j.rightSub
	j.rightSub = nil
	j.gate.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

func (j *fullJoinOp[KL, L, KR, R, Result]) onLeft(cs rk.ChangeSet[KL, L]) {
	var down rk.ChangeSet[KL, Result]
	var firstBatch bool
	j.gate.Do(func() {
		for _, c := range cs {
			switch c.Reason {
			case rk.Add, rk.Update, rk.Refresh:
				j.leftValues[c.Key] = c.Current
			case rk.Remove:
				delete(j.leftValues, c.Key)
			}
			down = append(down, j.republishLocked(c.Key)...)
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

func (j *fullJoinOp[KL, L, KR, R, Result]) subscribeRight() {
	sub := j.right.Subscribe(rk.ObserverFunc[rk.ChangeSet[KR, R]]{
		Next:      j.onRight,
		Err:       j.out.OnError,
		Completed: j.onRightCompleted,
	})
	j.gate.Lock()
	j.rightSub = sub
	j.gate.Unlock()
}

func (j *fullJoinOp[KL, L, KR, R, Result]) onRight(cs rk.ChangeSet[KR, R]) {
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

// republishLocked must be called with the gate held. Unlike LeftJoin, a
// key is retracted only once both its left value and paired right value
// are absent, and a key can be published from the right side alone.
func (j *fullJoinOp[KL, L, KR, R, Result]) republishLocked(key KL) rk.ChangeSet[KL, Result] {
	leftVal, hasLeft := j.leftValues[key]
	rightVal, hasRight := j.rightByLeft[key]
	hasRight = hasRight && j.rightHasPair[key]

	if !hasLeft && !hasRight {
		if prev, had := j.published[key]; had {
			delete(j.published, key)
			return rk.ChangeSet[KL, Result]{rk.NewRemove(key, prev)}
		}
		return nil
	}

	var leftOpt rk.Optional[L]
	if hasLeft {
		leftOpt = rk.Some(leftVal)
	}
	var rightOpt rk.Optional[R]
	if hasRight {
		rightOpt = rk.Some(rightVal)
	}
	result := j.selector(key, leftOpt, rightOpt)
	prev, had := j.published[key]
	j.published[key] = result
	if had {
		return rk.ChangeSet[KL, Result]{rk.NewUpdate(key, result, prev)}
	}
	return rk.ChangeSet[KL, Result]{rk.NewAdd(key, result)}
}

func (j *fullJoinOp[KL, L, KR, R, Result]) emit(cs rk.ChangeSet[KL, Result]) {
	if len(cs) > 0 {
		j.out.OnNext(cs)
	}
}

func (j *fullJoinOp[KL, L, KR, R, Result]) onLeftCompleted() {
	done := false
	j.gate.Do(func() {
		j.leftDone = true
		done = j.leftDone && j.rightDone
	})
	if done {
		j.out.OnCompleted()
	}
}

func (j *fullJoinOp[KL, L, KR, R, Result]) onRightCompleted() {
	done := false
	j.gate.Do(func() {
		j.rightDone = true
		done = j.leftDone && j.rightDone
	})
	if done {
		j.out.OnCompleted()
	}
}
