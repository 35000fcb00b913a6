package operators

import (
	"github.com/nodestream/reactivekeys/internal/gate"

	rk "github.com/nodestream/reactivekeys"
)

// PairKey identifies an inner-join output entry: one left key paired with
// one right key. Inner join supports many-to-one (several right entries
// sharing a foreign key to the same left entry), so unlike the other join
// variants the result key must carry both halves.
type PairKey[KL comparable, KR comparable] struct {
	Left  KL
	Right KR
}

// InnerResultSelector builds the downstream value for one matched
// left/right pair.
type InnerResultSelector[KL comparable, L any, KR comparable, R any, Result any] func(leftKey KL, rightKey KR, left L, right R) Result

// InnerJoin emits one entry per (leftKey, rightKey) pair where both sides
// are currently present, grouping the right side by foreign key so several
// right entries may pair with the same left entry (many-to-one). A pair is
// retracted the moment either side stops being present, and re-emitted
// (fresh Add) if both sides later become present again.
func InnerJoin[KL comparable, L any, KR comparable, R any, Result any](
	left rk.Observable[rk.ChangeSet[KL, L]],
	right rk.Observable[rk.ChangeSet[KR, R]],
	fk ForeignKey[R, KL],
	selector InnerResultSelector[KL, L, KR, R, Result],
) rk.Observable[rk.ChangeSet[PairKey[KL, KR], Result]] {
	j := &innerJoinOp[KL, L, KR, R, Result]{
		left:         left,
		right:        right,
		fk:           fk,
		selector:     selector,
		leftValues:   make(map[KL]L),
		rightValues:  make(map[KR]R),
		rightOwner:   make(map[KR]KL),
		leftToRights: make(map[KL]map[KR]bool),
		published:    make(map[PairKey[KL, KR]]Result),
		out:          rk.NewSubject[rk.ChangeSet[PairKey[KL, KR], Result]](),
	}
	return newConnectOnSubscribe(j.out, j.start)
}

type innerJoinOp[KL comparable, L any, KR comparable, R any, Result any] struct {
	left     rk.Observable[rk.ChangeSet[KL, L]]
	right    rk.Observable[rk.ChangeSet[KR, R]]
	fk       ForeignKey[R, KL]
	selector InnerResultSelector[KL, L, KR, R, Result]

	gate gate.Gate

	leftValues   map[KL]L
	rightValues  map[KR]R
	rightOwner   map[KR]KL
	leftToRights map[KL]map[KR]bool
	// published holds the last Result delivered for a pair, so a republish
	// can carry the true prior value as Previous instead of the new Current.
	published map[PairKey[KL, KR]]Result

	leftInitialized bool
	rightSub        rk.Subscription

	leftDone  bool
	rightDone bool

	out *rk.Subject[rk.ChangeSet[PairKey[KL, KR], Result]]
}

func (j *innerJoinOp[KL, L, KR, R, Result]) start() rk.Subscription {
	leftSub := j.left.Subscribe(rk.ObserverFunc[rk.ChangeSet[KL, L]]{
		Next:      j.onLeft,
		Err:       j.out.OnError,
		Completed: j.onLeftCompleted,
	})
	return multiSub{subs: []rk.Subscription{leftSub, disposeFunc(j.disposeRight)}}
}

func (j *innerJoinOp[KL, L, KR, R, Result]) disposeRight() {
	j.gate.Lock()
	sub := j.rightSub
	j.rightSub = nil
	j.gate.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

func (j *innerJoinOp[KL, L, KR, R, Result]) onLeft(cs rk.ChangeSet[KL, L]) {
	var down rk.ChangeSet[PairKey[KL, KR], Result]
	var firstBatch bool
	j.gate.Do(func() {
		for _, c := range cs {
			switch c.Reason {
			case rk.Add, rk.Update, rk.Refresh:
				j.leftValues[c.Key] = c.Current
			case rk.Remove:
				delete(j.leftValues, c.Key)
			}
			for rightKey := range j.leftToRights[c.Key] {
				down = append(down, j.republishLocked(c.Key, rightKey)...)
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

func (j *innerJoinOp[KL, L, KR, R, Result]) subscribeRight() {
	sub := j.right.Subscribe(rk.ObserverFunc[rk.ChangeSet[KR, R]]{
		Next:      j.onRight,
		Err:       j.out.OnError,
		Completed: j.onRightCompleted,
	})
	j.gate.Lock()
	j.rightSub = sub
	j.gate.Unlock()
}

func (j *innerJoinOp[KL, L, KR, R, Result]) onRight(cs rk.ChangeSet[KR, R]) {
	var down rk.ChangeSet[PairKey[KL, KR], Result]
	j.gate.Do(func() {
		for _, c := range cs {
			switch c.Reason {
			case rk.Add, rk.Update, rk.Refresh:
				newFK := j.fk(c.Current)
				oldFK, had := j.rightOwner[c.Key]
				if had && oldFK != newFK {
					j.ungroupLocked(oldFK, c.Key)
					down = append(down, j.republishLocked(oldFK, c.Key)...)
				}
				j.rightValues[c.Key] = c.Current
				j.rightOwner[c.Key] = newFK
				j.groupLocked(newFK, c.Key)
				down = append(down, j.republishLocked(newFK, c.Key)...)
			case rk.Remove:
				oldFK, had := j.rightOwner[c.Key]
				delete(j.rightOwner, c.Key)
				delete(j.rightValues, c.Key)
				if had {
					j.ungroupLocked(oldFK, c.Key)
					down = append(down, j.republishLocked(oldFK, c.Key)...)
				}
			}
		}
	})
	j.emit(down)
}

func (j *innerJoinOp[KL, L, KR, R, Result]) groupLocked(leftKey KL, rightKey KR) {
	set, ok := j.leftToRights[leftKey]
	if !ok {
		set = make(map[KR]bool)
		j.leftToRights[leftKey] = set
	}
	set[rightKey] = true
}

func (j *innerJoinOp[KL, L, KR, R, Result]) ungroupLocked(leftKey KL, rightKey KR) {
	if set, ok := j.leftToRights[leftKey]; ok {
		delete(set, rightKey)
		if len(set) == 0 {
			delete(j.leftToRights, leftKey)
		}
	}
}

func (j *innerJoinOp[KL, L, KR, R, Result]) republishLocked(leftKey KL, rightKey KR) rk.ChangeSet[PairKey[KL, KR], Result] {
	pair := PairKey[KL, KR]{Left: leftKey, Right: rightKey}
	leftVal, hasLeft := j.leftValues[leftKey]
	rightVal, hasRight := j.rightValues[rightKey]

	if !hasLeft || !hasRight {
		if prev, had := j.published[pair]; had {
			delete(j.published, pair)
			return rk.ChangeSet[PairKey[KL, KR], Result]{rk.NewRemove(pair, prev)}
		}
		return nil
	}

	result := j.selector(leftKey, rightKey, leftVal, rightVal)
	prev, had := j.published[pair]
	j.published[pair] = result
	if had {
		return rk.ChangeSet[PairKey[KL, KR], Result]{rk.NewUpdate(pair, result, prev)}
	}
	return rk.ChangeSet[PairKey[KL, KR], Result]{rk.NewAdd(pair, result)}
}

func (j *innerJoinOp[KL, L, KR, R, Result]) emit(cs rk.ChangeSet[PairKey[KL, KR], Result]) {
	if len(cs) > 0 {
		j.out.OnNext(cs)
	}
}

func (j *innerJoinOp[KL, L, KR, R, Result]) onLeftCompleted() {
	done := false
	j.gate.Do(func() {
		j.leftDone = true
		done = j.leftDone && j.rightDone
	})
	if done {
		j.out.OnCompleted()
	}
}

func (j *innerJoinOp[KL, L, KR, R, Result]) onRightCompleted() {
	done := false
	j.gate.Do(func() {
		j.rightDone = true
		done = j.leftDone && j.rightDone
	})
	if done {
		j.out.OnCompleted()
	}
}
