package operators

import (
	"time"

	"github.com/nodestream/reactivekeys/internal/gate"
	"github.com/nodestream/reactivekeys/scheduler"

	rk "github.com/nodestream/reactivekeys"
)

// TimeSelector computes how much longer a value should live from the
// moment it is (re)observed. None means the value never expires on its
// own.
type TimeSelector[V any] func(V) rk.Optional[time.Duration]

// ExpireAfterStream attaches expiration to a change-set observable rather
// than to a mutable source: it keeps its own local copy of upstream's
// current entries and, as each one's TTL (from ttl) elapses, synthesizes a
// Remove downstream without reaching back into anything upstream owns.
//
// pollInterval <= 0 selects on-demand scheduling (wake exactly at the
// queue head's due time); pollInterval > 0 selects polling (wake every
// pollInterval, throttled down to "now" if a tick itself took longer than
// that).
func ExpireAfterStream[K comparable, V any](
	upstream rk.Observable[rk.ChangeSet[K, V]],
	ttl TimeSelector[V],
	sched scheduler.Scheduler,
	pollInterval time.Duration,
) rk.Observable[rk.ChangeSet[K, V]] {
	e := &expireStreamOp[K, V]{
		upstream:     upstream,
		ttl:          ttl,
		sched:        sched,
		pollInterval: pollInterval,
		values:       make(map[K]V),
		expireAt:     make(map[K]time.Time),
		out:          rk.NewSubject[rk.ChangeSet[K, V]](),
	}
	return newConnectOnSubscribe(e.out, e.start)
}

type expireStreamOp[K comparable, V any] struct {
	upstream     rk.Observable[rk.ChangeSet[K, V]]
	ttl          TimeSelector[V]
	sched        scheduler.Scheduler
	pollInterval time.Duration

	gate     gate.Gate
	values   map[K]V
	expireAt map[K]time.Time
	queue    expireQueue[K]
	pending  scheduler.Cancellation

	upstreamDone bool
	pendingTicks int // in-flight scheduled ticks not yet fired, for completion deferral

	out *rk.Subject[rk.ChangeSet[K, V]]
}

func (e *expireStreamOp[K, V]) start() rk.Subscription {
	sub := e.upstream.Subscribe(rk.ObserverFunc[rk.ChangeSet[K, V]]{
		Next:      e.onUpstream,
		Err:       e.out.OnError,
		Completed: e.onUpstreamCompleted,
	})
	return newMultiSub(sub, disposeFunc(e.disposeAll))
}

func (e *expireStreamOp[K, V]) disposeAll() {
	e.gate.Lock()
	if e.pending != nil {
		e.pending.Cancel()
		e.pending = nil
	}
	e.gate.Unlock()
}

func (e *expireStreamOp[K, V]) onUpstream(cs rk.ChangeSet[K, V]) {
	e.gate.Do(func() {
		now := e.sched.Now()
		for _, c := range cs {
			switch c.Reason {
			case rk.Add, rk.Update, rk.Refresh:
				e.values[c.Key] = c.Current
				if d, ok := e.ttl(c.Current).Get(); ok {
					due := now.Add(d)
					e.expireAt[c.Key] = due
					e.queue.push(due, c.Key)
				} else {
					delete(e.expireAt, c.Key)
				}
			case rk.Remove:
				delete(e.values, c.Key)
				delete(e.expireAt, c.Key)
			}
		}
		e.rescheduleLocked(now)
	})
}

// rescheduleLocked must be called with the gate held.
func (e *expireStreamOp[K, V]) rescheduleLocked(now time.Time) {
	if e.pollInterval > 0 {
		if e.pending == nil {
			e.schedulePollLocked(now)
		}
		return
	}
	if e.pending != nil {
		e.pending.Cancel()
		e.pending = nil
		e.pendingTicks--
	}
	due, ok := e.queue.nextDue()
	if !ok {
		return
	}
	e.pendingTicks++
	e.pending = e.sched.ScheduleAt(due, e.tick)
}

func (e *expireStreamOp[K, V]) schedulePollLocked(now time.Time) {
	e.pendingTicks++
	e.pending = e.sched.ScheduleAt(now.Add(e.pollInterval), e.pollTick)
}

func (e *expireStreamOp[K, V]) pollTick() {
	var down rk.ChangeSet[K, V]
	var completing bool
	e.gate.Do(func() {
		e.pending = nil
		e.pendingTicks--
		now := e.sched.Now()
		down = e.collectDueLocked(now)
		// The next poll is due one interval after this tick started,
		// throttled to "now" if this tick itself ran past the interval.
		next := now.Add(e.pollInterval)
		if after := e.sched.Now(); next.Before(after) {
			next = after
		}
		e.pendingTicks++
		e.pending = e.sched.ScheduleAt(next, e.pollTick)
		completing = e.upstreamDone && e.pendingTicks == 0
	})
	e.emit(down)
	if completing {
		e.out.OnCompleted()
	}
}

func (e *expireStreamOp[K, V]) tick() {
	var down rk.ChangeSet[K, V]
	var completing bool
	e.gate.Do(func() {
		e.pending = nil
		e.pendingTicks--
		now := e.sched.Now()
		down = e.collectDueLocked(now)
		e.rescheduleLocked(now)
		completing = e.upstreamDone && e.pendingTicks == 0
	})
	e.emit(down)
	if completing {
		e.out.OnCompleted()
	}
}

// collectDueLocked must be called with the gate held. It performs the
// expiration tick: walk the queue from the head, pop every due-or-stale
// entry in one pass, and build the Remove batch for the ones still
// genuinely expired.
func (e *expireStreamOp[K, V]) collectDueLocked(now time.Time) rk.ChangeSet[K, V] {
	keys := e.queue.popDue(now, func(key K, due time.Time) bool {
		at, ok := e.expireAt[key]
		return ok && !at.After(now)
	})
	if len(keys) == 0 {
		return nil
	}
	out := make(rk.ChangeSet[K, V], 0, len(keys))
	for _, k := range keys {
		v := e.values[k]
		delete(e.values, k)
		delete(e.expireAt, k)
		out = append(out, rk.NewRemove(k, v))
	}
	return out
}

func (e *expireStreamOp[K, V]) emit(cs rk.ChangeSet[K, V]) {
	if len(cs) > 0 {
		e.out.OnNext(cs)
	}
}

func (e *expireStreamOp[K, V]) onUpstreamCompleted() {
	var completing bool
	e.gate.Do(func() {
		e.upstreamDone = true
		completing = e.pendingTicks == 0
	})
	if completing {
		e.out.OnCompleted()
	}
}
