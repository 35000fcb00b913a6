package operators

import (
	"time"

	"github.com/nodestream/reactivekeys/internal/corelog"
	"github.com/nodestream/reactivekeys/internal/gate"
	"github.com/nodestream/reactivekeys/scheduler"
	"github.com/nodestream/reactivekeys/source"

	rk "github.com/nodestream/reactivekeys"
	"go.uber.org/zap"
)

// ExpireAfterSource attaches a per-key expiration policy to a source.Cache:
// ttl computes how long a key should live from the moment it is (re)added,
// and expired keys are removed through the source's own Edit API — the
// source's normal subscribers see the same Remove everyone else would see
// from a manual edit. This operator's own Observable carries just the
// batch of keys expiration itself removed, one change set per tick.
//
// pollInterval <= 0 selects on-demand scheduling (wake exactly at the
// queue head's due time); pollInterval > 0 selects polling.
func ExpireAfterSource[K comparable, V any](
	src *source.Cache[K, V],
	ttl TimeSelector[V],
	sched scheduler.Scheduler,
	pollInterval time.Duration,
) rk.Observable[rk.ChangeSet[K, V]] {
	e := &expireSourceOp[K, V]{
		src:          src,
		ttl:          ttl,
		sched:        sched,
		pollInterval: pollInterval,
		values:       make(map[K]V),
		expireAt:     make(map[K]time.Time),
		out:          rk.NewSubject[rk.ChangeSet[K, V]](),
	}
	return newConnectOnSubscribe(e.out, e.start)
}

type expireSourceOp[K comparable, V any] struct {
	src          *source.Cache[K, V]
	ttl          TimeSelector[V]
	sched        scheduler.Scheduler
	pollInterval time.Duration

	gate     gate.Gate
	values   map[K]V
	expireAt map[K]time.Time
	queue    expireQueue[K]
	pending  scheduler.Cancellation

	out *rk.Subject[rk.ChangeSet[K, V]]
}

func (e *expireSourceOp[K, V]) start() rk.Subscription {
	sub := e.src.Connect(nil, false).Subscribe(rk.ObserverFunc[rk.ChangeSet[K, V]]{
		Next:      e.onUpstream,
		Err:       e.out.OnError,
		Completed: e.onUpstreamCompleted,
	})
	return newMultiSub(sub, disposeFunc(e.disposeAll))
}

func (e *expireSourceOp[K, V]) disposeAll() {
	e.gate.Lock()
	if e.pending != nil {
		e.pending.Cancel()
		e.pending = nil
	}
	e.gate.Unlock()
}

func (e *expireSourceOp[K, V]) onUpstream(cs rk.ChangeSet[K, V]) {
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

func (e *expireSourceOp[K, V]) rescheduleLocked(now time.Time) {
	if e.pollInterval > 0 {
		if e.pending == nil {
			e.pending = e.sched.ScheduleAt(now.Add(e.pollInterval), e.pollTick)
		}
		return
	}
	if e.pending != nil {
		e.pending.Cancel()
		e.pending = nil
	}
	due, ok := e.queue.nextDue()
	if !ok {
		return
	}
	e.pending = e.sched.ScheduleAt(due, e.tick)
}

func (e *expireSourceOp[K, V]) pollTick() {
	keys, now := e.determineDue()
	e.applyExpiry(keys)
	e.gate.Do(func() {
		e.pending = nil
		e.rescheduleLocked(now)
		if e.pending == nil && e.pollInterval > 0 {
			e.pending = e.sched.ScheduleAt(e.sched.Now().Add(e.pollInterval), e.pollTick)
		}
	})
}

func (e *expireSourceOp[K, V]) tick() {
	keys, now := e.determineDue()
	e.applyExpiry(keys)
	e.gate.Do(func() {
		e.pending = nil
		e.rescheduleLocked(now)
	})
}

// determineDue acquires the gate only long enough to pop the due entries
// and capture their last known values; it must not hold the gate while
// calling into the source's own Edit API (which re-enters this operator's
// onUpstream synchronously), so the gate is released before applyExpiry.
func (e *expireSourceOp[K, V]) determineDue() (map[K]V, time.Time) {
	due := make(map[K]V)
	var now time.Time
	e.gate.Do(func() {
		now = e.sched.Now()
		keys := e.queue.popDue(now, func(key K, due time.Time) bool {
			at, ok := e.expireAt[key]
			return ok && !at.After(now)
		})
		for _, k := range keys {
			due[k] = e.values[k]
		}
	})
	return due, now
}

func (e *expireSourceOp[K, V]) applyExpiry(due map[K]V) {
	if len(due) == 0 {
		return
	}
	keys := make([]K, 0, len(due))
	for k := range due {
		keys = append(keys, k)
	}
	e.src.Edit(func(u *source.Updater[K, V]) {
		u.RemoveMany(keys)
	})
	corelog.Debug("expired keys removed from source", zap.Int("count", len(keys)))
	out := make(rk.ChangeSet[K, V], 0, len(due))
	for k, v := range due {
		out = append(out, rk.NewRemove(k, v))
	}
	e.out.OnNext(out)
}

func (e *expireSourceOp[K, V]) onUpstreamCompleted() {
	e.gate.Do(func() {
		if e.pending != nil {
			e.pending.Cancel()
			e.pending = nil
		}
	})
	e.out.OnCompleted()
}
