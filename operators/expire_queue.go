package operators

import (
	"time"

	"github.com/gammazero/deque"
)

// expireEntry is one (due_time, key) record in an expiration queue.
type expireEntry[K comparable] struct {
	due time.Time
	key K
}

// expireQueue keeps (due_time, key) entries in ascending due-time order. It
// does not reposition an entry when the key it names is rescheduled —
// callers just push a fresh entry for the new due time and leave the old
// one to be skipped as stale when it is eventually popped. This keeps
// per-update cost amortized O(1) instead of paying for a heap's O(log n)
// removal on every reschedule.
type expireQueue[K comparable] struct {
	q deque.Deque[expireEntry[K]]
}

// push inserts an entry in due-time order. The common case — a new entry
// due no earlier than the current tail — is an O(1) PushBack; only an
// out-of-order due time (a shorter TTL scheduled after a longer one) pays
// for walking back past later entries.
func (eq *expireQueue[K]) push(due time.Time, key K) {
	if eq.q.Len() == 0 || !eq.q.Back().due.After(due) {
		eq.q.PushBack(expireEntry[K]{due: due, key: key})
		return
	}
	var displaced []expireEntry[K]
	for eq.q.Len() > 0 && eq.q.Back().due.After(due) {
		displaced = append(displaced, eq.q.PopBack())
	}
	eq.q.PushBack(expireEntry[K]{due: due, key: key})
	for i := len(displaced) - 1; i >= 0; i-- {
		eq.q.PushBack(displaced[i])
	}
}

// popDue pops every entry with due_time <= now off the front, testing
// each popped entry's recorded due time against isCurrent(key, due) to
// decide whether it's still the authoritative schedule for that key (a
// stale entry, left behind by an earlier reschedule, is simply dropped).
// It returns the keys that are genuinely due.
func (eq *expireQueue[K]) popDue(now time.Time, isCurrent func(key K, due time.Time) bool) []K {
	var due []K
	for eq.q.Len() > 0 && !eq.q.Front().due.After(now) {
		e := eq.q.PopFront()
		if isCurrent(e.key, e.due) {
			due = append(due, e.key)
		}
	}
	return due
}

// nextDue returns the due time at the head of the queue, if any.
func (eq *expireQueue[K]) nextDue() (time.Time, bool) {
	if eq.q.Len() == 0 {
		return time.Time{}, false
	}
	return eq.q.Front().due, true
}

func (eq *expireQueue[K]) len() int { return eq.q.Len() }
