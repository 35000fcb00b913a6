package operators

import (
	"github.com/nodestream/reactivekeys/cache"
	"github.com/nodestream/reactivekeys/internal/gate"

	rk "github.com/nodestream/reactivekeys"
)

// DynamicGrouper is GroupOn with a runtime-replaceable selector: each
// emission of selectorChanges installs a new GroupSelector and triggers an
// atomic re-evaluation pass over every currently-cached entry, identical in
// effect to GroupOn's regroup signal but driven by changing the grouping
// function itself rather than re-running the same one. The group
// creations and removals produced by one re-evaluation pass are emitted
// together as a single outer change set. Member groups are not batched:
// each moved entry is published on its old and new group's own stream as
// it moves, so a group touched by several moves receives one change set
// per move.
func DynamicGrouper[K comparable, V any, G comparable](
	upstream rk.Observable[rk.ChangeSet[K, V]],
	selectorChanges rk.Observable[GroupSelector[V, G]],
) rk.Observable[rk.ChangeSet[G, *Group[K, V]]] {
	d := &dynamicGrouperOp[K, V, G]{
		upstream:        upstream,
		selectorChanges: selectorChanges,
		values:          make(map[K]V),
		memberGroup:     make(map[K]G),
		groups:          make(map[G]*Group[K, V]),
		out:             rk.NewSubject[rk.ChangeSet[G, *Group[K, V]]](),
	}
	return newConnectOnSubscribe(d.out, d.start)
}

type dynamicGrouperOp[K comparable, V any, G comparable] struct {
	upstream        rk.Observable[rk.ChangeSet[K, V]]
	selectorChanges rk.Observable[GroupSelector[V, G]]

	gate        gate.Gate
	selector    GroupSelector[V, G]
	hasSelector bool
	values      map[K]V
	memberGroup map[K]G
	groups      map[G]*Group[K, V]

	upstreamDone bool
	selectorDone bool

	out *rk.Subject[rk.ChangeSet[G, *Group[K, V]]]
}

func (d *dynamicGrouperOp[K, V, G]) start() rk.Subscription {
	upSub := d.upstream.Subscribe(rk.ObserverFunc[rk.ChangeSet[K, V]]{
		Next:      d.onUpstream,
		Err:       d.out.OnError,
		Completed: d.onUpstreamCompleted,
	})
	selSub := d.selectorChanges.Subscribe(rk.ObserverFunc[GroupSelector[V, G]]{
		Next:      d.onSelector,
		Err:       d.out.OnError,
		Completed: d.onSelectorCompleted,
	})
	return newMultiSub(upSub, selSub)
}

func (d *dynamicGrouperOp[K, V, G]) onUpstream(cs rk.ChangeSet[K, V]) {
	var outer rk.ChangeSet[G, *Group[K, V]]
	d.gate.Do(func() {
		if !d.hasSelector {
			// No selector installed yet: just track values so the first
			// selector emission has something to group.
			for _, c := range cs {
				switch c.Reason {
				case rk.Add, rk.Update, rk.Refresh:
					d.values[c.Key] = c.Current
				case rk.Remove:
					delete(d.values, c.Key)
				}
			}
			return
		}
		for _, c := range cs {
			switch c.Reason {
			case rk.Add:
				d.values[c.Key] = c.Current
				newG := d.selector(c.Current)
				d.memberGroup[c.Key] = newG
				outer = append(outer, d.addToGroupLocked(newG, c.Key, c.Current)...)
			case rk.Update, rk.Refresh:
				d.values[c.Key] = c.Current
				newG := d.selector(c.Current)
				oldG, had := d.memberGroup[c.Key]
				if had && oldG != newG {
					outer = append(outer, d.removeFromGroupLocked(oldG, c.Key)...)
					d.memberGroup[c.Key] = newG
					outer = append(outer, d.addToGroupLocked(newG, c.Key, c.Current)...)
				} else if grp, ok := d.groups[newG]; ok {
					grp.data.AddOrUpdate(c.Key, c.Current)
					grp.out.OnNext(grp.data.CaptureChanges())
				}
			case rk.Remove:
				oldG, had := d.memberGroup[c.Key]
				delete(d.values, c.Key)
				delete(d.memberGroup, c.Key)
				if had {
					outer = append(outer, d.removeFromGroupLocked(oldG, c.Key)...)
				}
			}
		}
	})
	d.emit(outer)
}

// onSelector installs a new selector and re-evaluates every cached entry
// against it in one atomic pass, collecting group creations and removals
// into exactly one outer change set emitted once the whole pass is done.
// Each move is published on the affected member groups' own streams as it
// happens; those notifications are not held back until the pass ends.
func (d *dynamicGrouperOp[K, V, G]) onSelector(selector GroupSelector[V, G]) {
	var outer rk.ChangeSet[G, *Group[K, V]]
	d.gate.Do(func() {
		d.selector = selector
		d.hasSelector = true
		for key, value := range d.values {
			newG := selector(value)
			oldG, had := d.memberGroup[key]
			if had && oldG == newG {
				continue
			}
			if had {
				outer = append(outer, d.removeFromGroupLocked(oldG, key)...)
			}
			d.memberGroup[key] = newG
			outer = append(outer, d.addToGroupLocked(newG, key, value)...)
		}
	})
	d.emit(outer)
}

func (d *dynamicGrouperOp[K, V, G]) addToGroupLocked(groupKey G, key K, value V) rk.ChangeSet[G, *Group[K, V]] {
	var outer rk.ChangeSet[G, *Group[K, V]]
	grp, ok := d.groups[groupKey]
	if !ok {
		grp = &Group[K, V]{data: cache.NewChangeAwareCache[K, V](), out: rk.NewSubject[rk.ChangeSet[K, V]]()}
		d.groups[groupKey] = grp
		outer = append(outer, rk.NewAdd(groupKey, grp))
	}
	grp.data.AddOrUpdate(key, value)
	if chg := grp.data.CaptureChanges(); !chg.Empty() {
		grp.out.OnNext(chg)
	}
	return outer
}

func (d *dynamicGrouperOp[K, V, G]) removeFromGroupLocked(groupKey G, key K) rk.ChangeSet[G, *Group[K, V]] {
	grp, ok := d.groups[groupKey]
	if !ok {
		return nil
	}
	grp.data.Remove(key)
	if chg := grp.data.CaptureChanges(); !chg.Empty() {
		grp.out.OnNext(chg)
	}
	if grp.data.Count() == 0 {
		delete(d.groups, groupKey)
		return rk.ChangeSet[G, *Group[K, V]]{rk.NewRemove(groupKey, grp)}
	}
	return nil
}

func (d *dynamicGrouperOp[K, V, G]) emit(cs rk.ChangeSet[G, *Group[K, V]]) {
	if len(cs) > 0 {
		d.out.OnNext(cs)
	}
}

func (d *dynamicGrouperOp[K, V, G]) onUpstreamCompleted() {
	done := false
	d.gate.Do(func() {
		d.upstreamDone = true
		done = d.upstreamDone && d.selectorDone
	})
	if done {
		d.out.OnCompleted()
	}
}

func (d *dynamicGrouperOp[K, V, G]) onSelectorCompleted() {
	done := false
	d.gate.Do(func() {
		d.selectorDone = true
		done = d.upstreamDone && d.selectorDone
	})
	if done {
		d.out.OnCompleted()
	}
}
