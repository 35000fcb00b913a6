package operators

import (
	"github.com/nodestream/reactivekeys/cache"
	"github.com/nodestream/reactivekeys/internal/gate"

	rk "github.com/nodestream/reactivekeys"
)

// GroupSelector computes the group a value currently belongs to.
type GroupSelector[V any, G comparable] func(V) G

// Group is a live sub-cache of every member currently assigned to one
// group key. Its own change-set stream carries only that group's
// Add/Update/Remove traffic, independent of other groups.
type Group[K comparable, V any] struct {
	data *cache.ChangeAwareCache[K, V]
	out  *rk.Subject[rk.ChangeSet[K, V]]
}

// Observe returns this group's own member change-set stream.
func (g *Group[K, V]) Observe() rk.Observable[rk.ChangeSet[K, V]] { return g.out }

// Count returns the number of members currently in this group.
func (g *Group[K, V]) Count() int { return g.data.Count() }

// KeyValues returns a snapshot of this group's current members.
func (g *Group[K, V]) KeyValues() map[K]V { return g.data.KeyValues() }

// GroupOn partitions an upstream keyed stream into groups by the result of
// selector, publishing one outer Add/Remove per group created/emptied and
// forwarding each member mutation into its owning Group's own stream. A
// value belongs to exactly one group at a time; when selector(v) changes
// across an Update, the value moves groups: removed from the old group
// (deleting the old group from the outer stream if it becomes empty) and
// added to the new (creating it if this is its first member).
//
// If regroup is non-nil, each of its emissions forces every current entry
// to be re-evaluated against selector as if it had received a synthetic
// Refresh, moving any whose computed group has changed.
func GroupOn[K comparable, V any, G comparable](
	upstream rk.Observable[rk.ChangeSet[K, V]],
	selector GroupSelector[V, G],
	regroup rk.Observable[struct{}],
) rk.Observable[rk.ChangeSet[G, *Group[K, V]]] {
	g := &groupOnOp[K, V, G]{
		upstream:    upstream,
		selector:    selector,
		regroup:     regroup,
		values:      make(map[K]V),
		memberGroup: make(map[K]G),
		groups:      make(map[G]*Group[K, V]),
		out:         rk.NewSubject[rk.ChangeSet[G, *Group[K, V]]](),
	}
	return newConnectOnSubscribe(g.out, g.start)
}

type groupOnOp[K comparable, V any, G comparable] struct {
	upstream rk.Observable[rk.ChangeSet[K, V]]
	selector GroupSelector[V, G]
	regroup  rk.Observable[struct{}]

	gate        gate.Gate
	values      map[K]V
	memberGroup map[K]G
	groups      map[G]*Group[K, V]

	upstreamDone bool
	regroupDone  bool

	out *rk.Subject[rk.ChangeSet[G, *Group[K, V]]]
}

func (g *groupOnOp[K, V, G]) start() rk.Subscription {
	upSub := g.upstream.Subscribe(rk.ObserverFunc[rk.ChangeSet[K, V]]{
		Next:      g.onUpstream,
		Err:       g.out.OnError,
		Completed: g.onUpstreamCompleted,
	})
	if g.regroup == nil {
		g.regroupDone = true
		return upSub
	}
	regroupSub := g.regroup.Subscribe(rk.ObserverFunc[struct{}]{
		Next:      func(struct{}) { g.onRegroup() },
		Err:       g.out.OnError,
		Completed: g.onRegroupCompleted,
	})
	return newMultiSub(upSub, regroupSub)
}

func (g *groupOnOp[K, V, G]) onUpstream(cs rk.ChangeSet[K, V]) {
	var outer rk.ChangeSet[G, *Group[K, V]]
	g.gate.Do(func() {
		for _, c := range cs {
			switch c.Reason {
			case rk.Add:
				g.values[c.Key] = c.Current
				newG := g.selector(c.Current)
				g.memberGroup[c.Key] = newG
				outer = append(outer, g.addToGroupLocked(newG, c.Key, c.Current)...)
			case rk.Update, rk.Refresh:
				g.values[c.Key] = c.Current
				newG := g.selector(c.Current)
				oldG, had := g.memberGroup[c.Key]
				if had && oldG != newG {
					outer = append(outer, g.removeFromGroupLocked(oldG, c.Key, c.Current)...)
					g.memberGroup[c.Key] = newG
					outer = append(outer, g.addToGroupLocked(newG, c.Key, c.Current)...)
				} else if grp, ok := g.groups[newG]; ok {
					grp.data.AddOrUpdate(c.Key, c.Current)
					grp.out.OnNext(grp.data.CaptureChanges())
				}
			case rk.Remove:
				oldG, had := g.memberGroup[c.Key]
				delete(g.values, c.Key)
				delete(g.memberGroup, c.Key)
				if had {
					outer = append(outer, g.removeFromGroupLocked(oldG, c.Key, c.Current)...)
				}
			}
		}
	})
	g.emit(outer)
}

func (g *groupOnOp[K, V, G]) onRegroup() {
	var outer rk.ChangeSet[G, *Group[K, V]]
	g.gate.Do(func() {
		for key, value := range g.values {
			newG := g.selector(value)
			oldG := g.memberGroup[key]
			if newG == oldG {
				continue
			}
			outer = append(outer, g.removeFromGroupLocked(oldG, key, value)...)
			g.memberGroup[key] = newG
			outer = append(outer, g.addToGroupLocked(newG, key, value)...)
		}
	})
	g.emit(outer)
}

// addToGroupLocked must be called with the gate held. It creates the group
// (emitting an outer Add) if this is its first member, then records the
// member in the group's own cache and forwards the resulting change to the
// group's own stream.
func (g *groupOnOp[K, V, G]) addToGroupLocked(groupKey G, key K, value V) rk.ChangeSet[G, *Group[K, V]] {
	var outer rk.ChangeSet[G, *Group[K, V]]
	grp, ok := g.groups[groupKey]
	if !ok {
		grp = &Group[K, V]{data: cache.NewChangeAwareCache[K, V](), out: rk.NewSubject[rk.ChangeSet[K, V]]()}
		g.groups[groupKey] = grp
		outer = append(outer, rk.NewAdd(groupKey, grp))
	}
	grp.data.AddOrUpdate(key, value)
	if cs := grp.data.CaptureChanges(); !cs.Empty() {
		grp.out.OnNext(cs)
	}
	return outer
}

// removeFromGroupLocked must be called with the gate held. It removes the
// member from its group's cache, forwards the resulting change, and — if
// the group is now empty — removes the group itself from the outer stream.
func (g *groupOnOp[K, V, G]) removeFromGroupLocked(groupKey G, key K, value V) rk.ChangeSet[G, *Group[K, V]] {
	grp, ok := g.groups[groupKey]
	if !ok {
		return nil
	}
	grp.data.Remove(key)
	if cs := grp.data.CaptureChanges(); !cs.Empty() {
		grp.out.OnNext(cs)
	}
	if grp.data.Count() == 0 {
		delete(g.groups, groupKey)
		return rk.ChangeSet[G, *Group[K, V]]{rk.NewRemove(groupKey, grp)}
	}
	return nil
}

func (g *groupOnOp[K, V, G]) emit(cs rk.ChangeSet[G, *Group[K, V]]) {
	if len(cs) > 0 {
		g.out.OnNext(cs)
	}
}

func (g *groupOnOp[K, V, G]) onUpstreamCompleted() {
	done := false
	g.gate.Do(func() {
		g.upstreamDone = true
		done = g.upstreamDone && g.regroupDone
	})
	if done {
		g.out.OnCompleted()
	}
}

func (g *groupOnOp[K, V, G]) onRegroupCompleted() {
	done := false
	g.gate.Do(func() {
		g.regroupDone = true
		done = g.upstreamDone && g.regroupDone
	})
	if done {
		g.out.OnCompleted()
	}
}
