package operators

import (
	"github.com/nodestream/reactivekeys/internal/gate"

	rk "github.com/nodestream/reactivekeys"
)

// ImmutableGroup is a point-in-time snapshot of one group's members. Unlike
// Group, it carries no live stream of its own; a new ImmutableGroup value
// is produced (and republished as an outer Update) every time its
// membership changes.
type ImmutableGroup[K comparable, V any] struct {
	Key     any
	Members map[K]V
}

// GroupOnImmutable is GroupOn's immutable counterpart: instead of exposing
// each group as a live sub-cache, the outer stream emits Add when a group
// first gets a member, Update with a fresh snapshot whenever membership
// changes, and Remove when the last member leaves.
func GroupOnImmutable[K comparable, V any, G comparable](
	upstream rk.Observable[rk.ChangeSet[K, V]],
	selector GroupSelector[V, G],
) rk.Observable[rk.ChangeSet[G, *ImmutableGroup[K, V]]] {
	g := &groupImmutableOp[K, V, G]{
		upstream:    upstream,
		selector:    selector,
		memberGroup: make(map[K]G),
		members:     make(map[G]map[K]V),
		published:   make(map[G]*ImmutableGroup[K, V]),
		out:         rk.NewSubject[rk.ChangeSet[G, *ImmutableGroup[K, V]]](),
	}
	return newConnectOnSubscribe(g.out, g.start)
}

type groupImmutableOp[K comparable, V any, G comparable] struct {
	upstream rk.Observable[rk.ChangeSet[K, V]]
	selector GroupSelector[V, G]

	gate        gate.Gate
	memberGroup map[K]G
	members     map[G]map[K]V
	published   map[G]*ImmutableGroup[K, V]

	out *rk.Subject[rk.ChangeSet[G, *ImmutableGroup[K, V]]]
}

func (g *groupImmutableOp[K, V, G]) start() rk.Subscription {
	return g.upstream.Subscribe(rk.ObserverFunc[rk.ChangeSet[K, V]]{
		Next:      g.onUpstream,
		Err:       g.out.OnError,
		Completed: g.out.OnCompleted,
	})
}

func (g *groupImmutableOp[K, V, G]) onUpstream(cs rk.ChangeSet[K, V]) {
	var outer rk.ChangeSet[G, *ImmutableGroup[K, V]]
	touched := make(map[G]bool)
	g.gate.Do(func() {
		for _, c := range cs {
			switch c.Reason {
			case rk.Add:
				newG := g.selector(c.Current)
				g.memberGroup[c.Key] = newG
				g.memberSetLocked(newG)[c.Key] = c.Current
				touched[newG] = true
			case rk.Update, rk.Refresh:
				newG := g.selector(c.Current)
				oldG := g.memberGroup[c.Key]
				if oldG != newG {
					delete(g.memberSetLocked(oldG), c.Key)
					touched[oldG] = true
					g.memberGroup[c.Key] = newG
				}
				g.memberSetLocked(newG)[c.Key] = c.Current
				touched[newG] = true
			case rk.Remove:
				oldG, had := g.memberGroup[c.Key]
				if had {
					delete(g.memberSetLocked(oldG), c.Key)
					delete(g.memberGroup, c.Key)
					touched[oldG] = true
				}
			}
		}
		for groupKey := range touched {
			outer = append(outer, g.snapshotLocked(groupKey)...)
		}
	})
	g.emit(outer)
}

func (g *groupImmutableOp[K, V, G]) memberSetLocked(groupKey G) map[K]V {
	set, ok := g.members[groupKey]
	if !ok {
		set = make(map[K]V)
		g.members[groupKey] = set
	}
	return set
}

// snapshotLocked must be called with the gate held. It copies the group's
// current member map into a fresh ImmutableGroup and emits the appropriate
// Add/Update/Remove against the previously published snapshot.
func (g *groupImmutableOp[K, V, G]) snapshotLocked(groupKey G) rk.ChangeSet[G, *ImmutableGroup[K, V]] {
	members := g.members[groupKey]
	prev := g.published[groupKey]

	if len(members) == 0 {
		delete(g.members, groupKey)
		if prev != nil {
			delete(g.published, groupKey)
			return rk.ChangeSet[G, *ImmutableGroup[K, V]]{rk.NewRemove[G, *ImmutableGroup[K, V]](groupKey, prev)}
		}
		return nil
	}

	// A shallow copy is sufficient and correct here: values are shared by
	// reference and never mutated in place by this module, so only the map
	// itself (which g.members[groupKey] keeps mutating) needs to be frozen.
	copied := make(map[K]V, len(members))
	for k, v := range members {
		copied[k] = v
	}
	snap := &ImmutableGroup[K, V]{Key: groupKey, Members: copied}
	g.published[groupKey] = snap
	if prev == nil {
		return rk.ChangeSet[G, *ImmutableGroup[K, V]]{rk.NewAdd[G, *ImmutableGroup[K, V]](groupKey, snap)}
	}
	return rk.ChangeSet[G, *ImmutableGroup[K, V]]{rk.NewUpdate[G, *ImmutableGroup[K, V]](groupKey, snap, prev)}
}

func (g *groupImmutableOp[K, V, G]) emit(cs rk.ChangeSet[G, *ImmutableGroup[K, V]]) {
	if len(cs) > 0 {
		g.out.OnNext(cs)
	}
}
