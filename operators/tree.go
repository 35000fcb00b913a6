package operators

import (
	"github.com/nodestream/reactivekeys/cache"
	"github.com/nodestream/reactivekeys/internal/gate"

	rk "github.com/nodestream/reactivekeys"
)

// ParentSelector derives the parent key a value currently declares. A key
// for which no current node exists makes the value an orphan, surfaced at
// the tree's root.
type ParentSelector[K comparable, V any] func(V) K

// Node is one tree node: its own value plus a live sub-cache of its
// current children, keyed the same way as the tree itself.
type Node[K comparable, V any] struct {
	Key      K
	Value    V
	children *cache.ChangeAwareCache[K, V]
	out      *rk.Subject[rk.ChangeSet[K, V]]
}

// Children returns this node's own child change-set stream.
func (n *Node[K, V]) Children() rk.Observable[rk.ChangeSet[K, V]] { return n.out }

// ChildCount returns the number of children this node currently has.
func (n *Node[K, V]) ChildCount() int { return n.children.Count() }

// Tree builds a parent/child structure over an upstream keyed stream using
// parentOf. Each node tracks its parent only as a weak back-reference (a
// lookup, not ownership) in a separate map — the owning relationship flows
// one way, parent to children, via each Node's own child sub-cache.
//
// Orphans — values whose computed parent key names no node currently in
// the tree — are surfaced at the root alongside every other top-level
// node, with Node.Key identifying them the same as any other entry. On any
// upstream change, if a node's computed parent changes, it is removed from
// the old parent's children (or the root) and inserted under the new one
// (or the root, if the new parent key doesn't exist either).
func Tree[K comparable, V any](
	upstream rk.Observable[rk.ChangeSet[K, V]],
	parentOf ParentSelector[K, V],
) rk.Observable[rk.ChangeSet[K, *Node[K, V]]] {
	t := &treeOp[K, V]{
		upstream:   upstream,
		parentOf:   parentOf,
		nodes:      make(map[K]*Node[K, V]),
		parentKeys: make(map[K]K),
		root:       cache.NewChangeAwareCache[K, *Node[K, V]](),
		out:        rk.NewSubject[rk.ChangeSet[K, *Node[K, V]]](),
	}
	return newConnectOnSubscribe(t.out, t.start)
}

type treeOp[K comparable, V any] struct {
	upstream rk.Observable[rk.ChangeSet[K, V]]
	parentOf ParentSelector[K, V]

	gate gate.Gate
	// nodes holds every node currently in the tree, regardless of depth.
	nodes map[K]*Node[K, V]
	// parentKeys is the weak back-reference: a node's current parent key,
	// recorded purely for lookup — the tree never walks this map to decide
	// ownership, only each node's own children cache does that.
	parentKeys map[K]K
	root       *cache.ChangeAwareCache[K, *Node[K, V]]

	out *rk.Subject[rk.ChangeSet[K, *Node[K, V]]]
}

func (t *treeOp[K, V]) start() rk.Subscription {
	return t.upstream.Subscribe(rk.ObserverFunc[rk.ChangeSet[K, V]]{
		Next:      t.onUpstream,
		Err:       t.out.OnError,
		Completed: t.out.OnCompleted,
	})
}

func (t *treeOp[K, V]) onUpstream(cs rk.ChangeSet[K, V]) {
	var rootChanges rk.ChangeSet[K, *Node[K, V]]
	t.gate.Do(func() {
		for _, c := range cs {
			switch c.Reason {
			case rk.Add:
				node := &Node[K, V]{Key: c.Key, Value: c.Current, children: cache.NewChangeAwareCache[K, V](), out: rk.NewSubject[rk.ChangeSet[K, V]]()}
				t.nodes[c.Key] = node
				newParent := t.parentOf(c.Current)
				t.parentKeys[c.Key] = newParent
				rootChanges = append(rootChanges, t.attachLocked(c.Key, node, newParent)...)
				// Adopt orphans that were waiting at the root for this key.
				for childKey, pk := range t.parentKeys {
					if pk == c.Key && childKey != c.Key {
						t.root.Remove(childKey)
						rootChanges = append(rootChanges, t.root.CaptureChanges()...)
						rootChanges = append(rootChanges, t.attachLocked(childKey, t.nodes[childKey], pk)...)
					}
				}
			case rk.Update, rk.Refresh:
				node, ok := t.nodes[c.Key]
				if !ok {
					continue
				}
				node.Value = c.Current
				newParent := t.parentOf(c.Current)
				oldParent := t.parentKeys[c.Key]
				if newParent != oldParent {
					rootChanges = append(rootChanges, t.detachLocked(c.Key, oldParent)...)
					t.parentKeys[c.Key] = newParent
					rootChanges = append(rootChanges, t.attachLocked(c.Key, node, newParent)...)
				} else if parent, isChild := t.nodes[oldParent]; isChild {
					parent.children.AddOrUpdate(c.Key, c.Current)
					if chg := parent.children.CaptureChanges(); !chg.Empty() {
						parent.out.OnNext(chg)
					}
				} else {
					t.root.AddOrUpdate(c.Key, node)
					rootChanges = append(rootChanges, t.root.CaptureChanges()...)
				}
			case rk.Remove:
				if _, ok := t.nodes[c.Key]; !ok {
					continue
				}
				oldParent := t.parentKeys[c.Key]
				rootChanges = append(rootChanges, t.detachLocked(c.Key, oldParent)...)
				delete(t.nodes, c.Key)
				delete(t.parentKeys, c.Key)
				// Its children are now orphans and move to the root.
				for childKey, pk := range t.parentKeys {
					if pk == c.Key {
						rootChanges = append(rootChanges, t.attachLocked(childKey, t.nodes[childKey], pk)...)
					}
				}
			}
		}
	})
	t.emit(rootChanges)
}

// attachLocked must be called with the gate held. It inserts key/node under
// parentKey's children if parentKey currently names a node, or at the root
// otherwise (parentKey absent, or equal to key's own key in a self-parent
// edge case, both treated as orphaned to root).
func (t *treeOp[K, V]) attachLocked(key K, node *Node[K, V], parentKey K) rk.ChangeSet[K, *Node[K, V]] {
	if parent, ok := t.nodes[parentKey]; ok && parentKey != key {
		parent.children.AddOrUpdate(key, node.Value)
		if chg := parent.children.CaptureChanges(); !chg.Empty() {
			parent.out.OnNext(chg)
		}
		return nil
	}
	t.root.AddOrUpdate(key, node)
	return t.root.CaptureChanges()
}

// detachLocked must be called with the gate held. It removes key from
// whichever container (a parent's children, or the root) it currently
// lives under.
func (t *treeOp[K, V]) detachLocked(key K, parentKey K) rk.ChangeSet[K, *Node[K, V]] {
	if parent, ok := t.nodes[parentKey]; ok && parentKey != key {
		parent.children.Remove(key)
		if chg := parent.children.CaptureChanges(); !chg.Empty() {
			parent.out.OnNext(chg)
		}
		return nil
	}
	t.root.Remove(key)
	return t.root.CaptureChanges()
}

func (t *treeOp[K, V]) emit(cs rk.ChangeSet[K, *Node[K, V]]) {
	if len(cs) > 0 {
		t.out.OnNext(cs)
	}
}
