package operators_test

import (
	"testing"

	"github.com/nodestream/reactivekeys/operators"
	"github.com/nodestream/reactivekeys/source"

	rk "github.com/nodestream/reactivekeys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type category struct {
	name   string
	parent string
}

func TestTreeAttachesChildUnderExistingParent(t *testing.T) {
	src := source.New[string, category](nil)
	src.Edit(func(u *source.Updater[string, category]) {
		u.AddOrUpdate("root", category{name: "root"})
	})

	rec := &recorder[string, *operators.Node[string, category]]{}
	operators.Tree[string, category](src.Connect(nil, true), func(c category) string { return c.parent }).Subscribe(rec.observer())

	src.Edit(func(u *source.Updater[string, category]) {
		u.AddOrUpdate("child", category{name: "child", parent: "root"})
	})

	flat := rec.flat()
	var sawRootAddOnly bool
	for _, c := range flat {
		if c.Key == "root" {
			sawRootAddOnly = true
		}
		assert.NotEqual(t, "child", c.Key, "a child attached under an existing parent must not surface as a root-level change")
	}
	assert.True(t, sawRootAddOnly)

	var rootNode *operators.Node[string, category]
	for _, c := range flat {
		if c.Key == "root" {
			rootNode = c.Current
		}
	}
	require.NotNil(t, rootNode)
	assert.Equal(t, 1, rootNode.ChildCount())
}

func TestTreeOrphanSurfacesAtRoot(t *testing.T) {
	src := source.New[string, category](nil)
	rec := &recorder[string, *operators.Node[string, category]]{}
	operators.Tree[string, category](src.Connect(nil, true), func(c category) string { return c.parent }).Subscribe(rec.observer())

	src.Edit(func(u *source.Updater[string, category]) {
		u.AddOrUpdate("orphan", category{name: "orphan", parent: "missing"})
	})

	flat := rec.flat()
	require.Len(t, flat, 1)
	assert.Equal(t, "orphan", flat[0].Key)
	assert.Equal(t, rk.Add, flat[0].Reason)
}

func TestTreeReparentsOnParentKeyChange(t *testing.T) {
	src := source.New[string, category](nil)
	rec := &recorder[string, *operators.Node[string, category]]{}
	operators.Tree[string, category](src.Connect(nil, true), func(c category) string { return c.parent }).Subscribe(rec.observer())

	src.Edit(func(u *source.Updater[string, category]) {
		u.AddOrUpdate("a", category{name: "a"})
		u.AddOrUpdate("b", category{name: "b"})
	})
	src.Edit(func(u *source.Updater[string, category]) {
		u.AddOrUpdate("child", category{name: "child", parent: "a"})
	})

	var aNode, bNode *operators.Node[string, category]
	for _, c := range rec.flat() {
		if c.Key == "a" {
			aNode = c.Current
		}
		if c.Key == "b" {
			bNode = c.Current
		}
	}
	require.NotNil(t, aNode)
	require.NotNil(t, bNode)
	assert.Equal(t, 1, aNode.ChildCount())
	assert.Equal(t, 0, bNode.ChildCount())

	src.Edit(func(u *source.Updater[string, category]) {
		u.AddOrUpdate("child", category{name: "child", parent: "b"})
	})

	assert.Equal(t, 0, aNode.ChildCount(), "child must be detached from its old parent on reparenting")
	assert.Equal(t, 1, bNode.ChildCount(), "child must be attached under its new parent on reparenting")
}
