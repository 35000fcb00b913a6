package operators_test

import (
	"testing"

	"github.com/nodestream/reactivekeys/operators"
	"github.com/nodestream/reactivekeys/source"

	rk "github.com/nodestream/reactivekeys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDynamicGrouperBuffersUntilSelectorArrives(t *testing.T) {
	src := source.New[string, int](nil)
	selectorChanges := rk.NewSubject[operators.GroupSelector[int, bool]]()

	rec := &recorder[bool, *operators.Group[string, int]]{}
	operators.DynamicGrouper[string, int, bool](src.Connect(nil, true), selectorChanges).Subscribe(rec.observer())

	src.Edit(func(u *source.Updater[string, int]) {
		u.AddOrUpdate("a", 1)
		u.AddOrUpdate("b", 2)
	})
	assert.Empty(t, rec.flat(), "no grouping can happen before a selector is installed")

	selectorChanges.OnNext(parity)

	flat := rec.flat()
	require.Len(t, flat, 2)
	groupsByKey := map[bool]*operators.Group[string, int]{}
	for _, c := range flat {
		groupsByKey[c.Key] = c.Current
	}
	assert.Equal(t, 1, groupsByKey[false].Count())
	assert.Equal(t, 1, groupsByKey[true].Count())
}

func TestDynamicGrouperReplacingSelectorRegroupsEverything(t *testing.T) {
	src := source.New[string, int](nil)
	selectorChanges := rk.NewSubject[operators.GroupSelector[int, bool]]()

	src.Edit(func(u *source.Updater[string, int]) {
		u.AddOrUpdate("a", 1)
		u.AddOrUpdate("b", 2)
	})

	rec := &recorder[bool, *operators.Group[string, int]]{}
	operators.DynamicGrouper[string, int, bool](src.Connect(nil, true), selectorChanges).Subscribe(rec.observer())

	selectorChanges.OnNext(parity)
	allTrue := func(v int) bool { return true }
	selectorChanges.OnNext(allTrue)

	flat := rec.flat()
	var sawFalseGroupRemoved bool
	for _, c := range flat {
		if c.Key == false && c.Reason == rk.Remove {
			sawFalseGroupRemoved = true
		}
	}
	assert.True(t, sawFalseGroupRemoved, "replacing the selector must empty out the group that no longer has any members")

	var trueGroup *operators.Group[string, int]
	for _, c := range flat {
		if c.Key == true {
			trueGroup = c.Current
		}
	}
	require.NotNil(t, trueGroup)
	assert.Equal(t, 2, trueGroup.Count())
}
