package source_test

import (
	"testing"

	"github.com/nodestream/reactivekeys/source"

	rk "github.com/nodestream/reactivekeys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheEditPublishesCapturedChanges(t *testing.T) {
	c := source.New[string, int](nil)

	var got rk.ChangeSet[string, int]
	c.Connect(nil, true).Subscribe(rk.ObserverFunc[rk.ChangeSet[string, int]]{
		Next: func(cs rk.ChangeSet[string, int]) { got = cs },
	})

	c.Edit(func(u *source.Updater[string, int]) {
		u.AddOrUpdate("a", 1)
	})

	require.Len(t, got, 1)
	assert.Equal(t, rk.Add, got[0].Reason)
	assert.Equal(t, 1, got[0].Current)
}

func TestCacheEditWithNoChangesIsNotPublished(t *testing.T) {
	c := source.New[string, int](nil)

	calls := 0
	c.Connect(nil, true).Subscribe(rk.ObserverFunc[rk.ChangeSet[string, int]]{
		Next: func(cs rk.ChangeSet[string, int]) { calls++ },
	})

	c.Edit(func(u *source.Updater[string, int]) {})

	assert.Equal(t, 1, calls, "only the synthetic initial batch should have been delivered")
}

func TestCacheConnectDeliversSyntheticInitialSnapshot(t *testing.T) {
	c := source.New[string, int](nil)
	c.Edit(func(u *source.Updater[string, int]) {
		u.AddOrUpdate("a", 1)
		u.AddOrUpdate("b", 2)
	})

	var initial rk.ChangeSet[string, int]
	c.Connect(nil, false).Subscribe(rk.ObserverFunc[rk.ChangeSet[string, int]]{
		Next: func(cs rk.ChangeSet[string, int]) {
			if initial == nil {
				initial = cs
			}
		},
	})

	require.Len(t, initial, 2)
	for _, ch := range initial {
		assert.Equal(t, rk.Add, ch.Reason)
	}
}

func TestCacheConnectAppliesPredicate(t *testing.T) {
	c := source.New[string, int](nil)
	c.Edit(func(u *source.Updater[string, int]) {
		u.AddOrUpdate("a", 1)
		u.AddOrUpdate("b", 2)
	})

	var initial rk.ChangeSet[string, int]
	c.Connect(func(k string, v int) bool { return v > 1 }, false).Subscribe(rk.ObserverFunc[rk.ChangeSet[string, int]]{
		Next: func(cs rk.ChangeSet[string, int]) {
			if initial == nil {
				initial = cs
			}
		},
	})

	require.Len(t, initial, 1)
	assert.Equal(t, "b", initial[0].Key)
}

func TestUpdaterAddOrUpdateValueUsesKeySelector(t *testing.T) {
	c := source.New[int, string](func(v string) (int, error) { return len(v), nil })

	c.Edit(func(u *source.Updater[int, string]) {
		require.NoError(t, u.AddOrUpdateValue("abc"))
	})

	v, ok := c.Lookup(3)
	require.True(t, ok)
	assert.Equal(t, "abc", v)
}

func TestUpdaterAddOrUpdateValueWithoutKeySelectorErrors(t *testing.T) {
	c := source.New[int, string](nil)
	var err error
	c.Edit(func(u *source.Updater[int, string]) {
		err = u.AddOrUpdateValue("abc")
	})
	assert.Error(t, err)
}

func TestCacheEditNestedCallReentersSameUpdater(t *testing.T) {
	c := source.New[string, int](nil)

	var got rk.ChangeSet[string, int]
	c.Connect(nil, true).Subscribe(rk.ObserverFunc[rk.ChangeSet[string, int]]{
		Next: func(cs rk.ChangeSet[string, int]) { got = cs },
	})

	c.Edit(func(u *source.Updater[string, int]) {
		u.AddOrUpdate("a", 1)
		u.Edit(func(inner *source.Updater[string, int]) {
			inner.AddOrUpdate("b", 2)
		})
	})

	assert.Equal(t, 2, c.Count())
	require.Len(t, got, 2)
}

func TestCacheRemoveAndClear(t *testing.T) {
	c := source.New[string, int](nil)
	c.Edit(func(u *source.Updater[string, int]) {
		u.AddOrUpdate("a", 1)
		u.AddOrUpdate("b", 2)
	})

	c.Edit(func(u *source.Updater[string, int]) {
		u.Remove("a")
	})
	assert.Equal(t, 1, c.Count())

	c.Edit(func(u *source.Updater[string, int]) {
		u.Clear()
	})
	assert.Equal(t, 0, c.Count())
}
