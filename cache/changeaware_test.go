package cache_test

import (
	"testing"

	"github.com/nodestream/reactivekeys/cache"

	rk "github.com/nodestream/reactivekeys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChangeAwareCacheAddThenUpdateCoalescesToAdd(t *testing.T) {
	c := cache.NewChangeAwareCache[string, int]()
	c.AddOrUpdate("a", 1)
	c.AddOrUpdate("a", 2)

	cs := c.CaptureChanges()
	require.Len(t, cs, 1)
	assert.Equal(t, rk.Add, cs[0].Reason)
	assert.Equal(t, 2, cs[0].Current)
}

func TestChangeAwareCacheAddThenRemoveCancelsOut(t *testing.T) {
	c := cache.NewChangeAwareCache[string, int]()
	c.AddOrUpdate("a", 1)
	_, ok := c.Remove("a")
	require.True(t, ok)

	cs := c.CaptureChanges()
	assert.Empty(t, cs)
}

func TestChangeAwareCacheUpdateThenUpdateKeepsOriginalPrevious(t *testing.T) {
	c := cache.NewChangeAwareCache[string, int]()
	c.AddOrUpdate("a", 1)
	c.CaptureChanges()

	c.AddOrUpdate("a", 2)
	c.AddOrUpdate("a", 3)

	cs := c.CaptureChanges()
	require.Len(t, cs, 1)
	assert.Equal(t, rk.Update, cs[0].Reason)
	assert.Equal(t, 3, cs[0].Current)
	prev, ok := cs[0].Previous.Get()
	require.True(t, ok)
	assert.Equal(t, 1, prev)
}

func TestChangeAwareCacheUpdateThenRemoveUsesOriginalPrevious(t *testing.T) {
	c := cache.NewChangeAwareCache[string, int]()
	c.AddOrUpdate("a", 1)
	c.CaptureChanges()

	c.AddOrUpdate("a", 2)
	c.Remove("a")

	cs := c.CaptureChanges()
	require.Len(t, cs, 1)
	assert.Equal(t, rk.Remove, cs[0].Reason)
	assert.Equal(t, 1, cs[0].Current)
}

func TestChangeAwareCacheRemoveThenAddBecomesUpdate(t *testing.T) {
	c := cache.NewChangeAwareCache[string, int]()
	c.AddOrUpdate("a", 1)
	c.CaptureChanges()

	c.Remove("a")
	c.AddOrUpdate("a", 9)

	cs := c.CaptureChanges()
	require.Len(t, cs, 1)
	assert.Equal(t, rk.Update, cs[0].Reason)
	assert.Equal(t, 9, cs[0].Current)
	prev, ok := cs[0].Previous.Get()
	require.True(t, ok)
	assert.Equal(t, 1, prev)
}

func TestChangeAwareCacheRefreshAfterOtherPendingIsIgnored(t *testing.T) {
	c := cache.NewChangeAwareCache[string, int]()
	c.AddOrUpdate("a", 1)
	c.Refresh("a")

	cs := c.CaptureChanges()
	require.Len(t, cs, 1)
	assert.Equal(t, rk.Add, cs[0].Reason, "a Refresh behind an already-pending Add must not override it")
}

func TestChangeAwareCacheRefreshOnSettledKeyEmitsRefresh(t *testing.T) {
	c := cache.NewChangeAwareCache[string, int]()
	c.AddOrUpdate("a", 1)
	c.CaptureChanges()

	_, ok := c.Refresh("a")
	require.True(t, ok)

	cs := c.CaptureChanges()
	require.Len(t, cs, 1)
	assert.Equal(t, rk.Refresh, cs[0].Reason)
}

func TestChangeAwareCacheRefreshOnMissingKeyIsNoop(t *testing.T) {
	c := cache.NewChangeAwareCache[string, int]()
	_, ok := c.Refresh("missing")
	assert.False(t, ok)
	assert.Empty(t, c.CaptureChanges())
}

func TestChangeAwareCacheClearEmitsRemoveForEveryEntry(t *testing.T) {
	c := cache.NewChangeAwareCache[string, int]()
	c.AddOrUpdate("a", 1)
	c.AddOrUpdate("b", 2)
	c.CaptureChanges()

	c.Clear()

	cs := c.CaptureChanges()
	assert.Len(t, cs, 2)
	assert.Equal(t, 0, c.Count())
}

func TestChangeAwareCacheCloneReplaysChangeSet(t *testing.T) {
	src := cache.NewChangeAwareCache[string, int]()
	src.AddOrUpdate("a", 1)
	src.AddOrUpdate("b", 2)
	cs := src.CaptureChanges()

	dst := cache.NewChangeAwareCache[string, int]()
	dst.Clone(cs)

	v, ok := dst.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, 2, dst.Count())
}

func TestMapCacheBasicOperations(t *testing.T) {
	c := cache.NewMapCache[string, int]()
	c.AddOrUpdate("a", 1)
	c.AddOrUpdate("b", 2)

	v, ok := c.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, 2, c.Count())

	removed, ok := c.Remove("a")
	require.True(t, ok)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, c.Count())

	kv := c.KeyValues()
	assert.Equal(t, map[string]int{"b": 2}, kv)

	c.Clear()
	assert.Equal(t, 0, c.Count())
}

func TestChangeAwareCacheCaptureChangesPreservesInsertionOrder(t *testing.T) {
	c := cache.NewChangeAwareCache[string, int]()
	c.AddOrUpdate("z", 1)
	c.AddOrUpdate("a", 2)
	c.AddOrUpdate("m", 3)

	cs := c.CaptureChanges()
	require.Len(t, cs, 3)
	assert.Equal(t, []string{"z", "a", "m"}, cs.Keys())
}
