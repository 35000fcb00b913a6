package operators_test

import (
	"testing"

	"github.com/nodestream/reactivekeys/operators"
	"github.com/nodestream/reactivekeys/source"

	rk "github.com/nodestream/reactivekeys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intLess(a, b int) bool { return a < b }

func TestSortAssignsAscendingIndexesOnInsert(t *testing.T) {
	src := source.New[string, int](nil)
	var batches []operators.IndexedChangeSet[string, int]
	operators.Sort(src.Connect(nil, true), intLess, nil, 0).Subscribe(rk.ObserverFunc[operators.IndexedChangeSet[string, int]]{
		Next: func(cs operators.IndexedChangeSet[string, int]) { batches = append(batches, cs) },
	})

	src.Edit(func(u *source.Updater[string, int]) {
		u.AddOrUpdate("b", 2)
		u.AddOrUpdate("a", 1)
		u.AddOrUpdate("c", 3)
	})

	require.Len(t, batches, 1)
	// Each index is the position at the moment that insert was applied:
	// b goes into the empty projection at 0, a then goes in ahead of it at
	// 0, and c lands at 2. Replaying the inserts gives a, b, c.
	indexByKey := map[string]int{}
	for _, c := range batches[0] {
		indexByKey[c.Key] = c.Index
	}
	assert.Equal(t, 0, indexByKey["a"])
	assert.Equal(t, 0, indexByKey["b"])
	assert.Equal(t, 2, indexByKey["c"])
}

func TestSortReordersOnComparatorChange(t *testing.T) {
	src := source.New[string, int](nil)
	src.Edit(func(u *source.Updater[string, int]) {
		u.AddOrUpdate("a", 1)
		u.AddOrUpdate("b", 2)
	})

	cmpChanges := rk.NewSubject[operators.LessFunc[int]]()
	var batches []operators.IndexedChangeSet[string, int]
	operators.Sort(src.Connect(nil, true), intLess, cmpChanges, 0).Subscribe(rk.ObserverFunc[operators.IndexedChangeSet[string, int]]{
		Next: func(cs operators.IndexedChangeSet[string, int]) { batches = append(batches, cs) },
	})

	descending := func(a, b int) bool { return a > b }
	cmpChanges.OnNext(descending)

	require.NotEmpty(t, batches)
	last := batches[len(batches)-1]
	indexByKey := map[string]int{}
	for _, c := range last {
		indexByKey[c.Key] = c.Index
	}
	assert.Equal(t, 0, indexByKey["b"])
	assert.Equal(t, 1, indexByKey["a"])
}

func TestSortResetAboveThresholdRebuildsFromScratch(t *testing.T) {
	src := source.New[string, int](nil)
	var batches []operators.IndexedChangeSet[string, int]
	operators.Sort(src.Connect(nil, true), intLess, nil, 2).Subscribe(rk.ObserverFunc[operators.IndexedChangeSet[string, int]]{
		Next: func(cs operators.IndexedChangeSet[string, int]) { batches = append(batches, cs) },
	})

	src.Edit(func(u *source.Updater[string, int]) {
		u.AddOrUpdate("a", 3)
		u.AddOrUpdate("b", 1)
		u.AddOrUpdate("c", 2)
	})

	require.Len(t, batches, 1)
	indexByKey := map[string]int{}
	for _, c := range batches[0] {
		indexByKey[c.Key] = c.Index
	}
	assert.Equal(t, 0, indexByKey["b"])
	assert.Equal(t, 1, indexByKey["c"])
	assert.Equal(t, 2, indexByKey["a"])
}
