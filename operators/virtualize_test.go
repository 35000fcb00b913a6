package operators_test

import (
	"testing"

	"github.com/nodestream/reactivekeys/operators"
	"github.com/nodestream/reactivekeys/source"

	rk "github.com/nodestream/reactivekeys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSortAndVirtualizeEmitsOnlyWindowMembers(t *testing.T) {
	src := source.New[string, int](nil)
	requests := rk.NewSubject[operators.VirtualRequest]()

	var batches []operators.VirtualChangeSet[string, int]
	operators.SortAndVirtualize[string, int](src.Connect(nil, true), intLess, requests).Subscribe(rk.ObserverFunc[operators.VirtualChangeSet[string, int]]{
		Next: func(vcs operators.VirtualChangeSet[string, int]) { batches = append(batches, vcs) },
	})

	requests.OnNext(operators.VirtualRequest{Start: 0, Size: 2})

	src.Edit(func(u *source.Updater[string, int]) {
		u.AddOrUpdate("a", 1)
		u.AddOrUpdate("b", 2)
		u.AddOrUpdate("c", 3)
	})

	require.NotEmpty(t, batches)
	last := batches[len(batches)-1]
	assert.Equal(t, 3, last.Context.TotalSize)
	var added []string
	for _, c := range last.Changes {
		if c.Reason == rk.Add {
			added = append(added, c.Key)
		}
	}
	assert.ElementsMatch(t, []string{"a", "b"}, added, "c sorts outside the requested window and must not be emitted")
}

func TestSortAndVirtualizeMovingWindowRetractsAndAdds(t *testing.T) {
	src := source.New[string, int](nil)
	requests := rk.NewSubject[operators.VirtualRequest]()

	src.Edit(func(u *source.Updater[string, int]) {
		u.AddOrUpdate("a", 1)
		u.AddOrUpdate("b", 2)
		u.AddOrUpdate("c", 3)
	})

	var batches []operators.VirtualChangeSet[string, int]
	operators.SortAndVirtualize[string, int](src.Connect(nil, true), intLess, requests).Subscribe(rk.ObserverFunc[operators.VirtualChangeSet[string, int]]{
		Next: func(vcs operators.VirtualChangeSet[string, int]) { batches = append(batches, vcs) },
	})

	requests.OnNext(operators.VirtualRequest{Start: 0, Size: 2})
	requests.OnNext(operators.VirtualRequest{Start: 1, Size: 2})

	require.NotEmpty(t, batches)
	last := batches[len(batches)-1]
	var added, removed []string
	for _, c := range last.Changes {
		switch c.Reason {
		case rk.Add:
			added = append(added, c.Key)
		case rk.Remove:
			removed = append(removed, c.Key)
		}
	}
	assert.ElementsMatch(t, []string{"c"}, added, "shifting the window forward by one brings c into view")
	assert.ElementsMatch(t, []string{"a"}, removed, "a falls out of the moved window")
}

func TestSortAndVirtualizeIgnoresInvalidRequest(t *testing.T) {
	src := source.New[string, int](nil)
	requests := rk.NewSubject[operators.VirtualRequest]()

	src.Edit(func(u *source.Updater[string, int]) { u.AddOrUpdate("a", 1) })
	requests.OnNext(operators.VirtualRequest{Start: 0, Size: 1})

	var batches []operators.VirtualChangeSet[string, int]
	operators.SortAndVirtualize[string, int](src.Connect(nil, true), intLess, requests).Subscribe(rk.ObserverFunc[operators.VirtualChangeSet[string, int]]{
		Next: func(vcs operators.VirtualChangeSet[string, int]) { batches = append(batches, vcs) },
	})

	before := len(batches)
	requests.OnNext(operators.VirtualRequest{Start: -1, Size: 5})
	requests.OnNext(operators.VirtualRequest{Start: 0, Size: 0})

	assert.Equal(t, before, len(batches), "an invalid request must leave the window untouched")
}
