package operators_test

import (
	"testing"

	"github.com/nodestream/reactivekeys/operators"
	"github.com/nodestream/reactivekeys/source"

	rk "github.com/nodestream/reactivekeys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterDynamicReEvaluatesOnStateChange(t *testing.T) {
	src := source.New[string, int](nil)
	state := rk.NewSubject[int]()
	toPredicate := func(threshold int) operators.Predicate[int] {
		return func(v int) bool { return v >= threshold }
	}

	rec := &recorder[string, int]{}
	operators.FilterDynamic[string, int, int](src.Connect(nil, true), state, toPredicate, false).Subscribe(rec.observer())

	src.Edit(func(u *source.Updater[string, int]) {
		u.AddOrUpdate("a", 5)
		u.AddOrUpdate("b", 15)
	})
	assert.Empty(t, rec.flat(), "nothing passes before any predicate state has arrived")

	state.OnNext(10)
	flat := rec.flat()
	require.Len(t, flat, 1)
	assert.Equal(t, "b", flat[0].Key)

	state.OnNext(0)
	flat = rec.flat()
	require.Len(t, flat, 2)
	assert.Equal(t, rk.Add, flat[1].Reason)
	assert.Equal(t, "a", flat[1].Key)
}

func TestFilterDynamicUpstreamRemoveOfMemberEmitsRemove(t *testing.T) {
	src := source.New[string, int](nil)
	state := rk.NewSubject[int]()
	toPredicate := func(threshold int) operators.Predicate[int] {
		return func(v int) bool { return v >= threshold }
	}

	rec := &recorder[string, int]{}
	operators.FilterDynamic[string, int, int](src.Connect(nil, true), state, toPredicate, false).Subscribe(rec.observer())

	src.Edit(func(u *source.Updater[string, int]) { u.AddOrUpdate("a", 5) })
	state.OnNext(0)
	src.Edit(func(u *source.Updater[string, int]) { u.Remove("a") })

	flat := rec.flat()
	require.Len(t, flat, 2)
	assert.Equal(t, rk.Remove, flat[1].Reason)
}

func TestFilterDynamicSuppressEmptyCompletesWithoutState(t *testing.T) {
	src := source.New[string, int](nil)
	state := rk.NewSubject[int]()
	toPredicate := func(threshold int) operators.Predicate[int] { return func(v int) bool { return true } }

	var completed bool
	operators.FilterDynamic[string, int, int](src.Connect(nil, true), state, toPredicate, true).Subscribe(rk.ObserverFunc[rk.ChangeSet[string, int]]{
		Completed: func() { completed = true },
	})

	state.OnCompleted()
	assert.True(t, completed, "with suppressEmpty, the downstream completes once predicateState completes having never emitted")
}
