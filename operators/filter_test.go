package operators_test

import (
	"testing"

	"github.com/nodestream/reactivekeys/operators"
	"github.com/nodestream/reactivekeys/source"

	rk "github.com/nodestream/reactivekeys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterEmitsAddOnlyForMatching(t *testing.T) {
	src := source.New[string, int](nil)
	rec := &recorder[string, int]{}
	operators.Filter(src.Connect(nil, true), func(v int) bool { return v >= 10 }).Subscribe(rec.observer())

	src.Edit(func(u *source.Updater[string, int]) {
		u.AddOrUpdate("a", 5)
		u.AddOrUpdate("b", 15)
	})

	flat := rec.flat()
	require.Len(t, flat, 1)
	assert.Equal(t, "b", flat[0].Key)
	assert.Equal(t, rk.Add, flat[0].Reason)
}

func TestFilterFlipsMembershipOnUpdate(t *testing.T) {
	src := source.New[string, int](nil)
	src.Edit(func(u *source.Updater[string, int]) { u.AddOrUpdate("a", 5) })

	rec := &recorder[string, int]{}
	operators.Filter(src.Connect(nil, true), func(v int) bool { return v >= 10 }).Subscribe(rec.observer())

	src.Edit(func(u *source.Updater[string, int]) { u.AddOrUpdate("a", 20) })
	src.Edit(func(u *source.Updater[string, int]) { u.AddOrUpdate("a", 1) })

	flat := rec.flat()
	require.Len(t, flat, 2)
	assert.Equal(t, rk.Add, flat[0].Reason)
	assert.Equal(t, rk.Remove, flat[1].Reason)
}

func TestFilterIsIdempotent(t *testing.T) {
	src := source.New[string, int](nil)
	pred := func(v int) bool { return v%2 == 0 }

	once := operators.Filter(src.Connect(nil, true), pred)
	twice := operators.Filter(once, pred)

	recOnce := &recorder[string, int]{}
	recTwice := &recorder[string, int]{}
	once.Subscribe(recOnce.observer())
	twice.Subscribe(recTwice.observer())

	src.Edit(func(u *source.Updater[string, int]) {
		u.AddOrUpdate("a", 2)
		u.AddOrUpdate("b", 3)
	})

	assert.Equal(t, recOnce.flat().Keys(), recTwice.flat().Keys())
}

func TestFilterRemoveOfNonMemberIsDropped(t *testing.T) {
	src := source.New[string, int](nil)
	src.Edit(func(u *source.Updater[string, int]) { u.AddOrUpdate("a", 1) })

	rec := &recorder[string, int]{}
	operators.Filter(src.Connect(nil, true), func(v int) bool { return v >= 10 }).Subscribe(rec.observer())

	src.Edit(func(u *source.Updater[string, int]) { u.Remove("a") })

	assert.Empty(t, rec.flat())
}
