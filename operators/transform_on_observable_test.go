package operators_test

import (
	"testing"

	"github.com/nodestream/reactivekeys/operators"
	"github.com/nodestream/reactivekeys/source"

	rk "github.com/nodestream/reactivekeys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransformOnObservablePublishesSubEmissions(t *testing.T) {
	src := source.New[string, int](nil)
	subs := make(map[string]*rk.Subject[string])

	factory := func(current int, key string) rk.Observable[string] {
		s := rk.NewSubject[string]()
		subs[key] = s
		return s
	}

	rec := &recorder[string, string]{}
	operators.TransformOnObservable[string, int, string](src.Connect(nil, true), factory, 0).Subscribe(rec.observer())

	src.Edit(func(u *source.Updater[string, int]) { u.AddOrUpdate("a", 1) })
	subs["a"].OnNext("first")

	flat := rec.flat()
	require.Len(t, flat, 1)
	assert.Equal(t, rk.Add, flat[0].Reason)
	assert.Equal(t, "first", flat[0].Current)

	subs["a"].OnNext("second")
	flat = rec.flat()
	require.Len(t, flat, 2)
	assert.Equal(t, rk.Update, flat[1].Reason)
	assert.Equal(t, "second", flat[1].Current)
}

func TestTransformOnObservableRemoveRetractsPublishedValue(t *testing.T) {
	src := source.New[string, int](nil)
	subs := make(map[string]*rk.Subject[string])

	factory := func(current int, key string) rk.Observable[string] {
		s := rk.NewSubject[string]()
		subs[key] = s
		return s
	}

	rec := &recorder[string, string]{}
	operators.TransformOnObservable[string, int, string](src.Connect(nil, true), factory, 0).Subscribe(rec.observer())

	src.Edit(func(u *source.Updater[string, int]) { u.AddOrUpdate("a", 1) })
	subs["a"].OnNext("value")

	src.Edit(func(u *source.Updater[string, int]) { u.Remove("a") })

	flat := rec.flat()
	require.Len(t, flat, 2)
	assert.Equal(t, rk.Remove, flat[1].Reason)
	assert.Equal(t, "value", flat[1].Current)
}

func TestTransformOnObservableRemoveBeforeAnyEmissionPublishesNothing(t *testing.T) {
	src := source.New[string, int](nil)
	subs := make(map[string]*rk.Subject[string])

	factory := func(current int, key string) rk.Observable[string] {
		s := rk.NewSubject[string]()
		subs[key] = s
		return s
	}

	rec := &recorder[string, string]{}
	operators.TransformOnObservable[string, int, string](src.Connect(nil, true), factory, 0).Subscribe(rec.observer())

	src.Edit(func(u *source.Updater[string, int]) { u.AddOrUpdate("a", 1) })
	src.Edit(func(u *source.Updater[string, int]) { u.Remove("a") })

	assert.Empty(t, rec.flat(), "a key removed before its sub-observable ever emitted must not publish a retraction")
}
