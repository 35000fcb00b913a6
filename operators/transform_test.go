package operators_test

import (
	"errors"
	"testing"

	"github.com/nodestream/reactivekeys/errs"
	"github.com/nodestream/reactivekeys/operators"
	"github.com/nodestream/reactivekeys/source"

	rk "github.com/nodestream/reactivekeys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func double(v int, _ rk.Optional[int], _ string) (int, error) { return v * 2, nil }

func TestTransformMapsAddAndUpdate(t *testing.T) {
	src := source.New[string, int](nil)
	rec := &recorder[string, int]{}
	operators.Transform(src.Connect(nil, true), double, nil).Subscribe(rec.observer())

	src.Edit(func(u *source.Updater[string, int]) { u.AddOrUpdate("a", 3) })
	src.Edit(func(u *source.Updater[string, int]) { u.AddOrUpdate("a", 5) })

	flat := rec.flat()
	require.Len(t, flat, 2)
	assert.Equal(t, 6, flat[0].Current)
	assert.Equal(t, rk.Update, flat[1].Reason)
	assert.Equal(t, 10, flat[1].Current)
	prev, ok := flat[1].Previous.Get()
	require.True(t, ok)
	assert.Equal(t, 6, prev)
}

func TestTransformRemoveEmitsLastTransformedValue(t *testing.T) {
	src := source.New[string, int](nil)
	src.Edit(func(u *source.Updater[string, int]) { u.AddOrUpdate("a", 3) })

	rec := &recorder[string, int]{}
	operators.Transform(src.Connect(nil, true), double, nil).Subscribe(rec.observer())

	src.Edit(func(u *source.Updater[string, int]) { u.Remove("a") })

	// flat[0] is the Add of the seeded entry from Connect's initial snapshot.
	flat := rec.flat()
	require.Len(t, flat, 2)
	assert.Equal(t, rk.Remove, flat[1].Reason)
	assert.Equal(t, 6, flat[1].Current)
}

func TestTransformComposition(t *testing.T) {
	src := source.New[string, int](nil)
	f := func(v int, _ rk.Optional[int], _ string) (int, error) { return v + 1, nil }
	g := func(v int, _ rk.Optional[int], _ string) (int, error) { return v * 10, nil }
	composed := func(v int, _ rk.Optional[int], k string) (int, error) {
		v1, _ := f(v, rk.None[int](), k)
		return g(v1, rk.None[int](), k)
	}

	viaComposed := &recorder[string, int]{}
	viaChain := &recorder[string, int]{}

	operators.Transform(src.Connect(nil, true), composed, nil).Subscribe(viaComposed.observer())
	chained := operators.Transform(operators.Transform(src.Connect(nil, true), f, nil), g, nil)
	chained.Subscribe(viaChain.observer())

	src.Edit(func(u *source.Updater[string, int]) { u.AddOrUpdate("a", 1) })

	assert.Equal(t, viaComposed.flat()[0].Current, viaChain.flat()[0].Current)
}

func TestTransformErrorHandlerDropsFailingChange(t *testing.T) {
	src := source.New[string, int](nil)
	boom := errors.New("boom")
	failing := func(v int, _ rk.Optional[int], _ string) (int, error) {
		if v < 0 {
			return 0, boom
		}
		return v, nil
	}

	var handled *errs.Error[string, int]
	rec := &recorder[string, int]{}
	operators.Transform(src.Connect(nil, true), failing, func(e *errs.Error[string, int]) {
		handled = e
	}).Subscribe(rec.observer())

	src.Edit(func(u *source.Updater[string, int]) {
		u.AddOrUpdate("a", -1)
		u.AddOrUpdate("b", 2)
	})

	require.NotNil(t, handled)
	assert.ErrorIs(t, handled, boom)
	flat := rec.flat()
	require.Len(t, flat, 1)
	assert.Equal(t, "b", flat[0].Key)
}

func TestTransformErrorWithoutHandlerTearsDownStream(t *testing.T) {
	src := source.New[string, int](nil)
	boom := errors.New("boom")
	failing := func(v int, _ rk.Optional[int], _ string) (int, error) { return 0, boom }

	rec := &recorder[string, int]{}
	operators.Transform(src.Connect(nil, true), failing, nil).Subscribe(rec.observer())

	src.Edit(func(u *source.Updater[string, int]) { u.AddOrUpdate("a", 1) })

	require.Len(t, rec.errs, 1)
	assert.ErrorIs(t, rec.errs[0], boom)
}
