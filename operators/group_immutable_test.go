package operators_test

import (
	"testing"

	"github.com/nodestream/reactivekeys/operators"
	"github.com/nodestream/reactivekeys/source"

	rk "github.com/nodestream/reactivekeys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type widget struct {
	bucket string
	n      int
}

func TestGroupOnImmutableFirstMemberProducesAddWithFrozenSnapshot(t *testing.T) {
	src := source.New[string, widget](nil)
	selector := func(w widget) string { return w.bucket }

	rec := &recorder[string, *operators.ImmutableGroup[string, widget]]{}
	operators.GroupOnImmutable[string, widget, string](src.Connect(nil, true), selector).Subscribe(rec.observer())

	src.Edit(func(u *source.Updater[string, widget]) {
		u.AddOrUpdate("a", widget{bucket: "even", n: 2})
	})

	flat := rec.flat()
	require.Len(t, flat, 1)
	assert.Equal(t, rk.Add, flat[0].Reason)
	grp := flat[0].Current
	require.NotNil(t, grp)
	assert.Equal(t, "even", grp.Key)
	assert.Equal(t, widget{bucket: "even", n: 2}, grp.Members["a"])
}

func TestGroupOnImmutableMembershipChangeProducesUpdateWithFreshSnapshot(t *testing.T) {
	src := source.New[string, widget](nil)
	selector := func(w widget) string { return w.bucket }

	rec := &recorder[string, *operators.ImmutableGroup[string, widget]]{}
	operators.GroupOnImmutable[string, widget, string](src.Connect(nil, true), selector).Subscribe(rec.observer())

	src.Edit(func(u *source.Updater[string, widget]) {
		u.AddOrUpdate("a", widget{bucket: "even", n: 2})
	})
	first := rec.flat()[0].Current

	src.Edit(func(u *source.Updater[string, widget]) {
		u.AddOrUpdate("b", widget{bucket: "even", n: 4})
	})

	flat := rec.flat()
	require.Len(t, flat, 2)
	assert.Equal(t, rk.Update, flat[1].Reason)
	second := flat[1].Current
	assert.NotSame(t, first, second, "each published snapshot must be a fresh object, not a mutation of the previous one")
	assert.Len(t, second.Members, 2)
	assert.Len(t, first.Members, 1, "the earlier snapshot must remain untouched by the later membership change")
}

func TestGroupOnImmutableLastMemberLeavingProducesRemove(t *testing.T) {
	src := source.New[string, widget](nil)
	selector := func(w widget) string { return w.bucket }

	rec := &recorder[string, *operators.ImmutableGroup[string, widget]]{}
	operators.GroupOnImmutable[string, widget, string](src.Connect(nil, true), selector).Subscribe(rec.observer())

	src.Edit(func(u *source.Updater[string, widget]) {
		u.AddOrUpdate("a", widget{bucket: "even", n: 2})
	})
	src.Edit(func(u *source.Updater[string, widget]) {
		u.Remove("a")
	})

	flat := rec.flat()
	require.Len(t, flat, 2)
	assert.Equal(t, rk.Remove, flat[1].Reason)
}
