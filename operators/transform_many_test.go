package operators_test

import (
	"testing"

	"github.com/nodestream/reactivekeys/errs"
	"github.com/nodestream/reactivekeys/operators"
	"github.com/nodestream/reactivekeys/source"

	rk "github.com/nodestream/reactivekeys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tag struct {
	name string
}

func tagsOf(v []string, _ string) []tag {
	out := make([]tag, 0, len(v))
	for _, n := range v {
		out = append(out, tag{name: n})
	}
	return out
}

func tagKey(t tag) (string, error) { return t.name, nil }

func TestTransformManyExpandsAndSharesDestinationAcrossOwners(t *testing.T) {
	src := source.New[string, []string](nil)
	rec := &recorder[string, tag]{}
	operators.TransformMany[string, []string, string, tag](src.Connect(nil, true), tagsOf, tagKey, nil).Subscribe(rec.observer())

	src.Edit(func(u *source.Updater[string, []string]) {
		u.AddOrUpdate("post1", []string{"go", "reactive"})
	})
	src.Edit(func(u *source.Updater[string, []string]) {
		u.AddOrUpdate("post2", []string{"go"})
	})

	flat := rec.flat()
	var goReasons []rk.ChangeReason
	for _, c := range flat {
		if c.Key == "go" {
			goReasons = append(goReasons, c.Reason)
		}
	}
	require.Len(t, goReasons, 2)
	assert.Equal(t, rk.Add, goReasons[0])
	assert.Equal(t, rk.Update, goReasons[1], "a destination produced by a second owner updates rather than re-adding")
}

func TestTransformManyRetractsDestinationOnlyWhenLastOwnerRemoved(t *testing.T) {
	src := source.New[string, []string](nil)
	rec := &recorder[string, tag]{}
	operators.TransformMany[string, []string, string, tag](src.Connect(nil, true), tagsOf, tagKey, nil).Subscribe(rec.observer())

	src.Edit(func(u *source.Updater[string, []string]) {
		u.AddOrUpdate("post1", []string{"go"})
		u.AddOrUpdate("post2", []string{"go"})
	})
	src.Edit(func(u *source.Updater[string, []string]) { u.Remove("post1") })

	flat := rec.flat()
	for _, c := range flat {
		if c.Key == "go" {
			assert.NotEqual(t, rk.Remove, c.Reason, "go must survive as long as post2 still owns it")
		}
	}

	src.Edit(func(u *source.Updater[string, []string]) { u.Remove("post2") })
	flat = rec.flat()
	var removed bool
	for _, c := range flat {
		if c.Key == "go" && c.Reason == rk.Remove {
			removed = true
		}
	}
	assert.True(t, removed, "go must be retracted once its last owner is removed")
}

func TestTransformManyKeyCollisionRoutesThroughErrorHandler(t *testing.T) {
	src := source.New[string, []string](nil)
	failing := func(v []string, key string) []tag { return []tag{{name: "bad"}} }
	badKey := func(t tag) (string, error) { return "", assert.AnError }

	var handled []*errs.Error[string, []string]
	handler := func(e *errs.Error[string, []string]) { handled = append(handled, e) }

	rec := &recorder[string, tag]{}
	operators.TransformMany[string, []string, string, tag](src.Connect(nil, true), failing, badKey, handler).Subscribe(rec.observer())

	src.Edit(func(u *source.Updater[string, []string]) { u.AddOrUpdate("post1", []string{"x"}) })

	require.Len(t, handled, 1)
	assert.Empty(t, rec.flat())
}
