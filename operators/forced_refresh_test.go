package operators_test

import (
	"testing"

	"github.com/nodestream/reactivekeys/operators"
	"github.com/nodestream/reactivekeys/source"

	rk "github.com/nodestream/reactivekeys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForceRefreshEmitsRefreshForMatchingCachedKeys(t *testing.T) {
	src := source.New[string, int](nil)
	trigger := rk.NewSubject[operators.ForcePredicate[string, int]]()

	rec := &recorder[string, int]{}
	operators.ForceRefresh(src.Connect(nil, true), trigger).Subscribe(rec.observer())

	src.Edit(func(u *source.Updater[string, int]) {
		u.AddOrUpdate("a", 1)
		u.AddOrUpdate("b", 2)
	})

	stale := func(v int, k string) bool { return k == "a" }
	trigger.OnNext(stale)

	flat := rec.flat()
	var refreshes []string
	for _, c := range flat {
		if c.Reason == rk.Refresh {
			refreshes = append(refreshes, c.Key)
		}
	}
	require.Len(t, refreshes, 1)
	assert.Equal(t, "a", refreshes[0])
}

func TestForceRefreshPassesThroughUpstreamUnchanged(t *testing.T) {
	src := source.New[string, int](nil)
	trigger := rk.NewSubject[operators.ForcePredicate[string, int]]()

	rec := &recorder[string, int]{}
	operators.ForceRefresh(src.Connect(nil, true), trigger).Subscribe(rec.observer())

	src.Edit(func(u *source.Updater[string, int]) { u.AddOrUpdate("a", 1) })

	flat := rec.flat()
	require.Len(t, flat, 1)
	assert.Equal(t, rk.Add, flat[0].Reason)
}

func TestForceRefreshIgnoresRemovedKeys(t *testing.T) {
	src := source.New[string, int](nil)
	trigger := rk.NewSubject[operators.ForcePredicate[string, int]]()

	rec := &recorder[string, int]{}
	operators.ForceRefresh(src.Connect(nil, true), trigger).Subscribe(rec.observer())

	src.Edit(func(u *source.Updater[string, int]) { u.AddOrUpdate("a", 1) })
	src.Edit(func(u *source.Updater[string, int]) { u.Remove("a") })

	all := func(v int, k string) bool { return true }
	trigger.OnNext(all)

	flat := rec.flat()
	for _, c := range flat {
		assert.NotEqual(t, rk.Refresh, c.Reason, "a removed key must never be force-refreshed")
	}
}
