package operators_test

import (
	"testing"

	"github.com/nodestream/reactivekeys/operators"
	"github.com/nodestream/reactivekeys/source"

	rk "github.com/nodestream/reactivekeys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fullJoinSelector(key string, left rk.Optional[person], right rk.Optional[pet]) string {
	l, hasL := left.Get()
	r, hasR := right.Get()
	switch {
	case hasL && hasR:
		return l.name + "+" + r.name
	case hasL:
		return l.name + "+none"
	case hasR:
		return "none+" + r.name
	default:
		return "empty"
	}
}

func TestFullJoinSurfacesUnmatchedRightAsVirtualLeftKey(t *testing.T) {
	people := source.New[string, person](nil)
	pets := source.New[string, pet](nil)
	fk := func(p pet) string { return p.owner }

	rec := &recorder[string, string]{}
	operators.FullJoin(people.Connect(nil, true), pets.Connect(nil, true), fk, fullJoinSelector).Subscribe(rec.observer())

	pets.Edit(func(u *source.Updater[string, pet]) { u.AddOrUpdate("rex", pet{name: "rex", owner: "alice"}) })

	flat := rec.flat()
	require.Len(t, flat, 1)
	assert.Equal(t, "alice", flat[0].Key, "an unmatched right entry surfaces keyed by its foreign key")
	assert.Equal(t, "none+rex", flat[0].Current)
}

func TestFullJoinUpdatesWhenLeftArrivesForExistingRight(t *testing.T) {
	people := source.New[string, person](nil)
	pets := source.New[string, pet](nil)
	fk := func(p pet) string { return p.owner }

	rec := &recorder[string, string]{}
	operators.FullJoin(people.Connect(nil, true), pets.Connect(nil, true), fk, fullJoinSelector).Subscribe(rec.observer())

	pets.Edit(func(u *source.Updater[string, pet]) { u.AddOrUpdate("rex", pet{name: "rex", owner: "alice"}) })
	people.Edit(func(u *source.Updater[string, person]) { u.AddOrUpdate("alice", person{name: "alice"}) })

	flat := rec.flat()
	require.Len(t, flat, 2)
	assert.Equal(t, rk.Update, flat[1].Reason)
	assert.Equal(t, "alice+rex", flat[1].Current)
}

func TestFullJoinRetractsOnlyWhenBothSidesAbsent(t *testing.T) {
	people := source.New[string, person](nil)
	pets := source.New[string, pet](nil)
	fk := func(p pet) string { return p.owner }

	people.Edit(func(u *source.Updater[string, person]) { u.AddOrUpdate("alice", person{name: "alice"}) })

	rec := &recorder[string, string]{}
	operators.FullJoin(people.Connect(nil, true), pets.Connect(nil, true), fk, fullJoinSelector).Subscribe(rec.observer())

	pets.Edit(func(u *source.Updater[string, pet]) { u.AddOrUpdate("rex", pet{name: "rex", owner: "alice"}) })
	pets.Edit(func(u *source.Updater[string, pet]) { u.Remove("rex") })

	flat := rec.flat()
	for _, c := range flat {
		assert.NotEqual(t, rk.Remove, c.Reason, "alice is still present on the left, so the key must survive rex's removal")
	}

	people.Edit(func(u *source.Updater[string, person]) { u.Remove("alice") })
	flat = rec.flat()
	require.NotEmpty(t, flat)
	assert.Equal(t, rk.Remove, flat[len(flat)-1].Reason)
}
