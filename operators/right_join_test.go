package operators_test

import (
	"fmt"
	"testing"

	"github.com/nodestream/reactivekeys/operators"
	"github.com/nodestream/reactivekeys/source"

	rk "github.com/nodestream/reactivekeys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRightJoinPairsRightEntryWithLeftOwner(t *testing.T) {
	pets := source.New[string, pet](nil)
	people := source.New[string, person](nil)

	people.Edit(func(u *source.Updater[string, person]) { u.AddOrUpdate("alice", person{name: "alice"}) })

	selector := func(key string, right pet, left rk.Optional[person]) string {
		if p, ok := left.Get(); ok {
			return fmt.Sprintf("%s owned by %s", right.name, p.name)
		}
		return fmt.Sprintf("%s is unowned", right.name)
	}
	fk := func(p pet) string { return p.owner }

	rec := &recorder[string, string]{}
	operators.RightJoin(pets.Connect(nil, true), people.Connect(nil, true), fk, selector).Subscribe(rec.observer())

	pets.Edit(func(u *source.Updater[string, pet]) { u.AddOrUpdate("rex", pet{name: "rex", owner: "alice"}) })

	flat := rec.flat()
	require.Len(t, flat, 1)
	assert.Equal(t, rk.Add, flat[0].Reason)
	assert.Equal(t, "rex owned by alice", flat[0].Current)
}

func TestRightJoinLeftChangeRepublishesDependentRightEntries(t *testing.T) {
	pets := source.New[string, pet](nil)
	people := source.New[string, person](nil)

	selector := func(key string, right pet, left rk.Optional[person]) string {
		if p, ok := left.Get(); ok {
			return p.name
		}
		return "none"
	}
	fk := func(p pet) string { return p.owner }

	rec := &recorder[string, string]{}
	operators.RightJoin(pets.Connect(nil, true), people.Connect(nil, true), fk, selector).Subscribe(rec.observer())

	pets.Edit(func(u *source.Updater[string, pet]) { u.AddOrUpdate("rex", pet{name: "rex", owner: "alice"}) })
	flat := rec.flat()
	require.Len(t, flat, 1)
	assert.Equal(t, "none", flat[0].Current)

	people.Edit(func(u *source.Updater[string, person]) { u.AddOrUpdate("alice", person{name: "alice"}) })

	flat = rec.flat()
	require.Len(t, flat, 2)
	assert.Equal(t, rk.Update, flat[1].Reason)
	assert.Equal(t, "alice", flat[1].Current)
}

func TestRightJoinRemoveRightRetractsResult(t *testing.T) {
	pets := source.New[string, pet](nil)
	people := source.New[string, person](nil)

	selector := func(key string, right pet, left rk.Optional[person]) string { return right.name }
	fk := func(p pet) string { return p.owner }

	rec := &recorder[string, string]{}
	operators.RightJoin(pets.Connect(nil, true), people.Connect(nil, true), fk, selector).Subscribe(rec.observer())

	pets.Edit(func(u *source.Updater[string, pet]) { u.AddOrUpdate("rex", pet{name: "rex", owner: "alice"}) })
	pets.Edit(func(u *source.Updater[string, pet]) { u.Remove("rex") })

	flat := rec.flat()
	require.Len(t, flat, 2)
	assert.Equal(t, rk.Remove, flat[1].Reason)
}
