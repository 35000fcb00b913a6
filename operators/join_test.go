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

type person struct {
	name string
}

type pet struct {
	name  string
	owner string
}

func TestLeftJoinPairsAndReparentsOnForeignKeyChange(t *testing.T) {
	people := source.New[string, person](nil)
	pets := source.New[string, pet](nil)

	people.Edit(func(u *source.Updater[string, person]) {
		u.AddOrUpdate("alice", person{name: "alice"})
		u.AddOrUpdate("bob", person{name: "bob"})
	})
	pets.Edit(func(u *source.Updater[string, pet]) {
		u.AddOrUpdate("rex", pet{name: "rex", owner: "alice"})
	})

	selector := func(key string, left person, right rk.Optional[pet]) string {
		if p, ok := right.Get(); ok {
			return fmt.Sprintf("%s has %s", left.name, p.name)
		}
		return fmt.Sprintf("%s has no pet", left.name)
	}
	fk := func(p pet) string { return p.owner }

	rec := &recorder[string, string]{}
	operators.LeftJoin(people.Connect(nil, true), pets.Connect(nil, true), fk, selector).Subscribe(rec.observer())

	pets.Edit(func(u *source.Updater[string, pet]) {
		u.AddOrUpdate("rex", pet{name: "rex", owner: "bob"})
	})

	flat := rec.flat()
	byKey := map[string]string{}
	for _, c := range flat {
		byKey[c.Key] = c.Current
	}
	assert.Equal(t, "bob has rex", byKey["bob"])
	assert.Equal(t, "alice has no pet", byKey["alice"])
}

func TestInnerJoinManyToOneGrouping(t *testing.T) {
	people := source.New[string, person](nil)
	pets := source.New[string, pet](nil)

	people.Edit(func(u *source.Updater[string, person]) {
		u.AddOrUpdate("alice", person{name: "alice"})
	})
	pets.Edit(func(u *source.Updater[string, pet]) {
		u.AddOrUpdate("rex", pet{name: "rex", owner: "alice"})
		u.AddOrUpdate("fido", pet{name: "fido", owner: "alice"})
	})

	selector := func(leftKey, rightKey string, left person, right pet) string {
		return left.name + "/" + right.name
	}
	fk := func(p pet) string { return p.owner }

	rec := &recorder[operators.PairKey[string, string], string]{}
	operators.InnerJoin(people.Connect(nil, true), pets.Connect(nil, true), fk, selector).Subscribe(rec.observer())

	flat := rec.flat()
	require.Len(t, flat, 2)

	pets.Edit(func(u *source.Updater[string, pet]) {
		u.Remove("rex")
	})
	flat = rec.flat()

	var removed int
	for _, c := range flat {
		if c.Reason == rk.Remove && c.Key.Right == "rex" {
			removed++
		}
	}
	assert.Equal(t, 1, removed)
}
