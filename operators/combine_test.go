package operators_test

import (
	"testing"

	"github.com/nodestream/reactivekeys/operators"
	"github.com/nodestream/reactivekeys/source"

	rk "github.com/nodestream/reactivekeys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intEquals(a, b int) bool { return a == b }

func TestCombineAndWithThreeSources(t *testing.T) {
	s1 := source.New[string, int](nil)
	s2 := source.New[string, int](nil)
	s3 := source.New[string, int](nil)

	rec := &recorder[string, int]{}
	operators.Combine(operators.CombineAnd, intEquals, s1.Connect(nil, true), s2.Connect(nil, true), s3.Connect(nil, true)).Subscribe(rec.observer())

	s1.Edit(func(u *source.Updater[string, int]) { u.AddOrUpdate("k", 1) })
	s2.Edit(func(u *source.Updater[string, int]) { u.AddOrUpdate("k", 2) })
	assert.Empty(t, rec.flat(), "And must not include a key until every source holds it")

	s3.Edit(func(u *source.Updater[string, int]) { u.AddOrUpdate("k", 3) })
	flat := rec.flat()
	require.Len(t, flat, 1)
	assert.Equal(t, rk.Add, flat[0].Reason)
	assert.Equal(t, 1, flat[0].Current, "representative is the first source (by position) still holding the key")

	s2.Edit(func(u *source.Updater[string, int]) { u.Remove("k") })
	flat = rec.flat()
	require.Len(t, flat, 2)
	assert.Equal(t, rk.Remove, flat[1].Reason)
}

func TestCombineAndOfAStreamWithItselfIsTheStream(t *testing.T) {
	s := source.New[string, int](nil)
	rec := &recorder[string, int]{}
	operators.Combine(operators.CombineAnd, intEquals, s.Connect(nil, true), s.Connect(nil, true)).Subscribe(rec.observer())

	s.Edit(func(u *source.Updater[string, int]) { u.AddOrUpdate("a", 1) })

	flat := rec.flat()
	require.Len(t, flat, 1)
	assert.Equal(t, rk.Add, flat[0].Reason)
	assert.Equal(t, 1, flat[0].Current)
}

func TestCombineXorOfAStreamWithItselfIsEmpty(t *testing.T) {
	s := source.New[string, int](nil)
	rec := &recorder[string, int]{}
	operators.Combine(operators.CombineXor, intEquals, s.Connect(nil, true), s.Connect(nil, true)).Subscribe(rec.observer())

	s.Edit(func(u *source.Updater[string, int]) { u.AddOrUpdate("a", 1) })

	// Each Connect is its own subscription, so the edit reaches the two
	// sources one after the other: "a" is briefly present in exactly one of
	// them. The combined collection must still end up empty.
	state := map[string]int{}
	for _, c := range rec.flat() {
		if c.Reason == rk.Remove {
			delete(state, c.Key)
		} else {
			state[c.Key] = c.Current
		}
	}
	assert.Empty(t, state, "a key present in every source of an Xor combination, even duplicated, is not left in the result")
}

func TestCombineOrIncludesAnyMember(t *testing.T) {
	s1 := source.New[string, int](nil)
	s2 := source.New[string, int](nil)
	rec := &recorder[string, int]{}
	operators.Combine(operators.CombineOr, intEquals, s1.Connect(nil, true), s2.Connect(nil, true)).Subscribe(rec.observer())

	s1.Edit(func(u *source.Updater[string, int]) { u.AddOrUpdate("a", 1) })
	s2.Edit(func(u *source.Updater[string, int]) { u.AddOrUpdate("b", 2) })

	flat := rec.flat()
	require.Len(t, flat, 2)
}

func TestCombineExceptExcludesKeysFoundElsewhere(t *testing.T) {
	s1 := source.New[string, int](nil)
	s2 := source.New[string, int](nil)
	rec := &recorder[string, int]{}
	operators.Combine(operators.CombineExcept, intEquals, s1.Connect(nil, true), s2.Connect(nil, true)).Subscribe(rec.observer())

	s1.Edit(func(u *source.Updater[string, int]) {
		u.AddOrUpdate("a", 1)
		u.AddOrUpdate("b", 2)
	})
	flat := rec.flat()
	var added []string
	for _, c := range flat {
		if c.Reason == rk.Add {
			added = append(added, c.Key)
		}
	}
	assert.ElementsMatch(t, []string{"a", "b"}, added, "before s2 holds anything, both s1 keys qualify for Except")

	s2.Edit(func(u *source.Updater[string, int]) { u.AddOrUpdate("b", 99) })

	flat = rec.flat()
	var removedB bool
	for _, c := range flat {
		if c.Reason == rk.Remove && c.Key == "b" {
			removedB = true
		}
	}
	assert.True(t, removedB, "b now also appears in s2, so Except must retract it")
}
