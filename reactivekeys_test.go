package reactivekeys_test

import (
	"errors"
	"testing"

	rk "github.com/nodestream/reactivekeys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChangeConstructors(t *testing.T) {
	add := rk.NewAdd("a", 1)
	assert.Equal(t, rk.Add, add.Reason)
	assert.False(t, add.Previous.Valid())

	upd := rk.NewUpdate("a", 2, 1)
	assert.Equal(t, rk.Update, upd.Reason)
	prev, ok := upd.Previous.Get()
	require.True(t, ok)
	assert.Equal(t, 1, prev)

	rem := rk.NewRemove("a", 2)
	assert.Equal(t, rk.Remove, rem.Reason)
	assert.Equal(t, 2, rem.Current)

	ref := rk.NewRefresh("a", 2)
	assert.Equal(t, rk.Refresh, ref.Reason)
	assert.False(t, ref.Previous.Valid())
}

func TestChangeSetEmptyAndKeys(t *testing.T) {
	var cs rk.ChangeSet[string, int]
	assert.True(t, cs.Empty())

	cs = rk.ChangeSet[string, int]{rk.NewAdd("a", 1), rk.NewAdd("b", 2)}
	assert.False(t, cs.Empty())
	assert.Equal(t, []string{"a", "b"}, cs.Keys())
}

func TestSubjectBroadcastsToEverySubscriber(t *testing.T) {
	subject := rk.NewSubject[int]()
	var gotA, gotB []int
	subject.Subscribe(rk.ObserverFunc[int]{Next: func(v int) { gotA = append(gotA, v) }})
	subject.Subscribe(rk.ObserverFunc[int]{Next: func(v int) { gotB = append(gotB, v) }})

	subject.OnNext(1)
	subject.OnNext(2)

	assert.Equal(t, []int{1, 2}, gotA)
	assert.Equal(t, []int{1, 2}, gotB)
}

func TestSubjectStopsDeliveringAfterUnsubscribe(t *testing.T) {
	subject := rk.NewSubject[int]()
	var got []int
	sub := subject.Subscribe(rk.ObserverFunc[int]{Next: func(v int) { got = append(got, v) }})

	subject.OnNext(1)
	sub.Unsubscribe()
	subject.OnNext(2)

	assert.Equal(t, []int{1}, got)
}

func TestSubjectDeliversTerminalToLateSubscriber(t *testing.T) {
	subject := rk.NewSubject[int]()
	boom := errors.New("boom")
	subject.OnError(boom)

	var gotErr error
	subject.Subscribe(rk.ObserverFunc[int]{Err: func(err error) { gotErr = err }})

	assert.Equal(t, boom, gotErr)
}

func TestOptional(t *testing.T) {
	none := rk.None[int]()
	assert.False(t, none.Valid())
	assert.Equal(t, 7, none.OrElse(7))

	some := rk.Some(3)
	assert.True(t, some.Valid())
	v, ok := some.Get()
	require.True(t, ok)
	assert.Equal(t, 3, v)
	assert.Equal(t, 3, some.MustGet())
}
