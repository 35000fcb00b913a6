package operators_test

import (
	"testing"

	"github.com/nodestream/reactivekeys/operators"
	"github.com/nodestream/reactivekeys/source"

	rk "github.com/nodestream/reactivekeys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeManyPromotesNextBestOnRemove(t *testing.T) {
	owners := source.New[string, int](nil)
	ownerStreams := make(map[string]*rk.Subject[rk.ChangeSet[string, int]])

	merge := func(_ int, ownerKey string) rk.Observable[rk.ChangeSet[string, int]] {
		s := rk.NewSubject[rk.ChangeSet[string, int]]()
		ownerStreams[ownerKey] = s
		return s
	}
	best := func(candidate, incumbent int) bool { return candidate > incumbent }

	rec := &recorder[string, int]{}
	operators.MergeManyChangeSets(owners.Connect(nil, true), merge, best).Subscribe(rec.observer())

	owners.Edit(func(u *source.Updater[string, int]) { u.AddOrUpdate("o1", 0) })
	ownerStreams["o1"].OnNext(rk.ChangeSet[string, int]{rk.NewAdd("dest", 5)})

	owners.Edit(func(u *source.Updater[string, int]) { u.AddOrUpdate("o2", 0) })
	ownerStreams["o2"].OnNext(rk.ChangeSet[string, int]{rk.NewAdd("dest", 10)})

	owners.Edit(func(u *source.Updater[string, int]) { u.Remove("o2") })

	flat := rec.flat()
	require.Len(t, flat, 3)
	assert.Equal(t, rk.Add, flat[0].Reason)
	assert.Equal(t, 5, flat[0].Current)
	assert.Equal(t, rk.Update, flat[1].Reason)
	assert.Equal(t, 10, flat[1].Current)
	assert.Equal(t, rk.Update, flat[2].Reason, "removing the winning owner must promote the next-best remaining one, not retract the key")
	assert.Equal(t, 5, flat[2].Current)
}

func TestMergeManyRetractsDestKeyWhenLastOwnerRemoved(t *testing.T) {
	owners := source.New[string, int](nil)
	ownerStreams := make(map[string]*rk.Subject[rk.ChangeSet[string, int]])

	merge := func(_ int, ownerKey string) rk.Observable[rk.ChangeSet[string, int]] {
		s := rk.NewSubject[rk.ChangeSet[string, int]]()
		ownerStreams[ownerKey] = s
		return s
	}
	best := func(candidate, incumbent int) bool { return candidate > incumbent }

	rec := &recorder[string, int]{}
	operators.MergeManyChangeSets(owners.Connect(nil, true), merge, best).Subscribe(rec.observer())

	owners.Edit(func(u *source.Updater[string, int]) { u.AddOrUpdate("o1", 0) })
	ownerStreams["o1"].OnNext(rk.ChangeSet[string, int]{rk.NewAdd("dest", 5)})

	owners.Edit(func(u *source.Updater[string, int]) { u.Remove("o1") })

	flat := rec.flat()
	require.Len(t, flat, 2)
	assert.Equal(t, rk.Remove, flat[1].Reason)
}
