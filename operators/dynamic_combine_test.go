package operators_test

import (
	"testing"

	"github.com/nodestream/reactivekeys/operators"

	rk "github.com/nodestream/reactivekeys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDynamicCombineOrIncludesAddedSource(t *testing.T) {
	sourceList := rk.NewSubject[rk.ChangeSet[string, rk.Observable[rk.ChangeSet[string, int]]]]()
	s1 := rk.NewSubject[rk.ChangeSet[string, int]]()

	rec := &recorder[string, int]{}
	operators.DynamicCombine[string, string, int](operators.CombineOr, intEquals, sourceList).Subscribe(rec.observer())

	sourceList.OnNext(rk.ChangeSet[string, rk.Observable[rk.ChangeSet[string, int]]]{rk.NewAdd[string, rk.Observable[rk.ChangeSet[string, int]]]("s1", s1)})
	s1.OnNext(rk.ChangeSet[string, int]{rk.NewAdd("k", 1)})

	flat := rec.flat()
	require.Len(t, flat, 1)
	assert.Equal(t, rk.Add, flat[0].Reason)
	assert.Equal(t, 1, flat[0].Current)
}

func TestDynamicCombineRemovingSourceRetractsItsKeys(t *testing.T) {
	sourceList := rk.NewSubject[rk.ChangeSet[string, rk.Observable[rk.ChangeSet[string, int]]]]()
	s1 := rk.NewSubject[rk.ChangeSet[string, int]]()

	rec := &recorder[string, int]{}
	operators.DynamicCombine[string, string, int](operators.CombineOr, intEquals, sourceList).Subscribe(rec.observer())

	sourceList.OnNext(rk.ChangeSet[string, rk.Observable[rk.ChangeSet[string, int]]]{rk.NewAdd[string, rk.Observable[rk.ChangeSet[string, int]]]("s1", s1)})
	s1.OnNext(rk.ChangeSet[string, int]{rk.NewAdd("k", 1)})

	sourceList.OnNext(rk.ChangeSet[string, rk.Observable[rk.ChangeSet[string, int]]]{rk.NewRemove[string, rk.Observable[rk.ChangeSet[string, int]]]("s1", s1)})

	flat := rec.flat()
	require.Len(t, flat, 2)
	assert.Equal(t, rk.Remove, flat[1].Reason)
}

func TestDynamicCombineAndRequiresEverySource(t *testing.T) {
	sourceList := rk.NewSubject[rk.ChangeSet[string, rk.Observable[rk.ChangeSet[string, int]]]]()
	s1 := rk.NewSubject[rk.ChangeSet[string, int]]()
	s2 := rk.NewSubject[rk.ChangeSet[string, int]]()

	rec := &recorder[string, int]{}
	operators.DynamicCombine[string, string, int](operators.CombineAnd, intEquals, sourceList).Subscribe(rec.observer())

	sourceList.OnNext(rk.ChangeSet[string, rk.Observable[rk.ChangeSet[string, int]]]{
		rk.NewAdd[string, rk.Observable[rk.ChangeSet[string, int]]]("s1", s1),
		rk.NewAdd[string, rk.Observable[rk.ChangeSet[string, int]]]("s2", s2),
	})

	s1.OnNext(rk.ChangeSet[string, int]{rk.NewAdd("k", 1)})
	assert.Empty(t, rec.flat(), "k must not qualify until every source holds it")

	s2.OnNext(rk.ChangeSet[string, int]{rk.NewAdd("k", 2)})
	flat := rec.flat()
	require.Len(t, flat, 1)
	assert.Equal(t, rk.Add, flat[0].Reason)
}
