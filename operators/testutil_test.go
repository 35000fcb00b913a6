package operators_test

import (
	rk "github.com/nodestream/reactivekeys"
)

// recorder collects every ChangeSet an Observable emits, in order, for
// assertion against expected batches.
type recorder[K comparable, V any] struct {
	batches []rk.ChangeSet[K, V]
	errs    []error
	done    bool
}

func (r *recorder[K, V]) observer() rk.ObserverFunc[rk.ChangeSet[K, V]] {
	return rk.ObserverFunc[rk.ChangeSet[K, V]]{
		Next:      func(cs rk.ChangeSet[K, V]) { r.batches = append(r.batches, cs) },
		Err:       func(err error) { r.errs = append(r.errs, err) },
		Completed: func() { r.done = true },
	}
}

// flat returns every change across every recorded batch, in emission order.
func (r *recorder[K, V]) flat() rk.ChangeSet[K, V] {
	var out rk.ChangeSet[K, V]
	for _, b := range r.batches {
		out = append(out, b...)
	}
	return out
}
