// Package gate provides the mutually-exclusive critical section every
// operator uses to serialize its own state mutations. It is a thin named
// wrapper over sync.Mutex rather than a bare embedded mutex so that call
// sites read as "acquire this operator's gate" rather than an anonymous
// lock, and so two composed operators can be made to share one gate by
// sharing one *Gate value (needed when joins compose).
package gate

import "sync"

// Gate is an operator's synchronization boundary. The zero value is ready
// to use.
type Gate struct {
	mu sync.Mutex
}

// Do runs fn with the gate held. An operator must not deliver a change set
// to a downstream subscriber while holding a gate that could be
// re-acquired by a callback into this operator (e.g. a downstream edit
// re-entering upstream) — callers release the gate before calling out to
// subscribers; Do is for state-mutation-only critical sections.
func (g *Gate) Do(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn()
}

// DoErr runs fn with the gate held and returns its error.
func (g *Gate) DoErr(fn func() error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return fn()
}

// Lock and Unlock expose the gate directly for call sites that need to
// hold it across a non-trivial sequence of operations (e.g. read-then-
// compute-then-write) without a closure.
func (g *Gate) Lock()   { g.mu.Lock() }
func (g *Gate) Unlock() { g.mu.Unlock() }
