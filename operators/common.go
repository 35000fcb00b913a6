package operators

import (
	"github.com/nodestream/reactivekeys/internal/gate"

	rk "github.com/nodestream/reactivekeys"
)

// connectOnSubscribe defers subscribing to an upstream until the operator
// itself gains its first downstream subscriber, and fans that single
// upstream subscription out to every downstream subscriber via out. This
// implements a "subscription tree rooted at the consumer" model: the
// upstream subscription is acquired lazily and released — via start's
// returned Subscription — once the last downstream subscriber disposes
// (scoped acquisition, guaranteed release on all exit paths).
type connectOnSubscribe[T any] struct {
	mu       gate.Gate
	out      *rk.Subject[T]
	start    func() rk.Subscription
	upstream rk.Subscription
	refs     int
}

func newConnectOnSubscribe[T any](out *rk.Subject[T], start func() rk.Subscription) *connectOnSubscribe[T] {
	return &connectOnSubscribe[T]{out: out, start: start}
}

func (c *connectOnSubscribe[T]) Subscribe(observer rk.Observer[T]) rk.Subscription {
	c.mu.Lock()
	if c.refs == 0 {
		c.upstream = c.start()
	}
	c.refs++
	c.mu.Unlock()

	inner := c.out.Subscribe(observer)
	return refCountedSubscription{release: func() {
		inner.Unsubscribe()
		c.mu.Lock()
		c.refs--
		ref := c.refs
		up := c.upstream
		if ref == 0 {
			c.upstream = nil
		}
		c.mu.Unlock()
		if ref == 0 && up != nil {
			up.Unsubscribe()
		}
	}}
}

type refCountedSubscription struct {
	release func()
}

func (r refCountedSubscription) Unsubscribe() { r.release() }

// multiSub disposes several child subscriptions together: disposing a
// downstream subscription releases every upstream subscription it created.
type multiSub struct {
	subs []rk.Subscription
}

func newMultiSub(subs ...rk.Subscription) multiSub {
	return multiSub{subs: subs}
}

func (m multiSub) Unsubscribe() {
	for _, s := range m.subs {
		s.Unsubscribe()
	}
}
