package reactivekeys

import "sync"

// Observer is the three-channel contract every stream in this module
// delivers to: next, error, completed. At most one terminal call
// (OnError xor OnCompleted) is ever made, and never before or after other
// calls once a terminal has fired.
type Observer[T any] interface {
	OnNext(T)
	OnError(error)
	OnCompleted()
}

// Subscription is returned by Subscribe and cancels delivery when disposed.
// Disposal is idempotent.
type Subscription interface {
	Unsubscribe()
}

// Observable is a single-producer, multiple-subscriber asynchronous
// sequence. Implementations must deliver to each subscriber synchronously
// and in order, and must stop delivering to a subscriber once its
// Subscription has been unsubscribed.
type Observable[T any] interface {
	Subscribe(Observer[T]) Subscription
}

// ObserverFunc adapts three closures into an Observer, a "safe subscribe"
// wrapper where a nil field is treated as a no-op so callers need only
// supply the channels they care about.
type ObserverFunc[T any] struct {
	Next      func(T)
	Err       func(error)
	Completed func()
}

func (f ObserverFunc[T]) OnNext(v T) {
	if f.Next != nil {
		f.Next(v)
	}
}

func (f ObserverFunc[T]) OnError(err error) {
	if f.Err != nil {
		f.Err(err)
	}
}

func (f ObserverFunc[T]) OnCompleted() {
	if f.Completed != nil {
		f.Completed()
	}
}

// Subject is a hot broadcaster: values it is handed via OnNext/OnError/
// OnCompleted are fanned out to every currently subscribed Observer. It is
// both an Observer (the publish side) and an Observable (the subscribe
// side), matching the role the source cache's internal broadcast channel
// plays for every downstream operator built on top of it.
type Subject[T any] struct {
	mu          sync.Mutex
	subscribers map[*subjectSub[T]]struct{}
	terminal    bool
	terminalErr error
}

type subjectSub[T any] struct {
	subject  *Subject[T]
	observer Observer[T]
}

func (s *subjectSub[T]) Unsubscribe() {
	s.subject.mu.Lock()
	delete(s.subject.subscribers, s)
	s.subject.mu.Unlock()
}

// NewSubject constructs an empty, non-terminated Subject.
func NewSubject[T any]() *Subject[T] {
	return &Subject[T]{subscribers: make(map[*subjectSub[T]]struct{})}
}

// Subscribe registers an observer. If the subject has already terminated,
// the terminal event is delivered immediately and a no-op Subscription is
// returned: no further events are ever delivered after a terminal one.
func (s *Subject[T]) Subscribe(o Observer[T]) Subscription {
	s.mu.Lock()
	if s.terminal {
		err := s.terminalErr
		s.mu.Unlock()
		if err != nil {
			o.OnError(err)
		} else {
			o.OnCompleted()
		}
		return noopSubscription{}
	}
	sub := &subjectSub[T]{subject: s, observer: o}
	s.subscribers[sub] = struct{}{}
	s.mu.Unlock()
	return sub
}

// OnNext broadcasts a value to every current subscriber. A panic inside one
// observer is not caught here — upstream producers inside this module
// always route failures through OnError rather than panicking.
func (s *Subject[T]) OnNext(v T) {
	for _, o := range s.snapshotObservers() {
		o.OnNext(v)
	}
}

// OnError broadcasts a terminal error and marks the subject terminated.
func (s *Subject[T]) OnError(err error) {
	observers := s.finish(err)
	for _, o := range observers {
		o.OnError(err)
	}
}

// OnCompleted broadcasts terminal completion and marks the subject terminated.
func (s *Subject[T]) OnCompleted() {
	observers := s.finish(nil)
	for _, o := range observers {
		o.OnCompleted()
	}
}

func (s *Subject[T]) snapshotObservers() []Observer[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Observer[T], 0, len(s.subscribers))
	for sub := range s.subscribers {
		out = append(out, sub.observer)
	}
	return out
}

func (s *Subject[T]) finish(err error) []Observer[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal {
		return nil
	}
	s.terminal = true
	s.terminalErr = err
	out := make([]Observer[T], 0, len(s.subscribers))
	for sub := range s.subscribers {
		out = append(out, sub.observer)
	}
	s.subscribers = make(map[*subjectSub[T]]struct{})
	return out
}

type noopSubscription struct{}

func (noopSubscription) Unsubscribe() {}

// multiSubscription disposes a set of child subscriptions together: the
// scoped-acquisition pattern every composed operator relies on — disposing
// a downstream subscription releases all upstream subscriptions it
// created, including on exceptional paths.
type multiSubscription struct {
	mu   sync.Mutex
	subs []Subscription
	done bool
}

func newMultiSubscription(subs ...Subscription) *multiSubscription {
	return &multiSubscription{subs: subs}
}

func (m *multiSubscription) add(s Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done {
		s.Unsubscribe()
		return
	}
	m.subs = append(m.subs, s)
}

func (m *multiSubscription) Unsubscribe() {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return
	}
	m.done = true
	subs := m.subs
	m.subs = nil
	m.mu.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
}
