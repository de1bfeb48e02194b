package pubsub

import (
	"slices"
	"sync"
	"sync/atomic"
)

type listener[T any] struct {
	fn     func(T)
	active atomic.Bool
}

// Subject is a synchronous multicast emitter that remembers the most recent
// value. Deliveries on one Subject are totally ordered: a listener that calls
// Next or Listen from inside its callback is served after the current
// delivery completes.
type Subject[T any] struct {
	serial Serial

	mu        sync.Mutex
	listeners []*listener[T]
	last      T
	hasLast   bool
}

// NewSubject returns a Subject with no value yet.
func NewSubject[T any]() *Subject[T] {
	return &Subject[T]{}
}

// NewSubjectWith returns a Subject whose replayable value is seeded with
// initial. The seed is not delivered to anyone; it is only what an immediate
// listener sees before the first Next.
func NewSubjectWith[T any](initial T) *Subject[T] {
	return &Subject[T]{last: initial, hasLast: true}
}

// Listen registers fn. When immediate is true and a value exists, fn is called
// with that value before it joins the broadcast set. The returned function
// removes fn and may be called any number of times.
func (s *Subject[T]) Listen(fn func(T), immediate bool) (unsubscribe func()) {
	l := &listener[T]{fn: fn}
	l.active.Store(true)

	s.serial.Do(func() {
		if !l.active.Load() {
			return
		}
		s.mu.Lock()
		v, ok := s.last, s.hasLast
		s.mu.Unlock()

		if immediate && ok {
			l.fn(v)
		}

		if !l.active.Load() {
			return
		}
		s.mu.Lock()
		s.listeners = append(s.listeners, l)
		s.mu.Unlock()
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			l.active.Store(false)
			s.mu.Lock()
			s.listeners = slices.DeleteFunc(s.listeners, func(x *listener[T]) bool { return x == l })
			s.mu.Unlock()
		})
	}
}

// Next records v as the latest value and calls every registered listener.
func (s *Subject[T]) Next(v T) {
	s.serial.Do(func() {
		s.mu.Lock()
		s.last = v
		s.hasLast = true
		targets := slices.Clone(s.listeners)
		s.mu.Unlock()

		for _, l := range targets {
			if l.active.Load() {
				l.fn(v)
			}
		}
	})
}

// Last returns the most recently delivered value.
func (s *Subject[T]) Last() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.hasLast
}

// Len reports the number of registered listeners.
func (s *Subject[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}
