package pubsub

import "sync"

type slot[V any] struct {
	subject *Subject[V]

	mu   sync.Mutex
	last *V
}

func (s *slot[V]) lastValue() (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		var zero V
		return zero, false
	}
	return *s.last, true
}

func (s *slot[V]) record(v V) {
	s.mu.Lock()
	s.last = &v
	s.mu.Unlock()
}

// PubSub is a keyed broadcast channel that also stores the latest value per
// key. Slots appear on first use and disappear when nobody listens and the
// last value is safe to forget.
type PubSub[K comparable, V any] struct {
	registry      *Registry[K, *slot[V]]
	serial        Serial
	shouldCleanup func(V) bool
	initial       func(K) V
}

// PubSubOption configures a PubSub.
type PubSubOption[K comparable, V any] func(*PubSub[K, V])

// WithShouldCleanup sets the predicate deciding whether an unobserved slot
// whose last value is v may be evicted. The default always allows eviction.
func WithShouldCleanup[K comparable, V any](fn func(V) bool) PubSubOption[K, V] {
	return func(p *PubSub[K, V]) {
		p.shouldCleanup = fn
	}
}

// WithInitial seeds every new slot with a value that immediate listeners
// receive before anything has been published. The seed counts as the slot's
// last value for cleanup purposes.
func WithInitial[K comparable, V any](fn func(K) V) PubSubOption[K, V] {
	return func(p *PubSub[K, V]) {
		p.initial = fn
	}
}

// NewPubSub creates an empty PubSub.
func NewPubSub[K comparable, V any](opts ...PubSubOption[K, V]) *PubSub[K, V] {
	p := &PubSub[K, V]{
		shouldCleanup: func(V) bool { return true },
	}
	for _, o := range opts {
		o(p)
	}
	p.registry = NewRegistry(p.newSlot, WithCleanup(p.cleanupSlot))
	return p
}

func (p *PubSub[K, V]) newSlot(key K) *slot[V] {
	if p.initial == nil {
		return &slot[V]{subject: NewSubject[V]()}
	}
	v := p.initial(key)
	return &slot[V]{subject: NewSubjectWith(v), last: &v}
}

// cleanupSlot never evicts a slot that has not seen a value yet.
func (p *PubSub[K, V]) cleanupSlot(_ K, s *slot[V]) bool {
	v, ok := s.lastValue()
	if !ok {
		return false
	}
	return p.shouldCleanup(v)
}

// Listen subscribes fn to key. The slot is held for as long as the
// subscription lives; unsubscribing releases it.
func (p *PubSub[K, V]) Listen(key K, fn func(V), immediate bool) (unsubscribe func()) {
	s := p.registry.Allocate(key)
	stop := s.subject.Listen(fn, immediate)

	var once sync.Once
	return func() {
		once.Do(func() {
			stop()
			p.registry.Free(key)
		})
	}
}

// Next records v as the latest value for key and broadcasts it. The slot is
// held only for the duration of the call.
func (p *PubSub[K, V]) Next(key K, v V) {
	p.serial.Do(func() {
		s := p.registry.Allocate(key)
		s.record(v)
		p.registry.Free(key)
		s.subject.Next(v)
	})
}

// Peek returns the latest value recorded for key, if its slot is allocated.
func (p *PubSub[K, V]) Peek(key K) (V, bool) {
	s, ok := p.registry.Get(key)
	if !ok {
		var zero V
		return zero, false
	}
	return s.lastValue()
}

// IsAllocated reports whether key currently has a slot.
func (p *PubSub[K, V]) IsAllocated(key K) bool {
	return p.registry.IsAllocated(key)
}
