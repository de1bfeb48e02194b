package pubsub

import "sync"

type entry[V any] struct {
	value V
	refs  int
}

// Registry is a reference-counted cache. A value is built on the first
// Allocate of a key and shared by later allocations; when the last holder
// frees it the entry is evicted, unless the cleanup predicate objects.
type Registry[K comparable, V any] struct {
	mu            sync.Mutex
	entries       map[K]*entry[V]
	initialize    func(K) V
	shouldCleanup func(K, V) bool
}

// RegistryOption configures a Registry.
type RegistryOption[K comparable, V any] func(*Registry[K, V])

// WithCleanup sets the predicate consulted when a key's reference count
// reaches zero. Returning false keeps the entry allocated.
func WithCleanup[K comparable, V any](fn func(K, V) bool) RegistryOption[K, V] {
	return func(r *Registry[K, V]) {
		r.shouldCleanup = fn
	}
}

// NewRegistry creates a Registry that builds values with initialize.
func NewRegistry[K comparable, V any](initialize func(K) V, opts ...RegistryOption[K, V]) *Registry[K, V] {
	r := &Registry[K, V]{
		entries:       make(map[K]*entry[V]),
		initialize:    initialize,
		shouldCleanup: func(K, V) bool { return true },
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Allocate returns the value for key, creating it if needed, and takes a
// reference on it.
func (r *Registry[K, V]) Allocate(key K) V {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		e = &entry[V]{value: r.initialize(key)}
		r.entries[key] = e
	}
	e.refs++
	return e.value
}

// Free drops one reference on key. Freeing a key that is not allocated, or
// whose count is already zero, does nothing.
func (r *Registry[K, V]) Free(key K) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok || e.refs == 0 {
		return
	}
	e.refs--
	if e.refs == 0 && r.shouldCleanup(key, e.value) {
		delete(r.entries, key)
	}
}

// Get returns the value for key without taking a reference.
func (r *Registry[K, V]) Get(key K) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		return e.value, true
	}
	var zero V
	return zero, false
}

// IsAllocated reports whether key currently has an entry.
func (r *Registry[K, V]) IsAllocated(key K) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[key]
	return ok
}

// RefCount returns the number of outstanding references on key.
func (r *Registry[K, V]) RefCount(key K) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		return e.refs
	}
	return 0
}

// Len returns the number of allocated keys.
func (r *Registry[K, V]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
