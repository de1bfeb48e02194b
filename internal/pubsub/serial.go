// Package pubsub provides the small synchronous building blocks the chat
// runtime uses to broadcast job state: a last-value Subject, a one-shot Gate,
// a reference-counted Registry and a keyed PubSub combining the two.
package pubsub

import "sync"

// Serial runs operations one at a time in submission order. The goroutine
// that finds the queue idle drains it; everyone else enqueues and returns.
// An operation may call Do re-entrantly: the nested operation runs after the
// current one finishes, never in the middle of it.
//
// Operations never run while the internal lock is held.
type Serial struct {
	mu       sync.Mutex
	queue    []func()
	draining bool
}

// Do enqueues op and, unless another caller is already draining, runs every
// queued operation before returning.
func (s *Serial) Do(op func()) {
	s.mu.Lock()
	s.queue = append(s.queue, op)
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true

	for {
		if len(s.queue) == 0 {
			s.draining = false
			s.mu.Unlock()
			return
		}
		next := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.run(next)

		s.mu.Lock()
	}
}

// run executes op and releases the drain flag if op panics, so the queue is
// not wedged for later callers.
func (s *Serial) run(op func()) {
	completed := false
	defer func() {
		if !completed {
			s.mu.Lock()
			s.draining = false
			s.mu.Unlock()
		}
	}()
	op()
	completed = true
}
