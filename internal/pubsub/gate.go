package pubsub

import (
	"slices"
	"sync"
)

type gateWaiter struct {
	fn func()
}

// Gate is a one-shot latch. Functions registered before Open run exactly
// once when it opens, in registration order; functions registered after run
// immediately.
type Gate struct {
	mu      sync.Mutex
	opened  bool
	waiters []*gateWaiter
	done    chan struct{}
}

// NewGate returns a closed Gate.
func NewGate() *Gate {
	return &Gate{done: make(chan struct{})}
}

// Listen registers fn to run when the gate opens. If the gate is already open
// fn runs synchronously before Listen returns.
func (g *Gate) Listen(fn func()) (unsubscribe func()) {
	g.mu.Lock()
	if g.opened {
		g.mu.Unlock()
		fn()
		return func() {}
	}
	w := &gateWaiter{fn: fn}
	g.waiters = append(g.waiters, w)
	g.mu.Unlock()

	return func() {
		g.mu.Lock()
		g.waiters = slices.DeleteFunc(g.waiters, func(x *gateWaiter) bool { return x == w })
		g.mu.Unlock()
	}
}

// Open fires every queued function. Calls after the first are no-ops.
func (g *Gate) Open() {
	g.mu.Lock()
	if g.opened {
		g.mu.Unlock()
		return
	}
	g.opened = true
	waiters := g.waiters
	g.waiters = nil
	close(g.done)
	g.mu.Unlock()

	for _, w := range waiters {
		w.fn()
	}
}

// Waiting returns the number of functions queued for Open.
func (g *Gate) Waiting() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.waiters)
}

// IsOpen reports whether Open has been called.
func (g *Gate) IsOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.opened
}

// Done returns a channel that is closed when the gate opens.
func (g *Gate) Done() <-chan struct{} {
	return g.done
}
