package taskrunner

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/kalambet/blockchat/internal/pubsub"
)

// TaskFunc is the body of a run. It reports progress through emit and
// returns when done. It must watch ctx and return promptly once ctx is
// cancelled; values emitted after that are discarded.
type TaskFunc[P any] func(ctx context.Context, req TaskRequest, emit func(P)) error

type activeRun struct {
	gen    uint64
	cancel context.CancelFunc
}

// Repository tracks task state per key. All transitions for all keys run on
// one serial queue, so listeners may trigger further transitions from inside
// their callbacks.
type Repository[P any] struct {
	states *pubsub.PubSub[string, State[P]]
	serial pubsub.Serial
	logger *slog.Logger

	mu   sync.Mutex
	runs map[string]activeRun
	gen  uint64
	wg   sync.WaitGroup
}

// Option configures a Repository.
type Option[P any] func(*Repository[P])

// WithLogger sets the logger used for transition diagnostics.
func WithLogger[P any](l *slog.Logger) Option[P] {
	return func(r *Repository[P]) {
		r.logger = l
	}
}

// NewRepository creates an empty Repository. A key's state slot is kept
// alive while its task runs, even with no listeners.
func NewRepository[P any](opts ...Option[P]) *Repository[P] {
	r := &Repository[P]{
		logger: slog.Default(),
		runs:   make(map[string]activeRun),
	}
	for _, o := range opts {
		o(r)
	}
	r.states = pubsub.NewPubSub(
		pubsub.WithShouldCleanup[string](func(s State[P]) bool { return !s.IsRunning() }),
		pubsub.WithInitial(func(string) State[P] { return Idle[P]{} }),
	)
	return r
}

// State returns the live state for key.
func (r *Repository[P]) State(key string) State[P] {
	if s, ok := r.states.Peek(key); ok {
		return s
	}
	return Idle[P]{}
}

// Busy reports whether a run for key has been claimed and has not finished.
// Unlike State it does not wait for the transition to be published.
func (r *Repository[P]) Busy(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.runs[key]
	return ok
}

// GetTaskRunnerStateNode returns a handle for the next transition of key:
// an *IdleNode when nothing runs, a *RunningNode otherwise.
func (r *Repository[P]) GetTaskRunnerStateNode(key string) Node[P] {
	switch s := r.State(key).(type) {
	case Running[P]:
		return &RunningNode[P]{repo: r, key: key, data: s.Data}
	case Idle[P]:
		return &IdleNode[P]{repo: r, key: key, err: s.Error}
	default:
		return &IdleNode[P]{repo: r, key: key}
	}
}

// Listen subscribes fn to state changes of key. With immediate set, fn first
// receives the live state.
func (r *Repository[P]) Listen(key string, fn func(State[P]), immediate bool) (unsubscribe func()) {
	return r.states.Listen(key, fn, immediate)
}

// StopAll stops every running task with reason and waits for their
// goroutines to return.
func (r *Repository[P]) StopAll(reason error) {
	r.serial.Do(func() {
		r.mu.Lock()
		keys := make([]string, 0, len(r.runs))
		for k := range r.runs {
			keys = append(keys, k)
		}
		r.mu.Unlock()
		for _, k := range keys {
			r.stop(k, reason)
		}
	})
	r.wg.Wait()
}

// claim registers a run for key unless one is registered already. The run
// is not visible to listeners until start publishes it.
func (r *Repository[P]) claim(ctx context.Context, key string) (context.Context, uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.runs[key]; busy {
		r.logger.Debug("run ignored, task already running", "job_key", key)
		return nil, 0, false
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.gen++
	r.runs[key] = activeRun{gen: r.gen, cancel: cancel}
	return runCtx, r.gen, true
}

func (r *Repository[P]) start(runCtx context.Context, key string, gen uint64, fn TaskFunc[P]) {
	// Stopped between claim and start.
	if !r.isCurrent(key, gen) {
		return
	}

	r.states.Next(key, Running[P]{})
	r.logger.Debug("task started", "job_key", key)

	emit := func(v P) {
		r.serial.Do(func() {
			if !r.isCurrent(key, gen) {
				return
			}
			r.states.Next(key, Running[P]{Data: NewBox(v)})
		})
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		err := fn(runCtx, TaskRequest{JobKey: key}, emit)
		r.serial.Do(func() { r.finish(key, gen, err) })
	}()
}

func (r *Repository[P]) finish(key string, gen uint64, err error) {
	r.mu.Lock()
	run, ok := r.runs[key]
	if !ok || run.gen != gen {
		r.mu.Unlock()
		return
	}
	delete(r.runs, key)
	r.mu.Unlock()
	run.cancel()

	next := Idle[P]{}
	if err != nil {
		next.Error = NewBox(err)
		r.logger.Warn("task failed", "job_key", key, "error", err)
	} else {
		r.logger.Debug("task completed", "job_key", key)
	}
	r.states.Next(key, next)
}

func (r *Repository[P]) stop(key string, reason error) {
	r.mu.Lock()
	run, ok := r.runs[key]
	delete(r.runs, key)
	r.mu.Unlock()
	if !ok {
		return
	}
	run.cancel()

	next := Idle[P]{}
	if reason != nil {
		next.Error = NewBox(reason)
	}
	r.logger.Debug("task stopped", "job_key", key)
	r.states.Next(key, next)
}

func (r *Repository[P]) isCurrent(key string, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[key]
	return ok && run.gen == gen
}

// Node is a use-once transition handle. Its concrete type is *IdleNode or
// *RunningNode.
type Node[P any] interface {
	State() State[P]
}

// IdleNode can start a run.
type IdleNode[P any] struct {
	repo *Repository[P]
	key  string
	err  *Box[error]
	used atomic.Bool
}

// State returns the Idle snapshot this node was created from.
func (n *IdleNode[P]) State() State[P] { return Idle[P]{Error: n.err} }

// Error returns the previous run's failure or stop reason, if any.
func (n *IdleNode[P]) Error() *Box[error] { return n.err }

// Run starts fn for the node's key and reports whether it did. It returns
// false if this node was already used, or if another caller has claimed the
// key in the meantime. fn runs on its own goroutine with a context derived
// from ctx.
func (n *IdleNode[P]) Run(ctx context.Context, fn TaskFunc[P]) bool {
	if !n.used.CompareAndSwap(false, true) {
		return false
	}
	runCtx, gen, ok := n.repo.claim(ctx, n.key)
	if !ok {
		return false
	}
	n.repo.serial.Do(func() { n.repo.start(runCtx, n.key, gen, fn) })
	return true
}

// RunningNode can stop the current run.
type RunningNode[P any] struct {
	repo *Repository[P]
	key  string
	data *Box[P]
	used atomic.Bool
}

// State returns the Running snapshot this node was created from.
func (n *RunningNode[P]) State() State[P] { return Running[P]{Data: n.data} }

// Data returns the latest progress value at the time the node was created.
func (n *RunningNode[P]) Data() *Box[P] { return n.data }

// Stop cancels the run and publishes Idle carrying reason. It does nothing if
// this node was already used or the key is no longer running.
func (n *RunningNode[P]) Stop(reason error) {
	if !n.used.CompareAndSwap(false, true) {
		return
	}
	n.repo.serial.Do(func() { n.repo.stop(n.key, reason) })
}
