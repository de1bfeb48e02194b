package jobs

import (
	"context"
	"log/slog"
	"sync"

	"github.com/kalambet/blockchat/internal/pubsub"
)

// Status is the phase of an Actor.
type Status int

const (
	StatusIdle Status = iota
	StatusRunning
	StatusDone
	StatusFailed
	StatusCanceled
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusRunning:
		return "running"
	case StatusDone:
		return "done"
	case StatusFailed:
		return "failed"
	case StatusCanceled:
		return "canceled"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Terminal reports whether s ends a run.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCanceled || s == StatusStopped
}

// ActorState is a snapshot of an Actor. Result is set when Status is done and
// Err when it is failed.
type ActorState[Out any] struct {
	Status Status
	Result Out
	Err    error
}

// Event is something sent to an Actor.
type Event interface {
	event()
}

// RunJob asks an idle or finished actor to run its work on Input.
type RunJob[In any] struct {
	Input In
}

// CancelRunningJob asks a running actor to abandon its work.
type CancelRunningJob struct{}

func (RunJob[In]) event()       {}
func (CancelRunningJob) event() {}

// WorkFunc is the unit of work an Actor runs. It must return promptly once
// ctx is cancelled.
type WorkFunc[In, Out any] func(ctx context.Context, in In) (Out, error)

// Actor runs one WorkFunc at a time and exposes its progress as a small state
// machine. Once stopped it ignores every event.
type Actor[In, Out any] struct {
	work   WorkFunc[In, Out]
	logger *slog.Logger
	name   string

	serial  pubsub.Serial
	states  *pubsub.Subject[ActorState[Out]]
	stopped *pubsub.Gate

	mu     sync.Mutex
	state  ActorState[Out]
	gen    uint64
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ActorOption configures an Actor.
type ActorOption func(*actorConfig)

type actorConfig struct {
	logger *slog.Logger
	name   string
}

// WithActorLogger sets the logger for ignored events and failures.
func WithActorLogger(l *slog.Logger) ActorOption {
	return func(c *actorConfig) {
		c.logger = l
	}
}

// WithActorName labels the actor in log output.
func WithActorName(name string) ActorOption {
	return func(c *actorConfig) {
		c.name = name
	}
}

// NewActor returns an idle Actor wrapping work.
func NewActor[In, Out any](work WorkFunc[In, Out], opts ...ActorOption) *Actor[In, Out] {
	cfg := actorConfig{logger: slog.Default()}
	for _, o := range opts {
		o(&cfg)
	}
	initial := ActorState[Out]{Status: StatusIdle}
	return &Actor[In, Out]{
		work:    work,
		logger:  cfg.logger,
		name:    cfg.name,
		states:  pubsub.NewSubjectWith(initial),
		stopped: pubsub.NewGate(),
		state:   initial,
	}
}

// State returns the current state.
func (a *Actor[In, Out]) State() ActorState[Out] {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Listen subscribes fn to state changes. With immediate set, fn first gets
// the current state.
func (a *Actor[In, Out]) Listen(fn func(ActorState[Out]), immediate bool) (unsubscribe func()) {
	return a.states.Listen(fn, immediate)
}

// Stopped opens when the actor reaches the stopped state.
func (a *Actor[In, Out]) Stopped() *pubsub.Gate {
	return a.stopped
}

// Send dispatches ev. Transitions happen in order; an event sent from inside
// a state listener is handled after that notification completes.
func (a *Actor[In, Out]) Send(ev Event) {
	a.serial.Do(func() { a.handle(ev) })
}

// Stop moves the actor to stopped from any state and cancels running work.
func (a *Actor[In, Out]) Stop() {
	a.serial.Do(func() {
		a.mu.Lock()
		if a.state.Status == StatusStopped {
			a.mu.Unlock()
			return
		}
		cancel := a.cancel
		a.cancel = nil
		next := a.setLocked(ActorState[Out]{Status: StatusStopped})
		a.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		a.states.Next(next)
		a.stopped.Open()
	})
}

// Wait blocks until work started by this actor has returned.
func (a *Actor[In, Out]) Wait() {
	a.wg.Wait()
}

func (a *Actor[In, Out]) handle(ev Event) {
	a.mu.Lock()
	status := a.state.Status
	if status == StatusStopped {
		a.mu.Unlock()
		a.logger.Warn("event ignored, actor stopped", "actor", a.name, "event", eventName(ev))
		return
	}

	switch e := ev.(type) {
	case RunJob[In]:
		if status == StatusRunning {
			a.mu.Unlock()
			a.logger.Debug("run ignored, actor busy", "actor", a.name)
			return
		}
		a.gen++
		gen := a.gen
		ctx, cancel := context.WithCancel(context.Background())
		a.cancel = cancel
		next := a.setLocked(ActorState[Out]{Status: StatusRunning})
		a.wg.Add(1)
		a.mu.Unlock()

		a.states.Next(next)
		go a.run(ctx, gen, e.Input)

	case CancelRunningJob:
		if status != StatusRunning {
			a.mu.Unlock()
			return
		}
		cancel := a.cancel
		a.cancel = nil
		next := a.setLocked(ActorState[Out]{Status: StatusCanceled})
		a.mu.Unlock()

		a.states.Next(next)
		if cancel != nil {
			cancel()
		}

	default:
		a.mu.Unlock()
		a.logger.Warn("unknown event", "actor", a.name, "event", eventName(ev))
	}
}

func (a *Actor[In, Out]) run(ctx context.Context, gen uint64, in In) {
	defer a.wg.Done()
	out, err := a.work(ctx, in)

	a.serial.Do(func() {
		a.mu.Lock()
		if a.state.Status != StatusRunning || a.gen != gen {
			a.mu.Unlock()
			return
		}
		cancel := a.cancel
		a.cancel = nil
		var next ActorState[Out]
		if err != nil {
			next = a.setLocked(ActorState[Out]{Status: StatusFailed, Err: err})
		} else {
			next = a.setLocked(ActorState[Out]{Status: StatusDone, Result: out})
		}
		a.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if err != nil {
			a.logger.Warn("actor work failed", "actor", a.name, "error", err)
		}
		a.states.Next(next)
	})
}

func (a *Actor[In, Out]) setLocked(s ActorState[Out]) ActorState[Out] {
	a.state = s
	return s
}

func eventName(ev Event) string {
	switch ev.(type) {
	case CancelRunningJob:
		return "cancel_running_job"
	case nil:
		return "nil"
	default:
		return "run_job"
	}
}
