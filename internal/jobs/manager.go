// Package jobs tracks the single running job per key and implements the
// completion actor that streams an assistant reply into a page.
package jobs

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/kalambet/blockchat/internal/pubsub"
)

// Job is a long-running unit of work owned by the Manager.
type Job interface {
	// Stop ends the job. It may be called more than once.
	Stop(ctx context.Context) error
	// Stopped opens once the job has ended, whoever ended it.
	Stopped() *pubsub.Gate
}

// RunResult reports what RunJob did.
type RunResult int

const (
	JobCreated RunResult = iota
	JobAlreadyRunning
)

func (r RunResult) String() string {
	switch r {
	case JobCreated:
		return "created"
	case JobAlreadyRunning:
		return "already_running"
	default:
		return "unknown"
	}
}

// Manager keeps at most one running job per key.
type Manager struct {
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[string]*entry

	started *pubsub.Subject[string]
	stopped *pubsub.Subject[string]
}

// entry is a registered job and the detach func of its Stopped listener.
type entry struct {
	job      Job
	unlisten func()
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the logger used for stop failures.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

// NewManager returns an empty Manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		logger:  slog.Default(),
		jobs:    make(map[string]*entry),
		started: pubsub.NewSubject[string](),
		stopped: pubsub.NewSubject[string](),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// RunJob registers the job built by factory under key unless one is already
// running there. factory is only called when the job is created, and must not
// call back into the Manager.
func (m *Manager) RunJob(key string, factory func() Job) RunResult {
	m.mu.Lock()
	if _, ok := m.jobs[key]; ok {
		m.mu.Unlock()
		return JobAlreadyRunning
	}
	job := factory()
	e := &entry{job: job}
	m.jobs[key] = e
	m.mu.Unlock()

	m.started.Next(key)
	unlisten := job.Stopped().Listen(func() { m.remove(key, job) })

	m.mu.Lock()
	current := m.jobs[key] == e
	if current {
		e.unlisten = unlisten
	}
	m.mu.Unlock()
	if !current {
		unlisten()
	}
	return JobCreated
}

// StopJob stops the job under key and forgets it. Stop failures are logged,
// not returned.
func (m *Manager) StopJob(ctx context.Context, key string) {
	m.mu.Lock()
	e, ok := m.jobs[key]
	if ok {
		delete(m.jobs, key)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	if e.unlisten != nil {
		e.unlisten()
	}
	if err := e.job.Stop(ctx); err != nil {
		m.logger.Warn("stopping job failed", "job_key", key, "error", err)
	}
	m.stopped.Next(key)
}

// GetRunningJob returns the job registered under key.
func (m *Manager) GetRunningJob(key string) (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.jobs[key]
	if !ok {
		return nil, false
	}
	return e.job, true
}

// Keys returns the keys of all running jobs, sorted.
func (m *Manager) Keys() []string {
	m.mu.Lock()
	keys := make([]string, 0, len(m.jobs))
	for k := range m.jobs {
		keys = append(keys, k)
	}
	m.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// OnJobStarted calls fn with the key of every job started from now on. With
// immediate set, fn first receives the most recently started key.
func (m *Manager) OnJobStarted(fn func(key string), immediate bool) (unsubscribe func()) {
	return m.started.Listen(fn, immediate)
}

// OnJobStopped calls fn with the key of every job that ends from now on. With
// immediate set, fn first receives the most recently stopped key.
func (m *Manager) OnJobStopped(fn func(key string), immediate bool) (unsubscribe func()) {
	return m.stopped.Listen(fn, immediate)
}

// StopAll stops every running job.
func (m *Manager) StopAll(ctx context.Context) {
	for _, key := range m.Keys() {
		m.StopJob(ctx, key)
	}
}

// remove drops job when it ended on its own. A newer job registered under
// the same key is left alone.
func (m *Manager) remove(key string, job Job) {
	m.mu.Lock()
	current, ok := m.jobs[key]
	removed := ok && current.job == job
	if removed {
		delete(m.jobs, key)
	}
	m.mu.Unlock()

	if removed {
		m.stopped.Next(key)
	}
}
