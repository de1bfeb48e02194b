// Package chat wires the job machinery to the block store: it turns a user
// message into a streamed assistant reply and publishes per-page job state.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bep/debounce"

	"github.com/kalambet/blockchat/internal/blocks"
	"github.com/kalambet/blockchat/internal/composer"
	"github.com/kalambet/blockchat/internal/engine"
	"github.com/kalambet/blockchat/internal/jobs"
	"github.com/kalambet/blockchat/internal/pubsub"
	"github.com/kalambet/blockchat/internal/retrieval"
	"github.com/kalambet/blockchat/internal/taskrunner"
	"github.com/kalambet/blockchat/internal/thread"
)

// Pipeline selects the machinery that runs completions.
type Pipeline string

const (
	PipelineJobs       Pipeline = "jobs"
	PipelineTaskRunner Pipeline = "taskrunner"
)

// Job status values published in JobState.
const (
	StatusIdle     = "idle"
	StatusRunning  = "running"
	StatusDone     = "done"
	StatusFailed   = "failed"
	StatusCanceled = "canceled"
	StatusStopped  = "stopped"
)

// JobState is what observers of a page see.
type JobState struct {
	PageID  string `json:"page_id"`
	Status  string `json:"status"`
	BlockID string `json:"block_id,omitempty"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Store is the block store as the chat service uses it. *blocks.Store
// implements it.
type Store interface {
	thread.Store
	EnqueueIndex(ctx context.Context, pageID, blockID string) error
	Subscribe(fn func(blocks.Change)) (unsubscribe func())
}

// Searcher finds related messages. *retrieval.Retriever implements it.
type Searcher interface {
	Search(ctx context.Context, query string, topK int, pageID string) ([]retrieval.Hit, error)
}

// Config holds the tunables of the service.
type Config struct {
	Pipeline         Pipeline
	Model            string
	FlushInterval    time.Duration
	MaxContextTokens int
	RelatedTopK      int
	ChangeDebounce   time.Duration
}

// SendRequest is a user message to post and answer.
type SendRequest struct {
	PageID      string
	Content     string
	ThreadID    string
	ReferenceID string
}

// SendResult reports what Send did.
type SendResult struct {
	Status      jobs.RunResult
	UserBlockID string
}

// Option configures a Service.
type Option func(*Service)

// WithSearcher injects related messages from other threads into prompts.
func WithSearcher(s Searcher) Option {
	return func(svc *Service) {
		svc.searcher = s
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(svc *Service) {
		svc.logger = l
	}
}

// WithIndexNotify registers fn to be called after index jobs are queued,
// typically ingest.Worker.Wake.
func WithIndexNotify(fn func()) Option {
	return func(svc *Service) {
		svc.notifyIndex = fn
	}
}

// Service runs at most one completion per page.
type Service struct {
	store       Store
	threads     *thread.Service
	completer   engine.Completer
	composer    *composer.Composer
	searcher    Searcher
	cfg         Config
	logger      *slog.Logger
	notifyIndex func()

	manager *jobs.Manager
	runner  *taskrunner.Repository[jobs.CompletionResult]
	states  *pubsub.PubSub[string, JobState]

	mu       sync.Mutex
	sending  map[string]bool   // pages with a Send between its check and its start
	replies  map[string]string // page id -> assistant block being written
	changed  map[string]bool
	anyPage  bool
	debounce func(func())
	unsub    func()
}

// NewService wires a Service and starts watching store changes. Call Close
// to stop every running job and the watch.
func NewService(store Store, threads *thread.Service, completer engine.Completer, cfg Config, opts ...Option) *Service {
	if cfg.Pipeline == "" {
		cfg.Pipeline = PipelineJobs
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = jobs.DefaultFlushInterval
	}
	if cfg.ChangeDebounce <= 0 {
		cfg.ChangeDebounce = 200 * time.Millisecond
	}
	s := &Service{
		store:     store,
		threads:   threads,
		completer: completer,
		composer:  composer.New(cfg.MaxContextTokens),
		cfg:       cfg,
		logger:    slog.Default(),
		sending:   make(map[string]bool),
		replies:   make(map[string]string),
		changed:   make(map[string]bool),
		debounce:  debounce.New(cfg.ChangeDebounce),
		states: pubsub.NewPubSub(
			pubsub.WithShouldCleanup[string](func(st JobState) bool { return st.Status != StatusRunning }),
			pubsub.WithInitial(func(pageID string) JobState { return JobState{PageID: pageID, Status: StatusIdle} }),
		),
	}
	for _, o := range opts {
		o(s)
	}
	s.manager = jobs.NewManager(jobs.WithManagerLogger(s.logger))
	s.runner = taskrunner.NewRepository(taskrunner.WithLogger[jobs.CompletionResult](s.logger))
	s.unsub = store.Subscribe(s.onChange)
	return s
}

// Threads returns the thread service the chat service writes through.
func (s *Service) Threads() *thread.Service {
	return s.threads
}

// Send appends the user message and starts the assistant reply. When a job
// is already running for the page, or another Send is starting one, nothing
// is written and the result says so.
func (s *Service) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	if !s.reserve(req.PageID) {
		return SendResult{Status: jobs.JobAlreadyRunning}, nil
	}
	defer s.release(req.PageID)

	userBlock, err := s.threads.AppendMessageToThread(ctx, req.PageID,
		thread.Message{Role: thread.RoleUser, Content: req.Content},
		thread.AppendOptions{ThreadID: req.ThreadID, ReferenceID: req.ReferenceID})
	if err != nil {
		return SendResult{}, err
	}
	s.enqueueIndex(ctx, req.PageID, userBlock.UUID)

	history, err := s.threads.LoadThreadMessageBlocks(ctx, req.PageID, req.ThreadID)
	if err != nil {
		return SendResult{}, fmt.Errorf("loading thread history: %w", err)
	}
	var related []retrieval.Hit
	if s.searcher != nil && s.cfg.RelatedTopK > 0 {
		related, err = s.searcher.Search(ctx, req.Content, s.cfg.RelatedTopK, "")
		if err != nil {
			s.logger.Warn("related message search failed", "page_id", req.PageID, "error", err)
			related = nil
		}
	}

	creq := jobs.CompletionRequest{
		PageID:   req.PageID,
		ThreadID: req.ThreadID,
		Model:    s.cfg.Model,
		Messages: s.composer.Compose(history, related),
	}

	// The reply outlives the request that triggered it.
	runCtx := context.WithoutCancel(ctx)
	var status jobs.RunResult
	if s.cfg.Pipeline == PipelineTaskRunner {
		status = s.startTask(runCtx, creq)
	} else {
		status = s.startJob(creq)
	}
	return SendResult{Status: status, UserBlockID: userBlock.UUID}, nil
}

// reserve claims pageID for one Send. The claim is held until the reply job
// is registered, after which isRunning keeps later Sends out.
func (s *Service) reserve(pageID string) bool {
	s.mu.Lock()
	if s.sending[pageID] {
		s.mu.Unlock()
		return false
	}
	s.sending[pageID] = true
	s.mu.Unlock()

	if s.isRunning(pageID) {
		s.release(pageID)
		return false
	}
	return true
}

func (s *Service) release(pageID string) {
	s.mu.Lock()
	delete(s.sending, pageID)
	s.mu.Unlock()
}

func (s *Service) isRunning(pageID string) bool {
	if s.cfg.Pipeline == PipelineTaskRunner {
		return s.runner.Busy(pageID)
	}
	_, ok := s.manager.GetRunningJob(pageID)
	return ok
}

func (s *Service) startJob(req jobs.CompletionRequest) jobs.RunResult {
	var job *jobs.CompletionJob
	res := s.manager.RunJob(req.PageID, func() jobs.Job {
		job = jobs.NewCompletionJob(s.completer, s.threads,
			jobs.WithFlushInterval(s.cfg.FlushInterval),
			jobs.WithProgress(func(r jobs.CompletionResult) {
				if job.State().Status != jobs.StatusRunning {
					return
				}
				s.rememberReply(req.PageID, r.BlockID)
				s.states.Next(req.PageID, JobState{
					PageID:  req.PageID,
					Status:  StatusRunning,
					BlockID: r.BlockID,
					Content: r.Content,
				})
			}),
			jobs.WithIndexQueue(s.indexQueue()),
			jobs.WithCompletionLogger(s.logger))
		return job
	})
	if res != jobs.JobCreated {
		return res
	}

	job.Listen(func(st jobs.ActorState[jobs.CompletionResult]) {
		s.onActorState(req.PageID, job, st)
	}, false)
	job.Start(req)
	return res
}

func (s *Service) onActorState(pageID string, job *jobs.CompletionJob, st jobs.ActorState[jobs.CompletionResult]) {
	js := JobState{PageID: pageID, BlockID: job.BlockID()}
	switch st.Status {
	case jobs.StatusRunning:
		js.Status = StatusRunning
	case jobs.StatusDone:
		js.Status = StatusDone
		js.Content = st.Result.Content
	case jobs.StatusFailed:
		js.Status = StatusFailed
		js.Error = st.Err.Error()
	case jobs.StatusCanceled:
		js.Status = StatusCanceled
	case jobs.StatusStopped:
		// A run that ended on its own already published its outcome.
		if job.Outcome().Status.Terminal() {
			s.forgetReply(pageID)
			return
		}
		js.Status = StatusStopped
	default:
		return
	}
	if st.Status.Terminal() {
		s.forgetReply(pageID)
	}
	s.states.Next(pageID, js)
}

func (s *Service) startTask(ctx context.Context, req jobs.CompletionRequest) jobs.RunResult {
	idle, ok := s.runner.GetTaskRunnerStateNode(req.PageID).(*taskrunner.IdleNode[jobs.CompletionResult])
	if !ok {
		return jobs.JobAlreadyRunning
	}

	var (
		mu      sync.Mutex
		unsub   func()
		ended   bool
		started atomic.Bool
	)
	u := s.runner.Listen(req.PageID, func(st taskrunner.State[jobs.CompletionResult]) {
		if st.IsRunning() {
			started.Store(true)
		}
		if !started.Load() {
			return
		}
		js, done := taskState(req.PageID, st)
		if done {
			s.forgetReply(req.PageID)
			mu.Lock()
			ended = true
			u := unsub
			mu.Unlock()
			if u != nil {
				u()
			}
		} else if js.BlockID != "" {
			s.rememberReply(req.PageID, js.BlockID)
		}
		s.states.Next(req.PageID, js)
	}, false)
	mu.Lock()
	unsub = u
	if ended {
		u()
	}
	mu.Unlock()

	rw := jobs.ReplyWriter{Completer: s.completer, Writer: s.threads, FlushEvery: s.cfg.FlushInterval}
	ok = idle.Run(ctx, func(ctx context.Context, tr taskrunner.TaskRequest, emit func(jobs.CompletionResult)) error {
		res, err := rw.Write(ctx, req, emit)
		if err != nil {
			return err
		}
		emit(res)
		s.enqueueIndex(ctx, tr.JobKey, res.BlockID)
		return nil
	})
	if !ok {
		mu.Lock()
		ended = true
		mu.Unlock()
		u()
		return jobs.JobAlreadyRunning
	}
	return jobs.JobCreated
}

// taskState maps a task-runner state observed after the run started to a
// JobState. done reports that the run has ended.
func taskState(pageID string, st taskrunner.State[jobs.CompletionResult]) (JobState, bool) {
	js := JobState{PageID: pageID}
	switch st := st.(type) {
	case taskrunner.Running[jobs.CompletionResult]:
		js.Status = StatusRunning
		if st.Data != nil {
			js.BlockID = st.Data.Value.BlockID
			js.Content = st.Data.Value.Content
		}
		return js, false
	case taskrunner.Idle[jobs.CompletionResult]:
		var stop *taskrunner.StopReason
		switch {
		case st.Error == nil || st.Error.Value == nil:
			js.Status = StatusDone
		case errors.As(st.Error.Value, &stop):
			js.Status = StatusStopped
		case errors.Is(st.Error.Value, context.Canceled):
			js.Status = StatusCanceled
		default:
			js.Status = StatusFailed
			js.Error = st.Error.Value.Error()
		}
		return js, true
	}
	return js, false
}

// Stop ends the running job of a page, if any. Content written so far stays.
func (s *Service) Stop(ctx context.Context, pageID, reason string) {
	if s.cfg.Pipeline == PipelineTaskRunner {
		if n, ok := s.runner.GetTaskRunnerStateNode(pageID).(*taskrunner.RunningNode[jobs.CompletionResult]); ok {
			n.Stop(&taskrunner.StopReason{Reason: reason})
		}
		return
	}
	s.manager.StopJob(ctx, pageID)
}

// State returns the latest published state of a page's job.
func (s *Service) State(pageID string) JobState {
	if st, ok := s.states.Peek(pageID); ok {
		return st
	}
	return JobState{PageID: pageID, Status: StatusIdle}
}

// Listen subscribes fn to job state changes of a page. With immediate set,
// fn first receives the current state, idle when nothing has run.
func (s *Service) Listen(pageID string, fn func(JobState), immediate bool) (unsubscribe func()) {
	return s.states.Listen(pageID, fn, immediate)
}

// RunningPages returns the pages with a job in flight.
func (s *Service) RunningPages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	pages := make([]string, 0, len(s.replies))
	for p := range s.replies {
		pages = append(pages, p)
	}
	return pages
}

// Close stops every running job and the store watch.
func (s *Service) Close(ctx context.Context) {
	s.unsub()
	s.manager.StopAll(ctx)
	s.runner.StopAll(&taskrunner.StopReason{Reason: "shutting down"})
}

func (s *Service) indexQueue() jobs.IndexQueue {
	return indexFunc(s.enqueueIndex)
}

type indexFunc func(ctx context.Context, pageID, blockID string)

func (f indexFunc) EnqueueIndex(ctx context.Context, pageID, blockID string) error {
	f(ctx, pageID, blockID)
	return nil
}

func (s *Service) enqueueIndex(ctx context.Context, pageID, blockID string) {
	if err := s.store.EnqueueIndex(ctx, pageID, blockID); err != nil {
		s.logger.Warn("enqueueing index job failed", "page_id", pageID, "block_id", blockID, "error", err)
		return
	}
	if s.notifyIndex != nil {
		s.notifyIndex()
	}
}

func (s *Service) rememberReply(pageID, blockID string) {
	s.mu.Lock()
	s.replies[pageID] = blockID
	s.mu.Unlock()
}

func (s *Service) forgetReply(pageID string) {
	s.mu.Lock()
	delete(s.replies, pageID)
	s.mu.Unlock()
}

// onChange collects changed pages and checks them once the burst settles.
func (s *Service) onChange(c blocks.Change) {
	switch c.Kind {
	case blocks.ChangeBlockRemoved, blocks.ChangeExternal:
	default:
		return
	}
	s.mu.Lock()
	if c.PageID == "" {
		s.anyPage = true
	} else {
		s.changed[c.PageID] = true
	}
	s.mu.Unlock()
	s.debounce(s.checkReplies)
}

// checkReplies stops every job whose assistant block no longer exists.
func (s *Service) checkReplies() {
	s.mu.Lock()
	targets := make(map[string]string)
	for page, block := range s.replies {
		if s.anyPage || s.changed[page] {
			targets[page] = block
		}
	}
	s.changed = make(map[string]bool)
	s.anyPage = false
	s.mu.Unlock()

	ctx := context.Background()
	for page, block := range targets {
		_, err := s.store.GetBlock(ctx, block)
		if errors.Is(err, blocks.ErrNotFound) {
			s.logger.Info("assistant block removed, stopping job", "page_id", page, "block_id", block)
			s.Stop(ctx, page, "assistant block removed")
			continue
		}
		if err != nil {
			s.logger.Warn("checking assistant block failed", "page_id", page, "block_id", block, "error", err)
		}
	}
}
