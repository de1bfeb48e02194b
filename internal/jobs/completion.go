package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/blockchat/internal/blocks"
	"github.com/kalambet/blockchat/internal/engine"
	"github.com/kalambet/blockchat/internal/pubsub"
	"github.com/kalambet/blockchat/internal/thread"
)

// DefaultFlushInterval is how often streamed content is written back to the
// assistant block while a completion is running.
const DefaultFlushInterval = 150 * time.Millisecond

// CompletionRequest describes one assistant reply to produce.
type CompletionRequest struct {
	PageID   string
	ThreadID string
	Model    string
	Messages []engine.Message
}

// CompletionResult is the outcome of a finished completion.
type CompletionResult struct {
	BlockID string
	Content string
}

// MessageWriter persists the assistant reply. *thread.Service implements it.
type MessageWriter interface {
	AppendMessageToThread(ctx context.Context, pageID string, msg thread.Message, opts thread.AppendOptions) (blocks.Block, error)
	UpdateMessage(ctx context.Context, blockID, content string) error
}

// IndexQueue schedules a block for embedding. *blocks.Store implements it.
type IndexQueue interface {
	EnqueueIndex(ctx context.Context, pageID, blockID string) error
}

// CompletionOption configures a CompletionJob.
type CompletionOption func(*CompletionJob)

// WithFlushInterval sets how often partial content is written. Zero or less
// writes on every delta.
func WithFlushInterval(d time.Duration) CompletionOption {
	return func(j *CompletionJob) {
		j.flushEvery = d
	}
}

// WithIndexQueue enqueues the finished assistant block for indexing.
func WithIndexQueue(q IndexQueue) CompletionOption {
	return func(j *CompletionJob) {
		j.index = q
	}
}

// WithProgress registers fn to receive the block id and the content written
// so far after every flush.
func WithProgress(fn func(CompletionResult)) CompletionOption {
	return func(j *CompletionJob) {
		j.progress = fn
	}
}

// WithCompletionLogger sets the logger.
func WithCompletionLogger(l *slog.Logger) CompletionOption {
	return func(j *CompletionJob) {
		j.logger = l
	}
}

// CompletionJob streams a reply from a Completer into a new assistant block.
// It is a Job: it stops itself as soon as the run reaches a terminal state,
// so the Manager forgets it without being told.
type CompletionJob struct {
	completer  engine.Completer
	writer     MessageWriter
	index      IndexQueue
	flushEvery time.Duration
	progress   func(CompletionResult)
	logger     *slog.Logger

	actor *Actor[CompletionRequest, CompletionResult]

	mu      sync.Mutex
	blockID string
	outcome ActorState[CompletionResult]
}

// NewCompletionJob returns an idle job. Call Start to begin streaming.
func NewCompletionJob(completer engine.Completer, writer MessageWriter, opts ...CompletionOption) *CompletionJob {
	j := &CompletionJob{
		completer:  completer,
		writer:     writer,
		flushEvery: DefaultFlushInterval,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(j)
	}
	j.actor = NewActor(j.work, WithActorLogger(j.logger), WithActorName("completion"))
	j.actor.Listen(j.onState, false)
	return j
}

func (j *CompletionJob) onState(s ActorState[CompletionResult]) {
	if !s.Status.Terminal() {
		return
	}
	if s.Status != StatusStopped {
		j.mu.Lock()
		j.outcome = s
		j.mu.Unlock()
	}
	j.actor.Stop()
}

// Start begins the completion. Later calls are ignored.
func (j *CompletionJob) Start(req CompletionRequest) {
	j.actor.Send(RunJob[CompletionRequest]{Input: req})
}

// Cancel abandons a running completion. Content streamed so far stays in
// the block as of the last flush.
func (j *CompletionJob) Cancel() {
	j.actor.Send(CancelRunningJob{})
}

// Stop stops the job and waits for the stream to return or ctx to expire.
func (j *CompletionJob) Stop(ctx context.Context) error {
	j.actor.Stop()

	done := make(chan struct{})
	go func() {
		j.actor.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for completion to stop: %w", ctx.Err())
	}
}

// Stopped opens once the job has stopped.
func (j *CompletionJob) Stopped() *pubsub.Gate {
	return j.actor.Stopped()
}

// State returns the actor's current state.
func (j *CompletionJob) State() ActorState[CompletionResult] {
	return j.actor.State()
}

// Outcome returns the terminal state the run reached before the job stopped
// itself. It is idle while the run is in progress, and stays idle when the
// job was stopped from outside.
func (j *CompletionJob) Outcome() ActorState[CompletionResult] {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.outcome
}

// Listen subscribes fn to state changes.
func (j *CompletionJob) Listen(fn func(ActorState[CompletionResult]), immediate bool) (unsubscribe func()) {
	return j.actor.Listen(fn, immediate)
}

// BlockID returns the assistant block being written, or "" before it exists.
func (j *CompletionJob) BlockID() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.blockID
}

func (j *CompletionJob) work(ctx context.Context, req CompletionRequest) (CompletionResult, error) {
	rw := ReplyWriter{Completer: j.completer, Writer: j.writer, FlushEvery: j.flushEvery}
	res, err := rw.Write(ctx, req, func(r CompletionResult) {
		j.mu.Lock()
		j.blockID = r.BlockID
		j.mu.Unlock()
		if j.progress != nil {
			j.progress(r)
		}
	})
	if err != nil {
		return CompletionResult{}, err
	}

	if j.index != nil {
		if err := j.index.EnqueueIndex(ctx, req.PageID, res.BlockID); err != nil {
			j.logger.Warn("enqueueing index job failed", "page_id", req.PageID, "block_id", res.BlockID, "error", err)
		}
	}
	return res, nil
}

// ReplyWriter streams a completion into a new assistant block of the
// requested thread.
type ReplyWriter struct {
	Completer  engine.Completer
	Writer     MessageWriter
	FlushEvery time.Duration
}

// Write creates the assistant block, then appends deltas to it, writing the
// accumulated content at most once per FlushEvery and once more at the end.
// onFlush, if set, is called after the block is created and after every
// write. When ctx is cancelled Write returns ctx.Err() without the final
// write; on a stream failure the partial content is written before the
// error is returned.
func (rw ReplyWriter) Write(ctx context.Context, req CompletionRequest, onFlush func(CompletionResult)) (CompletionResult, error) {
	b, err := rw.Writer.AppendMessageToThread(ctx, req.PageID,
		thread.Message{Role: thread.RoleAssistant},
		thread.AppendOptions{ThreadID: req.ThreadID})
	if err != nil {
		return CompletionResult{}, fmt.Errorf("creating assistant block: %w", err)
	}
	if onFlush != nil {
		onFlush(CompletionResult{BlockID: b.UUID})
	}

	var (
		content   strings.Builder
		flushed   int
		lastFlush = time.Now()
	)
	flush := func(ctx context.Context) error {
		if content.Len() == flushed {
			return nil
		}
		if err := rw.Writer.UpdateMessage(ctx, b.UUID, content.String()); err != nil {
			return fmt.Errorf("writing assistant block %s: %w", b.UUID, err)
		}
		flushed = content.Len()
		lastFlush = time.Now()
		if onFlush != nil {
			onFlush(CompletionResult{BlockID: b.UUID, Content: content.String()})
		}
		return nil
	}

	streamErr := rw.Completer.Stream(ctx, req.Model, req.Messages, func(delta string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		content.WriteString(delta)
		if time.Since(lastFlush) < rw.FlushEvery {
			return nil
		}
		return flush(ctx)
	})

	if err := ctx.Err(); err != nil {
		return CompletionResult{}, err
	}
	if err := flush(ctx); err != nil {
		return CompletionResult{}, err
	}
	if streamErr != nil {
		return CompletionResult{}, fmt.Errorf("streaming completion: %w", streamErr)
	}
	return CompletionResult{BlockID: b.UUID, Content: content.String()}, nil
}
