package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/blockchat/internal/blocks"
	"github.com/kalambet/blockchat/internal/engine"
	"github.com/kalambet/blockchat/internal/thread"
)

type fakeWriter struct {
	mu       sync.Mutex
	appended []thread.AppendOptions
	updates  []string
	failNext error
}

func (w *fakeWriter) AppendMessageToThread(_ context.Context, pageID string, msg thread.Message, opts thread.AppendOptions) (blocks.Block, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failNext != nil {
		return blocks.Block{}, w.failNext
	}
	w.appended = append(w.appended, opts)
	return blocks.Block{UUID: "assistant-1", PageID: pageID}, nil
}

func (w *fakeWriter) UpdateMessage(_ context.Context, _ string, content string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.updates = append(w.updates, content)
	return nil
}

func (w *fakeWriter) snapshot() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.updates...)
}

// fakeCompleter emits deltas, then optionally blocks until ctx ends, then
// returns err.
type fakeCompleter struct {
	deltas  []string
	block   bool
	err     error
	emitted chan struct{}
	gotReq  []engine.Message
}

func (c *fakeCompleter) Stream(ctx context.Context, _ string, messages []engine.Message, onDelta func(string) error) error {
	c.gotReq = messages
	for _, d := range c.deltas {
		if err := onDelta(d); err != nil {
			return err
		}
	}
	if c.emitted != nil {
		close(c.emitted)
	}
	if c.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return c.err
}

type fakeIndex struct {
	mu     sync.Mutex
	blocks []string
}

func (q *fakeIndex) EnqueueIndex(_ context.Context, _, blockID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.blocks = append(q.blocks, blockID)
	return nil
}

func waitStopped(t *testing.T, j *CompletionJob) {
	t.Helper()
	select {
	case <-j.Stopped().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("completion job did not stop")
	}
	require.NoError(t, j.Stop(context.Background()))
}

func TestCompletionStreamsIntoBlock(t *testing.T) {
	w := &fakeWriter{}
	idx := &fakeIndex{}
	c := &fakeCompleter{deltas: []string{"Hel", "lo", "!"}}
	j := NewCompletionJob(c, w, WithFlushInterval(0), WithIndexQueue(idx))

	j.Start(CompletionRequest{
		PageID:   "p",
		ThreadID: "t1",
		Messages: []engine.Message{{Role: "user", Content: "hi"}},
	})
	waitStopped(t, j)

	out := j.Outcome()
	require.Equal(t, StatusDone, out.Status)
	assert.Equal(t, CompletionResult{BlockID: "assistant-1", Content: "Hello!"}, out.Result)
	assert.Equal(t, StatusStopped, j.State().Status)
	assert.Equal(t, "assistant-1", j.BlockID())
	assert.Equal(t, []string{"Hel", "Hello", "Hello!"}, w.snapshot())
	assert.Equal(t, []thread.AppendOptions{{ThreadID: "t1"}}, w.appended)
	assert.Equal(t, []string{"assistant-1"}, idx.blocks)
	assert.Len(t, c.gotReq, 1)
}

func TestCompletionThrottlesFlushes(t *testing.T) {
	w := &fakeWriter{}
	c := &fakeCompleter{deltas: []string{"a", "b", "c", "d"}}
	j := NewCompletionJob(c, w, WithFlushInterval(time.Hour))

	j.Start(CompletionRequest{PageID: "p"})
	waitStopped(t, j)

	assert.Equal(t, []string{"abcd"}, w.snapshot())
}

func TestCompletionCancelKeepsLastFlush(t *testing.T) {
	w := &fakeWriter{}
	idx := &fakeIndex{}
	emitted := make(chan struct{})
	c := &fakeCompleter{deltas: []string{"partial"}, block: true, emitted: emitted}
	j := NewCompletionJob(c, w, WithFlushInterval(0), WithIndexQueue(idx))

	j.Start(CompletionRequest{PageID: "p"})
	<-emitted
	j.Cancel()
	waitStopped(t, j)

	assert.Equal(t, StatusCanceled, j.Outcome().Status)
	assert.Equal(t, []string{"partial"}, w.snapshot())
	assert.Empty(t, idx.blocks)
}

func TestCompletionFailure(t *testing.T) {
	w := &fakeWriter{}
	boom := errors.New("upstream closed")
	c := &fakeCompleter{deltas: []string{"half"}, err: boom}
	j := NewCompletionJob(c, w, WithFlushInterval(time.Hour))

	j.Start(CompletionRequest{PageID: "p"})
	waitStopped(t, j)

	out := j.Outcome()
	require.Equal(t, StatusFailed, out.Status)
	assert.ErrorIs(t, out.Err, boom)
	assert.Equal(t, []string{"half"}, w.snapshot(), "partial content is flushed on failure")
}

func TestCompletionBlockCreationFailure(t *testing.T) {
	w := &fakeWriter{failNext: thread.ErrPageNotFound}
	j := NewCompletionJob(&fakeCompleter{}, w)

	j.Start(CompletionRequest{PageID: "missing"})
	waitStopped(t, j)

	out := j.Outcome()
	require.Equal(t, StatusFailed, out.Status)
	assert.ErrorIs(t, out.Err, thread.ErrPageNotFound)
	assert.Empty(t, j.BlockID())
}

func TestCompletionStopFromOutside(t *testing.T) {
	w := &fakeWriter{}
	emitted := make(chan struct{})
	c := &fakeCompleter{block: true, emitted: emitted}
	j := NewCompletionJob(c, w)

	j.Start(CompletionRequest{PageID: "p"})
	<-emitted
	require.NoError(t, j.Stop(context.Background()))

	assert.True(t, j.Stopped().IsOpen())
	assert.Equal(t, StatusIdle, j.Outcome().Status)
}

func TestManagerForgetsFinishedCompletion(t *testing.T) {
	m := NewManager()
	w := &fakeWriter{}
	c := &fakeCompleter{deltas: []string{"ok"}}

	var job *CompletionJob
	res := m.RunJob("p", func() Job {
		job = NewCompletionJob(c, w)
		return job
	})
	require.Equal(t, JobCreated, res)

	stopped := make(chan string, 1)
	m.OnJobStopped(func(k string) { stopped <- k }, false)
	job.Start(CompletionRequest{PageID: "p"})

	select {
	case k := <-stopped:
		assert.Equal(t, "p", k)
	case <-time.After(2 * time.Second):
		t.Fatal("manager never saw the job stop")
	}
	_, ok := m.GetRunningJob("p")
	assert.False(t, ok)
	require.NoError(t, job.Stop(context.Background()))
}

func TestReplyWriterReportsFlushes(t *testing.T) {
	w := &fakeWriter{}
	rw := ReplyWriter{Completer: &fakeCompleter{deltas: []string{"a", "b"}}, Writer: w}

	var seen []CompletionResult
	res, err := rw.Write(context.Background(), CompletionRequest{PageID: "p", ThreadID: "t"}, func(r CompletionResult) {
		seen = append(seen, r)
	})
	require.NoError(t, err)

	assert.Equal(t, CompletionResult{BlockID: "assistant-1", Content: "ab"}, res)
	assert.Equal(t, []CompletionResult{
		{BlockID: "assistant-1"},
		{BlockID: "assistant-1", Content: "a"},
		{BlockID: "assistant-1", Content: "ab"},
	}, seen)
}
