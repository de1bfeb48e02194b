package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// statusLog records every status an actor publishes.
type statusLog struct {
	mu       sync.Mutex
	statuses []Status
	changed  chan struct{}
}

func newStatusLog() *statusLog {
	return &statusLog{changed: make(chan struct{}, 64)}
}

func (l *statusLog) record(s ActorState[string]) {
	l.mu.Lock()
	l.statuses = append(l.statuses, s.Status)
	l.mu.Unlock()
	select {
	case l.changed <- struct{}{}:
	default:
	}
}

func (l *statusLog) all() []Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Status(nil), l.statuses...)
}

func waitStatus[Out any](t *testing.T, a *Actor[string, Out], want Status) ActorState[Out] {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s := a.State(); s.Status == want {
			return s
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("actor never reached %s, last %s", want, a.State().Status)
	return ActorState[Out]{}
}

func TestActorRunsToDone(t *testing.T) {
	a := NewActor(func(_ context.Context, in string) (string, error) {
		return "echo " + in, nil
	})
	log := newStatusLog()
	a.Listen(log.record, true)

	a.Send(RunJob[string]{Input: "hi"})
	s := waitStatus(t, a, StatusDone)
	a.Wait()

	assert.Equal(t, "echo hi", s.Result)
	assert.NoError(t, s.Err)
	assert.Equal(t, []Status{StatusIdle, StatusRunning, StatusDone}, log.all())
}

func TestActorCapturesFailure(t *testing.T) {
	boom := errors.New("boom")
	a := NewActor(func(context.Context, string) (string, error) { return "", boom })

	a.Send(RunJob[string]{Input: "x"})
	s := waitStatus(t, a, StatusFailed)
	a.Wait()

	assert.ErrorIs(t, s.Err, boom)
}

func TestActorIgnoresRunWhileRunning(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var inputs []string
	a := NewActor(func(_ context.Context, in string) (string, error) {
		mu.Lock()
		inputs = append(inputs, in)
		mu.Unlock()
		<-release
		return in, nil
	})

	a.Send(RunJob[string]{Input: "first"})
	a.Send(RunJob[string]{Input: "second"})
	close(release)
	s := waitStatus(t, a, StatusDone)
	a.Wait()

	assert.Equal(t, "first", s.Result)
	mu.Lock()
	assert.Equal(t, []string{"first"}, inputs)
	mu.Unlock()
}

func TestActorCancelIsSynchronousAndDropsLateResult(t *testing.T) {
	started := make(chan struct{})
	a := NewActor(func(ctx context.Context, _ string) (string, error) {
		close(started)
		<-ctx.Done()
		return "late", nil
	})

	a.Send(RunJob[string]{Input: "x"})
	<-started
	a.Send(CancelRunningJob{})
	assert.Equal(t, StatusCanceled, a.State().Status)

	a.Wait()
	s := a.State()
	assert.Equal(t, StatusCanceled, s.Status)
	assert.Empty(t, s.Result)
}

func TestActorCancelWhenIdleIsNoop(t *testing.T) {
	a := NewActor(func(context.Context, string) (string, error) { return "", nil })
	a.Send(CancelRunningJob{})
	assert.Equal(t, StatusIdle, a.State().Status)
}

func TestActorRunsAgainAfterTerminal(t *testing.T) {
	a := NewActor(func(_ context.Context, in string) (string, error) { return in, nil })

	a.Send(RunJob[string]{Input: "one"})
	waitStatus(t, a, StatusDone)
	a.Wait()

	a.Send(RunJob[string]{Input: "two"})
	deadline := time.Now().Add(2 * time.Second)
	for a.State().Result != "two" && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	a.Wait()
	assert.Equal(t, "two", a.State().Result)
}

func TestActorStopCancelsAndIgnoresLaterEvents(t *testing.T) {
	started := make(chan struct{})
	var calls int
	var mu sync.Mutex
	a := NewActor(func(ctx context.Context, _ string) (string, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	})

	a.Send(RunJob[string]{Input: "x"})
	<-started
	a.Stop()
	require.True(t, a.Stopped().IsOpen())
	assert.Equal(t, StatusStopped, a.State().Status)

	a.Wait()
	assert.Equal(t, StatusStopped, a.State().Status, "failure after stop must not apply")

	a.Send(RunJob[string]{Input: "again"})
	a.Stop()
	assert.Equal(t, StatusStopped, a.State().Status)
	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
}

func TestActorStopFromListener(t *testing.T) {
	a := NewActor(func(_ context.Context, in string) (string, error) { return in, nil })
	log := newStatusLog()
	a.Listen(func(s ActorState[string]) {
		log.record(s)
		if s.Status == StatusDone {
			a.Stop()
		}
	}, false)

	a.Send(RunJob[string]{Input: "x"})
	select {
	case <-a.Stopped().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("actor did not stop")
	}
	a.Wait()
	assert.Equal(t, []Status{StatusRunning, StatusDone, StatusStopped}, log.all())
}

func TestStatusTerminal(t *testing.T) {
	tests := []struct {
		status   Status
		terminal bool
	}{
		{StatusIdle, false},
		{StatusRunning, false},
		{StatusDone, true},
		{StatusFailed, true},
		{StatusCanceled, true},
		{StatusStopped, true},
	}
	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.Terminal())
		})
	}
}
