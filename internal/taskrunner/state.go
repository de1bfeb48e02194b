// Package taskrunner models the lifecycle of one long-running task per key
// as an Idle/Running state machine whose transitions are handed out as
// use-once nodes.
package taskrunner

import "fmt"

// Box distinguishes "no value" (a nil *Box) from "a value that happens to be
// the zero value" (a non-nil *Box holding it).
type Box[V any] struct {
	Value V
}

// NewBox wraps v.
func NewBox[V any](v V) *Box[V] {
	return &Box[V]{Value: v}
}

// State is either Idle or Running.
type State[P any] interface {
	isState()
	IsRunning() bool
}

// Idle means no task is running for the key. Error carries the failure or
// stop reason of the previous run, if any.
type Idle[P any] struct {
	Error *Box[error]
}

// Running means a task is in flight. Data carries the latest progress value
// and is nil until the task emits one.
type Running[P any] struct {
	Data *Box[P]
}

func (Idle[P]) isState()    {}
func (Running[P]) isState() {}

func (Idle[P]) IsRunning() bool    { return false }
func (Running[P]) IsRunning() bool { return true }

// StopReason is the error recorded in Idle when a run is stopped from outside.
// It lets callers tell a cancellation apart from a task failure with errors.As.
type StopReason struct {
	Reason string
}

func (r *StopReason) Error() string {
	if r.Reason == "" {
		return "task stopped"
	}
	return fmt.Sprintf("task stopped: %s", r.Reason)
}

// TaskRequest identifies the run handed to a task function.
type TaskRequest struct {
	JobKey string
}
