// Package task holds the task record passed between the dispatcher, the
// queue and the workers, and the terminal result delivered to callers.
package task

import (
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/harbor_fdx/internal/taskerr"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Task is one submitted invocation. Only the worker that dequeued it may
// mutate it, until it is handed back to a queue.
type Task struct {
	ID           string            `json:"task_id"`
	Operation    string            `json:"operation"`
	Args         []any             `json:"args"`
	Attempt      int               `json:"attempt"`
	Status       Status            `json:"status"`
	Queue        string            `json:"queue"`
	EnqueuedAt   string            `json:"enqueued_at"`             // RFC3339
	TraceHeaders map[string]string `json:"trace_headers,omitempty"` // OTel trace propagation headers
}

// NewID returns a random 128-bit identifier.
func NewID() string {
	return uuid.NewString()
}

// New builds the first attempt of an invocation, stamped with the current time.
func New(operation, queue string, args []any) *Task {
	return NewAt(operation, queue, args, time.Now())
}

// NewAt is New stamped with now.
func NewAt(operation, queue string, args []any, now time.Time) *Task {
	return &Task{
		ID:         NewID(),
		Operation:  operation,
		Args:       args,
		Attempt:    1,
		Status:     StatusPending,
		Queue:      queue,
		EnqueuedAt: now.UTC().Format(time.RFC3339Nano),
	}
}

// Result is the terminal outcome of a task. Exactly one of Value or Err is
// meaningful: Err is nil on success.
type Result struct {
	Value    any
	Err      *taskerr.Error
	Attempts int
}

// Success builds a successful result.
func Success(value any, attempts int) Result {
	return Result{Value: value, Attempts: attempts}
}

// Failure builds a terminal failure; err.Attempt is set to attemptsMade.
func Failure(err *taskerr.Error, attemptsMade int) Result {
	failure := *err
	failure.Attempt = attemptsMade
	return Result{Err: &failure, Attempts: attemptsMade}
}

// Succeeded reports whether the result is a success.
func (r Result) Succeeded() bool { return r.Err == nil }

// Status returns the terminal status matching r.
func (r Result) Status() Status {
	if r.Succeeded() {
		return StatusSucceeded
	}
	return StatusFailed
}
