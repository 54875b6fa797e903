// Package queue defines the named task queue shared by the dispatcher and the
// worker pool. Every entry is delivered to exactly one Dequeue caller.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/austindbirch/harbor_fdx/internal/task"
)

// ErrClosed is returned by every operation on a closed queue.
var ErrClosed = errors.New("queue: closed")

// Queue is a named FIFO of pending task attempts.
type Queue interface {
	Name() string
	// Enqueue makes t immediately available to Dequeue.
	Enqueue(ctx context.Context, t *task.Task) error
	// EnqueueAfter makes t available once d has elapsed. The caller does not
	// wait for the delay.
	EnqueueAfter(ctx context.Context, t *task.Task, d time.Duration) error
	// Dequeue blocks until an entry is available, ctx is done or the queue is closed.
	Dequeue(ctx context.Context) (*task.Task, error)
	// Depth counts entries not yet claimed, including delayed ones.
	Depth(ctx context.Context) (int, error)
	Close() error
}
