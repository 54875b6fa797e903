// Package dispatch is the entry point callers use to run activities: Submit
// enqueues a task and returns a Handle that resolves to its terminal result.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/austindbirch/harbor_fdx/internal/clock"
	"github.com/austindbirch/harbor_fdx/internal/logging"
	"github.com/austindbirch/harbor_fdx/internal/metrics"
	"github.com/austindbirch/harbor_fdx/internal/queue"
	"github.com/austindbirch/harbor_fdx/internal/task"
	"github.com/austindbirch/harbor_fdx/internal/taskerr"
	"github.com/austindbirch/harbor_fdx/internal/tracing"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("dispatch: client closed")

// Client correlates submitted tasks with their handles. Completed tasks are
// dropped from the table; the handle keeps the result.
type Client struct {
	queue  queue.Queue
	clock  clock.Clock
	logger *logging.Logger

	mu        sync.Mutex
	pending   map[string]*Handle
	cancelled map[string]struct{}
	closed    bool
}

type Option func(*Client)

func WithClock(c clock.Clock) Option {
	return func(cl *Client) { cl.clock = c }
}

func WithLogger(l *logging.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

func NewClient(q queue.Queue, opts ...Option) *Client {
	c := &Client{
		queue:     q,
		clock:     clock.Real(),
		logger:    logging.New("harborfdx-dispatch"),
		pending:   make(map[string]*Handle),
		cancelled: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Submit enqueues the first attempt of operation and returns its handle.
// Every call gets a new task ID; identical requests are not deduplicated.
func (c *Client) Submit(ctx context.Context, operation string, args ...any) (*Handle, error) {
	if operation == "" {
		return nil, fmt.Errorf("dispatch: empty operation")
	}
	t := task.NewAt(operation, c.queue.Name(), args, c.clock.Now())
	t.TraceHeaders = tracing.PropagateTrace(ctx)

	h := &Handle{
		id:        t.ID,
		operation: operation,
		submitted: c.clock.Now(),
		done:      make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	// registered before enqueue so a fast worker always finds it
	c.pending[t.ID] = h
	c.mu.Unlock()

	if err := c.queue.Enqueue(ctx, t); err != nil {
		c.mu.Lock()
		delete(c.pending, t.ID)
		c.mu.Unlock()
		return nil, fmt.Errorf("enqueue task %s: %w", t.ID, err)
	}

	metrics.RecordSubmitted(operation)
	c.logger.WithContext(ctx).WithTask(t.ID).WithOperation(operation).WithQueue(t.Queue).Debug("task submitted")
	return h, nil
}

// Complete resolves the handle of id with r. Results for unknown or already
// completed tasks are ignored.
func (c *Client) Complete(id string, r task.Result) {
	c.mu.Lock()
	h := c.pending[id]
	delete(c.pending, id)
	delete(c.cancelled, id)
	c.mu.Unlock()

	if h == nil {
		c.logger.Plain().WithTask(id).Debug("result for unknown task dropped")
		return
	}
	if h.resolve(r) {
		metrics.RecordTaskDuration(h.operation, string(r.Status()), c.clock.Now().Sub(h.submitted))
	}
}

// Cancel marks a pending task cancelled. The attempt in progress, if any,
// runs to completion; no further attempt starts. It reports whether id was pending.
func (c *Client) Cancel(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; !ok {
		return false
	}
	c.cancelled[id] = struct{}{}
	return true
}

func (c *Client) IsCancelled(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.cancelled[id]
	return ok
}

// Pending returns the number of tasks awaiting a result.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close rejects further submissions and fails every unresolved handle.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]*Handle)
	c.cancelled = make(map[string]struct{})
	c.mu.Unlock()

	for _, h := range pending {
		h.resolve(task.Failure(taskerr.New(taskerr.KindNonRetryable, "dispatcher closed before the task completed"), 0))
	}
}

// Handle is the awaitable result of one submitted task. It is safe for any
// number of concurrent awaiters; all observe the same outcome.
type Handle struct {
	id        string
	operation string
	submitted time.Time

	once   sync.Once
	done   chan struct{}
	result task.Result
}

func (h *Handle) ID() string { return h.id }

func (h *Handle) Operation() string { return h.operation }

// Done is closed once the result is set.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the task is terminal or ctx is done. Only ctx errors are
// returned; a failed task is reported in the result.
func (h *Handle) Wait(ctx context.Context) (task.Result, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return task.Result{}, ctx.Err()
	}
}

// Result blocks until the task is terminal and returns its value, or the
// classified *taskerr.Error whose Attempt is the number of attempts made.
func (h *Handle) Result(ctx context.Context) (any, error) {
	r, err := h.Wait(ctx)
	if err != nil {
		return nil, err
	}
	if r.Err != nil {
		return nil, r.Err
	}
	return r.Value, nil
}

// Outcome returns the result without blocking.
func (h *Handle) Outcome() (task.Result, bool) {
	select {
	case <-h.done:
		return h.result, true
	default:
		return task.Result{}, false
	}
}

func (h *Handle) resolve(r task.Result) bool {
	resolved := false
	h.once.Do(func() {
		h.result = r
		close(h.done)
		resolved = true
	})
	return resolved
}
