package queue

import (
	"context"
	"sync"
	"time"

	"github.com/austindbirch/harbor_fdx/internal/clock"
	"github.com/austindbirch/harbor_fdx/internal/task"
)

// Memory is an in-process Queue. Delayed entries wait on clock timers, so a
// retry delay never holds a worker.
type Memory struct {
	name  string
	clock clock.Clock

	mu      sync.Mutex
	ready   []*task.Task
	delayed map[uint64]clock.Timer
	nextID  uint64
	closed  bool
	signal  chan struct{}
}

var _ Queue = (*Memory)(nil)

// NewMemory returns an empty queue. A nil clock uses real time.
func NewMemory(name string, c clock.Clock) *Memory {
	if c == nil {
		c = clock.Real()
	}
	return &Memory{
		name:    name,
		clock:   c,
		delayed: make(map[uint64]clock.Timer),
		signal:  make(chan struct{}),
	}
}

func (q *Memory) Name() string { return q.name }

func (q *Memory) Enqueue(_ context.Context, t *task.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.pushLocked(t)
	return nil
}

func (q *Memory) EnqueueAfter(ctx context.Context, t *task.Task, d time.Duration) error {
	if d <= 0 {
		return q.Enqueue(ctx, t)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	id := q.nextID
	q.nextID++
	q.delayed[id] = q.clock.AfterFunc(d, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if _, ok := q.delayed[id]; !ok {
			return
		}
		delete(q.delayed, id)
		if !q.closed {
			q.pushLocked(t)
		}
	})
	return nil
}

func (q *Memory) Dequeue(ctx context.Context) (*task.Task, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		if len(q.ready) > 0 {
			t := q.ready[0]
			q.ready[0] = nil
			q.ready = q.ready[1:]
			q.mu.Unlock()
			return t, nil
		}
		wait := q.signal
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *Memory) Depth(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) + len(q.delayed), nil
}

// Close stops pending delayed entries and wakes every blocked Dequeue.
func (q *Memory) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for id, t := range q.delayed {
		t.Stop()
		delete(q.delayed, id)
	}
	q.ready = nil
	close(q.signal)
	return nil
}

func (q *Memory) pushLocked(t *task.Task) {
	q.ready = append(q.ready, t)
	close(q.signal)
	q.signal = make(chan struct{})
}
