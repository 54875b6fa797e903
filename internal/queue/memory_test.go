package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/austindbirch/harbor_fdx/internal/clock"
	"github.com/austindbirch/harbor_fdx/internal/task"
)

func dequeueWithin(t *testing.T, q Queue, d time.Duration) (*task.Task, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return q.Dequeue(ctx)
}

func TestMemory_FIFO(t *testing.T) {
	q := NewMemory("fdx-tasks", nil)
	defer q.Close()

	first := task.New("getCustomer", q.Name(), nil)
	second := task.New("getAccounts", q.Name(), nil)
	for _, tk := range []*task.Task{first, second} {
		if err := q.Enqueue(context.Background(), tk); err != nil {
			t.Fatalf("Enqueue() error: %v", err)
		}
	}
	if n, _ := q.Depth(context.Background()); n != 2 {
		t.Errorf("Depth() = %d, want 2", n)
	}

	for _, want := range []*task.Task{first, second} {
		got, err := dequeueWithin(t, q, time.Second)
		if err != nil {
			t.Fatalf("Dequeue() error: %v", err)
		}
		if got.ID != want.ID {
			t.Errorf("Dequeue() = %s, want %s", got.ID, want.ID)
		}
	}
}

func TestMemory_DequeueBlocksUntilEnqueue(t *testing.T) {
	q := NewMemory("fdx-tasks", nil)
	defer q.Close()

	got := make(chan *task.Task, 1)
	go func() {
		tk, err := q.Dequeue(context.Background())
		if err == nil {
			got <- tk
		}
	}()

	select {
	case <-got:
		t.Fatal("Dequeue() returned on an empty queue")
	case <-time.After(20 * time.Millisecond):
	}

	tk := task.New("getStatements", q.Name(), nil)
	_ = q.Enqueue(context.Background(), tk)
	select {
	case d := <-got:
		if d.ID != tk.ID {
			t.Errorf("Dequeue() = %s, want %s", d.ID, tk.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("Dequeue() never woke")
	}
}

func TestMemory_ExactlyOnceDelivery(t *testing.T) {
	q := NewMemory("fdx-tasks", nil)
	defer q.Close()

	const n = 500
	for i := 0; i < n; i++ {
		_ = q.Enqueue(context.Background(), task.New("getTransactions", q.Name(), nil))
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				tk, err := dequeueWithin(t, q, 50*time.Millisecond)
				if err != nil {
					return
				}
				mu.Lock()
				seen[tk.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Errorf("claimed %d distinct entries, want %d", len(seen), n)
	}
	for id, c := range seen {
		if c != 1 {
			t.Errorf("entry %s claimed %d times", id, c)
		}
	}
}

func TestMemory_EnqueueAfterUsesClock(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	q := NewMemory("fdx-tasks", fake)
	defer q.Close()

	tk := task.New("getAccount", q.Name(), nil)
	if err := q.EnqueueAfter(context.Background(), tk, 2*time.Second); err != nil {
		t.Fatalf("EnqueueAfter() error: %v", err)
	}
	if n, _ := q.Depth(context.Background()); n != 1 {
		t.Errorf("Depth() with delayed entry = %d, want 1", n)
	}

	if _, err := dequeueWithin(t, q, 20*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Dequeue() before delay = %v, want deadline exceeded", err)
	}

	fake.Advance(time.Second)
	if _, err := dequeueWithin(t, q, 20*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Dequeue() halfway = %v, want deadline exceeded", err)
	}

	fake.Advance(time.Second)
	got, err := dequeueWithin(t, q, time.Second)
	if err != nil {
		t.Fatalf("Dequeue() after delay error: %v", err)
	}
	if got.ID != tk.ID {
		t.Errorf("Dequeue() = %s, want %s", got.ID, tk.ID)
	}
}

func TestMemory_Close(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	q := NewMemory("fdx-tasks", fake)
	_ = q.EnqueueAfter(context.Background(), task.New("getCustomer", q.Name(), nil), time.Second)

	blocked := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		blocked <- err
	}()

	if err := q.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	select {
	case err := <-blocked:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("blocked Dequeue() = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close() did not wake Dequeue")
	}

	if len(fake.Pending()) != 0 {
		t.Errorf("Close() left timers pending: %v", fake.Pending())
	}
	if err := q.Enqueue(context.Background(), task.New("getCustomer", q.Name(), nil)); !errors.Is(err, ErrClosed) {
		t.Errorf("Enqueue() after Close = %v, want ErrClosed", err)
	}
	if err := q.EnqueueAfter(context.Background(), task.New("getCustomer", q.Name(), nil), time.Second); !errors.Is(err, ErrClosed) {
		t.Errorf("EnqueueAfter() after Close = %v, want ErrClosed", err)
	}
	if err := q.Close(); err != nil {
		t.Errorf("second Close() = %v, want nil", err)
	}
}
