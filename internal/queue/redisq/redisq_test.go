package redisq

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/harbor_fdx/internal/clock"
	"github.com/austindbirch/harbor_fdx/internal/logging"
	"github.com/austindbirch/harbor_fdx/internal/queue"
	"github.com/austindbirch/harbor_fdx/internal/task"
)

func TestNew_InvalidURL(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		{name: "empty", url: ""},
		{name: "wrong scheme", url: "http://localhost:6379"},
		{name: "unreachable", url: "redis://127.0.0.1:1/0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := New("fdx-tasks", Config{URL: tt.url}, logging.Discard())
			if err == nil {
				_ = q.Close()
				t.Errorf("New(%q) expected error", tt.url)
			}
		})
	}
}

func TestKeys(t *testing.T) {
	q := &Queue{name: "fdx-tasks", cfg: Config{Prefix: "harborfdx"}}
	if got := q.readyKey(); got != "harborfdx:queue:fdx-tasks:ready" {
		t.Errorf("readyKey() = %q", got)
	}
	if got := q.delayedKey(); got != "harborfdx:queue:fdx-tasks:delayed" {
		t.Errorf("delayedKey() = %q", got)
	}
}

// newIntegrationQueue needs a disposable Redis at REDIS_TEST_URL.
func newIntegrationQueue(t *testing.T, c clock.Clock) *Queue {
	t.Helper()
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("ParseURL() error: %v", err)
	}
	rdb := redis.NewClient(opts)
	prefix := "harborfdx-test-" + task.NewID()
	q := NewWithClient("fdx-tasks", rdb, Config{
		Prefix:       prefix,
		PollInterval: 10 * time.Millisecond,
		BlockTimeout: 50 * time.Millisecond,
	}, c, logging.Discard())
	t.Cleanup(func() {
		_ = rdb.Del(context.Background(), q.readyKey(), q.delayedKey()).Err()
		_ = q.Close()
	})
	return q
}

func TestIntegration_EnqueueDequeue(t *testing.T) {
	q := newIntegrationQueue(t, clock.Real())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first := task.New("getCustomer", q.Name(), []any{"cust-1"})
	second := task.New("getAccounts", q.Name(), []any{"cust-1"})
	_ = q.Enqueue(ctx, first)
	_ = q.Enqueue(ctx, second)

	if n, err := q.Depth(ctx); err != nil || n != 2 {
		t.Errorf("Depth() = %d, %v; want 2", n, err)
	}
	for _, want := range []*task.Task{first, second} {
		got, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue() error: %v", err)
		}
		if got.ID != want.ID {
			t.Errorf("Dequeue() = %s, want %s", got.ID, want.ID)
		}
	}
}

func TestIntegration_DelayedPromotion(t *testing.T) {
	fake := clock.NewFake(time.Now())
	q := newIntegrationQueue(t, fake)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tk := task.New("getStatements", q.Name(), nil)
	tk.Attempt = 2
	if err := q.EnqueueAfter(ctx, tk, time.Minute); err != nil {
		t.Fatalf("EnqueueAfter() error: %v", err)
	}
	if n, _ := q.Promote(ctx); n != 0 {
		t.Errorf("Promote() before due = %d, want 0", n)
	}

	fake.Advance(time.Minute)
	got, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue() error: %v", err)
	}
	if got.ID != tk.ID || got.Attempt != 2 {
		t.Errorf("Dequeue() = %+v, want %s attempt 2", got, tk.ID)
	}
}

func TestIntegration_Close(t *testing.T) {
	q := newIntegrationQueue(t, clock.Real())
	_ = q.Close()

	if _, err := q.Dequeue(context.Background()); !errors.Is(err, queue.ErrClosed) {
		t.Errorf("Dequeue() after Close = %v, want ErrClosed", err)
	}
	if err := q.Enqueue(context.Background(), task.New("getCustomer", q.Name(), nil)); !errors.Is(err, queue.ErrClosed) {
		t.Errorf("Enqueue() after Close = %v, want ErrClosed", err)
	}
}
