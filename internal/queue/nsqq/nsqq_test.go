package nsqq

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/harbor_fdx/internal/logging"
	"github.com/austindbirch/harbor_fdx/internal/queue"
	"github.com/austindbirch/harbor_fdx/internal/task"
)

type fakeDelegate struct {
	mu       sync.Mutex
	finished int
	requeued int
}

func (d *fakeDelegate) OnFinish(*nsq.Message) {
	d.mu.Lock()
	d.finished++
	d.mu.Unlock()
}

func (d *fakeDelegate) OnRequeue(*nsq.Message, time.Duration, bool) {
	d.mu.Lock()
	d.requeued++
	d.mu.Unlock()
}

func (d *fakeDelegate) OnTouch(*nsq.Message) {}

func (d *fakeDelegate) counts() (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.finished, d.requeued
}

func newOfflineQueue(cfg Config) *Queue {
	return &Queue{
		cfg:     cfg,
		logger:  logging.Discard(),
		http:    &http.Client{Timeout: time.Second},
		claims:  make(chan *task.Task),
		closing: make(chan struct{}),
	}
}

func newMessage(t *testing.T, body []byte, d nsq.MessageDelegate) *nsq.Message {
	t.Helper()
	var id nsq.MessageID
	copy(id[:], "0123456789abcdef")
	m := nsq.NewMessage(id, body)
	m.Delegate = d
	return m
}

func TestHandle_HandsTaskToDequeue(t *testing.T) {
	q := newOfflineQueue(Config{Topic: "fdx-tasks", Channel: DefaultChannel})
	want := task.New("getAccounts", "fdx-tasks", []any{"cust-1"})
	want.Attempt = 4
	body, _ := json.Marshal(want)

	d := &fakeDelegate{}
	done := make(chan error, 1)
	go func() { done <- q.handle(newMessage(t, body, d)) }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue() error: %v", err)
	}
	if got.ID != want.ID || got.Attempt != 4 || got.Operation != "getAccounts" {
		t.Errorf("Dequeue() = %+v, want %+v", got, want)
	}
	if err := <-done; err != nil {
		t.Errorf("handle() = %v", err)
	}
	if f, r := d.counts(); f != 1 || r != 0 {
		t.Errorf("finished/requeued = %d/%d, want 1/0", f, r)
	}
}

func TestHandle_BadPayloadFinished(t *testing.T) {
	q := newOfflineQueue(Config{Topic: "fdx-tasks"})
	d := &fakeDelegate{}
	if err := q.handle(newMessage(t, []byte("{not json"), d)); err != nil {
		t.Errorf("handle() = %v, want nil", err)
	}
	if f, _ := d.counts(); f != 1 {
		t.Errorf("bad payload finished %d times, want 1", f)
	}
}

func TestHandle_RequeuedOnClose(t *testing.T) {
	q := newOfflineQueue(Config{Topic: "fdx-tasks"})
	body, _ := json.Marshal(task.New("getCustomer", "fdx-tasks", nil))
	d := &fakeDelegate{}

	done := make(chan struct{})
	go func() {
		_ = q.handle(newMessage(t, body, d))
		close(done)
	}()
	close(q.closing)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handle() did not return after close")
	}
	if f, r := d.counts(); f != 0 || r != 1 {
		t.Errorf("finished/requeued = %d/%d, want 0/1", f, r)
	}

	if _, err := q.Dequeue(context.Background()); !errors.Is(err, queue.ErrClosed) {
		t.Errorf("Dequeue() after close = %v, want ErrClosed", err)
	}
	if err := q.Enqueue(context.Background(), task.New("getCustomer", "fdx-tasks", nil)); !errors.Is(err, queue.ErrClosed) {
		t.Errorf("Enqueue() after close = %v, want ErrClosed", err)
	}
}

func TestDepth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stats" || r.URL.Query().Get("format") != "json" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{
			"topics": [
				{"topic_name": "fdx-tasks", "depth": 2, "channels": [
					{"channel_name": "workers", "depth": 5, "deferred_count": 3},
					{"channel_name": "audit", "depth": 100, "deferred_count": 0}
				]},
				{"topic_name": "fdx-tasks_dlq", "depth": 9, "channels": []}
			]
		}`))
	}))
	defer srv.Close()

	q := newOfflineQueue(Config{
		Topic:        "fdx-tasks",
		Channel:      DefaultChannel,
		NsqdHTTPAddr: strings.TrimPrefix(srv.URL, "http://"),
	})
	got, err := q.Depth(context.Background())
	if err != nil {
		t.Fatalf("Depth() error: %v", err)
	}
	if got != 10 {
		t.Errorf("Depth() = %d, want 10", got)
	}
}

func TestDepth_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tests := []struct {
		name string
		addr string
	}{
		{name: "no address", addr: ""},
		{name: "server error", addr: strings.TrimPrefix(srv.URL, "http://")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newOfflineQueue(Config{Topic: "fdx-tasks", Channel: DefaultChannel, NsqdHTTPAddr: tt.addr})
			if _, err := q.Depth(context.Background()); err == nil {
				t.Error("Depth() expected error")
			}
		})
	}
}
