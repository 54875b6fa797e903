// Package worker runs a pool of slots that claim task attempts from a queue,
// execute the registered activity and route failures through the retry policy.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_fdx/internal/activity"
	"github.com/austindbirch/harbor_fdx/internal/clock"
	"github.com/austindbirch/harbor_fdx/internal/deadletter"
	"github.com/austindbirch/harbor_fdx/internal/faults"
	"github.com/austindbirch/harbor_fdx/internal/logging"
	"github.com/austindbirch/harbor_fdx/internal/metrics"
	"github.com/austindbirch/harbor_fdx/internal/queue"
	"github.com/austindbirch/harbor_fdx/internal/retry"
	"github.com/austindbirch/harbor_fdx/internal/task"
	"github.com/austindbirch/harbor_fdx/internal/taskerr"
	"github.com/austindbirch/harbor_fdx/internal/tracing"
)

const (
	DefaultConcurrency    = 8
	DefaultAttemptTimeout = 30 * time.Second

	reasonCancelled = "cancelled"
)

// Sink receives terminal results and answers cancellation queries. The
// dispatch.Client implements it.
type Sink interface {
	Complete(id string, r task.Result)
	IsCancelled(id string) bool
}

// Hooks observe attempt outcomes. Every field is optional; hooks run on the
// slot goroutine and must not block.
type Hooks struct {
	OnAttemptStart func(t task.Task)
	// OnAttemptEnd receives nil on success.
	OnAttemptEnd func(t task.Task, failure *taskerr.Error)
	OnRetry      func(t task.Task, d retry.Decision)
	OnComplete   func(t task.Task, r task.Result)
}

type Config struct {
	Concurrency    int
	AttemptTimeout time.Duration
}

type Pool struct {
	cfg      Config
	queue    queue.Queue
	registry *activity.Registry
	policies *retry.Policies
	sink     Sink

	injector    *faults.Injector
	deadLetters deadletter.Sink
	clock       clock.Clock
	logger      *logging.Logger
	hooks       Hooks

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
	busy    atomic.Int64
}

type Option func(*Pool)

func WithInjector(inj *faults.Injector) Option {
	return func(p *Pool) { p.injector = inj }
}

func WithDeadLetters(s deadletter.Sink) Option {
	return func(p *Pool) { p.deadLetters = s }
}

func WithClock(c clock.Clock) Option {
	return func(p *Pool) { p.clock = c }
}

func WithLogger(l *logging.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

func WithHooks(h Hooks) Option {
	return func(p *Pool) { p.hooks = h }
}

func New(cfg Config, q queue.Queue, reg *activity.Registry, policies *retry.Policies, sink Sink, opts ...Option) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	p := &Pool{
		cfg:      cfg,
		queue:    q,
		registry: reg,
		policies: policies,
		sink:     sink,
		clock:    clock.Real(),
		logger:   logging.New("harborfdx-worker"),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start launches the slots. It returns immediately.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return errors.New("worker: pool already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running.Store(true)

	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.slot(ctx, i)
	}
	p.logger.Plain().WithQueue(p.queue.Name()).WithField("concurrency", p.cfg.Concurrency).Info("worker pool started")
	return nil
}

// Stop stops claiming new attempts and waits for in-flight attempts to
// finish, or for ctx to end.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.running.Store(false)
		p.logger.Plain().WithQueue(p.queue.Name()).Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker: stop: %w", ctx.Err())
	}
}

// Running reports whether the slots are claiming work.
func (p *Pool) Running() bool { return p.running.Load() }

// Busy returns the number of slots currently executing an attempt.
func (p *Pool) Busy() int { return int(p.busy.Load()) }

func (p *Pool) slot(ctx context.Context, n int) {
	defer p.wg.Done()
	for {
		t, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			p.logger.Plain().WithQueue(p.queue.Name()).WithField("slot", n).WithError(err).Error("dequeue failed")
			if p.clock.Sleep(ctx, 100*time.Millisecond) != nil {
				return
			}
			continue
		}

		p.busy.Add(1)
		// attempts in progress run to completion even while the pool stops
		p.process(context.WithoutCancel(ctx), t)
		p.busy.Add(-1)
	}
}

// process owns t for the duration of one attempt.
func (p *Pool) process(ctx context.Context, t *task.Task) {
	ctx = tracing.ExtractTrace(ctx, t.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "worker.attempt", tracing.TaskAttributes(t.ID, t.Operation, t.Queue, t.Attempt)...)
	defer span.End()

	log := p.logger.WithContext(ctx).WithTask(t.ID).WithOperation(t.Operation).WithQueue(t.Queue)

	if p.sink.IsCancelled(t.ID) {
		metrics.RecordAttempt(t.Operation, reasonCancelled)
		tracing.AddSpanEvent(ctx, "task.cancelled")
		p.finish(t, task.Failure(cancelledError(), t.Attempt-1))
		log.WithField("attempt", t.Attempt).Info("task cancelled before attempt")
		return
	}

	t.Status = task.StatusRunning
	if p.hooks.OnAttemptStart != nil {
		p.hooks.OnAttemptStart(*t)
	}

	value, failure := p.attempt(ctx, t)
	if p.hooks.OnAttemptEnd != nil {
		p.hooks.OnAttemptEnd(*t, failure)
	}

	if failure == nil {
		metrics.RecordAttempt(t.Operation, "success")
		tracing.AddSpanEvent(ctx, "task.succeeded")
		p.finish(t, task.Success(value, t.Attempt))
		log.WithField("attempt", t.Attempt).Debug("task succeeded")
		return
	}

	metrics.RecordAttempt(t.Operation, "failure")
	tracing.SetSpanError(ctx, failure)
	span.SetAttributes(tracing.AttrErrorKind.String(failure.Kind.String()))

	decision := p.policies.For(t.Operation).Decide(t.Attempt, failure.Kind)
	if decision.Retry && p.sink.IsCancelled(t.ID) {
		tracing.AddSpanEvent(ctx, "task.cancelled")
		p.finish(t, task.Failure(cancelledError(), t.Attempt))
		log.WithField("attempt", t.Attempt).Info("task cancelled, retry dropped")
		return
	}
	if !decision.Retry {
		p.fail(ctx, t, failure, decision.Reason)
		return
	}

	next := *t
	next.Attempt = decision.NextAttempt
	next.Status = task.StatusPending
	next.EnqueuedAt = p.clock.Now().UTC().Format(time.RFC3339Nano)
	if err := p.queue.EnqueueAfter(ctx, &next, decision.Delay); err != nil {
		log.WithError(err).Error("requeue failed, failing task")
		p.fail(ctx, t, failure, "requeue_failed")
		return
	}

	metrics.RecordRetry(failure.Kind.String())
	tracing.AddSpanEvent(ctx, "task.requeue",
		attribute.Int("next_attempt", decision.NextAttempt),
		attribute.String("delay", decision.Delay.String()),
	)
	if p.hooks.OnRetry != nil {
		p.hooks.OnRetry(*t, decision)
	}
	log.WithFields(map[string]any{
		"attempt": t.Attempt,
		"kind":    failure.Kind.String(),
		"delay":   decision.Delay.String(),
	}).Info("retry scheduled")
}

// attempt runs the fault injector and the activity under the attempt
// deadline. The deadline is cooperative: the attempt waits for the activity
// to return, then reports a timeout if the deadline passed meanwhile.
func (p *Pool) attempt(ctx context.Context, t *task.Task) (any, *taskerr.Error) {
	actx, cancel := context.WithTimeout(ctx, p.cfg.AttemptTimeout)
	defer cancel()

	value, err := p.invoke(actx, t)
	if errors.Is(actx.Err(), context.DeadlineExceeded) {
		failure := taskerr.Newf(taskerr.KindNetworkTimeout, "attempt exceeded %s deadline", p.cfg.AttemptTimeout)
		failure.Cause = err
		failure.Attempt = t.Attempt
		return nil, failure
	}
	if err != nil {
		failure := *taskerr.Classify(err)
		failure.Attempt = t.Attempt
		return nil, &failure
	}
	return value, nil
}

func (p *Pool) invoke(ctx context.Context, t *task.Task) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithContext(ctx).WithTask(t.ID).WithOperation(t.Operation).
				WithField("stack", string(debug.Stack())).
				Error(fmt.Sprintf("activity panicked: %v", r))
			value, err = nil, taskerr.Newf(taskerr.KindInternalServerError, "activity panicked: %v", r)
		}
	}()

	fn, err := p.registry.Lookup(t.Operation)
	if err != nil {
		return nil, err
	}
	if err := p.injector.Inject(ctx, t.Operation); err != nil {
		return nil, err
	}
	return fn(ctx, t.Args)
}

// fail records a terminal failure. The dead letter is written before the
// handle resolves.
func (p *Pool) fail(ctx context.Context, t *task.Task, failure *taskerr.Error, reason string) {
	r := task.Failure(failure, t.Attempt)
	metrics.RecordTaskFailure(failure.Kind.String())

	p.logger.WithContext(ctx).WithTask(t.ID).WithOperation(t.Operation).WithQueue(t.Queue).
		WithFields(map[string]any{
			"attempts": t.Attempt,
			"kind":     failure.Kind.String(),
			"reason":   reason,
		}).WithError(failure).Warn("task failed")

	if p.deadLetters != nil {
		t.Status = task.StatusFailed
		dl := deadletter.New(*t, r.Err, reason, p.clock.Now())
		if err := p.deadLetters.Send(ctx, dl); err != nil {
			p.logger.WithContext(ctx).WithTask(t.ID).WithError(err).Error("dead letter not recorded")
			tracing.SetSpanError(ctx, err)
		} else {
			tracing.AddSpanEvent(ctx, "task.dead_lettered")
		}
	}
	p.finish(t, r)
}

func (p *Pool) finish(t *task.Task, r task.Result) {
	t.Status = r.Status()
	if p.hooks.OnComplete != nil {
		p.hooks.OnComplete(*t, r)
	}
	p.sink.Complete(t.ID, r)
}

func cancelledError() *taskerr.Error {
	return taskerr.New(taskerr.KindNonRetryable, "task cancelled")
}
