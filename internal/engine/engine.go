// Package engine owns the lifecycle of one task engine: its activity
// registry, retry policies, fault injector, dispatcher and worker pool.
// Every engine is an explicit value; nothing is process-global.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/austindbirch/harbor_fdx/internal/activity"
	"github.com/austindbirch/harbor_fdx/internal/clock"
	"github.com/austindbirch/harbor_fdx/internal/deadletter"
	"github.com/austindbirch/harbor_fdx/internal/dispatch"
	"github.com/austindbirch/harbor_fdx/internal/faults"
	"github.com/austindbirch/harbor_fdx/internal/logging"
	"github.com/austindbirch/harbor_fdx/internal/metrics"
	"github.com/austindbirch/harbor_fdx/internal/queue"
	"github.com/austindbirch/harbor_fdx/internal/retry"
	"github.com/austindbirch/harbor_fdx/internal/worker"
)

const DefaultDepthInterval = 15 * time.Second

type Config struct {
	Worker worker.Config
	// Retry is the policy for operations without an override.
	Retry     retry.Policy
	Overrides map[string]retry.Policy
	Faults    faults.Config
	// DepthInterval is how often queue depth is published; negative disables it.
	DepthInterval time.Duration
}

// DefaultConfig returns the reference configuration with fault injection off.
func DefaultConfig() Config {
	return Config{
		Worker: worker.Config{
			Concurrency:    worker.DefaultConcurrency,
			AttemptTimeout: worker.DefaultAttemptTimeout,
		},
		Retry:         retry.DefaultPolicy(),
		Faults:        faults.DefaultConfig(),
		DepthInterval: DefaultDepthInterval,
	}
}

type Engine struct {
	cfg      Config
	queue    queue.Queue
	registry *activity.Registry
	policies *retry.Policies
	injector *faults.Injector
	client   *dispatch.Client
	pool     *worker.Pool
	clock    clock.Clock
	logger   *logging.Logger

	mu        sync.Mutex
	started   bool
	stopped   bool
	stopDepth context.CancelFunc
	depthDone chan struct{}
}

type options struct {
	clock       clock.Clock
	logger      *logging.Logger
	deadLetters deadletter.Sink
	hooks       worker.Hooks
	faultOpts   []faults.Option
}

type Option func(*options)

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithDeadLetters(s deadletter.Sink) Option {
	return func(o *options) { o.deadLetters = s }
}

func WithHooks(h worker.Hooks) Option {
	return func(o *options) { o.hooks = h }
}

// WithFaultOptions passes options to the fault injector, e.g. faults.WithRand.
func WithFaultOptions(opts ...faults.Option) Option {
	return func(o *options) { o.faultOpts = append(o.faultOpts, opts...) }
}

// New validates cfg and wires an engine on q. Activities are registered with
// Register before Start.
func New(cfg Config, q queue.Queue, opts ...Option) (*Engine, error) {
	if q == nil {
		return nil, errors.New("engine: nil queue")
	}
	o := options{clock: clock.Real(), logger: logging.New("harborfdx-engine")}
	for _, opt := range opts {
		opt(&o)
	}

	if err := cfg.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("engine: default %w", err)
	}
	policies := retry.NewPolicies(cfg.Retry)
	for op, p := range cfg.Overrides {
		if err := policies.Set(op, p); err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
	}

	faultOpts := append([]faults.Option{faults.WithClock(o.clock), faults.WithLogger(o.logger)}, o.faultOpts...)
	injector, err := faults.New(cfg.Faults, faultOpts...)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	if cfg.DepthInterval == 0 {
		cfg.DepthInterval = DefaultDepthInterval
	}

	e := &Engine{
		cfg:      cfg,
		queue:    q,
		registry: activity.NewRegistry(),
		policies: policies,
		injector: injector,
		clock:    o.clock,
		logger:   o.logger,
	}
	e.client = dispatch.NewClient(q, dispatch.WithClock(o.clock), dispatch.WithLogger(o.logger))

	workerOpts := []worker.Option{
		worker.WithInjector(injector),
		worker.WithClock(o.clock),
		worker.WithLogger(o.logger),
		worker.WithHooks(o.hooks),
	}
	if o.deadLetters != nil {
		workerOpts = append(workerOpts, worker.WithDeadLetters(o.deadLetters))
	}
	e.pool = worker.New(cfg.Worker, q, e.registry, policies, e.client, workerOpts...)
	return e, nil
}

// Register adds an activity under name.
func (e *Engine) Register(name string, fn activity.Func) error {
	return e.registry.Register(name, fn)
}

func (e *Engine) Registry() *activity.Registry { return e.registry }

func (e *Engine) Policies() *retry.Policies { return e.policies }

func (e *Engine) Injector() *faults.Injector { return e.injector }

func (e *Engine) Client() *dispatch.Client { return e.client }

// Submit is shorthand for e.Client().Submit.
func (e *Engine) Submit(ctx context.Context, operation string, args ...any) (*dispatch.Handle, error) {
	return e.client.Submit(ctx, operation, args...)
}

// Run submits operation and waits for its terminal result. If ctx ends
// first the task is cancelled so that no further attempt starts.
func (e *Engine) Run(ctx context.Context, operation string, args ...any) (any, error) {
	h, err := e.client.Submit(ctx, operation, args...)
	if err != nil {
		return nil, err
	}
	v, err := h.Result(ctx)
	if err != nil && ctx.Err() != nil {
		e.client.Cancel(h.ID())
	}
	return v, err
}

// Running reports whether workers are claiming tasks.
func (e *Engine) Running() bool {
	return e.pool.Running()
}

func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return errors.New("engine: already shut down")
	}
	if e.started {
		return errors.New("engine: already started")
	}
	if err := e.pool.Start(ctx); err != nil {
		return err
	}
	e.started = true

	if e.cfg.DepthInterval > 0 {
		dctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		e.stopDepth = cancel
		e.depthDone = make(chan struct{})
		go e.reportDepth(dctx)
	}

	e.logger.Plain().WithQueue(e.queue.Name()).WithFields(map[string]any{
		"activities":     e.registry.Names(),
		"faults_enabled": e.injector.Enabled(),
		"max_attempts":   e.cfg.Retry.MaxAttempts,
	}).Info("engine started")
	return nil
}

// Shutdown stops claiming work, waits for attempts in progress, closes the
// queue and fails every handle that has not resolved.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	stopDepth, depthDone := e.stopDepth, e.depthDone
	e.mu.Unlock()

	var errs []error
	if err := e.pool.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if stopDepth != nil {
		stopDepth()
		<-depthDone
	}
	if err := e.queue.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close queue: %w", err))
	}
	e.client.Close()

	e.logger.Plain().WithQueue(e.queue.Name()).Info("engine shut down")
	return errors.Join(errs...)
}

// reportDepth publishes the queue depth gauge until ctx ends.
func (e *Engine) reportDepth(ctx context.Context) {
	defer close(e.depthDone)
	for {
		n, err := e.queue.Depth(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Plain().WithQueue(e.queue.Name()).WithError(err).Warn("queue depth unavailable")
		} else {
			metrics.SetQueueDepth(e.queue.Name(), n)
		}
		if err := e.clock.Sleep(ctx, e.cfg.DepthInterval); err != nil {
			return
		}
	}
}
