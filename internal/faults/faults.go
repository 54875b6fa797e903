// Package faults raises synthetic classified failures and latency ahead of
// activity execution so the retry paths can be exercised without a broken
// backing store.
package faults

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/austindbirch/harbor_fdx/internal/clock"
	"github.com/austindbirch/harbor_fdx/internal/logging"
	"github.com/austindbirch/harbor_fdx/internal/metrics"
	"github.com/austindbirch/harbor_fdx/internal/taskerr"
)

const (
	// LatencyProbability is the chance an invocation is delayed when AddLatency is set.
	LatencyProbability = 0.3
	// MaxLatency bounds the injected delay.
	MaxLatency = 500 * time.Millisecond
)

// Config is loaded once at startup and never mutated afterwards.
type Config struct {
	Enabled      bool
	ErrorRate    float64
	EnabledKinds []taskerr.Kind // empty means the whole taxonomy
	AddLatency   bool
	Seed         uint64 // zero picks a random seed
	Messages     map[taskerr.Kind]string
}

// DefaultConfig mirrors the documented defaults: disabled, 10% rate, all kinds.
func DefaultConfig() Config {
	return Config{ErrorRate: 0.1}
}

func (c Config) Validate() error {
	if c.ErrorRate < 0 || c.ErrorRate > 1 || c.ErrorRate != c.ErrorRate {
		return fmt.Errorf("faults: error rate %v outside [0,1]", c.ErrorRate)
	}
	for _, k := range c.EnabledKinds {
		if !k.Valid() {
			return fmt.Errorf("faults: kind %d is not in the taxonomy", int(k))
		}
	}
	return nil
}

// Fault is the outcome of one draw.
type Fault struct {
	Latency time.Duration
	Raise   bool
	Kind    taskerr.Kind
}

// Injector draws faults from a single random source.
type Injector struct {
	cfg    Config
	kinds  []taskerr.Kind
	clock  clock.Clock
	logger *logging.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

type Option func(*Injector)

// WithRand replaces the random source; draws are reproducible for a fixed source.
func WithRand(r *rand.Rand) Option {
	return func(i *Injector) { i.rng = r }
}

// WithClock sets the clock injected latency sleeps on.
func WithClock(c clock.Clock) Option {
	return func(i *Injector) { i.clock = c }
}

func WithLogger(l *logging.Logger) Option {
	return func(i *Injector) { i.logger = l }
}

// New builds an injector. A disabled config yields an injector whose Inject is a no-op.
func New(cfg Config, opts ...Option) (*Injector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kinds := cfg.EnabledKinds
	if len(kinds) == 0 {
		kinds = taskerr.AllKinds()
	}
	inj := &Injector{
		cfg:    cfg,
		kinds:  append([]taskerr.Kind(nil), kinds...),
		clock:  clock.Real(),
		logger: logging.New("harborfdx-faults"),
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	inj.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	for _, o := range opts {
		o(inj)
	}
	return inj, nil
}

// Enabled reports whether the injector ever acts.
func (i *Injector) Enabled() bool {
	return i != nil && i.cfg.Enabled
}

// Config returns the configuration the injector was built with.
func (i *Injector) Config() Config { return i.cfg }

// Draw decides the fault for one invocation without applying it. Latency is
// drawn first and independently of the error draw.
func (i *Injector) Draw() Fault {
	if !i.Enabled() {
		return Fault{}
	}
	i.mu.Lock()
	defer i.mu.Unlock()

	var f Fault
	if i.cfg.AddLatency && i.rng.Float64() < LatencyProbability {
		f.Latency = time.Duration(i.rng.Int64N(int64(MaxLatency) + 1))
	}
	if i.rng.Float64() < i.cfg.ErrorRate {
		f.Raise = true
		f.Kind = i.kinds[i.rng.IntN(len(i.kinds))]
	}
	return f
}

// Inject applies one draw: sleeps any latency on the clock, then returns the
// synthetic failure, or nil. operation is used for logging only.
func (i *Injector) Inject(ctx context.Context, operation string) error {
	if !i.Enabled() {
		return nil
	}
	f := i.Draw()

	if f.Latency > 0 {
		if err := i.clock.Sleep(ctx, f.Latency); err != nil {
			return err
		}
	}
	if !f.Raise && f.Latency == 0 {
		return nil
	}

	entry := i.logger.WithContext(ctx).
		WithOperation(operation).
		WithField("latency_added", f.Latency > 0)
	if f.Latency > 0 {
		entry.WithField("latency_ms", f.Latency.Milliseconds())
	}
	if !f.Raise {
		entry.Debug("fault injector added latency")
		return nil
	}

	metrics.RecordFaultInjected(f.Kind.String())
	entry.WithField("kind", f.Kind.String()).Warn("fault injector raised synthetic failure")
	return taskerr.New(f.Kind, i.message(f.Kind))
}

func (i *Injector) message(k taskerr.Kind) string {
	if m, ok := i.cfg.Messages[k]; ok && m != "" {
		return m
	}
	return "injected: " + k.DefaultMessage()
}
