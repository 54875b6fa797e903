package faults

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/austindbirch/harbor_fdx/internal/clock"
	"github.com/austindbirch/harbor_fdx/internal/logging"
	"github.com/austindbirch/harbor_fdx/internal/taskerr"
)

func newTestInjector(t *testing.T, cfg Config, opts ...Option) *Injector {
	t.Helper()
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	inj, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return inj
}

func TestInject_Disabled(t *testing.T) {
	inj := newTestInjector(t, Config{Enabled: false, ErrorRate: 1, AddLatency: true})
	for i := 0; i < 1000; i++ {
		if err := inj.Inject(context.Background(), "getCustomer"); err != nil {
			t.Fatalf("Inject() on disabled injector = %v, want nil", err)
		}
	}
	if f := inj.Draw(); f != (Fault{}) {
		t.Errorf("Draw() on disabled injector = %+v, want zero", f)
	}

	var nilInj *Injector
	if nilInj.Enabled() {
		t.Error("nil injector reports enabled")
	}
}

func TestInject_ErrorRateBounds(t *testing.T) {
	tests := []struct {
		name      string
		rate      float64
		wantRaise bool
	}{
		{name: "rate zero never raises", rate: 0, wantRaise: false},
		{name: "rate one always raises", rate: 1, wantRaise: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inj := newTestInjector(t, Config{Enabled: true, ErrorRate: tt.rate, Seed: 42})
			for i := 0; i < 10000; i++ {
				err := inj.Inject(context.Background(), "getAccounts")
				if (err != nil) != tt.wantRaise {
					t.Fatalf("invocation %d: Inject() = %v, wantRaise %v", i, err, tt.wantRaise)
				}
				if err != nil {
					var te *taskerr.Error
					if !errors.As(err, &te) || !te.Kind.Valid() {
						t.Fatalf("Inject() returned unclassified error %v", err)
					}
				}
			}
		})
	}
}

func TestInject_EnabledKindsOnly(t *testing.T) {
	allowed := []taskerr.Kind{taskerr.KindDatabaseDeadlock, taskerr.KindServiceUnavailable}
	inj := newTestInjector(t, Config{Enabled: true, ErrorRate: 1, EnabledKinds: allowed, Seed: 7})

	seen := map[taskerr.Kind]int{}
	for i := 0; i < 2000; i++ {
		seen[taskerr.KindOf(inj.Inject(context.Background(), "getStatements"))]++
	}
	for k := range seen {
		if k != allowed[0] && k != allowed[1] {
			t.Errorf("Inject() raised %v, not in enabled kinds", k)
		}
	}
	for _, k := range allowed {
		if seen[k] < 800 {
			t.Errorf("kind %v raised %d times out of 2000, want roughly half", k, seen[k])
		}
	}
}

func TestInject_EmptyKindsUsesTaxonomy(t *testing.T) {
	inj := newTestInjector(t, Config{Enabled: true, ErrorRate: 1, Seed: 3})
	seen := map[taskerr.Kind]bool{}
	for i := 0; i < 5000; i++ {
		seen[inj.Draw().Kind] = true
	}
	for _, k := range taskerr.AllKinds() {
		if !seen[k] {
			t.Errorf("kind %v never drawn from full taxonomy", k)
		}
	}
}

func TestInject_ConfiguredMessage(t *testing.T) {
	cfg := Config{
		Enabled:      true,
		ErrorRate:    1,
		EnabledKinds: []taskerr.Kind{taskerr.KindDatabaseTimeout},
		Messages:     map[taskerr.Kind]string{taskerr.KindDatabaseTimeout: "statement timeout"},
	}
	inj := newTestInjector(t, cfg)

	err := inj.Inject(context.Background(), "getTransactions")
	te, ok := taskerr.AsError(err)
	if !ok {
		t.Fatalf("Inject() = %v, want *taskerr.Error", err)
	}
	if te.Kind != taskerr.KindDatabaseTimeout || te.Message != "statement timeout" {
		t.Errorf("Inject() = %+v, want DatabaseTimeout with configured message", te)
	}
}

func TestDraw_Deterministic(t *testing.T) {
	cfg := Config{Enabled: true, ErrorRate: 0.4, AddLatency: true}
	a := newTestInjector(t, cfg, WithRand(rand.New(rand.NewPCG(1, 2))))
	b := newTestInjector(t, cfg, WithRand(rand.New(rand.NewPCG(1, 2))))

	for i := 0; i < 1000; i++ {
		if fa, fb := a.Draw(), b.Draw(); fa != fb {
			t.Fatalf("draw %d differs: %+v vs %+v", i, fa, fb)
		}
	}

	seeded := Config{Enabled: true, ErrorRate: 0.4, AddLatency: true, Seed: 99}
	c := newTestInjector(t, seeded)
	d := newTestInjector(t, seeded)
	for i := 0; i < 1000; i++ {
		if fc, fd := c.Draw(), d.Draw(); fc != fd {
			t.Fatalf("seeded draw %d differs: %+v vs %+v", i, fc, fd)
		}
	}
}

func TestDraw_LatencyDistribution(t *testing.T) {
	inj := newTestInjector(t, Config{Enabled: true, ErrorRate: 0, AddLatency: true, Seed: 11})

	const n = 10000
	delayed := 0
	for i := 0; i < n; i++ {
		f := inj.Draw()
		if f.Raise {
			t.Fatal("Draw() raised with rate 0")
		}
		if f.Latency < 0 || f.Latency > MaxLatency {
			t.Fatalf("Draw() latency %v outside [0, %v]", f.Latency, MaxLatency)
		}
		if f.Latency > 0 {
			delayed++
		}
	}
	if frac := float64(delayed) / n; frac < 0.27 || frac > 0.33 {
		t.Errorf("latency fraction = %.3f, want about %.1f", frac, LatencyProbability)
	}
}

// firstDelayedSeed finds a seed whose first draw injects latency.
func firstDelayedSeed(t *testing.T, cfg Config) (uint64, Fault) {
	t.Helper()
	for seed := uint64(1); seed < 1000; seed++ {
		cfg.Seed = seed
		if f := newTestInjector(t, cfg).Draw(); f.Latency > 0 {
			return seed, f
		}
	}
	t.Fatal("no seed produced latency")
	return 0, Fault{}
}

func TestInject_LatencyUsesClock(t *testing.T) {
	cfg := Config{Enabled: true, ErrorRate: 0, AddLatency: true}
	seed, f := firstDelayedSeed(t, cfg)
	cfg.Seed = seed

	fake := clock.NewFake(time.Unix(0, 0))
	inj := newTestInjector(t, cfg, WithClock(fake))

	done := make(chan error, 1)
	go func() { done <- inj.Inject(context.Background(), "getAccount") }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fake.BlockUntil(ctx, 1); err != nil {
		t.Fatalf("injector never slept: %v", err)
	}
	if got := fake.Pending(); len(got) != 1 || got[0] != f.Latency {
		t.Errorf("Pending() = %v, want [%v]", got, f.Latency)
	}

	select {
	case err := <-done:
		t.Fatalf("Inject() returned %v before the clock advanced", err)
	default:
	}

	fake.Advance(f.Latency)
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Inject() = %v, want nil", err)
		}
	case <-ctx.Done():
		t.Fatal("Inject() did not return after Advance")
	}
}

func TestInject_LatencyCancelled(t *testing.T) {
	cfg := Config{Enabled: true, ErrorRate: 1, AddLatency: true}
	seed, _ := firstDelayedSeed(t, cfg)
	cfg.Seed = seed

	fake := clock.NewFake(time.Unix(0, 0))
	inj := newTestInjector(t, cfg, WithClock(fake))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- inj.Inject(ctx, "getAccount") }()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	if err := fake.BlockUntil(waitCtx, 1); err != nil {
		t.Fatalf("injector never slept: %v", err)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Inject() = %v, want context.Canceled", err)
		}
	case <-waitCtx.Done():
		t.Fatal("Inject() ignored cancellation")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "defaults", cfg: DefaultConfig()},
		{name: "rate one", cfg: Config{Enabled: true, ErrorRate: 1}},
		{name: "negative rate", cfg: Config{ErrorRate: -0.1}, wantErr: true},
		{name: "rate above one", cfg: Config{ErrorRate: 1.5}, wantErr: true},
		{name: "invalid kind", cfg: Config{EnabledKinds: []taskerr.Kind{taskerr.KindUnknown}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
