// Package retry decides, after a failed attempt, whether a task is
// re-attempted and after what delay.
package retry

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/austindbirch/harbor_fdx/internal/taskerr"
)

// Reference defaults.
const (
	DefaultInitialInterval    = 500 * time.Millisecond
	DefaultBackoffCoefficient = 2.0
	DefaultMaxInterval        = 5 * time.Second
	DefaultMaxAttempts        = 10
)

// Reasons reported on a Decision.
const (
	ReasonRetry              = "retry"
	ReasonNotRetryable       = "non_retryable_kind"
	ReasonPolicyNonRetryable = "policy_non_retryable"
	ReasonMaxAttempts        = "max_attempts"
)

// Policy governs backoff timing and the attempt budget for one operation type.
// Policy values are immutable once built; use NewPolicy or DefaultPolicy.
type Policy struct {
	InitialInterval    time.Duration
	BackoffCoefficient float64
	MaxInterval        time.Duration
	MaxAttempts        int
	nonRetryable       map[taskerr.Kind]struct{}
}

// DefaultPolicy returns the reference policy: 500ms, x2, capped at 5s, 10 attempts.
func DefaultPolicy() Policy {
	return Policy{
		InitialInterval:    DefaultInitialInterval,
		BackoffCoefficient: DefaultBackoffCoefficient,
		MaxInterval:        DefaultMaxInterval,
		MaxAttempts:        DefaultMaxAttempts,
	}
}

// NewPolicy builds and validates a policy.
func NewPolicy(initial time.Duration, coefficient float64, maxInterval time.Duration, maxAttempts int, nonRetryable ...taskerr.Kind) (Policy, error) {
	p := Policy{
		InitialInterval:    initial,
		BackoffCoefficient: coefficient,
		MaxInterval:        maxInterval,
		MaxAttempts:        maxAttempts,
	}
	if len(nonRetryable) > 0 {
		p.nonRetryable = make(map[taskerr.Kind]struct{}, len(nonRetryable))
		for _, k := range nonRetryable {
			p.nonRetryable[k] = struct{}{}
		}
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Validate reports configuration errors.
func (p Policy) Validate() error {
	var errs []error
	if p.InitialInterval < 0 {
		errs = append(errs, fmt.Errorf("initial interval %s is negative", p.InitialInterval))
	}
	if p.MaxInterval < p.InitialInterval {
		errs = append(errs, fmt.Errorf("max interval %s is below initial interval %s", p.MaxInterval, p.InitialInterval))
	}
	if p.BackoffCoefficient < 1 || math.IsNaN(p.BackoffCoefficient) {
		errs = append(errs, fmt.Errorf("backoff coefficient %v must be >= 1", p.BackoffCoefficient))
	}
	if p.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max attempts %d must be >= 1", p.MaxAttempts))
	}
	for k := range p.nonRetryable {
		if !k.Valid() {
			errs = append(errs, fmt.Errorf("non-retryable kind %d is not in the taxonomy", int(k)))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("retry policy: %w", errors.Join(errs...))
	}
	return nil
}

// NonRetryableKinds returns the kinds this policy never retries beyond the
// taxonomy's own non-retryable kinds.
func (p Policy) NonRetryableKinds() []taskerr.Kind {
	var out []taskerr.Kind
	for _, k := range taskerr.AllKinds() {
		if _, ok := p.nonRetryable[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

// Retryable reports whether a failure of kind may be retried under p,
// ignoring the attempt budget.
func (p Policy) Retryable(kind taskerr.Kind) bool {
	if !kind.Retryable() {
		return false
	}
	_, excluded := p.nonRetryable[kind]
	return !excluded
}

// Delay returns the wait after failed attempt n (1-indexed) before attempt n+1:
// min(InitialInterval * BackoffCoefficient^(n-1), MaxInterval).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialInterval) * math.Pow(p.BackoffCoefficient, float64(attempt-1))
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(p.MaxInterval) {
		return p.MaxInterval
	}
	return time.Duration(d)
}

// Schedule returns every delay the policy can produce, in order.
func (p Policy) Schedule() []time.Duration {
	if p.MaxAttempts <= 1 {
		return nil
	}
	out := make([]time.Duration, 0, p.MaxAttempts-1)
	for n := 1; n < p.MaxAttempts; n++ {
		out = append(out, p.Delay(n))
	}
	return out
}

// Decision is the outcome of consulting the policy after a failed attempt.
type Decision struct {
	Retry       bool
	Delay       time.Duration
	NextAttempt int
	Reason      string
}

// Decide returns whether attempt (1-indexed), which failed with kind, is
// followed by another attempt.
func (p Policy) Decide(attempt int, kind taskerr.Kind) Decision {
	switch {
	case !kind.Retryable():
		return Decision{Reason: ReasonNotRetryable}
	case !p.Retryable(kind):
		return Decision{Reason: ReasonPolicyNonRetryable}
	case attempt >= p.MaxAttempts:
		return Decision{Reason: ReasonMaxAttempts}
	}
	return Decision{
		Retry:       true,
		Delay:       p.Delay(attempt),
		NextAttempt: attempt + 1,
		Reason:      ReasonRetry,
	}
}

// Policies attaches policies to operation names, falling back to a default.
type Policies struct {
	def  Policy
	byOp map[string]Policy
}

// NewPolicies returns a table whose fallback is def.
func NewPolicies(def Policy) *Policies {
	return &Policies{def: def, byOp: make(map[string]Policy)}
}

// Set attaches p to operation. It is meant to be called during setup, before
// the table is shared with workers.
func (ps *Policies) Set(operation string, p Policy) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("operation %q: %w", operation, err)
	}
	ps.byOp[operation] = p
	return nil
}

// For returns the policy for operation.
func (ps *Policies) For(operation string) Policy {
	if p, ok := ps.byOp[operation]; ok {
		return p
	}
	return ps.def
}

// Default returns the fallback policy.
func (ps *Policies) Default() Policy { return ps.def }
