// Package activity maps operation names to the functions that execute them.
package activity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/austindbirch/harbor_fdx/internal/taskerr"
)

var (
	ErrDuplicate = errors.New("activity: already registered")
	ErrEmptyName = errors.New("activity: empty name")
	ErrNilFunc   = errors.New("activity: nil function")
)

// Func executes one attempt of an activity. A returned error is classified
// by the worker; return a *taskerr.Error to choose the kind explicitly.
type Func func(ctx context.Context, args []any) (any, error)

// Registry is safe for concurrent Lookup while Register is called during setup.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register adds fn under name. Registering a name twice is rejected.
func (r *Registry) Register(name string, fn Func) error {
	if name == "" {
		return ErrEmptyName
	}
	if fn == nil {
		return fmt.Errorf("%w: %q", ErrNilFunc, name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.funcs[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicate, name)
	}
	r.funcs[name] = fn
	return nil
}

// MustRegister is Register for static wiring; it panics on error.
func (r *Registry) MustRegister(name string, fn Func) {
	if err := r.Register(name, fn); err != nil {
		panic(err)
	}
}

// Lookup returns the function for name. An unknown name yields a
// NonRetryable failure.
func (r *Registry) Lookup(name string) (Func, error) {
	r.mu.RLock()
	fn, ok := r.funcs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, taskerr.Newf(taskerr.KindNonRetryable, "activity %q is not registered", name)
	}
	return fn, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for n := range r.funcs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.funcs[name]
	return ok
}
