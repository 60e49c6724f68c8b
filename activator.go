package grpccall

import (
	"context"
	"errors"
	"io"
	"sync"

	"go.uber.org/multierr"
)

// Handle is a service instance acquired for one call.
type Handle struct {
	// Instance implements the service's methods.
	Instance any
	// Pooled is true if the instance must be returned to a pool rather than
	// disposed.
	Pooled bool
}

// IsZero reports whether h is the empty handle, which is what a failed
// acquisition yields.
func (h Handle) IsZero() bool {
	return h.Instance == nil
}

// Activator supplies the service instances that execute calls. Release is
// called exactly once for every successful Acquire. Releasing the zero
// Handle must be a no-op.
type Activator interface {
	Acquire(ctx context.Context) (Handle, error)
	Release(ctx context.Context, h Handle) error
}

// StaticActivator serves every call with the same instance.
type StaticActivator struct {
	Instance any
}

func (a StaticActivator) Acquire(context.Context) (Handle, error) {
	if a.Instance == nil {
		return Handle{}, errors.New("no service instance")
	}
	return Handle{Instance: a.Instance}, nil
}

func (a StaticActivator) Release(context.Context, Handle) error {
	return nil
}

// FactoryActivator creates a new instance for each call. When released, an
// instance is passed to Dispose, if set, and then closed if it implements
// io.Closer.
type FactoryActivator struct {
	New     func(ctx context.Context) (any, error)
	Dispose func(ctx context.Context, inst any) error
}

func (a FactoryActivator) Acquire(ctx context.Context) (Handle, error) {
	inst, err := a.New(ctx)
	if err != nil {
		return Handle{}, err
	}
	if inst == nil {
		return Handle{}, errors.New("factory returned no service instance")
	}
	return Handle{Instance: inst}, nil
}

func (a FactoryActivator) Release(ctx context.Context, h Handle) error {
	if h.IsZero() {
		return nil
	}
	return dispose(ctx, h.Instance, a.Dispose)
}

func dispose(ctx context.Context, inst any, fn func(context.Context, any) error) error {
	var err error
	if fn != nil {
		err = fn(ctx, inst)
	}
	if c, ok := inst.(io.Closer); ok {
		err = multierr.Append(err, c.Close())
	}
	return err
}

// PoolActivator reuses instances across calls. At most MaxIdle released
// instances are kept; extras are disposed like FactoryActivator does.
type PoolActivator struct {
	New     func(ctx context.Context) (any, error)
	Dispose func(ctx context.Context, inst any) error
	MaxIdle int

	mu   sync.Mutex
	idle []any
}

// NewPoolActivator returns an activator that keeps up to maxIdle instances
// created by newFn.
func NewPoolActivator(maxIdle int, newFn func(ctx context.Context) (any, error)) *PoolActivator {
	return &PoolActivator{New: newFn, MaxIdle: maxIdle, idle: make([]any, 0, maxIdle)}
}

func (a *PoolActivator) Acquire(ctx context.Context) (Handle, error) {
	a.mu.Lock()
	if l := len(a.idle); l > 0 {
		inst := a.idle[l-1]
		a.idle[l-1] = nil
		a.idle = a.idle[:l-1]
		a.mu.Unlock()
		return Handle{Instance: inst, Pooled: true}, nil
	}
	a.mu.Unlock()

	h, err := FactoryActivator{New: a.New}.Acquire(ctx)
	h.Pooled = err == nil
	return h, err
}

func (a *PoolActivator) Release(ctx context.Context, h Handle) error {
	if h.IsZero() {
		return nil
	}
	a.mu.Lock()
	if h.Pooled && len(a.idle) < a.MaxIdle {
		a.idle = append(a.idle, h.Instance)
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()
	return dispose(ctx, h.Instance, a.Dispose)
}

// Close disposes all idle instances. Instances that are in use when Close is
// called are still returned to the pool when released.
func (a *PoolActivator) Close(ctx context.Context) error {
	a.mu.Lock()
	idle := a.idle
	a.idle = make([]any, 0, a.MaxIdle)
	a.mu.Unlock()

	var err error
	for _, inst := range idle {
		err = multierr.Append(err, dispose(ctx, inst, a.Dispose))
	}
	return err
}

// Idle returns the number of pooled instances that are not in use.
func (a *PoolActivator) Idle() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.idle)
}
