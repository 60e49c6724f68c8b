package grpccall

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

type closer struct {
	id     int
	closed int
	err    error
}

func (c *closer) Close() error {
	c.closed++
	return c.err
}

func TestStaticActivator(t *testing.T) {
	ctx := context.Background()
	inst := &closer{}
	a := StaticActivator{Instance: inst}
	h, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.Same(t, inst, h.Instance)
	require.NoError(t, a.Release(ctx, h))
	assert.Equal(t, 0, inst.closed)
	require.NoError(t, a.Release(ctx, Handle{}))

	_, err = StaticActivator{}.Acquire(ctx)
	require.Error(t, err)
}

func TestFactoryActivator(t *testing.T) {
	ctx := context.Background()
	n := 0
	a := FactoryActivator{New: func(context.Context) (any, error) {
		n++
		return &closer{id: n}, nil
	}}
	h1, err := a.Acquire(ctx)
	require.NoError(t, err)
	h2, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.NotSame(t, h1.Instance, h2.Instance)
	assert.False(t, h1.Pooled)

	require.NoError(t, a.Release(ctx, h1))
	assert.Equal(t, 1, h1.Instance.(*closer).closed)
	require.NoError(t, a.Release(ctx, Handle{}))

	_, err = FactoryActivator{New: func(context.Context) (any, error) { return nil, nil }}.Acquire(ctx)
	require.Error(t, err)
	boom := errors.New("boom")
	h, err := FactoryActivator{New: func(context.Context) (any, error) { return nil, boom }}.Acquire(ctx)
	require.ErrorIs(t, err, boom)
	assert.True(t, h.IsZero())
}

func TestPoolActivator(t *testing.T) {
	ctx := context.Background()
	created := 0
	a := NewPoolActivator(1, func(context.Context) (any, error) {
		created++
		return &closer{id: created}, nil
	})

	h1, err := a.Acquire(ctx)
	require.NoError(t, err)
	h2, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, h1.Pooled)
	assert.Equal(t, 2, created)

	require.NoError(t, a.Release(ctx, h1))
	assert.Equal(t, 1, a.Idle())
	// the pool is full, so the second instance is disposed
	require.NoError(t, a.Release(ctx, h2))
	assert.Equal(t, 1, a.Idle())
	assert.Equal(t, 0, h1.Instance.(*closer).closed)
	assert.Equal(t, 1, h2.Instance.(*closer).closed)

	h3, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.Same(t, h1.Instance, h3.Instance)
	assert.Equal(t, 0, a.Idle())
	assert.Equal(t, 2, created)

	require.NoError(t, a.Release(ctx, Handle{}))
	assert.Equal(t, 0, a.Idle())
}

func TestFactoryActivator_Dispose(t *testing.T) {
	ctx := context.Background()
	closeErr := errors.New("close failed")
	disposeErr := errors.New("dispose failed")
	var disposed []any
	a := FactoryActivator{
		New: func(context.Context) (any, error) {
			return &closer{err: closeErr}, nil
		},
		Dispose: func(_ context.Context, inst any) error {
			disposed = append(disposed, inst)
			return disposeErr
		},
	}
	h, err := a.Acquire(ctx)
	require.NoError(t, err)

	err = a.Release(ctx, h)
	require.ErrorIs(t, err, disposeErr)
	require.ErrorIs(t, err, closeErr)
	assert.Len(t, multierr.Errors(err), 2)
	assert.Equal(t, []any{h.Instance}, disposed)
	assert.Equal(t, 1, h.Instance.(*closer).closed)

	require.NoError(t, a.Release(ctx, Handle{}))
	assert.Len(t, disposed, 1)
}

func TestPoolActivator_Close(t *testing.T) {
	ctx := context.Background()
	errs := []error{errors.New("first"), nil, errors.New("third")}
	created := 0
	a := NewPoolActivator(3, func(context.Context) (any, error) {
		c := &closer{id: created}
		if created < len(errs) {
			c.err = errs[created]
		}
		created++
		return c, nil
	})
	var handles []Handle
	for i := 0; i < 3; i++ {
		h, err := a.Acquire(ctx)
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for _, h := range handles {
		require.NoError(t, a.Release(ctx, h))
	}
	assert.Equal(t, 3, a.Idle())

	err := a.Close(ctx)
	require.ErrorIs(t, err, errs[0])
	require.ErrorIs(t, err, errs[2])
	assert.Len(t, multierr.Errors(err), 2)
	assert.Equal(t, 0, a.Idle())
	for _, h := range handles {
		assert.Equal(t, 1, h.Instance.(*closer).closed)
	}

	// the pool stays usable
	h, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, created)
	require.NoError(t, a.Release(ctx, h))
	assert.Equal(t, 1, a.Idle())
	require.NoError(t, a.Close(ctx))
}
