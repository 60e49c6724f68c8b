package grpccall

import (
	"errors"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type valueInterceptor struct {
	PassthroughInterceptor
}

type pointerInterceptor struct {
	PassthroughInterceptor
	prefix string
	inits  int
}

func (p *pointerInterceptor) Init(args ...any) error {
	p.inits++
	if len(args) == 0 {
		return nil
	}
	s, ok := args[0].(string)
	if !ok {
		return errors.New("prefix must be a string")
	}
	p.prefix = s
	return nil
}

func TestInterceptorRegistration_Types(t *testing.T) {
	_, err := NewInterceptorRegistration(nil)
	require.ErrorContains(t, err, "must not be nil")

	_, err = NewInterceptorRegistration(reflect.TypeFor[Interceptor]())
	require.ErrorContains(t, err, "concrete type")

	_, err = NewInterceptorRegistration(reflect.TypeFor[string]())
	require.ErrorContains(t, err, "does not implement")

	reg, err := NewInterceptorRegistration(reflect.TypeFor[valueInterceptor]())
	require.NoError(t, err)
	i, err := reg.New()
	require.NoError(t, err)
	assert.IsType(t, valueInterceptor{}, i)

	// Init has a pointer receiver, so both forms construct a pointer
	for _, typ := range []reflect.Type{reflect.TypeFor[pointerInterceptor](), reflect.TypeFor[*pointerInterceptor]()} {
		reg, err := NewInterceptorRegistration(typ, "x")
		require.NoError(t, err, typ)
		i, err := reg.New()
		require.NoError(t, err, typ)
		p, ok := i.(*pointerInterceptor)
		require.True(t, ok, typ)
		assert.Equal(t, "x", p.prefix)
		assert.Equal(t, 1, p.inits)
	}
}

func TestInterceptorRegistration_Args(t *testing.T) {
	reg, err := NewInterceptorRegistration(reflect.TypeFor[valueInterceptor](), 1)
	require.NoError(t, err)
	_, err = reg.New()
	require.ErrorContains(t, err, "does not accept construction arguments")

	reg, err = NewInterceptorRegistration(reflect.TypeFor[*pointerInterceptor](), 1)
	require.NoError(t, err)
	_, err = reg.New()
	require.ErrorContains(t, err, "prefix must be a string")

	var got []any
	reg, err = FactoryRegistration(func(args ...any) (Interceptor, error) {
		got = args
		return valueInterceptor{}, nil
	}, "a", 2)
	require.NoError(t, err)
	_, err = reg.New()
	require.NoError(t, err)
	assert.Equal(t, []any{"a", 2}, got)

	_, err = FactoryRegistration(nil)
	require.Error(t, err)
	_, err = InstanceRegistration(nil)
	require.Error(t, err)

	reg, err = FactoryRegistration(func(...any) (Interceptor, error) { return nil, nil })
	require.NoError(t, err)
	_, err = reg.New()
	require.ErrorContains(t, err, "returned nil")
}

func TestInterceptorRegistration_NewInstances(t *testing.T) {
	reg, err := NewInterceptorRegistration(reflect.TypeFor[*pointerInterceptor]())
	require.NoError(t, err)
	a, err := reg.New()
	require.NoError(t, err)
	b, err := reg.New()
	require.NoError(t, err)
	assert.NotSame(t, a, b)

	inst := &pointerInterceptor{}
	reg, err = InstanceRegistration(inst)
	require.NoError(t, err)
	a, err = reg.New()
	require.NoError(t, err)
	assert.Same(t, inst, a)
}

func TestInterceptorCollection(t *testing.T) {
	var c InterceptorCollection
	require.NoError(t, AddInterceptor[valueInterceptor](&c))
	require.NoError(t, c.Add(reflect.TypeFor[*pointerInterceptor](), "p"))
	require.NoError(t, c.AddInstance(denyInterceptor{}))
	require.Error(t, c.Add(reflect.TypeFor[int]()))
	require.Equal(t, 3, c.Len())

	first := mustRegistration(t, upperInterceptor{})
	require.NoError(t, c.InsertRange(0, first))
	require.Error(t, c.InsertRange(-1, first))
	require.Error(t, c.InsertRange(c.Len()+1, first))
	require.Error(t, c.AddRange(InterceptorRegistration{}))

	regs := c.Registrations()
	require.Len(t, regs, 4)
	assert.Nil(t, regs[0].Type)
	assert.Equal(t, reflect.TypeFor[valueInterceptor](), regs[1].Type)
	assert.Equal(t, reflect.TypeFor[*pointerInterceptor](), regs[2].Type)
	assert.Equal(t, []any{"p"}, regs[2].Args)
	assert.Equal(t, "<factory>", regs[3].String())

	// the returned slice is a copy
	regs[0] = InterceptorRegistration{}
	assert.Nil(t, c.Registrations()[0].Type)
	assert.NotNil(t, c.Registrations()[0].factory)

	assert.False(t, c.Frozen())
	frozen := c.Freeze()
	assert.Len(t, frozen, 4)
	assert.True(t, c.Frozen())

	require.ErrorIs(t, AddInterceptor[valueInterceptor](&c), ErrCollectionFrozen)
	require.ErrorIs(t, c.AddInstance(valueInterceptor{}), ErrCollectionFrozen)
	require.ErrorIs(t, c.InsertRange(0, first), ErrCollectionFrozen)
	assert.Equal(t, 4, c.Len())
}
