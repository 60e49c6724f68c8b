package grpccall

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
)

var (
	interceptorType = reflect.TypeFor[Interceptor]()
	initializerType = reflect.TypeFor[InterceptorInitializer]()
)

// InterceptorFactory creates an interceptor from construction arguments.
type InterceptorFactory func(args ...any) (Interceptor, error)

// InterceptorInitializer may be implemented by interceptor types that are
// registered by type. Init receives the registration's construction
// arguments. Types that do not implement it may not be registered with
// arguments.
type InterceptorInitializer interface {
	Init(args ...any) error
}

// InterceptorRegistration identifies an interceptor and the arguments used
// to construct it.
type InterceptorRegistration struct {
	// Type is the registered interceptor type. It is nil for registrations
	// created from a factory.
	Type reflect.Type
	Args []any

	factory InterceptorFactory
}

// NewInterceptorRegistration creates a registration for the given type.
// The type must implement Interceptor (directly or through a pointer) and
// must be a concrete type that can be instantiated.
func NewInterceptorRegistration(t reflect.Type, args ...any) (InterceptorRegistration, error) {
	if t == nil {
		return InterceptorRegistration{}, errors.New("interceptor type must not be nil")
	}
	if t.Kind() == reflect.Interface {
		return InterceptorRegistration{}, fmt.Errorf("interceptor type %v must be a concrete type", t)
	}
	if !t.Implements(interceptorType) && !reflect.PointerTo(t).Implements(interceptorType) {
		return InterceptorRegistration{}, fmt.Errorf("type %v does not implement %v", t, interceptorType)
	}
	return InterceptorRegistration{Type: t, Args: args}, nil
}

// FactoryRegistration creates a registration that constructs interceptors
// by calling f with args.
func FactoryRegistration(f InterceptorFactory, args ...any) (InterceptorRegistration, error) {
	if f == nil {
		return InterceptorRegistration{}, errors.New("interceptor factory must not be nil")
	}
	return InterceptorRegistration{Args: args, factory: f}, nil
}

// InstanceRegistration creates a registration that always yields the given
// interceptor. The instance is shared by every method it applies to.
func InstanceRegistration(i Interceptor) (InterceptorRegistration, error) {
	if i == nil {
		return InterceptorRegistration{}, errors.New("interceptor must not be nil")
	}
	return FactoryRegistration(func(...any) (Interceptor, error) {
		return i, nil
	})
}

func (r InterceptorRegistration) valid() bool {
	return r.Type != nil || r.factory != nil
}

// New constructs an interceptor from the registration.
func (r InterceptorRegistration) New() (Interceptor, error) {
	if r.factory != nil {
		i, err := r.factory(r.Args...)
		if err != nil {
			return nil, err
		}
		if i == nil {
			return nil, errors.New("interceptor factory returned nil")
		}
		return i, nil
	}
	if r.Type == nil {
		return nil, errors.New("empty interceptor registration")
	}

	var v reflect.Value
	switch {
	case r.Type.Kind() == reflect.Pointer:
		v = reflect.New(r.Type.Elem())
	case r.Type.Implements(interceptorType) && !reflect.PointerTo(r.Type).Implements(initializerType):
		v = reflect.New(r.Type).Elem()
	default:
		// the pointer type has the methods, or needs to be initialized
		v = reflect.New(r.Type)
	}
	i := v.Interface().(Interceptor)
	if init, ok := i.(InterceptorInitializer); ok {
		if err := init.Init(r.Args...); err != nil {
			return nil, fmt.Errorf("initializing interceptor %v: %w", r.Type, err)
		}
	} else if len(r.Args) > 0 {
		return nil, fmt.Errorf("interceptor %v does not accept construction arguments", r.Type)
	}
	return i, nil
}

func (r InterceptorRegistration) String() string {
	if r.Type != nil {
		return r.Type.String()
	}
	return "<factory>"
}

// InterceptorCollection is an ordered list of interceptor registrations.
// The first registration is the outermost interceptor. A collection can be
// changed until it is frozen, which happens when the first call is
// dispatched; after that, changes fail with ErrCollectionFrozen.
type InterceptorCollection struct {
	mu     sync.Mutex
	regs   []InterceptorRegistration
	frozen bool
}

// Add appends a registration for the given interceptor type.
func (c *InterceptorCollection) Add(t reflect.Type, args ...any) error {
	reg, err := NewInterceptorRegistration(t, args...)
	if err != nil {
		return err
	}
	return c.AddRange(reg)
}

// AddInterceptor appends a registration for interceptor type T.
func AddInterceptor[T Interceptor](c *InterceptorCollection, args ...any) error {
	return c.Add(reflect.TypeFor[T](), args...)
}

// AddFactory appends a registration that uses the given factory.
func (c *InterceptorCollection) AddFactory(f InterceptorFactory, args ...any) error {
	reg, err := FactoryRegistration(f, args...)
	if err != nil {
		return err
	}
	return c.AddRange(reg)
}

// AddInstance appends a registration for an already constructed
// interceptor.
func (c *InterceptorCollection) AddInstance(i Interceptor) error {
	reg, err := InstanceRegistration(i)
	if err != nil {
		return err
	}
	return c.AddRange(reg)
}

// AddRange appends the given registrations, in order.
func (c *InterceptorCollection) AddRange(regs ...InterceptorRegistration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.insertLocked(len(c.regs), regs)
}

// InsertRange inserts the given registrations at index, in order.
func (c *InterceptorCollection) InsertRange(index int, regs ...InterceptorRegistration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if index < 0 || index > len(c.regs) {
		return fmt.Errorf("index %d out of range [0, %d]", index, len(c.regs))
	}
	return c.insertLocked(index, regs)
}

func (c *InterceptorCollection) insertLocked(index int, regs []InterceptorRegistration) error {
	if c.frozen {
		return ErrCollectionFrozen
	}
	for i, reg := range regs {
		if !reg.valid() {
			return fmt.Errorf("registration %d is empty", i)
		}
	}
	updated := make([]InterceptorRegistration, 0, len(c.regs)+len(regs))
	updated = append(updated, c.regs[:index]...)
	updated = append(updated, regs...)
	c.regs = append(updated, c.regs[index:]...)
	return nil
}

// Len returns the number of registrations.
func (c *InterceptorCollection) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.regs)
}

// Registrations returns a copy of the registrations, in invocation order.
func (c *InterceptorCollection) Registrations() []InterceptorRegistration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]InterceptorRegistration(nil), c.regs...)
}

// Freeze prevents further changes and returns the final registrations.
func (c *InterceptorCollection) Freeze() []InterceptorRegistration {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frozen = true
	return append([]InterceptorRegistration(nil), c.regs...)
}

// Frozen reports whether the collection has been frozen.
func (c *InterceptorCollection) Frozen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frozen
}
