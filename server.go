package grpccall

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// ServiceRegistry accumulates service definitions. Servers typically have this
// interface for accumulating the services they expose.
type ServiceRegistry interface {
	// RegisterService registers the given handler to be used for the given
	// service. Only a single handler can be registered for a given service. And
	// services are identified by their fully-qualified name (e.g.
	// "package.name.Service"). Attempting to register the same service more
	// than once is an error that can panic.
	RegisterService(desc *grpc.ServiceDesc, srv any)
}

var _ ServiceRegistry = (*grpc.Server)(nil)

// HandlerMap holds registered services and the Handler for each of their
// methods. Interceptors may be registered for all services, for one service,
// or for one method; they apply in that order, outermost first.
//
// Registration must be complete before the first call is dispatched. The
// first call to Lookup freezes the map and its interceptor collections; after
// that, lookups do not lock.
type HandlerMap struct {
	opts         []Option
	interceptors InterceptorCollection

	mu       sync.Mutex
	services map[string]*service
	// set once, under mu, when the map is frozen
	table atomic.Pointer[dispatchTable]
}

// dispatchTable is the immutable lookup state of a frozen HandlerMap.
type dispatchTable struct {
	handlers map[string]*methodEntry
	services map[string]struct{}
}

var _ ServiceRegistry = (*HandlerMap)(nil)

type service struct {
	desc               *grpc.ServiceDesc
	activator          Activator
	methods            []Method
	interceptors       InterceptorCollection
	methodInterceptors map[string]*InterceptorCollection
}

type methodEntry struct {
	handler *Handler
	err     error
}

// NewHandlerMap creates an empty map. The options are applied to every
// Handler it creates.
func NewHandlerMap(opts ...Option) *HandlerMap {
	return &HandlerMap{
		opts:     opts,
		services: map[string]*service{},
	}
}

// Interceptors returns the interceptors that apply to every service.
func (r *HandlerMap) Interceptors() *InterceptorCollection {
	return &r.interceptors
}

// RegisterService registers the given handler to be used for the given service.
// Only a single handler can be registered for a given service. And services are
// identified by their fully-qualified name (e.g. "package.name.Service").
func (r *HandlerMap) RegisterService(desc *grpc.ServiceDesc, h any) {
	ht := reflect.TypeOf(desc.HandlerType).Elem()
	st := reflect.TypeOf(h)
	if !st.Implements(ht) {
		panic(fmt.Sprintf("service %s: handler of type %v does not satisfy %v", desc.ServiceName, st, ht))
	}
	r.RegisterServiceActivator(desc, StaticActivator{Instance: h})
}

// RegisterServiceActivator registers a service whose instances are supplied
// per call by the given activator. Like RegisterService, it panics if the
// service is already registered, if the map is frozen, or if the service's
// methods cannot be described.
func (r *HandlerMap) RegisterServiceActivator(desc *grpc.ServiceDesc, a Activator) {
	methods, err := describeService(desc)
	if err != nil {
		panic(fmt.Sprintf("service %s: %v", desc.ServiceName, err))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozenLocked() {
		panic(fmt.Sprintf("service %s: %v", desc.ServiceName, ErrCollectionFrozen))
	}
	if _, ok := r.services[desc.ServiceName]; ok {
		panic(fmt.Sprintf("service %s: handler already registered", desc.ServiceName))
	}
	r.services[desc.ServiceName] = &service{
		desc:               desc,
		activator:          a,
		methods:            methods,
		methodInterceptors: map[string]*InterceptorCollection{},
	}
}

// ServiceInterceptors returns the interceptors for the named service, or
// nil if no such service is registered.
func (r *HandlerMap) ServiceInterceptors(serviceName string) *InterceptorCollection {
	r.mu.Lock()
	defer r.mu.Unlock()
	svc := r.services[serviceName]
	if svc == nil {
		return nil
	}
	return &svc.interceptors
}

// MethodInterceptors returns the interceptors for the given method, in
// "/service/method" form, or nil if no such method is registered.
func (r *HandlerMap) MethodInterceptors(fullMethod string) *InterceptorCollection {
	svcName, methodName, ok := splitMethod(fullMethod)
	if !ok {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	svc := r.services[svcName]
	if svc == nil || svc.method(methodName) == nil {
		return nil
	}
	c := svc.methodInterceptors[methodName]
	if c == nil {
		c = &InterceptorCollection{}
		if r.frozenLocked() {
			c.Freeze()
		}
		svc.methodInterceptors[methodName] = c
	}
	return c
}

// Lookup returns the handler for the given method, in "/service/method"
// form. Unknown methods result in an Unimplemented status error.
func (r *HandlerMap) Lookup(fullMethod string) (*Handler, error) {
	t := r.table.Load()
	if t == nil {
		t = r.freeze()
	}
	if e, ok := t.handlers[fullMethod]; ok {
		return e.handler, e.err
	}
	svcName, _, ok := splitMethod(fullMethod)
	if !ok {
		return nil, status.Errorf(codes.Unimplemented, "malformed method name: %q", fullMethod)
	}
	if _, ok := t.services[svcName]; !ok {
		return nil, status.Errorf(codes.Unimplemented, "unknown service %s", svcName)
	}
	return nil, status.Errorf(codes.Unimplemented, "unknown method %s", fullMethod)
}

func (r *HandlerMap) frozenLocked() bool {
	return r.table.Load() != nil
}

// freeze builds the dispatch table, unless a concurrent caller already has.
func (r *HandlerMap) freeze() *dispatchTable {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t := r.table.Load(); t != nil {
		return t
	}
	global := r.interceptors.Freeze()
	t := &dispatchTable{
		handlers: map[string]*methodEntry{},
		services: make(map[string]struct{}, len(r.services)),
	}
	for name, svc := range r.services {
		t.services[name] = struct{}{}
		svcRegs := svc.interceptors.Freeze()
		for _, m := range svc.methods {
			regs := append(append([]InterceptorRegistration(nil), global...), svcRegs...)
			if c := svc.methodInterceptors[m.Descriptor.MethodName]; c != nil {
				regs = append(regs, c.Freeze()...)
			}
			h, err := NewHandler(m, svc.activator, regs, r.opts...)
			t.handlers[m.Descriptor.FullMethod()] = &methodEntry{handler: h, err: err}
		}
	}
	r.table.Store(t)
	return t
}

// GetServiceInfo returns the registered services and their methods.
func (r *HandlerMap) GetServiceInfo() map[string]grpc.ServiceInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	info := make(map[string]grpc.ServiceInfo, len(r.services))
	for name, svc := range r.services {
		si := grpc.ServiceInfo{Metadata: svc.desc.Metadata}
		for _, m := range svc.methods {
			si.Methods = append(si.Methods, grpc.MethodInfo{
				Name:           m.Descriptor.MethodName,
				IsClientStream: m.Descriptor.Type.ClientStreams(),
				IsServerStream: m.Descriptor.Type.ServerStreams(),
			})
		}
		sort.Slice(si.Methods, func(i, j int) bool {
			return si.Methods[i].Name < si.Methods[j].Name
		})
		info[name] = si
	}
	return info
}

func (s *service) method(name string) *Method {
	for i := range s.methods {
		if s.methods[i].Descriptor.MethodName == name {
			return &s.methods[i]
		}
	}
	return nil
}

func splitMethod(fullMethod string) (string, string, bool) {
	name := strings.TrimPrefix(fullMethod, "/")
	pos := strings.LastIndex(name, "/")
	if pos <= 0 || pos == len(name)-1 {
		return "", "", false
	}
	return name[:pos], name[pos+1:], true
}

// describeService builds a Method for every method of the service. The
// request types of single-request methods are found by running the
// generated handler until it asks for the request.
func describeService(desc *grpc.ServiceDesc) ([]Method, error) {
	methods := make([]Method, 0, len(desc.Methods)+len(desc.Streams))
	for _, md := range desc.Methods {
		reqType, err := probeUnary(md.Handler)
		if err != nil {
			return nil, fmt.Errorf("method %s: %w", md.MethodName, err)
		}
		methods = append(methods, Method{
			Descriptor: &MethodDescriptor{
				ServiceName: desc.ServiceName,
				MethodName:  md.MethodName,
				Type:        Unary,
				RequestType: reqType,
			},
			Unary: md.Handler,
		})
	}
	for _, sd := range desc.Streams {
		if !sd.ClientStreams && !sd.ServerStreams {
			return nil, fmt.Errorf("stream %s is neither client nor server streaming", sd.StreamName)
		}
		d := &MethodDescriptor{
			ServiceName: desc.ServiceName,
			MethodName:  sd.StreamName,
			Type:        MethodTypeOf(sd.ClientStreams, sd.ServerStreams),
		}
		if !sd.ClientStreams {
			reqType, err := probeStream(sd.Handler)
			if err != nil {
				return nil, fmt.Errorf("method %s: %w", sd.StreamName, err)
			}
			d.RequestType = reqType
		}
		methods = append(methods, Method{Descriptor: d, Stream: sd.Handler})
	}
	return methods, nil
}

var errProbe = errors.New("probing request type")

func probeUnary(h grpc.MethodHandler) (t reflect.Type, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v: %v", errProbe, r)
		}
	}()
	_, _ = h(nil, context.Background(), func(in any) error {
		t = reflect.TypeOf(in)
		return errProbe
	}, nil)
	if t == nil || t.Kind() != reflect.Pointer {
		return nil, fmt.Errorf("%v: handler did not decode a request", errProbe)
	}
	return t, nil
}

func probeStream(h grpc.StreamHandler) (t reflect.Type, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v: %v", errProbe, r)
		}
	}()
	ps := &probeServerStream{}
	_ = h(nil, ps)
	if ps.reqType == nil || ps.reqType.Kind() != reflect.Pointer {
		return nil, fmt.Errorf("%v: handler did not receive a request", errProbe)
	}
	return ps.reqType, nil
}

type probeServerStream struct {
	reqType reflect.Type
}

func (*probeServerStream) SetHeader(metadata.MD) error  { return errProbe }
func (*probeServerStream) SendHeader(metadata.MD) error { return errProbe }
func (*probeServerStream) SetTrailer(metadata.MD)       {}
func (*probeServerStream) Context() context.Context     { return context.Background() }
func (*probeServerStream) SendMsg(any) error            { return errProbe }

func (s *probeServerStream) RecvMsg(m any) error {
	s.reqType = reflect.TypeOf(m)
	return errProbe
}
