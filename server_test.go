package grpccall

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// tagInterceptor adds its tag to response headers, trailers, and messages.
type tagInterceptor struct {
	PassthroughInterceptor
	tag string
}

func (i *tagInterceptor) Init(args ...any) error {
	if len(args) != 1 {
		return fmt.Errorf("expected one argument, got %d", len(args))
	}
	i.tag = fmt.Sprint(args[0])
	return nil
}

func (i *tagInterceptor) InterceptUnary(ctx context.Context, req any, next grpc.UnaryHandler) (any, error) {
	if err := grpc.SetHeader(ctx, metadata.Pairs("header-"+i.tag, "value-"+i.tag)); err != nil {
		return nil, err
	}
	resp, err := next(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := grpc.SetTrailer(ctx, metadata.Pairs("trailer-"+i.tag, "value-"+i.tag)); err != nil {
		return nil, err
	}
	return wrapperspb.String(resp.(*wrapperspb.StringValue).GetValue() + "," + i.tag), nil
}

func (i *tagInterceptor) InterceptServerStreaming(req any, stream grpc.ServerStream, next ServerStreamingHandler) error {
	return next(req, taggingStream{ServerStream: stream, tag: i.tag})
}

type taggingStream struct {
	grpc.ServerStream
	tag string
}

func (s taggingStream) SendMsg(m any) error {
	return s.ServerStream.SendMsg(wrapperspb.String(m.(*wrapperspb.StringValue).GetValue() + "," + s.tag))
}

func newEchoHandlerMap(t *testing.T) *HandlerMap {
	hm := NewHandlerMap()
	hm.RegisterService(&echoServiceDesc, &echoImpl{})
	require.NoError(t, AddInterceptor[*tagInterceptor](hm.Interceptors(), "A"))
	require.NoError(t, AddInterceptor[*tagInterceptor](hm.ServiceInterceptors("test.Echo"), "B"))
	require.NoError(t, AddInterceptor[*tagInterceptor](hm.MethodInterceptors("/test.Echo/Echo"), "C"))
	require.NoError(t, AddInterceptor[*tagInterceptor](hm.MethodInterceptors("/test.Echo/Split"), "C"))
	return hm
}

func TestHandlerMap_InterceptorScopes(t *testing.T) {
	hm := newEchoHandlerMap(t)

	h, err := hm.Lookup("/test.Echo/Echo")
	require.NoError(t, err)
	tr := newFakeTransport(framed(t, "req"))
	require.NoError(t, h.HandleCall(tr))
	assert.Equal(t, codes.OK, tr.status(t).Code())
	assert.Equal(t, []string{"echo: req,C,B,A"}, tr.messages(t))
	for _, tag := range []string{"A", "B", "C"} {
		assert.Equal(t, []string{"value-" + tag}, tr.header.Get("header-"+tag))
		assert.Equal(t, []string{"value-" + tag}, tr.trailer.Get("trailer-"+tag))
	}

	h, err = hm.Lookup("/test.Echo/Split")
	require.NoError(t, err)
	tr = newFakeTransport(framed(t, "x,y"))
	require.NoError(t, h.HandleCall(tr))
	assert.Equal(t, codes.OK, tr.status(t).Code())
	assert.Equal(t, []string{"x,C,B,A", "y,C,B,A"}, tr.messages(t))

	// the method interceptor for Echo does not apply to Chat
	h, err = hm.Lookup("/test.Echo/Chat")
	require.NoError(t, err)
	tr = newFakeTransport(framed(t, "hi"))
	require.NoError(t, h.HandleCall(tr))
	assert.Equal(t, []string{"re: hi"}, tr.messages(t))
}

func TestHandlerMap_Lookup(t *testing.T) {
	hm := newEchoHandlerMap(t)
	h1, err := hm.Lookup("/test.Echo/Echo")
	require.NoError(t, err)
	h2, err := hm.Lookup("/test.Echo/Echo")
	require.NoError(t, err)
	assert.Same(t, h1, h2)
	assert.Equal(t, "/test.Echo/Echo", h1.Descriptor().FullMethod())
	assert.Equal(t, Unary, h1.Descriptor().Type)

	for _, name := range []string{"/test.Echo/Nope", "/test.Nope/Echo", "bogus", "/test.Echo/"} {
		_, err := hm.Lookup(name)
		assert.Equal(t, codes.Unimplemented, status.Code(err), name)
	}
	assert.Nil(t, hm.ServiceInterceptors("test.Nope"))
	assert.Nil(t, hm.MethodInterceptors("/test.Echo/Nope"))
}

func TestHandlerMap_FrozenAfterLookup(t *testing.T) {
	hm := newEchoHandlerMap(t)
	_, err := hm.Lookup("/test.Echo/Echo")
	require.NoError(t, err)

	require.ErrorIs(t, AddInterceptor[*tagInterceptor](hm.Interceptors(), "D"), ErrCollectionFrozen)
	require.ErrorIs(t, AddInterceptor[*tagInterceptor](hm.ServiceInterceptors("test.Echo"), "D"), ErrCollectionFrozen)
	require.ErrorIs(t, AddInterceptor[*tagInterceptor](hm.MethodInterceptors("/test.Echo/Chat"), "D"), ErrCollectionFrozen)

	desc := echoServiceDesc
	desc.ServiceName = "test.Other"
	assert.Panics(t, func() { hm.RegisterService(&desc, &echoImpl{}) })
}

func TestHandlerMap_ConcurrentLookup(t *testing.T) {
	hm := newEchoHandlerMap(t)
	const n = 16
	found := make([]*Handler, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			h, err := hm.Lookup("/test.Echo/Echo")
			found[i] = h
			return err
		})
	}
	require.NoError(t, g.Wait())
	for _, h := range found {
		assert.Same(t, found[0], h)
	}

	// once frozen, lookups do not take the registration lock
	hm.mu.Lock()
	defer hm.mu.Unlock()
	done := make(chan error, 1)
	go func() {
		h, err := hm.Lookup("/test.Echo/Echo")
		if err == nil && h != found[0] {
			err = fmt.Errorf("got a different handler after freezing")
		}
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Lookup blocked on the registration lock")
	}
	_, err := hm.Lookup("/test.Missing/Echo")
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}

func TestHandlerMap_BadInterceptor(t *testing.T) {
	hm := NewHandlerMap()
	hm.RegisterService(&echoServiceDesc, &echoImpl{})
	// missing the Init argument
	require.NoError(t, AddInterceptor[*tagInterceptor](hm.Interceptors()))
	_, err := hm.Lookup("/test.Echo/Echo")
	require.ErrorContains(t, err, "expected one argument")
}

func TestHandlerMap_RegisterService(t *testing.T) {
	hm := NewHandlerMap()
	hm.RegisterService(&echoServiceDesc, &echoImpl{})
	assert.PanicsWithValue(t, "service test.Echo: handler already registered", func() {
		hm.RegisterService(&echoServiceDesc, &echoImpl{})
	})
	assert.Panics(t, func() {
		desc := echoServiceDesc
		desc.ServiceName = "test.Other"
		hm.RegisterService(&desc, "not a server")
	})

	info := hm.GetServiceInfo()
	require.Contains(t, info, "test.Echo")
	methods := map[string]grpc.MethodInfo{}
	for _, m := range info["test.Echo"].Methods {
		methods[m.Name] = m
	}
	assert.Equal(t, grpc.MethodInfo{Name: "Echo"}, methods["Echo"])
	assert.Equal(t, grpc.MethodInfo{Name: "Concat", IsClientStream: true}, methods["Concat"])
	assert.Equal(t, grpc.MethodInfo{Name: "Split", IsServerStream: true}, methods["Split"])
	assert.Equal(t, grpc.MethodInfo{Name: "Chat", IsClientStream: true, IsServerStream: true}, methods["Chat"])
}

func TestDescribeService(t *testing.T) {
	methods, err := describeService(&echoServiceDesc)
	require.NoError(t, err)
	require.Len(t, methods, 4)
	for _, m := range methods {
		if m.Descriptor.Type.ClientStreams() {
			assert.Nil(t, m.Descriptor.RequestType, m.Descriptor.MethodName)
			continue
		}
		assert.Equal(t, "*wrapperspb.StringValue", m.Descriptor.RequestType.String(), m.Descriptor.MethodName)
	}

	desc := grpc.ServiceDesc{
		ServiceName: "test.Broken",
		HandlerType: (*any)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName: "Nowhere",
			Handler:    func(any, grpc.ServerStream) error { return nil },
		}},
	}
	_, err = describeService(&desc)
	require.Error(t, err)
}
