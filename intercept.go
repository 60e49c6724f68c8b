package grpccall

import (
	"context"

	"google.golang.org/grpc"
)

// ClientStreamingHandler is the terminal handler of a client-streaming call.
// It reads requests from stream and returns the single response.
type ClientStreamingHandler func(stream grpc.ServerStream) (any, error)

// ServerStreamingHandler is the terminal handler of a server-streaming call.
// It is given the decoded request and sends responses on stream.
type ServerStreamingHandler func(req any, stream grpc.ServerStream) error

// DuplexStreamingHandler is the terminal handler of a duplex-streaming call.
type DuplexStreamingHandler func(stream grpc.ServerStream) error

// Interceptor wraps the invocation of a method. There is one method per call
// shape. Each may run code before and after calling next, may replace the
// request or response, or may return without calling next at all.
type Interceptor interface {
	InterceptUnary(ctx context.Context, req any, next grpc.UnaryHandler) (any, error)
	InterceptClientStreaming(stream grpc.ServerStream, next ClientStreamingHandler) (any, error)
	InterceptServerStreaming(req any, stream grpc.ServerStream, next ServerStreamingHandler) error
	InterceptDuplexStreaming(stream grpc.ServerStream, next DuplexStreamingHandler) error
}

// PassthroughInterceptor implements every Interceptor method by calling
// next. Embed it to intercept only some call shapes.
type PassthroughInterceptor struct{}

var _ Interceptor = PassthroughInterceptor{}

func (PassthroughInterceptor) InterceptUnary(ctx context.Context, req any, next grpc.UnaryHandler) (any, error) {
	return next(ctx, req)
}

func (PassthroughInterceptor) InterceptClientStreaming(stream grpc.ServerStream, next ClientStreamingHandler) (any, error) {
	return next(stream)
}

func (PassthroughInterceptor) InterceptServerStreaming(req any, stream grpc.ServerStream, next ServerStreamingHandler) error {
	return next(req, stream)
}

func (PassthroughInterceptor) InterceptDuplexStreaming(stream grpc.ServerStream, next DuplexStreamingHandler) error {
	return next(stream)
}

// FromUnaryServerInterceptor adapts a gRPC unary interceptor. The result
// intercepts unary calls and passes other shapes through.
func FromUnaryServerInterceptor(i grpc.UnaryServerInterceptor) Interceptor {
	return unaryAdapter{fn: i}
}

// FromStreamServerInterceptor adapts a gRPC stream interceptor. The result
// intercepts the three streaming shapes and passes unary calls through.
func FromStreamServerInterceptor(i grpc.StreamServerInterceptor) Interceptor {
	return streamAdapter{fn: i}
}

type unaryAdapter struct {
	PassthroughInterceptor
	fn grpc.UnaryServerInterceptor
}

func (a unaryAdapter) InterceptUnary(ctx context.Context, req any, next grpc.UnaryHandler) (any, error) {
	info := &grpc.UnaryServerInfo{FullMethod: methodFromContext(ctx)}
	return a.fn(ctx, req, info, next)
}

type streamAdapter struct {
	PassthroughInterceptor
	fn grpc.StreamServerInterceptor
}

func (a streamAdapter) InterceptClientStreaming(stream grpc.ServerStream, next ClientStreamingHandler) (any, error) {
	var resp any
	err := a.fn(nil, stream, streamInfo(stream, ClientStreaming), func(_ any, ss grpc.ServerStream) error {
		var err error
		resp, err = next(ss)
		return err
	})
	return resp, err
}

func (a streamAdapter) InterceptServerStreaming(req any, stream grpc.ServerStream, next ServerStreamingHandler) error {
	return a.fn(nil, stream, streamInfo(stream, ServerStreaming), func(_ any, ss grpc.ServerStream) error {
		return next(req, ss)
	})
}

func (a streamAdapter) InterceptDuplexStreaming(stream grpc.ServerStream, next DuplexStreamingHandler) error {
	return a.fn(nil, stream, streamInfo(stream, DuplexStreaming), func(_ any, ss grpc.ServerStream) error {
		return next(ss)
	})
}

func streamInfo(stream grpc.ServerStream, t MethodType) *grpc.StreamServerInfo {
	return &grpc.StreamServerInfo{
		FullMethod:     methodFromContext(stream.Context()),
		IsClientStream: t.ClientStreams(),
		IsServerStream: t.ServerStreams(),
	}
}

func methodFromContext(ctx context.Context) string {
	if c, ok := FromContext(ctx); ok {
		return c.Method()
	}
	m, _ := grpc.Method(ctx)
	return m
}
