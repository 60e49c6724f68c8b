package grpccall

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
)

// PipelineBuilder composes interceptors around terminal handlers. It holds
// one instance of each registered interceptor; the pipelines it builds are
// reused across calls.
type PipelineBuilder struct {
	interceptors []Interceptor
}

// NewPipelineBuilder constructs the interceptors for the given
// registrations.
func NewPipelineBuilder(regs []InterceptorRegistration) (*PipelineBuilder, error) {
	b := &PipelineBuilder{interceptors: make([]Interceptor, 0, len(regs))}
	for i, reg := range regs {
		interceptor, err := reg.New()
		if err != nil {
			return nil, fmt.Errorf("interceptor %d (%v): %w", i, reg, err)
		}
		b.interceptors = append(b.interceptors, interceptor)
	}
	return b, nil
}

// Len returns the number of interceptors in the pipeline.
func (b *PipelineBuilder) Len() int {
	return len(b.interceptors)
}

// The pipelines below are built by going backwards through the chain, so
// the first interceptor is the outermost. With no interceptors, the
// terminal handler is returned as is.

// UnaryPipeline wraps a unary terminal handler.
func (b *PipelineBuilder) UnaryPipeline(terminal grpc.UnaryHandler) grpc.UnaryHandler {
	handler := terminal
	for i := len(b.interceptors) - 1; i >= 0; i-- {
		curr, next := b.interceptors[i], handler
		handler = func(ctx context.Context, req any) (any, error) {
			return curr.InterceptUnary(ctx, req, next)
		}
	}
	return handler
}

// ClientStreamingPipeline wraps a client-streaming terminal handler.
func (b *PipelineBuilder) ClientStreamingPipeline(terminal ClientStreamingHandler) ClientStreamingHandler {
	handler := terminal
	for i := len(b.interceptors) - 1; i >= 0; i-- {
		curr, next := b.interceptors[i], handler
		handler = func(stream grpc.ServerStream) (any, error) {
			return curr.InterceptClientStreaming(stream, next)
		}
	}
	return handler
}

// ServerStreamingPipeline wraps a server-streaming terminal handler.
func (b *PipelineBuilder) ServerStreamingPipeline(terminal ServerStreamingHandler) ServerStreamingHandler {
	handler := terminal
	for i := len(b.interceptors) - 1; i >= 0; i-- {
		curr, next := b.interceptors[i], handler
		handler = func(req any, stream grpc.ServerStream) error {
			return curr.InterceptServerStreaming(req, stream, next)
		}
	}
	return handler
}

// DuplexStreamingPipeline wraps a duplex-streaming terminal handler.
func (b *PipelineBuilder) DuplexStreamingPipeline(terminal DuplexStreamingHandler) DuplexStreamingHandler {
	handler := terminal
	for i := len(b.interceptors) - 1; i >= 0; i-- {
		curr, next := b.interceptors[i], handler
		handler = func(stream grpc.ServerStream) error {
			return curr.InterceptDuplexStreaming(stream, next)
		}
	}
	return handler
}
