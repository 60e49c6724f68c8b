package grpccall

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/stats"
	"google.golang.org/grpc/status"

	"github.com/fullstorydev/grpccall/framing"
	"github.com/fullstorydev/grpccall/internal"
)

// Method binds a descriptor to the generated code that implements it. Unary
// methods set Unary; the streaming shapes set Stream.
type Method struct {
	Descriptor *MethodDescriptor
	Unary      grpc.MethodHandler
	Stream     grpc.StreamHandler
}

// Handler executes calls to a single method. One Handler exists per
// registered method and is shared by all calls to it.
//
// For each call, the handler validates the request, decodes the request
// message (for shapes with a single request), acquires a service instance,
// invokes the method (through the interceptor pipeline, if there is one),
// writes the response, and emits the final status. The instance is released
// and the status is emitted exactly once, however the call ends.
type Handler struct {
	method     Method
	desc       *MethodDescriptor
	activator  Activator
	opts       *options
	log        *zap.Logger
	compressor encoding.Compressor
	pipelined  bool

	unary           grpc.UnaryHandler
	clientStreaming ClientStreamingHandler
	serverStreaming ServerStreamingHandler
	duplexStreaming DuplexStreamingHandler
}

// NewHandler creates a handler for the given method. Calls are served by
// instances from activator and pass through the given interceptors, the
// first being the outermost.
func NewHandler(m Method, activator Activator, interceptors []InterceptorRegistration, opts ...Option) (*Handler, error) {
	desc := m.Descriptor
	if desc == nil {
		return nil, errors.New("method descriptor is required")
	}
	if activator == nil {
		return nil, fmt.Errorf("%s: activator is required", desc.FullMethod())
	}
	if desc.Type == Unary && m.Unary == nil || desc.Type != Unary && m.Stream == nil {
		return nil, fmt.Errorf("%s: no handler for %v method", desc.FullMethod(), desc.Type)
	}
	if !desc.Type.ClientStreams() && desc.RequestType == nil {
		return nil, fmt.Errorf("%s: request type is required for %v method", desc.FullMethod(), desc.Type)
	}
	o := newOptions(opts)
	h := &Handler{
		method:    m,
		desc:      desc,
		activator: activator,
		opts:      o,
		log:       o.log.Named("grpccall").With(zap.String("method", desc.FullMethod())),
	}
	if o.responseCompression != "" {
		c, err := framing.LookupCompressor(o.responseCompression)
		if err != nil {
			return nil, fmt.Errorf("%s: response compression: %w", desc.FullMethod(), err)
		}
		h.compressor = c
	}

	h.unary = h.unaryTerminal
	h.clientStreaming = h.clientStreamingTerminal
	h.serverStreaming = h.serverStreamingTerminal
	h.duplexStreaming = h.duplexStreamingTerminal
	if len(interceptors) > 0 {
		b, err := NewPipelineBuilder(interceptors)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", desc.FullMethod(), err)
		}
		h.pipelined = true
		switch desc.Type {
		case Unary:
			h.unary = b.UnaryPipeline(h.unary)
		case ClientStreaming:
			h.clientStreaming = b.ClientStreamingPipeline(h.clientStreaming)
		case ServerStreaming:
			h.serverStreaming = b.ServerStreamingPipeline(h.serverStreaming)
		case DuplexStreaming:
			h.duplexStreaming = b.DuplexStreamingPipeline(h.duplexStreaming)
		}
	}
	return h, nil
}

// Descriptor returns the descriptor of the handled method.
func (h *Handler) Descriptor() *MethodDescriptor {
	return h.desc
}

// HandleCall executes one call over the given transport. Failures of the
// call are reported to the peer as the call's status; HandleCall only
// returns an error when the method's code misused the call, such as by
// writing two responses to a unary call.
func (h *Handler) HandleCall(t ServerTransport) error {
	call, cleanup := h.newCall(t)
	defer cleanup()
	ctx := call.Context()
	begin := time.Now()
	if h.opts.stats != nil {
		h.opts.stats.HandleRPC(ctx, &stats.Begin{
			BeginTime:      begin,
			IsClientStream: h.desc.Type.ClientStreams(),
			IsServerStream: h.desc.Type.ServerStreams(),
		})
	}

	codec, st := h.admit(t, call)
	var compressor encoding.Compressor
	if st == nil {
		compressor = h.negotiateCompression(call)
	}
	writerOpts := []Option{WithCodec(codec), WithCompressor(compressor), WithMaxSendMsgSize(h.opts.maxSendMsgSize), WithStatsHandler(h.opts.stats)}
	if !h.desc.Type.ServerStreams() {
		writerOpts = append(writerOpts, WithSingleMessage())
	}
	writer := NewStreamWriter(call, t, writerOpts...)

	var err error
	if st == nil {
		reader := NewStreamReader(call, WithCodec(codec), WithLogger(h.log), WithMaxRecvMsgSize(h.opts.maxRecvMsgSize), WithStatsHandler(h.opts.stats))
		reader.Bind(Inbound{Body: t.Body(), Encoding: firstValue(t.RequestHeader(), "grpc-encoding")})
		err = h.run(t, call, reader, writer)
		st = StatusFromError(err)
		if err != nil {
			if _, isStatus := status.FromError(err); !isStatus || IsUsageError(err) {
				h.log.Error(fmt.Sprintf("Error when executing service method '%s'.", h.desc.MethodName),
					event(EventErrorExecutingServiceMethod), zap.Error(err))
			}
		}
	}

	if completeErr := writer.CompleteWithStatus(st, nil); completeErr != nil {
		h.log.Debug("failed to send status", zap.Stringer("code", st.Code()), zap.Error(completeErr))
	}
	if h.opts.stats != nil {
		h.opts.stats.HandleRPC(ctx, &stats.End{
			BeginTime: begin,
			EndTime:   time.Now(),
			Trailer:   call.Trailer(),
			Error:     st.Err(),
		})
	}
	if IsUsageError(err) {
		return err
	}
	return nil
}

func (h *Handler) newCall(t ServerTransport) (*CallContext, func()) {
	md := t.RequestHeader()
	ctx := t.Context()
	cancel := context.CancelFunc(func() {})
	if v := firstValue(md, "grpc-timeout"); v != "" {
		// malformed values are rejected in admit
		if d, err := DecodeTimeout(v); err == nil {
			ctx, cancel = context.WithTimeout(ctx, d)
		}
	}
	ctx = metadata.NewIncomingContext(ctx, applicationMetadata(md))
	if pp, ok := t.(PeerProvider); ok {
		if p := pp.Peer(); p != nil {
			ctx = peer.NewContext(ctx, p)
		}
	}
	if h.opts.stats != nil {
		ctx = h.opts.stats.TagRPC(ctx, &stats.RPCTagInfo{FullMethodName: h.desc.FullMethod()})
	}
	call := NewCallContext(ctx, h.desc.FullMethod(), md)
	call.ctx = grpc.NewContextWithServerTransportStream(call.ctx, call)
	return call, func() {
		call.Cancel(nil)
		cancel()
	}
}

// admit validates transport preconditions. It returns the codec for the
// call, or the status to fail the call with.
func (h *Handler) admit(t ServerTransport, call *CallContext) (encoding.Codec, *status.Status) {
	codec := h.desc.Codec
	if codec == nil {
		codec = internal.GetCodec("proto")
	}

	ct := t.ContentType()
	sub, ok := internal.ContentSubtype(ct)
	if ok && sub != "proto" {
		codec = internal.GetCodec(sub)
		ok = codec != nil
	}
	if !ok {
		msg := fmt.Sprintf("Request content-type of '%s' is not supported.", ct)
		h.log.Info(msg, event(EventUnsupportedRequestContentType), zap.String("content_type", ct))
		return internal.GetCodec("proto"), status.New(codes.InvalidArgument, msg)
	}

	proto := t.Protocol()
	if !isSupportedProtocol(proto) {
		msg := fmt.Sprintf("Request protocol of '%s' is not supported.", proto)
		h.log.Info(msg, event(EventUnsupportedRequestProtocol), zap.String("protocol", proto))
		return codec, status.New(codes.Unimplemented, msg)
	}

	if v := firstValue(call.RequestHeader(), "grpc-timeout"); v != "" {
		if _, err := DecodeTimeout(v); err != nil {
			return codec, status.New(codes.InvalidArgument, err.Error())
		}
	}
	return codec, nil
}

func isSupportedProtocol(proto string) bool {
	switch strings.ToUpper(proto) {
	case "HTTP/2", "HTTP/2.0", "HTTP/3", "HTTP/3.0":
		return true
	default:
		return false
	}
}

func (h *Handler) negotiateCompression(call *CallContext) encoding.Compressor {
	hdr := metadata.Pairs("grpc-accept-encoding", strings.Join(framing.SupportedEncodings(), ","))
	var c encoding.Compressor
	if h.compressor != nil && framing.Accepts(firstValue(call.RequestHeader(), "grpc-accept-encoding"), h.compressor.Name()) {
		c = h.compressor
		hdr.Set("grpc-encoding", c.Name())
	}
	_ = call.SetHeader(hdr)
	return c
}

// run drives the call through decoding, invocation, and encoding. Panics in
// the method's code become Internal errors.
func (h *Handler) run(t ServerTransport, call *CallContext, reader *StreamReader, writer *StreamWriter) (err error) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error(fmt.Sprintf("Service method '%s' panicked.", h.desc.MethodName),
				event(EventServiceMethodPanicked), zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = status.Errorf(codes.Internal, "panic in service method: %v", r)
		}
	}()

	ctx := call.Context()
	shape := h.desc.Type
	if shape.ClientStreams() {
		if l, ok := t.(RequestBodyLimiter); ok {
			if err := l.DisableRequestBodyLimit(); err != nil {
				h.log.Debug("Unable to disable the max request body size limit.",
					event(EventUnableToDisableMaxRequestBodySizeLimit), zap.Error(err))
			}
		}
	}

	var req any
	if !shape.ClientStreams() {
		req = h.desc.NewRequest()
		if err := reader.RecvSingle(ctx, req,
			status.New(codes.InvalidArgument, "Request message not supplied."),
			status.New(codes.InvalidArgument, "Additional data after the message received.")); err != nil {
			return err
		}
		call.setState(StateRequestDecoded)
	}

	stream := &serverStream{call: call, reader: reader, writer: writer}
	call.setState(StateHandlerInvoked)
	var resp any
	switch shape {
	case Unary:
		resp, err = h.unary(ctx, req)
	case ClientStreaming:
		resp, err = h.clientStreaming(stream)
	case ServerStreaming:
		err = h.serverStreaming(req, stream)
	case DuplexStreaming:
		err = h.duplexStreaming(stream)
	}
	if err != nil {
		return err
	}

	if !shape.ServerStreams() {
		if resp == nil {
			return status.Error(codes.Internal, "No message returned from method.")
		}
		if err := writer.Send(resp); err != nil {
			return err
		}
	}
	call.setState(StateResponseEncoded)
	return nil
}

func (h *Handler) unaryTerminal(ctx context.Context, req any) (any, error) {
	return h.withInstance(ctx, func(srv any) (any, error) {
		dec := func(in any) error {
			return internal.CopyMessage(req, in)
		}
		return h.method.Unary(srv, ctx, dec, nil)
	})
}

func (h *Handler) clientStreamingTerminal(stream grpc.ServerStream) (any, error) {
	return h.withInstance(stream.Context(), func(srv any) (any, error) {
		rc := &responseCapture{ServerStream: stream}
		if err := h.method.Stream(srv, rc); err != nil {
			return nil, err
		}
		return rc.resp, nil
	})
}

func (h *Handler) serverStreamingTerminal(req any, stream grpc.ServerStream) error {
	_, err := h.withInstance(stream.Context(), func(srv any) (any, error) {
		return nil, h.method.Stream(srv, &requestReplay{ServerStream: stream, req: req})
	})
	return err
}

func (h *Handler) duplexStreamingTerminal(stream grpc.ServerStream) error {
	_, err := h.withInstance(stream.Context(), func(srv any) (any, error) {
		return nil, h.method.Stream(srv, stream)
	})
	return err
}

// withInstance runs fn with an instance from the activator. The handle is
// released on every path, including when acquisition fails (in which case
// it is the zero Handle) and when fn panics.
func (h *Handler) withInstance(ctx context.Context, fn func(srv any) (any, error)) (resp any, err error) {
	var handle Handle
	defer func() {
		if relErr := h.activator.Release(ctx, handle); relErr != nil {
			h.log.Warn(fmt.Sprintf("Error releasing service instance for '%s'.", h.desc.MethodName),
				event(EventErrorReleasingServiceInstance), zap.Error(relErr))
		}
	}()
	handle, err = h.activator.Acquire(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "unable to activate service instance: %v", err)
	}
	return fn(handle.Instance)
}

func firstValue(md metadata.MD, key string) string {
	if vs := md.Get(key); len(vs) > 0 {
		return vs[0]
	}
	return ""
}
