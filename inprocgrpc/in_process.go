package inprocgrpc

import (
	"context"
	"errors"
	"io"
	"runtime"
	"strings"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/fullstorydev/grpccall"
	"github.com/fullstorydev/grpccall/internal"
)

// Channel is a gRPC channel where RPCs amount to an in-process method call.
// It is both a grpc.ServiceRegistrar, for registering the services it
// serves, and a grpc.ClientConnInterface, for calling them.
type Channel struct {
	handlers *grpccall.HandlerMap
	log      *zap.Logger
}

var (
	_ grpccall.Channel      = (*Channel)(nil)
	_ grpc.ServiceRegistrar = (*Channel)(nil)
)

// NewChannel returns a channel that dispatches calls to the given registry.
// If handlers is nil, a new registry with default options is used.
func NewChannel(handlers *grpccall.HandlerMap) *Channel {
	if handlers == nil {
		handlers = grpccall.NewHandlerMap()
	}
	return &Channel{handlers: handlers, log: zap.NewNop()}
}

// WithLogger sets the logger that receives client-side read errors and
// usage errors reported by handlers.
func (ch *Channel) WithLogger(l *zap.Logger) *Channel {
	ch.log = l
	return ch
}

// RegisterService registers the given service and implementation.
func (ch *Channel) RegisterService(desc *grpc.ServiceDesc, svr any) {
	ch.handlers.RegisterService(desc, svr)
}

// Handlers returns the channel's registry.
func (ch *Channel) Handlers() *grpccall.HandlerMap {
	return ch.handlers
}

// Invoke satisfies the grpc.ClientConnInterface and supports sending unary
// RPCs via the in-process channel.
func (ch *Channel) Invoke(ctx context.Context, method string, req, resp any, opts ...grpc.CallOption) error {
	cs, err := ch.newStream(ctx, &grpc.StreamDesc{}, method, opts)
	if err != nil {
		return err
	}
	if err := cs.SendMsg(req); err != nil && !errors.Is(err, io.EOF) {
		cs.finish(err)
		return err
	}
	_ = cs.CloseSend()
	return cs.RecvMsg(resp)
}

// NewStream satisfies the grpc.ClientConnInterface and supports sending
// streaming RPCs via the in-process channel.
func (ch *Channel) NewStream(ctx context.Context, desc *grpc.StreamDesc, method string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	cs, err := ch.newStream(ctx, desc, method, opts)
	if err != nil {
		return nil, err
	}
	return cs, nil
}

func (ch *Channel) newStream(ctx context.Context, desc *grpc.StreamDesc, method string, opts []grpc.CallOption) (*clientStream, error) {
	h, err := ch.handlers.Lookup(method)
	if err != nil {
		return nil, grpccall.StatusFromError(err).Err()
	}

	var headerAddr, trailerAddr *metadata.MD
	subtype := ""
	for _, opt := range opts {
		switch opt := opt.(type) {
		case grpc.HeaderCallOption:
			headerAddr = opt.HeaderAddr
		case grpc.TrailerCallOption:
			trailerAddr = opt.TrailerAddr
		case grpc.ContentSubtypeCallOption:
			subtype = strings.ToLower(opt.ContentSubtype)
		}
	}
	contentType := internal.ContentTypeGRPC
	codec := internal.GetCodec("proto")
	if subtype != "" && subtype != "proto" {
		contentType += "+" + subtype
		if codec = internal.GetCodec(subtype); codec == nil {
			return nil, status.Errorf(codes.Internal, "no codec registered for content-subtype %s", subtype)
		}
	}

	outgoing, _ := metadata.FromOutgoingContext(ctx)
	call := grpccall.NewCallContext(ctx, method, outgoing)

	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	t := &serverTransport{
		ctx:         noValuesContext{call.Context()},
		contentType: contentType,
		md:          outgoing.Copy(),
		body:        reqR,
		resp:        respW,
		ready:       make(chan struct{}),
		done:        make(chan struct{}),
	}

	log := ch.log.Named("inprocgrpc").With(zap.String("method", method))
	cs := &clientStream{
		desc:        desc,
		call:        call,
		srv:         t,
		headerAddr:  headerAddr,
		trailerAddr: trailerAddr,
		reader:      grpccall.NewStreamReader(call, grpccall.WithClientSide(), grpccall.WithCodec(codec), grpccall.WithLogger(log)),
	}
	writerOpts := []grpccall.Option{grpccall.WithClientSide(), grpccall.WithCodec(codec)}
	if !desc.ClientStreams {
		writerOpts = append(writerOpts, grpccall.WithSingleMessage())
	}
	cs.writer = grpccall.NewStreamWriter(call, requestBody{reqW}, writerOpts...)
	cs.reader.Bind(grpccall.Inbound{Body: respR, Status: t.finalStatus})

	context.AfterFunc(call.Context(), func() {
		reqR.CloseWithError(context.Canceled)
		respR.CloseWithError(context.Canceled)
	})
	// ensure that context is cancelled, even if caller
	// fails to fully consume or cancel the stream
	runtime.SetFinalizer(cs, func(cs *clientStream) { cs.call.Cancel(nil) })

	go func() {
		defer close(t.done)
		if err := h.HandleCall(t); err != nil {
			log.Debug("Call ended with a usage error.", zap.Error(err))
		}
		// nothing more will be read from the client, and a call whose
		// trailers could not be written must still end
		reqR.CloseWithError(io.ErrClosedPipe)
		_ = respW.Close()
	}()

	return cs, nil
}

// requestBody writes request frames to the pipe read by the handler.
type requestBody struct {
	w *io.PipeWriter
}

func (b requestBody) WriteHeader(metadata.MD) error {
	// request metadata is handed to the server directly
	return nil
}

func (b requestBody) WriteFrame(frame []byte) error {
	_, err := b.w.Write(frame)
	return err
}

func (b requestBody) WriteTrailer(metadata.MD) error {
	return b.w.Close()
}

type clientStream struct {
	desc        *grpc.StreamDesc
	call        *grpccall.CallContext
	srv         *serverTransport
	headerAddr  *metadata.MD
	trailerAddr *metadata.MD
	reader      *grpccall.StreamReader
	writer      *grpccall.StreamWriter

	finishOnce sync.Once
}

func (cs *clientStream) Header() (metadata.MD, error) {
	select {
	case <-cs.srv.ready:
		return cs.srv.responseHeader(), nil
	case <-cs.srv.done:
		// the handler ended without writing headers
		return cs.srv.responseHeader(), nil
	case <-cs.call.Context().Done():
		select {
		case <-cs.srv.ready:
			return cs.srv.responseHeader(), nil
		default:
		}
		return nil, grpccall.StatusFromError(context.Cause(cs.call.Context())).Err()
	}
}

func (cs *clientStream) Trailer() metadata.MD {
	if !cs.call.ResponseFinished() {
		return nil
	}
	return cs.call.Trailer()
}

func (cs *clientStream) CloseSend() error {
	if err := cs.writer.CloseSend(); err != nil && grpccall.IsUsageError(err) {
		return err
	}
	return nil
}

func (cs *clientStream) Context() context.Context {
	return cs.call.Context()
}

func (cs *clientStream) SendMsg(m any) error {
	err := cs.writer.Send(m)
	if err == nil || (grpccall.IsUsageError(err) && !errors.Is(err, grpccall.ErrStreamCompleted)) {
		return err
	}
	return io.EOF
}

func (cs *clientStream) RecvMsg(m any) error {
	var err error
	if cs.desc.ServerStreams {
		err = cs.reader.Recv(cs.call.Context(), m)
	} else {
		if cs.reader.State() == grpccall.StreamCompleted {
			return io.EOF
		}
		err = cs.reader.RecvSingle(cs.call.Context(), m,
			status.New(codes.Internal, "grpc: server sent no response message for a method that returns one"),
			status.New(codes.Internal, "grpc: server sent more than one response message for a method that returns one"))
		if err == nil {
			cs.finish(nil)
			return nil
		}
	}
	if err != nil && !errors.Is(err, grpccall.ErrReadInProgress) {
		cs.finish(err)
	}
	return err
}

func (cs *clientStream) finish(error) {
	cs.finishOnce.Do(func() {
		if cs.headerAddr != nil {
			select {
			case <-cs.srv.ready:
				*cs.headerAddr = cs.srv.responseHeader()
			default:
			}
		}
		if cs.trailerAddr != nil {
			*cs.trailerAddr = cs.Trailer()
		}
		cs.call.Cancel(nil)
		runtime.SetFinalizer(cs, nil)
	})
}
