package h2grpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/stats"
	"google.golang.org/grpc/status"

	"github.com/fullstorydev/grpccall"
	"github.com/fullstorydev/grpccall/framing"
	"github.com/fullstorydev/grpccall/internal"
)

// Channel is used as a connection for gRPC requests issued over HTTP/2. The
// server endpoint is configured using the BaseURL field, and the Transport
// must be able to carry full-duplex HTTP/2 streams (an *http2.Transport, or
// an *http.Transport when the server supports HTTP/2) for bidirectional
// streams to work as expected. Both of those fields must be specified.
type Channel struct {
	Transport http.RoundTripper
	BaseURL   *url.URL

	// Logger, if set, receives read errors and other events.
	Logger *zap.Logger
	// Compressor is the name of the encoding used to compress requests. The
	// default is no compression.
	Compressor string
	// MaxRecvMsgSize is the largest response message accepted. If zero,
	// 4 MiB is used.
	MaxRecvMsgSize int
	// SurfaceCancellation makes reads interrupted by cancellation return
	// the context error instead of a Canceled status.
	SurfaceCancellation bool
	// StatsHandler, if set, is notified of each call and message.
	StatsHandler stats.Handler
}

var _ grpccall.Channel = (*Channel)(nil)

// Invoke executes a unary RPC, sending the given req message and populating
// the given resp with the server's reply.
func (ch *Channel) Invoke(ctx context.Context, methodName string, req, resp any, opts ...grpc.CallOption) error {
	cs, err := ch.newStream(ctx, &grpc.StreamDesc{}, methodName, opts)
	if err != nil {
		return err
	}
	// a failed send is reported by RecvMsg, with the call's status
	if err := cs.SendMsg(req); err != nil && !errors.Is(err, io.EOF) {
		cs.finish(err)
		return err
	}
	_ = cs.CloseSend()
	return cs.RecvMsg(resp)
}

// NewStream executes a streaming RPC.
func (ch *Channel) NewStream(ctx context.Context, desc *grpc.StreamDesc, methodName string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	cs, err := ch.newStream(ctx, desc, methodName, opts)
	if err != nil {
		return nil, err
	}
	return cs, nil
}

type callOptions struct {
	header      *metadata.MD
	trailer     *metadata.MD
	subtype     string
	compressor  string
	maxRecvSize int
}

func (ch *Channel) callOptions(opts []grpc.CallOption) callOptions {
	co := callOptions{compressor: ch.Compressor, maxRecvSize: ch.MaxRecvMsgSize}
	for _, opt := range opts {
		switch opt := opt.(type) {
		case grpc.HeaderCallOption:
			co.header = opt.HeaderAddr
		case grpc.TrailerCallOption:
			co.trailer = opt.TrailerAddr
		case grpc.ContentSubtypeCallOption:
			co.subtype = strings.ToLower(opt.ContentSubtype)
		case grpc.CompressorCallOption:
			co.compressor = opt.CompressorType
		case grpc.MaxRecvMsgSizeCallOption:
			co.maxRecvSize = opt.MaxRecvMsgSize
		}
	}
	return co
}

func (ch *Channel) newStream(ctx context.Context, desc *grpc.StreamDesc, methodName string, opts []grpc.CallOption) (*clientStream, error) {
	co := ch.callOptions(opts)
	contentType := internal.ContentTypeGRPC
	codec := internal.GetCodec("proto")
	if co.subtype != "" && co.subtype != "proto" {
		contentType += "+" + co.subtype
		if codec = internal.GetCodec(co.subtype); codec == nil {
			return nil, status.Errorf(codes.Internal, "no codec registered for content-subtype %s", co.subtype)
		}
	}
	var comp encoding.Compressor
	if co.compressor != "" && co.compressor != framing.Identity {
		var err error
		if comp, err = framing.LookupCompressor(co.compressor); err != nil {
			return nil, status.Errorf(codes.Internal, "grpc: Compressor is not installed for requested grpc-encoding %q", co.compressor)
		}
	}

	log := ch.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if ch.StatsHandler != nil {
		ctx = ch.StatsHandler.TagRPC(ctx, &stats.RPCTagInfo{FullMethodName: methodName})
	}
	outgoing, _ := metadata.FromOutgoingContext(ctx)
	call := grpccall.NewCallContext(ctx, methodName, outgoing)

	h := http.Header{}
	toHeaders(outgoing, h, "")
	h.Set("Content-Type", contentType)
	h.Set("Te", "trailers")
	h.Set("Grpc-Accept-Encoding", strings.Join(framing.SupportedEncodings(), ","))
	if comp != nil {
		h.Set("Grpc-Encoding", comp.Name())
	}
	if deadline, ok := ctx.Deadline(); ok {
		h.Set("Grpc-Timeout", grpccall.EncodeTimeout(time.Until(deadline)))
	}

	pr, pw := io.Pipe()
	reqURL := *ch.BaseURL
	reqURL.Path = path.Join(reqURL.Path, methodName)
	req, err := http.NewRequestWithContext(call.Context(), http.MethodPost, reqURL.String(), pr)
	if err != nil {
		call.Cancel(nil)
		return nil, err
	}
	req.Header = h

	streamOpts := []grpccall.Option{
		grpccall.WithClientSide(),
		grpccall.WithLogger(log.Named("h2grpc").With(zap.String("method", methodName))),
		grpccall.WithCodec(codec),
		grpccall.WithStatsHandler(ch.StatsHandler),
	}
	if co.maxRecvSize > 0 {
		streamOpts = append(streamOpts, grpccall.WithMaxRecvMsgSize(co.maxRecvSize))
	}
	if ch.SurfaceCancellation {
		streamOpts = append(streamOpts, grpccall.WithSurfaceCancellation())
	}
	writerOpts := append([]grpccall.Option{grpccall.WithCompressor(comp)}, streamOpts...)
	if !desc.ClientStreams {
		writerOpts = append(writerOpts, grpccall.WithSingleMessage())
	}

	cs := &clientStream{
		desc:    desc,
		call:    call,
		opts:    co,
		stats:   ch.StatsHandler,
		reqBody: pr,
		reader:  grpccall.NewStreamReader(call, streamOpts...),
		writer:  grpccall.NewStreamWriter(call, requestBody{pw}, writerOpts...),
		ready:   make(chan struct{}),
	}
	if cs.stats != nil {
		cs.stats.HandleRPC(call.Context(), &stats.Begin{
			Client:         true,
			BeginTime:      time.Now(),
			IsClientStream: desc.ClientStreams,
			IsServerStream: desc.ServerStreams,
		})
	}
	// ensure that context is cancelled, even if caller
	// fails to fully consume or cancel the stream
	runtime.SetFinalizer(cs, func(cs *clientStream) { cs.call.Cancel(nil) })

	go cs.doHTTPCall(ch.Transport, req)

	return cs, nil
}

// requestBody writes request frames to the pipe that feeds the HTTP request
// body. Closing the pipe half-closes the stream.
type requestBody struct {
	w *io.PipeWriter
}

func (b requestBody) WriteHeader(metadata.MD) error {
	// request headers are sent with the HTTP request
	return nil
}

func (b requestBody) WriteFrame(frame []byte) error {
	_, err := b.w.Write(frame)
	return err
}

func (b requestBody) WriteTrailer(metadata.MD) error {
	return b.w.Close()
}

// clientStream implements a client stream over HTTP/2. A goroutine performs
// the HTTP round trip and binds the response body to the stream's reader.
// Sending writes to a pipe that feeds the HTTP request body.
type clientStream struct {
	desc    *grpc.StreamDesc
	call    *grpccall.CallContext
	opts    callOptions
	stats   stats.Handler
	reqBody *io.PipeReader
	reader  *grpccall.StreamReader
	writer  *grpccall.StreamWriter

	// header and headerErr are set when ready is closed
	ready     chan struct{}
	header    metadata.MD
	headerErr error

	finishOnce sync.Once
}

func (cs *clientStream) Header() (metadata.MD, error) {
	select {
	case <-cs.ready:
		return cs.header, cs.headerErr
	case <-cs.call.Context().Done():
		select {
		case <-cs.ready:
			return cs.header, cs.headerErr
		default:
		}
		return nil, grpccall.StatusFromError(context.Cause(cs.call.Context())).Err()
	}
}

func (cs *clientStream) Trailer() metadata.MD {
	// only available after the stream has completed
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
	// gRPC streams return EOF for attempts to send on a closed or failed
	// stream; the status is available from RecvMsg
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
			// the response and the final status have both been read
			cs.finish(nil)
			return nil
		}
	}
	if err != nil && !errors.Is(err, grpccall.ErrReadInProgress) {
		cs.finish(err)
	}
	return err
}

// finish records the end of the call, once, and releases its resources.
func (cs *clientStream) finish(err error) {
	cs.finishOnce.Do(func() {
		if errors.Is(err, io.EOF) {
			err = nil
		}
		if cs.opts.header != nil {
			select {
			case <-cs.ready:
				*cs.opts.header = cs.header
			default:
			}
		}
		if cs.opts.trailer != nil {
			*cs.opts.trailer = cs.Trailer()
		}
		if cs.stats != nil {
			end := &stats.End{Client: true, EndTime: time.Now(), Error: err}
			if cs.call.ResponseFinished() {
				end.Trailer = cs.call.Trailer()
			}
			cs.stats.HandleRPC(cs.call.Context(), end)
		}
		cs.call.Cancel(nil)
		runtime.SetFinalizer(cs, nil)
	})
}

// doHTTPCall performs the HTTP round trip and then hands the response body
// to the reader.
func (cs *clientStream) doHTTPCall(transport http.RoundTripper, req *http.Request) {
	reply, err := transport.RoundTrip(req)
	if err != nil {
		st := grpccall.StatusFromError(err)
		if ctx := cs.call.Context(); ctx.Err() != nil {
			st = grpccall.StatusFromError(context.Cause(ctx))
		} else if st.Code() == codes.Unknown {
			st = status.New(codes.Unavailable, err.Error())
		}
		cs.reqBody.CloseWithError(err)
		cs.setHeader(nil, st.Err())
		cs.reader.Fail(st.Err())
		return
	}
	context.AfterFunc(cs.call.Context(), func() {
		_ = reply.Body.Close()
	})

	hdr, err := asMetadata(reply.Header)
	if err != nil {
		st := status.New(codes.Internal, fmt.Sprintf("malformed response metadata: %v", err))
		cs.setHeader(nil, st.Err())
		cs.reader.Fail(st.Err())
		return
	}
	headerStatus, trailersOnly := grpccall.StatusFromMetadata(hdr)
	for _, k := range responseHeaders {
		delete(hdr, k)
	}

	var early *status.Status
	switch {
	case trailersOnly:
		early = headerStatus
	case reply.StatusCode != http.StatusOK:
		code := codeFromHTTPStatus(reply.StatusCode)
		early = status.New(code, fmt.Sprintf("unexpected HTTP status code received from server: %d (%s)", reply.StatusCode, http.StatusText(reply.StatusCode)))
	default:
		if internal.CodecForContentType(reply.Header.Get("Content-Type")) == nil {
			early = status.New(codes.Unknown, fmt.Sprintf("unexpected content-type %q received from server", reply.Header.Get("Content-Type")))
		}
	}
	if early != nil {
		// nothing in the body is of interest
		body := reply.Body
		defer func() { _ = drainAndClose(body) }()
		var trailer metadata.MD
		if trailersOnly {
			trailer = hdr
			hdr = metadata.MD{}
			for _, k := range statusKeys {
				delete(trailer, k)
			}
		}
		cs.setHeader(hdr, nil)
		cs.reader.Bind(grpccall.Inbound{
			Body: http.NoBody,
			Status: func() (*status.Status, metadata.MD) {
				return early, trailer
			},
		})
		return
	}

	cs.setHeader(hdr, nil)
	cs.reader.Bind(grpccall.Inbound{
		Body:     reply.Body,
		Encoding: reply.Header.Get("Grpc-Encoding"),
		Status: func() (*status.Status, metadata.MD) {
			tr, err := asMetadata(reply.Trailer)
			if err != nil {
				return status.New(codes.Internal, fmt.Sprintf("malformed response trailers: %v", err)), nil
			}
			st, ok := grpccall.StatusFromMetadata(tr)
			if !ok {
				return status.New(codes.Internal, "server closed the stream without sending trailers"), tr
			}
			for _, k := range statusKeys {
				delete(tr, k)
			}
			return st, tr
		},
	})
}

var statusKeys = []string{"grpc-status", "grpc-message", "grpc-status-details-bin"}

func (cs *clientStream) setHeader(md metadata.MD, err error) {
	cs.header = md
	cs.headerErr = err
	close(cs.ready)
}
