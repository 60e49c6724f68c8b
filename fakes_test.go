package grpccall

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/fullstorydev/grpccall/framing"
	"github.com/fullstorydev/grpccall/internal"
)

func init() {
	encoding.RegisterCodec(stringCodec{})
}

// stringCodec lets tests use plain strings as messages, with the
// "application/grpc+string" content type.
type stringCodec struct{}

func (stringCodec) Marshal(v any) ([]byte, error) {
	switch v := v.(type) {
	case string:
		return []byte(v), nil
	case *string:
		return []byte(*v), nil
	default:
		return nil, fmt.Errorf("unsupported type %T", v)
	}
}

func (stringCodec) Unmarshal(data []byte, v any) error {
	s, ok := v.(*string)
	if !ok {
		return fmt.Errorf("unsupported type %T", v)
	}
	*s = string(data)
	return nil
}

func (stringCodec) Name() string {
	return "string"
}

// fakeTransport is an in-memory ServerTransport that records everything
// written to it.
type fakeTransport struct {
	ctx         context.Context
	protocol    string
	contentType string
	md          metadata.MD
	body        io.Reader
	limitErr    error
	writeErr    error

	mu            sync.Mutex
	limitDisabled int
	header        metadata.MD
	headerWrites  int
	frames        [][]byte
	trailer       metadata.MD
	trailerWrites int
}

var _ RequestBodyLimiter = (*fakeTransport)(nil)

func newFakeTransport(body io.Reader, kv ...string) *fakeTransport {
	return &fakeTransport{
		ctx:         context.Background(),
		protocol:    "HTTP/2",
		contentType: "application/grpc",
		md:          metadata.Pairs(kv...),
		body:        body,
	}
}

func (f *fakeTransport) Context() context.Context   { return f.ctx }
func (f *fakeTransport) Protocol() string           { return f.protocol }
func (f *fakeTransport) ContentType() string        { return f.contentType }
func (f *fakeTransport) RequestHeader() metadata.MD { return f.md }
func (f *fakeTransport) Body() io.Reader            { return f.body }

func (f *fakeTransport) DisableRequestBodyLimit() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limitDisabled++
	return f.limitErr
}

func (f *fakeTransport) WriteHeader(md metadata.MD) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headerWrites++
	f.header = md
	return f.writeErr
}

func (f *fakeTransport) WriteFrame(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.frames = append(f.frames, append([]byte(nil), frame...))
	return nil
}

func (f *fakeTransport) WriteTrailer(md metadata.MD) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trailerWrites++
	f.trailer = md
	return f.writeErr
}

func (f *fakeTransport) status(t *testing.T) *status.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Equal(t, 1, f.trailerWrites, "status must be written exactly once")
	st, ok := StatusFromMetadata(f.trailer)
	require.True(t, ok, "trailers have no status")
	return st
}

// messages decodes the written frames as StringValue messages.
func (f *fakeTransport) messages(t *testing.T) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, b := range f.frames {
		fr, err := framing.ReadFrame(bytes.NewReader(b), 0)
		require.NoError(t, err)
		comp, err := framing.LookupCompressor(firstValue(f.header, "grpc-encoding"))
		require.NoError(t, err)
		var sv wrapperspb.StringValue
		_, err = framing.MessageCodec{Codec: internal.GetCodec("proto")}.Decode(fr, comp, &sv)
		require.NoError(t, err)
		out = append(out, sv.GetValue())
	}
	return out
}

// framed encodes the given messages as a request body.
func framed(t *testing.T, msgs ...string) *bytes.Reader {
	var buf bytes.Buffer
	for _, m := range msgs {
		b, err := proto.Marshal(wrapperspb.String(m))
		require.NoError(t, err)
		require.NoError(t, framing.WriteFrame(&buf, framing.Frame{Payload: b}))
	}
	return bytes.NewReader(buf.Bytes())
}

type countingActivator struct {
	inst     any
	err      error
	acquired atomic.Int32
	released atomic.Int32
	zero     atomic.Int32
}

func (a *countingActivator) Acquire(context.Context) (Handle, error) {
	if a.err != nil {
		return Handle{}, a.err
	}
	a.acquired.Add(1)
	return Handle{Instance: a.inst}, nil
}

func (a *countingActivator) Release(_ context.Context, h Handle) error {
	if h.IsZero() {
		a.zero.Add(1)
		return nil
	}
	a.released.Add(1)
	return nil
}

type echoServer interface {
	Echo(context.Context, *wrapperspb.StringValue) (*wrapperspb.StringValue, error)
	Concat(grpc.ClientStreamingServer[wrapperspb.StringValue, wrapperspb.StringValue]) error
	Split(*wrapperspb.StringValue, grpc.ServerStreamingServer[wrapperspb.StringValue]) error
	Chat(grpc.BidiStreamingServer[wrapperspb.StringValue, wrapperspb.StringValue]) error
}

// echoImpl has default behavior for every method, which tests override by
// setting the function fields.
type echoImpl struct {
	echo   func(context.Context, *wrapperspb.StringValue) (*wrapperspb.StringValue, error)
	concat func(grpc.ClientStreamingServer[wrapperspb.StringValue, wrapperspb.StringValue]) error
	split  func(*wrapperspb.StringValue, grpc.ServerStreamingServer[wrapperspb.StringValue]) error
	chat   func(grpc.BidiStreamingServer[wrapperspb.StringValue, wrapperspb.StringValue]) error
}

func (e *echoImpl) Echo(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
	if e.echo != nil {
		return e.echo(ctx, req)
	}
	return wrapperspb.String("echo: " + req.GetValue()), nil
}

func (e *echoImpl) Concat(stream grpc.ClientStreamingServer[wrapperspb.StringValue, wrapperspb.StringValue]) error {
	if e.concat != nil {
		return e.concat(stream)
	}
	var parts []string
	for {
		req, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return stream.SendAndClose(wrapperspb.String(strings.Join(parts, "+")))
		}
		if err != nil {
			return err
		}
		parts = append(parts, req.GetValue())
	}
}

func (e *echoImpl) Split(req *wrapperspb.StringValue, stream grpc.ServerStreamingServer[wrapperspb.StringValue]) error {
	if e.split != nil {
		return e.split(req, stream)
	}
	for _, part := range strings.Split(req.GetValue(), ",") {
		if err := stream.Send(wrapperspb.String(part)); err != nil {
			return err
		}
	}
	return nil
}

func (e *echoImpl) Chat(stream grpc.BidiStreamingServer[wrapperspb.StringValue, wrapperspb.StringValue]) error {
	if e.chat != nil {
		return e.chat(stream)
	}
	for {
		req, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := stream.Send(wrapperspb.String("re: " + req.GetValue())); err != nil {
			return err
		}
	}
}

var echoServiceDesc = grpc.ServiceDesc{
	ServiceName: "test.Echo",
	HandlerType: (*echoServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Echo",
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				in := new(wrapperspb.StringValue)
				if err := dec(in); err != nil {
					return nil, err
				}
				if interceptor == nil {
					return srv.(echoServer).Echo(ctx, in)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/test.Echo/Echo"}
				handler := func(ctx context.Context, req any) (any, error) {
					return srv.(echoServer).Echo(ctx, req.(*wrapperspb.StringValue))
				}
				return interceptor(ctx, in, info, handler)
			},
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName: "Concat",
			Handler: func(srv any, stream grpc.ServerStream) error {
				return srv.(echoServer).Concat(&grpc.GenericServerStream[wrapperspb.StringValue, wrapperspb.StringValue]{ServerStream: stream})
			},
			ClientStreams: true,
		},
		{
			StreamName: "Split",
			Handler: func(srv any, stream grpc.ServerStream) error {
				m := new(wrapperspb.StringValue)
				if err := stream.RecvMsg(m); err != nil {
					return err
				}
				return srv.(echoServer).Split(m, &grpc.GenericServerStream[wrapperspb.StringValue, wrapperspb.StringValue]{ServerStream: stream})
			},
			ServerStreams: true,
		},
		{
			StreamName: "Chat",
			Handler: func(srv any, stream grpc.ServerStream) error {
				return srv.(echoServer).Chat(&grpc.GenericServerStream[wrapperspb.StringValue, wrapperspb.StringValue]{ServerStream: stream})
			},
			ClientStreams: true,
			ServerStreams: true,
		},
	},
}

// echoMethod returns the Method for the named method of echoServiceDesc.
func echoMethod(t *testing.T, name string) Method {
	methods, err := describeService(&echoServiceDesc)
	require.NoError(t, err)
	for _, m := range methods {
		if m.Descriptor.MethodName == name {
			return m
		}
	}
	t.Fatalf("no method named %s", name)
	return Method{}
}
