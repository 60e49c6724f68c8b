package grpccalltesting

import (
	"context"
	"errors"
	"io"
	"time"

	spb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully-qualified name of the test service.
const ServiceName = "grpccall.testing.TestService"

// TestServiceServer is the server API for the test service.
type TestServiceServer interface {
	Unary(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ClientStream(grpc.ClientStreamingServer[structpb.Struct, structpb.Struct]) error
	ServerStream(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
	BidiStream(grpc.BidiStreamingServer[structpb.Struct, structpb.Struct]) error
}

// RegisterTestServiceServer registers srv with the given registrar, which can
// be a *grpc.Server, an *h2grpc.Server, or a *grpccall.HandlerMap.
func RegisterTestServiceServer(reg grpc.ServiceRegistrar, srv TestServiceServer) {
	reg.RegisterService(&TestServiceDesc, srv)
}

// TestServiceDesc describes the test service.
var TestServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TestServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Unary",
			Handler:    unaryHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "ClientStream",
			Handler:       clientStreamHandler,
			ClientStreams: true,
		},
		{
			StreamName:    "ServerStream",
			Handler:       serverStreamHandler,
			ServerStreams: true,
		},
		{
			StreamName:    "BidiStream",
			Handler:       bidiStreamHandler,
			ClientStreams: true,
			ServerStreams: true,
		},
	},
}

func unaryHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TestServiceServer).Unary(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + ServiceName + "/Unary",
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TestServiceServer).Unary(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func clientStreamHandler(srv any, stream grpc.ServerStream) error {
	return srv.(TestServiceServer).ClientStream(&grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

func serverStreamHandler(srv any, stream grpc.ServerStream) error {
	m := new(structpb.Struct)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(TestServiceServer).ServerStream(m, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

func bidiStreamHandler(srv any, stream grpc.ServerStream) error {
	return srv.(TestServiceServer).BidiStream(&grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

// TestServer has default responses to the various kinds of methods.
type TestServer struct{}

var _ TestServiceServer = (*TestServer)(nil)

// Unary implements the TestService server interface.
func (s *TestServer) Unary(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decodeRequest(in)
	if err != nil {
		return nil, err
	}
	if req.DelayMillis > 0 {
		time.Sleep(time.Millisecond * time.Duration(req.DelayMillis))
	}
	_ = grpc.SetHeader(ctx, metadata.New(req.Headers))
	_ = grpc.SetTrailer(ctx, metadata.New(req.Trailers))
	if req.Code != 0 {
		return nil, statusFromRequest(req)
	}
	md, _ := metadata.FromIncomingContext(ctx)
	return encodeResponse(&Message{
		Headers: asMap(md),
		Payload: req.Payload,
	})
}

// ClientStream implements the TestService server interface.
func (s *TestServer) ClientStream(cs grpc.ClientStreamingServer[structpb.Struct, structpb.Struct]) error {
	var req *Message
	count := int32(0)
	for {
		in, err := cs.Recv()
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return err
		}
		if req, err = decodeRequest(in); err != nil {
			return err
		}
		count++
		if req.Code != 0 {
			break
		}
	}
	if req == nil {
		req = &Message{}
	}
	if req.DelayMillis > 0 {
		time.Sleep(time.Millisecond * time.Duration(req.DelayMillis))
	}
	if err := cs.SetHeader(metadata.New(req.Headers)); err != nil {
		return err
	}
	cs.SetTrailer(metadata.New(req.Trailers))
	if req.Code != 0 {
		return statusFromRequest(req)
	}
	md, _ := metadata.FromIncomingContext(cs.Context())
	resp, err := encodeResponse(&Message{
		Headers: asMap(md),
		Payload: req.Payload,
		Count:   count,
	})
	if err != nil {
		return err
	}
	return cs.SendAndClose(resp)
}

// ServerStream implements the TestService server interface.
func (s *TestServer) ServerStream(in *structpb.Struct, ss grpc.ServerStreamingServer[structpb.Struct]) error {
	req, err := decodeRequest(in)
	if err != nil {
		return err
	}
	if req.DelayMillis > 0 {
		time.Sleep(time.Millisecond * time.Duration(req.DelayMillis))
	}
	md, _ := metadata.FromIncomingContext(ss.Context())
	if err := ss.SetHeader(metadata.New(req.Headers)); err != nil {
		return err
	}
	for i := 0; i < int(req.Count); i++ {
		resp, err := encodeResponse(&Message{
			Headers: asMap(md),
			Payload: req.Payload,
		})
		if err != nil {
			return err
		}
		if err := ss.Send(resp); err != nil {
			return err
		}
	}
	ss.SetTrailer(metadata.New(req.Trailers))
	if req.Code != 0 {
		return statusFromRequest(req)
	}
	return nil
}

// BidiStream implements the TestService server interface.
func (s *TestServer) BidiStream(str grpc.BidiStreamingServer[structpb.Struct, structpb.Struct]) error {
	md, _ := metadata.FromIncomingContext(str.Context())
	var req *Message
	count := int32(0)
	var responses []*structpb.Struct
	isHalfDuplex := false
	for {
		in, err := str.Recv()
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return err
		}
		if req, err = decodeRequest(in); err != nil {
			return err
		}
		if req.DelayMillis > 0 {
			time.Sleep(time.Millisecond * time.Duration(req.DelayMillis))
		}
		if count == 0 {
			if err := str.SetHeader(metadata.New(req.Headers)); err != nil {
				return err
			}
			isHalfDuplex = req.Count < 0
		}
		count++
		if req.Code != 0 {
			break
		}
		reply, err := encodeResponse(&Message{
			Headers: asMap(md),
			Payload: req.Payload,
			Count:   count,
		})
		if err != nil {
			return err
		}
		if isHalfDuplex {
			// half duplex means we fully consume the client stream before we
			// start sending responses, so buffer these messages in a slice
			responses = append(responses, reply)
		} else if err = str.Send(reply); err != nil {
			return err
		}
	}
	if isHalfDuplex {
		// now we can send out all buffered responses
		for _, response := range responses {
			if err := str.Send(response); err != nil {
				return err
			}
		}
	}
	if req != nil {
		str.SetTrailer(metadata.New(req.Trailers))
		if req.Code != 0 {
			return statusFromRequest(req)
		}
	}
	return nil
}

func decodeRequest(in *structpb.Struct) (*Message, error) {
	m, err := MessageFromStruct(in)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	return m, nil
}

func encodeResponse(m *Message) (*structpb.Struct, error) {
	s, err := m.ToStruct()
	if err != nil {
		return nil, status.Errorf(codes.Internal, "unable to encode response: %v", err)
	}
	return s, nil
}

func statusFromRequest(req *Message) error {
	statProto := spb.Status{
		Code:    req.Code,
		Message: "error",
		Details: req.ErrorDetails,
	}
	return status.FromProto(&statProto).Err()
}

func asMap(md metadata.MD) map[string]string {
	m := map[string]string{}
	for k, vs := range md {
		if len(vs) == 0 {
			continue
		}
		m[k] = vs[len(vs)-1]
	}
	return m
}
