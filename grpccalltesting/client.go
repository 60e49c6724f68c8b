package grpccalltesting

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// TestServiceClient is the client API for the test service. It works with
// any grpc.ClientConnInterface, including a *grpc.ClientConn and an
// *h2grpc.Channel.
type TestServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewTestServiceClient returns a client that sends calls over cc.
func NewTestServiceClient(cc grpc.ClientConnInterface) *TestServiceClient {
	return &TestServiceClient{cc: cc}
}

func (c *TestServiceClient) Unary(ctx context.Context, req *Message, opts ...grpc.CallOption) (*Message, error) {
	in, err := req.ToStruct()
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/Unary", in, out, opts...); err != nil {
		return nil, err
	}
	return MessageFromStruct(out)
}

func (c *TestServiceClient) ClientStream(ctx context.Context, opts ...grpc.CallOption) (*MessageStream, error) {
	return c.newStream(ctx, 0, "ClientStream", opts)
}

func (c *TestServiceClient) ServerStream(ctx context.Context, req *Message, opts ...grpc.CallOption) (*MessageStream, error) {
	str, err := c.newStream(ctx, 1, "ServerStream", opts)
	if err != nil {
		return nil, err
	}
	if err := str.Send(req); err != nil {
		return nil, err
	}
	if err := str.CloseSend(); err != nil {
		return nil, err
	}
	return str, nil
}

func (c *TestServiceClient) BidiStream(ctx context.Context, opts ...grpc.CallOption) (*MessageStream, error) {
	return c.newStream(ctx, 2, "BidiStream", opts)
}

func (c *TestServiceClient) newStream(ctx context.Context, idx int, name string, opts []grpc.CallOption) (*MessageStream, error) {
	str, err := c.cc.NewStream(ctx, &TestServiceDesc.Streams[idx], "/"+ServiceName+"/"+name, opts...)
	if err != nil {
		return nil, err
	}
	return &MessageStream{ClientStream: str}, nil
}

// MessageStream is the client side of a streaming test service method.
type MessageStream struct {
	grpc.ClientStream
}

func (s *MessageStream) Send(m *Message) error {
	in, err := m.ToStruct()
	if err != nil {
		return err
	}
	return s.ClientStream.SendMsg(in)
}

func (s *MessageStream) Recv() (*Message, error) {
	out := new(structpb.Struct)
	if err := s.ClientStream.RecvMsg(out); err != nil {
		return nil, err
	}
	return MessageFromStruct(out)
}

// CloseAndRecv half-closes the stream and receives the single response of a
// client-streaming method.
func (s *MessageStream) CloseAndRecv() (*Message, error) {
	if err := s.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return s.Recv()
}
