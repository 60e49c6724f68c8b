package grpccall

import (
	"context"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/fullstorydev/grpccall/internal"
)

// serverStream is the grpc.ServerStream given to streaming methods.
type serverStream struct {
	call   *CallContext
	reader *StreamReader
	writer *StreamWriter
}

var _ grpc.ServerStream = (*serverStream)(nil)

func (s *serverStream) SetHeader(md metadata.MD) error {
	return s.call.SetHeader(md)
}

func (s *serverStream) SendHeader(md metadata.MD) error {
	return s.call.SendHeader(md)
}

func (s *serverStream) SetTrailer(md metadata.MD) {
	_ = s.call.SetTrailer(md)
}

func (s *serverStream) Context() context.Context {
	return s.call.Context()
}

func (s *serverStream) SendMsg(m any) error {
	return s.writer.Send(m)
}

func (s *serverStream) RecvMsg(m any) error {
	return s.reader.Recv(s.call.Context(), m)
}

// responseCapture holds the single response of a client-streaming method,
// which generated code sends with SendMsg. The core writes it once the
// method returns.
type responseCapture struct {
	grpc.ServerStream
	resp any
}

func (c *responseCapture) SendMsg(m any) error {
	if c.resp != nil {
		return ErrTooManyResponses
	}
	c.resp = m
	return nil
}

// requestReplay hands the already-decoded request of a server-streaming
// method to generated code, which reads it with RecvMsg.
type requestReplay struct {
	grpc.ServerStream
	req  any
	done bool
}

func (r *requestReplay) RecvMsg(m any) error {
	if r.done {
		return io.EOF
	}
	r.done = true
	return internal.CopyMessage(r.req, m)
}
