package grpccalltesting

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/fullstorydev/grpccall"
)

// RunChannelTestCases runs numerous test cases to exercise the behavior of the
// given channel. The server side of the channel needs to have a *TestServer (in
// this package) registered with RegisterTestServiceServer. If the channel does
// not support full-duplex communication, it must provide at least half-duplex
// support for bidirectional streams.
//
// The test cases will be defined as child tests by invoking t.Run on the given
// *testing.T.
func RunChannelTestCases(t *testing.T, ch grpccall.Channel, supportsFullDuplex bool) {
	cli := NewTestServiceClient(ch)
	t.Run("unary", func(t *testing.T) { testUnary(t, cli) })
	t.Run("client-stream", func(t *testing.T) { testClientStream(t, cli) })
	t.Run("server-stream", func(t *testing.T) { testServerStream(t, cli) })
	t.Run("half-duplex bidi-stream", func(t *testing.T) { testHalfDuplexBidiStream(t, cli) })
	if supportsFullDuplex {
		t.Run("full-duplex bidi-stream", func(t *testing.T) { testFullDuplexBidiStream(t, cli) })
	}
}

var (
	testPayload = []byte{100, 90, 80, 70, 60, 50, 40, 30, 20, 10, 0}

	testOutgoingMd = map[string]string{
		"foo":        "bar",
		"baz":        "bedazzle",
		"pickle-bin": string(testPayload),
	}

	testMdHeaders = map[string]string{
		"foo1":        "bar4",
		"baz2":        "bedazzle5",
		"pickle3-bin": string(testPayload),
	}

	testMdTrailers = map[string]string{
		"4foo4":        "7bar7",
		"5baz5":        "8bedazzle8",
		"6pickle6-bin": string(testPayload),
	}

	testErrorMessages = []proto.Message{
		&structpb.ListValue{
			Values: []*structpb.Value{
				structpb.NewNumberValue(123),
				structpb.NewStringValue("foo"),
			},
		},
		&structpb.Struct{
			Fields: map[string]*structpb.Value{
				"FOO": structpb.NewNumberValue(456),
				"BAR": structpb.NewStringValue("bar"),
			},
		},
		wrapperspb.String("not yet 100% ready\n"),
	}
	testErrorDetails []*anypb.Any
)

func init() {
	for _, msg := range testErrorMessages {
		a, err := anypb.New(msg)
		if err != nil {
			panic(err)
		}
		testErrorDetails = append(testErrorDetails, a)
	}
}

func newRequest() Message {
	return Message{
		Payload:  testPayload,
		Headers:  testMdHeaders,
		Trailers: testMdTrailers,
	}
}

func outgoingContext() context.Context {
	return metadata.NewOutgoingContext(context.Background(), metadata.New(testOutgoingMd))
}

// withTimeout and withCancel produce the contexts for the "timeout" and
// "canceled" cases, along with the code the call is expected to fail with.
func withTimeout(ctx context.Context) (context.Context, context.CancelFunc, codes.Code) {
	tctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	return tctx, cancel, codes.DeadlineExceeded
}

func withCancel(ctx context.Context) (context.Context, context.CancelFunc, codes.Code) {
	cctx, cancel := context.WithCancel(ctx)
	time.AfterFunc(100*time.Millisecond, cancel)
	return cctx, cancel, codes.Canceled
}

var abortCases = []struct {
	name string
	ctx  func(context.Context) (context.Context, context.CancelFunc, codes.Code)
}{
	{name: "timeout", ctx: withTimeout},
	{name: "canceled", ctx: withCancel},
}

func testUnary(t *testing.T, cli *TestServiceClient) {
	ctx := outgoingContext()

	t.Run("success", func(t *testing.T) {
		var hdr, tlr metadata.MD
		req := newRequest()
		rsp, err := cli.Unary(ctx, &req, grpc.Header(&hdr), grpc.Trailer(&tlr))
		if err != nil {
			t.Fatalf("RPC failed: %v", err)
		}
		checkPayload(t, rsp, "response")
		checkRequestHeaders(t, testOutgoingMd, rsp.Headers)

		checkMetadata(t, testMdHeaders, hdr, "header")
		checkMetadata(t, testMdTrailers, tlr, "trailer")
	})

	t.Run("failure", func(t *testing.T) {
		var tlr metadata.MD
		req := newRequest()
		req.Code = int32(codes.AlreadyExists)
		req.ErrorDetails = testErrorDetails
		_, err := cli.Unary(ctx, &req, grpc.Trailer(&tlr))
		checkError(t, err, codes.AlreadyExists, testErrorMessages...)
		checkMetadata(t, testMdTrailers, tlr, "trailer")
	})

	for _, tc := range abortCases {
		t.Run(tc.name, func(t *testing.T) {
			actx, cancel, code := tc.ctx(ctx)
			defer cancel()
			req := newRequest()
			req.DelayMillis = 500
			_, err := cli.Unary(actx, &req)
			checkError(t, err, code)
		})
	}
}

func testClientStream(t *testing.T, cli *TestServiceClient) {
	ctx := outgoingContext()

	t.Run("success", func(t *testing.T) {
		cs, err := cli.ClientStream(ctx)
		if err != nil {
			t.Fatalf("RPC failed: %v", err)
		}
		req := newRequest()
		sendAll(t, cs, &req, &req, &req)

		m, err := cs.CloseAndRecv()
		if err != nil {
			t.Fatalf("receiving message failed: %v", err)
		}
		checkPayload(t, m, "response")
		if m.Count != 3 {
			t.Fatalf("wrong count returned: expecting %d; got %d", 3, m.Count)
		}
		checkRequestHeaders(t, testOutgoingMd, m.Headers)

		checkResponseHeaders(t, cs, testMdHeaders)
		checkResponseTrailers(t, cs, testMdTrailers)
	})

	t.Run("failure", func(t *testing.T) {
		cs, err := cli.ClientStream(ctx)
		if err != nil {
			t.Fatalf("RPC failed: %v", err)
		}
		req := newRequest()
		req.Code = int32(codes.ResourceExhausted)
		req.ErrorDetails = testErrorDetails
		sendAll(t, cs, &req)

		_, err = cs.CloseAndRecv()
		checkError(t, err, codes.ResourceExhausted, testErrorMessages...)

		checkResponseHeaders(t, cs, testMdHeaders)
		checkResponseTrailers(t, cs, testMdTrailers)
	})

	for _, tc := range abortCases {
		t.Run(tc.name, func(t *testing.T) {
			actx, cancel, code := tc.ctx(ctx)
			defer cancel()
			cs, err := cli.ClientStream(actx)
			if err != nil {
				t.Fatalf("RPC failed: %v", err)
			}
			req := newRequest()
			req.DelayMillis = 500
			sendAll(t, cs, &req)

			_, err = cs.CloseAndRecv()
			checkError(t, err, code)
		})
	}
}

func testServerStream(t *testing.T, cli *TestServiceClient) {
	ctx := outgoingContext()

	t.Run("success", func(t *testing.T) {
		req := newRequest()
		req.Count = 5
		ss, err := cli.ServerStream(ctx, &req)
		if err != nil {
			t.Fatalf("RPC failed: %v", err)
		}

		checkResponseHeaders(t, ss, testMdHeaders)
		recvAll(t, ss, 5)
		if _, err = ss.Recv(); !errors.Is(err, io.EOF) {
			t.Fatalf("expected EOF; got %v", err)
		}
		checkResponseTrailers(t, ss, testMdTrailers)
	})

	t.Run("failure", func(t *testing.T) {
		req := newRequest()
		req.Count = 2
		req.Code = int32(codes.FailedPrecondition)
		req.ErrorDetails = testErrorDetails
		ss, err := cli.ServerStream(ctx, &req)
		if err != nil {
			t.Fatalf("RPC failed: %v", err)
		}

		checkResponseHeaders(t, ss, testMdHeaders)
		recvAll(t, ss, 2)
		_, err = ss.Recv()
		checkError(t, err, codes.FailedPrecondition, testErrorMessages...)
		checkResponseTrailers(t, ss, testMdTrailers)
	})

	for _, tc := range abortCases {
		t.Run(tc.name, func(t *testing.T) {
			actx, cancel, code := tc.ctx(ctx)
			defer cancel()
			req := newRequest()
			req.Count = 5
			req.DelayMillis = 500
			ss, err := cli.ServerStream(actx, &req)
			if err != nil {
				t.Fatalf("RPC failed: %v", err)
			}
			_, err = ss.Recv()
			checkError(t, err, code)
		})
	}
}

func testHalfDuplexBidiStream(t *testing.T, cli *TestServiceClient) {
	ctx := outgoingContext()
	reqPrototype := newRequest()
	reqPrototype.Count = -1 // enables half-duplex mode in server

	t.Run("success", func(t *testing.T) {
		bidi, err := cli.BidiStream(ctx)
		if err != nil {
			t.Fatalf("RPC failed: %v", err)
		}

		first := reqPrototype
		second := reqPrototype
		second.Headers = nil
		sendAll(t, bidi, &first, &second, &second)
		if err = bidi.CloseSend(); err != nil {
			t.Fatalf("closing send-side of RPC failed: %v", err)
		}

		checkResponseHeaders(t, bidi, testMdHeaders)
		recvAll(t, bidi, 3)
		if _, err = bidi.Recv(); !errors.Is(err, io.EOF) {
			t.Fatalf("expected EOF; got %v", err)
		}
		checkResponseTrailers(t, bidi, testMdTrailers)
	})

	t.Run("failure", func(t *testing.T) {
		bidi, err := cli.BidiStream(ctx)
		if err != nil {
			t.Fatalf("RPC failed: %v", err)
		}

		req := reqPrototype
		fail := reqPrototype
		fail.Code = int32(codes.DataLoss)
		fail.ErrorDetails = testErrorDetails
		sendAll(t, bidi, &req, &fail)
		if err = bidi.CloseSend(); err != nil {
			t.Fatalf("closing send-side of RPC failed: %v", err)
		}

		checkResponseHeaders(t, bidi, testMdHeaders)
		recvAll(t, bidi, 1)
		_, err = bidi.Recv()
		checkError(t, err, codes.DataLoss, testErrorMessages...)
		checkResponseTrailers(t, bidi, testMdTrailers)
	})

	for _, tc := range abortCases {
		t.Run(tc.name, func(t *testing.T) {
			actx, cancel, code := tc.ctx(ctx)
			defer cancel()
			bidi, err := cli.BidiStream(actx)
			if err != nil {
				t.Fatalf("RPC failed: %v", err)
			}
			req := reqPrototype
			req.DelayMillis = 500
			sendAll(t, bidi, &req)
			if err = bidi.CloseSend(); err != nil {
				t.Fatalf("closing send-side of RPC failed: %v", err)
			}
			_, err = bidi.Recv()
			checkError(t, err, code)
		})
	}
}

func testFullDuplexBidiStream(t *testing.T, cli *TestServiceClient) {
	ctx := outgoingContext()

	t.Run("success", func(t *testing.T) {
		bidi, err := cli.BidiStream(ctx)
		if err != nil {
			t.Fatalf("RPC failed: %v", err)
		}

		req := newRequest()
		for i := 0; i < 3; i++ {
			sendAll(t, bidi, &req)
			if i == 0 {
				checkResponseHeaders(t, bidi, testMdHeaders)
			}
			m := recvAll(t, bidi, 1)[0]
			if m.Count != int32(i+1) {
				t.Fatalf("wrong count in message #%d: expecting %d; got %d", i+1, i+1, m.Count)
			}
		}

		if err = bidi.CloseSend(); err != nil {
			t.Fatalf("closing send-side of RPC failed: %v", err)
		}
		if _, err = bidi.Recv(); !errors.Is(err, io.EOF) {
			t.Fatalf("expected EOF; got %v", err)
		}
		checkResponseTrailers(t, bidi, testMdTrailers)
	})

	t.Run("failure", func(t *testing.T) {
		bidi, err := cli.BidiStream(ctx)
		if err != nil {
			t.Fatalf("RPC failed: %v", err)
		}

		req := newRequest()
		sendAll(t, bidi, &req)
		checkResponseHeaders(t, bidi, testMdHeaders)
		recvAll(t, bidi, 1)

		req.Code = int32(codes.DataLoss)
		req.ErrorDetails = testErrorDetails
		sendAll(t, bidi, &req)
		if err = bidi.CloseSend(); err != nil {
			t.Fatalf("closing send-side of RPC failed: %v", err)
		}

		_, err = bidi.Recv()
		checkError(t, err, codes.DataLoss, testErrorMessages...)
		checkResponseTrailers(t, bidi, testMdTrailers)
	})

	for _, tc := range abortCases {
		t.Run(tc.name, func(t *testing.T) {
			actx, cancel, code := tc.ctx(ctx)
			defer cancel()
			bidi, err := cli.BidiStream(actx)
			if err != nil {
				t.Fatalf("RPC failed: %v", err)
			}
			req := newRequest()
			req.DelayMillis = 500
			sendAll(t, bidi, &req)
			if err = bidi.CloseSend(); err != nil {
				t.Fatalf("closing send-side of RPC failed: %v", err)
			}
			_, err = bidi.Recv()
			checkError(t, err, code)
		})
	}
}

func sendAll(t *testing.T, str *MessageStream, reqs ...*Message) {
	for i, req := range reqs {
		if err := str.Send(req); err != nil {
			t.Fatalf("sending message #%d failed: %v", i+1, err)
		}
	}
}

func recvAll(t *testing.T, str *MessageStream, n int) []*Message {
	msgs := make([]*Message, 0, n)
	for i := 0; i < n; i++ {
		m, err := str.Recv()
		if err != nil {
			t.Fatalf("receiving message #%d failed: %v", i+1, err)
		}
		checkPayload(t, m, "message")
		checkRequestHeaders(t, testOutgoingMd, m.Headers)
		msgs = append(msgs, m)
	}
	return msgs
}

func checkPayload(t *testing.T, m *Message, what string) {
	if !bytes.Equal(testPayload, m.Payload) {
		t.Fatalf("wrong payload in %s: expecting %v; got %v", what, testPayload, m.Payload)
	}
}

func checkRequestHeaders(t *testing.T, expected, actual map[string]string) {
	// the echoed headers may include extras added by the client
	// (such as grpc-timeout, content-type, etc).
	for k, v := range expected {
		v2, ok := actual[k]
		if !ok || v2 != v {
			t.Fatalf("wrong headers echoed back: expecting header %s to be %q, instead was %q", k, v, v2)
		}
	}
}

func checkResponseHeaders(t *testing.T, cs grpc.ClientStream, md map[string]string) {
	h, err := cs.Header()
	if err != nil {
		t.Fatalf("failed to get header metadata: %v", err)
	}
	checkMetadata(t, md, h, "header")
}

func checkResponseTrailers(t *testing.T, cs grpc.ClientStream, md map[string]string) {
	checkMetadata(t, md, cs.Trailer(), "trailer")
}

func checkMetadata(t *testing.T, expected map[string]string, actual metadata.MD, name string) {
	for k, v := range expected {
		v2, ok := actual[k]
		if !ok || len(v2) != 1 || v2[0] != v {
			t.Fatalf("wrong %ss echoed back: expecting %s %s to be [%s], instead was %v", name, name, k, v, v2)
		}
	}
}

func checkError(t *testing.T, err error, expectedCode codes.Code, expectedDetails ...proto.Message) {
	st, ok := status.FromError(err)
	if !ok {
		t.Fatalf("wrong type of error: %v", err)
	}
	if st.Code() != expectedCode {
		t.Fatalf("wrong response code: %v != %v (%v)", st.Code(), expectedCode, err)
	}
	actualDetails := st.Details()
	if len(actualDetails) != len(expectedDetails) {
		t.Fatalf("wrong number of error details: %v != %v", len(actualDetails), len(expectedDetails))
	}
	for i, msg := range actualDetails {
		m, ok := msg.(proto.Message)
		if !ok {
			t.Fatalf("error detail at index %d could not be decoded: %v", i, msg)
		}
		if !proto.Equal(m, expectedDetails[i]) {
			t.Fatalf("wrong error detail message at index %d: %v != %v", i, msg, expectedDetails[i])
		}
	}
}
