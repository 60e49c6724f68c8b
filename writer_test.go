package grpccall

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func TestStreamWriter_HeadersBeforeFirstMessage(t *testing.T) {
	call := newTestCall(t)
	require.NoError(t, call.SetHeader(metadata.Pairs("h", "1")))
	tr := newFakeTransport(nil)
	w := NewStreamWriter(call, tr)

	require.NoError(t, w.Send(wrapperspb.String("a")))
	require.NoError(t, w.Send(wrapperspb.String("b")))
	assert.Equal(t, 1, tr.headerWrites)
	assert.Equal(t, []string{"1"}, tr.header.Get("h"))
	assert.True(t, call.ResponseStarted())
	assert.Error(t, call.SetHeader(metadata.Pairs("h", "2")))

	require.NoError(t, w.CompleteWithStatus(status.New(codes.OK, ""), metadata.Pairs("t", "1")))
	assert.Equal(t, []string{"a", "b"}, tr.messages(t))
	assert.Equal(t, codes.OK, tr.status(t).Code())
	assert.Equal(t, []string{"1"}, tr.trailer.Get("t"))
	assert.Equal(t, StreamCompleted, w.State())
	assert.True(t, call.ResponseFinished())
}

func TestStreamWriter_SingleMessage(t *testing.T) {
	tr := newFakeTransport(nil)
	w := NewStreamWriter(newTestCall(t), tr, WithSingleMessage())
	require.NoError(t, w.Send(wrapperspb.String("a")))
	err := w.Send(wrapperspb.String("b"))
	require.ErrorIs(t, err, ErrTooManyResponses)
	assert.Equal(t, []string{"a"}, tr.messages(t))
}

func TestStreamWriter_WriteAfterComplete(t *testing.T) {
	tr := newFakeTransport(nil)
	w := NewStreamWriter(newTestCall(t), tr)
	require.NoError(t, w.CompleteWithStatus(status.New(codes.OK, ""), nil))
	require.ErrorIs(t, w.Send(wrapperspb.String("a")), ErrStreamCompleted)

	// the status is only emitted once
	require.ErrorIs(t, w.CompleteWithStatus(status.New(codes.Internal, "again"), nil), ErrCallCompleted)
	assert.Equal(t, codes.OK, tr.status(t).Code())
	// trailers-only response still sends headers first
	assert.Equal(t, 1, tr.headerWrites)
}

func TestStreamWriter_TransportFailure(t *testing.T) {
	tr := newFakeTransport(nil)
	w := NewStreamWriter(newTestCall(t), tr)
	tr.writeErr = errors.New("stream reset")

	err := w.Send(wrapperspb.String("a"))
	assert.Equal(t, codes.Unavailable, status.Code(err))
	assert.Equal(t, StreamFaulted, w.State())
	require.ErrorIs(t, w.Send(wrapperspb.String("b")), ErrStreamCompleted)

	require.NoError(t, w.CompleteWithStatus(status.New(codes.Unavailable, ""), nil))
	assert.Equal(t, 0, tr.trailerWrites)
	assert.Equal(t, StreamFaulted, w.State())
}

func TestStreamWriter_FailureAfterCancel(t *testing.T) {
	call := newTestCall(t)
	tr := newFakeTransport(nil)
	w := NewStreamWriter(call, tr)
	tr.writeErr = errors.New("stream reset")
	call.Cancel(nil)
	assert.Equal(t, codes.Canceled, status.Code(w.Send(wrapperspb.String("a"))))
}

type blockingOutbound struct {
	*fakeTransport
	entered chan struct{}
	release chan struct{}
}

func (b *blockingOutbound) WriteFrame(frame []byte) error {
	close(b.entered)
	<-b.release
	return b.fakeTransport.WriteFrame(frame)
}

func TestStreamWriter_RejectsConcurrentWrite(t *testing.T) {
	out := &blockingOutbound{
		fakeTransport: newFakeTransport(nil),
		entered:       make(chan struct{}),
		release:       make(chan struct{}),
	}
	w := NewStreamWriter(newTestCall(t), out)
	done := make(chan error, 1)
	go func() {
		done <- w.Send(wrapperspb.String("a"))
	}()
	<-out.entered
	require.ErrorIs(t, w.Send(wrapperspb.String("b")), ErrWriteInProgress)
	close(out.release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("write did not complete")
	}
	assert.Equal(t, []string{"a"}, out.messages(t))
}

func TestStreamWriter_StatusDetails(t *testing.T) {
	tr := newFakeTransport(nil)
	w := NewStreamWriter(newTestCall(t), tr)
	detail, err := anypb.New(wrapperspb.String("detail"))
	require.NoError(t, err)
	st, err := status.New(codes.FailedPrecondition, "not yet 100% ready\n").WithDetails(wrapperspb.String("detail"))
	require.NoError(t, err)
	require.NoError(t, w.CompleteWithStatus(st, nil))

	assert.Equal(t, []string{"not yet 100%25 ready%0A"}, tr.trailer.Get("grpc-message"))
	got := tr.status(t)
	assert.Equal(t, codes.FailedPrecondition, got.Code())
	assert.Equal(t, "not yet 100% ready\n", got.Message())
	require.Len(t, got.Proto().GetDetails(), 1)
	assert.Equal(t, detail.GetValue(), got.Proto().GetDetails()[0].GetValue())
}

func TestStreamWriter_CloseSend(t *testing.T) {
	call := newTestCall(t)
	tr := newFakeTransport(nil)
	w := NewStreamWriter(call, tr)
	require.NoError(t, w.Send(wrapperspb.String("a")))
	require.NoError(t, w.CloseSend())
	require.NoError(t, w.CloseSend())
	assert.Equal(t, 1, tr.trailerWrites)
	assert.Nil(t, tr.trailer)
	assert.False(t, call.ResponseFinished())
	require.ErrorIs(t, w.Send(wrapperspb.String("b")), ErrStreamCompleted)
}
