package grpccall

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/stats"
	"google.golang.org/grpc/status"

	"github.com/fullstorydev/grpccall/framing"
	"github.com/fullstorydev/grpccall/internal"
)

// Inbound is the transport side of a StreamReader: the framed message body
// and what is needed to interpret it.
type Inbound struct {
	// Body supplies the framed messages. If it is also an io.Closer, it is
	// closed to interrupt a pending read when the read is canceled.
	Body io.Reader
	// Encoding is the grpc-encoding the peer used to compress messages.
	Encoding string
	// Status, if non-nil, is called once the body is exhausted to obtain
	// the final status and trailers of the call. Response readers on the
	// client set this; request readers on the server do not.
	Status func() (*status.Status, metadata.MD)
}

// StreamReader consumes messages, one at a time, from an inbound stream. It
// may be created before the stream exists; reads wait until Bind or Fail is
// called.
//
// Only one read may be outstanding at a time. A read attempted while
// another is in progress fails with ErrReadInProgress.
type StreamReader struct {
	call  *CallContext
	opts  *options
	codec framing.MessageCodec
	log   *zap.Logger

	bound    chan struct{}
	bindOnce sync.Once
	in       Inbound
	body     *countingReader
	dc       encoding.Compressor
	dcErr    error
	bindErr  error

	reading        atomic.Bool
	closedByCancel atomic.Bool

	mu    sync.Mutex
	state StreamState
	final error
}

// NewStreamReader creates an unbound reader for the given call.
func NewStreamReader(call *CallContext, opts ...Option) *StreamReader {
	o := newOptions(opts)
	codec := o.codec
	if codec == nil {
		codec = internal.GetCodec("proto")
	}
	return &StreamReader{
		call:  call,
		opts:  o,
		codec: framing.MessageCodec{Codec: codec, MaxRecvSize: o.maxRecvMsgSize},
		log:   o.log,
		bound: make(chan struct{}),
	}
}

// Bind supplies the inbound stream. Only the first call to Bind or Fail has
// any effect.
func (r *StreamReader) Bind(in Inbound) {
	r.bindOnce.Do(func() {
		r.in = in
		r.body = &countingReader{r: in.Body}
		r.dc, r.dcErr = framing.LookupCompressor(in.Encoding)
		close(r.bound)
	})
}

// Fail resolves the binding with an error, for when the inbound stream
// could not be established. Reads return err.
func (r *StreamReader) Fail(err error) {
	r.bindOnce.Do(func() {
		r.bindErr = err
		close(r.bound)
	})
}

// State returns the reader's state.
func (r *StreamReader) State() StreamState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Recv reads the next message into m. It returns io.EOF when the stream ends
// cleanly. If the stream carries a final status (see Inbound.Status) that is
// not OK, that status is returned as an error instead of io.EOF.
//
// The given context, along with the call's own context, can interrupt the
// read.
func (r *StreamReader) Recv(ctx context.Context, m any) error {
	if !r.reading.CompareAndSwap(false, true) {
		return ErrReadInProgress
	}
	defer r.reading.Store(false)

	if err, done := r.latched(); done {
		return err
	}
	linked, release := r.link(ctx)
	defer release()

	f, err := r.readFrame(linked)
	if err == nil {
		err = r.decode(f, m)
	}
	if err != nil {
		r.finish(err)
	}
	return err
}

// RecvSingle reads a message into m and then verifies that the stream ends.
// If there is no message, it returns missing. If another message follows,
// it returns extra.
func (r *StreamReader) RecvSingle(ctx context.Context, m any, missing, extra *status.Status) error {
	if err := r.Recv(ctx, m); err != nil {
		if err == io.EOF {
			return missing.Err()
		}
		return err
	}
	if !r.reading.CompareAndSwap(false, true) {
		return ErrReadInProgress
	}
	defer r.reading.Store(false)

	linked, release := r.link(ctx)
	defer release()
	_, err := r.readFrame(linked)
	switch err {
	case nil:
		err = extra.Err()
	case io.EOF:
		r.finish(io.EOF)
		return nil
	}
	r.finish(err)
	return err
}

// link combines ctx with the call's context. When ctx can never be done,
// the call's context is used as is.
func (r *StreamReader) link(ctx context.Context) (context.Context, func()) {
	callCtx := r.call.Context()
	if ctx == nil || ctx == callCtx || ctx.Done() == nil {
		return callCtx, func() {}
	}
	linked, cancel := context.WithCancelCause(callCtx)
	stop := context.AfterFunc(ctx, func() {
		cancel(context.Cause(ctx))
	})
	return linked, func() {
		stop()
		cancel(nil)
	}
}

func (r *StreamReader) latched() (error, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.final != nil {
		return r.final, true
	}
	r.state = StreamActive
	return nil, false
}

func (r *StreamReader) finish(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.final != nil {
		return
	}
	r.final = err
	if err == io.EOF {
		r.state = StreamCompleted
	} else {
		r.state = StreamFaulted
	}
}

func (r *StreamReader) readFrame(ctx context.Context) (framing.Frame, error) {
	if ctx.Err() != nil {
		return framing.Frame{}, r.canceled(ctx)
	}
	select {
	case <-r.bound:
	case <-ctx.Done():
		return framing.Frame{}, r.canceled(ctx)
	}
	if r.bindErr != nil {
		return framing.Frame{}, r.bindErr
	}

	stop := context.AfterFunc(ctx, r.closeBody)
	defer stop()
	f, err := framing.ReadFrame(r.body, r.opts.maxRecvMsgSize)
	if err != nil {
		return framing.Frame{}, r.readFailed(ctx, err)
	}
	if f.Compressed && r.dcErr != nil {
		return framing.Frame{}, r.dcErr
	}
	return f, nil
}

func (r *StreamReader) decode(f framing.Frame, m any) error {
	size, err := r.codec.Decode(f, r.dc, m)
	if err != nil {
		return err
	}
	if r.opts.stats != nil {
		r.opts.stats.HandleRPC(r.call.Context(), &stats.InPayload{
			Client:           r.opts.client,
			Payload:          m,
			Length:           size,
			CompressedLength: len(f.Payload),
			WireLength:       len(f.Payload) + framing.HeaderSize,
			RecvTime:         time.Now(),
		})
	}
	return nil
}

func (r *StreamReader) readFailed(ctx context.Context, err error) error {
	if err == io.EOF {
		return r.endOfStream()
	}
	if ctx.Err() != nil || r.closedByCancel.Load() {
		return r.canceled(ctx)
	}
	if r.body.n.Load() == 0 && isClosedErr(err) {
		// the body was torn down before anything was read from it, which
		// happens when a stream with no messages is completed
		return r.canceled(ctx)
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	r.log.Info("Error reading message.", event(EventReadMessageError), zap.Error(err))
	if err == io.ErrUnexpectedEOF {
		return status.Error(codes.Internal, "Incomplete message.")
	}
	return status.Error(codes.Unavailable, transportError{err}.Error())
}

func (r *StreamReader) endOfStream() error {
	if r.in.Status == nil {
		return io.EOF
	}
	st, trailer := r.in.Status()
	if _, ok := r.call.complete(st, trailer); !ok {
		st, _ = r.call.Status()
	}
	if st.Code() != codes.OK {
		return st.Err()
	}
	return io.EOF
}

// canceled resolves a read that was interrupted by cancellation.
func (r *StreamReader) canceled(ctx context.Context) error {
	if r.opts.surfaceCancellation {
		if err := context.Cause(ctx); err != nil {
			return err
		}
		return context.Canceled
	}
	if st, ok := r.call.Status(); ok && st.Code() == codes.OK {
		return io.EOF
	}
	return contextStatus(ctx).Err()
}

func (r *StreamReader) closeBody() {
	if c, ok := r.in.Body.(io.Closer); ok {
		r.closedByCancel.Store(true)
		_ = c.Close()
	}
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, http.ErrBodyReadAfterClose)
}

type countingReader struct {
	r io.Reader
	n atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}
