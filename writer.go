package grpccall

import (
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/stats"
	"google.golang.org/grpc/status"

	"github.com/fullstorydev/grpccall/framing"
	"github.com/fullstorydev/grpccall/internal"
)

// Outbound is the transport side of a StreamWriter.
type Outbound interface {
	// WriteHeader sends response headers. It is called at most once, before
	// the first frame.
	WriteHeader(md metadata.MD) error
	// WriteFrame sends one complete frame.
	WriteFrame(frame []byte) error
	// WriteTrailer ends the stream, sending the given trailers. It is called
	// at most once.
	WriteTrailer(md metadata.MD) error
}

// StreamWriter emits messages to an outbound stream and, on completion, the
// final status and trailers of the call.
//
// Only one write may be outstanding at a time. A write attempted while
// another is in progress fails with ErrWriteInProgress.
type StreamWriter struct {
	call  *CallContext
	out   Outbound
	opts  *options
	codec framing.MessageCodec

	writing atomic.Bool
	// ioMu serializes use of out
	ioMu sync.Mutex

	mu    sync.Mutex
	state StreamState
	sent  int
}

// NewStreamWriter creates a writer for the given call. Headers set on the
// call are flushed before or with the first message, or when the handler
// calls grpc.SendHeader.
func NewStreamWriter(call *CallContext, out Outbound, opts ...Option) *StreamWriter {
	o := newOptions(opts)
	codec := o.codec
	if codec == nil {
		codec = internal.GetCodec("proto")
	}
	w := &StreamWriter{
		call: call,
		out:  out,
		opts: o,
		codec: framing.MessageCodec{
			Codec:       codec,
			Compressor:  o.compressor,
			MaxSendSize: o.maxSendMsgSize,
		},
	}
	call.mu.Lock()
	call.flushHeader = w.flushHeader
	call.mu.Unlock()
	return w
}

// State returns the writer's state.
func (w *StreamWriter) State() StreamState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Send writes m to the stream.
func (w *StreamWriter) Send(m any) error {
	if !w.writing.CompareAndSwap(false, true) {
		return ErrWriteInProgress
	}
	defer w.writing.Store(false)

	if err := w.checkWritable(); err != nil {
		return err
	}
	frame, size, err := w.codec.Encode(m)
	if err != nil {
		return err
	}

	w.ioMu.Lock()
	defer w.ioMu.Unlock()
	// the stream may have been completed while waiting
	if err := w.checkWritable(); err != nil {
		return err
	}
	if err := w.writeHeaderLocked(); err != nil {
		return w.fault(err)
	}
	if err := w.out.WriteFrame(frame); err != nil {
		return w.fault(err)
	}
	w.mu.Lock()
	w.sent++
	w.mu.Unlock()

	if w.opts.stats != nil {
		w.opts.stats.HandleRPC(w.call.Context(), &stats.OutPayload{
			Client:           w.opts.client,
			Payload:          m,
			Length:           size,
			CompressedLength: len(frame) - framing.HeaderSize,
			WireLength:       len(frame),
			SentTime:         time.Now(),
		})
	}
	return nil
}

func (w *StreamWriter) checkWritable() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch {
	case w.state == StreamCompleted || w.state == StreamFaulted:
		return ErrStreamCompleted
	case w.opts.singleMessage && w.sent > 0:
		return ErrTooManyResponses
	}
	w.state = StreamActive
	return nil
}

// CompleteWithStatus ends the call with the given status and trailers. The
// status is emitted exactly once per call; later attempts fail with
// ErrCallCompleted.
func (w *StreamWriter) CompleteWithStatus(st *status.Status, trailer metadata.MD) error {
	md, ok := w.call.complete(st, trailer)
	if !ok {
		return ErrCallCompleted
	}

	w.ioMu.Lock()
	defer w.ioMu.Unlock()
	w.mu.Lock()
	faulted := w.state == StreamFaulted
	if !faulted {
		w.state = StreamCompleted
	}
	w.mu.Unlock()
	if faulted {
		// nothing more can be written
		return nil
	}

	if err := w.writeHeaderLocked(); err != nil {
		return w.fault(err)
	}
	full := StatusMetadata(st)
	for k, v := range removeStatus(md) {
		full[k] = append(full[k], v...)
	}
	if err := w.out.WriteTrailer(full); err != nil {
		return w.fault(err)
	}
	return nil
}

// CloseSend half-closes the stream without setting a status. Clients use
// this to signal that no more requests will be sent.
func (w *StreamWriter) CloseSend() error {
	w.ioMu.Lock()
	defer w.ioMu.Unlock()
	w.mu.Lock()
	if w.state == StreamCompleted || w.state == StreamFaulted {
		w.mu.Unlock()
		return nil
	}
	w.state = StreamCompleted
	w.mu.Unlock()
	if err := w.out.WriteTrailer(nil); err != nil {
		return w.fault(err)
	}
	return nil
}

func (w *StreamWriter) flushHeader() error {
	w.ioMu.Lock()
	defer w.ioMu.Unlock()
	if w.State() == StreamFaulted {
		return ErrStreamCompleted
	}
	if err := w.writeHeaderLocked(); err != nil {
		return w.fault(err)
	}
	return nil
}

func (w *StreamWriter) writeHeaderLocked() error {
	hdr, ok := w.call.startResponse()
	if !ok {
		return nil
	}
	return w.out.WriteHeader(hdr)
}

// fault moves the writer to the faulted state and returns the error to
// report for the failed write.
func (w *StreamWriter) fault(err error) error {
	w.mu.Lock()
	w.state = StreamFaulted
	w.mu.Unlock()
	if ctx := w.call.Context(); ctx.Err() != nil {
		return contextStatus(ctx).Err()
	}
	return status.Error(codes.Unavailable, transportError{err}.Error())
}
