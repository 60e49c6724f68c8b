package grpccall

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// CallState tracks the progress of a single call.
type CallState int32

const (
	StateAdmitted CallState = iota
	StateRequestDecoded
	StateHandlerInvoked
	StateResponseEncoded
	StateCompleted
	StateFailed
)

func (s CallState) String() string {
	switch s {
	case StateAdmitted:
		return "Admitted"
	case StateRequestDecoded:
		return "RequestDecoded"
	case StateHandlerInvoked:
		return "HandlerInvoked"
	case StateResponseEncoded:
		return "ResponseEncoded"
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("CallState(%d)", int32(s))
	}
}

type callContextKey struct{}

// CallContext is the mutable state of one call: its context (deadline and
// cancellation), request headers, response headers and trailers, and the
// final status. The status and trailers are set at most once.
//
// On the server, a CallContext is also the call's grpc.ServerTransportStream,
// so handlers can use grpc.SetHeader, grpc.SendHeader, and grpc.SetTrailer.
type CallContext struct {
	method        string
	ctx           context.Context
	cancel        context.CancelCauseFunc
	requestHeader metadata.MD

	// flushHeader, when set, writes response headers to the transport.
	flushHeader func() error

	mu         sync.Mutex
	header     metadata.MD
	headerSent bool
	trailer    metadata.MD
	st         *status.Status
	state      CallState
	done       chan struct{}
}

var _ grpc.ServerTransportStream = (*CallContext)(nil)

// NewCallContext creates the state for a call to the given method. The
// returned call's context is derived from parent and is canceled by Cancel
// or when parent is done.
func NewCallContext(parent context.Context, method string, requestHeader metadata.MD) *CallContext {
	c := &CallContext{
		method:        method,
		requestHeader: requestHeader,
		done:          make(chan struct{}),
	}
	ctx, cancel := context.WithCancelCause(parent)
	c.ctx = context.WithValue(ctx, callContextKey{}, c)
	c.cancel = cancel
	return c
}

// FromContext returns the call associated with ctx, if any.
func FromContext(ctx context.Context) (*CallContext, bool) {
	c, ok := ctx.Value(callContextKey{}).(*CallContext)
	return c, ok
}

// Context returns the call's context.
func (c *CallContext) Context() context.Context {
	return c.ctx
}

// Method returns the full method name, in "/service/method" form.
func (c *CallContext) Method() string {
	return c.method
}

// RequestHeader returns the request metadata.
func (c *CallContext) RequestHeader() metadata.MD {
	return c.requestHeader
}

// Deadline returns the call's deadline, if it has one.
func (c *CallContext) Deadline() (time.Time, bool) {
	return c.ctx.Deadline()
}

// Cancel cancels the call's context. A nil cause means context.Canceled.
func (c *CallContext) Cancel(cause error) {
	c.cancel(cause)
}

// SetHeader adds md to the response headers. It fails once the headers have
// been sent.
func (c *CallContext) SetHeader(md metadata.MD) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setHeaderLocked(md)
}

// SendHeader adds md to the response headers and sends them immediately.
func (c *CallContext) SendHeader(md metadata.MD) error {
	c.mu.Lock()
	if err := c.setHeaderLocked(md); err != nil {
		c.mu.Unlock()
		return err
	}
	flush := c.flushHeader
	c.mu.Unlock()
	if flush == nil {
		c.mu.Lock()
		c.headerSent = true
		c.mu.Unlock()
		return nil
	}
	return flush()
}

func (c *CallContext) setHeaderLocked(md metadata.MD) error {
	if c.headerSent {
		return fmt.Errorf("headers already sent")
	}
	if c.header == nil {
		c.header = metadata.MD{}
	}
	for k, v := range md {
		c.header[k] = append(c.header[k], v...)
	}
	return nil
}

// SetTrailer adds md to the trailers. It fails once the call has completed.
func (c *CallContext) SetTrailer(md metadata.MD) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st != nil {
		return fmt.Errorf("trailers already sent")
	}
	c.addTrailerLocked(md)
	return nil
}

func (c *CallContext) addTrailerLocked(md metadata.MD) {
	if len(md) == 0 {
		return
	}
	if c.trailer == nil {
		c.trailer = metadata.MD{}
	}
	for k, v := range md {
		c.trailer[k] = append(c.trailer[k], v...)
	}
}

// Header returns a copy of the response headers.
func (c *CallContext) Header() metadata.MD {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.header.Copy()
}

// Trailer returns a copy of the trailers.
func (c *CallContext) Trailer() metadata.MD {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trailer.Copy()
}

// ResponseStarted reports whether response headers have been sent.
func (c *CallContext) ResponseStarted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.headerSent
}

// ResponseFinished reports whether the final status has been set.
func (c *CallContext) ResponseFinished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st != nil
}

// Status returns the final status of the call, if it has completed.
func (c *CallContext) Status() (*status.Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st, c.st != nil
}

// Done returns a channel that is closed when the call completes.
func (c *CallContext) Done() <-chan struct{} {
	return c.done
}

// State returns the call's current state.
func (c *CallContext) State() CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *CallContext) setState(s CallState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st == nil && s > c.state {
		c.state = s
	}
}

// startResponse marks headers as sent. It returns the headers to write, or
// false if they were already sent.
func (c *CallContext) startResponse() (metadata.MD, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.headerSent {
		return nil, false
	}
	c.headerSent = true
	return c.header.Copy(), true
}

// complete latches the final status and any extra trailers. It returns the
// full set of trailers, or false if the call had already completed.
func (c *CallContext) complete(st *status.Status, trailer metadata.MD) (metadata.MD, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st != nil {
		return nil, false
	}
	c.addTrailerLocked(trailer)
	c.st = st
	if st.Code() == codes.OK {
		c.state = StateCompleted
	} else {
		c.state = StateFailed
	}
	close(c.done)
	return c.trailer.Copy(), true
}
