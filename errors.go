package grpccall

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fullstorydev/grpccall/internal"
)

// UsageError indicates a defect in the code that integrates with a call,
// such as a concurrent read on a stream. Usage errors are never the result
// of a remote condition and are always surfaced to the caller.
type UsageError struct {
	msg string
}

func (e *UsageError) Error() string {
	return e.msg
}

var (
	// ErrReadInProgress is returned when a read is attempted while a
	// previous read on the same stream has not yet returned.
	ErrReadInProgress = &UsageError{msg: "Can't read the next message because the previous read is still in progress."}
	// ErrWriteInProgress is returned when a write is attempted while a
	// previous write on the same stream has not yet returned.
	ErrWriteInProgress = &UsageError{msg: "Can't write the message because the previous write is still in progress."}
	// ErrStreamCompleted is returned when writing to a stream that has
	// already completed or faulted.
	ErrStreamCompleted = &UsageError{msg: "Can't write the message because the call is complete."}
	// ErrTooManyResponses is returned when a second response message is
	// written for a method that has a single response.
	ErrTooManyResponses = &UsageError{msg: "Can't write more than one response message for this method."}
	// ErrCallCompleted is returned when a call's status is set a second time.
	ErrCallCompleted = &UsageError{msg: "The call has already completed with a status."}
	// ErrCollectionFrozen is returned when modifying an interceptor
	// collection after it has been used to build a pipeline.
	ErrCollectionFrozen = &UsageError{msg: "Interceptors can't be modified after the first call has been dispatched."}
)

// IsUsageError reports whether err is, or wraps, a *UsageError.
func IsUsageError(err error) bool {
	var ue *UsageError
	return errors.As(err, &ue)
}

// transportError wraps a failure of the underlying transport, such as a
// reset stream.
type transportError struct {
	err error
}

func (e transportError) Error() string {
	return fmt.Sprintf("transport failure: %v", e.err)
}

func (e transportError) Unwrap() error {
	return e.err
}

// StatusFromError maps the outcome of a call to its final status.
//
// Status errors keep their code, except that an error carrying an OK code
// becomes Internal. Context errors become Canceled or DeadlineExceeded,
// usage errors become Internal, transport failures become Unavailable, and
// anything else becomes Unknown. The error message is always preserved.
func StatusFromError(err error) *status.Status {
	if err == nil {
		return status.New(codes.OK, "")
	}
	if st, ok := status.FromError(err); ok {
		if st.Code() == codes.OK {
			return status.New(codes.Internal, err.Error())
		}
		return st
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.Convert(internal.TranslateContextError(err))
	}
	var te transportError
	switch {
	case IsUsageError(err):
		return status.New(codes.Internal, err.Error())
	case errors.As(err, &te):
		return status.New(codes.Unavailable, err.Error())
	default:
		return status.New(codes.Unknown, err.Error())
	}
}

// contextStatus returns the status for a call whose context is done.
func contextStatus(ctx context.Context) *status.Status {
	err := context.Cause(ctx)
	if err == nil {
		err = ctx.Err()
	}
	if err == nil {
		return status.New(codes.Canceled, context.Canceled.Error())
	}
	if st, ok := status.FromError(err); ok && st.Code() != codes.OK {
		return st
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return status.New(codes.DeadlineExceeded, err.Error())
	}
	return status.New(codes.Canceled, err.Error())
}
