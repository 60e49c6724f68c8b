package grpccall

import (
	"fmt"

	"go.uber.org/zap"
)

// StreamState is the lifecycle state of a StreamReader or StreamWriter.
type StreamState int32

const (
	StreamNotStarted StreamState = iota
	StreamActive
	StreamCompleted
	StreamFaulted
)

func (s StreamState) String() string {
	switch s {
	case StreamNotStarted:
		return "NotStarted"
	case StreamActive:
		return "Active"
	case StreamCompleted:
		return "Completed"
	case StreamFaulted:
		return "Faulted"
	default:
		return fmt.Sprintf("StreamState(%d)", int32(s))
	}
}

// Stable identifiers for logged events.
const (
	EventUnsupportedRequestContentType          = "UnsupportedRequestContentType"
	EventUnsupportedRequestProtocol             = "UnsupportedRequestProtocol"
	EventUnableToDisableMaxRequestBodySizeLimit = "UnableToDisableMaxRequestBodySizeLimit"
	EventReadMessageError                       = "ReadMessageError"
	EventErrorExecutingServiceMethod            = "ErrorExecutingServiceMethod"
	EventErrorReleasingServiceInstance          = "ErrorReleasingServiceInstance"
	EventServiceMethodPanicked                  = "ServiceMethodPanicked"
)

func event(name string) zap.Field {
	return zap.String("event", name)
}
