package h2grpc

import (
	"net/http"

	"google.golang.org/grpc/codes"
)

// codeFromHTTPStatus translates an HTTP status into a gRPC code, for
// responses that carry no grpc-status. This usually means the response came
// from an intermediary rather than a gRPC server. See
// https://github.com/grpc/grpc/blob/master/doc/http-grpc-status-mapping.md
func codeFromHTTPStatus(stat int) codes.Code {
	switch stat {
	case http.StatusBadRequest:
		return codes.Internal
	case http.StatusUnauthorized:
		return codes.Unauthenticated
	case http.StatusForbidden:
		return codes.PermissionDenied
	case http.StatusNotFound:
		return codes.Unimplemented
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return codes.Unavailable
	default:
		return codes.Unknown
	}
}
