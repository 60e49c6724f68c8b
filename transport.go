package grpccall

import (
	"context"
	"io"

	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
)

// ServerTransport is the transport side of one inbound call: an established
// stream with request headers, a framed request body, and a way to send the
// response.
type ServerTransport interface {
	Outbound
	// Context is canceled when the underlying stream or connection goes
	// away.
	Context() context.Context
	// Protocol is the HTTP protocol version, e.g. "HTTP/2.0".
	Protocol() string
	ContentType() string
	RequestHeader() metadata.MD
	Body() io.Reader
}

// RequestBodyLimiter is implemented by transports that enforce a limit on
// the size of the request body. Request-streaming calls remove the limit.
type RequestBodyLimiter interface {
	DisableRequestBodyLimit() error
}

// PeerProvider is implemented by transports that know the remote peer.
type PeerProvider interface {
	Peer() *peer.Peer
}

// requestDataHeaders are request headers that describe the transport rather
// than carry application metadata.
var requestDataHeaders = []string{
	"content-type",
	"grpc-timeout",
	"grpc-encoding",
	"grpc-accept-encoding",
	"te",
}

func applicationMetadata(md metadata.MD) metadata.MD {
	out := md.Copy()
	for _, k := range requestDataHeaders {
		delete(out, k)
	}
	return out
}
