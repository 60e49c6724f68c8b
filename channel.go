package grpccall

import (
	"google.golang.org/grpc"
)

// Channel is an abstraction of a gRPC transport on the client side. Generated
// client stubs accept one, so a Channel can carry calls over something other
// than a *grpc.ClientConn, such as the HTTP client in package h2grpc.
type Channel = grpc.ClientConnInterface

// Channel interface matches the relevant methods on ClientConn
var _ Channel = (*grpc.ClientConn)(nil)
