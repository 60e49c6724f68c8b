// Package inprocgrpc provides an in-process gRPC channel. Calls issued on the
// channel are dispatched to services registered with it without any network
// or HTTP layer, but they still run through the whole call engine: messages
// are framed and encoded, interceptors and activators run, and metadata and
// statuses travel the way they would over HTTP/2.
//
// This is useful for calling services in the same process through the same
// code paths as remote calls, and for testing services and interceptors
// without starting a server.
package inprocgrpc
