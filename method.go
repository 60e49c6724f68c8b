package grpccall

import (
	"fmt"
	"reflect"

	"google.golang.org/grpc/encoding"
)

// MethodType is the shape of an RPC: the cardinality of its request and
// response messages.
type MethodType int

const (
	Unary MethodType = iota
	ClientStreaming
	ServerStreaming
	DuplexStreaming
)

func (t MethodType) String() string {
	switch t {
	case Unary:
		return "Unary"
	case ClientStreaming:
		return "ClientStreaming"
	case ServerStreaming:
		return "ServerStreaming"
	case DuplexStreaming:
		return "DuplexStreaming"
	default:
		return fmt.Sprintf("MethodType(%d)", int(t))
	}
}

// ClientStreams reports whether calls of this shape carry a stream of
// request messages.
func (t MethodType) ClientStreams() bool {
	return t == ClientStreaming || t == DuplexStreaming
}

// ServerStreams reports whether calls of this shape carry a stream of
// response messages.
func (t MethodType) ServerStreams() bool {
	return t == ServerStreaming || t == DuplexStreaming
}

// MethodTypeOf returns the shape for the given stream directions.
func MethodTypeOf(clientStreams, serverStreams bool) MethodType {
	switch {
	case clientStreams && serverStreams:
		return DuplexStreaming
	case clientStreams:
		return ClientStreaming
	case serverStreams:
		return ServerStreaming
	default:
		return Unary
	}
}

// MethodDescriptor describes one RPC method. It is created when a service is
// registered and is shared, read-only, by all calls to the method.
type MethodDescriptor struct {
	ServiceName string
	MethodName  string
	Type        MethodType
	// RequestType is the pointer type of the request message. It is only
	// needed for shapes with a single request (Unary and ServerStreaming),
	// since the core decodes that request before invoking the handler.
	RequestType reflect.Type
	// Codec, if non-nil, is used when the request's content type does not
	// name a codec. Otherwise the "proto" codec is used.
	Codec encoding.Codec
}

// FullMethod returns the method name in "/service/method" form.
func (d *MethodDescriptor) FullMethod() string {
	return "/" + d.ServiceName + "/" + d.MethodName
}

// NewRequest allocates an empty request message.
func (d *MethodDescriptor) NewRequest() any {
	return reflect.New(d.RequestType.Elem()).Interface()
}

func (d *MethodDescriptor) String() string {
	return fmt.Sprintf("%s (%v)", d.FullMethod(), d.Type)
}
