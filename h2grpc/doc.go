// Package h2grpc serves and calls gRPC over HTTP/2 using the grpccall engine.
//
// The Server is an http.Handler. Each POST request whose path (after an
// optional base path) names a registered "/service.name/method" is handed to
// that method's grpccall.Handler, which reads the length-prefixed request
// messages from the body and writes the response messages, headers, and
// grpc-status trailers. Service handlers are dispatched directly from the
// HTTP handler; calls are not proxied to a separate gRPC server. Requests for
// unknown methods get a trailers-only Unimplemented response, and requests
// using a method other than POST get a 405.
//
// The Server requires HTTP/2, so HTTP/1.1 requests are rejected with an
// Unimplemented status. Over TLS, net/http negotiates HTTP/2 on its own. For
// cleartext HTTP/2, wrap the server with h2c:
//
//	svr := h2grpc.NewServer(h2grpc.WithLogger(logger))
//	pb.RegisterFooServer(svr, impl)
//	hs := &http.Server{
//		Addr:    ":8080",
//		Handler: h2c.NewHandler(svr, &http2.Server{}),
//	}
//	err := hs.ListenAndServe()
//
// The Channel is the client side: a grpc.ClientConnInterface, so generated
// clients can use it, that issues calls through an http.RoundTripper. For
// cleartext servers, use an *http2.Transport with AllowHTTP set and a
// DialTLSContext that dials a plain connection.
//
// # Caveats
//
// Full-duplex bidi streams need a round tripper that can send the request
// body while the response is being read, which HTTP/2 transports can.
// Client-side features that need a *grpc.ClientConn, such as connectivity
// state or service config, are not available on a Channel.
package h2grpc
