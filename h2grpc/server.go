package h2grpc

import (
	"fmt"
	"net/http"
	"path"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fullstorydev/grpccall"
	"github.com/fullstorydev/grpccall/internal"
)

// Server is a gRPC-over-HTTP/2 server. It acts as a grpc.ServiceRegistrar,
// for registering server implementations, and also implements http.Handler,
// for exposing the services via HTTP.
//
// To accept plaintext HTTP/2, wrap the server with h2c.NewHandler.
type Server struct {
	handlers    *grpccall.HandlerMap
	basePath    string
	log         *zap.Logger
	maxBodySize int64

	handlerOpts []grpccall.Option
	unaryInt    []grpc.UnaryServerInterceptor
	streamInt   []grpc.StreamServerInterceptor
}

var _ grpc.ServiceRegistrar = (*Server)(nil)

// ServerOption is an option used when constructing a NewServer.
type ServerOption interface {
	apply(*Server)
}

type serverOptFunc func(*Server)

func (fn serverOptFunc) apply(s *Server) {
	fn(s)
}

// WithBasePath configures the server to use the given base path. The default
// base path is "/". If the caller mounts the *h2grpc.Server at some sub-path,
// this can be used to inform the handler of that path. As an alternative,
// the caller could instead use http.StripPrefix so that the *h2grpc.Server
// does not need to know the sub-path.
func WithBasePath(path string) ServerOption {
	return serverOptFunc(func(s *Server) {
		s.basePath = path
	})
}

// WithLogger configures the logger used by the server and by the handlers
// of every method it serves.
func WithLogger(l *zap.Logger) ServerOption {
	return serverOptFunc(func(s *Server) {
		s.log = l
		s.handlerOpts = append(s.handlerOpts, grpccall.WithLogger(l))
	})
}

// WithHandlerOptions configures the options given to the handler of every
// method the server serves.
func WithHandlerOptions(opts ...grpccall.Option) ServerOption {
	return serverOptFunc(func(s *Server) {
		s.handlerOpts = append(s.handlerOpts, opts...)
	})
}

// WithMaxRequestBodySize limits the size of request bodies for methods that
// accept a single request. Methods that stream requests lift the limit. A
// value of zero, the default, means no limit.
func WithMaxRequestBodySize(n int64) ServerOption {
	return serverOptFunc(func(s *Server) {
		s.maxBodySize = n
	})
}

// WithServerUnaryInterceptor configures the server to use the given server
// interceptor for unary RPCs when dispatching. It runs outside of any
// interceptors registered through Handlers.
func WithServerUnaryInterceptor(interceptor grpc.UnaryServerInterceptor) ServerOption {
	return serverOptFunc(func(s *Server) {
		s.unaryInt = append(s.unaryInt, interceptor)
	})
}

// WithServerStreamInterceptor configures the server to use the given server
// interceptor for streaming RPCs when dispatching.
func WithServerStreamInterceptor(interceptor grpc.StreamServerInterceptor) ServerOption {
	return serverOptFunc(func(s *Server) {
		s.streamInt = append(s.streamInt, interceptor)
	})
}

// NewServer returns a new gRPC-over-HTTP/2 server.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{basePath: "/", log: zap.NewNop()}
	for _, o := range opts {
		o.apply(s)
	}
	s.handlers = grpccall.NewHandlerMap(s.handlerOpts...)
	for _, i := range s.unaryInt {
		// cannot fail: the collection is new and the interceptor is non-nil
		_ = s.handlers.Interceptors().AddInstance(grpccall.FromUnaryServerInterceptor(i))
	}
	for _, i := range s.streamInt {
		_ = s.handlers.Interceptors().AddInstance(grpccall.FromStreamServerInterceptor(i))
	}
	return s
}

// RegisterService registers the given service and implementation. Like a
// normal gRPC server, only a single implementation is allowed for a
// particular service. Services are identified by their fully-qualified name
// (e.g. "<package>.<service>").
func (s *Server) RegisterService(desc *grpc.ServiceDesc, svr any) {
	s.handlers.RegisterService(desc, svr)
}

// Handlers returns the server's registry, for registering services with an
// activator or adding interceptors to particular services or methods.
// Registration must be complete before the server handles its first
// request.
func (s *Server) Handlers() *grpccall.HandlerMap {
	return s.handlers
}

// GetServiceInfo returns information about the registered services. This allows
// the server to implement the reflection.GRPCServer interface.
func (s *Server) GetServiceInfo() map[string]grpc.ServiceInfo {
	return s.handlers.GetServiceInfo()
}

// ServeHTTP implements http.Handler, dispatching the request to the handler
// for the method named by the request path.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		_ = drainAndClose(r.Body)
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	method, ok := s.methodName(r.URL.Path)
	if !ok {
		_ = drainAndClose(r.Body)
		writeTrailersOnly(w, status.New(codes.Unimplemented, fmt.Sprintf("unknown path %s", r.URL.Path)))
		return
	}
	h, err := s.handlers.Lookup(method)
	if err != nil {
		_ = drainAndClose(r.Body)
		writeTrailersOnly(w, grpccall.StatusFromError(err))
		return
	}

	t, err := newServerTransport(w, r, s.maxBodySize)
	if err != nil {
		writeTrailersOnly(w, status.New(codes.Internal, fmt.Sprintf("malformed request metadata: %v", err)))
		return
	}
	if err := h.HandleCall(t); err != nil {
		s.log.Debug("Call ended with a usage error.", zap.String("method", method), zap.Error(err))
	}
}

func (s *Server) methodName(p string) (string, bool) {
	base := path.Clean("/" + s.basePath)
	if base != "/" {
		if !strings.HasPrefix(p, base+"/") {
			return "", false
		}
		p = p[len(base):]
	}
	return p, strings.Count(p, "/") == 2
}

// writeTrailersOnly responds with only headers, which carry the status.
func writeTrailersOnly(w http.ResponseWriter, st *status.Status) {
	h := w.Header()
	h.Set("Content-Type", internal.ContentTypeGRPC)
	toHeaders(grpccall.StatusMetadata(st), h, "")
	w.WriteHeader(http.StatusOK)
}
