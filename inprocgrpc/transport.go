package inprocgrpc

import (
	"context"
	"io"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/fullstorydev/grpccall"
)

// serverTransport is the server side of an in-process call. Request frames
// arrive on a pipe written by the client; response frames go to a pipe read
// by the client, while headers and trailers are handed over directly.
type serverTransport struct {
	ctx         context.Context
	contentType string
	md          metadata.MD
	body        *io.PipeReader
	resp        *io.PipeWriter

	// ready is closed once headers are written; done once the handler
	// returns
	ready chan struct{}
	done  chan struct{}

	mu      sync.Mutex
	header  metadata.MD
	trailer metadata.MD
}

var (
	_ grpccall.ServerTransport = (*serverTransport)(nil)
	_ grpccall.PeerProvider    = (*serverTransport)(nil)
)

func (t *serverTransport) Context() context.Context { return t.ctx }

// Protocol reports HTTP/2, whose semantics in-process calls carry.
func (t *serverTransport) Protocol() string           { return "HTTP/2" }
func (t *serverTransport) ContentType() string        { return t.contentType }
func (t *serverTransport) RequestHeader() metadata.MD { return t.md }
func (t *serverTransport) Body() io.Reader            { return t.body }
func (t *serverTransport) Peer() *peer.Peer           { return &peer.Peer{Addr: inprocessAddr{}} }

func (t *serverTransport) WriteHeader(md metadata.MD) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.header = md.Copy()
	close(t.ready)
	return nil
}

func (t *serverTransport) WriteFrame(frame []byte) error {
	_, err := t.resp.Write(frame)
	return err
}

func (t *serverTransport) WriteTrailer(md metadata.MD) error {
	t.mu.Lock()
	t.trailer = md.Copy()
	t.mu.Unlock()
	return t.resp.Close()
}

func (t *serverTransport) responseHeader() metadata.MD {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.header
}

var statusKeys = []string{"grpc-status", "grpc-message", "grpc-status-details-bin"}

// finalStatus reports the call's final status to the client's reader, once the
// response pipe is closed.
func (t *serverTransport) finalStatus() (*status.Status, metadata.MD) {
	t.mu.Lock()
	tr := t.trailer.Copy()
	t.mu.Unlock()
	st, ok := grpccall.StatusFromMetadata(tr)
	if !ok {
		return status.New(codes.Internal, "server closed the stream without sending trailers"), tr
	}
	for _, k := range statusKeys {
		delete(tr, k)
	}
	return st, tr
}

type inprocessAddr struct{}

func (inprocessAddr) Network() string { return "inproc" }
func (inprocessAddr) String() string  { return "0" }

// noValuesContext wraps a context but prevents access to its values. This
// keeps the client's context values, such as its outgoing metadata, from
// leaking to the server while still propagating cancellation and deadlines.
type noValuesContext struct {
	context.Context
}

func (ctx noValuesContext) Value(key any) any {
	return nil
}
