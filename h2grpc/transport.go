package h2grpc

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/fullstorydev/grpccall"
	"github.com/fullstorydev/grpccall/internal"
)

// serverTransport carries one call over an HTTP/2 request and its response.
type serverTransport struct {
	w    http.ResponseWriter
	r    *http.Request
	rc   *http.ResponseController
	md   metadata.MD
	body *limitedBody
}

var (
	_ grpccall.ServerTransport    = (*serverTransport)(nil)
	_ grpccall.RequestBodyLimiter = (*serverTransport)(nil)
	_ grpccall.PeerProvider       = (*serverTransport)(nil)
)

func newServerTransport(w http.ResponseWriter, r *http.Request, maxBodySize int64) (*serverTransport, error) {
	md, err := asMetadata(r.Header)
	if err != nil {
		return nil, err
	}
	return &serverTransport{
		w:    w,
		r:    r,
		rc:   http.NewResponseController(w),
		md:   md,
		body: &limitedBody{r: r.Body, limit: maxBodySize},
	}, nil
}

func (t *serverTransport) Context() context.Context   { return t.r.Context() }
func (t *serverTransport) Protocol() string           { return t.r.Proto }
func (t *serverTransport) ContentType() string        { return t.r.Header.Get("Content-Type") }
func (t *serverTransport) RequestHeader() metadata.MD { return t.md }
func (t *serverTransport) Body() io.Reader            { return t.body }
func (t *serverTransport) Peer() *peer.Peer           { return peerFromRequest(t.r) }

func (t *serverTransport) DisableRequestBodyLimit() error {
	return t.body.disableLimit()
}

func (t *serverTransport) WriteHeader(md metadata.MD) error {
	h := t.w.Header()
	ct := t.ContentType()
	if _, ok := internal.ContentSubtype(ct); !ok {
		ct = internal.ContentTypeGRPC
	}
	h.Set("Content-Type", ct)
	for _, k := range []string{"grpc-encoding", "grpc-accept-encoding"} {
		for _, v := range md.Get(k) {
			h.Add(k, v)
		}
	}
	toHeaders(md, h, "")
	t.w.WriteHeader(http.StatusOK)
	return t.flush()
}

func (t *serverTransport) WriteFrame(frame []byte) error {
	if _, err := t.w.Write(frame); err != nil {
		return err
	}
	return t.flush()
}

func (t *serverTransport) WriteTrailer(md metadata.MD) error {
	toHeaders(md, t.w.Header(), http.TrailerPrefix)
	return nil
}

func (t *serverTransport) flush() error {
	if err := t.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

var errRequestTooLarge = status.Error(codes.ResourceExhausted, "request body too large")

// limitedBody enforces a maximum size on a request body until the limit is
// disabled. The limit can no longer be disabled once reading has begun.
type limitedBody struct {
	r io.Reader

	mu      sync.Mutex
	limit   int64
	n       int64
	started bool
}

func (b *limitedBody) disableLimit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started && b.limit > 0 {
		return errors.New("request body is already being read")
	}
	b.limit = 0
	return nil
}

func (b *limitedBody) Read(p []byte) (int, error) {
	b.mu.Lock()
	b.started = true
	limit, n := b.limit, b.n
	b.mu.Unlock()

	if limit > 0 {
		remaining := limit - n
		if remaining <= 0 {
			// only an error if there is more data
			var one [1]byte
			if k, err := b.r.Read(one[:]); k == 0 {
				return 0, err
			}
			return 0, errRequestTooLarge
		}
		if int64(len(p)) > remaining {
			p = p[:remaining]
		}
	}
	k, err := b.r.Read(p)
	b.mu.Lock()
	b.n += int64(k)
	b.mu.Unlock()
	return k, err
}

func (b *limitedBody) Close() error {
	if c, ok := b.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
