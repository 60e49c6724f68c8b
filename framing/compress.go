package framing

import (
	"compress/zlib"
	"io"
	"strings"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/encoding/gzip"
	"google.golang.org/grpc/status"
)

const (
	// Identity is the name of the "no compression" encoding.
	Identity = "identity"
	// Deflate is the name of the zlib-based encoding registered by this
	// package.
	Deflate = "deflate"
	// Gzip is the name of the gzip encoding, provided by grpc-go.
	Gzip = gzip.Name
)

func init() {
	encoding.RegisterCompressor(newDeflateCompressor())
}

// LookupCompressor returns the compression provider registered for the given
// grpc-encoding name. Identity (or an empty name) resolves to a nil
// compressor and no error. Unknown names result in an Unimplemented status
// error.
func LookupCompressor(name string) (encoding.Compressor, error) {
	if name == "" || name == Identity {
		return nil, nil
	}
	c := encoding.GetCompressor(name)
	if c == nil {
		return nil, status.Errorf(codes.Unimplemented, "grpc: Decompressor is not installed for grpc-encoding %q", name)
	}
	return c, nil
}

// SupportedEncodings returns the names of encodings this package knows how
// to handle, suitable for a grpc-accept-encoding header.
func SupportedEncodings() []string {
	return []string{Identity, Gzip, Deflate}
}

// Accepts reports whether the given grpc-accept-encoding header value lists
// the named encoding.
func Accepts(acceptEncoding, name string) bool {
	for _, v := range strings.Split(acceptEncoding, ",") {
		if strings.TrimSpace(v) == name {
			return true
		}
	}
	return false
}

type deflateCompressor struct {
	writers sync.Pool
}

func newDeflateCompressor() *deflateCompressor {
	c := &deflateCompressor{}
	c.writers.New = func() any {
		return &deflateWriter{Writer: zlib.NewWriter(io.Discard), pool: &c.writers}
	}
	return c
}

func (c *deflateCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	dw := c.writers.Get().(*deflateWriter)
	dw.Reset(w)
	return dw, nil
}

func (c *deflateCompressor) Decompress(r io.Reader) (io.Reader, error) {
	return zlib.NewReader(r)
}

func (c *deflateCompressor) Name() string {
	return Deflate
}

type deflateWriter struct {
	*zlib.Writer
	pool *sync.Pool
}

func (w *deflateWriter) Close() error {
	defer w.pool.Put(w)
	return w.Writer.Close()
}
