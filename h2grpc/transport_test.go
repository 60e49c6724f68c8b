package h2grpc

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func TestMetadataHeaders(t *testing.T) {
	md := metadata.MD{
		"foo":          {"bar", "baz"},
		"pickle-bin":   {"\x00\x01\xff"},
		"content-type": {"text/plain"},
		"te":           {"trailers"},
	}
	h := http.Header{}
	toHeaders(md, h, "")
	assert.Equal(t, []string{"bar", "baz"}, h.Values("Foo"))
	assert.Equal(t, []string{"AAH/"}, h.Values("Pickle-Bin"))
	assert.Empty(t, h.Get("Content-Type"))
	assert.Empty(t, h.Get("Te"))

	back, err := asMetadata(h)
	require.NoError(t, err)
	assert.Equal(t, metadata.MD{
		"foo":        {"bar", "baz"},
		"pickle-bin": {"\x00\x01\xff"},
	}, back)

	// padded values are accepted too
	back, err = asMetadata(http.Header{"X-Bin": {"AAE="}})
	require.NoError(t, err)
	assert.Equal(t, []string{"\x00\x01"}, back.Get("x-bin"))

	_, err = asMetadata(http.Header{"X-Bin": {"!!not base64!!"}})
	assert.Error(t, err)

	tr := http.Header{}
	toHeaders(metadata.Pairs("grpc-status", "5"), tr, http.TrailerPrefix)
	assert.Equal(t, []string{"5"}, tr[http.TrailerPrefix+"grpc-status"])
}

func TestCodeFromHTTPStatus(t *testing.T) {
	testCases := map[int]codes.Code{
		http.StatusBadRequest:          codes.Internal,
		http.StatusUnauthorized:        codes.Unauthenticated,
		http.StatusForbidden:           codes.PermissionDenied,
		http.StatusNotFound:            codes.Unimplemented,
		http.StatusTooManyRequests:     codes.Unavailable,
		http.StatusBadGateway:          codes.Unavailable,
		http.StatusServiceUnavailable:  codes.Unavailable,
		http.StatusGatewayTimeout:      codes.Unavailable,
		http.StatusInternalServerError: codes.Unknown,
		http.StatusTeapot:              codes.Unknown,
	}
	for stat, code := range testCases {
		if actual := codeFromHTTPStatus(stat); actual != code {
			t.Errorf("HTTP status %d: expecting %v; got %v", stat, code, actual)
		}
	}
}

func TestLimitedBody(t *testing.T) {
	t.Run("under limit", func(t *testing.T) {
		b := &limitedBody{r: strings.NewReader("hello"), limit: 5}
		data, err := io.ReadAll(b)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(data))
	})

	t.Run("over limit", func(t *testing.T) {
		b := &limitedBody{r: strings.NewReader("hello world"), limit: 5}
		data, err := io.ReadAll(b)
		assert.Equal(t, "hello", string(data))
		assert.Equal(t, codes.ResourceExhausted, status.Code(err))
	})

	t.Run("no limit", func(t *testing.T) {
		payload := bytes.Repeat([]byte{'z'}, 1<<16)
		b := &limitedBody{r: bytes.NewReader(payload)}
		data, err := io.ReadAll(b)
		require.NoError(t, err)
		assert.Len(t, data, len(payload))
	})

	t.Run("disabled", func(t *testing.T) {
		b := &limitedBody{r: strings.NewReader("hello world"), limit: 5}
		require.NoError(t, b.disableLimit())
		data, err := io.ReadAll(b)
		require.NoError(t, err)
		assert.Equal(t, "hello world", string(data))
	})

	t.Run("disabled after read", func(t *testing.T) {
		b := &limitedBody{r: strings.NewReader("hello world"), limit: 5}
		var buf [2]byte
		_, err := b.Read(buf[:])
		require.NoError(t, err)
		assert.Error(t, b.disableLimit())
	})

	t.Run("close", func(t *testing.T) {
		rc := &closeRecorder{Reader: strings.NewReader("")}
		b := &limitedBody{r: rc}
		require.NoError(t, b.Close())
		assert.True(t, rc.closed)
	})
}

func TestMethodName(t *testing.T) {
	testCases := []struct {
		base, path, method string
		ok                 bool
	}{
		{base: "/", path: "/foo.Bar/Baz", method: "/foo.Bar/Baz", ok: true},
		{base: "/", path: "/foo.Bar/Baz/extra", ok: false},
		{base: "/", path: "/foo.Bar", ok: false},
		{base: "/api/", path: "/api/foo.Bar/Baz", method: "/foo.Bar/Baz", ok: true},
		{base: "api", path: "/api/foo.Bar/Baz", method: "/foo.Bar/Baz", ok: true},
		{base: "/api", path: "/apifoo.Bar/Baz", ok: false},
		{base: "/api", path: "/foo.Bar/Baz", ok: false},
	}
	for _, tc := range testCases {
		s := NewServer(WithBasePath(tc.base))
		method, ok := s.methodName(tc.path)
		if ok != tc.ok || (ok && method != tc.method) {
			t.Errorf("base %q, path %q: expecting %q, %v; got %q, %v", tc.base, tc.path, tc.method, tc.ok, method, ok)
		}
	}
}

type closeRecorder struct {
	io.Reader
	closed bool
}

func (c *closeRecorder) Close() error {
	c.closed = true
	return nil
}
