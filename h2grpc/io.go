package h2grpc

import (
	"encoding/base64"
	"io"
	"net/http"
	"strings"

	"go.uber.org/multierr"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
)

// asMetadata converts the given HTTP headers into GRPC metadata.
func asMetadata(header http.Header) (metadata.MD, error) {
	// metadata has same shape as http.Header,
	md := metadata.MD{}
	for k, vs := range header {
		k = strings.ToLower(k)
		for _, v := range vs {
			if strings.HasSuffix(k, "-bin") {
				vv, err := decodeBinHeader(v)
				if err != nil {
					return nil, err
				}
				v = string(vv)
			}
			md[k] = append(md[k], v)
		}
	}
	return md, nil
}

// decodeBinHeader decodes a binary header value. Senders may or may not pad
// the base64 encoding.
func decodeBinHeader(v string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(v, "="))
}

var reservedHeaders = map[string]struct{}{
	"accept-encoding":      {},
	"connection":           {},
	"content-type":         {},
	"content-length":       {},
	"grpc-accept-encoding": {},
	"grpc-encoding":        {},
	"grpc-timeout":         {},
	"keep-alive":           {},
	"te":                   {},
	"trailer":              {},
	"transfer-encoding":    {},
	"upgrade":              {},
}

// responseHeaders are set by the transport and not reported to clients as
// response metadata.
var responseHeaders = []string{"content-type", "content-length", "date", "trailer", "grpc-encoding", "grpc-accept-encoding"}

func toHeaders(md metadata.MD, h http.Header, prefix string) {
	// binary headers must be base-64-encoded
	for k, vs := range md {
		lowerK := strings.ToLower(k)
		if _, ok := reservedHeaders[lowerK]; ok {
			// ignore reserved header keys
			continue
		}
		isBin := strings.HasSuffix(lowerK, "-bin")
		for _, v := range vs {
			if isBin {
				v = base64.RawStdEncoding.EncodeToString([]byte(v))
			}
			h.Add(prefix+lowerK, v)
		}
	}
}

type strAddr string

func (a strAddr) Network() string {
	if a != "" {
		// Per the documentation on net/http.Request.RemoteAddr, if this is
		// set, it's set to the IP:port of the peer (hence, TCP):
		// https://golang.org/pkg/net/http/#Request
		return "tcp"
	}
	return ""
}

func (a strAddr) String() string { return string(a) }

func peerFromRequest(r *http.Request) *peer.Peer {
	pr := peer.Peer{Addr: strAddr(r.RemoteAddr)}
	if r.TLS != nil {
		pr.AuthInfo = credentials.TLSInfo{State: *r.TLS}
	}
	return &pr
}

func drainAndClose(r io.ReadCloser) error {
	_, copyErr := io.Copy(io.Discard, r)
	return multierr.Append(copyErr, r.Close())
}
