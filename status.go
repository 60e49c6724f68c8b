package grpccall

import (
	"fmt"
	"strconv"
	"strings"

	spb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

const (
	keyStatus        = "grpc-status"
	keyMessage       = "grpc-message"
	keyStatusDetails = "grpc-status-details-bin"
)

// StatusMetadata returns the trailer entries that carry the given status.
// Binary values are returned raw; transports that need to encode them (for
// "-bin" keys) must do so.
func StatusMetadata(st *status.Status) metadata.MD {
	md := metadata.MD{keyStatus: []string{strconv.Itoa(int(st.Code()))}}
	if msg := st.Message(); msg != "" {
		md[keyMessage] = []string{encodeGrpcMessage(msg)}
	}
	if p := st.Proto(); len(p.GetDetails()) > 0 {
		if b, err := proto.Marshal(p); err == nil {
			md[keyStatusDetails] = []string{string(b)}
		}
	}
	return md
}

// StatusFromMetadata extracts a status from trailer (or trailers-only header)
// metadata. It returns false if md has no grpc-status entry.
func StatusFromMetadata(md metadata.MD) (*status.Status, bool) {
	vals := md.Get(keyStatus)
	if len(vals) == 0 {
		return nil, false
	}
	code, err := strconv.ParseUint(vals[0], 10, 32)
	if err != nil {
		return status.New(codes.Internal, fmt.Sprintf("malformed grpc-status: %q", vals[0])), true
	}
	var msg string
	if m := md.Get(keyMessage); len(m) > 0 {
		msg = decodeGrpcMessage(m[0])
	}
	if d := md.Get(keyStatusDetails); len(d) > 0 {
		var p spb.Status
		if err := proto.Unmarshal([]byte(d[0]), &p); err == nil && p.GetCode() == int32(code) {
			return status.FromProto(&p), true
		}
	}
	return status.New(codes.Code(code), msg), true
}

// removeStatus deletes status entries from md, leaving only application
// trailers.
func removeStatus(md metadata.MD) metadata.MD {
	out := md.Copy()
	delete(out, keyStatus)
	delete(out, keyMessage)
	delete(out, keyStatusDetails)
	return out
}

const upperhex = "0123456789ABCDEF"

// encodeGrpcMessage percent-encodes bytes outside of printable ASCII, along
// with '%' itself.
func encodeGrpcMessage(msg string) string {
	var sb strings.Builder
	for i := 0; i < len(msg); i++ {
		c := msg[i]
		if c >= ' ' && c <= '~' && c != '%' {
			sb.WriteByte(c)
			continue
		}
		sb.WriteByte('%')
		sb.WriteByte(upperhex[c>>4])
		sb.WriteByte(upperhex[c&15])
	}
	return sb.String()
}

func decodeGrpcMessage(msg string) string {
	if !strings.Contains(msg, "%") {
		return msg
	}
	var sb strings.Builder
	for i := 0; i < len(msg); i++ {
		if msg[i] == '%' && i+2 < len(msg) {
			if v, err := strconv.ParseUint(msg[i+1:i+3], 16, 8); err == nil {
				sb.WriteByte(byte(v))
				i += 2
				continue
			}
		}
		sb.WriteByte(msg[i])
	}
	return sb.String()
}
