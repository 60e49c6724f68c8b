package framing

import (
	"bytes"
	"io"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
)

// MessageCodec turns messages into frames and back. The zero value of the
// size limits means "no limit".
type MessageCodec struct {
	Codec encoding.Codec
	// Compressor, when non-nil, is used to compress outbound payloads.
	Compressor  encoding.Compressor
	MaxRecvSize int
	MaxSendSize int
}

// Encode marshals m and returns a complete frame (header included) along
// with the size of the uncompressed payload.
func (c MessageCodec) Encode(m any) ([]byte, int, error) {
	data, err := c.Codec.Marshal(m)
	if err != nil {
		return nil, 0, status.Errorf(codes.Internal, "grpc: error while marshaling: %v", err)
	}
	f := Frame{Payload: data}
	if c.Compressor != nil {
		var buf bytes.Buffer
		w, err := c.Compressor.Compress(&buf)
		if err != nil {
			return nil, 0, status.Errorf(codes.Internal, "grpc: error while compressing: %v", err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, 0, status.Errorf(codes.Internal, "grpc: error while compressing: %v", err)
		}
		if err := w.Close(); err != nil {
			return nil, 0, status.Errorf(codes.Internal, "grpc: error while compressing: %v", err)
		}
		f = Frame{Compressed: true, Payload: buf.Bytes()}
	}
	if c.MaxSendSize > 0 && len(f.Payload) > c.MaxSendSize {
		return nil, 0, status.Errorf(codes.ResourceExhausted, "grpc: trying to send message larger than max (%d vs. %d)", len(f.Payload), c.MaxSendSize)
	}
	b, err := AppendFrame(make([]byte, 0, HeaderSize+len(f.Payload)), f)
	if err != nil {
		return nil, 0, status.Error(codes.ResourceExhausted, err.Error())
	}
	return b, len(data), nil
}

// Decode unmarshals the payload of f into m and returns the size of the
// uncompressed payload. The given decompressor is the one negotiated for the
// stream; nil means identity.
func (c MessageCodec) Decode(f Frame, decompressor encoding.Compressor, m any) (int, error) {
	data := f.Payload
	if f.Compressed {
		if decompressor == nil {
			return 0, status.Error(codes.Internal, "grpc: compressed flag set with identity or empty encoding")
		}
		var err error
		if data, err = c.decompress(decompressor, data); err != nil {
			return 0, err
		}
	}
	if err := c.Codec.Unmarshal(data, m); err != nil {
		return 0, status.Errorf(codes.Internal, "grpc: failed to unmarshal the received message: %v", err)
	}
	return len(data), nil
}

func (c MessageCodec) decompress(dc encoding.Compressor, data []byte) ([]byte, error) {
	r, err := dc.Decompress(bytes.NewReader(data))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "grpc: failed to decompress the received message: %v", err)
	}
	if c.MaxRecvSize > 0 {
		// read one extra byte so oversized payloads can be detected
		r = io.LimitReader(r, int64(c.MaxRecvSize)+1)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "grpc: failed to decompress the received message: %v", err)
	}
	if c.MaxRecvSize > 0 && len(out) > c.MaxRecvSize {
		return nil, status.Errorf(codes.ResourceExhausted, "grpc: received message after decompression larger than max (%d vs. %d)", len(out), c.MaxRecvSize)
	}
	return out, nil
}
