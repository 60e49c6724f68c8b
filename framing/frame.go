// Package framing implements the length-prefixed message format that gRPC
// uses on the wire, plus the table of compression providers used to encode
// and decode message payloads.
//
// Each message is carried in a single frame: a flag byte that indicates if
// the payload is compressed, a 32-bit big-endian payload length, and then
// the payload itself.
package framing

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// HeaderSize is the size, in bytes, of the prefix that precedes every
// message payload.
const HeaderSize = 5

const (
	flagIdentity   byte = 0
	flagCompressed byte = 1
)

// Frame is one wire unit: a possibly-compressed message payload.
type Frame struct {
	Compressed bool
	Payload    []byte
}

// ReadFrame reads the next frame from r. If the stream ends cleanly before
// any byte of the frame is read, io.EOF is returned. If it ends part way
// through a frame, io.ErrUnexpectedEOF is returned. If the frame's declared
// length exceeds maxSize, a ResourceExhausted status error is returned and
// the payload is not read. A maxSize of zero or less disables the check.
func ReadFrame(r io.Reader, maxSize int) (Frame, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	var compressed bool
	switch hdr[0] {
	case flagIdentity:
	case flagCompressed:
		compressed = true
	default:
		return Frame{}, status.Errorf(codes.Internal, "grpc: received unexpected payload format %d", hdr[0])
	}
	length := binary.BigEndian.Uint32(hdr[1:])
	if maxSize > 0 && uint64(length) > uint64(maxSize) {
		return Frame{}, status.Errorf(codes.ResourceExhausted, "grpc: received message larger than max (%d vs. %d)", length, maxSize)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}
	return Frame{Compressed: compressed, Payload: payload}, nil
}

// AppendFrame appends the encoded form of f to dst and returns the result.
func AppendFrame(dst []byte, f Frame) ([]byte, error) {
	if uint64(len(f.Payload)) > math.MaxUint32 {
		return dst, fmt.Errorf("message too large to send: %d bytes", len(f.Payload))
	}
	flag := flagIdentity
	if f.Compressed {
		flag = flagCompressed
	}
	dst = append(dst, flag)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(f.Payload)))
	return append(dst, f.Payload...), nil
}

// WriteFrame writes f to w in a single call to w.Write.
func WriteFrame(w io.Writer, f Frame) error {
	b, err := AppendFrame(make([]byte, 0, HeaderSize+len(f.Payload)), f)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
