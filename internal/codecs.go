package internal

import (
	"strings"

	//lint:ignore SA1019 we use the old v1 package because
	//  we need to support older generated messages
	"github.com/golang/protobuf/proto"
	"google.golang.org/grpc/encoding"
	_ "google.golang.org/grpc/encoding/proto"
	"google.golang.org/grpc/mem"
	"google.golang.org/protobuf/encoding/protojson"
)

// ContentTypeGRPC is the base content type of gRPC requests and responses.
const ContentTypeGRPC = "application/grpc"

var (
	grpcJsonMarshaler = protojson.MarshalOptions{
		UseEnumNumbers:  true,
		EmitUnpopulated: true,
	}

	grpcJsonUnmarshaler = protojson.UnmarshalOptions{
		DiscardUnknown: true,
	}
)

func init() {
	encoding.RegisterCodecV2(jsonCodec{})
}

func GetCodec(name string) encoding.Codec {
	result := encoding.GetCodec(name)
	if result != nil {
		return result
	}
	resultv2 := encoding.GetCodecV2(name)
	if resultv2 == nil {
		return nil
	}
	return codecV2Adapter{resultv2}
}

// ContentSubtype extracts the codec name from a gRPC content type. A bare
// "application/grpc" implies "proto". The second return value is false if
// the given value is not a gRPC content type at all.
func ContentSubtype(contentType string) (string, bool) {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if !strings.HasPrefix(ct, ContentTypeGRPC) {
		return "", false
	}
	rest := ct[len(ContentTypeGRPC):]
	if rest == "" {
		return "proto", true
	}
	switch rest[0] {
	case '+':
		sub := rest[1:]
		if i := strings.IndexByte(sub, ';'); i >= 0 {
			sub = sub[:i]
		}
		sub = strings.TrimSpace(sub)
		if sub == "" {
			return "", false
		}
		return sub, true
	case ';':
		return "proto", true
	default:
		return "", false
	}
}

// CodecForContentType returns the registered codec for the given gRPC content
// type, or nil if the content type is not gRPC or names an unknown codec.
func CodecForContentType(contentType string) encoding.Codec {
	sub, ok := ContentSubtype(contentType)
	if !ok {
		return nil
	}
	return GetCodec(sub)
}

type codecV2Adapter struct {
	v2 encoding.CodecV2
}

func (c codecV2Adapter) Marshal(v any) ([]byte, error) {
	buffers, err := c.v2.Marshal(v)
	if err != nil {
		return nil, err
	}
	return buffers.Materialize(), nil
}

func (c codecV2Adapter) Unmarshal(data []byte, v any) error {
	return c.v2.Unmarshal(mem.BufferSlice{mem.SliceBuffer(data)}, v)
}

func (c codecV2Adapter) Name() string {
	return c.v2.Name()
}

type jsonCodec struct{}

func (c jsonCodec) Marshal(v any) (mem.BufferSlice, error) {
	msg := proto.MessageV2(v.(proto.Message))
	bb, err := grpcJsonMarshaler.Marshal(msg)
	return mem.BufferSlice{mem.SliceBuffer(bb)}, err
}

func (c jsonCodec) Unmarshal(data mem.BufferSlice, v any) error {
	msg := proto.MessageV2(v.(proto.Message))
	return grpcJsonUnmarshaler.Unmarshal(data.Materialize(), msg)
}

func (c jsonCodec) Name() string {
	return "json"
}
