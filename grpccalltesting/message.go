package grpccalltesting

import (
	"encoding/base64"
	"fmt"
	"strings"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Message is the request and response of every TestService method. On the
// wire it is a google.protobuf.Struct, so the service needs no generated
// code.
type Message struct {
	Payload  []byte
	Headers  map[string]string
	Trailers map[string]string
	// Code, if non-zero, is the status code the server fails the call with.
	Code int32
	// ErrorDetails are attached to the failure status.
	ErrorDetails []*anypb.Any
	// DelayMillis makes the server wait before responding.
	DelayMillis int32
	// Count is the number of responses a server stream sends, or the number
	// of requests a client stream received. A negative count in the first
	// request of a bidi stream makes the server respond in half-duplex mode.
	Count int32
}

const (
	fieldPayload      = "payload"
	fieldHeaders      = "headers"
	fieldTrailers     = "trailers"
	fieldCode         = "code"
	fieldErrorDetails = "errorDetails"
	fieldDelayMillis  = "delayMillis"
	fieldCount        = "count"
)

// ToStruct encodes m as the Struct sent on the wire.
func (m *Message) ToStruct() (*structpb.Struct, error) {
	details := make([]*structpb.Value, 0, len(m.ErrorDetails))
	for _, d := range m.ErrorDetails {
		b, err := proto.Marshal(d)
		if err != nil {
			return nil, err
		}
		details = append(details, structpb.NewStringValue(base64.StdEncoding.EncodeToString(b)))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldPayload:      structpb.NewStringValue(base64.StdEncoding.EncodeToString(m.Payload)),
		fieldHeaders:      structpb.NewStructValue(encodeMetadataMap(m.Headers)),
		fieldTrailers:     structpb.NewStructValue(encodeMetadataMap(m.Trailers)),
		fieldCode:         structpb.NewNumberValue(float64(m.Code)),
		fieldErrorDetails: structpb.NewListValue(&structpb.ListValue{Values: details}),
		fieldDelayMillis:  structpb.NewNumberValue(float64(m.DelayMillis)),
		fieldCount:        structpb.NewNumberValue(float64(m.Count)),
	}}, nil
}

// MessageFromStruct decodes a message received on the wire. Missing fields
// are left at their zero values.
func MessageFromStruct(s *structpb.Struct) (*Message, error) {
	f := s.GetFields()
	payload, err := base64.StdEncoding.DecodeString(f[fieldPayload].GetStringValue())
	if err != nil {
		return nil, fmt.Errorf("bad payload: %w", err)
	}
	headers, err := decodeMetadataMap(f[fieldHeaders].GetStructValue())
	if err != nil {
		return nil, fmt.Errorf("bad headers: %w", err)
	}
	trailers, err := decodeMetadataMap(f[fieldTrailers].GetStructValue())
	if err != nil {
		return nil, fmt.Errorf("bad trailers: %w", err)
	}
	m := &Message{
		Payload:     payload,
		Headers:     headers,
		Trailers:    trailers,
		Code:        int32(f[fieldCode].GetNumberValue()),
		DelayMillis: int32(f[fieldDelayMillis].GetNumberValue()),
		Count:       int32(f[fieldCount].GetNumberValue()),
	}
	for _, v := range f[fieldErrorDetails].GetListValue().GetValues() {
		b, err := base64.StdEncoding.DecodeString(v.GetStringValue())
		if err != nil {
			return nil, fmt.Errorf("bad error detail: %w", err)
		}
		var a anypb.Any
		if err := proto.Unmarshal(b, &a); err != nil {
			return nil, fmt.Errorf("bad error detail: %w", err)
		}
		m.ErrorDetails = append(m.ErrorDetails, &a)
	}
	return m, nil
}

// Binary metadata values need not be valid UTF-8, so they are base64-encoded
// in the Struct.
func encodeMetadataMap(m map[string]string) *structpb.Struct {
	s := &structpb.Struct{Fields: make(map[string]*structpb.Value, len(m))}
	for k, v := range m {
		if strings.HasSuffix(k, "-bin") {
			v = base64.StdEncoding.EncodeToString([]byte(v))
		}
		s.Fields[k] = structpb.NewStringValue(v)
	}
	return s
}

func decodeMetadataMap(s *structpb.Struct) (map[string]string, error) {
	if s == nil {
		return nil, nil
	}
	m := make(map[string]string, len(s.GetFields()))
	for k, v := range s.GetFields() {
		str := v.GetStringValue()
		if strings.HasSuffix(k, "-bin") {
			b, err := base64.StdEncoding.DecodeString(str)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			str = string(b)
		}
		m[k] = str
	}
	return m, nil
}
