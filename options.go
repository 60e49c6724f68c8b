package grpccall

import (
	"math"

	"go.uber.org/zap"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/stats"
)

const (
	defaultMaxRecvMsgSize = 4 * 1024 * 1024
	defaultMaxSendMsgSize = math.MaxInt32
)

// Option configures handlers, registries, and stream readers and writers.
// Each consumer uses the options that apply to it and ignores the rest.
type Option func(*options)

type options struct {
	log                 *zap.Logger
	codec               encoding.Codec
	compressor          encoding.Compressor
	responseCompression string
	maxRecvMsgSize      int
	maxSendMsgSize      int
	surfaceCancellation bool
	stats               stats.Handler
	client              bool
	singleMessage       bool
}

func newOptions(opts []Option) *options {
	o := &options{
		log:            zap.NewNop(),
		maxRecvMsgSize: defaultMaxRecvMsgSize,
		maxSendMsgSize: defaultMaxSendMsgSize,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithLogger sets the logger used to report call events.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithCodec sets the codec used to marshal and unmarshal messages.
func WithCodec(c encoding.Codec) Option {
	return func(o *options) {
		o.codec = c
	}
}

// WithCompressor sets the compressor used for outbound messages.
func WithCompressor(c encoding.Compressor) Option {
	return func(o *options) {
		o.compressor = c
	}
}

// WithResponseCompression sets the name of the encoding a handler uses to
// compress responses. It is only used if the client advertises it in the
// grpc-accept-encoding request header.
func WithResponseCompression(name string) Option {
	return func(o *options) {
		o.responseCompression = name
	}
}

// WithMaxRecvMsgSize sets the largest message, in bytes, that may be
// received. The default is 4 MiB.
func WithMaxRecvMsgSize(n int) Option {
	return func(o *options) {
		o.maxRecvMsgSize = n
	}
}

// WithMaxSendMsgSize sets the largest message, in bytes, that may be sent.
func WithMaxSendMsgSize(n int) Option {
	return func(o *options) {
		o.maxSendMsgSize = n
	}
}

// WithSurfaceCancellation makes reads that are interrupted by cancellation
// return the raw context error instead of a Canceled status error.
func WithSurfaceCancellation() Option {
	return func(o *options) {
		o.surfaceCancellation = true
	}
}

// WithStatsHandler sets a handler that is notified of call begin and end,
// and of every message sent and received.
func WithStatsHandler(h stats.Handler) Option {
	return func(o *options) {
		o.stats = h
	}
}

// WithClientSide marks streams as belonging to the client side of a call,
// for the purpose of stats reporting.
func WithClientSide() Option {
	return func(o *options) {
		o.client = true
	}
}

// WithSingleMessage limits a stream writer to a single message.
func WithSingleMessage() Option {
	return func(o *options) {
		o.singleMessage = true
	}
}
