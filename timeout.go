package grpccall

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// DecodeTimeout parses a grpc-timeout header value. See the "Timeout"
// component of requests in the gRPC wire format:
// https://grpc.io/docs/guides/wire.html#requests
func DecodeTimeout(s string) (time.Duration, error) {
	if len(s) < 2 || len(s) > 9 {
		return 0, fmt.Errorf("malformed grpc-timeout: %q", s)
	}
	var unit time.Duration
	switch s[len(s)-1] {
	case 'H':
		unit = time.Hour
	case 'M':
		unit = time.Minute
	case 'S':
		unit = time.Second
	case 'm':
		unit = time.Millisecond
	case 'u':
		unit = time.Microsecond
	case 'n':
		unit = time.Nanosecond
	default:
		return 0, fmt.Errorf("malformed grpc-timeout: unknown unit in %q", s)
	}
	v, err := strconv.ParseInt(s[:len(s)-1], 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("malformed grpc-timeout: %q", s)
	}
	if v > math.MaxInt64/int64(unit) {
		// clamp values that overflow a time.Duration
		return time.Duration(math.MaxInt64), nil
	}
	return time.Duration(v) * unit, nil
}

// EncodeTimeout formats a grpc-timeout header value, in milliseconds. The
// result is never less than one millisecond.
func EncodeTimeout(d time.Duration) string {
	millis := int64(d / time.Millisecond)
	if millis <= 0 {
		millis = 1
	}
	return fmt.Sprintf("%dm", millis)
}
