package grpccall

import (
	"math"
	"testing"
	"time"
)

func TestDecodeTimeout(t *testing.T) {
	testCases := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "1H", want: time.Hour},
		{in: "2M", want: 2 * time.Minute},
		{in: "30S", want: 30 * time.Second},
		{in: "150m", want: 150 * time.Millisecond},
		{in: "7u", want: 7 * time.Microsecond},
		{in: "99999999n", want: 99999999 * time.Nanosecond},
		{in: "0m", want: 0},
		{in: "2562047H", want: 2562047 * time.Hour},
		{in: "2562048H", want: time.Duration(math.MaxInt64)},
		{in: "99999999H", want: time.Duration(math.MaxInt64)},
		{in: "99999999M", want: 99999999 * time.Minute},
		{in: "99999999S", want: 99999999 * time.Second},
		{in: "", wantErr: true},
		{in: "m", wantErr: true},
		{in: "10", wantErr: true},
		{in: "10x", wantErr: true},
		{in: "-1S", wantErr: true},
		{in: "1.5S", wantErr: true},
		{in: "123456789S", wantErr: true},
	}
	for _, tc := range testCases {
		got, err := DecodeTimeout(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("DecodeTimeout(%q): expected error, got %v", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("DecodeTimeout(%q): unexpected error: %v", tc.in, err)
		} else if got != tc.want {
			t.Errorf("DecodeTimeout(%q): expected %v, got %v", tc.in, tc.want, got)
		}
	}
}

func TestEncodeTimeout(t *testing.T) {
	testCases := []struct {
		in   time.Duration
		want string
	}{
		{in: 0, want: "1m"},
		{in: -time.Second, want: "1m"},
		{in: time.Microsecond, want: "1m"},
		{in: 1500 * time.Microsecond, want: "1m"},
		{in: 2 * time.Second, want: "2000m"},
	}
	for _, tc := range testCases {
		if got := EncodeTimeout(tc.in); got != tc.want {
			t.Errorf("EncodeTimeout(%v): expected %q, got %q", tc.in, tc.want, got)
		}
		if d, err := DecodeTimeout(EncodeTimeout(tc.in)); err != nil || d <= 0 {
			t.Errorf("EncodeTimeout(%v) did not round trip: %v, %v", tc.in, d, err)
		}
	}
}
