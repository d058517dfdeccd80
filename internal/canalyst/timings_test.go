package canalyst

import (
	"errors"
	"testing"
)

func TestTimingsTableComplete(t *testing.T) {
	if len(timings) != 18 {
		t.Fatalf("expected 18 supported bit rates, got %d", len(timings))
	}
}

func TestTimingsForKnownRates(t *testing.T) {
	tests := []struct {
		bitrate uint32
		t0, t1  uint32
	}{
		{5000, 0xBF, 0xFF},
		{33330, 0x09, 0x6F},
		{125000, 0x03, 0x1C},
		{500000, 0x00, 0x1C},
		{1000000, 0x00, 0x14},
	}
	for _, tc := range tests {
		t0, t1, err := TimingsFor(tc.bitrate)
		if err != nil {
			t.Fatalf("%d: %v", tc.bitrate, err)
		}
		if t0 != tc.t0 || t1 != tc.t1 {
			t.Fatalf("%d: got (%#x,%#x) want (%#x,%#x)", tc.bitrate, t0, t1, tc.t0, tc.t1)
		}
	}
}

func TestTimingsForUnsupported(t *testing.T) {
	for _, br := range []uint32{0, 123, 300000, 2000000} {
		if _, _, err := TimingsFor(br); !errors.Is(err, ErrUnsupportedBitrate) {
			t.Fatalf("%d: expected ErrUnsupportedBitrate, got %v", br, err)
		}
	}
}
