package canalyst

import (
	"errors"
	"fmt"
)

// ErrUnsupportedBitrate is returned when a requested nominal bit rate has
// no known BTR register pair.
var ErrUnsupportedBitrate = errors.New("canalyst: unsupported bitrate")

// timings maps nominal bit rates to raw (BTR0, BTR1) register pairs, as
// programmed by the vendor software. Callers needing a rate outside this
// table supply raw timing values directly.
var timings = map[uint32][2]uint32{
	5000:    {0xBF, 0xFF},
	10000:   {0x31, 0x1C},
	20000:   {0x18, 0x1C},
	33330:   {0x09, 0x6F},
	40000:   {0x87, 0xFF},
	50000:   {0x09, 0x1C},
	66660:   {0x04, 0x6F},
	80000:   {0x83, 0xFF},
	83330:   {0x03, 0x6F},
	100000:  {0x04, 0x1C},
	125000:  {0x03, 0x1C},
	200000:  {0x81, 0xFA},
	250000:  {0x01, 0x1C},
	400000:  {0x80, 0xFA},
	500000:  {0x00, 0x1C},
	666000:  {0x80, 0xB6},
	800000:  {0x00, 0x16},
	1000000: {0x00, 0x14},
}

// TimingsFor resolves a nominal bit rate to its (BTR0, BTR1) pair.
func TimingsFor(bitrate uint32) (timing0, timing1 uint32, err error) {
	t, ok := timings[bitrate]
	if !ok {
		return 0, 0, fmt.Errorf("%w: %d", ErrUnsupportedBitrate, bitrate)
	}
	return t[0], t[1], nil
}
