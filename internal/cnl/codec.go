package cnl

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/kstaniek/go-canalyst-server/internal/can"
	"github.com/kstaniek/go-canalyst-server/internal/metrics"
)

// Codec encodes/decodes cannelloni-style frames on the client TCP
// stream. Stateless and safe for concurrent use.
type Codec struct{}

// ErrInvalidLength is returned when a frame length (DLC) is outside 0..8.
var ErrInvalidLength = errors.New("cannelloni: invalid length")

// ErrTruncatedFrame is returned when the underlying reader ends mid-frame.
var ErrTruncatedFrame = errors.New("cannelloni: truncated frame")

// Each frame on the wire is: 4-byte BE CANID (with flag bits), 1-byte
// length (lower 7 bits), then the payload.
const frameOverhead = 4 + 1

// Encode packs frames into a single wire packet.
func (c *Codec) Encode(frames []can.Frame) []byte {
	if len(frames) == 0 {
		return nil
	}
	var buf bytes.Buffer
	buf.Grow(len(frames) * (frameOverhead + 8))
	_, _ = c.EncodeTo(&buf, frames)
	return buf.Bytes()
}

// EncodeTo writes the wire representation of frames to w and returns bytes written.
func (c *Codec) EncodeTo(w io.Writer, frames []can.Frame) (int, error) {
	var total int
	var hdr [frameOverhead]byte
	for _, f := range frames {
		binary.BigEndian.PutUint32(hdr[:4], f.CANID)
		hdr[4] = f.Len
		n, err := w.Write(hdr[:])
		total += n
		if err != nil {
			return total, fmt.Errorf("cannelloni encode header: %w", err)
		}
		ln := int(f.Len & 0x7F)
		if ln > 8 {
			ln = 8
		}
		if ln > 0 {
			n, err = w.Write(f.Data[:ln])
			total += n
			if err != nil {
				return total, fmt.Errorf("cannelloni encode data: %w", err)
			}
		}
	}
	return total, nil
}

// Decode reads exactly one frame from r.
// It returns io.EOF if called at a clean frame boundary and no more data is available.
func (c *Codec) Decode(r io.Reader) (can.Frame, error) {
	var f can.Frame
	var idb [4]byte
	if _, err := io.ReadFull(r, idb[:]); err != nil {
		return f, err
	}
	f.CANID = binary.BigEndian.Uint32(idb[:])
	var lb [1]byte
	if _, err := io.ReadFull(r, lb[:]); err != nil {
		return f, err
	}
	ln := int(lb[0] & 0x7F) // high bit masked per protocol (future flags?)
	if ln > 8 {
		metrics.IncMalformed()
		return f, fmt.Errorf("cannelloni decode: %w (%d)", ErrInvalidLength, ln)
	}
	f.Len = uint8(ln)
	if ln > 0 {
		if _, err := io.ReadFull(r, f.Data[:ln]); err != nil {
			metrics.IncMalformed()
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return f, fmt.Errorf("cannelloni decode payload: %w", ErrTruncatedFrame)
			}
			return f, fmt.Errorf("cannelloni decode payload: %w", err)
		}
	}
	return f, nil
}

// DecodeN decodes up to max frames (if max>0) or until EOF (if max<=0) invoking onFrame for each.
// It returns the number of frames decoded and the terminal error (which can be io.EOF).
func (c *Codec) DecodeN(r io.Reader, max int, onFrame func(can.Frame)) (int, error) {
	var n int
	for max <= 0 || n < max {
		fr, err := c.Decode(r)
		if err != nil {
			return n, err
		}
		onFrame(fr)
		n++
	}
	return n, nil
}
