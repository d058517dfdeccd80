package canalyst

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/kstaniek/go-canalyst-server/internal/metrics"
)

// On-the-wire USB protocol for the Canalyst-II. The format is
// reverse-engineered; all structures are little-endian, packed, and of
// fixed size. Every command and response occupies exactly one 64-byte
// bulk packet.

// USB identification. The vendor ID is Microchip's, presumably licensed
// as the adapter uses a PIC32.
const (
	USBVendorID  = 0x04D8
	USBProductID = 0x0053
)

// Structure sizes in bytes.
const (
	MessageSize     = 21 // one CAN message on the wire
	BufferSize      = 64 // message buffer: count byte + 3 message slots + pad
	CommandSize     = 64 // every command and response packet
	MessagesPerBuf  = 3
	msgStatusMinLen = CommandSize
)

// Command opcodes. There are likely more than this, just not known.
const (
	CommandInit          = 0x01 // init packet, no response
	CommandStart         = 0x02 // simple command, no response
	CommandStop          = 0x03 // simple command, no response
	CommandClearRxBuffer = 0x05 // simple command, no response
	CommandMessageStatus = 0x0A // simple command, responds with message status
	CommandCANStatus     = 0x0B // simple command, responds with CAN status
	CommandPreInit       = 0x13 // observed on wire with a long payload and a response, purpose unknown
)

// Flags for Message.SendType (can be ORed together).
const (
	SendTypeNoRetry = 1 // drop the message if transmission fails first time
	SendTypeEcho    = 2 // echo the message back as RX (echoed even if sending fails)
)

// ErrShortResponse is returned when the device delivers fewer bytes than
// the fixed response structure size.
var ErrShortResponse = errors.New("canalyst: short response")

// ErrMalformedBuffer is returned when a received message buffer carries a
// count outside 0..3.
var ErrMalformedBuffer = errors.New("canalyst: malformed message buffer")

// Message is one CAN message in the adapter's wire representation.
// Timestamp is the device clock in units of 100 microseconds and wraps
// at 2^32. TimeFlag has been observed as a constant 1. Only the first
// DataLen bytes of Data are valid payload.
type Message struct {
	ID        uint32
	Timestamp uint32
	TimeFlag  uint8
	SendType  uint8
	Remote    bool
	Extended  bool
	DataLen   uint8
	Data      [8]byte
}

func putBool(b *byte, v bool) {
	if v {
		*b = 1
	} else {
		*b = 0
	}
}

// putMessage serializes m into b[:MessageSize].
func putMessage(b []byte, m *Message) {
	binary.LittleEndian.PutUint32(b[0:4], m.ID)
	binary.LittleEndian.PutUint32(b[4:8], m.Timestamp)
	b[8] = m.TimeFlag
	b[9] = m.SendType
	putBool(&b[10], m.Remote)
	putBool(&b[11], m.Extended)
	b[12] = m.DataLen
	copy(b[13:21], m.Data[:])
}

// getMessage deserializes one message from b[:MessageSize].
func getMessage(b []byte) Message {
	var m Message
	m.ID = binary.LittleEndian.Uint32(b[0:4])
	m.Timestamp = binary.LittleEndian.Uint32(b[4:8])
	m.TimeFlag = b[8]
	m.SendType = b[9]
	m.Remote = b[10] != 0
	m.Extended = b[11] != 0
	m.DataLen = b[12]
	copy(m.Data[:], b[13:21])
	return m
}

// PackMessages packs msgs into consecutive 64-byte message buffers, three
// messages per buffer, in the order supplied. The final buffer may hold
// fewer than three; unused slots and padding are zeroed.
func PackMessages(msgs []Message) []byte {
	if len(msgs) == 0 {
		return nil
	}
	nbuf := (len(msgs) + MessagesPerBuf - 1) / MessagesPerBuf
	out := make([]byte, nbuf*BufferSize)
	for i := range msgs {
		buf := out[(i/MessagesPerBuf)*BufferSize:]
		buf[0]++ // count
		putMessage(buf[1+(i%MessagesPerBuf)*MessageSize:], &msgs[i])
	}
	return out
}

// UnpackBuffers walks data as a sequence of 64-byte message buffers and
// invokes onMsg for each valid message (first count slots of each buffer,
// buffer order then slot order). Trailing bytes that do not form a whole
// buffer are ignored; the device always transfers whole buffers.
// Returns the number of messages delivered.
func UnpackBuffers(data []byte, onMsg func(Message)) (int, error) {
	var n int
	for len(data) >= BufferSize {
		buf := data[:BufferSize]
		data = data[BufferSize:]
		count := int(int8(buf[0]))
		if count < 0 || count > MessagesPerBuf {
			metrics.IncMalformed()
			return n, fmt.Errorf("%w: count %d", ErrMalformedBuffer, count)
		}
		for i := 0; i < count; i++ {
			onMsg(getMessage(buf[1+i*MessageSize:]))
			n++
		}
	}
	return n, nil
}

// encodeSimpleCommand builds a 64-byte command packet holding only the
// opcode; the rest is zero padding.
func encodeSimpleCommand(opcode uint32) []byte {
	b := make([]byte, CommandSize)
	binary.LittleEndian.PutUint32(b[0:4], opcode)
	return b
}

// Acceptance filter and mode constants for the init packet. These are
// fixed placeholder values preserved verbatim from observed firmware
// traffic; their semantics are unverified, so they are not configurable.
// Setting mode to 1 has been seen to crash the device.
const (
	initAccCode  = 0x00000001
	initAccMask  = 0xFFFFFFFF
	initFilter   = 0x00000001 // CANPro uses 1 for "SingleFilter", 0 for "DualFilter"
	initMode     = 0x00000000
	initTrailing = 0x00000001 // always 1, function unknown
)

// encodeInitCommand builds the 64-byte init packet programming the given
// raw bit timing registers.
func encodeInitCommand(timing0, timing1 uint32) []byte {
	b := make([]byte, CommandSize)
	binary.LittleEndian.PutUint32(b[0:4], CommandInit)
	binary.LittleEndian.PutUint32(b[4:8], initAccCode)
	binary.LittleEndian.PutUint32(b[8:12], initAccMask)
	// b[12:16] unknown, zero
	binary.LittleEndian.PutUint32(b[16:20], initFilter)
	// b[20:24] unknown, zero
	binary.LittleEndian.PutUint32(b[24:28], timing0)
	binary.LittleEndian.PutUint32(b[28:32], timing1)
	binary.LittleEndian.PutUint32(b[32:36], initMode)
	binary.LittleEndian.PutUint32(b[36:40], initTrailing)
	return b
}

// MessageStatus is the response to CommandMessageStatus: how many
// messages the hardware has buffered in each direction.
type MessageStatus struct {
	Command   uint32
	RxPending uint32
	TxPending uint16
	// Unknown was once observed as 1, possibly a failed-send indicator,
	// possibly a firmware bug. Passed through uninterpreted.
	Unknown uint16
}

func parseMessageStatus(b []byte) (MessageStatus, error) {
	var s MessageStatus
	if len(b) < msgStatusMinLen {
		metrics.IncMalformed()
		return s, fmt.Errorf("%w: message status %d bytes, want %d", ErrShortResponse, len(b), msgStatusMinLen)
	}
	s.Command = binary.LittleEndian.Uint32(b[0:4])
	s.RxPending = binary.LittleEndian.Uint32(b[4:8])
	s.TxPending = binary.LittleEndian.Uint16(b[8:10])
	s.Unknown = binary.LittleEndian.Uint16(b[10:12])
	return s, nil
}

// CANStatus is the response to CommandCANStatus: a snapshot of eight
// hardware registers. The field names come from the vendor DLL structure
// and may not be accurate; values are passed through uninterpreted.
type CANStatus struct {
	Command      uint32
	ErrInterrupt uint32
	RegMode      uint32
	RegStatus    uint32
	RegALCapture uint32 // arbitration lost capture
	RegECCapture uint32 // error code capture
	RegEWLimit   uint32 // error warning limit
	RegRECounter uint32 // receive error counter
	RegTECounter uint32 // transmit error counter
}

func parseCANStatus(b []byte) (CANStatus, error) {
	var s CANStatus
	if len(b) < CommandSize {
		metrics.IncMalformed()
		return s, fmt.Errorf("%w: CAN status %d bytes, want %d", ErrShortResponse, len(b), CommandSize)
	}
	s.Command = binary.LittleEndian.Uint32(b[0:4])
	s.ErrInterrupt = binary.LittleEndian.Uint32(b[4:8])
	s.RegMode = binary.LittleEndian.Uint32(b[8:12])
	s.RegStatus = binary.LittleEndian.Uint32(b[12:16])
	s.RegALCapture = binary.LittleEndian.Uint32(b[16:20])
	s.RegECCapture = binary.LittleEndian.Uint32(b[20:24])
	s.RegEWLimit = binary.LittleEndian.Uint32(b[24:28])
	s.RegRECounter = binary.LittleEndian.Uint32(b[28:32])
	s.RegTECounter = binary.LittleEndian.Uint32(b[32:36])
	return s, nil
}
