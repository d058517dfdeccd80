package canalyst

import "github.com/kstaniek/go-canalyst-server/internal/can"

// FromFrame maps a neutral CAN frame onto the adapter's wire message.
// SocketCAN-style EFF/RTR flag bits in the CANID become the extended and
// remote booleans; the identifier is masked accordingly.
func FromFrame(fr can.Frame) Message {
	m := Message{TimeFlag: 1}
	m.Extended = fr.CANID&can.CAN_EFF_FLAG != 0
	m.Remote = fr.CANID&can.CAN_RTR_FLAG != 0
	if m.Extended {
		m.ID = fr.CANID & can.CAN_EFF_MASK
	} else {
		m.ID = fr.CANID & can.CAN_SFF_MASK
	}
	n := fr.Len
	if n > 8 {
		n = 8
	}
	m.DataLen = n
	copy(m.Data[:], fr.Data[:n])
	return m
}

// Frame maps a received wire message back to the neutral representation,
// folding the extended/remote booleans into CANID flag bits.
func (m Message) Frame() can.Frame {
	var fr can.Frame
	fr.CANID = m.ID
	if m.Extended {
		fr.CANID = (m.ID & can.CAN_EFF_MASK) | can.CAN_EFF_FLAG
	} else {
		fr.CANID = m.ID & can.CAN_SFF_MASK
	}
	if m.Remote {
		fr.CANID |= can.CAN_RTR_FLAG
	}
	n := m.DataLen
	if n > 8 {
		n = 8
	}
	fr.Len = n
	copy(fr.Data[:], m.Data[:n])
	return fr
}
