package can

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

// Frame is the neutral CAN frame holder used between the adapter backend,
// the hub and the TCP codec. CANID carries EFF/RTR/ERR flags in its upper
// bits like SocketCAN. Len is the payload length (0..8); only the first
// Len bytes of Data are valid.
type Frame struct {
	CANID uint32
	Len   uint8
	Data  [8]byte
}

func (f Frame) CopyShallow() Frame { // handy for tests
	var g Frame
	g.CANID, g.Len = f.CANID, f.Len
	copy(g.Data[:], f.Data[:])
	return g
}
