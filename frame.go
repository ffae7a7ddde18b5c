package canopen

// Frame is a CAN frame as produced/consumed by the passive protocol engine.
// The engine never touches a bus directly: frames arrive via BusManager.Handle
// and leave via the Sender callback supplied to NewBusManager.
type Frame struct {
	ID    uint32 // 11-bit or 29-bit CAN identifier
	IsRTR bool
	IsExt bool
	DLC   uint8
	Data  [8]byte
}

// NewFrame builds a Frame with the first length bytes of data zeroed.
func NewFrame(id uint32, flags uint8, length uint8) Frame {
	return Frame{ID: id, DLC: length, IsRTR: flags&FlagRTR != 0, IsExt: flags&FlagExtended != 0}
}

const (
	FlagRTR      uint8 = 0x01
	FlagExtended uint8 = 0x02
)

// CanSffMask masks a standard 11-bit CAN identifier.
const CanSffMask uint32 = 0x7FF

// CanRtrFlag, folded into a subscription identifier, restricts the
// subscription to remote-transmission-request frames.
const CanRtrFlag uint32 = 0x40000000

// FrameListener receives CAN frames routed to it by a BusManager.
type FrameListener interface {
	Handle(frame Frame)
}

// IsIDRestricted reports whether canId falls in a CAN-ID range that cannot
// be freely assigned to a user-configured COB-ID: 0x000-0x07F (NMT and
// reserved), 0x101-0x180 (reserved), 0x581-0x5FF and 0x601-0x67F (default
// SDO channels), 0x6E0-0x6FF (reserved) and 0x701 upwards (NMT error
// control and reserved). The SYNC, EMCY, TIME and PDO ranges are not
// restricted.
func IsIDRestricted(canId uint16) bool {
	return canId <= 0x7f ||
		(canId >= 0x101 && canId <= 0x180) ||
		(canId >= 0x581 && canId <= 0x5FF) ||
		(canId >= 0x601 && canId <= 0x67F) ||
		(canId >= 0x6E0 && canId <= 0x6FF) ||
		canId >= 0x701
}

// CAN controller error-status bits, as reported by the host through
// BusManager.SetError and consumed by the EMCY service (see §4.5).
const (
	CanErrorTxWarning  uint16 = 0x0001
	CanErrorTxPassive  uint16 = 0x0002
	CanErrorTxBusOff   uint16 = 0x0004
	CanErrorTxOverflow uint16 = 0x0008
	CanErrorPdoLate    uint16 = 0x0080
	CanErrorRxWarning  uint16 = 0x0100
	CanErrorRxPassive  uint16 = 0x0200
	CanErrorRxOverflow uint16 = 0x0800
)
