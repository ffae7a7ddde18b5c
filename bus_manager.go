package canopen

import log "github.com/sirupsen/logrus"

// Sender transmits an outbound frame. It is the engine's only avenue to a
// physical bus; the engine never retries a failed send.
type Sender func(frame Frame) error

type subscription struct {
	id       uint32
	mask     uint32
	listener FrameListener
}

// BusManager is the frame dispatcher described in §4.6: it routes inbound
// frames to receivers registered by (can-id, mask) and brokers the outbound
// send callback. It does no I/O of its own and keeps no internal lock -
// the host must serialize calls into it per §5.
type BusManager struct {
	sender   Sender
	subs     []subscription
	canError uint16
}

// NewBusManager builds a dispatcher around a host-supplied send callback.
// sender may be nil until SetSender is called, e.g. while the host is still
// wiring up its transport.
func NewBusManager(sender Sender) *BusManager {
	return &BusManager{sender: sender}
}

// SetSender installs or replaces the outbound send callback.
func (bm *BusManager) SetSender(sender Sender) {
	bm.sender = sender
}

// Handle is the single entry point through which the host feeds an inbound
// CAN frame into the engine. It routes to every subscription whose
// (id, mask) matches, in registration order.
func (bm *BusManager) Handle(frame Frame) {
	key := frame.ID
	if frame.IsRTR {
		key |= CanRtrFlag
	}
	for _, sub := range bm.subs {
		mask := sub.mask
		if sub.id&CanRtrFlag != 0 {
			mask |= CanRtrFlag
		}
		if (key^sub.id)&mask == 0 {
			sub.listener.Handle(frame)
		}
	}
}

// Send transmits a frame via the host-supplied Sender.
func (bm *BusManager) Send(frame Frame) error {
	if bm.sender == nil {
		return ErrIllegalArgument
	}
	err := bm.sender(frame)
	if err != nil {
		log.Warnf("[CAN] send failed : %v", err)
	}
	return err
}

// Subscribe registers a receive filter: inbound frames whose ID matches
// ident under mask are routed to callback. rtr additionally folds the
// remote-transmission-request bit into the match key, matching only RTR
// frames carrying that identifier.
func (bm *BusManager) Subscribe(ident uint32, mask uint32, rtr bool, callback FrameListener) error {
	ident = ident & CanSffMask
	if rtr {
		ident |= CanRtrFlag
	}
	for _, sub := range bm.subs {
		if sub.id == ident && sub.mask == mask && sub.listener == callback {
			log.Warnf("[CAN] callback for frame id %x already added", ident)
			return nil
		}
	}
	bm.subs = append(bm.subs, subscription{id: ident, mask: mask, listener: callback})
	return nil
}

// Error returns the last CAN controller error status reported by the host.
func (bm *BusManager) Error() uint16 {
	return bm.canError
}

// SetError records the CAN controller error status; it is the host's avenue
// for surfacing bus-off/passive/warning conditions for the EMCY service to
// consume on its next Process call.
func (bm *BusManager) SetError(status uint16) {
	bm.canError = status
}
