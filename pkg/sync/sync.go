package sync

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	canopen "github.com/canopen-go/canopen"
	"github.com/canopen-go/canopen/pkg/emergency"
	"github.com/canopen-go/canopen/pkg/od"
)

// SYNC implements the CiA 301 SYNC producer/consumer service. Like the other
// services in this module, it keeps no internal goroutines or locks: Handle
// is called synchronously for every received SYNC frame and Process must be
// called periodically by the host with the elapsed time since the last call.
type SYNC struct {
	*canopen.BusManager
	logger                      *slog.Logger
	subscribers                 []chan uint8
	emcy                        *emergency.EMCY
	rxToggle                    bool
	counterOverflow             uint8
	counter                     uint8
	isProducer                  bool
	cobId                       uint32
	syncCyclePeriodUs           uint32
	rawCommunicationCyclePeriod []byte
	syncWindowLengthUs          uint32 // Unused
	timer                       uint32 // producer: countdown, in us, to the next send; consumer: us elapsed since the last SYNC
	inTimeout                   bool
	isOperational               bool
	txBuffer                    canopen.Frame
}

// Handle [SYNC] related RX CAN frames
func (sync *SYNC) Handle(frame canopen.Frame) {
	if sync.counterOverflow == 0 {
		if frame.DLC != 0 {
			sync.processError(frame.DLC | 0x40)
			return
		}
	} else {
		if frame.DLC != 1 {
			sync.processError(frame.DLC | 0x80)
			return
		}
		sync.counter = frame.Data[0]
	}

	sync.rxToggle = !sync.rxToggle
	sync.notifySubscribers()
	sync.timer = 0

	if sync.inTimeout {
		sync.inTimeout = false
		sync.emcy.Error(false, emergency.EmSyncTimeOut, 0, 0)
		sync.logger.Warn("reset sync timeout error")
	}
}

func (sync *SYNC) SetOperational(operational bool) {
	sync.isOperational = operational
	if !operational {
		sync.inTimeout = false
		sync.counter = 0
	}
	sync.timer = 0
}

func (sync *SYNC) processError(errorCode uint8) {
	if errorCode != 0 {
		sync.emcy.Error(true, emergency.EmSyncLength, emergency.ErrSyncDataLength, uint32(errorCode))
		sync.logger.Warn("reception error", "error", errorCode)
	}
}

// SubscribeCounter returns a channel that receives the sync counter
// on every valid SYNC message
func (sync *SYNC) SubscribeCounter() chan uint8 {
	ch := make(chan uint8, 1)
	sync.subscribers = append(sync.subscribers, ch)
	return ch
}

// UnsubscribeCounter removes the subscriber channel and closes it
func (sync *SYNC) UnsubscribeCounter(ch chan uint8) {
	for i, sub := range sync.subscribers {
		if sub == ch {
			sync.subscribers = append(sync.subscribers[:i], sync.subscribers[i+1:]...)
			close(ch)
			return
		}
	}
}

func (sync *SYNC) notifySubscribers() {
	for _, ch := range sync.subscribers {
		select {
		case ch <- sync.counter:
		default:
			// Channel full, drop event
		}
	}
}

// Process advances the SYNC producer/consumer state machine by
// timeDifferenceUs, the elapsed time in microseconds since the last call.
// It should be invoked periodically by the host.
func (sync *SYNC) Process(timeDifferenceUs uint32, nmtIsOperational bool) {
	if sync.isOperational != nmtIsOperational {
		sync.SetOperational(nmtIsOperational)
	}
	if sync.syncCyclePeriodUs == 0 || !nmtIsOperational {
		return
	}

	if sync.isProducer {
		if sync.timer > timeDifferenceUs {
			sync.timer -= timeDifferenceUs
		} else {
			sync.send()
			sync.timer = sync.syncCyclePeriodUs
		}
		return
	}

	// Consumer: allow some slack before declaring a timeout
	timeoutPeriod := sync.syncCyclePeriodUs + sync.syncCyclePeriodUs/2
	sync.timer += timeDifferenceUs
	if sync.timer >= timeoutPeriod && !sync.inTimeout {
		sync.inTimeout = true
		sync.emcy.Error(true, emergency.EmSyncTimeOut, emergency.ErrCommunication, sync.timer)
		sync.logger.Warn("timeout error", "timeoutUs", timeoutPeriod)
	}
}

func (sync *SYNC) send() {
	sync.counter += 1
	if sync.counter > sync.counterOverflow {
		sync.counter = 1
	}
	sync.rxToggle = !sync.rxToggle
	sync.txBuffer.Data[0] = sync.counter
	_ = sync.Send(sync.txBuffer)
}

func (sync *SYNC) Counter() uint8 {
	return sync.counter
}

func (sync *SYNC) RxToggle() bool {
	return sync.rxToggle
}

func (sync *SYNC) CounterOverflow() uint8 {
	return sync.counterOverflow
}

func NewSYNC(
	bm *canopen.BusManager,
	logger *slog.Logger,
	emergency *emergency.EMCY,
	entry1005 *od.Entry,
	entry1006 *od.Entry,
	entry1007 *od.Entry,
	entry1019 *od.Entry,
) (*SYNC, error) {

	if logger == nil {
		logger = slog.Default()
	}

	sync := &SYNC{BusManager: bm, logger: logger.With("service", "SYNC")}
	if entry1005 == nil {
		return nil, canopen.ErrIllegalArgument
	}

	cobIdSync, err := entry1005.Uint32(0)
	if err != nil {
		sync.logger.Error("error reading COB-ID",
			"index", fmt.Sprintf("x%x", entry1005.Index),
			"name", entry1005.Name,
		)
		return nil, canopen.ErrOdParameters
	}
	entry1005.AddExtension(sync, od.ReadEntryDefault, writeEntry1005)

	if entry1006 == nil {
		sync.logger.Error("not found", "index", "x1006", "name", "COMM CYCLE PERIOD")
		return nil, canopen.ErrOdParameters
	} else if entry1007 == nil {
		sync.logger.Error("not found", "index", "x1007", "name", "SYNCHRONOUS WINDOW LENGTH not found")
		return nil, canopen.ErrOdParameters
	}

	entry1006.AddExtension(sync, od.ReadEntryDefault, writeEntry1006)
	commCyclePeriod, err := entry1006.Uint32(0)
	if err != nil {
		sync.logger.Error("read error", "index", "x1006", "name", entry1006.Name, "error", err)
		return nil, canopen.ErrOdParameters
	}
	sync.syncCyclePeriodUs = commCyclePeriod
	sync.rawCommunicationCyclePeriod = make([]byte, 4)
	binary.LittleEndian.PutUint32(sync.rawCommunicationCyclePeriod, commCyclePeriod)
	sync.logger.Info("communication cycle period", "index", "x1006", "period", commCyclePeriod)

	entry1007.AddExtension(sync, od.ReadEntryDefault, writeEntry1007)
	syncWindowLength, err := entry1007.Uint32(0)
	if err != nil {
		sync.logger.Error("read error", "index", "x1007", "name", entry1007.Name, "error", err)
		return nil, canopen.ErrOdParameters
	}
	sync.syncWindowLengthUs = syncWindowLength
	sync.logger.Info("sync window length",
		"index", "x1007",
		"name", entry1007.Name,
		"window length", syncWindowLength,
	)

	// This one is not mandatory
	var syncCounterOverflow uint8 = 0
	if entry1019 != nil {
		syncCounterOverflow, err = entry1019.Uint8(0)
		if err != nil {
			sync.logger.Error("read error", "index", "x1019", "name", entry1019.Name)
			return nil, canopen.ErrOdParameters
		}
		if syncCounterOverflow == 1 {
			syncCounterOverflow = 2
		} else if syncCounterOverflow > 240 {
			syncCounterOverflow = 240
		}
		entry1019.AddExtension(sync, od.ReadEntryDefault, writeEntry1019)
		sync.logger.Info("sync counter overflow",
			"index", "x1019",
			"name", entry1019.Name,
			"counter overflow", syncCounterOverflow,
		)
	}
	sync.counterOverflow = syncCounterOverflow
	sync.emcy = emergency
	sync.isProducer = (cobIdSync & 0x40000000) != 0
	sync.cobId = cobIdSync & 0x7FF

	err = sync.Subscribe(sync.cobId, 0x7FF, false, sync)
	if err != nil {
		return nil, err
	}
	var frameSize uint8 = 0
	if syncCounterOverflow != 0 {
		frameSize = 1
	}

	sync.timer = sync.syncCyclePeriodUs
	sync.txBuffer = canopen.NewFrame(sync.cobId, 0, frameSize)
	sync.logger.Info("initialization finished")
	return sync, nil
}
