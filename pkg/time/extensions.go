package time

import (
	"encoding/binary"

	canopen "github.com/canopen-go/canopen"
	"github.com/canopen-go/canopen/pkg/od"
)

// [TIME] update cob id & if should be producer
func writeEntry1012(stream *od.Stream, data []byte, countWritten *uint16) error {
	if stream == nil || data == nil || stream.Subindex != 0 || countWritten == nil || len(data) != 4 {
		return od.ErrDevIncompat
	}
	time, ok := stream.Object.(*TIME)
	if !ok {
		return od.ErrDevIncompat
	}
	cobIdTimestamp := binary.LittleEndian.Uint32(data)
	canId := uint16(cobIdTimestamp & 0x7FF)
	canIdCurrent := uint16(time.cobId & 0x7FF)
	if (cobIdTimestamp&0x3FFFF800) != 0 || canopen.IsIDRestricted(canId) {
		return od.ErrInvalidValue
	}
	// COB-ID musn't change while producer or consumer is active
	if (time.isProducer || time.isConsumer) && canId != canIdCurrent {
		return od.ErrInvalidValue
	}
	time.isConsumer = (cobIdTimestamp & 0x80000000) != 0
	time.isProducer = (cobIdTimestamp & 0x40000000) != 0
	time.cobId = uint32(canId)

	return od.WriteEntryDefault(stream, data, countWritten)
}
