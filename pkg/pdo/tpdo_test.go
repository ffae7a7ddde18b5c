package pdo

import (
	"testing"

	canopen "github.com/canopen-go/canopen"
	"github.com/canopen-go/canopen/pkg/can/virtual"
	"github.com/canopen-go/canopen/pkg/emergency"
	"github.com/canopen-go/canopen/pkg/od"
	"github.com/stretchr/testify/assert"
)

func BenchmarkXxx(b *testing.B) {
	b.StopTimer()
	bus, err := virtual.NewVirtualCanBus("localhost:18888")
	bus.Connect()
	assert.Nil(b, err)
	bm := canopen.NewBusManager(bus)
	odict := od.NewOD()
	err = odict.AddTPDO(2)
	assert.Nil(b, err)
	tpdo, err := NewTPDO(bm, nil, odict, &emergency.EMCY{}, nil, odict.Index(0x1801), odict.Index(0x1A01), 0)
	assert.Nil(b, err)
	b.StartTimer()
	for n := 0; n < b.N; n++ {
		err := tpdo.send()
		assert.Nil(b, err)
	}

}
