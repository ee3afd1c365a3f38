package keysight

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/snoplus/pmtcal/oscilloscope"
)

func TestDecodeWordsSigned(t *testing.T) {
	buf := make([]byte, 6)
	binary.LittleEndian.PutUint16(buf[0:], uint16(0xFFFF)) // -1
	binary.LittleEndian.PutUint16(buf[2:], 100)
	binary.LittleEndian.PutUint16(buf[4:], uint16(0x8000)) // -32768
	out := decodeWords(buf, false).([]int16)
	assert.Equal(t, []int16{-1, 100, -32768}, out)
}

func TestDecodeWordsUnsigned(t *testing.T) {
	buf := []byte{0x01, 0x00, 0xFF, 0xFF}
	out := decodeWords(buf, true).([]uint16)
	assert.Equal(t, []uint16{1, 65535}, out)
}

func TestTriggerPositionCmd(t *testing.T) {
	assert.Equal(t, ":TIMebase:REFerence:PERCent 20", triggerPositionCmd(20))
	assert.Equal(t, ":TIMebase:REFerence:PERCent 13", triggerPositionCmd(12.6))
}

var _ oscilloscope.Scope = (*Scope)(nil)
var _ oscilloscope.TriggerPositioner = (*Scope)(nil)
