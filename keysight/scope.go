// Package keysight provides access to their oscilloscopes in Go
package keysight

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/snoplus/pmtcal/comm"
	"github.com/snoplus/pmtcal/oscilloscope"
	"github.com/snoplus/pmtcal/scpi"
)

var jumboFrameSize = 9000

// Scope is an interface to a keysight oscilloscope
type Scope struct {
	scpi.SCPI
}

// NewScope creates a new scope instance
func NewScope(addr string) *Scope {
	maker := comm.BackingOffTCPConnMaker(addr, 1*time.Second)
	pool := comm.NewPool(1, time.Hour, maker)
	return &Scope{scpi.SCPI{Pool: pool, Handshaking: true}}
}

// SetVerticalScale sets the vertical scale of a channel in volts per division
func (s *Scope) SetVerticalScale(channel int, value float64, unit oscilloscope.Unit) error {
	v, err := unit.ToVolts(value)
	if err != nil {
		return err
	}
	return s.Write(fmt.Sprintf(":CHANnel%d:SCALe %E", channel, v))
}

// SetVerticalPosition sets the vertical offset of a channel
func (s *Scope) SetVerticalPosition(channel int, value float64, unit oscilloscope.Unit) error {
	v, err := unit.ToVolts(value)
	if err != nil {
		return err
	}
	return s.Write(fmt.Sprintf(":CHANnel%d:OFFSet %E", channel, v))
}

// SetTrigger configures an edge trigger on a channel
func (s *Scope) SetTrigger(channel int, level float64, falling bool) error {
	slope := "POSitive"
	if falling {
		slope = "NEGative"
	}
	return s.Write(
		":TRIGger:MODE EDGE;",
		fmt.Sprintf(":TRIGger:EDGE:SOURce CHANnel%d;", channel),
		fmt.Sprintf(":TRIGger:EDGE:LEVel %E;", level),
		":TRIGger:EDGE:SLOPe", slope)
}

// SetTriggerPosition places the time reference, and so the trigger, percent
// of the way across the screen
func (s *Scope) SetTriggerPosition(percent float64) error {
	return s.Write(triggerPositionCmd(percent))
}

func triggerPositionCmd(percent float64) string {
	return fmt.Sprintf(":TIMebase:REFerence:PERCent %d", int(math.Round(percent)))
}

// SetTimebase sets the full timebase width of the scope in seconds
func (s *Scope) SetTimebase(fullWidth float64) error {
	return s.Write(fmt.Sprintf(":TIMebase:RANGe %E", fullWidth))
}

// GetTimebase returns the timebase width of the scope in seconds
func (s *Scope) GetTimebase() (float64, error) {
	return s.ReadFloat(":TIMebase:RANGe?")
}

// AcquireSingle digitizes one triggered record.  :DIGitize blocks on the scope
// until the acquisition completes.
func (s *Scope) AcquireSingle() error {
	timebase, err := s.GetTimebase()
	if err != nil {
		return err
	}
	if err = s.Write(":DIGitize"); err != nil {
		return err
	}
	time.Sleep(time.Duration(timebase * 1e9))
	return nil
}

// getBuffer transfers the data buffer from the scope handling all internal details
func (s *Scope) getBuffer() (ret []byte, err error) {
	conn, err := s.Pool.Get()
	if err != nil {
		return ret, err
	}
	defer func() { s.Pool.ReturnWithError(conn, err) }()
	if _, err = conn.Write([]byte(":WAVeform:DATA?\n")); err != nil {
		return ret, err
	}
	buf := make([]byte, jumboFrameSize)
	n, err := conn.Read(buf)
	if err != nil {
		return ret, err
	}
	if n < 2 {
		return ret, fmt.Errorf("response from scope was only %d bytes, expected >2", n)
	}
	if buf[0] != '#' {
		return ret, fmt.Errorf("first byte in response from scope was %v, expected #", buf[0])
	}
	nbytesText := int(buf[1]) - '0'
	upper := 2 + nbytesText
	dataBuf := buf[:n]
	nbytes, err := strconv.Atoi(string(dataBuf[2:upper]))
	if err != nil {
		return ret, err
	}
	dataBuf = dataBuf[upper:]
	for len(dataBuf) < nbytes+1 {
		more := make([]byte, jumboFrameSize)
		n, err = conn.Read(more)
		if err != nil {
			return ret, err
		}
		dataBuf = append(dataBuf, more[:n]...)
	}
	// pop off the terminator
	return dataBuf[:nbytes], nil
}

// GetWaveform transfers the last acquisition of a channel in volts
func (s *Scope) GetWaveform(channel int) (oscilloscope.Waveform, error) {
	var ret oscilloscope.Waveform
	err := s.Write(
		fmt.Sprintf(":WAVeform:SOURce CHANnel%d;", channel),
		":WAVeform:FORMat WORD;",
		":WAVeform:BYTeorder LSBFirst")
	if err != nil {
		return ret, err
	}
	dt, err := s.ReadFloat(":WAVeform:XINCrement?")
	if err != nil {
		return ret, err
	}
	t0, err := s.ReadFloat(":WAVeform:XORigin?")
	if err != nil {
		return ret, err
	}
	unsigned, err := s.ReadBool(":WAVeform:UNSigned?")
	if err != nil {
		return ret, err
	}
	yoff, err := s.ReadFloat(":WAVeform:YORigin?")
	if err != nil {
		return ret, err
	}
	yscale, err := s.ReadFloat(":WAVeform:YINCrement?")
	if err != nil {
		return ret, err
	}
	yref, err := s.ReadFloat(":WAVeform:YREFerence?")
	if err != nil {
		return ret, err
	}
	buf, err := s.getBuffer()
	if err != nil {
		return ret, err
	}
	if len(buf) < 4 {
		// an empty record means the trigger never fired for this pulse
		return ret, oscilloscope.ErrDropout
	}
	ch := oscilloscope.Channel{Scale: yscale, Offset: yoff, Reference: yref}
	ch.Data = decodeWords(buf, unsigned)
	amp, err := ch.Physical()
	if err != nil {
		return ret, err
	}
	return oscilloscope.Uniform(t0, dt, amp), nil
}

func decodeWords(buf []byte, unsigned bool) interface{} {
	n := len(buf) / 2
	if unsigned {
		out := make([]uint16, n)
		for i := range out {
			out[i] = binary.LittleEndian.Uint16(buf[2*i:])
		}
		return out
	}
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(buf[2*i:]))
	}
	return out
}

// Raw sends a command to the scope and returns a response if it was a query,
// else a blank string
func (s *Scope) Raw(str string) (string, error) {
	return s.SCPI.Raw(str)
}
