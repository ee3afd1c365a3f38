// Package oscilloscope provides type and interface definitions for oscilloscopes
package oscilloscope

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDropout is returned when a single acquisition produced no usable record.
// It is recoverable: the pulse is skipped and the sweep continues.
var ErrDropout = errors.New("oscilloscope: acquisition dropout")

// Unit is a vertical unit understood by the scope profile table
type Unit string

const (
	// Volts is the base unit
	Volts Unit = "V"

	// Millivolts is 1e-3 V
	Millivolts Unit = "MV"
)

// ToVolts converts a value in u to volts
func (u Unit) ToVolts(v float64) (float64, error) {
	switch Unit(strings.ToUpper(string(u))) {
	case Volts, "":
		return v, nil
	case Millivolts:
		return v * 1e-3, nil
	default:
		return 0, fmt.Errorf("oscilloscope: unknown vertical unit %q", string(u))
	}
}

// Waveform is one acquired pulse: an ascending, uniformly spaced time axis
// and the sampled amplitude at each time, in seconds and volts.
type Waveform struct {
	Time      []float64 `json:"time"`
	Amplitude []float64 `json:"amplitude"`
}

// Uniform builds a waveform from a start time, a sample spacing and amplitudes
func Uniform(t0, dt float64, amplitude []float64) Waveform {
	t := make([]float64, len(amplitude))
	for i := range t {
		t[i] = t0 + float64(i)*dt
	}
	return Waveform{Time: t, Amplitude: amplitude}
}

// Len is the number of samples
func (w Waveform) Len() int {
	return len(w.Amplitude)
}

// DT is the sample spacing taken from the first two time samples, or zero
func (w Waveform) DT() float64 {
	if len(w.Time) < 2 {
		return 0
	}
	return w.Time[1] - w.Time[0]
}

// Validate checks the axes are paired and the time axis is ascending
func (w Waveform) Validate() error {
	if len(w.Time) != len(w.Amplitude) {
		return fmt.Errorf("oscilloscope: time axis has %d samples, amplitude has %d", len(w.Time), len(w.Amplitude))
	}
	if len(w.Time) < 2 {
		return fmt.Errorf("oscilloscope: waveform has %d samples, need at least 2", len(w.Time))
	}
	for i := 1; i < len(w.Time); i++ {
		if w.Time[i] <= w.Time[i-1] {
			return fmt.Errorf("oscilloscope: time axis not ascending at sample %d", i)
		}
	}
	return nil
}

// Scope is the capability set the acquisition sweep needs from an oscilloscope
type Scope interface {
	// SetVerticalScale sets the per-division vertical scale of a channel
	SetVerticalScale(channel int, value float64, unit Unit) error

	// SetVerticalPosition sets the vertical offset of a channel
	SetVerticalPosition(channel int, value float64, unit Unit) error

	// SetTrigger configures an edge trigger on channel at level volts
	SetTrigger(channel int, level float64, falling bool) error

	// AcquireSingle arms a single-shot acquisition and waits for it
	AcquireSingle() error

	// GetWaveform transfers the last acquisition of a channel.
	// A record that cannot be used is reported as ErrDropout.
	GetWaveform(channel int) (Waveform, error)
}

// TriggerPositioner is implemented by scopes that can move the trigger point
// within the record
type TriggerPositioner interface {
	// SetTriggerPosition places the trigger percent of the way into the record
	SetTriggerPosition(percent float64) error
}

// Channel represents a stream of raw ADC data.  To convert to physical units,
// compute (data-reference)*scale + offset
type Channel struct {
	// Data is the actual buffer, []int8, []uint8, []int16 or []uint16
	Data interface{}

	// Scale is the size of a single increment in Data's native dtype
	Scale float64

	// Offset is the offset applied to the data
	Offset float64

	// Reference is the reference value for the given channel in DN
	Reference float64
}

// Physical computes the data scaled to volts
func (c Channel) Physical() ([]float64, error) {
	conv := func(dn float64) float64 { return (dn-c.Reference)*c.Scale + c.Offset }
	switch v := c.Data.(type) {
	case []int8:
		ret := make([]float64, len(v))
		for i := range v {
			ret[i] = conv(float64(v[i]))
		}
		return ret, nil
	case []uint8:
		ret := make([]float64, len(v))
		for i := range v {
			ret[i] = conv(float64(v[i]))
		}
		return ret, nil
	case []int16:
		ret := make([]float64, len(v))
		for i := range v {
			ret[i] = conv(float64(v[i]))
		}
		return ret, nil
	case []uint16:
		ret := make([]float64, len(v))
		for i := range v {
			ret[i] = conv(float64(v[i]))
		}
		return ret, nil
	default:
		return nil, fmt.Errorf("oscilloscope: cannot convert %T to physical units", c.Data)
	}
}
