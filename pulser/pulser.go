// Package pulser describes the LED pulse source the sweep drives
package pulser

import "fmt"

// MaxIPW is the largest pulse width code, IPW is a 14-bit integer
const MaxIPW = 1<<14 - 1

// PIN is a reading of the pulse source's photodiode monitor
type PIN struct {
	Value int     `json:"value"`
	RMS   float64 `json:"rms"`
}

// Source is an LED driver that can be stepped through pulse widths
type Source interface {
	SelectChannel(ch int) error
	SetPulseWidth(ipw int) error

	// SetPulseDelay sets the separation between pulses in ms
	SetPulseDelay(ms float64) error
	SetPulseNumber(n int) error

	// Fire emits the configured number of pulses
	Fire() error

	// FireContinuous emits pulses until Stop
	FireContinuous() error
	Stop() error

	// ReadPIN returns the monitor reading of the last sequence.  ok is false
	// when the source has no reading ready yet.
	ReadPIN() (pin PIN, ok bool, err error)
}

// HeightSetter is implemented by sources with an adjustable pulse height
type HeightSetter interface {
	SetPulseHeight(h int) error
}

// CheckIPW returns an error if ipw is not a 14-bit code
func CheckIPW(ipw int) error {
	if ipw < 0 || ipw > MaxIPW {
		return fmt.Errorf("pulser: ipw %d outside [0, %d]", ipw, MaxIPW)
	}
	return nil
}
