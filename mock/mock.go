// Package mock contains simulated instruments for rehearsing a sweep without
// hardware.  The scope synthesizes PMT pulses whose charge follows an
// injected gain and photon count, so the calibration can be checked end to end.
package mock

import (
	"errors"
	"math"
	"sync"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/snoplus/pmtcal/calib"
	"github.com/snoplus/pmtcal/gain"
	"github.com/snoplus/pmtcal/oscilloscope"
	"github.com/snoplus/pmtcal/photon"
	"github.com/snoplus/pmtcal/pulser"
)

// ErrInjected is returned by a mock told to fail
var ErrInjected = errors.New("mock: injected instrument failure")

// Model is the light and PMT response the mocks share
type Model struct {
	// Gain is the PMT gain every pulse is drawn around
	Gain float64

	// Spread is the relative standard deviation of per-pulse charge
	Spread float64

	// Photons returns the mean photons per pulse at a width
	Photons func(ipw int) float64

	// PhotonError is the relative error reported for the photon count
	PhotonError float64
}

// DefaultModel is a TELLIE-like source that dims exponentially above IPW 7000
func DefaultModel() Model {
	return Model{
		Gain:        1e6,
		Spread:      0.05,
		PhotonError: 0.01,
		Photons: func(ipw int) float64 {
			return 2e4 * math.Exp(-float64(ipw-7000)/400)
		},
	}
}

// CalibrationRun builds the reference run the model implies for widths
func CalibrationRun(m Model, h photon.Header, widths []int) (*calib.Run, error) {
	run, err := calib.NewRun(h)
	if err != nil {
		return nil, err
	}
	e, err := h.Energy()
	if err != nil {
		return nil, err
	}
	for _, w := range widths {
		n := m.Photons(w)
		watts := n * e / h.PulseSeparationS
		row := calib.Row{
			IPW: w, PIN: int(n / 10), PINError: 1,
			PhotonCount: n, PhotonCountError: n * m.PhotonError,
			Watts: watts, WattsError: watts * m.PhotonError,
		}
		if err = run.Add(row); err != nil {
			return nil, err
		}
	}
	return run, nil
}

// Pulser is a simulated LED pulse source
type Pulser struct {
	sync.Mutex
	Channel  int
	Width    int
	DelayMS  float64
	Number   int
	Height   int
	Firing   bool
	Sequence int

	// Stops counts Stop calls
	Stops int

	// PINBusy is how many ReadPIN calls report no reading after each Fire
	PINBusy int

	// FailOn names a method that returns ErrInjected
	FailOn string

	Model Model
	busy  int
}

// NewPulser creates a new mock pulser
func NewPulser(m Model) *Pulser {
	return &Pulser{Model: m}
}

func (p *Pulser) fail(op string) error {
	if p.FailOn == op {
		return ErrInjected
	}
	return nil
}

// SelectChannel selects a channel
func (p *Pulser) SelectChannel(ch int) error {
	p.Lock()
	defer p.Unlock()
	p.Channel = ch
	return p.fail("SelectChannel")
}

// SetPulseWidth sets the width
func (p *Pulser) SetPulseWidth(ipw int) error {
	p.Lock()
	defer p.Unlock()
	if err := pulser.CheckIPW(ipw); err != nil {
		return err
	}
	p.Width = ipw
	return p.fail("SetPulseWidth")
}

// SetPulseDelay sets the separation in ms
func (p *Pulser) SetPulseDelay(ms float64) error {
	p.Lock()
	defer p.Unlock()
	p.DelayMS = ms
	return p.fail("SetPulseDelay")
}

// SetPulseNumber sets the sequence length
func (p *Pulser) SetPulseNumber(n int) error {
	p.Lock()
	defer p.Unlock()
	p.Number = n
	return p.fail("SetPulseNumber")
}

// SetPulseHeight sets the height code
func (p *Pulser) SetPulseHeight(h int) error {
	p.Lock()
	defer p.Unlock()
	p.Height = h
	return p.fail("SetPulseHeight")
}

// Fire emits one sequence
func (p *Pulser) Fire() error {
	p.Lock()
	defer p.Unlock()
	p.Sequence++
	p.busy = p.PINBusy
	return p.fail("Fire")
}

// FireContinuous starts firing
func (p *Pulser) FireContinuous() error {
	p.Lock()
	defer p.Unlock()
	p.Firing = true
	return p.fail("FireContinuous")
}

// Stop stops firing
func (p *Pulser) Stop() error {
	p.Lock()
	defer p.Unlock()
	p.Firing = false
	p.Stops++
	return p.fail("Stop")
}

// ReadPIN reports a PIN value proportional to the model's photon count
func (p *Pulser) ReadPIN() (pulser.PIN, bool, error) {
	p.Lock()
	defer p.Unlock()
	if err := p.fail("ReadPIN"); err != nil {
		return pulser.PIN{}, false, err
	}
	if p.busy > 0 {
		p.busy--
		return pulser.PIN{}, false, nil
	}
	n := 0.
	if p.Width > 0 {
		n = p.Model.Photons(p.Width)
	}
	return pulser.PIN{Value: int(n / 10), RMS: 1}, true, nil
}

// State returns the width and whether the source is firing
func (p *Pulser) State() (width int, firing bool) {
	p.Lock()
	defer p.Unlock()
	return p.Width, p.Firing
}

// Scope is a simulated oscilloscope watching a PMT lit by a mock Pulser
type Scope struct {
	sync.Mutex
	Pulser *Pulser
	Model  Model

	// DT and Samples set the record; the pulse rises over 2 ns from 5 ns
	// and falls over 4 ns
	DT      float64
	Samples int

	// ClipAt, if positive, is the most negative voltage the scope can record
	ClipAt float64

	// DropEvery makes every n-th GetWaveform a dropout
	DropEvery int

	// FailAfter makes acquisitions after the n-th return ErrInjected
	FailAfter int

	Scale, Position map[int]float64
	Trigger         float64
	TriggerPosition float64
	Acquisitions    int

	seq int
}

// NewScope creates a new mock scope lit by p
func NewScope(p *Pulser, m Model) *Scope {
	return &Scope{
		Pulser:   p,
		Model:    m,
		DT:       1e-10,
		Samples:  200,
		Scale:    map[int]float64{},
		Position: map[int]float64{},
	}
}

// SetVerticalScale records the scale in V
func (s *Scope) SetVerticalScale(ch int, v float64, u oscilloscope.Unit) error {
	volts, err := u.ToVolts(v)
	if err != nil {
		return err
	}
	s.Lock()
	defer s.Unlock()
	s.Scale[ch] = volts
	return nil
}

// SetVerticalPosition records the offset in V
func (s *Scope) SetVerticalPosition(ch int, v float64, u oscilloscope.Unit) error {
	volts, err := u.ToVolts(v)
	if err != nil {
		return err
	}
	s.Lock()
	defer s.Unlock()
	s.Position[ch] = volts
	return nil
}

// SetTrigger records the trigger level
func (s *Scope) SetTrigger(ch int, level float64, falling bool) error {
	s.Lock()
	defer s.Unlock()
	s.Trigger = level
	return nil
}

// SetTriggerPosition records the trigger position in percent
func (s *Scope) SetTriggerPosition(percent float64) error {
	s.Lock()
	defer s.Unlock()
	s.TriggerPosition = percent
	return nil
}

// AcquireSingle counts an acquisition
func (s *Scope) AcquireSingle() error {
	s.Lock()
	defer s.Unlock()
	s.Acquisitions++
	if s.FailAfter > 0 && s.Acquisitions > s.FailAfter {
		return ErrInjected
	}
	return nil
}

// spread returns a deterministic standard normal deviate for pulse i,
// spreading successive pulses over the distribution's quantiles
func spread(i int) float64 {
	const golden = 0.6180339887498949
	u := math.Mod((float64(i)+0.5)*golden, 1)
	return distuv.UnitNormal.Quantile(u)
}

// GetWaveform synthesizes the pulse for the pulser's current width
func (s *Scope) GetWaveform(ch int) (oscilloscope.Waveform, error) {
	s.Lock()
	defer s.Unlock()
	s.seq++
	if s.DropEvery > 0 && s.seq%s.DropEvery == 0 {
		return oscilloscope.Waveform{}, oscilloscope.ErrDropout
	}
	width, firing := s.Pulser.State()
	amp := make([]float64, s.Samples)
	if firing {
		q := s.Model.Gain * s.Model.Photons(width) * gain.ElementaryCharge
		q *= 1 + s.Model.Spread*spread(s.seq)
		s.triangle(amp, q)
	}
	return oscilloscope.Uniform(0, s.DT, amp), nil
}

// triangle draws a negative pulse of area q with knots on samples
func (s *Scope) triangle(amp []float64, q float64) {
	start := int(math.Round(5e-9 / s.DT))
	peak := start + int(math.Round(2e-9/s.DT))
	end := peak + int(math.Round(4e-9/s.DT))
	if end >= len(amp) {
		return
	}
	h := -2 * q / (float64(end-start) * s.DT)
	for i := start; i <= peak; i++ {
		amp[i] = h * float64(i-start) / float64(peak-start)
	}
	for i := peak; i <= end; i++ {
		amp[i] = h * float64(end-i) / float64(end-peak)
	}
	if s.ClipAt > 0 {
		for i := range amp {
			if amp[i] < -s.ClipAt {
				amp[i] = -s.ClipAt
			}
		}
	}
}

// PowerMeter is a simulated power meter seeing the mock pulser's light
type PowerMeter struct {
	Pulser *Pulser
	Model  Model
	Header photon.Header

	// Fail makes Read return ErrInjected
	Fail bool
}

// Read returns the average power the model implies, zero when dark
func (m *PowerMeter) Read() (float64, float64, error) {
	if m.Fail {
		return 0, 0, ErrInjected
	}
	width, firing := m.Pulser.State()
	if !firing {
		return 0, 0, nil
	}
	e, err := m.Header.Energy()
	if err != nil {
		return 0, 0, err
	}
	w := m.Model.Photons(width) * e / m.Header.PulseSeparationS
	return w, w * m.Model.PhotonError, nil
}
