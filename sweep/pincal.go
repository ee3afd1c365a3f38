package sweep

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/snoplus/pmtcal/calib"
	"github.com/snoplus/pmtcal/photon"
	"github.com/snoplus/pmtcal/powermeter"
	"github.com/snoplus/pmtcal/pulser"
)

// ErrSeparationMismatch is returned when the source would fire at a rate other
// than the one the power readings are converted with
var ErrSeparationMismatch = errors.New("sweep: pulse delay does not match header pulse separation")

// PulseDelayMS is the source pulse delay that gives the header's pulse separation
func PulseDelayMS(h photon.Header) float64 {
	return h.PulseSeparationS * 1e3
}

// PINCalibration measures the photon count of each width with the power meter
// and the source's PIN monitor, producing a reference calib.Run
type PINCalibration struct {
	Widths []int
	Setup  Setup

	// Settle is how long the source fires before the power reading is taken
	Settle time.Duration

	// PINAttempts bounds the ReadPIN calls per width, PINPoll spaces them
	PINAttempts int
	PINPoll     time.Duration

	Pulser  pulser.Source
	Sampler *powermeter.Sampler
	Header  photon.Header

	// Out, if not nil, receives the run file as it is written
	Out io.Writer
	Log zerolog.Logger
}

// readPIN polls the monitor until it has a reading
func (p *PINCalibration) readPIN() (pulser.PIN, error) {
	attempts := p.PINAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		pin, ok, err := p.Pulser.ReadPIN()
		if err != nil {
			return pin, commErr("pulser", "read PIN", err)
		}
		if ok {
			return pin, nil
		}
		time.Sleep(p.PINPoll)
	}
	return pulser.PIN{}, commErr("pulser", "read PIN", fmt.Errorf("no reading after %d attempts", attempts))
}

func (p *PINCalibration) prepare() error {
	s := p.Setup
	if err := commErr("pulser", "select channel", p.Pulser.SelectChannel(s.PulserChannel)); err != nil {
		return err
	}
	if err := commErr("pulser", "set pulse delay", p.Pulser.SetPulseDelay(s.PulseDelayMS)); err != nil {
		return err
	}
	if err := commErr("pulser", "set pulse number", p.Pulser.SetPulseNumber(100)); err != nil {
		return err
	}
	if hs, ok := p.Pulser.(pulser.HeightSetter); ok && s.PulseHeight > 0 {
		if err := commErr("pulser", "set pulse height", hs.SetPulseHeight(s.PulseHeight)); err != nil {
			return err
		}
	}
	// a dark sequence at width zero clears the PIN monitor
	if err := commErr("pulser", "set pulse width", p.Pulser.SetPulseWidth(0)); err != nil {
		return err
	}
	if err := commErr("pulser", "fire", p.Pulser.Fire()); err != nil {
		return err
	}
	dark, err := p.readPIN()
	if err != nil {
		return err
	}
	p.Log.Info().Int("pin", dark.Value).Float64("pin_rms", dark.RMS).Msg("dark fire")
	return nil
}

// Run measures every width.  Rows are written to Out as they are taken, so a
// failed run leaves a usable partial file.
func (p *PINCalibration) Run(ctx context.Context) (*calib.Run, error) {
	if len(p.Widths) == 0 {
		return nil, errors.New("sweep: no widths to calibrate")
	}
	for _, w := range p.Widths {
		if err := pulser.CheckIPW(w); err != nil {
			return nil, err
		}
	}
	if want := PulseDelayMS(p.Header); math.Abs(p.Setup.PulseDelayMS-want) > 1e-9*math.Abs(want) {
		return nil, fmt.Errorf("%w: delay %g ms, separation %g s", ErrSeparationMismatch, p.Setup.PulseDelayMS, p.Header.PulseSeparationS)
	}
	run, err := calib.NewRun(p.Header)
	if err != nil {
		return nil, err
	}
	if p.Out != nil {
		if err = calib.WriteHeader(p.Out, p.Header); err != nil {
			return run, err
		}
	}
	start := time.Now()
	if err = p.prepare(); err == nil {
		err = p.measureAll(ctx, run)
	}
	if err != nil {
		stopAfterFailure(p.Pulser, err, p.Log)
		return run, err
	}
	p.Log.Info().Dur("elapsed", time.Since(start)).Int("widths", len(run.Rows)).Msg("pin calibration done")
	return run, nil
}

func (p *PINCalibration) measureAll(ctx context.Context, run *calib.Run) error {
	for _, ipw := range p.Widths {
		if err := ctx.Err(); err != nil {
			return err
		}
		row, err := p.measure(ipw)
		if err != nil {
			return err
		}
		if err = run.Add(row); err != nil {
			return err
		}
		if p.Out != nil {
			if err = calib.AppendRow(p.Out, row); err != nil {
				return err
			}
		}
		p.Log.Info().Int("ipw", ipw).Int("pin", row.PIN).Float64("pin_rms", row.PINError).
			Float64("photons", row.PhotonCount).Float64("photons_err", row.PhotonCountError).
			Float64("watts", row.Watts).Float64("watts_err", row.WattsError).Msg("pin calibration")
	}
	return nil
}

func (p *PINCalibration) measure(ipw int) (calib.Row, error) {
	if err := commErr("pulser", "set pulse width", p.Pulser.SetPulseWidth(ipw)); err != nil {
		return calib.Row{}, err
	}
	fired := time.Now()
	if err := commErr("pulser", "fire continuous", p.Pulser.FireContinuous()); err != nil {
		return calib.Row{}, err
	}
	time.Sleep(p.Settle)
	if err := p.Sampler.Err(); err != nil {
		return calib.Row{}, commErr("power meter", "read", err)
	}
	r, ok := p.Sampler.Latest()
	if !ok {
		return calib.Row{}, commErr("power meter", "read", errors.New("no reading yet"))
	}
	if r.Time.Before(fired) {
		p.Log.Warn().Int("ipw", ipw).Time("reading", r.Time).Msg("power reading predates firing, settle time too short")
	}
	if err := commErr("pulser", "stop", p.Pulser.Stop()); err != nil {
		return calib.Row{}, err
	}
	if err := commErr("pulser", "fire", p.Pulser.Fire()); err != nil {
		return calib.Row{}, err
	}
	pin, err := p.readPIN()
	if err != nil {
		return calib.Row{}, err
	}
	return calib.Row{
		IPW: ipw, PIN: pin.Value, PINError: pin.RMS,
		PhotonCount: r.Photons, PhotonCountError: r.PhotonsErr,
		Watts: r.Watts, WattsError: r.WattsErr,
	}, nil
}
