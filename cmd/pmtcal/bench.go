package main

import (
	"math"

	"github.com/rs/zerolog"

	"github.com/snoplus/pmtcal/calib"
	"github.com/snoplus/pmtcal/keysight"
	"github.com/snoplus/pmtcal/mock"
	"github.com/snoplus/pmtcal/oscilloscope"
	"github.com/snoplus/pmtcal/photon"
	"github.com/snoplus/pmtcal/powermeter"
	"github.com/snoplus/pmtcal/pulser"
	"github.com/snoplus/pmtcal/sweep"
	"github.com/snoplus/pmtcal/tellie"
	"github.com/snoplus/pmtcal/thorlabs"
)

// bench is the set of instruments a command runs against
type bench struct {
	Pulser pulser.Source
	Scope  oscilloscope.Scope
	Meter  powermeter.Driver

	// Temperature and Pedestal are the meter's sensor temperature in C and
	// dark zero in W, nil when not measured
	Temperature *float64
	Pedestal    *float64

	closers []func() error
}

func (b *bench) Close(log zerolog.Logger) {
	for _, c := range b.closers {
		if err := c(); err != nil {
			log.Warn().Err(err).Msg("closing instrument")
		}
	}
}

// openBench connects to the instruments, or builds mocks of them
func openBench(c Config, withScope, withMeter bool, log zerolog.Logger) (*bench, error) {
	b := &bench{}
	if c.Mock {
		m := mock.DefaultModel()
		p := mock.NewPulser(m)
		b.Pulser = p
		if withScope {
			b.Scope = mock.NewScope(p, m)
		}
		if withMeter {
			b.Meter = &mock.PowerMeter{Pulser: p, Model: m, Header: c.Calibration.Header}
		}
		log.Warn().Msg("using mock instruments")
		return b, nil
	}

	tp := tellie.NewPulser(c.Pulser.Addr, c.Pulser.Serial)
	if err := tp.Open(); err != nil {
		return nil, err
	}
	b.Pulser = tp
	b.closers = append(b.closers, tp.Close)

	if withScope {
		scope := keysight.NewScope(c.Scope.Addr)
		if c.Scope.Timebase > 0 {
			if err := scope.SetTimebase(c.Scope.Timebase); err != nil {
				b.Close(log)
				return nil, err
			}
		}
		b.Scope = scope
	}

	if withMeter {
		pm, err := thorlabs.NewPM100(c.PowerMeter.SampleWindow)
		if err != nil {
			b.Close(log)
			return nil, err
		}
		b.closers = append(b.closers, pm.Close)
		pm.Short = func(n int) {
			log.Warn().Int("readings", n).Dur("window", pm.Window).Msg("power meter window held few readings")
		}
		id, err := pm.Identify()
		if err != nil {
			b.Close(log)
			return nil, err
		}
		if err = pm.Configure(c.Calibration.Header.WavelengthNM); err != nil {
			b.Close(log)
			return nil, err
		}
		if c.PowerMeter.Zero {
			z, err := pm.Zero(c.PowerMeter.Interval)
			if err != nil {
				b.Close(log)
				return nil, err
			}
			log.Info().Float64("zero", z).Msg("power meter zeroed")
			b.Pedestal = &z
		}
		if t, err := pm.Temperature(); err == nil {
			log.Info().Float64("temperature", t).Msg("power meter sensor")
			b.Temperature = &t
		} else {
			log.Warn().Err(err).Msg("could not read power meter temperature")
		}
		log.Info().Str("id", id).Msg("power meter connected")
		b.Meter = pm
	}
	return b, nil
}

// pinHeader is the header pincal writes: the configured wavelength and pulse
// separation, the rate the separation implies and what the bench measured
func pinHeader(c Config, b *bench) photon.Header {
	h := c.Calibration.Header
	if h.PulseSeparationS > 0 {
		h.SampleRateHz = int(math.Round(1 / h.PulseSeparationS))
	}
	if b.Temperature != nil {
		h.TemperatureC = *b.Temperature
	}
	if b.Pedestal != nil {
		h.PedestalW = *b.Pedestal
	}
	return h
}

// pinSetup fires the source at the header's pulse separation, which is what
// converts power to photons.  A different Pulser.PulseDelayMS is overridden.
func pinSetup(c Config, h photon.Header, log zerolog.Logger) sweep.Setup {
	delay := sweep.PulseDelayMS(h)
	if c.Pulser.PulseDelayMS != delay {
		log.Warn().Float64("configured", c.Pulser.PulseDelayMS).Float64("used", delay).
			Msg("pulse delay follows Calibration.Header.PulseSeparationS")
	}
	return sweep.Setup{
		PulserChannel: c.Pulser.Channel,
		PulseDelayMS:  delay,
		PulseHeight:   c.Pulser.PulseHeight,
	}
}

// lookup loads the reference runs.  Mock runs with no run files get one
// built from the mock model over the sweep's widths.
func lookup(c Config, log zerolog.Logger) (calib.Lookup, error) {
	var (
		l   calib.Lookup
		err error
	)
	if c.Mock {
		l.Full, err = mock.CalibrationRun(mock.DefaultModel(), c.Calibration.Header, c.Sweep.Widths)
		return l, err
	}
	if c.Calibration.FineRun != "" {
		if l.Fine, err = calib.ReadRunFile(c.Calibration.FineRun); err != nil {
			return l, err
		}
		log.Info().Str("file", c.Calibration.FineRun).Int("widths", len(l.Fine.Rows)).Msg("fine calibration run")
	}
	if c.Calibration.FullRun != "" {
		if l.Full, err = calib.ReadRunFile(c.Calibration.FullRun); err != nil {
			return l, err
		}
		log.Info().Str("file", c.Calibration.FullRun).Int("widths", len(l.Full.Rows)).Msg("full calibration run")
	}
	return l, nil
}
