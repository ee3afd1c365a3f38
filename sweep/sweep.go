/*Package sweep drives a PMT gain calibration.

A Controller steps the LED pulse source through the configured widths.  For
each width it sets up the oscilloscope from the profile table, takes the
configured number of single-shot waveforms while the source fires, and reduces
them to one results.SettingResult:

	Idle -> Configuring(w) -> Acquiring(w) -> Reducing(w) -> Configuring(next) ... -> Done

A waveform the scope fails to deliver is a dropout and is skipped.  Any other
instrument failure is an InstrumentCommError and ends the sweep in Aborted,
with the results so far kept.  Cancellation is honored between widths only;
a started pulse batch always runs to completion.
*/
package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/snoplus/pmtcal/archive"
	"github.com/snoplus/pmtcal/calib"
	"github.com/snoplus/pmtcal/oscilloscope"
	"github.com/snoplus/pmtcal/pulser"
	"github.com/snoplus/pmtcal/results"
)

// State is a state of the sweep state machine
type State string

// states of a Controller
const (
	Idle        State = "idle"
	Configuring State = "configuring"
	Acquiring   State = "acquiring"
	Reducing    State = "reducing"
	Done        State = "done"
	Aborted     State = "aborted"
)

// InstrumentCommError is a failure talking to an instrument.  It is fatal to
// the sweep since the instrument's state is no longer known.
type InstrumentCommError struct {
	Instrument string
	Op         string
	Err        error
}

func (e InstrumentCommError) Error() string {
	return fmt.Sprintf("sweep: %s %s: %v", e.Instrument, e.Op, e.Err)
}

func (e InstrumentCommError) Unwrap() error {
	return e.Err
}

func commErr(instrument, op string, err error) error {
	if err == nil {
		return nil
	}
	return InstrumentCommError{Instrument: instrument, Op: op, Err: err}
}

// Sink receives each SettingResult as it is finalized
type Sink interface {
	Append(ctx context.Context, runID uuid.UUID, r results.SettingResult) error
}

// Setup holds the instrument parameters that do not change over a sweep
type Setup struct {
	PulserChannel int
	PulseDelayMS  float64
	PulseHeight   int
	ScopeChannel  int
}

// Controller runs one sweep.  It is not reusable.
type Controller struct {
	Config  Config
	Setup   Setup
	Pulser  pulser.Source
	Scope   oscilloscope.Scope
	Reducer Reducer

	// Archive, if not nil, receives every acquired waveform
	Archive *archive.Store

	Sinks []Sink
	Log   zerolog.Logger
	RunID uuid.UUID

	mu       sync.RWMutex
	state    State
	width    int
	table    results.Table
	lastPeak float64
}

// New creates a new controller with a fresh run ID
func New(cfg Config, setup Setup, src pulser.Source, scope oscilloscope.Scope, lookup calib.Lookup, log zerolog.Logger) *Controller {
	return &Controller{
		Config:  cfg,
		Setup:   setup,
		Pulser:  src,
		Scope:   scope,
		Reducer: Reducer{Config: cfg, Lookup: lookup},
		Log:     log,
		RunID:   uuid.New(),
		state:   Idle,
	}
}

// State returns the current state and the width it applies to
func (c *Controller) State() (State, int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state, c.width
}

func (c *Controller) set(s State, width int) {
	c.mu.Lock()
	c.state, c.width = s, width
	c.mu.Unlock()
}

// Table is the results table, filled as the sweep runs
func (c *Controller) Table() *results.Table {
	return &c.table
}

// Run performs the sweep.  The table is returned even when the sweep aborts.
func (c *Controller) Run(ctx context.Context) (*results.Table, error) {
	c.set(Configuring, 0)
	if err := c.Config.Validate(); err != nil {
		c.set(Aborted, 0)
		return &c.table, err
	}
	est := c.Config.Estimate()
	c.Log.Info().Str("run", c.RunID.String()).Int("widths", len(c.Config.Widths)).
		Dur("estimate", est).Time("finish", time.Now().Add(est)).Msg("sweep starting")

	if err := c.prepare(); err != nil {
		return c.abort(err)
	}
	start := time.Now()
	for _, ipw := range c.Config.Widths {
		if err := ctx.Err(); err != nil {
			return c.abort(err)
		}
		if err := c.step(ctx, ipw); err != nil {
			return c.abort(err)
		}
	}
	c.set(Done, 0)
	c.Log.Info().Str("run", c.RunID.String()).Dur("elapsed", time.Since(start)).
		Int("settings", c.table.Len()).Int("curve", len(c.table.Curve())).Msg("sweep done")
	return &c.table, nil
}

func (c *Controller) abort(err error) (*results.Table, error) {
	state, width := c.State()
	c.set(Aborted, width)
	stopAfterFailure(c.Pulser, err, c.Log)
	c.Log.Error().Err(err).Str("state", string(state)).Int("ipw", width).Msg("sweep aborted")
	return &c.table, err
}

// stopAfterFailure leaves the LED dark after err ended a run.  A pulser that
// itself failed is sent nothing more.
func stopAfterFailure(src pulser.Source, err error, log zerolog.Logger) {
	var ice InstrumentCommError
	if errors.As(err, &ice) && ice.Instrument == "pulser" {
		return
	}
	if serr := src.Stop(); serr != nil {
		log.Warn().Err(serr).Msg("could not stop pulser")
	}
}

func (c *Controller) prepare() error {
	p, s := c.Pulser, c.Setup
	if err := commErr("pulser", "select channel", p.SelectChannel(s.PulserChannel)); err != nil {
		return err
	}
	if err := commErr("pulser", "set pulse delay", p.SetPulseDelay(s.PulseDelayMS)); err != nil {
		return err
	}
	n := c.Config.PulsesPerSetting
	if n > 65535 {
		n = 65535
	}
	if err := commErr("pulser", "set pulse number", p.SetPulseNumber(n)); err != nil {
		return err
	}
	if hs, ok := p.(pulser.HeightSetter); ok && s.PulseHeight > 0 {
		if err := commErr("pulser", "set pulse height", hs.SetPulseHeight(s.PulseHeight)); err != nil {
			return err
		}
	}
	return nil
}

// step runs one width through Configuring, Acquiring and Reducing
func (c *Controller) step(ctx context.Context, ipw int) error {
	start := time.Now()
	if err := c.configure(ipw); err != nil {
		return err
	}
	waves, dropouts, err := c.acquire(ipw)
	if err != nil {
		return err
	}

	c.set(Reducing, ipw)
	red := c.Reducer.Reduce(ipw, waves)
	res := red.Result
	res.Dropouts = dropouts
	if red.MeanPeak < 0 {
		c.lastPeak = red.MeanPeak
	}
	if err := c.table.Append(res); err != nil {
		return err
	}
	for _, s := range c.Sinks {
		if err := s.Append(ctx, c.RunID, res); err != nil {
			c.Log.Error().Err(err).Int("ipw", ipw).Msg("result sink failed")
		}
	}
	logSetting(c.Log, res, red.Invalid, time.Since(start))
	return nil
}

func (c *Controller) configure(ipw int) error {
	c.set(Configuring, ipw)
	prof, err := c.Config.ProfileFor(ipw)
	if err != nil {
		return err
	}
	level := prof.TriggerLevel
	if c.Config.AdaptiveTrigger && c.lastPeak < 0 {
		level = c.Config.TriggerFraction * c.lastPeak
	}
	ch := c.Setup.ScopeChannel
	if err = commErr("pulser", "set pulse width", c.Pulser.SetPulseWidth(ipw)); err != nil {
		return err
	}
	if err = commErr("scope", "set vertical scale", c.Scope.SetVerticalScale(ch, prof.Scale, prof.ScaleUnit)); err != nil {
		return err
	}
	if err = commErr("scope", "set vertical position", c.Scope.SetVerticalPosition(ch, prof.Position, prof.PositionUnit)); err != nil {
		return err
	}
	if tp, ok := c.Scope.(oscilloscope.TriggerPositioner); ok && prof.TriggerPosition > 0 {
		if err = commErr("scope", "set trigger position", tp.SetTriggerPosition(prof.TriggerPosition)); err != nil {
			return err
		}
	}
	return commErr("scope", "set trigger", c.Scope.SetTrigger(ch, level, true))
}

// acquire fires the source continuously and takes PulsesPerSetting waveforms
func (c *Controller) acquire(ipw int) (waves []oscilloscope.Waveform, dropouts int, err error) {
	c.set(Acquiring, ipw)
	if err = commErr("pulser", "fire continuous", c.Pulser.FireContinuous()); err != nil {
		return nil, 0, err
	}
	time.Sleep(c.Config.SettleTime)

	lim := rate.NewLimiter(rate.Inf, 1)
	if c.Config.AcquireRate > 0 {
		lim = rate.NewLimiter(rate.Limit(c.Config.AcquireRate), 1)
	}
	// a pulse batch is not cancellable, so the limiter never sees the sweep's ctx
	bg := context.Background()
	ch := c.Setup.ScopeChannel
	waves = make([]oscilloscope.Waveform, 0, c.Config.PulsesPerSetting)
	for i := 0; i < c.Config.PulsesPerSetting; i++ {
		if err = lim.Wait(bg); err != nil {
			return nil, 0, err
		}
		if err = commErr("scope", "acquire", c.Scope.AcquireSingle()); err != nil {
			return nil, 0, err
		}
		w, err := c.Scope.GetWaveform(ch)
		if err == nil {
			err = w.Validate()
			if err != nil {
				err = fmt.Errorf("%w: %v", oscilloscope.ErrDropout, err)
			}
		}
		if errors.Is(err, oscilloscope.ErrDropout) {
			dropouts++
			c.Log.Debug().Int("ipw", ipw).Int("pulse", i).Err(err).Msg("dropout")
			continue
		}
		if err != nil {
			return nil, 0, commErr("scope", "get waveform", err)
		}
		if c.Archive != nil {
			if err := c.Archive.Save(ipw, i, w); err != nil {
				return nil, 0, fmt.Errorf("sweep: archiving pulse %d at %d: %w", i, ipw, err)
			}
		}
		waves = append(waves, w)
	}
	if err = commErr("pulser", "stop", c.Pulser.Stop()); err != nil {
		return nil, 0, err
	}
	return waves, dropouts, nil
}

// logSetting emits the per-width line, whatever the outcome
func logSetting(log zerolog.Logger, r results.SettingResult, invalid int, elapsed time.Duration) {
	ev := log.Info()
	if r.Status != results.OK {
		ev = log.Warn()
	}
	ev.Int("ipw", r.IPW).
		Str("status", string(r.Status)).
		Int("pulses", r.Pulses).
		Int("dropouts", r.Dropouts).
		Int("invalid", invalid).
		Float64("charge", r.ChargeMean).
		Float64("charge_sigma", r.ChargeSigma).
		Float64("rise", r.RiseMean).
		Float64("rise_sigma", r.RiseSigma).
		Float64("gain", r.GainMean).
		Float64("gain_sigma", r.GainSigma).
		Float64("photons", r.PhotonCount).
		Float64("photons_err", r.PhotonCountError).
		Dur("elapsed", elapsed).
		Msg("setting")
}
