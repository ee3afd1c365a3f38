package sweep

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snoplus/pmtcal/archive"
	"github.com/snoplus/pmtcal/calib"
	"github.com/snoplus/pmtcal/gain"
	"github.com/snoplus/pmtcal/mock"
	"github.com/snoplus/pmtcal/oscilloscope"
	"github.com/snoplus/pmtcal/photon"
	"github.com/snoplus/pmtcal/powermeter"
	"github.com/snoplus/pmtcal/results"
)

var header = photon.Header{WavelengthNM: 505, PulseSeparationS: 1e-3, SampleRateHz: 10, TemperatureC: 21}

func testConfig(widths ...int) Config {
	cfg := DefaultConfig()
	cfg.Widths = widths
	cfg.PulsesPerSetting = 20
	cfg.SettleTime = 0
	cfg.AcquireRate = 0
	return cfg
}

type rig struct {
	model  mock.Model
	pulser *mock.Pulser
	scope  *mock.Scope
	lookup calib.Lookup
}

func newRig(t *testing.T, widths ...int) rig {
	m := mock.DefaultModel()
	p := mock.NewPulser(m)
	run, err := mock.CalibrationRun(m, header, widths)
	require.NoError(t, err)
	return rig{model: m, pulser: p, scope: mock.NewScope(p, m), lookup: calib.Lookup{Full: run}}
}

func (r rig) controller(cfg Config) *Controller {
	return New(cfg, Setup{PulserChannel: 3, PulseDelayMS: 1, PulseHeight: 16383, ScopeChannel: 1},
		r.pulser, r.scope, r.lookup, zerolog.Nop())
}

// peak is the amplitude of the mock's pulse with no spread
func (r rig) peak(ipw int) float64 {
	q := r.model.Gain * r.model.Photons(ipw) * gain.ElementaryCharge
	return -2 * q / 6e-9
}

func TestSweepEndToEnd(t *testing.T) {
	r := newRig(t, 7400, 7420, 7440)
	c := r.controller(testConfig(7400, 7420, 7440))

	tbl, err := c.Run(context.Background())
	require.NoError(t, err)
	state, _ := c.State()
	assert.Equal(t, Done, state)

	rows := tbl.Rows()
	require.Len(t, rows, 3)
	for i, ipw := range []int{7400, 7420, 7440} {
		res := rows[i]
		assert.Equal(t, ipw, res.IPW)
		assert.Equal(t, results.OK, res.Status)
		assert.Equal(t, 20, res.Pulses)
		assert.Zero(t, res.Dropouts)
		assert.InEpsilon(t, r.model.Gain, res.GainMean, 0.03)
		assert.InEpsilon(t, r.model.Photons(ipw), res.PhotonCount, 1e-9)
		assert.InDelta(t, 1.6e-9, res.RiseMean, 1e-11)
		assert.Less(t, res.ChargeMean, 0.)
	}
	assert.Len(t, tbl.Curve(), 3)

	assert.Equal(t, 3, r.pulser.Channel)
	assert.Equal(t, 20, r.pulser.Number)
	assert.Equal(t, 16383, r.pulser.Height)
	_, firing := r.pulser.State()
	assert.False(t, firing)
	assert.Equal(t, 60, r.scope.Acquisitions)
	// 7440 is in the [7301, 7450) profile
	assert.Equal(t, 0.5, r.scope.Scale[1])
	assert.Equal(t, 1.5, r.scope.Position[1])
}

func TestSweepAbortsOnCommFailure(t *testing.T) {
	r := newRig(t, 7400, 7420, 7440)
	r.scope.FailAfter = 25
	c := r.controller(testConfig(7400, 7420, 7440))

	tbl, err := c.Run(context.Background())
	var ice InstrumentCommError
	require.True(t, errors.As(err, &ice))
	assert.Equal(t, "scope", ice.Instrument)
	assert.ErrorIs(t, err, mock.ErrInjected)

	state, width := c.State()
	assert.Equal(t, Aborted, state)
	assert.Equal(t, 7420, width)
	require.Equal(t, 1, tbl.Len())
	assert.Equal(t, 7400, tbl.Rows()[0].IPW)
	_, firing := r.pulser.State()
	assert.False(t, firing, "pulser left firing after abort")
}

func TestSweepAbortsOnPulserFailure(t *testing.T) {
	r := newRig(t, 7400)
	r.pulser.FailOn = "FireContinuous"
	c := r.controller(testConfig(7400))

	_, err := c.Run(context.Background())
	var ice InstrumentCommError
	require.True(t, errors.As(err, &ice))
	assert.Equal(t, "pulser", ice.Instrument)
	assert.Equal(t, "fire continuous", ice.Op)
	assert.Zero(t, r.pulser.Stops, "failed pulser was sent stop")
}

func TestSweepStopsPulserWhenArchiveFails(t *testing.T) {
	r := newRig(t, 7400)
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	c := r.controller(testConfig(7400))
	c.Archive = archive.New(filepath.Join(blocker, "run"), c.RunID.String())

	_, err := c.Run(context.Background())
	require.Error(t, err)
	var ice InstrumentCommError
	assert.False(t, errors.As(err, &ice))
	state, _ := c.State()
	assert.Equal(t, Aborted, state)
	_, firing := r.pulser.State()
	assert.False(t, firing, "pulser left firing after abort")
}

func TestSweepHistogramPath(t *testing.T) {
	r := newRig(t, 7400)
	cfg := testConfig(7400)
	cfg.PulsesPerSetting = 1000
	require.Greater(t, cfg.PulsesPerSetting, cfg.HistogramThreshold)
	c := r.controller(cfg)

	tbl, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, tbl.Len())
	res := tbl.Rows()[0]
	assert.Equal(t, results.OK, res.Status)
	assert.Equal(t, 1000, res.Pulses)
	assert.InEpsilon(t, r.model.Gain, res.GainMean, 0.01)
	assert.Greater(t, res.GainSigma, 0.)
	assert.InDelta(t, 1.6e-9, res.RiseMean, 2e-11)
}

func TestSweepSetsTriggerPosition(t *testing.T) {
	r := newRig(t, 7400)
	c := r.controller(testConfig(7400))
	_, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 20., r.scope.TriggerPosition)
}

func TestSweepSkipsDropouts(t *testing.T) {
	r := newRig(t, 7400, 7420)
	r.scope.DropEvery = 5
	c := r.controller(testConfig(7400, 7420))

	tbl, err := c.Run(context.Background())
	require.NoError(t, err)
	for _, res := range tbl.Rows() {
		assert.Equal(t, 4, res.Dropouts)
		assert.Equal(t, 16, res.Pulses)
		assert.Equal(t, results.OK, res.Status)
	}
}

func TestSweepCancelledBetweenWidths(t *testing.T) {
	r := newRig(t, 7400, 7420)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := r.controller(testConfig(7400, 7420))

	tbl, err := c.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, tbl.Len())
	state, _ := c.State()
	assert.Equal(t, Aborted, state)
}

func TestSweepRejectsBadConfig(t *testing.T) {
	r := newRig(t, 7400)
	c := r.controller(testConfig())
	_, err := c.Run(context.Background())
	assert.Error(t, err)
	assert.Zero(t, r.scope.Acquisitions)
}

func TestAdaptiveTrigger(t *testing.T) {
	r := newRig(t, 7400, 7420)
	r.model.Spread = 0
	r.scope.Model = r.model
	cfg := testConfig(7400, 7420)
	cfg.AdaptiveTrigger = true
	c := r.controller(cfg)

	_, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.InEpsilon(t, cfg.TriggerFraction*r.peak(7400), r.scope.Trigger, 1e-9)
}

func TestAdaptiveTriggerAcrossCalibrationGap(t *testing.T) {
	// 7420 has no reference row but its pulses still set the next trigger
	r := newRig(t, 7400, 7440)
	r.model.Spread = 0
	r.scope.Model = r.model
	cfg := testConfig(7400, 7420, 7440)
	cfg.AdaptiveTrigger = true
	c := r.controller(cfg)

	tbl, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, results.CalibrationGap, tbl.Rows()[1].Status)
	assert.InEpsilon(t, cfg.TriggerFraction*r.peak(7420), r.scope.Trigger, 1e-9)
}

func TestFixedTrigger(t *testing.T) {
	r := newRig(t, 7400, 7420)
	c := r.controller(testConfig(7400, 7420))
	_, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, -0.2, r.scope.Trigger)
}

func TestSweepSaturatedWidthStaysOffCurve(t *testing.T) {
	r := newRig(t, 7400, 7420)
	r.scope.ClipAt = 0.1
	c := r.controller(testConfig(7400, 7420))

	tbl, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, tbl.Len())
	for _, res := range tbl.Rows() {
		assert.True(t, res.Saturated)
		assert.Equal(t, results.Saturated, res.Status)
	}
	assert.Empty(t, tbl.Curve())
}

type recordingSink struct {
	rows []results.SettingResult
}

func (s *recordingSink) Append(ctx context.Context, _ uuid.UUID, r results.SettingResult) error {
	s.rows = append(s.rows, r)
	return nil
}

func TestSweepArchivesAndAnalyzeReproduces(t *testing.T) {
	r := newRig(t, 7400, 7420)
	c := r.controller(testConfig(7400, 7420))
	c.Archive = archive.New(t.TempDir(), c.RunID.String())
	sink := &recordingSink{}
	c.Sinks = []Sink{sink}

	tbl, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, sink.rows, 2)

	again, err := Analyze(context.Background(), c.Archive, c.Reducer, nil, 20, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, tbl.Len(), again.Len())
	for i, want := range tbl.Rows() {
		got := again.Rows()[i]
		assert.Equal(t, want.IPW, got.IPW)
		assert.InEpsilon(t, want.GainMean, got.GainMean, 1e-12)
		assert.Equal(t, want.Pulses, got.Pulses)
	}
}

func TestAnalyzeCountsMissingPulsesAsDropouts(t *testing.T) {
	r := newRig(t, 7400)
	c := r.controller(testConfig(7400))
	c.Archive = archive.New(t.TempDir(), c.RunID.String())
	_, err := c.Run(context.Background())
	require.NoError(t, err)

	tbl, err := Analyze(context.Background(), c.Archive, c.Reducer, []int{7400}, 25, zerolog.Nop())
	require.NoError(t, err)
	res := tbl.Rows()[0]
	assert.Equal(t, 5, res.Dropouts)
	assert.Equal(t, 20, res.Pulses)
}

func TestReduceCalibrationGap(t *testing.T) {
	red := Reducer{Config: testConfig(7400), Lookup: calib.Lookup{}}
	got := red.Reduce(7400, nil)
	assert.Equal(t, results.CalibrationGap, got.Result.Status)
	assert.False(t, got.Result.OnCurve())

	pulse := oscilloscope.Uniform(0, 1e-10, []float64{0, 0, -0.1, -0.2, -0.1, 0, 0})
	got = red.Reduce(7400, []oscilloscope.Waveform{pulse, pulse})
	assert.Equal(t, results.CalibrationGap, got.Result.Status)
	assert.Equal(t, -0.2, got.MeanPeak)
}

func TestReduceEmpty(t *testing.T) {
	r := newRig(t, 7400)
	red := Reducer{Config: testConfig(7400), Lookup: r.lookup}
	got := red.Reduce(7400, nil)
	assert.Equal(t, results.Empty, got.Result.Status)
	assert.Zero(t, got.Result.Pulses)

	// flat records have no leading edge
	flat := oscilloscope.Uniform(0, 1e-10, make([]float64, 50))
	got = red.Reduce(7400, []oscilloscope.Waveform{flat, flat})
	assert.Equal(t, results.Empty, got.Result.Status)
	assert.Equal(t, 2, got.Invalid)
}

func TestReduceNoSignal(t *testing.T) {
	r := newRig(t, 7400)
	red := Reducer{Config: testConfig(7400), Lookup: r.lookup}
	// a bipolar pulse integrates to zero charge
	bipolar := oscilloscope.Uniform(0, 1e-10, []float64{0, -1, -2, -1, 0, 1, 2, 1, 0})
	got := red.Reduce(7400, []oscilloscope.Waveform{bipolar})
	assert.Equal(t, results.NoSignal, got.Result.Status)
	assert.Equal(t, 1, got.Result.Pulses)
	assert.Zero(t, got.Result.GainMean)
}

func TestPINCalibration(t *testing.T) {
	m := mock.DefaultModel()
	p := mock.NewPulser(m)
	p.PINBusy = 1
	pm := &mock.PowerMeter{Pulser: p, Model: m, Header: header}
	sampler := powermeter.NewSampler(pm, header, time.Millisecond, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sampler.Run(ctx)

	var buf bytes.Buffer
	cal := PINCalibration{
		Widths:      []int{7400, 7500},
		Setup:       Setup{PulserChannel: 2, PulseDelayMS: 1},
		Settle:      30 * time.Millisecond,
		PINAttempts: 3,
		Pulser:      p,
		Sampler:     sampler,
		Header:      header,
		Out:         &buf,
		Log:         zerolog.Nop(),
	}
	run, err := cal.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, []int{7400, 7500}, run.Widths())

	parsed, err := calib.ReadRun(&buf)
	require.NoError(t, err)
	assert.Equal(t, header.WavelengthNM, parsed.Header.WavelengthNM)
	for _, ipw := range []int{7400, 7500} {
		row, ok := parsed.Get(ipw)
		require.True(t, ok)
		assert.InEpsilon(t, m.Photons(ipw), row.PhotonCount, 1e-6)
		assert.Equal(t, int(m.Photons(ipw)/10), row.PIN)
	}
	assert.Equal(t, 2, p.Channel)
	_, firing := p.State()
	assert.False(t, firing)
}

func TestPINCalibrationMeterFailure(t *testing.T) {
	m := mock.DefaultModel()
	p := mock.NewPulser(m)
	pm := &mock.PowerMeter{Pulser: p, Model: m, Header: header, Fail: true}
	sampler := powermeter.NewSampler(pm, header, time.Millisecond, zerolog.Nop())
	require.Error(t, sampler.Run(context.Background()))

	cal := PINCalibration{Widths: []int{7400}, Setup: Setup{PulseDelayMS: 1}, Pulser: p, Sampler: sampler,
		Header: header, Log: zerolog.Nop()}
	_, err := cal.Run(context.Background())
	var ice InstrumentCommError
	require.True(t, errors.As(err, &ice))
	assert.Equal(t, "power meter", ice.Instrument)
	_, firing := p.State()
	assert.False(t, firing)
	assert.Equal(t, 1, p.Stops)
}

func TestPINCalibrationMonitorNeverReady(t *testing.T) {
	m := mock.DefaultModel()
	p := mock.NewPulser(m)
	p.PINBusy = 10
	cal := PINCalibration{Widths: []int{7400}, Setup: Setup{PulseDelayMS: 1}, PINAttempts: 2, Pulser: p,
		Header: header, Log: zerolog.Nop()}
	_, err := cal.Run(context.Background())
	var ice InstrumentCommError
	require.True(t, errors.As(err, &ice))
	assert.Equal(t, "read PIN", ice.Op)
	assert.Zero(t, p.Stops, "failed pulser was sent stop")
}

func TestPINCalibrationPulserFailureSendsNoStop(t *testing.T) {
	m := mock.DefaultModel()
	p := mock.NewPulser(m)
	p.FailOn = "ReadPIN"
	cal := PINCalibration{Widths: []int{7400}, Setup: Setup{PulseDelayMS: 1}, PINAttempts: 2, Pulser: p,
		Header: header, Log: zerolog.Nop()}
	_, err := cal.Run(context.Background())
	assert.ErrorIs(t, err, mock.ErrInjected)
	assert.Zero(t, p.Stops)
}

func TestPINCalibrationStopsOnCancel(t *testing.T) {
	m := mock.DefaultModel()
	p := mock.NewPulser(m)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cal := PINCalibration{Widths: []int{7400}, Setup: Setup{PulseDelayMS: 1}, Pulser: p, Header: header, Log: zerolog.Nop()}
	_, err := cal.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, p.Stops)
}

func TestPINCalibrationRejectsDelayMismatch(t *testing.T) {
	m := mock.DefaultModel()
	p := mock.NewPulser(m)
	var buf bytes.Buffer
	cal := PINCalibration{Widths: []int{7400}, Setup: Setup{PulseDelayMS: 2}, Pulser: p, Header: header,
		Out: &buf, Log: zerolog.Nop()}
	_, err := cal.Run(context.Background())
	assert.ErrorIs(t, err, ErrSeparationMismatch)
	assert.Zero(t, buf.Len())
	assert.Zero(t, p.Sequence)

	assert.Equal(t, 1., PulseDelayMS(header))
}
