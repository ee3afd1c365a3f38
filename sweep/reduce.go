package sweep

import (
	"errors"

	"github.com/snoplus/pmtcal/calib"
	"github.com/snoplus/pmtcal/gain"
	"github.com/snoplus/pmtcal/oscilloscope"
	"github.com/snoplus/pmtcal/results"
	"github.com/snoplus/pmtcal/stats"
	"github.com/snoplus/pmtcal/waveform"
)

// Reducer turns the waveforms of one width into a SettingResult
type Reducer struct {
	Config Config
	Lookup calib.Lookup
	Gain   gain.Estimator
}

// Reduction is a SettingResult and what the next width needs to know
type Reduction struct {
	Result results.SettingResult

	// MeanPeak is the mean minimum amplitude of the usable pulses, in V
	MeanPeak float64

	// Invalid is the number of pulses with no measurable rise
	Invalid int
}

type population struct {
	values, errs []float64
}

func (p *population) add(v, e float64) {
	p.values = append(p.values, v)
	p.errs = append(p.errs, e)
}

func (r Reducer) aggregator(h stats.HistogramSpec) stats.Aggregator {
	return stats.Aggregator{Threshold: r.Config.HistogramThreshold, Histogram: h}
}

// Reduce measures every pulse and aggregates the populations.  Failures that
// only invalidate this width are reported through Result.Status.  MeanPeak is
// filled whenever a pulse was measured, even for a calibration gap.
func (r Reducer) Reduce(ipw int, waves []oscilloscope.Waveform) Reduction {
	red := Reduction{Result: results.SettingResult{IPW: ipw, Status: results.OK}}
	res := &red.Result

	amps := make([][]float64, len(waves))
	for i, w := range waves {
		amps[i] = w.Amplitude
	}
	res.Saturated = r.Config.Saturation.Saturated(amps)

	var charge, rise population
	var peakSum float64
	for _, w := range waves {
		rt, err := waveform.RiseTime(w)
		if err != nil {
			red.Invalid++
			continue
		}
		charge.add(waveform.Integrate(w), waveform.ChargeError(w, r.Config.BaselineSamples))
		rise.add(rt, 0)
		peak, _ := waveform.Peak(w)
		peakSum += peak
	}
	res.Pulses = len(charge.values)
	if res.Pulses > 0 {
		red.MeanPeak = peakSum / float64(res.Pulses)
	}

	row, err := r.Lookup.Lookup(ipw)
	if err != nil {
		res.Status = results.CalibrationGap
		return red
	}
	res.PIN, res.PINError = float64(row.PIN), row.PINError
	res.PhotonCount, res.PhotonCountError = row.PhotonCount, row.PhotonCountError

	if res.Pulses == 0 {
		res.Status = results.Empty
		return red
	}

	cs, err := r.aggregator(r.Config.Histograms.Charge).Aggregate(charge.values, charge.errs)
	if err != nil {
		res.Status = results.Empty
		return red
	}
	res.ChargeMean, res.ChargeSigma = cs.Mean, cs.Sigma

	if rs, err := r.aggregator(r.Config.Histograms.Rise).Aggregate(rise.values, rise.errs); err == nil {
		res.RiseMean, res.RiseSigma = rs.Mean, rs.Sigma
	}

	var gn population
	for i, q := range charge.values {
		// zero gain is no signal and stays out of the gain population
		if g, gErr := r.Gain.Estimate(q, charge.errs[i], row.PhotonCount, row.PhotonCountError); g > 0 {
			gn.add(g, gErr)
		}
	}
	gs, err := r.aggregator(r.Config.Histograms.Gain).Aggregate(gn.values, gn.errs)
	switch {
	case errors.Is(err, stats.ErrEmptyPopulation):
		res.Status = results.NoSignal
	case err != nil:
		res.Status = results.Empty
	default:
		res.GainMean, res.GainSigma = gs.Mean, gs.Sigma
		if res.GainMean <= 0 {
			res.Status = results.NoSignal
		}
	}
	if res.Saturated {
		res.Status = results.Saturated
	}
	return red
}
