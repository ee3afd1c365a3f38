// Package waveform reduces single PMT pulses to charge and timing figures and
// checks populations of pulses for clipping.
//
// PMT pulses are negative going.  Integrate keeps the sign of the input; the
// caller takes the magnitude when it forms a gain.
package waveform

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/snoplus/pmtcal/oscilloscope"
)

// ErrNoThresholdCrossing is returned by RiseTime when the leading edge never
// crosses the 10% or 90% level before the peak
var ErrNoThresholdCrossing = errors.New("waveform: no threshold crossing on leading edge")

// Integrate computes the trapezoidal integral of amplitude over time, in V s.
// The sample spacing is taken from the first two time samples.
func Integrate(w oscilloscope.Waveform) float64 {
	a := w.Amplitude
	if len(a) < 2 {
		return 0
	}
	dt := w.DT()
	var sum float64
	for i := 1; i < len(a); i++ {
		sum += a[i-1] + a[i]
	}
	return sum * dt / 2
}

// Peak returns the most negative amplitude and its index.  It returns -1 for
// an empty waveform.
func Peak(w oscilloscope.Waveform) (float64, int) {
	if len(w.Amplitude) == 0 {
		return 0, -1
	}
	idx := floats.MinIdx(w.Amplitude)
	return w.Amplitude[idx], idx
}

// RiseTime is the time between the leading edge crossing 10% and 90% of the
// peak, each crossing linearly interpolated between the bracketing samples
func RiseTime(w oscilloscope.Waveform) (float64, error) {
	peak, ip := Peak(w)
	if ip < 0 || peak >= 0 {
		return 0, ErrNoThresholdCrossing
	}
	t10, err := crossing(w, ip, 0.1*peak)
	if err != nil {
		return 0, err
	}
	t90, err := crossing(w, ip, 0.9*peak)
	if err != nil {
		return 0, err
	}
	return t90 - t10, nil
}

// crossing finds the first sample at or below level scanning from the start
// to the peak and interpolates the crossing time from the sample before it
func crossing(w oscilloscope.Waveform, peakIdx int, level float64) (float64, error) {
	a, t := w.Amplitude, w.Time
	for i := 0; i <= peakIdx; i++ {
		if a[i] > level {
			continue
		}
		if i == 0 {
			// already past the level on the first sample, no edge to bracket
			return 0, ErrNoThresholdCrossing
		}
		da := a[i] - a[i-1]
		if da == 0 {
			return t[i], nil
		}
		return t[i-1] + (level-a[i-1])*(t[i]-t[i-1])/da, nil
	}
	return 0, ErrNoThresholdCrossing
}

// ChargeError estimates the uncertainty of Integrate from the noise on the
// first baselineN samples: rms * dt * sqrt(len(w)).  Fewer than two baseline
// samples give zero.
func ChargeError(w oscilloscope.Waveform, baselineN int) float64 {
	n := len(w.Amplitude)
	if baselineN > n {
		baselineN = n
	}
	if baselineN < 2 {
		return 0
	}
	_, std := stat.PopMeanStdDev(w.Amplitude[:baselineN], nil)
	return std * math.Abs(w.DT()) * math.Sqrt(float64(n))
}

// SaturationConfig holds the clipping thresholds for one setting
type SaturationConfig struct {
	// TiedSamples is how many samples may share a pulse's minimum before
	// the pulse counts as clipped
	TiedSamples int `yaml:"TiedSamples"`

	// MaxClipped is how many clipped pulses a setting tolerates
	MaxClipped int `yaml:"MaxClipped"`
}

// DefaultSaturation flags a pulse with more than 4 samples at its minimum and
// a setting with more than 10 such pulses
var DefaultSaturation = SaturationConfig{TiedSamples: 4, MaxClipped: 10}

// Clipped counts the rows of amplitudes that have more than tied samples
// equal to the row minimum
func Clipped(amplitudes [][]float64, tied int) int {
	var clipped int
	for _, row := range amplitudes {
		if len(row) == 0 {
			continue
		}
		min := floats.Min(row)
		var n int
		for _, v := range row {
			if v == min {
				n++
			}
		}
		if n > tied {
			clipped++
		}
	}
	return clipped
}

// Saturated reports whether the population of pulses at one setting is clipped
func (c SaturationConfig) Saturated(amplitudes [][]float64) bool {
	return Clipped(amplitudes, c.TiedSamples) > c.MaxClipped
}
