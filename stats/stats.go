// Package stats reduces populations of per-pulse values to a mean and spread
// and fits trends across settings.
//
// Large populations are binned and fit with a single Gaussian.  Small,
// curated populations are combined with inverse-variance weights.
package stats

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"
)

// ErrEmptyPopulation is returned when there is nothing to reduce, or when a
// fit cannot be made to what there is
var ErrEmptyPopulation = errors.New("stats: empty population")

// Mode names the reduction used for a Summary
type Mode string

const (
	// HistogramMode is a Gaussian fit to a binned population
	HistogramMode Mode = "histogram"

	// WeightedMode is an inverse-variance weighted average
	WeightedMode Mode = "weighted"
)

// Summary is the reduced form of a population
type Summary struct {
	Mean  float64 `json:"mean"`
	Sigma float64 `json:"sigma"`
	N     int     `json:"n"`
	Mode  Mode    `json:"mode"`
}

// HistogramSpec is the binning for a histogram fit.  When Max <= Min the range
// is taken from the smallest and largest nonzero value.
type HistogramSpec struct {
	Bins int     `yaml:"Bins"`
	Min  float64 `yaml:"Min"`
	Max  float64 `yaml:"Max"`
}

const defaultBins = 100

// nonzero returns the sorted values that are nonzero and finite and inside
// [lo, hi) when the range is fixed
func (h HistogramSpec) nonzero(values []float64) []float64 {
	fixed := h.Max > h.Min
	out := make([]float64, 0, len(values))
	for _, v := range values {
		if v == 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		if fixed && (v < h.Min || v >= h.Max) {
			continue
		}
		out = append(out, v)
	}
	sort.Float64s(out)
	return out
}

// HistogramFit bins the nonzero values of a population and fits a Gaussian,
// returning its mean and standard deviation
func HistogramFit(values []float64, h HistogramSpec) (Summary, error) {
	x := h.nonzero(values)
	if len(x) == 0 {
		return Summary{}, ErrEmptyPopulation
	}
	lo, hi := h.Min, h.Max
	if hi <= lo {
		lo, hi = x[0], x[len(x)-1]
		if hi == lo {
			return Summary{Mean: lo, N: len(x), Mode: HistogramMode}, nil
		}
		// stat.Histogram needs the largest value strictly inside the last bin
		hi += (hi - lo) * 1e-9
	}
	bins := h.Bins
	if bins <= 0 {
		bins = defaultBins
	}
	dividers := floats.Span(make([]float64, bins+1), lo, hi)
	counts := stat.Histogram(nil, dividers, x, nil)
	centers := make([]float64, bins)
	populated := 0
	for i := range centers {
		centers[i] = (dividers[i] + dividers[i+1]) / 2
		if counts[i] > 0 {
			populated++
		}
	}
	m0, s0 := stat.MeanStdDev(x, nil)
	if populated < 3 || s0 == 0 {
		// too narrow to constrain a width, the moments are the answer
		return Summary{Mean: m0, Sigma: s0, N: len(x), Mode: HistogramMode}, nil
	}
	mu, sigma, err := fitGaussian(centers, counts, m0, s0)
	if err != nil {
		return Summary{}, fmt.Errorf("%w: %v", ErrEmptyPopulation, err)
	}
	return Summary{Mean: mu, Sigma: sigma, N: len(x), Mode: HistogramMode}, nil
}

// fitGaussian minimizes chi-square of A exp(-(x-mu)^2/2s^2) against bin
// counts, with Neyman weights.  The fit runs in coordinates normalized by the
// population moments.
func fitGaussian(centers, counts []float64, m0, s0 float64) (mu, sigma float64, err error) {
	peak := floats.Max(counts)
	z := make([]float64, len(centers))
	for i, c := range centers {
		z[i] = (c - m0) / s0
	}
	chi2 := func(p []float64) float64 {
		a, m, s := p[0], p[1], p[2]
		if s == 0 {
			return math.Inf(1)
		}
		var sum float64
		for i := range z {
			d := (z[i] - m) / s
			model := a * peak * math.Exp(-d*d/2)
			r := counts[i] - model
			sum += r * r / math.Max(counts[i], 1)
		}
		return sum
	}
	p := optimize.Problem{Func: chi2}
	res, err := optimize.Minimize(p, []float64{1, 0, 1}, &optimize.Settings{FuncEvaluations: 5000}, &optimize.NelderMead{})
	if res == nil {
		return 0, 0, err
	}
	m, s := res.X[1], math.Abs(res.X[2])
	if math.IsNaN(m) || math.IsNaN(s) || math.IsInf(m, 0) || math.IsInf(s, 0) || s == 0 {
		return 0, 0, fmt.Errorf("gaussian fit diverged: %v", res.Status)
	}
	return m0 + m*s0, s * s0, nil
}

// WeightedAverage combines values with weights of 1/err^2.  If any error is
// not positive, every value is weighted equally.  Sigma is the square root of
// the weighted population variance.
func WeightedAverage(values, errs []float64) (Summary, error) {
	if len(values) == 0 {
		return Summary{}, ErrEmptyPopulation
	}
	if len(errs) != len(values) {
		return Summary{}, fmt.Errorf("stats: %d values but %d errors", len(values), len(errs))
	}
	w := make([]float64, len(errs))
	for i, e := range errs {
		if !(e > 0) || math.IsInf(e, 0) {
			w = nil
			break
		}
		w[i] = 1 / (e * e)
	}
	mean, variance := stat.PopMeanVariance(values, w)
	return Summary{Mean: mean, Sigma: math.Sqrt(variance), N: len(values), Mode: WeightedMode}, nil
}

// Aggregator picks the reduction for a population by its size
type Aggregator struct {
	// Threshold is the smallest population that is histogram-fit
	Threshold int
	Histogram HistogramSpec
}

// Aggregate reduces values, with errs used only in weighted mode
func (a Aggregator) Aggregate(values, errs []float64) (Summary, error) {
	if len(values) >= a.Threshold {
		return HistogramFit(values, a.Histogram)
	}
	return WeightedAverage(values, errs)
}
