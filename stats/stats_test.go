package stats

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// gaussianPopulation places n values at evenly spaced quantiles of a normal
func gaussianPopulation(n int, mu, sigma float64) []float64 {
	d := distuv.Normal{Mu: mu, Sigma: sigma}
	out := make([]float64, n)
	for i := range out {
		out[i] = d.Quantile((float64(i) + 0.5) / float64(n))
	}
	return out
}

func TestHistogramFitRecoversGaussian(t *testing.T) {
	x := gaussianPopulation(1000, 1.2e6, 2e5)
	s, err := HistogramFit(x, HistogramSpec{Bins: 40})
	require.NoError(t, err)
	assert.Equal(t, HistogramMode, s.Mode)
	assert.Equal(t, 1000, s.N)
	assert.InEpsilon(t, 1.2e6, s.Mean, 0.01)
	assert.InEpsilon(t, 2e5, s.Sigma, 0.1)
}

func TestHistogramFitIgnoresZeros(t *testing.T) {
	x := append(gaussianPopulation(500, -3e-12, 4e-13), make([]float64, 300)...)
	s, err := HistogramFit(x, HistogramSpec{Bins: 30})
	require.NoError(t, err)
	assert.Equal(t, 500, s.N)
	assert.InEpsilon(t, -3e-12, s.Mean, 0.02)
}

func TestHistogramFitFixedRange(t *testing.T) {
	x := append(gaussianPopulation(500, 10, 1), 1000, -1000)
	s, err := HistogramFit(x, HistogramSpec{Bins: 50, Min: 0, Max: 20})
	require.NoError(t, err)
	assert.Equal(t, 500, s.N)
	assert.InDelta(t, 10, s.Mean, 0.1)
}

func TestHistogramFitEmpty(t *testing.T) {
	_, err := HistogramFit(make([]float64, 10), HistogramSpec{Bins: 10})
	assert.True(t, errors.Is(err, ErrEmptyPopulation))
	_, err = HistogramFit(nil, HistogramSpec{})
	assert.True(t, errors.Is(err, ErrEmptyPopulation))
}

func TestHistogramFitSingleValue(t *testing.T) {
	s, err := HistogramFit([]float64{5, 5, 5}, HistogramSpec{Bins: 10})
	require.NoError(t, err)
	assert.Equal(t, 5., s.Mean)
	assert.Equal(t, 0., s.Sigma)
}

func TestWeightedAverage(t *testing.T) {
	s, err := WeightedAverage([]float64{1, 3}, []float64{1, 1})
	require.NoError(t, err)
	assert.InDelta(t, 2, s.Mean, 1e-12)
	assert.InDelta(t, 1, s.Sigma, 1e-12)

	// weights 1 and 4
	s, err = WeightedAverage([]float64{1, 3}, []float64{1, 0.5})
	require.NoError(t, err)
	assert.InDelta(t, 2.6, s.Mean, 1e-12)
	assert.Equal(t, WeightedMode, s.Mode)
}

func TestWeightedAverageIdempotent(t *testing.T) {
	v := []float64{1.1e6, 1.3e6, 0.9e6, 1.25e6}
	e := []float64{1e5, 2e5, 1.5e5, 0.5e5}
	a, err := WeightedAverage(v, e)
	require.NoError(t, err)
	b, err := WeightedAverage(v, e)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestWeightedAverageZeroErrorsFallBackToEqualWeights(t *testing.T) {
	s, err := WeightedAverage([]float64{1, 2, 6}, []float64{0, 1, 1})
	require.NoError(t, err)
	assert.InDelta(t, 3, s.Mean, 1e-12)
}

func TestWeightedAverageEmpty(t *testing.T) {
	_, err := WeightedAverage(nil, nil)
	assert.Equal(t, ErrEmptyPopulation, err)
}

func TestAggregatorSelectsMode(t *testing.T) {
	a := Aggregator{Threshold: 50, Histogram: HistogramSpec{Bins: 20}}
	s, err := a.Aggregate(gaussianPopulation(100, 5, 1), nil)
	require.NoError(t, err)
	assert.Equal(t, HistogramMode, s.Mode)

	s, err = a.Aggregate([]float64{4, 6}, []float64{1, 1})
	require.NoError(t, err)
	assert.Equal(t, WeightedMode, s.Mode)
}

func TestFitLineExact(t *testing.T) {
	x := []float64{0, 1, 2, 3, 4}
	y := []float64{2, 5, 8, 11, 14}
	f, err := FitLine(x, y, nil)
	require.NoError(t, err)
	assert.InDelta(t, 2, f.Params[0], 1e-9)
	assert.InDelta(t, 3, f.Params[1], 1e-9)
	assert.InDelta(t, 0, f.Chi2, 1e-12)
}

func TestFitLineWeighted(t *testing.T) {
	x := []float64{0, 1, 2, 3}
	y := []float64{1.1, 2.9, 5.2, 6.8}
	f, err := FitLine(x, y, []float64{0.1, 0.1, 0.1, 0.1})
	require.NoError(t, err)
	assert.InDelta(t, 1.94, f.Params[1], 1e-9)
	assert.Greater(t, f.Cov.At(1, 1), 0.)
}

func TestFitLineDegenerate(t *testing.T) {
	_, err := FitLine([]float64{1, 1, 1}, []float64{1, 2, 3}, nil)
	assert.Error(t, err)
	_, err = FitLine([]float64{1}, []float64{1}, nil)
	assert.True(t, errors.Is(err, ErrEmptyPopulation))
}

func TestConfidenceInterval(t *testing.T) {
	cov := mat.NewSymDense(2, []float64{4, 0, 0, 1})
	iv, err := ConfidenceInterval([]float64{2, -1}, cov, 12, 0.05)
	require.NoError(t, err)
	// t(10 dof, 0.975) = 2.2281
	assert.InDelta(t, 2-2*2.2281, iv[0].Lo, 1e-3)
	assert.InDelta(t, 2+2*2.2281, iv[0].Hi, 1e-3)
	assert.InDelta(t, -1+2.2281, iv[1].Hi, 1e-3)
	assert.Equal(t, 2., iv[0].Sigma)
}

func TestConfidenceIntervalNoDOF(t *testing.T) {
	cov := mat.NewSymDense(2, nil)
	_, err := ConfidenceInterval([]float64{1, 1}, cov, 2, 0.05)
	assert.Error(t, err)
}
