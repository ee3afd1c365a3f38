package stats

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// LinearFit is a straight line y = Params[0] + Params[1]*x
type LinearFit struct {
	Params []float64
	Cov    *mat.SymDense
	N      int
	Chi2   float64
}

// Eval evaluates the line at x
func (f LinearFit) Eval(x float64) float64 {
	return f.Params[0] + f.Params[1]*x
}

// FitLine performs a weighted least squares fit of a line.  yerr may be nil for
// equal weights.  The covariance is scaled by chi2/dof so intervals reflect
// the observed scatter.
func FitLine(x, y, yerr []float64) (LinearFit, error) {
	n := len(x)
	if n != len(y) || (yerr != nil && len(yerr) != n) {
		return LinearFit{}, errors.New("stats: fit inputs differ in length")
	}
	if n < 2 {
		return LinearFit{}, ErrEmptyPopulation
	}
	var s, sx, sxx, sy, sxy float64
	w := make([]float64, n)
	for i := range x {
		w[i] = 1
		if yerr != nil {
			if !(yerr[i] > 0) {
				return LinearFit{}, fmt.Errorf("stats: point %d has non-positive error %g", i, yerr[i])
			}
			w[i] = 1 / (yerr[i] * yerr[i])
		}
		s += w[i]
		sx += w[i] * x[i]
		sxx += w[i] * x[i] * x[i]
		sy += w[i] * y[i]
		sxy += w[i] * x[i] * y[i]
	}
	normal := mat.NewSymDense(2, []float64{s, sx, sx, sxx})
	var chol mat.Cholesky
	if ok := chol.Factorize(normal); !ok {
		return LinearFit{}, errors.New("stats: degenerate abscissa, cannot fit a line")
	}
	var params mat.VecDense
	if err := chol.SolveVecTo(&params, mat.NewVecDense(2, []float64{sy, sxy})); err != nil {
		return LinearFit{}, err
	}
	cov := mat.NewSymDense(2, nil)
	if err := chol.InverseTo(cov); err != nil {
		return LinearFit{}, err
	}
	fit := LinearFit{Params: []float64{params.AtVec(0), params.AtVec(1)}, N: n}
	for i := range x {
		r := y[i] - fit.Eval(x[i])
		fit.Chi2 += w[i] * r * r
	}
	if dof := n - 2; dof > 0 {
		cov.ScaleSym(fit.Chi2/float64(dof), cov)
	}
	fit.Cov = cov
	return fit, nil
}

// Interval is a parameter and its two sided confidence bounds
type Interval struct {
	Value float64
	Sigma float64
	Lo    float64
	Hi    float64
}

// ConfidenceInterval computes param +/- sigma*t(dof, alpha/2) for every
// parameter, with dof = n - len(params)
func ConfidenceInterval(params []float64, cov mat.Symmetric, n int, alpha float64) ([]Interval, error) {
	if cov.SymmetricDim() != len(params) {
		return nil, fmt.Errorf("stats: covariance is %dx%d for %d parameters", cov.SymmetricDim(), cov.SymmetricDim(), len(params))
	}
	dof := n - len(params)
	if dof <= 0 {
		return nil, fmt.Errorf("stats: %d points leave no degrees of freedom for %d parameters", n, len(params))
	}
	t := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: float64(dof)}.Quantile(1 - alpha/2)
	out := make([]Interval, len(params))
	for i, p := range params {
		sig := math.Sqrt(cov.At(i, i))
		out[i] = Interval{Value: p, Sigma: sig, Lo: p - sig*t, Hi: p + sig*t}
	}
	return out, nil
}
