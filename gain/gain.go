// Package gain forms PMT gain, electrons per detected photon, from an
// integrated charge and a photon count.
package gain

import "math"

// ElementaryCharge is e in C
const ElementaryCharge = 1.602176634e-19

// Estimator computes gain with a configurable charge quantum
type Estimator struct {
	// E is the charge of one electron in C, ElementaryCharge if zero
	E float64
}

// Estimate returns |charge|/(photons*e) and the error propagated in quadrature
// from the relative charge and photon errors.  A zero charge returns (0, 0),
// which callers treat as no signal.
func (est Estimator) Estimate(charge, chargeErr, photons, photonsErr float64) (g, gErr float64) {
	if charge == 0 || photons == 0 {
		return 0, 0
	}
	e := est.E
	if e == 0 {
		e = ElementaryCharge
	}
	g = math.Abs(charge) / (photons * e)
	gErr = g * math.Hypot(chargeErr/charge, photonsErr/photons)
	return g, gErr
}

// Estimate uses the default Estimator
func Estimate(charge, chargeErr, photons, photonsErr float64) (g, gErr float64) {
	return Estimator{}.Estimate(charge, chargeErr, photons, photonsErr)
}
