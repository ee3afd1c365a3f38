package gain

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimate(t *testing.T) {
	est := Estimator{E: 1.6e-19}
	g, gErr := est.Estimate(-2e-9, 0, 1e4, 0)
	assert.InEpsilon(t, 1.25e6, g, 1e-12)
	assert.Equal(t, 0., gErr)
}

func TestEstimateErrorQuadrature(t *testing.T) {
	est := Estimator{E: 1.6e-19}
	g, gErr := est.Estimate(-2e-9, 6e-11, 1e4, 400)
	// 3% and 4% relative errors add to 5%
	assert.InEpsilon(t, 0.05*g, gErr, 1e-9)
	assert.False(t, math.Signbit(gErr))
}

func TestEstimateZeroCharge(t *testing.T) {
	g, gErr := Estimate(0, 1e-12, 1e4, 10)
	assert.Equal(t, 0., g)
	assert.Equal(t, 0., gErr)
}

func TestDefaultElementaryCharge(t *testing.T) {
	g, _ := Estimate(ElementaryCharge*1e6, 0, 1, 0)
	assert.InEpsilon(t, 1e6, g, 1e-12)
}
