package photon

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnergyAt500nm(t *testing.T) {
	// 6.626e-34*3e8/500e-9
	assert.InDelta(t, 3.9756e-19, Energy(500), 1e-23)
}

func TestFromAveragePower(t *testing.T) {
	h := Header{WavelengthNM: 500, PulseSeparationS: 1e-3}
	n, nErr, err := FromAveragePower(1e-9, 1e-11, h)
	require.NoError(t, err)
	e := Energy(500)
	assert.InEpsilon(t, 1e-12/e, n, 1e-12)
	assert.InEpsilon(t, 1e-14/e, nErr, 1e-12)
	assert.InEpsilon(t, 100, n/nErr, 1e-9, "relative error is preserved")
}

func TestFromPeakPowerUsesWidth(t *testing.T) {
	h := Header{WavelengthNM: 500, PulseSeparationS: 1e-3}
	avg, _, err := FromAveragePower(1, 0, h)
	require.NoError(t, err)
	peak, _, err := FromPeakPower(1, 0, 1e-6, h)
	require.NoError(t, err)
	assert.InEpsilon(t, 1000, avg/peak, 1e-9)
}

func TestInvalidHeader(t *testing.T) {
	for _, wl := range []int{0, -405} {
		_, _, err := FromAveragePower(1, 0, Header{WavelengthNM: wl})
		var ih InvalidHeaderError
		require.True(t, errors.As(err, &ih))
		assert.Equal(t, wl, ih.WavelengthNM)
	}
}
