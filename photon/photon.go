// Package photon converts optical power readings into photons per LED pulse.
//
// Two conventions exist and must not be mixed.  FromAveragePower takes the
// mean power the meter integrates over many pulses and multiplies by the
// pulse separation.  FromPeakPower takes the power during the pulse itself
// and multiplies by the pulse width.  Every call site in this module reads a
// thermal or photodiode meter that averages over its sample window, so the
// average-power form is the one in use.
package photon

import "fmt"

const (
	// Planck is Planck's constant in J s
	Planck = 6.626e-34

	// SpeedOfLight is c in m/s
	SpeedOfLight = 3e8
)

// Header describes the conditions a power meter calibration run was taken under
type Header struct {
	WavelengthNM     int     `yaml:"WavelengthNM"`
	PulseSeparationS float64 `yaml:"PulseSeparationS"`
	SampleRateHz     int     `yaml:"SampleRateHz"`
	TemperatureC     float64 `yaml:"TemperatureC"`
	PedestalW        float64 `yaml:"PedestalW"`
}

// InvalidHeaderError is returned when a header cannot describe a photon energy
type InvalidHeaderError struct {
	WavelengthNM int
}

func (e InvalidHeaderError) Error() string {
	return fmt.Sprintf("photon: invalid header, wavelength %d nm must be positive", e.WavelengthNM)
}

// Energy returns the energy of one photon at the header's wavelength, in J
func (h Header) Energy() (float64, error) {
	if h.WavelengthNM <= 0 {
		return 0, InvalidHeaderError{WavelengthNM: h.WavelengthNM}
	}
	return Energy(float64(h.WavelengthNM)), nil
}

// Energy returns h*c/lambda for a wavelength in nm, in J
func Energy(wavelengthNM float64) float64 {
	return Planck * SpeedOfLight / (wavelengthNM * 1e-9)
}

// FromAveragePower converts a meter-averaged power and its error, both in W,
// to photons per pulse.  The error is scaled by the same factor.
func FromAveragePower(watts, wattsErr float64, h Header) (n, nErr float64, err error) {
	e, err := h.Energy()
	if err != nil {
		return 0, 0, err
	}
	k := h.PulseSeparationS / e
	return watts * k, wattsErr * k, nil
}

// FromPeakPower converts the power during a pulse of width pulseWidthS
// seconds to photons per pulse
func FromPeakPower(watts, wattsErr, pulseWidthS float64, h Header) (n, nErr float64, err error) {
	e, err := h.Energy()
	if err != nil {
		return 0, 0, err
	}
	k := pulseWidthS / e
	return watts * k, wattsErr * k, nil
}
