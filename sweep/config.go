package sweep

import (
	"errors"
	"fmt"
	"time"

	"github.com/snoplus/pmtcal/oscilloscope"
	"github.com/snoplus/pmtcal/pulser"
	"github.com/snoplus/pmtcal/stats"
	"github.com/snoplus/pmtcal/waveform"
)

var (
	// ErrProfileOverlap is returned when two scope profiles claim one width
	ErrProfileOverlap = errors.New("sweep: scope profiles overlap or are out of order")

	// ErrNoProfile is returned for a width in a profile gap when gaps are errors
	ErrNoProfile = errors.New("sweep: no scope profile for width")
)

// Profile is the scope setup for the half-open width range [Min, Max)
type Profile struct {
	Min          int               `yaml:"Min"`
	Max          int               `yaml:"Max"`
	Scale        float64           `yaml:"Scale"`
	ScaleUnit    oscilloscope.Unit `yaml:"ScaleUnit"`
	Position     float64           `yaml:"Position"`
	PositionUnit oscilloscope.Unit `yaml:"PositionUnit"`

	// TriggerLevel is in V, on the falling edge
	TriggerLevel float64 `yaml:"TriggerLevel"`

	// TriggerPosition is how far into the record the trigger sits, in
	// percent.  Zero leaves the scope's setting.
	TriggerPosition float64 `yaml:"TriggerPosition"`
}

func (p Profile) contains(ipw int) bool {
	return ipw >= p.Min && ipw < p.Max
}

// GapPolicy says what to do with a width no profile covers
type GapPolicy string

const (
	// GapPrevious keeps the profile of the range below the gap
	GapPrevious GapPolicy = "previous"

	// GapError refuses the width
	GapError GapPolicy = "error"
)

// Histograms holds the binning of each per-pulse quantity
type Histograms struct {
	Charge stats.HistogramSpec `yaml:"Charge"`
	Gain   stats.HistogramSpec `yaml:"Gain"`
	Rise   stats.HistogramSpec `yaml:"Rise"`
}

// Config is the read-only description of a sweep
type Config struct {
	Widths           []int `yaml:"Widths"`
	PulsesPerSetting int   `yaml:"PulsesPerSetting"`

	// SettleTime is waited after the source starts firing, before the first
	// waveform is taken
	SettleTime time.Duration `yaml:"SettleTime"`

	// AcquireRate bounds waveform reads per second, zero is unbounded
	AcquireRate float64 `yaml:"AcquireRate"`

	Profiles    []Profile `yaml:"Profiles"`
	BaseProfile Profile   `yaml:"BaseProfile"`
	GapPolicy   GapPolicy `yaml:"GapPolicy"`

	// AdaptiveTrigger sets each width's trigger to TriggerFraction of the
	// mean peak seen at the width before it
	AdaptiveTrigger bool    `yaml:"AdaptiveTrigger"`
	TriggerFraction float64 `yaml:"TriggerFraction"`

	Saturation waveform.SaturationConfig `yaml:"Saturation"`
	Histograms Histograms                `yaml:"Histograms"`

	// HistogramThreshold is the smallest population reduced by histogram fit,
	// smaller ones use a weighted average
	HistogramThreshold int `yaml:"HistogramThreshold"`

	// BaselineSamples is how many leading samples estimate the noise
	BaselineSamples int `yaml:"BaselineSamples"`
}

// DefaultProfiles is the scope table for a TELLIE LED on a 50 ohm scope input.
// Pulses shrink as the width code grows, so each range is more sensitive than
// the one before.  7580-7600 is left uncovered and takes the 7450 profile.
func DefaultProfiles() []Profile {
	return []Profile{
		// 7300 itself stays on the base profile
		{Min: 7301, Max: 7450, Scale: 0.5, ScaleUnit: oscilloscope.Volts, Position: 1.5, PositionUnit: oscilloscope.Volts, TriggerLevel: -0.2, TriggerPosition: 20},
		{Min: 7450, Max: 7580, Scale: 200, ScaleUnit: oscilloscope.Millivolts, Position: 600, PositionUnit: oscilloscope.Millivolts, TriggerLevel: -0.2, TriggerPosition: 20},
		{Min: 7600, Max: 7680, Scale: 50, ScaleUnit: oscilloscope.Millivolts, Position: 150, PositionUnit: oscilloscope.Millivolts, TriggerLevel: -0.03, TriggerPosition: 20},
		{Min: 7680, Max: 7720, Scale: 10, ScaleUnit: oscilloscope.Millivolts, Position: 30, PositionUnit: oscilloscope.Millivolts, TriggerLevel: -0.005, TriggerPosition: 20},
		{Min: 7720, Max: 7800, Scale: 5, ScaleUnit: oscilloscope.Millivolts, Position: 15, PositionUnit: oscilloscope.Millivolts, TriggerLevel: -0.005, TriggerPosition: 20},
		{Min: 7800, Max: pulser.MaxIPW + 1, Scale: 2, ScaleUnit: oscilloscope.Millivolts, Position: 4, PositionUnit: oscilloscope.Millivolts, TriggerLevel: -0.004, TriggerPosition: 20},
	}
}

// DefaultConfig returns the sweep used for a full TELLIE range calibration
func DefaultConfig() Config {
	return Config{
		Widths:           Range(7300, 8000, 20),
		PulsesPerSetting: 1000,
		SettleTime:       100 * time.Millisecond,
		AcquireRate:      100,
		Profiles:         DefaultProfiles(),
		BaseProfile: Profile{Scale: 2, ScaleUnit: oscilloscope.Volts, Position: 3,
			PositionUnit: oscilloscope.Volts, TriggerLevel: -0.5, TriggerPosition: 20},
		GapPolicy:       GapPrevious,
		TriggerFraction: 0.4,
		Saturation:      waveform.DefaultSaturation,
		Histograms: Histograms{
			Charge: stats.HistogramSpec{Bins: 100},
			Gain:   stats.HistogramSpec{Bins: 1000, Min: 5e4, Max: 5e6},
			Rise:   stats.HistogramSpec{Bins: 100, Min: 1e-9, Max: 3e-9},
		},
		HistogramThreshold: 50,
		BaselineSamples:    20,
	}
}

// Range returns start, start+step, ... up to and including stop
func Range(start, stop, step int) []int {
	var out []int
	for w := start; w <= stop; w += step {
		out = append(out, w)
	}
	return out
}

func checkTriggerPosition(p Profile) error {
	if p.TriggerPosition < 0 || p.TriggerPosition > 100 {
		return fmt.Errorf("sweep: trigger position %g%% is outside the record", p.TriggerPosition)
	}
	return nil
}

// ValidateProfiles checks every profile is non-empty, places its trigger
// inside the record, and the list is ascending and disjoint
func ValidateProfiles(ps []Profile) error {
	for i, p := range ps {
		if p.Max <= p.Min {
			return fmt.Errorf("sweep: profile %d has empty range [%d, %d)", i, p.Min, p.Max)
		}
		if err := checkTriggerPosition(p); err != nil {
			return err
		}
		if i > 0 && p.Min < ps[i-1].Max {
			return fmt.Errorf("%w: [%d, %d) and [%d, %d)", ErrProfileOverlap, ps[i-1].Min, ps[i-1].Max, p.Min, p.Max)
		}
	}
	return nil
}

// ProfileFor selects the scope profile of a width.  Widths below the first
// range take BaseProfile.  A width in a gap takes the range below it under
// GapPrevious and is refused under GapError.
func (c Config) ProfileFor(ipw int) (Profile, error) {
	if len(c.Profiles) == 0 || ipw < c.Profiles[0].Min {
		return c.BaseProfile, nil
	}
	below := c.Profiles[0]
	for _, p := range c.Profiles {
		if p.contains(ipw) {
			return p, nil
		}
		if p.Max <= ipw {
			below = p
		}
	}
	if c.GapPolicy == GapError {
		return Profile{}, fmt.Errorf("%w %d", ErrNoProfile, ipw)
	}
	return below, nil
}

// Validate checks the config can run.  Every width must resolve to a profile.
func (c Config) Validate() error {
	if len(c.Widths) == 0 {
		return errors.New("sweep: no widths to sweep")
	}
	for i, w := range c.Widths {
		if err := pulser.CheckIPW(w); err != nil {
			return err
		}
		if i > 0 && w <= c.Widths[i-1] {
			return fmt.Errorf("sweep: widths must be strictly increasing, %d follows %d", w, c.Widths[i-1])
		}
	}
	if c.PulsesPerSetting <= 0 {
		return fmt.Errorf("sweep: pulses per setting %d must be positive", c.PulsesPerSetting)
	}
	if c.AcquireRate < 0 {
		return fmt.Errorf("sweep: acquire rate %g must not be negative", c.AcquireRate)
	}
	switch c.GapPolicy {
	case GapPrevious, GapError:
	default:
		return fmt.Errorf("sweep: unknown gap policy %q", c.GapPolicy)
	}
	if c.AdaptiveTrigger && (c.TriggerFraction <= 0 || c.TriggerFraction >= 1) {
		return fmt.Errorf("sweep: trigger fraction %g must be in (0, 1)", c.TriggerFraction)
	}
	if err := ValidateProfiles(c.Profiles); err != nil {
		return err
	}
	if err := checkTriggerPosition(c.BaseProfile); err != nil {
		return err
	}
	for _, w := range c.Widths {
		if _, err := c.ProfileFor(w); err != nil {
			return err
		}
	}
	return nil
}

// Estimate is the expected wall time of the sweep
func (c Config) Estimate() time.Duration {
	per := c.SettleTime
	if c.AcquireRate > 0 {
		per += time.Duration(float64(c.PulsesPerSetting) / c.AcquireRate * float64(time.Second))
	}
	return per * time.Duration(len(c.Widths))
}
