package sweep

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snoplus/pmtcal/oscilloscope"
)

func TestProfileForDefaultTable(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		ipw     int
		scale   float64
		unit    oscilloscope.Unit
		trigger float64
	}{
		{7000, 2, oscilloscope.Volts, -0.5},
		{7300, 2, oscilloscope.Volts, -0.5},
		{7301, 0.5, oscilloscope.Volts, -0.2},
		{7449, 0.5, oscilloscope.Volts, -0.2},
		{7450, 200, oscilloscope.Millivolts, -0.2},
		{7590, 200, oscilloscope.Millivolts, -0.2},
		{7600, 50, oscilloscope.Millivolts, -0.03},
		{7700, 10, oscilloscope.Millivolts, -0.005},
		{7799, 5, oscilloscope.Millivolts, -0.005},
		{7800, 2, oscilloscope.Millivolts, -0.004},
		{16383, 2, oscilloscope.Millivolts, -0.004},
	}
	for _, tt := range tests {
		p, err := cfg.ProfileFor(tt.ipw)
		require.NoError(t, err, tt.ipw)
		assert.Equal(t, tt.scale, p.Scale, tt.ipw)
		assert.Equal(t, tt.unit, p.ScaleUnit, tt.ipw)
		assert.Equal(t, tt.trigger, p.TriggerLevel, tt.ipw)
		assert.Equal(t, 20., p.TriggerPosition, tt.ipw)
	}
}

func TestValidateTriggerPosition(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Profiles[2].TriggerPosition = 150
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.BaseProfile.TriggerPosition = -1
	assert.Error(t, cfg.Validate())
}

func TestProfileForGapError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GapPolicy = GapError
	_, err := cfg.ProfileFor(7590)
	assert.ErrorIs(t, err, ErrNoProfile)

	cfg.Widths = []int{7580, 7600}
	assert.ErrorIs(t, cfg.Validate(), ErrNoProfile)
}

func TestValidateProfilesOverlap(t *testing.T) {
	ps := []Profile{{Min: 0, Max: 10}, {Min: 5, Max: 20}}
	assert.ErrorIs(t, ValidateProfiles(ps), ErrProfileOverlap)

	ps = []Profile{{Min: 10, Max: 20}, {Min: 0, Max: 5}}
	assert.ErrorIs(t, ValidateProfiles(ps), ErrProfileOverlap)

	assert.Error(t, ValidateProfiles([]Profile{{Min: 3, Max: 3}}))
	assert.NoError(t, ValidateProfiles(DefaultProfiles()))
}

func TestValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name string
		mod  func(*Config)
	}{
		{"no widths", func(c *Config) { c.Widths = nil }},
		{"descending", func(c *Config) { c.Widths = []int{7400, 7300} }},
		{"repeated", func(c *Config) { c.Widths = []int{7400, 7400} }},
		{"too wide", func(c *Config) { c.Widths = []int{1 << 14} }},
		{"no pulses", func(c *Config) { c.PulsesPerSetting = 0 }},
		{"negative rate", func(c *Config) { c.AcquireRate = -1 }},
		{"gap policy", func(c *Config) { c.GapPolicy = "nearest" }},
		{"trigger fraction", func(c *Config) { c.AdaptiveTrigger = true; c.TriggerFraction = 1.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mod(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestRange(t *testing.T) {
	assert.Equal(t, []int{7300, 7320, 7340}, Range(7300, 7340, 20))
	assert.Equal(t, []int{1, 3}, Range(1, 4, 2))
	assert.Nil(t, Range(5, 4, 1))
	assert.Len(t, DefaultConfig().Widths, 36)
}

func TestEstimate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Widths = []int{1, 2}
	cfg.PulsesPerSetting = 100
	cfg.AcquireRate = 100
	cfg.SettleTime = 0
	assert.Equal(t, 2e9, float64(cfg.Estimate()))
}
