package main

import (
	"strings"
	"time"

	"github.com/snoplus/pmtcal/photon"
	"github.com/snoplus/pmtcal/sweep"
)

// PulserSetup describes the LED pulse source
type PulserSetup struct {
	// Addr is a serial device, e.g. /dev/ttyUSB0, or host:port of a
	// serial-to-ethernet bridge
	Addr string `yaml:"Addr"`

	// Serial determines if the connection is serial/RS232 (True) or TCP (False)
	Serial bool `yaml:"Serial"`

	Channel      int     `yaml:"Channel"`
	PulseDelayMS float64 `yaml:"PulseDelayMS"`

	// PulseHeight is the 14-bit height code, zero leaves the box's setting
	PulseHeight int `yaml:"PulseHeight"`
}

// ScopeSetup describes the oscilloscope
type ScopeSetup struct {
	// Addr is host:port of the scope's SCPI socket
	Addr    string `yaml:"Addr"`
	Channel int    `yaml:"Channel"`

	// Timebase is the full record width in seconds, zero leaves it alone
	Timebase float64 `yaml:"Timebase"`
}

// PowerMeterSetup describes the power meter used by pincal
type PowerMeterSetup struct {
	// Interval is the time between background readings
	Interval time.Duration `yaml:"Interval"`

	// SampleWindow is how long each reading averages
	SampleWindow time.Duration `yaml:"SampleWindow"`

	// Zero runs the meter's dark zeroing before the run
	Zero bool `yaml:"Zero"`
}

// CalibrationSetup describes the reference calibration runs
type CalibrationSetup struct {
	// FineRun and FullRun are run files, the fine run is searched first
	FineRun string `yaml:"FineRun"`
	FullRun string `yaml:"FullRun"`

	// the rest configure pincal, which writes Out
	Out         string        `yaml:"Out"`
	Widths      []int         `yaml:"Widths"`
	Header      photon.Header `yaml:"Header"`
	Settle      time.Duration `yaml:"Settle"`
	PINAttempts int           `yaml:"PINAttempts"`
	PINPoll     time.Duration `yaml:"PINPoll"`
}

// ArchiveSetup describes the waveform archive
type ArchiveSetup struct {
	Enabled bool `yaml:"Enabled"`

	// Dir holds one directory per run, named by run ID
	Dir string `yaml:"Dir"`
}

// ResultsSetup describes where results go
type ResultsSetup struct {
	// File is the results table written at the end of a run
	File string `yaml:"File"`

	// DatabaseURL, if set, is a postgres URL every result is also stored to
	DatabaseURL string `yaml:"DatabaseURL"`
}

// Config is the complete pmtcal configuration
type Config struct {
	// Addr is the address the status server listens at, empty disables it
	Addr string `yaml:"Addr"`

	// Mock replaces every instrument with a simulation
	Mock bool `yaml:"Mock"`

	// LogLevel is a zerolog level name
	LogLevel string `yaml:"LogLevel"`

	Pulser      PulserSetup      `yaml:"Pulser"`
	Scope       ScopeSetup       `yaml:"Scope"`
	PowerMeter  PowerMeterSetup  `yaml:"PowerMeter"`
	Sweep       sweep.Config     `yaml:"Sweep"`
	Calibration CalibrationSetup `yaml:"Calibration"`
	Archive     ArchiveSetup     `yaml:"Archive"`
	Results     ResultsSetup     `yaml:"Results"`
}

// DefaultConfig is the configuration before any file or environment
func DefaultConfig() Config {
	return Config{
		Addr:     ":8000",
		LogLevel: "info",
		Pulser: PulserSetup{
			Addr:         "/dev/ttyUSB0",
			Serial:       true,
			Channel:      1,
			PulseDelayMS: 1,
			PulseHeight:  16383,
		},
		Scope: ScopeSetup{Addr: "192.168.1.10:5025", Channel: 1, Timebase: 50e-9},
		PowerMeter: PowerMeterSetup{
			Interval:     100 * time.Millisecond,
			SampleWindow: 4 * time.Second,
		},
		Sweep: sweep.DefaultConfig(),
		Calibration: CalibrationSetup{
			FineRun:     "fine_run.txt",
			FullRun:     "full_run.txt",
			Out:         "pin_run.txt",
			Widths:      sweep.Range(0, 10000, 100),
			Header:      photon.Header{WavelengthNM: 505, PulseSeparationS: 1e-3, SampleRateHz: 1000},
			Settle:      5 * time.Second,
			PINAttempts: 10,
			PINPoll:     100 * time.Millisecond,
		},
		Archive: ArchiveSetup{Dir: "waveforms"},
		Results: ResultsSetup{File: "gain_results.txt"},
	}
}

// envKey maps an environment variable name like PMTCAL_RESULTS_DATABASEURL
// to the matching config key, Results.DatabaseURL.  Names with no matching
// key are lowercased and dotted.
func envKey(keys []string, prefix, name string) string {
	want := strings.ToLower(strings.Replace(strings.TrimPrefix(name, prefix), "_", ".", -1))
	for _, key := range keys {
		if strings.ToLower(key) == want {
			return key
		}
	}
	return want
}
