package main

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snoplus/pmtcal/photon"
	"github.com/snoplus/pmtcal/results"
	"github.com/snoplus/pmtcal/sweep"
)

func TestEnvKey(t *testing.T) {
	keys := []string{"Addr", "Results.DatabaseURL", "Sweep.PulsesPerSetting"}
	assert.Equal(t, "Results.DatabaseURL", envKey(keys, EnvPrefix, "PMTCAL_RESULTS_DATABASEURL"))
	assert.Equal(t, "Sweep.PulsesPerSetting", envKey(keys, EnvPrefix, "PMTCAL_SWEEP_PULSESPERSETTING"))
	assert.Equal(t, "Addr", envKey(keys, EnvPrefix, "PMTCAL_ADDR"))
	assert.Equal(t, "unknown.key", envKey(keys, EnvPrefix, "PMTCAL_UNKNOWN_KEY"))
}

func TestDefaultConfigRuns(t *testing.T) {
	c := DefaultConfig()
	require.NoError(t, c.Sweep.Validate())
	_, err := c.Calibration.Header.Energy()
	require.NoError(t, err)
}

func TestMockLookupCoversSweep(t *testing.T) {
	c := DefaultConfig()
	c.Mock = true
	lk, err := lookup(c, zerolog.Nop())
	require.NoError(t, err)
	for _, w := range c.Sweep.Widths {
		_, err := lk.Lookup(w)
		assert.NoError(t, err, w)
	}
}

func TestFit(t *testing.T) {
	tbl := &results.Table{}
	for i, n := range []float64{1000, 2000, 3000, 4000} {
		require.NoError(t, tbl.Append(results.SettingResult{
			IPW: 7400 + 20*i, GainMean: 1e6 + 10*n + float64(i%2)*1e3, GainSigma: 1e3,
			PhotonCount: n, Status: results.OK,
		}))
	}
	path := filepath.Join(t.TempDir(), "gain.txt")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, results.Write(f, tbl))
	require.NoError(t, f.Close())

	var out bytes.Buffer
	require.NoError(t, fit(path, &out))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "over 4 widths")
	assert.True(t, strings.HasPrefix(lines[1], "p0 = "))
	assert.True(t, strings.HasPrefix(lines[2], "p1 = "))
}

func TestPINHeaderTakesBenchReadings(t *testing.T) {
	c := DefaultConfig()
	c.Calibration.Header = photon.Header{WavelengthNM: 505, PulseSeparationS: 2e-3, SampleRateHz: 10, TemperatureC: 20}
	temp, ped := 23.5, 1.2e-9
	h := pinHeader(c, &bench{Temperature: &temp, Pedestal: &ped})
	assert.Equal(t, 500, h.SampleRateHz)
	assert.Equal(t, 23.5, h.TemperatureC)
	assert.Equal(t, 1.2e-9, h.PedestalW)
	assert.Equal(t, 505, h.WavelengthNM)

	h = pinHeader(c, &bench{})
	assert.Equal(t, 20., h.TemperatureC)
	assert.Zero(t, h.PedestalW)
}

func TestPINSetupFollowsSeparation(t *testing.T) {
	c := DefaultConfig()
	c.Pulser.PulseDelayMS = 5
	c.Calibration.Header.PulseSeparationS = 2e-3
	var buf bytes.Buffer
	s := pinSetup(c, c.Calibration.Header, zerolog.New(&buf))
	assert.Equal(t, 2., s.PulseDelayMS)
	assert.Equal(t, c.Pulser.Channel, s.PulserChannel)
	assert.Contains(t, buf.String(), "PulseSeparationS")

	buf.Reset()
	c.Pulser.PulseDelayMS = sweep.PulseDelayMS(c.Calibration.Header)
	pinSetup(c, c.Calibration.Header, zerolog.New(&buf))
	assert.Zero(t, buf.Len())
}

func TestShutdownServerLogsError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	started, release := make(chan struct{}), make(chan struct{})
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
	})}
	go srv.Serve(ln)
	go func() {
		resp, err := http.Get("http://" + ln.Addr().String())
		if err == nil {
			resp.Body.Close()
		}
	}()
	<-started

	// a request still in flight outlives the deadline
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var buf bytes.Buffer
	shutdownServer(ctx, srv, zerolog.New(&buf))
	close(release)
	assert.Contains(t, buf.String(), "status server shutdown")
}
