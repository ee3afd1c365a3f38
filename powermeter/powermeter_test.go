package powermeter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snoplus/pmtcal/photon"
)

type countingMeter struct {
	mu     sync.Mutex
	n      int
	failAt int
}

func (m *countingMeter) Read() (float64, float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.n++
	if m.failAt > 0 && m.n >= m.failAt {
		return 0, 0, errors.New("usb: pipe error")
	}
	return float64(m.n) * 1e-9, 1e-11, nil
}

var hdr = photon.Header{WavelengthNM: 505, PulseSeparationS: 1e-3}

func TestSamplerLatest(t *testing.T) {
	s := NewSampler(&countingMeter{}, hdr, time.Millisecond, zerolog.Nop())
	_, ok := s.Latest()
	assert.False(t, ok)

	r, err := s.Sample()
	require.NoError(t, err)
	got, ok := s.Latest()
	require.True(t, ok)
	assert.Equal(t, r, got)
	n, _, _ := photon.FromAveragePower(1e-9, 1e-11, hdr)
	assert.InEpsilon(t, n, got.Photons, 1e-12)
}

func TestSamplerRunUntilCancel(t *testing.T) {
	m := &countingMeter{}
	s := NewSampler(m, hdr, time.Millisecond, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	r, ok := s.Latest()
	require.True(t, ok)
	assert.Greater(t, r.Watts, 1e-9, "several polls should have happened")
	assert.NoError(t, s.Err())
}

func TestSamplerStopsOnReadError(t *testing.T) {
	s := NewSampler(&countingMeter{failAt: 3}, hdr, time.Millisecond, zerolog.Nop())
	err := s.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, err, s.Err())
	r, ok := s.Latest()
	require.True(t, ok, "readings before the failure are kept")
	assert.InDelta(t, 2e-9, r.Watts, 1e-15)
}

func TestSamplerBadHeader(t *testing.T) {
	s := NewSampler(&countingMeter{}, photon.Header{}, time.Millisecond, zerolog.Nop())
	err := s.Run(context.Background())
	var ih photon.InvalidHeaderError
	assert.True(t, errors.As(err, &ih))
}
