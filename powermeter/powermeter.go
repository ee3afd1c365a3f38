/*Package powermeter contains the machinery for sampling an optical power
meter in the background of a sweep.

A Sampler reads the meter on a fixed cadence and keeps exactly one record, the
latest reading converted to photons per pulse.  The sweep reads that record
whenever it needs a light level; the value is at most one interval plus one
sample window old.
*/
package powermeter

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snoplus/pmtcal/photon"
)

// Driver is a power meter that averages over a fixed sample window
type Driver interface {
	// Read blocks for the sample window and returns the mean power and its
	// spread, in W
	Read() (watts, wattsErr float64, err error)
}

// Reading is one sample of the meter and the photon count it implies
type Reading struct {
	Watts      float64   `json:"watts"`
	WattsErr   float64   `json:"wattsErr"`
	Photons    float64   `json:"photons"`
	PhotonsErr float64   `json:"photonsErr"`
	Time       time.Time `json:"time"`
}

// Sampler polls a Driver and holds the latest Reading
type Sampler struct {
	Driver   Driver
	Header   photon.Header
	Interval time.Duration
	Log      zerolog.Logger

	mu     sync.Mutex
	latest Reading
	have   bool
	err    error
}

// NewSampler creates a new sampler.  It does not start polling.
func NewSampler(d Driver, h photon.Header, interval time.Duration, log zerolog.Logger) *Sampler {
	return &Sampler{Driver: d, Header: h, Interval: interval, Log: log}
}

// Sample takes one reading and stores it
func (s *Sampler) Sample() (Reading, error) {
	w, werr, err := s.Driver.Read()
	if err != nil {
		s.setErr(err)
		return Reading{}, err
	}
	// the meter averages over many pulses, so this is average power
	n, nerr, err := photon.FromAveragePower(w, werr, s.Header)
	if err != nil {
		s.setErr(err)
		return Reading{}, err
	}
	r := Reading{Watts: w, WattsErr: werr, Photons: n, PhotonsErr: nerr, Time: time.Now()}
	s.mu.Lock()
	s.latest = r
	s.have = true
	s.mu.Unlock()
	return r, nil
}

func (s *Sampler) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Run polls the meter until ctx is done or a read fails.  The first read
// failure is kept for Err and returned.
func (s *Sampler) Run(ctx context.Context) error {
	if _, err := s.Header.Energy(); err != nil {
		s.setErr(err)
		return err
	}
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		r, err := s.Sample()
		if err != nil {
			s.Log.Error().Err(err).Msg("power meter read failed, sampler stopped")
			return err
		}
		s.Log.Debug().Float64("watts", r.Watts).Float64("watts_err", r.WattsErr).
			Float64("photons", r.Photons).Msg("power meter")
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Latest returns the most recent reading, ok is false before the first one
func (s *Sampler) Latest() (r Reading, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, s.have
}

// Err returns the error that stopped the sampler, if any
func (s *Sampler) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
