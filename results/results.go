// Package results holds the per-width outcome of a sweep and the calibration
// table built from them
package results

import (
	"fmt"
	"sync"
)

// Status says how a setting ended
type Status string

const (
	// OK is a usable calibration point
	OK Status = "ok"

	// Saturated means the scope clipped too many pulses
	Saturated Status = "saturated"

	// CalibrationGap means no reference run held the width
	CalibrationGap Status = "calibration-gap"

	// Empty means no pulse at the width could be used
	Empty Status = "empty"

	// NoSignal means the gain came out zero
	NoSignal Status = "no-signal"
)

// SettingResult is the reduced outcome of one pulse width setting
type SettingResult struct {
	IPW      int     `json:"ipw"`
	PIN      float64 `json:"pin"`
	PINError float64 `json:"pinError"`

	ChargeMean  float64 `json:"chargeMean"`
	ChargeSigma float64 `json:"chargeSigma"`
	RiseMean    float64 `json:"riseMean"`
	RiseSigma   float64 `json:"riseSigma"`
	GainMean    float64 `json:"gainMean"`
	GainSigma   float64 `json:"gainSigma"`

	PhotonCount      float64 `json:"photonCount"`
	PhotonCountError float64 `json:"photonCountError"`

	Saturated bool   `json:"saturated"`
	Status    Status `json:"status"`

	// Pulses is the population size, Dropouts the pulses skipped on acquisition
	Pulses   int `json:"pulses"`
	Dropouts int `json:"dropouts"`
}

// OnCurve reports whether the result belongs on the calibration curve
func (r SettingResult) OnCurve() bool {
	return !r.Saturated && r.GainMean > 0
}

// OrderError is returned when a result does not extend the table in ascending order
type OrderError struct {
	IPW  int
	Last int
}

func (e OrderError) Error() string {
	return fmt.Sprintf("results: ipw %d does not follow %d", e.IPW, e.Last)
}

// Table is an append-only list of results with strictly ascending IPW.
// It is safe for concurrent use.
type Table struct {
	mu   sync.RWMutex
	rows []SettingResult
}

// Append adds a finalized result
func (t *Table) Append(r SettingResult) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := len(t.rows); n > 0 && r.IPW <= t.rows[n-1].IPW {
		return OrderError{IPW: r.IPW, Last: t.rows[n-1].IPW}
	}
	t.rows = append(t.rows, r)
	return nil
}

// Rows returns a copy of every result
func (t *Table) Rows() []SettingResult {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]SettingResult, len(t.rows))
	copy(out, t.rows)
	return out
}

// Len is the number of results
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}

// Curve returns the results that are on the calibration curve
func (t *Table) Curve() []SettingResult {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []SettingResult
	for _, r := range t.rows {
		if r.OnCurve() {
			out = append(out, r)
		}
	}
	return out
}
