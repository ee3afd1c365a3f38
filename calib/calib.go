// Package calib holds the reference calibration runs that relate an LED
// pulse width setting to a photon count, and resolves a width against them.
package calib

import (
	"fmt"
	"sort"

	"github.com/snoplus/pmtcal/photon"
)

// Row is one pulse width setting of a calibration run
type Row struct {
	IPW              int     `json:"ipw"`
	PIN              int     `json:"pin"`
	PINError         float64 `json:"pinError"`
	PhotonCount      float64 `json:"photonCount"`
	PhotonCountError float64 `json:"photonCountError"`

	// Watts and WattsError are the meter readings the photon count came from,
	// zero when the run file did not record them
	Watts      float64 `json:"watts"`
	WattsError float64 `json:"wattsError"`
}

// Run is a calibration run: the meter conditions and rows unique by IPW
type Run struct {
	Header photon.Header
	Rows   []Row

	index map[int]int
}

// DuplicateIPWError is returned when a run would hold two rows for one width
type DuplicateIPWError struct {
	IPW int
}

func (e DuplicateIPWError) Error() string {
	return fmt.Sprintf("calib: duplicate row for ipw %d", e.IPW)
}

// NewRun creates a run from a header and rows
func NewRun(h photon.Header, rows ...Row) (*Run, error) {
	r := &Run{Header: h}
	for _, row := range rows {
		if err := r.Add(row); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add appends a row, rejecting a width the run already has
func (r *Run) Add(row Row) error {
	if r.index == nil {
		r.reindex()
	}
	if _, ok := r.index[row.IPW]; ok {
		return DuplicateIPWError{IPW: row.IPW}
	}
	r.index[row.IPW] = len(r.Rows)
	r.Rows = append(r.Rows, row)
	return nil
}

func (r *Run) reindex() {
	r.index = make(map[int]int, len(r.Rows))
	for i, row := range r.Rows {
		r.index[row.IPW] = i
	}
}

// Get returns the row for an exact width
func (r *Run) Get(ipw int) (Row, bool) {
	if r == nil {
		return Row{}, false
	}
	if r.index == nil || len(r.index) != len(r.Rows) {
		r.reindex()
	}
	i, ok := r.index[ipw]
	if !ok {
		return Row{}, false
	}
	return r.Rows[i], true
}

// Widths returns the run's widths in ascending order
func (r *Run) Widths() []int {
	out := make([]int, len(r.Rows))
	for i, row := range r.Rows {
		out[i] = row.IPW
	}
	sort.Ints(out)
	return out
}

// CalibrationGapError is returned when neither reference run holds a width
type CalibrationGapError struct {
	IPW int
}

func (e CalibrationGapError) Error() string {
	return fmt.Sprintf("calib: no calibration row for ipw %d in fine or full run", e.IPW)
}

// Lookup resolves widths against a fine, targeted run and a coarse full-range
// run.  Only exact width matches are returned; there is no interpolation
// between neighboring rows.
type Lookup struct {
	Fine *Run
	Full *Run
}

// Lookup returns the fine run's row for ipw if it has one, else the full run's
func (l Lookup) Lookup(ipw int) (Row, error) {
	if row, ok := l.Fine.Get(ipw); ok {
		return row, nil
	}
	if row, ok := l.Full.Get(ipw); ok {
		return row, nil
	}
	return Row{}, CalibrationGapError{IPW: ipw}
}
