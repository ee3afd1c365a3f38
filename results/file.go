package results

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Columns is the order of fields in a results file.  Physical quantities are
// in SI base units, ipw is the 14-bit code.
var Columns = []string{
	"ipw", "pin", "pin_error",
	"charge_mean", "charge_error",
	"rise_mean", "rise_error",
	"gain_mean", "gain_error",
	"photon_count", "photon_count_error",
}

// WriteHeader writes the column names as a comment line
func WriteHeader(w io.Writer) error {
	_, err := fmt.Fprintf(w, "# %s\n", strings.Join(Columns, " "))
	return err
}

// WriteRow writes one result line
func WriteRow(w io.Writer, r SettingResult) error {
	_, err := fmt.Fprintf(w, "%d %g %g %g %g %g %g %g %g %g %g\n",
		r.IPW, r.PIN, r.PINError,
		r.ChargeMean, r.ChargeSigma,
		r.RiseMean, r.RiseSigma,
		r.GainMean, r.GainSigma,
		r.PhotonCount, r.PhotonCountError)
	return err
}

// Write writes a header and the curve rows of a table
func Write(w io.Writer, t *Table) error {
	if err := WriteHeader(w); err != nil {
		return err
	}
	for _, r := range t.Curve() {
		if err := WriteRow(w, r); err != nil {
			return err
		}
	}
	return nil
}

// Read parses a results file into a table.  Rows read back are on the curve.
func Read(r io.Reader) (*Table, error) {
	t := &Table{}
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		f := strings.Fields(text)
		if len(f) != len(Columns) {
			return nil, fmt.Errorf("results: line %d has %d fields, expected %d", line, len(f), len(Columns))
		}
		ipw, err := strconv.Atoi(f[0])
		if err != nil {
			return nil, fmt.Errorf("results: line %d: %w", line, err)
		}
		v := make([]float64, len(f)-1)
		for i, s := range f[1:] {
			if v[i], err = strconv.ParseFloat(s, 64); err != nil {
				return nil, fmt.Errorf("results: line %d %s: %w", line, Columns[i+1], err)
			}
		}
		res := SettingResult{
			IPW: ipw, PIN: v[0], PINError: v[1],
			ChargeMean: v[2], ChargeSigma: v[3],
			RiseMean: v[4], RiseSigma: v[5],
			GainMean: v[6], GainSigma: v[7],
			PhotonCount: v[8], PhotonCountError: v[9],
			Status: OK,
		}
		if err = t.Append(res); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
	}
	return t, sc.Err()
}
