package calib

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/snoplus/pmtcal/photon"
)

/* the run file is whitespace separated text.  The first line is the header:

wavelength_nm pulse_separation_s sample_rate_hz temperature_c pedestal_w

and each further line is a row:

ipw pin pin_rms photons photons_err [watts watts_err]
*/

// WriteHeader writes the header line of a run file
func WriteHeader(w io.Writer, h photon.Header) error {
	_, err := fmt.Fprintf(w, "%d %g %d %g %g\n",
		h.WavelengthNM, h.PulseSeparationS, h.SampleRateHz, h.TemperatureC, h.PedestalW)
	return err
}

// AppendRow writes a single row line of a run file
func AppendRow(w io.Writer, r Row) error {
	_, err := fmt.Fprintf(w, "%d %d %g %g %g %g %g\n",
		r.IPW, r.PIN, r.PINError, r.PhotonCount, r.PhotonCountError, r.Watts, r.WattsError)
	return err
}

// ParseError is a malformed line in a run file
type ParseError struct {
	Line int
	Msg  string
}

func (e ParseError) Error() string {
	return fmt.Sprintf("calib: line %d: %s", e.Line, e.Msg)
}

// ReadRun parses a run file.  Rows that carry meter readings have their
// photon counts recomputed from watts with the run's header.
func ReadRun(r io.Reader) (*Run, error) {
	sc := bufio.NewScanner(r)
	run := &Run{}
	line := 0
	haveHeader := false
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if !haveHeader {
			h, err := parseHeader(fields)
			if err != nil {
				return nil, ParseError{Line: line, Msg: err.Error()}
			}
			if _, err = h.Energy(); err != nil {
				return nil, err
			}
			run.Header = h
			haveHeader = true
			continue
		}
		row, err := parseRow(fields)
		if err != nil {
			return nil, ParseError{Line: line, Msg: err.Error()}
		}
		if len(fields) == 7 {
			row.PhotonCount, row.PhotonCountError, err = photon.FromAveragePower(row.Watts, row.WattsError, run.Header)
			if err != nil {
				return nil, err
			}
		}
		if err = run.Add(row); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if !haveHeader {
		return nil, ParseError{Line: line, Msg: "missing header"}
	}
	return run, nil
}

// ReadRunFile opens and parses a run file from disk
func ReadRunFile(path string) (*Run, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	run, err := ReadRun(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return run, nil
}

func parseHeader(f []string) (photon.Header, error) {
	var h photon.Header
	if len(f) != 5 {
		return h, fmt.Errorf("header has %d fields, expected 5", len(f))
	}
	var err error
	if h.WavelengthNM, err = strconv.Atoi(f[0]); err != nil {
		return h, err
	}
	if h.PulseSeparationS, err = strconv.ParseFloat(f[1], 64); err != nil {
		return h, err
	}
	if h.SampleRateHz, err = strconv.Atoi(f[2]); err != nil {
		return h, err
	}
	if h.TemperatureC, err = strconv.ParseFloat(f[3], 64); err != nil {
		return h, err
	}
	h.PedestalW, err = strconv.ParseFloat(f[4], 64)
	return h, err
}

func parseRow(f []string) (Row, error) {
	var r Row
	if len(f) != 5 && len(f) != 7 {
		return r, fmt.Errorf("row has %d fields, expected 5 or 7", len(f))
	}
	var err error
	if r.IPW, err = strconv.Atoi(f[0]); err != nil {
		return r, err
	}
	if r.PIN, err = strconv.Atoi(f[1]); err != nil {
		return r, err
	}
	floats := make([]float64, len(f)-2)
	for i, s := range f[2:] {
		if floats[i], err = strconv.ParseFloat(s, 64); err != nil {
			return r, err
		}
	}
	r.PINError, r.PhotonCount, r.PhotonCountError = floats[0], floats[1], floats[2]
	if len(floats) == 5 {
		r.Watts, r.WattsError = floats[3], floats[4]
	}
	return r, nil
}
