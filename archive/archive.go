/*Package archive stores acquired pulses on disk so a sweep can be reduced
again without the instruments.

Each pulse is one FITS file, <Dir>/width_<ipw>/pulse_<i>.fits, holding the
amplitude as a 1-D float64 image.  The time axis is rebuilt from the T0 and DT
cards.  A CRC16 card guards the amplitude; a file that is missing, unreadable
or fails its CRC is reported as an oscilloscope.ErrDropout so the caller
skips that one pulse.
*/
package archive

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/astrogo/fitsio"
	"github.com/snksoft/crc"

	"github.com/snoplus/pmtcal/oscilloscope"
)

var crcTable = crc.NewTable(crc.XMODEM)

const widthPrefix = "width_"

// Store is a directory of archived pulses for one run
type Store struct {
	Dir   string
	RunID string
}

// New creates a new store rooted at dir
func New(dir, runID string) *Store {
	return &Store{Dir: dir, RunID: runID}
}

// Path returns the file a pulse is kept in
func (s *Store) Path(ipw, i int) string {
	return filepath.Join(s.Dir, fmt.Sprintf("%s%d", widthPrefix, ipw), fmt.Sprintf("pulse_%d.fits", i))
}

func checksum(amp []float64) uint16 {
	buf := make([]byte, 8*len(amp))
	for i, v := range amp {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(v))
	}
	c := crcTable.InitCrc()
	c = crcTable.UpdateCrc(c, buf)
	return crcTable.CRC16(c)
}

// Save writes one pulse
func (s *Store) Save(ipw, i int, w oscilloscope.Waveform) error {
	if err := w.Validate(); err != nil {
		return err
	}
	path := s.Path(ipw, i)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	fits, err := fitsio.Create(f)
	if err != nil {
		return err
	}
	im := fitsio.NewImage(-64, []int{w.Len()})
	defer im.Close()
	err = im.Header().Append(
		fitsio.Card{Name: "IPW", Value: ipw, Comment: "pulse width code"},
		fitsio.Card{Name: "PULSE", Value: i, Comment: "pulse index within width"},
		fitsio.Card{Name: "T0", Value: w.Time[0], Comment: "time of first sample [s]"},
		fitsio.Card{Name: "DT", Value: w.DT(), Comment: "sample spacing [s]"},
		fitsio.Card{Name: "CRC16", Value: int(checksum(w.Amplitude)), Comment: "CRC-16/XMODEM of amplitude"},
		fitsio.Card{Name: "RUNID", Value: s.RunID},
	)
	if err != nil {
		return err
	}
	if err = im.Write(w.Amplitude); err != nil {
		return err
	}
	if err = fits.Write(im); err != nil {
		return err
	}
	if err = fits.Close(); err != nil {
		return err
	}
	return f.Close()
}

// Load reads one pulse.  Any failure is an ErrDropout.
func (s *Store) Load(ipw, i int) (oscilloscope.Waveform, error) {
	path := s.Path(ipw, i)
	w, err := load(path)
	if err != nil {
		return w, fmt.Errorf("%w: %s: %v", oscilloscope.ErrDropout, path, err)
	}
	return w, nil
}

func load(path string) (w oscilloscope.Waveform, err error) {
	// fitsio panics on some malformed units rather than returning an error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("decoding FITS: %v", r)
		}
	}()
	f, err := os.Open(path)
	if err != nil {
		return w, err
	}
	defer f.Close()
	fits, err := fitsio.Open(f)
	if err != nil {
		return w, err
	}
	defer fits.Close()
	img, ok := fits.HDU(0).(fitsio.Image)
	if !ok {
		return w, fmt.Errorf("primary HDU is not an image")
	}
	hdr := img.Header()
	t0, err := cardFloat(hdr, "T0")
	if err != nil {
		return w, err
	}
	dt, err := cardFloat(hdr, "DT")
	if err != nil {
		return w, err
	}
	sum, err := cardFloat(hdr, "CRC16")
	if err != nil {
		return w, err
	}
	n := 1
	for _, dim := range hdr.Axes() {
		n *= dim
	}
	if len(hdr.Axes()) != 1 || n < 2 {
		return w, fmt.Errorf("image has axes %v, want one axis of at least 2 samples", hdr.Axes())
	}
	amp := make([]float64, n)
	if err = img.Read(&amp); err != nil {
		return w, err
	}
	if got := checksum(amp); uint16(sum) != got {
		return w, fmt.Errorf("CRC mismatch, header %#04x data %#04x", uint16(sum), got)
	}
	return oscilloscope.Uniform(t0, dt, amp), nil
}

func cardFloat(hdr *fitsio.Header, name string) (float64, error) {
	card := hdr.Get(name)
	if card == nil {
		return 0, fmt.Errorf("missing %s card", name)
	}
	switch v := card.Value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("%s card has type %T", name, card.Value)
	}
}

// Widths lists the widths present in the store, ascending
func (s *Store) Widths() ([]int, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, err
	}
	var out []int
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), widthPrefix) {
			continue
		}
		ipw, err := strconv.Atoi(strings.TrimPrefix(e.Name(), widthPrefix))
		if err != nil {
			continue
		}
		out = append(out, ipw)
	}
	sort.Ints(out)
	return out, nil
}
