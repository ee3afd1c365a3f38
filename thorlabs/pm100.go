// Package thorlabs contains a driver for the Thorlabs PM100 optical power meter
package thorlabs

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/snoplus/pmtcal/usbtmc"
)

// PM100USBPID is the USB product ID of the PM100USB
const PM100USBPID = 0x8072

// minSamples is how many READ? results a window should hold
const minSamples = 3

// transport is the message layer under the meter, a usbtmc.Device in practice
type transport interface {
	Write([]byte) error
	Query(string) (string, error)
	Close() error
}

// PM100 is a PM100 power meter.  Read averages READ? results over Window.
type PM100 struct {
	mu     sync.Mutex
	conn   transport
	Window time.Duration

	// Short is called when a window held fewer than three readings
	Short func(n int)
}

// NewPM100 opens the first PM100USB on the bus
func NewPM100(window time.Duration) (*PM100, error) {
	dev, err := usbtmc.Open(usbtmc.ThorlabsVID, PM100USBPID)
	if err != nil {
		return nil, err
	}
	return &PM100{conn: dev, Window: window}, nil
}

func (pm *PM100) write(cmd string) error {
	return pm.conn.Write([]byte(cmd + "\n"))
}

func (pm *PM100) readFloat(cmd string) (float64, error) {
	resp, err := pm.conn.Query(cmd)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(resp), 64)
	if err != nil {
		return 0, fmt.Errorf("thorlabs: %s: %w", cmd, err)
	}
	return f, nil
}

// Identify returns the *IDN? string of the meter
func (pm *PM100) Identify() (string, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.conn.Query("*IDN?")
}

// Configure resets the meter and sets it up to report power in W at a wavelength
func (pm *PM100) Configure(wavelengthNM int) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	for _, cmd := range []string{
		"*RST",
		"CONFIGURE:SCALAR:POWER",
		"POWER:DC:UNIT W",
		fmt.Sprintf("SENSE:CORRECTION:WAVELENGTH %d", wavelengthNM),
	} {
		if err := pm.write(cmd); err != nil {
			return err
		}
	}
	nm, err := pm.readFloat("SENSE:CORRECTION:WAVELENGTH?")
	if err != nil {
		return err
	}
	if int(nm) != wavelengthNM {
		return fmt.Errorf("thorlabs: wavelength readback %g nm, wanted %d", nm, wavelengthNM)
	}
	return nil
}

// SetAverageCount sets the number of internal samples per READ?, each ~2 ms
func (pm *PM100) SetAverageCount(n int) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.write(fmt.Sprintf("SENSE:AVERAGE:COUNT %d", n))
}

// Temperature reads the sensor head temperature in C, leaving the meter in
// power mode afterwards
func (pm *PM100) Temperature() (float64, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if err := pm.write("CONFIGURE:SCALAR:TEMPERATURE"); err != nil {
		return 0, err
	}
	t, err := pm.readFloat("READ?")
	if err != nil {
		return 0, err
	}
	return t, pm.write("CONFIGURE:SCALAR:POWER")
}

// Zero runs the dark zero adjustment and returns the pedestal in W.
// The light source must be off.
func (pm *PM100) Zero(poll time.Duration) (float64, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if err := pm.write("SENSE:CORRECTION:COLLECT:ZERO:INITIATE"); err != nil {
		return 0, err
	}
	for {
		state, err := pm.readFloat("SENSE:CORRECTION:COLLECT:ZERO:STATE?")
		if err != nil {
			return 0, err
		}
		if state == 0 {
			break
		}
		time.Sleep(poll)
	}
	return pm.readFloat("SENSE:CORRECTION:COLLECT:ZERO:MAGNITUDE?")
}

// Read takes READ? repeatedly for Window and returns the mean and population
// standard deviation of the results
func (pm *PM100) Read() (watts, wattsErr float64, err error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	var samples []float64
	end := time.Now().Add(pm.Window)
	for len(samples) == 0 || time.Now().Before(end) {
		w, err := pm.readFloat("READ?")
		if err != nil {
			return 0, 0, err
		}
		samples = append(samples, w)
	}
	if len(samples) < minSamples && pm.Short != nil {
		pm.Short(len(samples))
	}
	watts, wattsErr = stat.PopMeanStdDev(samples, nil)
	return watts, wattsErr, nil
}

// Close releases the USB device
func (pm *PM100) Close() error {
	return pm.conn.Close()
}
