// Package tellie contains a driver for the TELLIE LED pulse source
package tellie

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tarm/serial"

	"github.com/snoplus/pmtcal/comm"
	"github.com/snoplus/pmtcal/pulser"
)

const (
	baud = 57600

	ack     = "OK"
	notYet  = "NONE"
	pinResp = "PIN"
)

// Pulser is a TELLIE driver box reached over serial or a serial-to-TCP bridge
type Pulser struct {
	*comm.RemoteDevice
}

// NewPulser creates a new pulser instance
func NewPulser(addr string, isSerial bool) *Pulser {
	var cfg *serial.Config
	if isSerial {
		cfg = &serial.Config{Name: addr, Baud: baud}
	}
	term := comm.Terminators{Tx: '\n', Rx: '\n'}
	rd := comm.NewRemoteDevice(addr, isSerial, &term, cfg)
	return &Pulser{RemoteDevice: &rd}
}

// cmd sends one command and checks it was acknowledged
func (p *Pulser) cmd(format string, args ...interface{}) error {
	resp, err := p.query(format, args...)
	if err != nil {
		return err
	}
	if resp != ack {
		return fmt.Errorf("tellie: %q rejected: %s", fmt.Sprintf(format, args...), resp)
	}
	return nil
}

func (p *Pulser) query(format string, args ...interface{}) (string, error) {
	if err := p.Open(); err != nil {
		return "", err
	}
	resp, err := p.SendRecv([]byte(fmt.Sprintf(format, args...)))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(resp)), nil
}

// SelectChannel clears the channel selection and selects a single channel
func (p *Pulser) SelectChannel(ch int) error {
	if ch < 1 || ch > 96 {
		return fmt.Errorf("tellie: channel %d outside [1, 96]", ch)
	}
	if err := p.cmd("CLR"); err != nil {
		return err
	}
	return p.cmd("CH %d", ch)
}

// SetPulseWidth sets the IPW code
func (p *Pulser) SetPulseWidth(ipw int) error {
	if err := pulser.CheckIPW(ipw); err != nil {
		return err
	}
	return p.cmd("PW %d", ipw)
}

// SetPulseHeight sets the pulse height code, 14 bits like IPW
func (p *Pulser) SetPulseHeight(h int) error {
	if err := pulser.CheckIPW(h); err != nil {
		return err
	}
	return p.cmd("PH %d", h)
}

// SetPulseDelay sets the pulse separation in ms
func (p *Pulser) SetPulseDelay(ms float64) error {
	if ms <= 0 {
		return fmt.Errorf("tellie: pulse delay %g ms must be positive", ms)
	}
	return p.cmd("PD %s", strconv.FormatFloat(ms, 'g', -1, 64))
}

// SetPulseNumber sets the number of pulses in a sequence
func (p *Pulser) SetPulseNumber(n int) error {
	if n < 1 || n > 65535 {
		return fmt.Errorf("tellie: pulse number %d outside [1, 65535]", n)
	}
	return p.cmd("PN %d", n)
}

// Fire emits one sequence
func (p *Pulser) Fire() error {
	return p.cmd("FIRE")
}

// FireContinuous emits pulses until Stop
func (p *Pulser) FireContinuous() error {
	return p.cmd("CONT")
}

// Stop halts firing
func (p *Pulser) Stop() error {
	return p.cmd("STOP")
}

// ReadPIN reads the photodiode monitor.  The box answers NONE while the
// sequence is still running.
func (p *Pulser) ReadPIN() (pulser.PIN, bool, error) {
	resp, err := p.query("PIN?")
	if err != nil {
		return pulser.PIN{}, false, err
	}
	return parsePIN(resp)
}

// parsePIN decodes "PIN <value> <rms>" or NONE
func parsePIN(resp string) (pulser.PIN, bool, error) {
	if resp == notYet {
		return pulser.PIN{}, false, nil
	}
	f := strings.Fields(resp)
	if len(f) != 3 || f[0] != pinResp {
		return pulser.PIN{}, false, fmt.Errorf("tellie: malformed PIN response %q", resp)
	}
	v, err := strconv.Atoi(f[1])
	if err != nil {
		return pulser.PIN{}, false, fmt.Errorf("tellie: PIN value: %w", err)
	}
	rms, err := strconv.ParseFloat(f[2], 64)
	if err != nil {
		return pulser.PIN{}, false, fmt.Errorf("tellie: PIN rms: %w", err)
	}
	return pulser.PIN{Value: v, RMS: rms}, true, nil
}
