/*Package comm provides embeddable types for communication with lab hardware.

Most usages of this package will boil down to:
	1.  embed *RemoteDevice in a type that represents your hardware.
	2.  pass the Terminators the device expects; both default to a carriage return.
	3.  write methods on top of SendRecv / Send that speak the device's command set.

A minimal example for a pulse source that answers "PW?" with its pulse width:

	type MyPulser struct {
		*comm.RemoteDevice
	}

	func (p *MyPulser) Width() (int, error) {
		if err := p.Open(); err != nil {
			return 0, err
		}
		resp, err := p.SendRecv([]byte("PW?"))
		if err != nil {
			return 0, err
		}
		return strconv.Atoi(string(resp))
	}
*/
package comm

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

const defaultTerminator = byte('\r')

var (
	// ErrNoSerialConf is generated when a serial device has no serial.Config
	ErrNoSerialConf = errors.New("comm: device is serial but no serial config was provided")

	// ErrNotConnected is generated when .Conn is nil and Send or Recv is called.
	ErrNotConnected = errors.New("comm: conn is nil, not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("comm: termination byte not found")
)

// Terminators holds the transmission and receipt termination bytes
type Terminators struct {
	Tx byte
	Rx byte
}

/*RemoteDevice has an address and can Open, Send, Recv and Close.

It is concurrent-safe at the granularity of a single SendRecv; the embedded
mutex is held for the write and the matching read.
*/
type RemoteDevice struct {
	sync.Mutex

	// Addr is a serial port path or a host:port
	Addr string

	// IsSerial selects the serial transport over TCP
	IsSerial bool

	// Conn is the live connection, nil when closed
	Conn io.ReadWriteCloser

	// Timeout bounds connection establishment over TCP
	Timeout time.Duration

	term   Terminators
	serCfg *serial.Config
	rdr    *bufio.Reader
}

// NewRemoteDevice creates a new RemoteDevice instance.  term and serCfg may be nil,
// in which case carriage returns and no serial config are used.
func NewRemoteDevice(addr string, isSerial bool, term *Terminators, serCfg *serial.Config) RemoteDevice {
	t := Terminators{Tx: defaultTerminator, Rx: defaultTerminator}
	if term != nil {
		t = *term
	}
	return RemoteDevice{
		Addr:     addr,
		IsSerial: isSerial,
		Timeout:  3 * time.Second,
		term:     t,
		serCfg:   serCfg,
	}
}

// Open the connection, setting the Conn variable.  It is a no-op if Conn is already set.
func (rd *RemoteDevice) Open() error {
	if rd.Conn != nil {
		return nil
	}
	// exponential backoff; serial adapters and port servers do not like being thrashed
	wasTimeout := false
	op := func() error {
		err := rd.open()
		if err != nil {
			errS := strings.ToLower(err.Error())
			if strings.Contains(errS, "refused") || errors.Is(err, ErrNoSerialConf) {
				return backoff.Permanent(err)
			}
			wasTimeout = true
			return err
		}
		wasTimeout = false
		return nil
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if err == nil {
		return nil
	}
	if wasTimeout {
		return fmt.Errorf("connection timeout to %s: %w", rd.Addr, err)
	}
	return err
}

func (rd *RemoteDevice) open() error {
	var (
		err  error
		conn io.ReadWriteCloser
	)
	if rd.IsSerial {
		if rd.serCfg == nil {
			return ErrNoSerialConf
		}
		conn, err = serial.OpenPort(rd.serCfg)
	} else {
		conn, err = TCPSetup(rd.Addr, rd.Timeout)
	}
	if err != nil {
		return err
	}
	rd.Conn = conn
	rd.rdr = nil
	return nil
}

// Close the connection, nil-ing the Conn variable
func (rd *RemoteDevice) Close() error {
	if rd.Conn == nil {
		return nil
	}
	err := rd.Conn.Close()
	if err == nil {
		rd.Conn = nil
		rd.rdr = nil
	}
	return err
}

// Send writes data to the remote after appending the Tx terminator
func (rd *RemoteDevice) Send(b []byte) error {
	if rd.Conn == nil {
		return ErrNotConnected
	}
	msg := make([]byte, 0, len(b)+1)
	msg = append(msg, b...)
	msg = append(msg, rd.term.Tx)
	_, err := rd.Conn.Write(msg)
	return err
}

// Recv recieves data from the remote and strips the Rx terminator
func (rd *RemoteDevice) Recv() ([]byte, error) {
	if rd.Conn == nil {
		return nil, ErrNotConnected
	}
	if rd.rdr == nil {
		rd.rdr = bufio.NewReader(rd.Conn)
	}
	buf, err := rd.rdr.ReadBytes(rd.term.Rx)
	if err != nil {
		if err == io.EOF && len(buf) > 0 {
			return buf, ErrTerminatorNotFound
		}
		return nil, err
	}
	return bytes.TrimSuffix(buf, []byte{rd.term.Rx}), nil
}

// SendRecv sends a buffer after appending the Tx terminator,
// then returns the response with the Rx terminator stripped
func (rd *RemoteDevice) SendRecv(b []byte) ([]byte, error) {
	rd.Lock()
	defer rd.Unlock()
	if err := rd.Send(b); err != nil {
		return nil, err
	}
	return rd.Recv()
}

// SendOnly is Send with the device lock held
func (rd *RemoteDevice) SendOnly(b []byte) error {
	rd.Lock()
	defer rd.Unlock()
	return rd.Send(b)
}

// TCPSetup opens a new TCP connection and sets a timeout on connect, read, and write
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
