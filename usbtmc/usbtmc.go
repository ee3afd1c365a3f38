/*Package usbtmc implements datagram encoding and decoding for USB Test and
Measurement Class devices.  This is a 'minimum viable product' for the bulk
transfer mode used by the Thorlabs PM100 family of optical power meters.

It does not include features to support multi-packet messaging, and thus
assumes your data fits in the remote's buffer.

To send a message:
1.  Write the bulk-out header
2.  Write your data
3.  Pad the transmission to a multiple of 4 bytes

To receive a message:
1.  Send a bulk-in request header on the Out endpoint
2.  Read from the In endpoint and pop the 12 byte header

These are implemented as Write and Read on the Device type in this package.
*/
package usbtmc

import (
	"encoding/binary"
	"fmt"
	"strings"
	"sync"

	"github.com/google/gousb"
)

const (
	reserved = 0x00

	headerSize = 12

	msgOut = 0x01 // DEV_DEP_MSG_OUT
	msgIn  = 0x02 // REQUEST_DEV_DEP_MSG_IN

	alignment = 4

	readBufSize = 1500
)

// ThorlabsVID is the USB vendor ID of Thorlabs
const ThorlabsVID = 0x1313

// tagGen is a concurrent-safe bTag generator.  bTag is 1..255 and never 0
type tagGen struct {
	sync.Mutex
	value byte
}

func (b *tagGen) next() byte {
	b.Lock()
	defer b.Unlock()
	b.value++
	if b.value == 0 {
		b.value = 1
	}
	return b.value
}

// invbTag computes the bitwise inversion of a btag, per USBTMC table 1 offset 2
func invbTag(b byte) byte {
	return b ^ 0xff
}

// BulkInResponse is the response from a bulk input read, split into header and payload
type BulkInResponse struct {
	Header []byte
	Data   []byte
}

// encBulkOutHeader creates the header defined in USBTMC Table 3
func encBulkOutHeader(tag byte, datalen int) [headerSize]byte {
	/*
		0 MsgID
		1 bTag
		2 bTagInverse
		3 reserved
		4-7 transferSize, LSB first
		8 bitmap, bit 0 EOM
		9-11 reserved
	*/
	out := [headerSize]byte{}
	out[0] = msgOut
	out[1] = tag
	out[2] = invbTag(tag)
	out[3] = reserved
	binary.LittleEndian.PutUint32(out[4:8], uint32(datalen))
	out[8] = 0x01
	return out
}

// encBulkInHeader creates the header defined in USBTMC Table 4.
// if terminator is nil the device is told to ignore the term char
func encBulkInHeader(tag byte, bufsize int, terminator *byte) [headerSize]byte {
	out := [headerSize]byte{}
	out[0] = msgIn
	out[1] = tag
	out[2] = invbTag(tag)
	out[3] = reserved
	binary.LittleEndian.PutUint32(out[4:8], uint32(bufsize))
	if terminator != nil {
		out[8] = 0x02
		out[9] = *terminator
	}
	return out
}

// decBulkIn splits a bulk-in transfer into header and payload, trimming the
// payload to the transfer size the device announced
func decBulkIn(buf []byte) (BulkInResponse, error) {
	var out BulkInResponse
	if len(buf) < headerSize {
		return out, fmt.Errorf("usbtmc: only received %d bytes, need at least %d to form header", len(buf), headerSize)
	}
	out.Header = buf[:headerSize]
	if out.Header[0] != msgIn {
		return out, fmt.Errorf("usbtmc: unexpected MsgID %#x in bulk-in header", out.Header[0])
	}
	if invbTag(out.Header[1]) != out.Header[2] {
		return out, fmt.Errorf("usbtmc: corrupt bTag pair %#x %#x", out.Header[1], out.Header[2])
	}
	size := int(binary.LittleEndian.Uint32(out.Header[4:8]))
	data := buf[headerSize:]
	if size < len(data) {
		data = data[:size]
	}
	out.Data = data
	return out, nil
}

// pad extends b with zeros to a multiple of the bulk alignment
func pad(b []byte) []byte {
	if residual := len(b) % alignment; residual > 0 {
		b = append(b, make([]byte, alignment-residual)...)
	}
	return b
}

// Device hides the details of USB and exposes message level Read and Write
type Device struct {
	tags   tagGen
	ctx    *gousb.Context
	device *gousb.Device
	in     *gousb.InEndpoint
	out    *gousb.OutEndpoint
	closer func()
}

// Open opens the first device matching a vendor and product ID
func Open(vid, pid uint16) (*Device, error) {
	d := &Device{ctx: gousb.NewContext()}
	dev, err := d.ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		d.ctx.Close()
		return nil, err
	}
	if dev == nil {
		d.ctx.Close()
		return nil, fmt.Errorf("usbtmc: no device with VID %04x PID %04x", vid, pid)
	}
	d.device = dev
	if err = dev.SetAutoDetach(true); err != nil {
		d.Close()
		return nil, err
	}
	iface, closer, err := dev.DefaultInterface()
	if err != nil {
		d.Close()
		return nil, err
	}
	d.closer = closer
	if d.in, err = iface.InEndpoint(2); err != nil {
		d.Close()
		return nil, err
	}
	if d.out, err = iface.OutEndpoint(2); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// Read requests and reads one message from the device
func (d *Device) Read() (BulkInResponse, error) {
	term := byte('\n')
	hdr := encBulkInHeader(d.tags.next(), readBufSize, &term)
	n, err := d.out.Write(hdr[:])
	if err != nil {
		return BulkInResponse{}, err
	}
	if n < headerSize {
		m, err := d.out.Write(hdr[n:])
		if err != nil {
			return BulkInResponse{}, err
		}
		if n+m != headerSize {
			return BulkInResponse{}, fmt.Errorf("usbtmc: wrote %d bytes, not full %d required to transmit read request", n+m, headerSize)
		}
	}
	buf := make([]byte, readBufSize+headerSize)
	n, err = d.in.Read(buf)
	if err != nil {
		return BulkInResponse{}, err
	}
	return decBulkIn(buf[:n])
}

// Write sends one message to the device
func (d *Device) Write(b []byte) error {
	hdr := encBulkOutHeader(d.tags.next(), len(b))
	msg := pad(append(hdr[:], b...))
	_, err := d.out.Write(msg)
	return err
}

// Query writes a command terminated by a newline and returns the trimmed reply
func (d *Device) Query(cmd string) (string, error) {
	if err := d.Write([]byte(cmd + "\n")); err != nil {
		return "", err
	}
	resp, err := d.Read()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(resp.Data)), nil
}

// Close releases the interface, device and USB context
func (d *Device) Close() error {
	if d.closer != nil {
		d.closer()
	}
	var err error
	if d.device != nil {
		err = d.device.Close()
	}
	if d.ctx != nil {
		if cerr := d.ctx.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
