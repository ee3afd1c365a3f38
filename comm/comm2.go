package comm

import (
	"bufio"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
)

// CreationFunc is a function which returns a new "connection" to something
// a closure should be used to encapsulate the variables and functions needed
type CreationFunc func() (io.ReadWriteCloser, error)

// Pool is a communication pool which holds one or more connections to a device
// that will be closed if they are not in use, and re-opened as needed.
// it is concurrent safe.  Pools must be created with NewPool.
type Pool struct {
	maxSize int                     // maximum number of connections, == cap(conns)
	onLease int                     // number of connections given out, <= cap(conns)
	timeout time.Duration           // idle time after which pooled connections are closed
	conns   chan io.ReadWriteCloser // the circular buffer of connections
	maker   CreationFunc

	timer *time.Timer
	mu    sync.Mutex
}

// NewPool creates a pool of at most maxSize connections made by maker
func NewPool(maxSize int, timeout time.Duration, maker CreationFunc) *Pool {
	return &Pool{
		maxSize: maxSize,
		timeout: timeout,
		conns:   make(chan io.ReadWriteCloser, maxSize),
		maker:   maker,
	}
}

// Get retrieves a communicator from the pool, blocking until one is
// available if all are in use.
//
// When done with the communicator, return it with Put(), or discard it with
// Destroy() if it has become no good (e.g., all calls error).
//
// If the error from Get is not nil, you must not return it to the pool.
func (p *Pool) Get() (io.ReadWriter, error) {
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	select {
	case ret := <-p.conns:
		p.onLease++
		p.mu.Unlock()
		return ret, nil
	default:
	}
	if p.onLease < p.maxSize {
		c, err := p.maker()
		if err == nil {
			p.onLease++
		}
		p.mu.Unlock()
		return c, err
	}
	p.mu.Unlock()

	// all are given out, wait for one to come back
	ret := <-p.conns
	p.mu.Lock()
	p.onLease++
	p.mu.Unlock()
	return ret, nil
}

// Put restores a communicator to the pool.  Once every connection has been
// returned and the timeout has elapsed, pooled connections are closed.
func (p *Pool) Put(rw io.ReadWriter) {
	rwc := rw.(io.ReadWriteCloser)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onLease--
	p.conns <- rwc
	if p.onLease == 0 {
		p.startReclaim()
	}
}

// Destroy immediately frees a communicator from the pool.  This should be used
// instead of Put if the communicator has gone bad.
func (p *Pool) Destroy(rw io.ReadWriter) {
	rwc := rw.(io.ReadWriteCloser)
	rwc.Close()
	p.mu.Lock()
	p.onLease--
	p.mu.Unlock()
}

// ReturnWithError is Put when err is nil and Destroy otherwise
func (p *Pool) ReturnWithError(rw io.ReadWriter, err error) {
	if err != nil {
		p.Destroy(rw)
		return
	}
	p.Put(rw)
}

// Size returns the number of connections in the pool, or given out from it
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns) + p.onLease
}

// Active returns the number of connections owned by the pool that are currently
// given out
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onLease
}

// startReclaim arms the idle timer.  p.mu must be held.
func (p *Pool) startReclaim() {
	p.timer = time.AfterFunc(p.timeout, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.onLease != 0 {
			return
		}
		for {
			select {
			case c := <-p.conns:
				c.Close()
			default:
				return
			}
		}
	})
}

// BackingOffTCPConnMaker returns a CreationFunc which dials addr with an
// exponential backoff, giving up after timeout
func BackingOffTCPConnMaker(addr string, timeout time.Duration) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		var conn net.Conn
		op := func() error {
			var err error
			conn, err = TCPSetup(addr, timeout)
			return err
		}
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 25 * time.Millisecond
		b.MaxElapsedTime = timeout
		if err := backoff.Retry(op, b); err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// terminator wraps a ReadWriter, appending tx to each Write
// and reading up to rx on each Read
type terminator struct {
	rw  io.ReadWriter
	rdr *bufio.Reader
	tx  byte
	rx  byte
}

// NewTerminator wraps rw so that writes are terminated with tx and reads
// return one rx-terminated message (with the terminator kept)
func NewTerminator(rw io.ReadWriter, tx, rx byte) io.ReadWriter {
	return &terminator{rw: rw, rdr: bufio.NewReader(rw), tx: tx, rx: rx}
}

func (t *terminator) Write(b []byte) (int, error) {
	msg := make([]byte, 0, len(b)+1)
	msg = append(msg, b...)
	msg = append(msg, t.tx)
	n, err := t.rw.Write(msg)
	if n > len(b) {
		n = len(b)
	}
	return n, err
}

func (t *terminator) Read(b []byte) (int, error) {
	msg, err := t.rdr.ReadBytes(t.rx)
	n := copy(b, msg)
	if err != nil {
		return n, err
	}
	if n < len(msg) {
		return n, io.ErrShortBuffer
	}
	return n, nil
}

type deadliner interface {
	SetDeadline(time.Time) error
}

// timeout refreshes the deadline of a net.Conn-like connection before each operation
type timeout struct {
	rw   io.ReadWriter
	conn deadliner
	dur  time.Duration
}

// NewTimeout wraps rw so every Read and Write must complete within dur.
// conn is the underlying connection, which must support deadlines; if it does
// not, rw is returned unchanged.
func NewTimeout(rw io.ReadWriter, conn io.ReadWriter, dur time.Duration) io.ReadWriter {
	d, ok := conn.(deadliner)
	if !ok {
		return rw
	}
	return &timeout{rw: rw, conn: d, dur: dur}
}

func (t *timeout) Write(b []byte) (int, error) {
	if err := t.conn.SetDeadline(time.Now().Add(t.dur)); err != nil {
		return 0, err
	}
	return t.rw.Write(b)
}

func (t *timeout) Read(b []byte) (int, error) {
	if err := t.conn.SetDeadline(time.Now().Add(t.dur)); err != nil {
		return 0, err
	}
	return t.rw.Read(b)
}
