// Package transport opens byte connections to instruments named by VISA
// resource identifiers.
package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gotmc/visaseq/lib/prologix"
	"github.com/gotmc/visaseq/lib/resource"
	"go.bug.st/serial"
	"go.uber.org/multierr"
)

// DefaultBaudRate is used for serial ports and USB GPIB controllers.
const DefaultBaudRate = 115200

// Conn is an open connection to one instrument. Reads that exceed the read
// timeout fail with an error for which IsTimeout reports true.
type Conn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetReadTimeout(d time.Duration) error
}

// Dialer holds the settings for opening connections.
type Dialer struct {
	// DialTimeout bounds connection setup. Zero means 5 s.
	DialTimeout time.Duration
	// BaudRate for ASRL resources and the GPIB controller. Zero means
	// DefaultBaudRate.
	BaudRate int
	// PrologixPort is the serial device of the Prologix controller used for
	// GPIB resources.
	PrologixPort    string
	PrologixOptions []prologix.Option
	Logger          *log.Logger
}

// IsTimeout reports whether err is a read or write timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Dial opens a connection to r.
func (d Dialer) Dial(r resource.Resource) (Conn, error) {
	switch r.Interface {
	case resource.TCPIP:
		return d.dialTCP(r)
	case resource.ASRL:
		return d.openSerial(r.SerialPath())
	case resource.GPIB:
		return d.dialGPIB(r)
	}
	return nil, fmt.Errorf("unsupported interface %s", r.Interface)
}

func (d Dialer) dialTimeout() time.Duration {
	if d.DialTimeout > 0 {
		return d.DialTimeout
	}
	return 5 * time.Second
}

func (d Dialer) baudRate() int {
	if d.BaudRate > 0 {
		return d.BaudRate
	}
	return DefaultBaudRate
}

type tcpConn struct {
	net.Conn
	timeout time.Duration
}

func (d Dialer) dialTCP(r resource.Resource) (Conn, error) {
	c, err := net.DialTimeout("tcp", r.Address(), d.dialTimeout())
	if err != nil {
		return nil, err
	}
	if tc, ok := c.(*net.TCPConn); ok {
		// Commands are small and latency matters more than throughput.
		_ = tc.SetNoDelay(true)
	}
	return &tcpConn{Conn: c}, nil
}

func (c *tcpConn) SetReadTimeout(d time.Duration) error {
	c.timeout = d
	return nil
}

func (c *tcpConn) Read(p []byte) (int, error) {
	if c.timeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(p)
}

func (c *tcpConn) Write(p []byte) (int, error) {
	if c.timeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(p)
}

type serialConn struct {
	port serial.Port
}

func (d Dialer) openSerial(path string) (*serialConn, error) {
	port, err := serial.Open(path, &serial.Mode{
		BaudRate: d.baudRate(),
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", path, err)
	}
	// Discard anything left over from a previous session.
	if err := port.ResetInputBuffer(); err != nil {
		port.Close()
		return nil, fmt.Errorf("reset serial port %s: %w", path, err)
	}
	return &serialConn{port: port}, nil
}

func (c *serialConn) SetReadTimeout(d time.Duration) error {
	if d <= 0 {
		d = serial.NoTimeout
	}
	return c.port.SetReadTimeout(d)
}

// Read maps the serial package's empty timed out read to a deadline error.
func (c *serialConn) Read(p []byte) (int, error) {
	n, err := c.port.Read(p)
	if n == 0 && err == nil && len(p) > 0 {
		return 0, os.ErrDeadlineExceeded
	}
	return n, err
}

func (c *serialConn) Write(p []byte) (int, error) { return c.port.Write(p) }

func (c *serialConn) Close() error { return c.port.Close() }

type gpibConn struct {
	*prologix.Controller
	port *serialConn
}

func (d Dialer) dialGPIB(r resource.Resource) (Conn, error) {
	if d.PrologixPort == "" {
		return nil, fmt.Errorf("GPIB resource %s needs a Prologix controller port", r)
	}
	port, err := d.openSerial(d.PrologixPort)
	if err != nil {
		return nil, err
	}
	opts := append([]prologix.Option{}, d.PrologixOptions...)
	if r.Secondary >= 0 {
		opts = append(opts, prologix.WithSecondaryAddress(r.Secondary))
	}
	if d.Logger != nil {
		opts = append(opts, prologix.WithLogger(d.Logger))
	}
	ctrl, err := prologix.NewController(port, r.Primary, opts...)
	if err != nil {
		return nil, multierr.Append(err, port.Close())
	}
	return &gpibConn{Controller: ctrl, port: port}, nil
}

func (c *gpibConn) SetReadTimeout(d time.Duration) error { return c.port.SetReadTimeout(d) }

// Close returns the instrument to front panel control and closes the port.
func (c *gpibConn) Close() error {
	return multierr.Append(c.FrontPanel(true), c.port.Close())
}
