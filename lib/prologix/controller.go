// Package prologix drives a Prologix GPIB-USB controller, or an Arduino AR488
// clone, as a byte transport to one GPIB instrument.
package prologix

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gotmc/visaseq/lib/resource"
)

const esc = 27

// Controller models a GPIB controller-in-charge talking to a single
// instrument address.
type Controller struct {
	rw               io.ReadWriter
	primaryAddr      int
	hasSecondaryAddr bool
	secondaryAddr    int
	usbTerm          byte
	eotChar          byte
	readTimeout      time.Duration
	eos              GpibTerm
	clear            bool
	ar488            bool
	logger           *log.Logger // nil unless WithLogger was given

	// readPending is set after data was written to the instrument, so the
	// next Read has to ask the controller to address it to talk.
	readPending bool
}

// Option applies an option to the controller.
type Option func(*Controller)

// WithSecondaryAddress sets a secondary address, which must be in the range of
// 96 and 126, inclusive.
func WithSecondaryAddress(addr int) Option {
	return func(c *Controller) {
		c.hasSecondaryAddr = true
		c.secondaryAddr = addr
	}
}

// WithTermination selects the terminator the controller appends to
// instrument commands. The default is AppendLF.
func WithTermination(term GpibTerm) Option { return func(c *Controller) { c.eos = term } }

// WithClear sends the Selected Device Clear (SDC) message after setup.
func WithClear() Option { return func(c *Controller) { c.clear = true } }

// WithReadTimeout sets the controller's GPIB read timeout (read_tmo_ms),
// which must lie between 1 ms and 3 s.
func WithReadTimeout(d time.Duration) Option { return func(c *Controller) { c.readTimeout = d } }

// WithLogger causes controller commands to be logged at debug level.
func WithLogger(l *log.Logger) Option { return func(c *Controller) { c.logger = l } }

// WithAR488 slightly alters the init commands, for compatibility with the
// Arduino-based AR488. Specifically, we do not emit 'verbose 0', nor do
// we toggle savecfg.
func WithAR488() Option { return func(c *Controller) { c.ar488 = true } }

// NewController configures the controller behind rw, typically a serial
// port, to talk to the instrument at the given primary GPIB address.
func NewController(rw io.ReadWriter, addr int, opts ...Option) (*Controller, error) {
	c := Controller{
		rw:          rw,
		primaryAddr: addr,
		usbTerm:     '\n',
		eotChar:     '\n',
		readTimeout: 500 * time.Millisecond,
		eos:         AppendLF,
	}
	for _, opt := range opts {
		opt(&c)
	}

	if !resource.IsPrimaryAddressValid(c.primaryAddr) {
		return nil, fmt.Errorf("invalid primary address %d (must be 0-30)", c.primaryAddr)
	}
	if c.hasSecondaryAddr && !resource.IsSecondaryAddressValid(c.secondaryAddr) {
		return nil, fmt.Errorf("invalid secondary address %d (must be 96-126)", c.secondaryAddr)
	}
	tmo := c.readTimeout.Milliseconds()
	if tmo < 1 || tmo > 3000 {
		return nil, fmt.Errorf("invalid read timeout %s (must be 1ms-3s)", c.readTimeout)
	}

	for _, cmd := range c.initCommands() {
		if err := c.CommandController(cmd); err != nil {
			return nil, fmt.Errorf("configure controller: %w", err)
		}
	}
	return &c, nil
}

func (c *Controller) initCommands() []string {
	addrCmd := fmt.Sprintf("addr %d", c.primaryAddr)
	if c.hasSecondaryAddr {
		addrCmd = fmt.Sprintf("addr %d %d", c.primaryAddr, c.secondaryAddr)
	}
	var cmds []string
	if !c.ar488 {
		cmds = append(cmds,
			"verbose 0", // turn off verbosity if on
			"savecfg 0", // don't wear out the EEPROM with our settings
		)
	}
	cmds = append(cmds,
		addrCmd,  // instrument address
		"mode 1", // controller mode
		"auto 0", // no read-after-write, Read asks explicitly
		"eoi 1",  // assert EOI with the last character
		fmt.Sprintf("eos %d", c.eos),
		fmt.Sprintf("read_tmo_ms %d", c.readTimeout.Milliseconds()),
		fmt.Sprintf("eot_char %d", c.eotChar),
		"eot_enable 1", // mark EOI with eot_char towards the host
	)
	if c.clear {
		cmds = append(cmds, "clr")
	}
	return cmds
}

// Write sends p to the instrument. Characters the controller would otherwise
// interpret are escaped; trailing line terminators are dropped since the
// controller appends the GPIB terminator selected with WithTermination, or
// an escaped LF for AppendNothing.
func (c *Controller) Write(p []byte) (int, error) {
	data := bytes.TrimRight(p, "\r\n")
	buf := make([]byte, 0, len(data)+8)
	for _, b := range data {
		switch b {
		case '\r', '\n', esc, '+':
			buf = append(buf, esc)
		}
		buf = append(buf, b)
	}
	if c.eos == AppendNothing {
		buf = append(buf, esc, '\n')
	}
	buf = append(buf, c.usbTerm)
	if c.logger != nil {
		c.logger.Debug("prologix write", "data", fmt.Sprintf("%q", buf))
	}
	if _, err := c.rw.Write(buf); err != nil {
		return 0, err
	}
	c.readPending = true
	return len(p), nil
}

// Read reads the instrument's response. The first Read after a Write
// addresses the instrument to talk until it asserts EOI.
func (c *Controller) Read(p []byte) (int, error) {
	if c.readPending {
		c.readPending = false
		if err := c.CommandController("read eoi"); err != nil {
			return 0, err
		}
	}
	return c.rw.Read(p)
}

// CommandController sends the given command to the Prologix controller. To
// indicate this is a command for the Prologix controller, thereby not
// transmitting to the instrument over GPIB, two plus signs `++` are prepended.
// Addtionally, a new line is appended to act as the USB termination character.
func (c *Controller) CommandController(cmd string) error {
	cmd = fmt.Sprintf("++%s%c", strings.ToLower(strings.TrimSpace(cmd)), c.usbTerm)
	if c.logger != nil {
		c.logger.Debug("prologix cmd", "cmd", fmt.Sprintf("%q", cmd))
	}
	_, err := c.rw.Write([]byte(cmd))
	return err
}

// QueryController sends the given command to the controller and returns its
// response without the terminator.
func (c *Controller) QueryController(cmd string) (string, error) {
	if err := c.CommandController(cmd); err != nil {
		return "", err
	}
	s, err := bufio.NewReader(c.rw).ReadString(c.eotChar)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(s, "\r\n"), nil
}

// Version returns the controller's version string.
func (c *Controller) Version() (string, error) { return c.QueryController("ver") }

// InstrumentAddress queries the address the controller currently talks to.
// The secondary address is -1 when none is set.
func (c *Controller) InstrumentAddress() (primary, secondary int, err error) {
	s, err := c.QueryController("addr")
	if err != nil {
		return 0, 0, err
	}
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0, 0, fmt.Errorf("empty address response")
	}
	primary, err = strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, fmt.Errorf("parse address %q: %w", s, err)
	}
	secondary = -1
	if len(fields) > 1 {
		secondary, err = strconv.Atoi(fields[1])
		if err != nil {
			return 0, 0, fmt.Errorf("parse address %q: %w", s, err)
		}
	}
	return primary, secondary, nil
}

// ClearDevice sends the Selected Device Clear (SDC) message.
func (c *Controller) ClearDevice() error { return c.CommandController("clr") }

// FrontPanel returns the instrument to local (front panel) control.
func (c *Controller) FrontPanel(local bool) error {
	if local {
		return c.CommandController("loc")
	}
	return c.CommandController("llo")
}

// GpibTerm provides the type for the available GPIB terminators.
type GpibTerm int

// Available GPIB terminators for the Prologix Controller.
const (
	AppendCRLF GpibTerm = iota
	AppendCR
	AppendLF
	AppendNothing
)

var gpibTermDesc = map[GpibTerm]string{
	AppendCRLF:    `Append CR+LF (\r\n) to instrument commands`,
	AppendCR:      `Append CR (\r) to instrument commands`,
	AppendLF:      `Append LF (\n) to instrument commands`,
	AppendNothing: `Do not append anything to instrument commands`,
}

func (term GpibTerm) String() string {
	return gpibTermDesc[term]
}

// ParseGpibTerm parses a terminator name: crlf, cr, lf or none.
func ParseGpibTerm(name string) (GpibTerm, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "crlf":
		return AppendCRLF, nil
	case "cr":
		return AppendCR, nil
	case "lf", "":
		return AppendLF, nil
	case "none":
		return AppendNothing, nil
	}
	return 0, fmt.Errorf("unknown GPIB terminator %q (want crlf, cr, lf or none)", name)
}
