// Package scpi implements visaseq.Driver for SCPI instruments reachable over
// a raw TCP socket, a serial port or a Prologix GPIB controller.
package scpi

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gotmc/visaseq"
	"github.com/gotmc/visaseq/lib/block"
	"github.com/gotmc/visaseq/lib/resource"
	"github.com/gotmc/visaseq/lib/transport"
)

// DefaultTimeout is the I/O timeout used when neither the driver nor the
// session sets one.
const DefaultTimeout = 5 * time.Second

// DialFunc opens the connection for a parsed resource.
type DialFunc func(r resource.Resource) (transport.Conn, error)

type record struct {
	st  visaseq.Status
	msg string
}

type instrument struct {
	conn    transport.Conn // nil for a failed open that never connected
	rd      *bufio.Reader
	res     resource.Resource
	timeout time.Duration
	last    *record // transport or driver failure not yet reported by Error
}

// Driver talks SCPI to any number of instruments, one handle each.
type Driver struct {
	mu    sync.Mutex
	next  visaseq.Handle
	insts map[visaseq.Handle]*instrument

	dial    DialFunc
	timeout time.Duration
	logger  *log.Logger
}

var _ visaseq.Driver = (*Driver)(nil)

// Option applies an option to the driver.
type Option func(*Driver)

// WithDialer opens connections with the given dialer.
func WithDialer(dl transport.Dialer) Option {
	return func(d *Driver) { d.dial = dl.Dial }
}

// WithDialFunc opens connections with fn.
func WithDialFunc(fn DialFunc) Option { return func(d *Driver) { d.dial = fn } }

// WithTimeout sets the default I/O timeout.
func WithTimeout(t time.Duration) Option { return func(d *Driver) { d.timeout = t } }

// WithLogger sets the logger for debug output.
func WithLogger(l *log.Logger) Option { return func(d *Driver) { d.logger = l } }

// New creates a driver.
func New(opts ...Option) *Driver {
	d := Driver{
		insts:   make(map[visaseq.Handle]*instrument),
		dial:    transport.Dialer{}.Dial,
		timeout: DefaultTimeout,
		logger:  log.Default(),
	}
	for _, opt := range opts {
		opt(&d)
	}
	return &d
}

// Open connects to the instrument. A failed Open still returns a handle
// whenever it can: Error on that handle describes the failure and Close
// releases it. Handles of opens that never connected only answer Error and
// Close.
func (d *Driver) Open(rsrc string, opts visaseq.OpenOptions) (visaseq.Handle, visaseq.Status) {
	r, err := resource.Parse(rsrc)
	if err != nil {
		return d.openFailed(rsrc, visaseq.StatusInvalidResourceName, err.Error())
	}
	conn, err := d.dial(r)
	if err != nil {
		st := visaseq.StatusResourceNotFound
		if transport.IsTimeout(err) {
			st = visaseq.StatusTimeout
		}
		return d.openFailed(rsrc, st, fmt.Sprintf("open %s: %s", r, err))
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = d.timeout
	}
	inst := &instrument{conn: conn, rd: bufio.NewReader(conn), res: r, timeout: timeout}
	h := d.register(inst)
	if err := conn.SetReadTimeout(timeout); err != nil {
		return h, inst.fail(visaseq.StatusIO, fmt.Sprintf("set timeout: %s", err))
	}
	d.logger.Debug("scpi open", "resource", r, "handle", h)

	if opts.IDQuery {
		idn, st := d.Query(h, "*IDN?")
		if st.Failed() {
			return h, st
		}
		if strings.TrimSpace(idn) == "" {
			return h, inst.fail(visaseq.StatusIDQueryFailed, "empty *IDN? response")
		}
		d.logger.Debug("scpi identified", "resource", r, "idn", idn)
	}
	if opts.Reset {
		if st := d.WaitComplete(h, "*RST", timeout); st.Failed() {
			return h, st
		}
		if st := d.Write(h, "*CLS"); st.Failed() {
			return h, st
		}
	}
	return h, visaseq.StatusSuccess
}

// openFailed registers a handle that only carries the failure, so that each
// caller reads back its own diagnostic.
func (d *Driver) openFailed(rsrc string, st visaseq.Status, msg string) (visaseq.Handle, visaseq.Status) {
	h := d.register(&instrument{last: &record{st: st, msg: msg}})
	d.logger.Debug("scpi open failed", "resource", rsrc, "handle", h, "status", st, "msg", msg)
	return h, st
}

func (d *Driver) register(inst *instrument) visaseq.Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	if d.next == visaseq.NoHandle {
		d.next++
	}
	d.insts[d.next] = inst
	return d.next
}

// lookup returns the connected instrument of h, nil for unknown handles and
// failed opens.
func (d *Driver) lookup(h visaseq.Handle) *instrument {
	d.mu.Lock()
	defer d.mu.Unlock()
	if inst := d.insts[h]; inst != nil && inst.conn != nil {
		return inst
	}
	return nil
}

// Close releases the handle. Unknown handles are ignored.
func (d *Driver) Close(h visaseq.Handle) visaseq.Status {
	d.mu.Lock()
	inst := d.insts[h]
	delete(d.insts, h)
	d.mu.Unlock()
	if inst == nil || inst.conn == nil {
		return visaseq.StatusSuccess
	}
	d.logger.Debug("scpi close", "resource", inst.res, "handle", h)
	if err := inst.conn.Close(); err != nil {
		return visaseq.StatusIO
	}
	return visaseq.StatusSuccess
}

// Error reports the last driver failure on h if there is one, otherwise the
// oldest entry of the instrument's error queue.
func (d *Driver) Error(h visaseq.Handle) (visaseq.Status, string) {
	d.mu.Lock()
	inst := d.insts[h]
	d.mu.Unlock()
	if inst == nil {
		return visaseq.StatusSuccess, ""
	}
	if r := inst.last; r != nil {
		inst.last = nil
		return r.st, r.msg
	}
	if inst.conn == nil {
		return visaseq.StatusSuccess, ""
	}
	resp, st := d.query(inst, "SYST:ERR?")
	if st.Failed() {
		r := inst.last
		inst.last = nil
		return r.st, "query error queue: " + r.msg
	}
	code, msg, err := ParseError(resp)
	if err != nil {
		return visaseq.StatusInstrumentError, err.Error()
	}
	switch {
	case code == 0:
		return visaseq.StatusSuccess, msg
	case code < 0:
		return visaseq.Status(code), msg
	default:
		return visaseq.StatusInstrumentError, fmt.Sprintf("%d,%s", code, msg)
	}
}

// SetAttribute changes a session attribute.
func (d *Driver) SetAttribute(h visaseq.Handle, attr visaseq.Attribute, value any) visaseq.Status {
	inst := d.lookup(h)
	if inst == nil {
		return visaseq.StatusInvalidObject
	}
	switch attr {
	case visaseq.AttrDisplayUpdate:
		on, ok := value.(bool)
		if !ok {
			return inst.fail(visaseq.StatusAttrStateNotSupported, fmt.Sprintf("%s: want bool, got %T", attr, value))
		}
		return d.write(inst, "SYST:DISP:UPD "+onOff(on))
	case visaseq.AttrTimeout:
		t, ok := value.(time.Duration)
		if !ok || t <= 0 {
			return inst.fail(visaseq.StatusAttrStateNotSupported, fmt.Sprintf("%s: want positive duration, got %v", attr, value))
		}
		if err := inst.conn.SetReadTimeout(t); err != nil {
			return inst.fail(visaseq.StatusIO, fmt.Sprintf("set timeout: %s", err))
		}
		inst.timeout = t
		return visaseq.StatusSuccess
	}
	return inst.fail(visaseq.StatusAttrNotSupported, fmt.Sprintf("attribute %s not supported", attr))
}

// Write sends cmd.
func (d *Driver) Write(h visaseq.Handle, cmd string) visaseq.Status {
	inst := d.lookup(h)
	if inst == nil {
		return visaseq.StatusInvalidObject
	}
	return d.write(inst, cmd)
}

// Query sends cmd and returns the response without its terminator.
func (d *Driver) Query(h visaseq.Handle, cmd string) (string, visaseq.Status) {
	inst := d.lookup(h)
	if inst == nil {
		return "", visaseq.StatusInvalidObject
	}
	return d.query(inst, cmd)
}

// QueryBlock sends cmd and returns the complete response, which for binary
// data is an IEEE 488.2 block including its header.
func (d *Driver) QueryBlock(h visaseq.Handle, cmd string) ([]byte, visaseq.Status) {
	inst := d.lookup(h)
	if inst == nil {
		return nil, visaseq.StatusInvalidObject
	}
	if st := d.write(inst, cmd); st.Failed() {
		return nil, st
	}
	return d.read(inst, cmd)
}

// WaitComplete sends cmd followed by *OPC? and waits up to timeout for the
// instrument to answer.
func (d *Driver) WaitComplete(h visaseq.Handle, cmd string, timeout time.Duration) visaseq.Status {
	inst := d.lookup(h)
	if inst == nil {
		return visaseq.StatusInvalidObject
	}
	q := "*OPC?"
	if cmd = strings.TrimSpace(cmd); cmd != "" {
		q = cmd + ";*OPC?"
	}
	if timeout > 0 && timeout != inst.timeout {
		if err := inst.conn.SetReadTimeout(timeout); err != nil {
			return inst.fail(visaseq.StatusIO, fmt.Sprintf("set timeout: %s", err))
		}
		defer func() { _ = inst.conn.SetReadTimeout(inst.timeout) }()
	} else {
		timeout = inst.timeout
	}
	start := time.Now()
	resp, st := d.query(inst, q)
	if st == visaseq.StatusTimeout {
		inst.last.msg = fmt.Sprintf("%s did not complete within %s", q, timeout)
		return st
	}
	if st.Failed() {
		return st
	}
	if v := strings.TrimPrefix(strings.TrimSpace(resp), "+"); v != "1" {
		return inst.fail(visaseq.StatusInstrumentError, fmt.Sprintf("%s: unexpected response %q", q, resp))
	}
	d.logger.Debug("scpi complete", "cmd", q, "elapsed", time.Since(start))
	return visaseq.StatusSuccess
}

func (d *Driver) write(inst *instrument, cmd string) visaseq.Status {
	d.logger.Debug("scpi write", "resource", inst.res, "cmd", cmd)
	if _, err := io.WriteString(inst.conn, strings.TrimSpace(cmd)+"\n"); err != nil {
		return inst.fail(statusOf(err), fmt.Sprintf("write %s: %s", cmd, err))
	}
	return visaseq.StatusSuccess
}

func (d *Driver) query(inst *instrument, cmd string) (string, visaseq.Status) {
	if st := d.write(inst, cmd); st.Failed() {
		return "", st
	}
	resp, st := d.read(inst, cmd)
	return string(resp), st
}

// read returns the next non-empty response. Some GPIB controllers append
// their own end-of-transmission newline, which shows up as an empty line.
func (d *Driver) read(inst *instrument, cmd string) ([]byte, visaseq.Status) {
	for {
		resp, err := block.ReadResponse(inst.rd)
		if err != nil {
			return nil, inst.fail(statusOf(err), fmt.Sprintf("read response to %s: %s", cmd, err))
		}
		if len(resp) > 0 {
			d.logger.Debug("scpi read", "resource", inst.res, "bytes", len(resp))
			return resp, visaseq.StatusSuccess
		}
	}
}

// fail records a failure for the next Error call and returns its status.
func (inst *instrument) fail(st visaseq.Status, msg string) visaseq.Status {
	inst.last = &record{st: st, msg: msg}
	return st
}

func statusOf(err error) visaseq.Status {
	switch {
	case transport.IsTimeout(err):
		return visaseq.StatusTimeout
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return visaseq.StatusConnectionLost
	case errors.Is(err, block.ErrHeader):
		return visaseq.StatusInstrumentError
	}
	return visaseq.StatusIO
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

// ParseError parses a SYST:ERR? response such as
//
//	-113,"Undefined header;FOO"
func ParseError(resp string) (code int, msg string, err error) {
	resp = strings.TrimSpace(resp)
	num, text, found := strings.Cut(resp, ",")
	if !found {
		return 0, "", fmt.Errorf("malformed error queue entry %q", resp)
	}
	code, err = strconv.Atoi(strings.TrimSpace(num))
	if err != nil {
		return 0, "", fmt.Errorf("malformed error queue entry %q", resp)
	}
	text = strings.TrimSpace(text)
	if uq, err := strconv.Unquote(text); err == nil {
		text = uq
	} else {
		text = strings.Trim(text, `"`)
	}
	return code, text, nil
}
