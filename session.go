// Copyright (c) 2020–2024 The visaseq developers. All rights reserved.
// Project site: https://github.com/gotmc/visaseq
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package visaseq

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// State is the lifecycle state of a Session.
type State int

// Session states. Closed is terminal.
const (
	StateUnopened State = iota
	StateOpen
	StateClosed
)

func (st State) String() string {
	switch st {
	case StateUnopened:
		return "unopened"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Diagnostic is the last error the instrument or driver knows about. A
// Status of StatusSuccess means no error was pending.
type Diagnostic struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Pending reports whether the diagnostic describes an error.
func (d Diagnostic) Pending() bool { return d.Status.Failed() }

func (d Diagnostic) String() string {
	if !d.Pending() {
		return "no error"
	}
	if d.Message == "" {
		return d.Status.String()
	}
	return fmt.Sprintf("%s: %s", d.Status, d.Message)
}

// Session models one connection to a remote instrument. A Session is owned by
// a single goroutine; the zero value is not usable, use NewSession.
type Session struct {
	drv       Driver
	resource  string
	h         Handle
	state     State
	attempted bool // Open was called, so Close must release whatever it got

	idQuery        bool
	reset          bool
	autoErrorQuery bool
	timeout        time.Duration
	logger         *log.Logger

	// pending holds an error popped from the device by the automatic error
	// query, until the next command runs.
	pending *Diagnostic
}

// Option applies an option to a session.
type Option func(*Session)

// WithIDQuery makes Open verify the instrument identifies itself.
func WithIDQuery(on bool) Option { return func(s *Session) { s.idQuery = on } }

// WithReset makes Open reset the instrument to its default state.
func WithReset(on bool) Option { return func(s *Session) { s.reset = on } }

// WithAutoErrorQuery makes the session query the instrument error queue after
// every successful command, failing that command if an error is pending.
func WithAutoErrorQuery(on bool) Option { return func(s *Session) { s.autoErrorQuery = on } }

// WithTimeout sets the I/O timeout used by the driver.
func WithTimeout(d time.Duration) Option { return func(s *Session) { s.timeout = d } }

// WithLogger sets the logger used for debug output.
func WithLogger(l *log.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSession creates an unopened session for the given resource identifier.
func NewSession(d Driver, resource string, opts ...Option) *Session {
	s := Session{
		drv:      d,
		resource: strings.TrimSpace(resource),
		logger:   log.Default(),
	}
	for _, opt := range opts {
		opt(&s)
	}
	return &s
}

// Resource returns the resource identifier the session connects to.
func (s *Session) Resource() string { return s.resource }

// State returns the lifecycle state.
func (s *Session) State() State { return s.state }

// Handle returns the driver handle, which is NoHandle unless the driver
// created a session.
func (s *Session) Handle() Handle { return s.h }

// Open establishes the connection. Every failure is a connection error. A
// session that fails to open may still hold a driver handle, so Close must be
// called either way.
func (s *Session) Open() error {
	if s.state != StateUnopened || s.attempted {
		return newError(KindConnection, "open", fmt.Sprintf("session is %s", s.stateDesc()))
	}
	if s.resource == "" {
		return newError(KindConnection, "open", "empty resource identifier")
	}
	s.attempted = true
	s.logger.Debug("open", "resource", s.resource, "id_query", s.idQuery, "reset", s.reset)
	h, st := s.drv.Open(s.resource, OpenOptions{
		IDQuery: s.idQuery,
		Reset:   s.reset,
		Timeout: s.timeout,
	})
	s.h = h
	if err := statusError("open "+s.resource, st, ""); err != nil {
		var e *Error
		if errors.As(err, &e) {
			e.Kind = KindConnection
		}
		return err
	}
	s.state = StateOpen
	return nil
}

// Configure sets a session-wide attribute.
func (s *Session) Configure(attr Attribute, value any) error {
	op := fmt.Sprintf("configure %s", attr)
	switch attr {
	case AttrAutoErrorQuery:
		on, ok := value.(bool)
		if !ok {
			return newError(KindConfiguration, op, fmt.Sprintf("want bool, got %T", value))
		}
		if err := s.requireOpen(op); err != nil {
			return err
		}
		s.autoErrorQuery = on
		return nil
	case AttrTimeout:
		d, ok := value.(time.Duration)
		if !ok || d <= 0 {
			return newError(KindConfiguration, op, fmt.Sprintf("want positive duration, got %v", value))
		}
		if err := s.call(op, func() Status { return s.drv.SetAttribute(s.h, attr, d) }); err != nil {
			return err
		}
		s.timeout = d
		return nil
	}
	return s.call(op, func() Status { return s.drv.SetAttribute(s.h, attr, value) })
}

// Write sends a command that has no response.
func (s *Session) Write(cmd string) error {
	cmd = strings.TrimSpace(cmd)
	s.logger.Debug("write", "cmd", cmd)
	return s.call("write "+cmd, func() Status { return s.drv.Write(s.h, cmd) })
}

// Writef formats according to a format specifier and sends the command.
func (s *Session) Writef(format string, a ...any) error {
	return s.Write(fmt.Sprintf(format, a...))
}

// Query sends cmd and returns the response line. Session satisfies the
// Querier interface of github.com/gotmc/query.
func (s *Session) Query(cmd string) (string, error) {
	cmd = strings.TrimSpace(cmd)
	var resp string
	err := s.call("query "+cmd, func() (st Status) {
		resp, st = s.drv.Query(s.h, cmd)
		return st
	})
	s.logger.Debug("query", "cmd", cmd, "resp", resp)
	if err != nil {
		return "", err
	}
	return resp, nil
}

// QueryBlock sends cmd and returns the binary block the instrument answers
// with.
func (s *Session) QueryBlock(cmd string) ([]byte, error) {
	cmd = strings.TrimSpace(cmd)
	var data []byte
	err := s.call("query "+cmd, func() (st Status) {
		data, st = s.drv.QueryBlock(s.h, cmd)
		return st
	})
	s.logger.Debug("query block", "cmd", cmd, "bytes", len(data))
	if err != nil {
		return nil, err
	}
	return data, nil
}

// WaitComplete sends cmd and blocks until the instrument reports operation
// complete, at most for timeout. A zero timeout uses the session timeout.
func (s *Session) WaitComplete(cmd string, timeout time.Duration) error {
	cmd = strings.TrimSpace(cmd)
	if timeout <= 0 {
		timeout = s.timeout
	}
	s.logger.Debug("wait", "cmd", cmd, "timeout", timeout)
	op := "wait"
	if cmd != "" {
		op = "wait " + cmd
	}
	return s.call(op, func() Status { return s.drv.WaitComplete(s.h, cmd, timeout) })
}

// LastDiagnostic queries the most recent error. It may be called right
// before Close, including after a failed Open.
func (s *Session) LastDiagnostic() Diagnostic {
	if s.state == StateClosed || !s.attempted {
		if s.pending != nil {
			return *s.pending
		}
		return Diagnostic{}
	}
	st, msg := s.drv.Error(s.h)
	if !st.Failed() && s.pending != nil {
		return *s.pending
	}
	if !st.Failed() {
		msg = ""
	}
	return Diagnostic{Status: st, Message: strings.TrimSpace(msg)}
}

// Close releases the connection. Closing a closed session is a no-op.
func (s *Session) Close() error {
	if s.state == StateClosed {
		return nil
	}
	s.state = StateClosed
	if !s.attempted {
		return nil
	}
	s.logger.Debug("close", "resource", s.resource)
	st := s.drv.Close(s.h)
	s.h = NoHandle
	if err := statusError("close "+s.resource, st, ""); err != nil {
		var e *Error
		if errors.As(err, &e) {
			e.Kind = KindConnection
		}
		return err
	}
	return nil
}

func (s *Session) requireOpen(op string) error {
	if s.state != StateOpen {
		return newError(KindConnection, op, fmt.Sprintf("session is %s", s.stateDesc()))
	}
	return nil
}

func (s *Session) stateDesc() string {
	if s.state == StateUnopened && s.attempted {
		return "not open (open failed)"
	}
	return s.state.String()
}

// call runs one driver call and applies the automatic error query.
func (s *Session) call(op string, fn func() Status) error {
	if err := s.requireOpen(op); err != nil {
		return err
	}
	s.pending = nil
	if err := statusError(op, fn(), ""); err != nil {
		return err
	}
	if !s.autoErrorQuery {
		return nil
	}
	st, msg := s.drv.Error(s.h)
	if !st.Failed() {
		return nil
	}
	msg = strings.TrimSpace(msg)
	s.pending = &Diagnostic{Status: st, Message: msg}
	return statusError(op, st, msg)
}
