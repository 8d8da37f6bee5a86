// Copyright (c) 2020–2024 The visaseq developers. All rights reserved.
// Project site: https://github.com/gotmc/visaseq
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package visaseq

import (
	"errors"
	"time"

	"go.uber.org/multierr"
)

// OpenStep is the FailedAt value of a run whose session could not be opened.
const OpenStep = -1

// Sequence is an ordered list of commands run against one session.
type Sequence struct {
	Name     string
	Commands []Command
}

// Output is the value produced by one successful command.
type Output struct {
	Index   int    `json:"index"`
	Command string `json:"command"`
	Value   any    `json:"value"`
}

// Result is the terminal outcome of running a sequence.
type Result struct {
	Sequence  string `json:"sequence"`
	Resource  string `json:"resource"`
	Completed bool   `json:"completed"`
	// FailedAt is the index of the failing command, OpenStep if the session
	// could not be opened. Meaningless when Completed.
	FailedAt      int           `json:"failedAt"`
	FailedCommand string        `json:"failedCommand,omitempty"`
	Executed      int           `json:"executed"` // commands attempted, including a failing one
	Outputs       []Output      `json:"outputs,omitempty"`
	Diagnostic    Diagnostic    `json:"diagnostic"`
	Err           error         `json:"-"`
	CloseErr      error         `json:"-"`
	Duration      time.Duration `json:"duration"`
}

// Failure returns the failure of the run combined with any failure to close
// the session, or nil if the run completed and the session closed cleanly.
func (r *Result) Failure() error {
	return multierr.Append(r.Err, r.CloseErr)
}

// Kind returns the kind of the run failure, KindNone for completed runs.
func (r *Result) Kind() Kind { return KindOf(r.Err) }

// Output returns the value of the first output produced by the named
// command.
func (r *Result) Output(command string) (any, bool) {
	for _, o := range r.Outputs {
		if o.Command == command {
			return o.Value, true
		}
	}
	return nil, false
}

// Observer receives progress notifications while a sequence runs.
type Observer interface {
	CommandStart(index int, cmd Command)
	CommandDone(index int, cmd Command, out any, err error)
	Finished(res *Result)
}

// RunOption applies an option to a run.
type RunOption func(*runner)

type runner struct {
	observers []Observer
}

// WithObserver adds an observer to the run.
func WithObserver(o Observer) RunOption {
	return func(r *runner) {
		if o != nil {
			r.observers = append(r.observers, o)
		}
	}
}

// Run opens a session to resource, runs seq against it and always releases
// the session. Failures are reported in the Result, never panicked or
// swallowed.
func Run(d Driver, resource string, seq Sequence, sessOpts []Option, opts ...RunOption) *Result {
	s := NewSession(d, resource, sessOpts...)
	return RunSession(s, seq, opts...)
}

// RunSession runs seq against s, opening it first if it is unopened. The
// sequence stops at the first failing command. Whatever happened, the last
// diagnostic is queried once and the session is closed once.
func RunSession(s *Session, seq Sequence, opts ...RunOption) *Result {
	var r runner
	for _, opt := range opts {
		opt(&r)
	}
	start := time.Now()
	res := &Result{
		Sequence: seq.Name,
		Resource: s.Resource(),
		FailedAt: OpenStep,
	}

	res.Err = r.execute(s, seq, res)

	// Cleanup runs exactly once on every path.
	res.Diagnostic = s.LastDiagnostic()
	res.CloseErr = s.Close()

	if res.Err == nil {
		res.Completed = true
		res.FailedAt = 0
	} else {
		res.Err = withDiagnostic(res.Err, res.Diagnostic)
		if !res.Diagnostic.Pending() {
			res.Diagnostic = diagnosticOf(res.Err)
		}
	}
	res.Duration = time.Since(start)
	for _, o := range r.observers {
		o.Finished(res)
	}
	return res
}

func (r *runner) execute(s *Session, seq Sequence, res *Result) error {
	if s.State() == StateUnopened {
		if err := s.Open(); err != nil {
			res.FailedAt = OpenStep
			res.FailedCommand = "open"
			return err
		}
	}
	for i, cmd := range seq.Commands {
		for _, o := range r.observers {
			o.CommandStart(i, cmd)
		}
		res.Executed++
		var (
			out any
			err error
		)
		if cmd.Do == nil {
			err = newError(KindConfiguration, cmd.Name, "command has no implementation")
		} else {
			out, err = cmd.Do(s)
		}
		for _, o := range r.observers {
			o.CommandDone(i, cmd, out, err)
		}
		if err != nil {
			res.FailedAt = i
			res.FailedCommand = cmd.Name
			return err
		}
		if out != nil {
			res.Outputs = append(res.Outputs, Output{Index: i, Command: cmd.Name, Value: out})
		}
	}
	return nil
}

// withDiagnostic fills in the device message of a failure that carries
// none.
func withDiagnostic(err error, d Diagnostic) error {
	var e *Error
	if !errors.As(err, &e) || e.Message != "" || !d.Pending() {
		return err
	}
	e.Message = d.Message
	if e.Message == "" {
		e.Message = d.Status.String()
	}
	return err
}

// diagnosticOf derives a diagnostic from a failure when the driver had no
// error pending, e.g. when the resource identifier was rejected before the
// driver was involved.
func diagnosticOf(err error) Diagnostic {
	var e *Error
	if errors.As(err, &e) {
		msg := e.Message
		if msg == "" {
			msg = e.Status.String()
		}
		return Diagnostic{Status: e.Status, Message: msg}
	}
	return Diagnostic{Status: StatusSystemError, Message: err.Error()}
}
