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

	"github.com/gotmc/query"
	"github.com/gotmc/visaseq/lib/block"
)

// Command is one call into the instrument driver. Do returns the value the
// command produced, or nil for commands without output.
type Command struct {
	Name string
	Do   func(s *Session) (any, error)
}

func (c Command) String() string { return c.Name }

// Func wraps an arbitrary function as a command.
func Func(name string, fn func(s *Session) (any, error)) Command {
	return Command{Name: name, Do: fn}
}

// Write sends a command without a response.
func Write(cmd string) Command {
	cmd = strings.TrimSpace(cmd)
	return Command{
		Name: cmd,
		Do:   func(s *Session) (any, error) { return nil, s.Write(cmd) },
	}
}

// Writef formats a command according to a format specifier.
func Writef(format string, a ...any) Command {
	return Write(fmt.Sprintf(format, a...))
}

// Query sends a query and outputs the response string.
func Query(cmd string) Command {
	cmd = strings.TrimSpace(cmd)
	return Command{
		Name: cmd,
		Do: func(s *Session) (any, error) {
			v, err := query.String(s, cmd)
			if err != nil {
				return nil, err
			}
			return strings.TrimSpace(v), nil
		},
	}
}

// QueryFloat sends a query and outputs the response as a float64, e.g. a
// measurement result.
func QueryFloat(cmd string) Command {
	cmd = strings.TrimSpace(cmd)
	return Command{
		Name: cmd,
		Do: func(s *Session) (any, error) {
			v, err := query.Float64(s, cmd)
			if err != nil {
				return nil, responseError(cmd, err)
			}
			return v, nil
		},
	}
}

// QueryInt sends a query and outputs the response as an int.
func QueryInt(cmd string) Command {
	cmd = strings.TrimSpace(cmd)
	return Command{
		Name: cmd,
		Do: func(s *Session) (any, error) {
			v, err := query.Int(s, cmd)
			if err != nil {
				return nil, responseError(cmd, err)
			}
			return v, nil
		},
	}
}

// QueryBool sends a query and outputs the response as a bool. SCPI answers
// boolean queries with 0 or 1.
func QueryBool(cmd string) Command {
	cmd = strings.TrimSpace(cmd)
	return Command{
		Name: cmd,
		Do: func(s *Session) (any, error) {
			v, err := query.Bool(s, cmd)
			if err != nil {
				return nil, responseError(cmd, err)
			}
			return v, nil
		},
	}
}

// Configure sets a session-wide attribute.
func Configure(attr Attribute, value any) Command {
	return Command{
		Name: fmt.Sprintf("configure %s=%v", attr, value),
		Do:   func(s *Session) (any, error) { return nil, s.Configure(attr, value) },
	}
}

// Reset returns the instrument to its default state and waits for it.
func Reset() Command {
	return Command{
		Name: "*RST",
		Do:   func(s *Session) (any, error) { return nil, s.WaitComplete("*RST", 0) },
	}
}

// Clear clears the status registers and the error queue.
func Clear() Command { return Write("*CLS") }

// Identify outputs the identification string.
func Identify() Command { return Query("*IDN?") }

// SelfTest runs the instrument self test and outputs whether it passed.
// Some instruments need several seconds; raise AttrTimeout beforehand.
func SelfTest() Command {
	return Command{
		Name: "*TST?",
		Do: func(s *Session) (any, error) {
			code, err := query.Int(s, "*TST?")
			if err != nil {
				return nil, responseError("*TST?", err)
			}
			return code == 0, nil
		},
	}
}

// Acquire sends a blocking action such as a single acquisition or sweep and
// waits for it to complete, at most for timeout.
func Acquire(cmd string, timeout time.Duration) Command {
	cmd = strings.TrimSpace(cmd)
	return Command{
		Name: cmd,
		Do:   func(s *Session) (any, error) { return nil, s.WaitComplete(cmd, timeout) },
	}
}

// FetchWaveform queries trace or waveform data and outputs the samples as
// []float64. Binary responses are expected as an IEEE 488.2 definite length
// block of little endian REAL,32 values; anything else is parsed as a comma
// separated list.
func FetchWaveform(cmd string) Command { return FetchWaveformAs(cmd, block.Real32) }

// FetchWaveformAs is FetchWaveform for binary blocks in format f.
func FetchWaveformAs(cmd string, f block.Format) Command {
	cmd = strings.TrimSpace(cmd)
	return Command{
		Name: cmd,
		Do: func(s *Session) (any, error) {
			data, err := s.QueryBlock(cmd)
			if err != nil {
				return nil, err
			}
			samples, err := block.Decode(data, f)
			if err != nil {
				return nil, responseError(cmd, err)
			}
			return samples, nil
		},
	}
}

// responseError classifies a response the instrument sent but that could
// not be interpreted. Driver failures are passed through.
func responseError(cmd string, err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return newError(KindDevice, "query "+cmd, fmt.Sprintf("unexpected response: %s", err))
}
