// Copyright (c) 2020–2024 The visaseq developers. All rights reserved.
// Project site: https://github.com/gotmc/visaseq
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package visaseq

import (
	"errors"
	"fmt"
)

// Kind is the failure taxonomy surfaced to callers.
type Kind int

// Available failure kinds.
const (
	KindNone Kind = iota
	KindConnection
	KindConfiguration
	KindDevice
	KindTimeout
)

var kindDesc = map[Kind]string{
	KindNone:          "none",
	KindConnection:    "connection error",
	KindConfiguration: "configuration error",
	KindDevice:        "device error",
	KindTimeout:       "timeout error",
}

func (k Kind) String() string {
	if d, ok := kindDesc[k]; ok {
		return d
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Sentinels for use with errors.Is.
var (
	ErrConnection    = errors.New("connection error")
	ErrConfiguration = errors.New("configuration error")
	ErrDevice        = errors.New("device error")
	ErrTimeout       = errors.New("timeout error")
)

// Error is the structured failure of one driver call.
type Error struct {
	Kind    Kind
	Op      string // operation that failed, e.g. "open" or "write WGEN1:FREQ 1e3"
	Status  Status
	Message string // device or driver text, may be empty
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Status.String()
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

// Is matches the sentinel belonging to the error's kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrConnection:
		return e.Kind == KindConnection
	case ErrConfiguration:
		return e.Kind == KindConfiguration
	case ErrDevice:
		return e.Kind == KindDevice
	case ErrTimeout:
		return e.Kind == KindTimeout
	}
	return false
}

// KindOf returns the kind of err, or KindNone when err carries no
// classification.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindDevice
}

// statusError is the single place where the sign convention of driver
// statuses is turned into Go errors. Non-negative statuses yield nil.
func statusError(op string, st Status, msg string) error {
	if !st.Failed() {
		return nil
	}
	return &Error{Kind: st.Kind(), Op: op, Status: st, Message: msg}
}

// newError builds a failure that does not originate from a driver status.
func newError(kind Kind, op, msg string) *Error {
	st := StatusSystemError
	switch kind {
	case KindTimeout:
		st = StatusTimeout
	case KindConfiguration:
		st = StatusAttrStateNotSupported
	case KindDevice:
		st = StatusInstrumentError
	}
	return &Error{Kind: kind, Op: op, Status: st, Message: msg}
}
