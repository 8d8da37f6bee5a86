// Copyright (c) 2020–2024 The visaseq developers. All rights reserved.
// Project site: https://github.com/gotmc/visaseq
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package visaseq

import (
	"strconv"
	"time"
)

// Handle identifies an instrument session inside a Driver.
type Handle uint32

// NoHandle is returned by Driver.Open when it kept nothing to release.
const NoHandle Handle = 0

// OpenOptions are applied by the driver while opening a session.
type OpenOptions struct {
	IDQuery bool          // verify the instrument answers *IDN?
	Reset   bool          // reset the instrument to its default state
	Timeout time.Duration // I/O timeout; zero means the driver default
}

// Attribute is a session-wide setting changed through Session.Configure.
type Attribute int

// Available attributes.
const (
	AttrDisplayUpdate  Attribute = iota + 1 // bool: update the display while remote
	AttrAutoErrorQuery                      // bool: query the error queue after every command
	AttrTimeout                             // time.Duration: I/O timeout
)

var attrDesc = map[Attribute]string{
	AttrDisplayUpdate:  "display_update",
	AttrAutoErrorQuery: "auto_error_query",
	AttrTimeout:        "timeout",
}

func (a Attribute) String() string {
	if d, ok := attrDesc[a]; ok {
		return d
	}
	return "attribute(" + strconv.Itoa(int(a)) + ")"
}

// ParseAttribute returns the attribute with the given name.
func ParseAttribute(name string) (Attribute, bool) {
	for a, d := range attrDesc {
		if d == name {
			return a, true
		}
	}
	return 0, false
}

// Driver is the narrow status-code interface onto an instrument driver. Every
// call is synchronous. Implementations must tolerate Close and Error on
// NoHandle and on handles that are already closed. A failed Open may still
// return a handle; Error on it describes that failure and Close releases it.
//
// Different handles may be used from different goroutines; a single handle is
// only ever used by one goroutine at a time.
type Driver interface {
	Open(resource string, opts OpenOptions) (Handle, Status)
	Close(h Handle) Status
	Error(h Handle) (Status, string)
	SetAttribute(h Handle, attr Attribute, value any) Status
	Write(h Handle, cmd string) Status
	Query(h Handle, cmd string) (string, Status)
	QueryBlock(h Handle, cmd string) ([]byte, Status)
	// WaitComplete sends cmd, if not empty, and blocks until the instrument
	// reports operation complete or the timeout expires.
	WaitComplete(h Handle, cmd string, timeout time.Duration) Status
}
