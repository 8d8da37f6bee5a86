// Copyright (c) 2020–2024 The visaseq developers. All rights reserved.
// Project site: https://github.com/gotmc/visaseq
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package visaseq

import (
	"fmt"
	"time"
)

// fakeDriver records every call and fails the operations listed in fail.
type fakeDriver struct {
	calls []string

	openHandle  Handle
	openStatus  Status
	closeStatus Status
	fail        map[string]Diagnostic // keyed by call, e.g. "write VOLT 2"
	responses   map[string]string
	blocks      map[string][]byte
	queue       []Diagnostic // instrument error queue

	last   *Diagnostic // failure of the previous call
	silent bool        // failures leave nothing for Error to report
	closed map[Handle]int
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		openHandle: 1,
		fail:       make(map[string]Diagnostic),
		responses:  make(map[string]string),
		blocks:     make(map[string][]byte),
		closed:     make(map[Handle]int),
	}
}

func (d *fakeDriver) record(call string) Status {
	d.calls = append(d.calls, call)
	if diag, ok := d.fail[call]; ok {
		if !d.silent {
			d.last = &diag
		}
		return diag.Status
	}
	return StatusSuccess
}

func (d *fakeDriver) Open(resource string, opts OpenOptions) (Handle, Status) {
	d.calls = append(d.calls, "open "+resource)
	if d.openStatus.Failed() {
		d.last = &Diagnostic{Status: d.openStatus, Message: "resource not reachable"}
	}
	return d.openHandle, d.openStatus
}

func (d *fakeDriver) Close(h Handle) Status {
	d.calls = append(d.calls, "close")
	d.closed[h]++
	return d.closeStatus
}

func (d *fakeDriver) Error(h Handle) (Status, string) {
	d.calls = append(d.calls, "error")
	if d.last != nil {
		diag := *d.last
		d.last = nil
		return diag.Status, diag.Message
	}
	if len(d.queue) > 0 {
		diag := d.queue[0]
		d.queue = d.queue[1:]
		return diag.Status, diag.Message
	}
	return StatusSuccess, "No error"
}

func (d *fakeDriver) SetAttribute(h Handle, attr Attribute, value any) Status {
	return d.record(fmt.Sprintf("set %s=%v", attr, value))
}

func (d *fakeDriver) Write(h Handle, cmd string) Status {
	return d.record("write " + cmd)
}

func (d *fakeDriver) Query(h Handle, cmd string) (string, Status) {
	st := d.record("query " + cmd)
	return d.responses[cmd], st
}

func (d *fakeDriver) QueryBlock(h Handle, cmd string) ([]byte, Status) {
	st := d.record("block " + cmd)
	return d.blocks[cmd], st
}

func (d *fakeDriver) WaitComplete(h Handle, cmd string, timeout time.Duration) Status {
	return d.record(fmt.Sprintf("wait %s %s", cmd, timeout))
}

// commandCalls returns the calls made between open and cleanup.
func (d *fakeDriver) commandCalls() []string {
	var out []string
	for _, c := range d.calls {
		if c == "error" || c == "close" || len(c) > 5 && c[:5] == "open " {
			continue
		}
		out = append(out, c)
	}
	return out
}
