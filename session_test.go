// Copyright (c) 2020–2024 The visaseq developers. All rights reserved.
// Project site: https://github.com/gotmc/visaseq
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package visaseq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionLifecycle(t *testing.T) {
	d := newFakeDriver()
	s := NewSession(d, testResource, WithIDQuery(true), WithReset(true), WithTimeout(time.Second))
	assert.Equal(t, StateUnopened, s.State())
	assert.Equal(t, NoHandle, s.Handle())

	require.NoError(t, s.Open())
	assert.Equal(t, StateOpen, s.State())
	assert.Equal(t, Handle(1), s.Handle())

	require.NoError(t, s.Close())
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, NoHandle, s.Handle())
	require.NoError(t, s.Close(), "closing twice is a no-op")
	assert.Equal(t, 1, d.closed[1])

	err := s.Open()
	assert.ErrorIs(t, err, ErrConnection, "closed sessions cannot be reopened")
	err = s.Write("*CLS")
	assert.ErrorIs(t, err, ErrConnection)
	assert.Equal(t, Diagnostic{}, s.LastDiagnostic())
}

func TestSessionCommandBeforeOpen(t *testing.T) {
	d := newFakeDriver()
	s := NewSession(d, testResource)
	_, err := s.Query("*IDN?")
	assert.ErrorIs(t, err, ErrConnection)
	assert.ErrorContains(t, err, "session is unopened")
	assert.Empty(t, d.calls)

	require.NoError(t, s.Close())
	assert.Empty(t, d.calls, "never opened, nothing to release")
}

func TestSessionOpenFailedTwice(t *testing.T) {
	d := newFakeDriver()
	d.openStatus = StatusResourceNotFound
	s := NewSession(d, testResource)
	require.Error(t, s.Open())
	err := s.Open()
	assert.ErrorContains(t, err, "open failed")
	assert.Equal(t, []string{"open " + testResource}, d.calls)
}

func TestSessionConfigure(t *testing.T) {
	d := newFakeDriver()
	s := NewSession(d, testResource, WithTimeout(time.Second))
	require.NoError(t, s.Open())

	require.NoError(t, s.Configure(AttrDisplayUpdate, false))
	require.NoError(t, s.Configure(AttrTimeout, 3*time.Second))
	require.NoError(t, s.WaitComplete("SING", 0))
	assert.Equal(t, []string{
		"set display_update=false",
		"set timeout=3s",
		"wait SING 3s",
	}, d.commandCalls())

	err := s.Configure(AttrTimeout, "3s")
	assert.ErrorIs(t, err, ErrConfiguration)
	err = s.Configure(AttrAutoErrorQuery, 1)
	assert.ErrorIs(t, err, ErrConfiguration)

	d.fail["set display_update=true"] = Diagnostic{Status: StatusAttrNotSupported}
	err = s.Configure(AttrDisplayUpdate, true)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestSessionConfigureAutoErrorQuery(t *testing.T) {
	d := newFakeDriver()
	s := NewSession(d, testResource)
	require.NoError(t, s.Open())
	require.NoError(t, s.Configure(AttrAutoErrorQuery, true))

	d.queue = []Diagnostic{{Status: -221, Message: "Settings conflict"}}
	err := s.Write("TRIG:MODE NORM")
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.ErrorContains(t, err, "Settings conflict")

	// The popped entry stays available as the last diagnostic.
	assert.Equal(t, Diagnostic{Status: -221, Message: "Settings conflict"}, s.LastDiagnostic())

	// The next command clears it.
	require.NoError(t, s.Write("TRIG:MODE AUTO"))
	assert.False(t, s.LastDiagnostic().Pending())
}

func TestSessionLastDiagnosticNoError(t *testing.T) {
	d := newFakeDriver()
	s := NewSession(d, testResource)
	require.NoError(t, s.Open())
	diag := s.LastDiagnostic()
	assert.False(t, diag.Pending())
	assert.Empty(t, diag.Message)
	assert.Equal(t, "no error", diag.String())
}

func TestSessionQueryBlock(t *testing.T) {
	d := newFakeDriver()
	d.blocks["CHAN1:DATA?"] = []byte("#14abcd")
	s := NewSession(d, testResource)
	require.NoError(t, s.Open())
	data, err := s.QueryBlock(" CHAN1:DATA? ")
	require.NoError(t, err)
	assert.Equal(t, "#14abcd", string(data))
}

func TestDiagnosticString(t *testing.T) {
	assert.Equal(t, "SCPI error -113: Undefined header", Diagnostic{Status: -113, Message: "Undefined header"}.String())
	assert.Equal(t, StatusTimeout.String(), Diagnostic{Status: StatusTimeout}.String())
}
