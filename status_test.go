// Copyright (c) 2020–2024 The visaseq developers. All rights reserved.
// Project site: https://github.com/gotmc/visaseq
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package visaseq

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusKind(t *testing.T) {
	tests := []struct {
		st   Status
		want Kind
	}{
		{StatusSuccess, KindNone},
		{1, KindNone},
		{StatusTimeout, KindTimeout},
		{StatusResourceNotFound, KindConnection},
		{StatusConnectionLost, KindConnection},
		{StatusIDQueryFailed, KindConnection},
		{StatusAttrNotSupported, KindConfiguration},
		{-113, KindConfiguration},
		{-222, KindConfiguration},
		{-200, KindDevice},
		{-350, KindDevice},
		{-1, KindDevice},
		{StatusInstrumentError, KindDevice},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(int32(tt.st)), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.st.Kind())
			assert.Equal(t, tt.st < 0, tt.st.Failed())
		})
	}
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "timeout expired before operation completed (0xBFFF0015)", StatusTimeout.String())
	assert.Equal(t, "SCPI error -222", Status(-222).String())
	assert.Equal(t, "status 0xFFFFFFFF", Status(-1).String())
}

func TestErrorIs(t *testing.T) {
	err := fmt.Errorf("run: %w", statusError("wait SING", StatusTimeout, ""))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrDevice)
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.EqualError(t, errors.Unwrap(err), "wait SING: timeout error: "+StatusTimeout.String())

	assert.Nil(t, statusError("write", StatusSuccess, ""))
	assert.Nil(t, statusError("write", 0x3FFF0005, "warning"))
	assert.Equal(t, KindNone, KindOf(nil))
	assert.Equal(t, KindDevice, KindOf(errors.New("plain")))
}

func TestParseAttribute(t *testing.T) {
	for _, a := range []Attribute{AttrDisplayUpdate, AttrAutoErrorQuery, AttrTimeout} {
		got, ok := ParseAttribute(a.String())
		assert.True(t, ok)
		assert.Equal(t, a, got)
	}
	_, ok := ParseAttribute("brightness")
	assert.False(t, ok)
	assert.Equal(t, "attribute(42)", Attribute(42).String())
}
