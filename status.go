// Copyright (c) 2020–2024 The visaseq developers. All rights reserved.
// Project site: https://github.com/gotmc/visaseq
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package visaseq

import "fmt"

// Status is the completion code returned by every driver call. Zero is
// success, negative values are failures and positive values are warnings or
// completion codes that still count as success.
type Status int32

const (
	visaBase = -0x40010000 // 0xBFFF0000
	iviBase  = -0x40060000 // 0xBFFA0000
)

// Driver status codes. The VISA values match the ones in visa.h so that
// statuses coming from a native library can be passed through unchanged.
const (
	StatusSuccess               Status = 0
	StatusSystemError           Status = visaBase + 0x00
	StatusInvalidObject         Status = visaBase + 0x0E
	StatusResourceNotFound      Status = visaBase + 0x11
	StatusInvalidResourceName   Status = visaBase + 0x12
	StatusTimeout               Status = visaBase + 0x15
	StatusAttrNotSupported      Status = visaBase + 0x1D
	StatusAttrStateNotSupported Status = visaBase + 0x1E
	StatusIO                    Status = visaBase + 0x3E
	StatusConnectionLost        Status = visaBase + 0xA6
	StatusIDQueryFailed         Status = iviBase + 0x1D
	// StatusInstrumentError reports a device-specific (positive) SCPI error
	// queue entry. Standard SCPI errors are passed through as their own
	// negative code.
	StatusInstrumentError Status = iviBase + 0x0FFF
)

var statusDesc = map[Status]string{
	StatusSuccess:               "success",
	StatusSystemError:           "unknown system error",
	StatusInvalidObject:         "invalid session handle",
	StatusResourceNotFound:      "resource not found",
	StatusInvalidResourceName:   "invalid resource name",
	StatusTimeout:               "timeout expired before operation completed",
	StatusAttrNotSupported:      "attribute not supported",
	StatusAttrStateNotSupported: "attribute value not supported",
	StatusIO:                    "I/O error",
	StatusConnectionLost:        "connection lost",
	StatusIDQueryFailed:         "instrument failed the identification query",
	StatusInstrumentError:       "instrument reports an error",
}

// Failed reports whether the status denotes a failure.
func (s Status) Failed() bool { return s < 0 }

func (s Status) String() string {
	if d, ok := statusDesc[s]; ok {
		return fmt.Sprintf("%s (0x%08X)", d, uint32(s))
	}
	if s.isSCPI() {
		return fmt.Sprintf("SCPI error %d", int32(s))
	}
	return fmt.Sprintf("status 0x%08X", uint32(s))
}

// isSCPI reports whether s lies in the range of standard SCPI error queue
// codes, which drivers pass through unchanged.
func (s Status) isSCPI() bool { return s <= -100 && s >= -499 }

// Kind classifies a failure.
func (s Status) Kind() Kind {
	switch s {
	case StatusSuccess:
		return KindNone
	case StatusTimeout:
		return KindTimeout
	case StatusResourceNotFound, StatusInvalidResourceName, StatusInvalidObject,
		StatusIO, StatusConnectionLost, StatusSystemError, StatusIDQueryFailed:
		return KindConnection
	case StatusAttrNotSupported, StatusAttrStateNotSupported:
		return KindConfiguration
	}
	switch {
	case !s.Failed():
		return KindNone
	case s <= -100 && s >= -199:
		// SCPI command errors: header, syntax and parameter type problems.
		return KindConfiguration
	case s <= -220 && s >= -229:
		// SCPI parameter errors: out of range, settings conflict.
		return KindConfiguration
	}
	return KindDevice
}
