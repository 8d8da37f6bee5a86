// Package block reads and decodes instrument responses: IEEE 488.2 definite
// length blocks and comma separated ASCII lists.
package block

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// MaxLength bounds the payload of a single block. A REAL,32 waveform of 100 M
// samples fits.
const MaxLength = 400 << 20

// ErrHeader reports a malformed block header.
var ErrHeader = errors.New("invalid block header")

// ReadResponse reads one complete response from r. A definite length block
//
//	#<n><n digits giving the length><data>
//
// is returned including its header, with the trailing terminator consumed if
// present. Anything else is read up to and including the next newline, which
// is stripped.
func ReadResponse(r *bufio.Reader) ([]byte, error) {
	first, err := r.Peek(1)
	if err != nil {
		return nil, err
	}
	if first[0] != '#' {
		line, err := r.ReadBytes('\n')
		if err != nil && !(errors.Is(err, io.EOF) && len(line) > 0) {
			return nil, err
		}
		return []byte(strings.TrimRight(string(line), "\r\n")), nil
	}
	hdr, err := r.Peek(2)
	if err != nil {
		return nil, err
	}
	n := int(hdr[1] - '0')
	if n < 1 || n > 9 {
		// #0 indefinite length blocks run to the terminator.
		if hdr[1] == '0' {
			line, err := r.ReadBytes('\n')
			if err != nil {
				return nil, err
			}
			return line[:len(line)-1], nil
		}
		return nil, fmt.Errorf("%w: length digit %q", ErrHeader, hdr[1])
	}
	hdr, err = r.Peek(2 + n)
	if err != nil {
		return nil, err
	}
	length, err := strconv.Atoi(string(hdr[2 : 2+n]))
	if err != nil {
		return nil, fmt.Errorf("%w: length %q", ErrHeader, hdr[2:2+n])
	}
	if length > MaxLength {
		return nil, fmt.Errorf("%w: length %d exceeds %d", ErrHeader, length, MaxLength)
	}
	buf := make([]byte, 2+n+length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	// Drop a buffered terminator so it is not taken for the next response.
	// Peeking past the buffer would block until the read timeout.
	for r.Buffered() > 0 {
		b, _ := r.Peek(1)
		if b[0] != '\r' && b[0] != '\n' {
			break
		}
		_, _ = r.ReadByte()
	}
	return buf, nil
}

// Unpack returns the payload of a definite length block.
func Unpack(blk []byte) ([]byte, error) {
	if len(blk) < 2 || blk[0] != '#' {
		return nil, fmt.Errorf("%w: want #, got %q", ErrHeader, firstByte(blk))
	}
	if blk[1] == '0' {
		return blk[2:], nil
	}
	n := int(blk[1] - '0')
	if n < 1 || n > 9 || len(blk) < 2+n {
		return nil, fmt.Errorf("%w: length digit %q", ErrHeader, blk[1])
	}
	length, err := strconv.Atoi(string(blk[2 : 2+n]))
	if err != nil {
		return nil, fmt.Errorf("%w: length %q", ErrHeader, blk[2:2+n])
	}
	data := blk[2+n:]
	if len(data) != length {
		return nil, fmt.Errorf("invalid length: expect %d, got %d", length, len(data))
	}
	return data, nil
}

// Pack wraps data into a definite length block.
func Pack(data []byte) []byte {
	l := strconv.Itoa(len(data))
	out := make([]byte, 0, 2+len(l)+len(data))
	out = append(out, '#', byte('0'+len(l)))
	out = append(out, l...)
	return append(out, data...)
}

// PackFloat32s encodes samples as a block of little endian REAL,32 values.
func PackFloat32s(samples []float32) []byte {
	data := make([]byte, 4*len(samples))
	for i, f := range samples {
		binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(f))
	}
	return Pack(data)
}

// Float32s decodes REAL,32 data.
func Float32s(data []byte, order binary.ByteOrder) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("REAL,32 data length %d is not a multiple of 4", len(data))
	}
	out := make([]float32, 0, len(data)/4)
	for ; len(data) > 0; data = data[4:] {
		out = append(out, math.Float32frombits(order.Uint32(data)))
	}
	return out, nil
}

// Float64s decodes REAL,64 data.
func Float64s(data []byte, order binary.ByteOrder) ([]float64, error) {
	if len(data)%8 != 0 {
		return nil, fmt.Errorf("REAL,64 data length %d is not a multiple of 8", len(data))
	}
	out := make([]float64, 0, len(data)/8)
	for ; len(data) > 0; data = data[8:] {
		out = append(out, math.Float64frombits(order.Uint64(data)))
	}
	return out, nil
}

// ParseASCII parses a comma separated list of numbers.
func ParseASCII(s string) ([]float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	n := strings.Count(s, ",") + 1
	out := make([]float64, 0, n)
	remain := s
	for {
		elem, rest, found := strings.Cut(remain, ",")
		f, err := strconv.ParseFloat(strings.TrimSpace(elem), 64)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", len(out), err)
		}
		out = append(out, f)
		if !found {
			return out, nil
		}
		remain = rest
	}
}

// Format is the number format of a binary waveform block, as selected with
// FORM:DATA.
type Format int

const (
	Real32 Format = iota // REAL,32
	Real64               // REAL,64
)

func (f Format) String() string {
	if f == Real64 {
		return "REAL,64"
	}
	return "REAL,32"
}

// ParseFormat accepts the FORM:DATA spelling, e.g. "REAL,64", or the short
// names real32 and real64. An empty name is REAL,32.
func ParseFormat(name string) (Format, error) {
	switch strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(name), " ", "")) {
	case "", "REAL,32", "REAL32":
		return Real32, nil
	case "REAL,64", "REAL64":
		return Real64, nil
	}
	return 0, fmt.Errorf("unknown block format %q", name)
}

// Samples decodes a waveform response: a block of little endian REAL,32
// values, the format R&S instruments use by default, or an ASCII list.
func Samples(resp []byte) ([]float64, error) { return Decode(resp, Real32) }

// Decode decodes a waveform response holding a little endian block in
// format f, or an ASCII list.
func Decode(resp []byte, f Format) ([]float64, error) {
	if len(resp) == 0 || resp[0] != '#' {
		return ParseASCII(string(resp))
	}
	data, err := Unpack(resp)
	if err != nil {
		return nil, err
	}
	if f == Real64 {
		return Float64s(data, binary.LittleEndian)
	}
	f32, err := Float32s(data, binary.LittleEndian)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(f32))
	for i, v := range f32 {
		out[i] = float64(v)
	}
	return out, nil
}

func firstByte(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return string(b[:1])
}
