package cmdlog

import (
	"bytes"
	"errors"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/gotmc/visaseq"
	"github.com/stretchr/testify/assert"
)

func TestIsASCII(t *testing.T) {
	assert.True(t, isASCII("Rohde&Schwarz,MXO44\r\n\t"))
	assert.False(t, isASCII("#14\x00\x01\x02\x03"))
	assert.False(t, isASCII("\xff"))
}

func TestFormat(t *testing.T) {
	assert.Equal(t, `[5] "1E+03"`, Format("1E+03"))
	assert.Equal(t, `[3] "\x00\x01A" (00 01 41)`, Format([]byte{0, 1, 'A'}))
	long := bytes.Repeat([]byte{0xfe}, 32)
	assert.Equal(t, "[32] "+string(bytes.Repeat([]byte("fe "), 31))+"fe", Format(long))
	assert.Equal(t, "[3 samples] min -1 max 2.5", Format([]float64{0, -1, 2.5}))
	assert.Equal(t, "[0 samples]", Format([]float64{}))
	assert.Equal(t, "true", Format(true))
	assert.Equal(t, "1500", Format(1500.0))
	assert.Contains(t, Format(nil), "<no response>")
}

func TestObserver(t *testing.T) {
	var buf bytes.Buffer
	logger := log.NewWithOptions(&buf, log.Options{Level: log.DebugLevel, Formatter: log.LogfmtFormatter})
	o := New(logger)

	o.CommandStart(0, visaseq.Write("*CLS"))
	o.CommandDone(0, visaseq.Write("*CLS"), nil, nil)
	o.CommandDone(1, visaseq.Query("*IDN?"), "Rohde&Schwarz", nil)
	o.CommandDone(2, visaseq.Acquire("SING", 0), nil, errors.New("timeout"))
	o.Finished(&visaseq.Result{
		Sequence:      "single",
		FailedAt:      visaseq.OpenStep,
		FailedCommand: "open",
		Err:           &visaseq.Error{Kind: visaseq.KindConnection},
		CloseErr:      errors.New("port busy"),
	})

	out := buf.String()
	assert.Contains(t, out, "*CLS")
	assert.Contains(t, out, "Rohde&Schwarz")
	assert.Contains(t, out, "err=timeout")
	assert.Contains(t, out, "at=open")
	assert.Contains(t, out, "\"connection error\"")
	assert.Contains(t, out, "port busy")
}
