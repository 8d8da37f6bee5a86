package connutil

import (
	"testing"
	"time"

	"github.com/gotmc/visaseq"
	"github.com/gotmc/visaseq/lib/config"
	"github.com/gotmc/visaseq/lib/scpi/scpitest"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlagsOverrideConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.Resource = "TCPIP0::192.168.1.101::INSTR"
	cfg.PrologixPort = "/dev/ttyUSB0"
	c := FromConfig(&cfg)

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	c.AddFlags(fs)
	require.NoError(t, fs.Parse([]string{"-r", "GPIB0::4::INSTR", "--timeout", "2s", "--reset", "--gpib-term=crlf"}))

	assert.Equal(t, "GPIB0::4::INSTR", c.Resource)
	assert.Equal(t, 2*time.Second, c.Timeout)
	assert.True(t, c.Reset)
	assert.True(t, c.IDQuery, "config default kept")
	assert.Equal(t, "/dev/ttyUSB0", c.PrologixPort)
	assert.Equal(t, "crlf", c.GpibTerm)
}

func TestSetupRejectsTerminator(t *testing.T) {
	c := Conn{GpibTerm: "eoi"}
	_, err := c.Setup(nil)
	assert.ErrorContains(t, err, "terminator")
}

func TestSetupRunsAgainstInstrument(t *testing.T) {
	srv, err := scpitest.NewServer()
	require.NoError(t, err)
	defer srv.Close()

	cfg := config.Defaults()
	cfg.Resource = srv.Resource()
	cfg.Timeout = time.Second
	c := FromConfig(&cfg)
	d, err := c.Setup(nil)
	require.NoError(t, err)

	res := visaseq.Run(d, c.Resource, visaseq.Sequence{Commands: []visaseq.Command{visaseq.Identify()}}, c.SessionOptions(nil))
	require.NoError(t, res.Failure())
	idn, _ := res.Output("*IDN?")
	assert.Equal(t, scpitest.IDN, idn)
}

func TestIsGPIB(t *testing.T) {
	assert.True(t, isGPIB("GPIB0::4::INSTR"))
	assert.False(t, isGPIB("TCPIP0::localhost::INSTR"))
	assert.False(t, isGPIB(""))
}
