package scpi_test

import (
	"testing"
	"time"

	"github.com/gotmc/visaseq"
	"github.com/gotmc/visaseq/lib/scpi"
	"github.com/gotmc/visaseq/lib/scpi/scpitest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func oscilloscope(t *testing.T) *scpitest.Server {
	t.Helper()
	srv, err := scpitest.NewServer()
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	srv.Accept("CHAN1:STAT")
	srv.Accept("SING")
	srv.Waveform("CHAN1:DATA?", []float32{0, 0.5, 1, 0.5})
	srv.Value("MEAS1:RES:ACT?", "2.5E+3")
	return srv
}

func TestRunAcquisition(t *testing.T) {
	srv := oscilloscope(t)
	seq := visaseq.Sequence{
		Name: "acquire",
		Commands: []visaseq.Command{
			visaseq.Configure(visaseq.AttrDisplayUpdate, true),
			visaseq.Write("CHAN1:STAT ON"),
			visaseq.Acquire("SING", time.Second),
			visaseq.FetchWaveform("CHAN1:DATA?"),
			visaseq.QueryFloat("MEAS1:RES:ACT?"),
		},
	}
	res := visaseq.Run(scpi.New(), srv.Resource(), seq, []visaseq.Option{
		visaseq.WithIDQuery(true),
		visaseq.WithReset(true),
		visaseq.WithAutoErrorQuery(true),
		visaseq.WithTimeout(time.Second),
	})
	require.NoError(t, res.Failure())
	assert.True(t, res.Completed)
	assert.Equal(t, 5, res.Executed)
	assert.False(t, res.Diagnostic.Pending())

	wf, ok := res.Output("CHAN1:DATA?")
	require.True(t, ok)
	assert.Equal(t, []float64{0, 0.5, 1, 0.5}, wf)
	meas, ok := res.Output("MEAS1:RES:ACT?")
	require.True(t, ok)
	assert.InDelta(t, 2500.0, meas, 1e-9)
}

func TestRunStopsAtRejectedCommand(t *testing.T) {
	srv := oscilloscope(t)
	seq := visaseq.Sequence{
		Name: "bad header",
		Commands: []visaseq.Command{
			visaseq.Write("CHAN1:STAT ON"),
			visaseq.Write("CHAN9:STAT ON"),
			visaseq.Acquire("SING", time.Second),
		},
	}
	res := visaseq.Run(scpi.New(), srv.Resource(), seq, []visaseq.Option{
		visaseq.WithAutoErrorQuery(true),
		visaseq.WithTimeout(time.Second),
	})
	assert.False(t, res.Completed)
	assert.Equal(t, 1, res.FailedAt)
	assert.Equal(t, "CHAN9:STAT ON", res.FailedCommand)
	assert.Equal(t, visaseq.KindConfiguration, res.Kind())
	assert.ErrorIs(t, res.Err, visaseq.ErrConfiguration)
	assert.Equal(t, visaseq.Status(-113), res.Diagnostic.Status)
	assert.Contains(t, res.Diagnostic.Message, "CHAN9:STAT ON")
	assert.NoError(t, res.CloseErr)
	assert.NotContains(t, srv.Received(), "SING")
}

func TestRunAcquisitionTimeout(t *testing.T) {
	srv := oscilloscope(t)
	srv.Hang("SING")
	seq := visaseq.Sequence{Commands: []visaseq.Command{
		visaseq.Write("CHAN1:STAT ON"),
		visaseq.Acquire("SING", 50*time.Millisecond),
		visaseq.FetchWaveform("CHAN1:DATA?"),
	}}
	res := visaseq.Run(scpi.New(), srv.Resource(), seq, []visaseq.Option{visaseq.WithTimeout(time.Second)})
	assert.Equal(t, 1, res.FailedAt)
	assert.Equal(t, visaseq.KindTimeout, res.Kind())
	assert.ErrorIs(t, res.Err, visaseq.ErrTimeout)
	assert.Equal(t, visaseq.StatusTimeout, res.Diagnostic.Status)
	assert.Equal(t, 2, res.Executed)
}

func TestRunUnreachable(t *testing.T) {
	srv := oscilloscope(t)
	rsrc := srv.Resource()
	srv.Close()

	res := visaseq.Run(scpi.New(), rsrc, visaseq.Sequence{Commands: []visaseq.Command{visaseq.Identify()}}, nil)
	assert.Equal(t, visaseq.OpenStep, res.FailedAt)
	assert.Equal(t, visaseq.KindConnection, res.Kind())
	assert.Equal(t, 0, res.Executed)
	assert.Equal(t, visaseq.StatusResourceNotFound, res.Diagnostic.Status)
	assert.NoError(t, res.CloseErr)
}
