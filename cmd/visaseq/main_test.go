package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gotmc/visaseq/lib/config"
	"github.com/gotmc/visaseq/lib/scpi/scpitest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *log.Logger {
	return log.NewWithOptions(&bytes.Buffer{}, log.Options{})
}

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Timeout = time.Second
	return &cfg
}

func execute(t *testing.T, cfg *config.Config, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand(cfg, testLogger(), "run-test")
	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stdout)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

func simulator(t *testing.T) *scpitest.Server {
	t.Helper()
	srv, err := scpitest.NewServer()
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	srv.Accept("CHAN1:STAT")
	srv.Accept("SING")
	srv.Waveform("CHAN1:DATA?", []float32{0, 1, 0.5})
	srv.Value("MEAS1:RES:ACT?", "1.25E+3")
	return srv
}

func writeSequences(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seq.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const acquisition = `name: single
description: one acquisition
steps:
  - op: write
    cmd: CHAN1:STAT ON
  - op: acquire
    cmd: SING
    timeout: 1s
  - op: fetch_waveform
    cmd: CHAN1:DATA?
  - op: query_float
    cmd: MEAS1:RES:ACT?
---
name: broken
steps:
  - op: write
    cmd: CHAN1:STAT ON
  - op: write
    cmd: CHAN9:STAT ON
  - op: acquire
    cmd: SING
`

func TestRootCommandVersionFlag(t *testing.T) {
	originalVersion := Version
	defer func() { Version = originalVersion }()
	Version = "v0.1.0-test"

	out, err := execute(t, testConfig(), "--version")
	require.NoError(t, err)
	assert.Equal(t, "v0.1.0-test", strings.TrimSpace(out))
}

func TestRootCommandHelpListsSubcommands(t *testing.T) {
	out, err := execute(t, testConfig(), "--help")
	require.NoError(t, err)
	for _, name := range []string{"run", "list", "ports", "idn"} {
		assert.Contains(t, out, name)
	}
}

func TestRunCommand(t *testing.T) {
	srv := simulator(t)
	path := writeSequences(t, acquisition)

	out, err := execute(t, testConfig(), "run", path, "single", "-r", srv.Resource())
	require.NoError(t, err)
	assert.Contains(t, out, "single on "+srv.Resource()+": completed (4 commands")
	assert.Contains(t, out, "2 CHAN1:DATA? = [3 samples] min 0 max 1")
	assert.Contains(t, out, "3 MEAS1:RES:ACT? = 1250")
}

func TestRunCommandFailure(t *testing.T) {
	srv := simulator(t)
	path := writeSequences(t, acquisition)

	out, err := execute(t, testConfig(), "run", path, "broken", "-r", srv.Resource(), "--auto-error-query")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `sequence "broken"`)
	assert.Contains(t, out, "failed at 1 (CHAN9:STAT ON)")
	assert.Contains(t, out, "diagnostic: SCPI error -113: Undefined header;CHAN9:STAT ON")
	assert.NotContains(t, srv.Received(), "SING")
}

func TestRunCommandJSON(t *testing.T) {
	srv := simulator(t)
	path := writeSequences(t, acquisition)

	out, err := execute(t, testConfig(), "run", path, "single", "--json", "-r", srv.Resource())
	require.NoError(t, err)
	var report map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, "run-test", report["runId"])
	assert.Equal(t, true, report["completed"])
	assert.Len(t, report["outputs"], 2)
}

func TestRunCommandUnknownSequence(t *testing.T) {
	path := writeSequences(t, acquisition)
	_, err := execute(t, testConfig(), "run", path, "sweep")
	assert.ErrorContains(t, err, `no sequence named "sweep"`)
}

func TestRunCommandUnreachable(t *testing.T) {
	srv := simulator(t)
	rsrc := srv.Resource()
	srv.Close()
	path := writeSequences(t, acquisition)

	out, err := execute(t, testConfig(), "run", path, "single", "-r", rsrc)
	assert.ErrorContains(t, err, "connection error")
	assert.Contains(t, out, "failed at open (open)")
}

func TestListCommand(t *testing.T) {
	path := writeSequences(t, acquisition)
	out, err := execute(t, testConfig(), "list", path)
	require.NoError(t, err)
	assert.Contains(t, out, "single: one acquisition\n")
	assert.Contains(t, out, "  1 acquire SING timeout 1s\n")
	assert.Contains(t, out, "broken\n")
}

func TestIDNCommand(t *testing.T) {
	srv := simulator(t)
	out, err := execute(t, testConfig(), "idn", "--self-test", "-r", srv.Resource())
	require.NoError(t, err)
	assert.Equal(t, scpitest.IDN+"\nself test passed: true\n", out)
}

func TestInvalidLogLevel(t *testing.T) {
	_, err := execute(t, testConfig(), "list", "x.yaml", "--log-level", "loud")
	assert.ErrorContains(t, err, "parse log level")
}
