// Package seqfile reads named command sequences from TOML or YAML files.
//
// A TOML file holds any number of [[sequence]] tables:
//
//	[[sequence]]
//	name = "single"
//	[[sequence.step]]
//	op = "write"
//	cmd = "CHAN1:STAT ON"
//	[[sequence.step]]
//	op = "acquire"
//	cmd = "SING"
//	timeout = "10s"
//
// A YAML file holds one sequence per document, with the steps under "steps".
package seqfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/gotmc/visaseq"
	"github.com/gotmc/visaseq/lib/block"
	"gopkg.in/yaml.v3"
)

// Format is the encoding of a sequence file.
type Format int

// Supported formats.
const (
	TOML Format = iota
	YAML
)

// Step operations.
const (
	OpWrite         = "write"
	OpQuery         = "query"
	OpQueryFloat    = "query_float"
	OpQueryInt      = "query_int"
	OpQueryBool     = "query_bool"
	OpConfigure     = "configure"
	OpReset         = "reset"
	OpClear         = "clear"
	OpAcquire       = "acquire"
	OpFetchWaveform = "fetch_waveform"
	OpSelfTest      = "self_test"
	OpIdentify      = "identify"
)

// Step is one command of a sequence as written in a file.
type Step struct {
	Op      string `toml:"op" yaml:"op"`
	Cmd     string `toml:"cmd" yaml:"cmd,omitempty"`
	Attr    string `toml:"attr" yaml:"attr,omitempty"`
	Value   any    `toml:"value" yaml:"value,omitempty"`
	Timeout string `toml:"timeout" yaml:"timeout,omitempty"`
	Format  string `toml:"format" yaml:"format,omitempty"` // fetch_waveform block format
}

// Sequence is a named list of steps. Resource optionally names the
// instrument the sequence is meant for.
type Sequence struct {
	Name        string `toml:"name" yaml:"name"`
	Description string `toml:"description" yaml:"description,omitempty"`
	Resource    string `toml:"resource" yaml:"resource,omitempty"`
	Steps       []Step `toml:"step" yaml:"steps"`
}

type tomlFile struct {
	Sequences []Sequence `toml:"sequence"`
}

// FormatOf returns the format implied by the file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return TOML, nil
	case ".yaml", ".yml":
		return YAML, nil
	}
	return 0, fmt.Errorf("unknown sequence file extension %q", filepath.Ext(path))
}

// Load reads and validates every sequence in the file.
func Load(path string) ([]Sequence, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sequence file: %w", err)
	}
	seqs, err := Decode(bytes.NewReader(data), format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return seqs, nil
}

// Decode reads and validates every sequence from r.
func Decode(r io.Reader, format Format) ([]Sequence, error) {
	var seqs []Sequence
	switch format {
	case TOML:
		var f tomlFile
		if _, err := toml.NewDecoder(r).Decode(&f); err != nil {
			return nil, fmt.Errorf("parse TOML: %w", err)
		}
		seqs = f.Sequences
	case YAML:
		dec := yaml.NewDecoder(r)
		for {
			var seq Sequence
			if err := dec.Decode(&seq); err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				return nil, fmt.Errorf("parse YAML: %w", err)
			}
			seqs = append(seqs, seq)
		}
	default:
		return nil, fmt.Errorf("unknown format %d", format)
	}
	if len(seqs) == 0 {
		return nil, errors.New("no sequences found")
	}
	seen := make(map[string]bool)
	for _, seq := range seqs {
		if seen[seq.Name] {
			return nil, fmt.Errorf("duplicate sequence %q", seq.Name)
		}
		seen[seq.Name] = true
		if _, err := seq.Build(); err != nil {
			return nil, err
		}
	}
	return seqs, nil
}

// Find returns the sequence with the given name.
func Find(seqs []Sequence, name string) (Sequence, bool) {
	for _, seq := range seqs {
		if seq.Name == name {
			return seq, true
		}
	}
	return Sequence{}, false
}

// Build turns the steps into commands.
func (s Sequence) Build() (visaseq.Sequence, error) {
	if strings.TrimSpace(s.Name) == "" {
		return visaseq.Sequence{}, errors.New("sequence without a name")
	}
	if len(s.Steps) == 0 {
		return visaseq.Sequence{}, fmt.Errorf("sequence %q has no steps", s.Name)
	}
	seq := visaseq.Sequence{Name: s.Name, Commands: make([]visaseq.Command, 0, len(s.Steps))}
	for i, step := range s.Steps {
		cmd, err := step.Command()
		if err != nil {
			return visaseq.Sequence{}, fmt.Errorf("sequence %q step %d: %w", s.Name, i, err)
		}
		seq.Commands = append(seq.Commands, cmd)
	}
	return seq, nil
}

// Command returns the command the step describes.
func (st Step) Command() (visaseq.Command, error) {
	op := strings.ToLower(strings.TrimSpace(st.Op))
	cmd := strings.TrimSpace(st.Cmd)
	switch op {
	case OpWrite, OpQuery, OpQueryFloat, OpQueryInt, OpQueryBool, OpAcquire, OpFetchWaveform:
		if cmd == "" {
			return visaseq.Command{}, fmt.Errorf("%s needs cmd", op)
		}
	case OpConfigure:
	case OpReset, OpClear, OpSelfTest, OpIdentify:
		if cmd != "" {
			return visaseq.Command{}, fmt.Errorf("%s takes no cmd", op)
		}
	case "":
		return visaseq.Command{}, errors.New("missing op")
	default:
		return visaseq.Command{}, fmt.Errorf("unknown op %q", st.Op)
	}
	if st.Timeout != "" && op != OpAcquire {
		return visaseq.Command{}, fmt.Errorf("%s takes no timeout", op)
	}
	if st.Format != "" && op != OpFetchWaveform {
		return visaseq.Command{}, fmt.Errorf("%s takes no format", op)
	}

	switch op {
	case OpWrite:
		return visaseq.Write(cmd), nil
	case OpQuery:
		return visaseq.Query(cmd), nil
	case OpQueryFloat:
		return visaseq.QueryFloat(cmd), nil
	case OpQueryInt:
		return visaseq.QueryInt(cmd), nil
	case OpQueryBool:
		return visaseq.QueryBool(cmd), nil
	case OpReset:
		return visaseq.Reset(), nil
	case OpClear:
		return visaseq.Clear(), nil
	case OpSelfTest:
		return visaseq.SelfTest(), nil
	case OpIdentify:
		return visaseq.Identify(), nil
	case OpFetchWaveform:
		f, err := block.ParseFormat(st.Format)
		if err != nil {
			return visaseq.Command{}, fmt.Errorf("%s: %w", op, err)
		}
		return visaseq.FetchWaveformAs(cmd, f), nil
	case OpAcquire:
		var timeout time.Duration
		if st.Timeout != "" {
			d, err := time.ParseDuration(st.Timeout)
			if err != nil || d <= 0 {
				return visaseq.Command{}, fmt.Errorf("acquire: invalid timeout %q", st.Timeout)
			}
			timeout = d
		}
		return visaseq.Acquire(cmd, timeout), nil
	}
	return st.configure()
}

func (st Step) configure() (visaseq.Command, error) {
	attr, ok := visaseq.ParseAttribute(strings.TrimSpace(st.Attr))
	if !ok {
		return visaseq.Command{}, fmt.Errorf("configure: unknown attribute %q", st.Attr)
	}
	switch attr {
	case visaseq.AttrTimeout:
		d, err := duration(st.Value)
		if err != nil {
			return visaseq.Command{}, fmt.Errorf("configure %s: %w", attr, err)
		}
		return visaseq.Configure(attr, d), nil
	default:
		on, ok := st.Value.(bool)
		if !ok {
			return visaseq.Command{}, fmt.Errorf("configure %s: want true or false, got %v", attr, st.Value)
		}
		return visaseq.Configure(attr, on), nil
	}
}

// duration accepts "2s" style strings or a number of seconds.
func duration(v any) (time.Duration, error) {
	var d time.Duration
	switch v := v.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return 0, err
		}
		d = parsed
	case int:
		d = time.Duration(v) * time.Second
	case int64:
		d = time.Duration(v) * time.Second
	case float64:
		d = time.Duration(v * float64(time.Second))
	default:
		return 0, fmt.Errorf("want a duration, got %v", v)
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %s", d)
	}
	return d, nil
}
