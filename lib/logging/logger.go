// Package logging builds the structured logger used by the visaseq commands.
package logging

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// Option configures logger creation.
type Option func(*newOptions)

type newOptions struct {
	runID     string
	timestamp bool
}

// WithRunID configures the run_id field used in emitted log records.
func WithRunID(runID string) Option {
	return func(opts *newOptions) {
		opts.runID = strings.TrimSpace(runID)
	}
}

// WithTimestamp enables timestamps on every record.
func WithTimestamp(on bool) Option {
	return func(opts *newOptions) {
		opts.timestamp = on
	}
}

// NewRunID returns a fresh identifier for one invocation.
func NewRunID() string { return uuid.NewString() }

// New returns a logger writing to w. level is one of debug, info, warn or
// error; format is text, json or logfmt.
func New(w io.Writer, level, format string, options ...Option) (*log.Logger, error) {
	lvl, err := log.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	var formatter log.Formatter
	switch strings.TrimSpace(format) {
	case "", "text":
		formatter = log.TextFormatter
	case "json":
		formatter = log.JSONFormatter
	case "logfmt":
		formatter = log.LogfmtFormatter
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}

	resolved := newOptions{}
	for _, option := range options {
		if option != nil {
			option(&resolved)
		}
	}

	logger := log.NewWithOptions(w, log.Options{
		Level:           lvl,
		ReportTimestamp: resolved.timestamp,
		TimeFormat:      time.RFC3339,
		Formatter:       formatter,
	})
	if resolved.runID != "" {
		logger = logger.With("run_id", resolved.runID)
	}
	return logger, nil
}
