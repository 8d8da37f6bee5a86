// Package cmdlog logs the commands of a running sequence and their
// responses in color.
package cmdlog

import (
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/gotmc/visaseq"
)

// Styles used for commands and responses.
var (
	CmdStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	R1Style  = lipgloss.NewStyle().Foreground(lipgloss.Color("35"))
	R2Style  = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	ErrStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
)

func isASCII(s string) bool {
	return !strings.ContainsFunc(s, func(r rune) bool {
		switch {
		case r < 7:
			return true
		case r > 6 && r < 14:
			return false
		case r > 13 && r < 32:
			return true
		case r > 127:
			return true
		}
		return false
	})
}

// Format renders a command output for the log. Binary responses are shown
// as hex.
func Format(v any) string {
	switch v := v.(type) {
	case nil:
		return R1Style.Render("<no response>")
	case string:
		return formatBytes([]byte(v))
	case []byte:
		return formatBytes(v)
	case []float64:
		if len(v) == 0 {
			return "[0 samples]"
		}
		return fmt.Sprintf("[%d samples] min %g max %g", len(v), slices.Min(v), slices.Max(v))
	default:
		return fmt.Sprint(v)
	}
}

func formatBytes(a []byte) string {
	switch {
	case len(a) == 0:
		return R1Style.Render("<no response>")
	case isASCII(string(a)):
		return fmt.Sprintf("[%d] %q", len(a), a)
	case len(a) < 32:
		return fmt.Sprintf("[%d] %q (% 2x)", len(a), a, a)
	default:
		return fmt.Sprintf("[%d] % 2x", len(a), a)
	}
}

// Observer logs sequence progress. It implements visaseq.Observer.
type Observer struct {
	logger *log.Logger
}

var _ visaseq.Observer = (*Observer)(nil)

// New returns an observer logging to logger, or to the default logger if
// logger is nil.
func New(logger *log.Logger) *Observer {
	if logger == nil {
		logger = log.Default()
	}
	return &Observer{logger: logger}
}

func (o *Observer) CommandStart(i int, cmd visaseq.Command) {
	o.logger.Debug(CmdStyle.Render(cmd.Name), "step", i)
}

func (o *Observer) CommandDone(i int, cmd visaseq.Command, out any, err error) {
	switch {
	case err != nil:
		o.logger.Error(CmdStyle.Render(cmd.Name), "step", i, "err", err)
	case out == nil:
		o.logger.Info(CmdStyle.Render(cmd.Name) + "()")
	default:
		o.logger.Info(CmdStyle.Render(cmd.Name), "resp", R2Style.Render(Format(out)))
	}
}

func (o *Observer) Finished(res *visaseq.Result) {
	l := o.logger.With("sequence", res.Sequence, "resource", res.Resource, "executed", res.Executed, "took", res.Duration)
	if res.Completed {
		l.Info(R2Style.Render("completed"), "outputs", len(res.Outputs))
	} else {
		at := fmt.Sprint(res.FailedAt)
		if res.FailedAt == visaseq.OpenStep {
			at = "open"
		}
		l.Error(ErrStyle.Render("failed"), "at", at, "command", res.FailedCommand, "kind", res.Kind(), "diag", res.Diagnostic)
	}
	if res.CloseErr != nil {
		l.Warn("close failed", "err", res.CloseErr)
	}
}
