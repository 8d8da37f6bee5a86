// Command visaseq runs command sequences against lab instruments.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gotmc/visaseq"
	"github.com/gotmc/visaseq/lib/cmdlog"
	"github.com/gotmc/visaseq/lib/config"
	"github.com/gotmc/visaseq/lib/connutil"
	"github.com/gotmc/visaseq/lib/find"
	"github.com/gotmc/visaseq/lib/logging"
	"github.com/gotmc/visaseq/lib/publish"
	"github.com/gotmc/visaseq/lib/seqfile"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	runID := logging.NewRunID()
	logger, err := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat, logging.WithRunID(runID))
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}

	cmd := newRootCommand(cfg, logger, runID)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

type app struct {
	cfg      *config.Config
	logger   *log.Logger
	runID    string
	conn     connutil.Conn
	logLevel string
}

func newRootCommand(cfg *config.Config, logger *log.Logger, runID string) *cobra.Command {
	a := &app{
		cfg:      cfg,
		logger:   logger,
		runID:    runID,
		conn:     connutil.FromConfig(cfg),
		logLevel: cfg.LogLevel,
	}
	root := &cobra.Command{
		Use:           "visaseq",
		Short:         "Run command sequences against lab instruments",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}
	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", a.logLevel, "log level: debug, info, warn or error")

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if a.logger == nil {
			return errors.New("logger is required")
		}
		lvl, err := log.ParseLevel(a.logLevel)
		if err != nil {
			return fmt.Errorf("parse log level: %w", err)
		}
		a.logger.SetLevel(lvl)
		a.logger.With("command", cmd.Name()).Debug("command invocation")
		return nil
	}

	root.AddCommand(
		a.newRunCommand(),
		a.newListCommand(),
		a.newPortsCommand(),
		a.newIDNCommand(),
	)
	return root
}

func (a *app) newRunCommand() *cobra.Command {
	var (
		asJSON bool
		mqttCf = a.cfg.MQTT
	)
	cmd := &cobra.Command{
		Use:   "run FILE [SEQUENCE...]",
		Short: "Run the sequences of a TOML or YAML file, or only the named ones",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seqs, err := seqfile.Load(args[0])
			if err != nil {
				return err
			}
			selected, err := selectSequences(seqs, args[1:])
			if err != nil {
				return err
			}
			drv, err := a.conn.Setup(a.logger)
			if err != nil {
				return err
			}

			var pub *publish.Publisher
			if mqttCf.Broker != "" {
				pub, err = publish.New(publish.Config{
					Broker:   mqttCf.Broker,
					Topic:    mqttCf.Topic,
					ClientID: mqttCf.ClientID,
					Username: mqttCf.Username,
					Password: mqttCf.Password,
					QoS:      mqttCf.QoS,
				}, a.logger)
				if err != nil {
					return err
				}
				if err := pub.Connect(cmd.Context()); err != nil {
					return err
				}
				defer pub.Close()
			}

			out := cmd.OutOrStdout()
			var failures error
			for _, s := range selected {
				seq, err := s.Build()
				if err != nil {
					return err
				}
				rsrc := a.conn.Resource
				if s.Resource != "" && !cmd.Flags().Changed("resource") {
					rsrc = s.Resource
				}
				res := visaseq.Run(drv, rsrc, seq, a.conn.SessionOptions(a.logger),
					visaseq.WithObserver(cmdlog.New(a.logger)))

				if asJSON {
					if err := json.NewEncoder(out).Encode(publish.NewReport(a.runID, res)); err != nil {
						return err
					}
				} else {
					printResult(out, res)
				}
				if pub != nil {
					if err := pub.Publish(cmd.Context(), a.runID, res); err != nil {
						a.logger.Warn("publishing result failed", "sequence", res.Sequence, "err", err)
					}
				}
				if err := res.Failure(); err != nil {
					failures = multierr.Append(failures, fmt.Errorf("sequence %q: %w", res.Sequence, err))
				}
			}
			return failures
		},
	}
	a.conn.AddFlags(cmd.Flags())
	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON")
	cmd.Flags().StringVar(&mqttCf.Broker, "mqtt-broker", mqttCf.Broker, "publish results to this MQTT broker, e.g. tcp://localhost:1883")
	cmd.Flags().StringVar(&mqttCf.Topic, "mqtt-topic", mqttCf.Topic, "MQTT topic prefix for results")
	return cmd
}

func selectSequences(seqs []seqfile.Sequence, names []string) ([]seqfile.Sequence, error) {
	if len(names) == 0 {
		return seqs, nil
	}
	out := make([]seqfile.Sequence, 0, len(names))
	for _, name := range names {
		s, ok := seqfile.Find(seqs, name)
		if !ok {
			return nil, fmt.Errorf("no sequence named %q", name)
		}
		out = append(out, s)
	}
	return out, nil
}

func printResult(w io.Writer, res *visaseq.Result) {
	if res.Completed {
		fmt.Fprintf(w, "%s on %s: completed (%d commands, %s)\n", res.Sequence, res.Resource, res.Executed, res.Duration.Round(time.Millisecond))
	} else {
		at := fmt.Sprint(res.FailedAt)
		if res.FailedAt == visaseq.OpenStep {
			at = "open"
		}
		fmt.Fprintf(w, "%s on %s: failed at %s (%s): %v\n", res.Sequence, res.Resource, at, res.FailedCommand, res.Err)
	}
	for _, o := range res.Outputs {
		fmt.Fprintf(w, "  %d %s = %s\n", o.Index, o.Command, cmdlog.Format(o.Value))
	}
	if res.Diagnostic.Pending() {
		fmt.Fprintf(w, "  diagnostic: %s\n", res.Diagnostic)
	}
	if res.CloseErr != nil {
		fmt.Fprintf(w, "  close: %v\n", res.CloseErr)
	}
}

func (a *app) newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list FILE",
		Short: "List the sequences of a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seqs, err := seqfile.Load(args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, s := range seqs {
				fmt.Fprint(w, s.Name)
				if s.Resource != "" {
					fmt.Fprintf(w, " [%s]", s.Resource)
				}
				if s.Description != "" {
					fmt.Fprintf(w, ": %s", s.Description)
				}
				fmt.Fprintln(w)
				for i, st := range s.Steps {
					fmt.Fprintf(w, "  %d %s\n", i, describeStep(st))
				}
			}
			return nil
		},
	}
}

func describeStep(st seqfile.Step) string {
	parts := []string{st.Op}
	if st.Cmd != "" {
		parts = append(parts, st.Cmd)
	}
	if st.Attr != "" {
		parts = append(parts, fmt.Sprintf("%s=%v", st.Attr, st.Value))
	}
	if st.Timeout != "" {
		parts = append(parts, "timeout "+st.Timeout)
	}
	if st.Format != "" {
		parts = append(parts, "format "+st.Format)
	}
	return strings.Join(parts, " ")
}

func (a *app) newPortsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List USB serial ports, e.g. to find a GPIB controller",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ttys, err := find.AllUsbTtys()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if len(ttys) == 0 {
				fmt.Fprintln(w, "no USB serial ports found")
				return nil
			}
			fmt.Fprintln(w, ttys)
			return nil
		},
	}
}

func (a *app) newIDNCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "idn",
		Short: "Print the identification and self test result of an instrument",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			drv, err := a.conn.Setup(a.logger)
			if err != nil {
				return err
			}
			seq := visaseq.Sequence{Name: "idn", Commands: []visaseq.Command{visaseq.Identify()}}
			if selfTest, _ := cmd.Flags().GetBool("self-test"); selfTest {
				seq.Commands = append(seq.Commands, visaseq.SelfTest())
			}
			res := visaseq.Run(drv, a.conn.Resource, seq, a.conn.SessionOptions(a.logger))
			if err := res.Failure(); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			idn, _ := res.Output("*IDN?")
			fmt.Fprintln(w, idn)
			if passed, ok := res.Output("*TST?"); ok {
				fmt.Fprintf(w, "self test passed: %v\n", passed)
			}
			return nil
		},
	}
	a.conn.AddFlags(cmd.Flags())
	cmd.Flags().Bool("self-test", false, "also run *TST?")
	return cmd
}
