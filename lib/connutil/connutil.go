// Package connutil holds the connection flags shared by the visaseq command
// and the example programs, and turns them into a driver and session
// options.
package connutil

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gotmc/visaseq"
	"github.com/gotmc/visaseq/lib/config"
	"github.com/gotmc/visaseq/lib/find"
	"github.com/gotmc/visaseq/lib/prologix"
	"github.com/gotmc/visaseq/lib/resource"
	"github.com/gotmc/visaseq/lib/scpi"
	"github.com/gotmc/visaseq/lib/transport"
	"github.com/spf13/pflag"
)

// Conn describes how to reach an instrument.
type Conn struct {
	Resource       string
	Timeout        time.Duration
	DialTimeout    time.Duration
	IDQuery        bool
	Reset          bool
	AutoErrorQuery bool

	BaudRate     int
	PrologixPort string
	AR488        bool
	GpibTerm     string
	GpibClear    bool
}

// FromConfig returns the connection settings of cfg.
func FromConfig(cfg *config.Config) Conn {
	return Conn{
		Resource:       cfg.Resource,
		Timeout:        cfg.Timeout,
		DialTimeout:    cfg.DialTimeout,
		IDQuery:        cfg.IDQuery,
		Reset:          cfg.Reset,
		AutoErrorQuery: cfg.AutoErrorQuery,
		BaudRate:       cfg.BaudRate,
		PrologixPort:   cfg.PrologixPort,
		AR488:          cfg.AR488,
		GpibTerm:       "lf",
	}
}

// AddFlags registers the connection flags on fs, with the current values
// as defaults.
func (c *Conn) AddFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&c.Resource, "resource", "r", c.Resource, "VISA resource, e.g. TCPIP0::192.168.1.101::INSTR")
	fs.DurationVarP(&c.Timeout, "timeout", "t", c.Timeout, "I/O timeout")
	fs.DurationVar(&c.DialTimeout, "dial-timeout", c.DialTimeout, "connection timeout")
	fs.BoolVar(&c.IDQuery, "id-query", c.IDQuery, "verify the instrument answers *IDN? on open")
	fs.BoolVar(&c.Reset, "reset", c.Reset, "reset the instrument on open")
	fs.BoolVar(&c.AutoErrorQuery, "auto-error-query", c.AutoErrorQuery, "query the error queue after every command")
	fs.IntVar(&c.BaudRate, "baud", c.BaudRate, "baud rate for serial ports and the GPIB controller")
	fs.StringVar(&c.PrologixPort, "port", c.PrologixPort, "serial port of the Prologix GPIB controller (found automatically if empty)")
	fs.BoolVar(&c.AR488, "ar488", c.AR488, "the GPIB controller is an Arduino running AR488")
	fs.StringVar(&c.GpibTerm, "gpib-term", c.GpibTerm, "terminator appended to GPIB commands: crlf, cr, lf or none")
	fs.BoolVar(&c.GpibClear, "gpib-clear", c.GpibClear, "send Selected Device Clear after addressing the instrument")
}

// SessionOptions returns the session options for the settings.
func (c *Conn) SessionOptions(logger *log.Logger) []visaseq.Option {
	return []visaseq.Option{
		visaseq.WithIDQuery(c.IDQuery),
		visaseq.WithReset(c.Reset),
		visaseq.WithAutoErrorQuery(c.AutoErrorQuery),
		visaseq.WithTimeout(c.Timeout),
		visaseq.WithLogger(logger),
	}
}

// Setup builds the driver. For GPIB resources without a controller port the
// USB adapter is looked up.
func (c *Conn) Setup(logger *log.Logger) (*scpi.Driver, error) {
	if logger == nil {
		logger = log.Default()
	}
	term, err := prologix.ParseGpibTerm(c.GpibTerm)
	if err != nil {
		return nil, err
	}
	pOpts := []prologix.Option{prologix.WithTermination(term)}
	if c.AR488 {
		pOpts = append(pOpts, prologix.WithAR488())
	}
	if c.GpibClear {
		pOpts = append(pOpts, prologix.WithClear())
	}

	port := c.PrologixPort
	if port == "" && isGPIB(c.Resource) {
		filter := find.PrologixFilter
		if c.AR488 {
			filter = find.ArduinoFilter
		}
		port, err = find.Find(filter)
		if err != nil {
			return nil, fmt.Errorf("locate GPIB controller (use --port): %w", err)
		}
		logger.Info("found GPIB controller", "port", port)
	}

	dialer := transport.Dialer{
		DialTimeout:     c.DialTimeout,
		BaudRate:        c.BaudRate,
		PrologixPort:    port,
		PrologixOptions: pOpts,
		Logger:          logger,
	}
	return scpi.New(
		scpi.WithDialer(dialer),
		scpi.WithTimeout(c.Timeout),
		scpi.WithLogger(logger),
	), nil
}

func isGPIB(rsrc string) bool {
	r, err := resource.Parse(strings.TrimSpace(rsrc))
	return err == nil && r.Interface == resource.GPIB
}
