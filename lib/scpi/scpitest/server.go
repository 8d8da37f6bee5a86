// Package scpitest provides a simulated SCPI instrument listening on a
// loopback socket, for tests of code that talks to real instruments.
package scpitest

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/gotmc/visaseq/lib/block"
)

// Handler answers one program message unit. args holds everything after
// the header. A query returns its response; errCode non-zero pushes an error
// onto the error queue instead.
type Handler func(args string) (resp string, errCode int, errMsg string)

// Server is a simulated instrument that accepts any number of connections
// and processes one line of commands at a time.
type Server struct {
	ln net.Listener

	mu       sync.Mutex
	handlers map[string]Handler
	hang     map[string]bool
	errs     []string
	received []string
	display  bool
	wg       sync.WaitGroup
}

// IDN is the identification string answered by default.
const IDN = "Rohde&Schwarz,MXO44,1335.5050k04/100123,2.3.2.2"

// NewServer starts a simulator with the IEEE 488.2 common commands and the
// error queue installed.
func NewServer() (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		ln:       ln,
		handlers: make(map[string]Handler),
		hang:     make(map[string]bool),
		display:  true,
	}
	s.Value("*IDN?", IDN)
	s.Value("*OPC?", "1")
	s.Value("*TST?", "0")
	s.Accept("*RST")
	s.Accept("*WAI")
	s.Handle("*CLS", func(string) (string, int, string) {
		s.errs = nil
		return "", 0, ""
	})
	s.Handle("SYST:ERR?", func(string) (string, int, string) {
		if len(s.errs) == 0 {
			return `0,"No error"`, 0, ""
		}
		e := s.errs[0]
		s.errs = s.errs[1:]
		return e, 0, ""
	})
	s.Handle("SYST:DISP:UPD", func(args string) (string, int, string) {
		switch strings.ToUpper(args) {
		case "ON", "1":
			s.display = true
		case "OFF", "0":
			s.display = false
		default:
			return "", -224, "Illegal parameter value"
		}
		return "", 0, ""
	})
	s.wg.Add(1)
	go s.serve()
	return s, nil
}

// Resource returns the VISA resource identifier of the simulator.
func (s *Server) Resource() string {
	return fmt.Sprintf("TCPIP0::127.0.0.1::%d::SOCKET", s.ln.Addr().(*net.TCPAddr).Port)
}

// Close stops accepting connections.
func (s *Server) Close() error {
	err := s.ln.Close()
	s.wg.Wait()
	return err
}

// Handle installs h for header, matched case-insensitively and including the
// trailing '?' of queries.
func (s *Server) Handle(header string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[strings.ToUpper(header)] = h
}

// Accept installs a command without a response.
func (s *Server) Accept(header string) {
	s.Handle(header, func(string) (string, int, string) { return "", 0, "" })
}

// Value installs a query that always answers resp.
func (s *Server) Value(header, resp string) {
	s.Handle(header, func(string) (string, int, string) { return resp, 0, "" })
}

// Waveform installs a query that answers samples as a definite length block
// of little endian REAL,32 values.
func (s *Server) Waveform(header string, samples []float32) {
	s.Value(header, string(block.PackFloat32s(samples)))
}

// Hang makes header swallow the rest of the line without answering, like an
// instrument stuck in a long operation.
func (s *Server) Hang(header string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hang[strings.ToUpper(header)] = true
}

// PushError appends an entry to the error queue.
func (s *Server) PushError(code int, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushError(code, msg)
}

func (s *Server) pushError(code int, msg string) {
	s.errs = append(s.errs, fmt.Sprintf("%d,%q", code, msg))
}

// Received returns every program message unit received so far.
func (s *Server) Received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.received...)
}

// DisplayUpdate reports the current display update setting.
func (s *Server) DisplayUpdate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.display
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(c)
		}()
	}
}

func (s *Server) handleConn(c net.Conn) {
	defer c.Close()
	rd := bufio.NewReader(c)
	for {
		line, err := rd.ReadString('\n')
		if err != nil {
			return
		}
		resp, ok := s.process(strings.TrimSpace(line))
		if !ok || resp == "" {
			continue
		}
		if _, err := c.Write([]byte(resp + "\n")); err != nil {
			return
		}
	}
}

// process runs the units of one line and joins the query responses. ok is
// false if a unit hangs.
func (s *Server) process(line string) (resp string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, unit := range strings.Split(line, ";") {
		unit = strings.TrimSpace(unit)
		if unit == "" {
			continue
		}
		s.received = append(s.received, unit)
		header, args, _ := strings.Cut(unit, " ")
		header = strings.ToUpper(header)
		if s.hang[header] {
			return "", false
		}
		h, found := s.handlers[header]
		if !found {
			s.pushError(-113, "Undefined header;"+unit)
			continue
		}
		r, code, msg := h(strings.TrimSpace(args))
		if code != 0 {
			s.pushError(code, msg)
			continue
		}
		if strings.HasSuffix(header, "?") {
			out = append(out, r)
		}
	}
	return strings.Join(out, ";"), true
}
