// Package resource parses VISA resource identifiers.
//
// Supported forms:
//
//	TCPIP[board]::host::port::SOCKET
//	TCPIP[board]::host[::INSTR]        raw SCPI socket on DefaultPort
//	TCPIP[board]::host::hislipN[::INSTR]
//	ASRL<n|device path>[::INSTR]
//	GPIB[board]::primary[::secondary][::INSTR]
package resource

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultPort is the raw SCPI socket port used for TCPIP INSTR resources.
const DefaultPort = 5025

// Interface is the bus a resource lives on.
type Interface int

// Supported interfaces.
const (
	TCPIP Interface = iota + 1
	ASRL
	GPIB
)

func (i Interface) String() string {
	switch i {
	case TCPIP:
		return "TCPIP"
	case ASRL:
		return "ASRL"
	case GPIB:
		return "GPIB"
	default:
		return "UNKNOWN"
	}
}

// Resource is a parsed resource identifier.
type Resource struct {
	Interface Interface
	Board     int
	Host      string // TCPIP
	Port      int    // TCPIP
	Socket    bool   // TCPIP: given as ::SOCKET
	Device    string // ASRL: port number or device path
	Primary   int    // GPIB
	Secondary int    // GPIB, -1 when absent
}

// Parse parses a resource identifier. Keywords are case insensitive.
func Parse(s string) (Resource, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Resource{}, fmt.Errorf("empty resource identifier")
	}
	parts := strings.Split(s, "::")
	head := strings.ToUpper(parts[0])
	switch {
	case strings.HasPrefix(head, "TCPIP"):
		return parseTCPIP(s, parts)
	case strings.HasPrefix(head, "ASRL"):
		return parseASRL(s, parts)
	case strings.HasPrefix(head, "GPIB"):
		return parseGPIB(s, parts)
	}
	return Resource{}, fmt.Errorf("resource %q: unsupported interface %q", s, parts[0])
}

func board(s, prefix, head string) (int, error) {
	num := head[len(prefix):]
	if num == "" {
		return 0, nil
	}
	b, err := strconv.Atoi(num)
	if err != nil || b < 0 {
		return 0, fmt.Errorf("resource %q: invalid board %q", s, num)
	}
	return b, nil
}

func parseTCPIP(s string, parts []string) (Resource, error) {
	b, err := board(s, "TCPIP", strings.ToUpper(parts[0]))
	if err != nil {
		return Resource{}, err
	}
	if len(parts) < 2 || parts[1] == "" {
		return Resource{}, fmt.Errorf("resource %q: missing host", s)
	}
	r := Resource{Interface: TCPIP, Board: b, Host: parts[1], Port: DefaultPort, Secondary: -1}
	rest := parts[2:]
	if n := len(rest); n > 0 {
		switch strings.ToUpper(rest[n-1]) {
		case "SOCKET":
			if n != 2 {
				return Resource{}, fmt.Errorf("resource %q: SOCKET needs a port", s)
			}
			port, err := strconv.Atoi(rest[0])
			if err != nil || port <= 0 || port > 65535 {
				return Resource{}, fmt.Errorf("resource %q: invalid port %q", s, rest[0])
			}
			r.Port = port
			r.Socket = true
			return r, nil
		case "INSTR":
			rest = rest[:n-1]
		}
	}
	switch len(rest) {
	case 0:
		return r, nil
	case 1:
		// Device name such as inst0 or hislip0: the instrument also serves
		// raw SCPI on the default port.
		dev := strings.ToLower(rest[0])
		if strings.HasPrefix(dev, "hislip") || strings.HasPrefix(dev, "inst") {
			return r, nil
		}
	}
	return Resource{}, fmt.Errorf("resource %q: unsupported TCPIP resource", s)
}

func parseASRL(s string, parts []string) (Resource, error) {
	dev := parts[0][len("ASRL"):]
	if dev == "" {
		return Resource{}, fmt.Errorf("resource %q: missing serial port", s)
	}
	if len(parts) > 2 || (len(parts) == 2 && !strings.EqualFold(parts[1], "INSTR")) {
		return Resource{}, fmt.Errorf("resource %q: unsupported ASRL resource", s)
	}
	return Resource{Interface: ASRL, Device: dev, Secondary: -1}, nil
}

func parseGPIB(s string, parts []string) (Resource, error) {
	b, err := board(s, "GPIB", strings.ToUpper(parts[0]))
	if err != nil {
		return Resource{}, err
	}
	rest := parts[1:]
	if n := len(rest); n > 0 && strings.EqualFold(rest[n-1], "INSTR") {
		rest = rest[:n-1]
	}
	if len(rest) < 1 || len(rest) > 2 {
		return Resource{}, fmt.Errorf("resource %q: want primary and optional secondary address", s)
	}
	r := Resource{Interface: GPIB, Board: b, Secondary: -1}
	r.Primary, err = strconv.Atoi(rest[0])
	if err != nil || !IsPrimaryAddressValid(r.Primary) {
		return Resource{}, fmt.Errorf("resource %q: invalid primary address %q (must be 0-30)", s, rest[0])
	}
	if len(rest) == 2 {
		r.Secondary, err = strconv.Atoi(rest[1])
		if err != nil || !IsSecondaryAddressValid(r.Secondary) {
			return Resource{}, fmt.Errorf("resource %q: invalid secondary address %q (must be 96-126)", s, rest[1])
		}
	}
	return r, nil
}

// IsPrimaryAddressValid checks that the primary GPIB address is between 0 and
// 30, inclusive.
func IsPrimaryAddressValid(addr int) bool { return addr >= 0 && addr <= 30 }

// IsSecondaryAddressValid checks that the secondary GPIB address is between 96
// and 126, inclusive.
func IsSecondaryAddressValid(addr int) bool { return addr >= 96 && addr <= 126 }

// Address returns the host:port of a TCPIP resource.
func (r Resource) Address() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// SerialPath returns the device path of an ASRL resource. Numeric ports map
// to /dev/ttyS<n-1>, following the COM numbering VISA uses.
func (r Resource) SerialPath() string {
	if n, err := strconv.Atoi(r.Device); err == nil && n > 0 {
		return fmt.Sprintf("/dev/ttyS%d", n-1)
	}
	return r.Device
}

// String returns the canonical form of the resource.
func (r Resource) String() string {
	switch r.Interface {
	case TCPIP:
		if r.Socket || r.Port != DefaultPort {
			return fmt.Sprintf("TCPIP%d::%s::%d::SOCKET", r.Board, r.Host, r.Port)
		}
		return fmt.Sprintf("TCPIP%d::%s::INSTR", r.Board, r.Host)
	case ASRL:
		return fmt.Sprintf("ASRL%s::INSTR", r.Device)
	case GPIB:
		if r.Secondary >= 0 {
			return fmt.Sprintf("GPIB%d::%d::%d::INSTR", r.Board, r.Primary, r.Secondary)
		}
		return fmt.Sprintf("GPIB%d::%d::INSTR", r.Board, r.Primary)
	}
	return "invalid resource"
}
