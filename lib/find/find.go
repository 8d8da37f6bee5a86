// Package find locates the USB serial adapter a GPIB controller or serial
// instrument is attached to.
package find

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"go.bug.st/serial/enumerator"
)

// FilterFn selects a device.
type FilterFn func(*Usbtty) bool

// PrologixFilter matches the Prologix GPIB-USB controller.
func PrologixFilter(ut *Usbtty) bool {
	return strings.Contains(ut.Mfg, "Prologix") || strings.Contains(ut.Prod, "Prologix")
}

// ArduinoFilter matches Arduino boards, e.g. running the AR488 firmware.
func ArduinoFilter(ut *Usbtty) bool {
	return strings.Contains(ut.Mfg, "Arduino")
}

// SerialFilter matches the adapter with the given USB serial number.
func SerialFilter(s string) FilterFn {
	return func(ut *Usbtty) bool { return ut.Serial == s }
}

// Find searches for a usb serial device. If filter is not nil, only devices
// for which it returns true are considered. Exactly one device must remain.
func Find(filter FilterFn) (string, error) {
	ttys, err := AllUsbTtys()
	if err != nil {
		return "", err
	}
	if filter != nil {
		var matched Usbttys
		for i := range ttys {
			if filter(&ttys[i]) {
				matched = append(matched, ttys[i])
			}
		}
		ttys = matched
	}

	if len(ttys) == 0 {
		return "", fmt.Errorf("no matching ttys found")
	}
	if len(ttys) == 1 {
		return ttys[0].Dev, nil
	}
	return "", fmt.Errorf("multiple ttys:\n%s", ttys)
}

// Usbtty describes one USB serial device.
type Usbtty struct {
	Dev, Path string
	IDp, IDv  string
	Mfg, Prod string
	Serial    string
}

func (u Usbtty) String() string {
	return fmt.Sprintf("dev %s path %s pid/vid %s/%s mfg/prod %s/%s serial %s", u.Dev, u.Path, u.IDp, u.IDv, u.Mfg, u.Prod, u.Serial)
}

type Usbttys []Usbtty

func (uts Usbttys) String() string {
	s := make([]string, 0, len(uts))
	for _, ut := range uts {
		s = append(s, ut.String())
	}
	return strings.Join(s, "\n")
}

var (
	listPorts = enumerator.GetDetailedPortsList
	sysTTY    = "/sys/class/tty"
)

// AllUsbTtys lists the USB serial ports. Where sysfs is available the
// manufacturer and product strings are read from it, since the enumerator
// does not report the manufacturer.
func AllUsbTtys() (Usbttys, error) {
	ports, err := listPorts()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}
	var devs Usbttys
	for _, p := range ports {
		if !p.IsUSB {
			continue
		}
		ut := Usbtty{
			Dev:    p.Name,
			IDp:    strings.ToLower(p.PID),
			IDv:    strings.ToLower(p.VID),
			Prod:   p.Product,
			Serial: p.SerialNumber,
		}
		if err := readSysfs(&ut); err != nil {
			log.Debug("reading usb info from sysfs", "dev", p.Name, "err", err)
		}
		devs = append(devs, ut)
	}
	return devs, nil
}

// readSysfs fills in what sysfs knows about the device. The tty symlink
// looks like
//
//	/sys/class/tty/ttyACM0 ->
//	/sys/devices/pci0000:00/0000:00:01.3/0000:02:00.0/usb1/1-10/1-10:1.0/tty/ttyACM0
//
// and its device link points at the interface, one level below the usb
// device that holds the descriptor strings.
func readSysfs(ut *Usbtty) error {
	abs, err := filepath.EvalSymlinks(filepath.Join(sysTTY, filepath.Base(ut.Dev)))
	if err != nil {
		return err
	}
	ut.Path = abs
	dev, err := filepath.EvalSymlinks(filepath.Join(abs, "device"))
	if err != nil {
		return fmt.Errorf("usb but lacking device subdir: %w", err)
	}
	idp, idv, mfg, prod, serial, err := readUsbInfo(filepath.Dir(dev))
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&ut.IDp, idp)
	set(&ut.IDv, idv)
	set(&ut.Mfg, mfg)
	set(&ut.Prod, prod)
	set(&ut.Serial, serial)
	return err
}

// readUsbInfo reads product and vendor ids, and mfg/product/serial strings.
//
// Returns the last error encountered, ignoring os.ErrNotExist. Errors do not
// prevent reading additional files or returning data collected.
func readUsbInfo(dev string) (idp, idv, mfg, prod, serial string, err error) {
	read := func(name string) string {
		b, rerr := os.ReadFile(filepath.Join(dev, name))
		if rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			err = rerr
		}
		return strings.TrimSpace(string(b))
	}
	idp = read("idProduct")
	idv = read("idVendor")
	mfg = read("manufacturer")
	prod = read("product")
	serial = read("serial")
	return idp, idv, mfg, prod, serial, err
}
