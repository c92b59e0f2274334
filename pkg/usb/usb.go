// Package usb locates attached USB devices by serial through sysfs and
// issues bus resets via the usbdevfs ioctl.
package usb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/fleetron-lab/fleetron/pkg/util"
)

// ErrNotFound means no attached USB device carries the serial.
var ErrNotFound = errors.New("usb: device not found")

// usbdevfsReset is _IO('U', 20), the USBDEVFS_RESET request.
const usbdevfsReset = 0x5514

// Bus enumerates USB devices. The roots are settable for tests.
type Bus struct {
	SysfsRoot string
	DevRoot   string
}

// NewBus returns a Bus over the host's usual sysfs and devfs paths.
func NewBus() *Bus {
	return &Bus{
		SysfsRoot: "/sys/bus/usb/devices",
		DevRoot:   "/dev/bus/usb",
	}
}

// Device is one attached USB device.
type Device struct {
	Serial string
	BusNum int
	DevNum int

	node string
}

// Find locates the device exposing the given serial. Returns ErrNotFound
// when the serial is not on the bus.
func (b *Bus) Find(serial string) (*Device, error) {
	entries, err := os.ReadDir(b.SysfsRoot)
	if err != nil {
		return nil, fmt.Errorf("usb: reading %s: %w", b.SysfsRoot, err)
	}

	for _, entry := range entries {
		dir := filepath.Join(b.SysfsRoot, entry.Name())
		data, err := os.ReadFile(filepath.Join(dir, "serial"))
		if err != nil {
			continue // interfaces and hubs without serials
		}
		if strings.TrimSpace(string(data)) != serial {
			continue
		}

		busNum, err := readIntFile(filepath.Join(dir, "busnum"))
		if err != nil {
			return nil, fmt.Errorf("usb: %s: %w", entry.Name(), err)
		}
		devNum, err := readIntFile(filepath.Join(dir, "devnum"))
		if err != nil {
			return nil, fmt.Errorf("usb: %s: %w", entry.Name(), err)
		}

		return &Device{
			Serial: serial,
			BusNum: busNum,
			DevNum: devNum,
			node:   filepath.Join(b.DevRoot, fmt.Sprintf("%03d", busNum), fmt.Sprintf("%03d", devNum)),
		}, nil
	}

	return nil, ErrNotFound
}

// Reset issues a USBDEVFS_RESET on the device node, forcing the kernel to
// re-enumerate the device. The device typically re-appears with a new
// device number.
func (d *Device) Reset() error {
	f, err := os.OpenFile(d.node, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("usb: open %s: %w", d.node, err)
	}
	defer f.Close()

	if _, err := unix.IoctlRetInt(int(f.Fd()), usbdevfsReset); err != nil {
		return fmt.Errorf("usb: reset %s: %w", d.Serial, err)
	}
	util.WithSerial(d.Serial).Infof("usb reset issued on bus %03d dev %03d", d.BusNum, d.DevNum)
	return nil
}

func readIntFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return n, nil
}
