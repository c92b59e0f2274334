// Package fastboot shells out to the low-level fastboot binary to list and
// steer devices in bootloader or userspace-fastboot (fastbootd) mode.
package fastboot

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/fleetron-lab/fleetron/pkg/util"
)

// runFunc executes the binary; split out so tests can script tool output.
type runFunc func(ctx context.Context, name string, args ...string) (stdout, stderr string, err error)

func defaultRun(ctx context.Context, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	err := cmd.Run()
	return outBuf.String(), errBuf.String(), err
}

// Helper wraps one fastboot binary.
type Helper struct {
	// Path locates the binary.
	Path string

	run runFunc
}

// NewHelper returns a helper invoking the binary at path.
func NewHelper(path string) *Helper {
	if path == "" {
		path = "fastboot"
	}
	return &Helper{Path: path, run: defaultRun}
}

// Available reports whether the binary responds to --version.
func (h *Helper) Available(ctx context.Context) bool {
	_, _, err := h.run(ctx, h.Path, "--version")
	return err == nil
}

// Devices lists USB-attached devices in a low-level mode. The result maps
// serial to true when the device is in fastbootd (userspace) rather than
// the bootloader.
func (h *Helper) Devices(ctx context.Context) (map[string]bool, error) {
	out, errOut, err := h.run(ctx, h.Path, "devices")
	if err != nil {
		return nil, util.NewToolError("fastboot devices", out+errOut, err)
	}
	return ParseDevices(out), nil
}

// NetworkDevices probes the configured serial→network-address map and
// returns the serials currently reachable over network fastboot. A probe
// failure just means the device is not in a low-level mode.
func (h *Helper) NetworkDevices(ctx context.Context, serials map[string]string) map[string]bool {
	found := make(map[string]bool)
	for serial, addr := range serials {
		_, errOut, err := h.run(ctx, h.Path, "-s", addr, "getvar", "is-userspace")
		if err != nil {
			continue
		}
		found[serial] = strings.Contains(errOut, "is-userspace: yes")
	}
	return found
}

// GetVar reads one bootloader variable. fastboot prints getvar output on
// stderr.
func (h *Helper) GetVar(ctx context.Context, serial, name string) (string, error) {
	_, errOut, err := h.run(ctx, h.Path, "-s", serial, "getvar", name)
	if err != nil {
		return "", util.NewToolError("fastboot getvar "+name, errOut, err)
	}
	for _, line := range strings.Split(errOut, "\n") {
		if val, ok := strings.CutPrefix(strings.TrimSpace(line), name+":"); ok {
			return strings.TrimSpace(val), nil
		}
	}
	return "", util.NewToolError("fastboot getvar "+name, errOut, util.ErrUnexpectedResponse)
}

// Reboot reboots the device out of its low-level mode into normal boot.
func (h *Helper) Reboot(ctx context.Context, serial string) error {
	out, errOut, err := h.run(ctx, h.Path, "-s", serial, "reboot")
	if err != nil {
		return util.NewToolError("fastboot reboot", out+errOut, err)
	}
	return nil
}

// RebootBootloader reboots the device back into the bootloader.
func (h *Helper) RebootBootloader(ctx context.Context, serial string) error {
	out, errOut, err := h.run(ctx, h.Path, "-s", serial, "reboot-bootloader")
	if err != nil {
		return util.NewToolError("fastboot reboot-bootloader", out+errOut, err)
	}
	return nil
}

// RebootFastbootd reboots the device into userspace fastboot.
func (h *Helper) RebootFastbootd(ctx context.Context, serial string) error {
	out, errOut, err := h.run(ctx, h.Path, "-s", serial, "reboot", "fastboot")
	if err != nil {
		return util.NewToolError("fastboot reboot fastboot", out+errOut, err)
	}
	return nil
}

// ParseDevices parses `fastboot devices` output. Recent binaries print
// "fastbootd" in the mode column for userspace fastboot.
func ParseDevices(out string) map[string]bool {
	devices := make(map[string]bool)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		serial := fields[0]
		switch fields[1] {
		case "fastboot":
			devices[serial] = false
		case "fastbootd":
			devices[serial] = true
		}
	}
	return devices
}
