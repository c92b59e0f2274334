package adb

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// RebootMode selects the target of a reboot service.
type RebootMode string

const (
	RebootNormal     RebootMode = ""
	RebootBootloader RebootMode = "bootloader"
	RebootRecovery   RebootMode = "recovery"
	RebootFastbootd  RebootMode = "fastboot"
	RebootSideload   RebootMode = "sideload"
)

// Battery is a parsed dumpsys battery report. Temperature is in tenths of
// a degree Celsius as reported by the framework.
type Battery struct {
	Level       int
	Scale       int
	Temperature int
}

// Percent returns the charge level normalized to 0-100.
func (b Battery) Percent() int {
	if b.Scale > 0 {
		return b.Level * 100 / b.Scale
	}
	return b.Level
}

// TemperatureC returns the temperature in whole degrees Celsius.
func (b Battery) TemperatureC() int {
	return b.Temperature / 10
}

// Device issues transport-bound services against one serial.
type Device struct {
	client *Client
	Serial string
}

// Shell executes a command on the device and returns its combined output.
// The context deadline bounds the whole exchange.
func (d *Device) Shell(ctx context.Context, cmd string) (string, error) {
	var buf bytes.Buffer
	if err := d.ShellStream(ctx, cmd, &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// ShellStream executes a command and copies its output to receiver as it
// arrives.
func (d *Device) ShellStream(ctx context.Context, cmd string, receiver io.Writer) error {
	conn, err := d.client.transport(ctx, d.Serial)
	if err != nil {
		return &ShellError{Serial: d.Serial, Command: cmd, Err: err}
	}
	defer conn.Close()

	if err := sendMessage(conn, "shell:"+cmd); err != nil {
		return &ShellError{Serial: d.Serial, Command: cmd, Err: err}
	}
	if err := readStatus(conn); err != nil {
		return &ShellError{Serial: d.Serial, Command: cmd, Err: annotateSerial(err, d.Serial)}
	}
	if _, err := io.Copy(receiver, conn); err != nil {
		return &ShellError{Serial: d.Serial, Command: cmd, Err: &wireError{op: "shell read", err: err}}
	}
	return nil
}

// exec runs a service through the exec endpoint, which carries raw binary
// output without pty post-processing.
func (d *Device) exec(ctx context.Context, cmd string) ([]byte, error) {
	conn, err := d.client.transport(ctx, d.Serial)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := sendMessage(conn, "exec:"+cmd); err != nil {
		return nil, err
	}
	if err := readStatus(conn); err != nil {
		return nil, annotateSerial(err, d.Serial)
	}
	return io.ReadAll(conn)
}

// GetProp reads one system property. Missing properties return "".
func (d *Device) GetProp(ctx context.Context, key string) (string, error) {
	out, err := d.Shell(ctx, "getprop "+key)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// State queries the daemon for the device's connection state without
// binding a transport, so it works for offline devices too.
func (d *Device) State(ctx context.Context) (DeviceState, error) {
	reply, err := d.client.hostQuery(ctx, "host-serial:"+d.Serial+":get-state")
	if err != nil {
		return StateUnknown, annotateSerial(err, d.Serial)
	}
	return parseState(reply), nil
}

// Reboot reboots the device into the given mode. The daemon acknowledges
// before the device goes down.
func (d *Device) Reboot(ctx context.Context, mode RebootMode) error {
	conn, err := d.client.transport(ctx, d.Serial)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := sendMessage(conn, "reboot:"+string(mode)); err != nil {
		return err
	}
	return annotateSerial(readStatus(conn), d.Serial)
}

// Battery reads and parses the framework's battery report.
func (d *Device) Battery(ctx context.Context) (Battery, error) {
	out, err := d.Shell(ctx, "dumpsys battery")
	if err != nil {
		return Battery{}, err
	}
	return parseBattery(d.Serial, out)
}

// MountPoint resolves a storage mount point through the device's shell
// environment, e.g. "EXTERNAL_STORAGE".
func (d *Device) MountPoint(ctx context.Context, envVar string) (string, error) {
	out, err := d.Shell(ctx, "echo $"+envVar)
	if err != nil {
		return "", err
	}
	mount := strings.TrimSpace(out)
	if mount == "" || strings.HasPrefix(mount, "$") {
		return "", &ShellError{
			Serial:  d.Serial,
			Command: "echo $" + envVar,
			Err:     fmt.Errorf("mount point %s not set", envVar),
		}
	}
	return mount, nil
}

// Install pushes a package file to the device and installs it.
// The -r flag replaces an existing package.
func (d *Device) Install(ctx context.Context, localPath string) error {
	remote := "/data/local/tmp/" + sanitizeBase(localPath)
	if err := d.PushFile(ctx, localPath, remote, 0644); err != nil {
		return err
	}
	defer d.Shell(ctx, "rm -f "+remote)

	out, err := d.Shell(ctx, "pm install -r "+remote)
	if err != nil {
		return err
	}
	if !strings.Contains(out, "Success") {
		return &ShellError{
			Serial:  d.Serial,
			Command: "pm install",
			Err:     fmt.Errorf("install failed: %s", strings.TrimSpace(out)),
		}
	}
	return nil
}

// Uninstall removes an installed package by name.
func (d *Device) Uninstall(ctx context.Context, pkg string) error {
	out, err := d.Shell(ctx, "pm uninstall "+pkg)
	if err != nil {
		return err
	}
	if !strings.Contains(out, "Success") {
		return &ShellError{
			Serial:  d.Serial,
			Command: "pm uninstall " + pkg,
			Err:     fmt.Errorf("uninstall failed: %s", strings.TrimSpace(out)),
		}
	}
	return nil
}

// Screenshot captures the screen as a PNG.
func (d *Device) Screenshot(ctx context.Context) ([]byte, error) {
	png, err := d.exec(ctx, "screencap -p")
	if err != nil {
		return nil, &ShellError{Serial: d.Serial, Command: "screencap -p", Err: err}
	}
	return png, nil
}

// parseBattery extracts level, scale and temperature from dumpsys output.
func parseBattery(serial, out string) (Battery, error) {
	b := Battery{Scale: 100}
	seenLevel := false
	for _, line := range strings.Split(out, "\n") {
		key, val, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		val = strings.TrimSpace(val)
		switch strings.TrimSpace(key) {
		case "level":
			n, err := strconv.Atoi(val)
			if err != nil {
				return Battery{}, &ShellError{
					Serial:  serial,
					Command: "dumpsys battery",
					Err:     fmt.Errorf("bad level %q", val),
				}
			}
			b.Level = n
			seenLevel = true
		case "scale":
			if n, err := strconv.Atoi(val); err == nil && n > 0 {
				b.Scale = n
			}
		case "temperature":
			if n, err := strconv.Atoi(val); err == nil {
				b.Temperature = n
			}
		}
	}
	if !seenLevel {
		return Battery{}, &ShellError{
			Serial:  serial,
			Command: "dumpsys battery",
			Err:     fmt.Errorf("no battery level in output"),
		}
	}
	return b, nil
}

// sanitizeBase returns the path's base name with shell metacharacters
// stripped, for use in remote paths.
func sanitizeBase(path string) string {
	base := path
	if idx := strings.LastIndexByte(path, '/'); idx >= 0 {
		base = path[idx+1:]
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
}
