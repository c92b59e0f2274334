// Package adb is a client for the debug-bridge host daemon. It speaks the
// smart-socket protocol directly over TCP: host services for discovery and
// device tracking, transport-bound services for shell execution, file sync,
// and reboot. Starting the daemon itself is delegated to the adb binary.
package adb

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/fleetron-lab/fleetron/pkg/util"
)

// DefaultAddr is the host daemon's default listen address.
const DefaultAddr = "127.0.0.1:5037"

// DeviceState is the raw connection state reported by the daemon.
type DeviceState string

const (
	StateDevice       DeviceState = "device"
	StateOffline      DeviceState = "offline"
	StateUnauthorized DeviceState = "unauthorized"
	StateRecovery     DeviceState = "recovery"
	StateSideload     DeviceState = "sideload"
	StateBootloader   DeviceState = "bootloader"
	StateUnknown      DeviceState = "unknown"
)

// DeviceEntry is one line of the daemon's device list.
type DeviceEntry struct {
	Serial string
	State  DeviceState
}

// Client talks to one host daemon.
type Client struct {
	// Addr is the daemon address, host:port.
	Addr string

	// BinaryPath locates the adb binary used to start the daemon.
	BinaryPath string

	// DialTimeout bounds the TCP connect.
	DialTimeout time.Duration
}

// NewClient returns a client for the daemon at addr, starting it with the
// given binary when it is not yet running. Empty arguments use defaults.
func NewClient(addr, binaryPath string) *Client {
	if addr == "" {
		addr = DefaultAddr
	}
	if binaryPath == "" {
		binaryPath = "adb"
	}
	return &Client{
		Addr:        addr,
		BinaryPath:  binaryPath,
		DialTimeout: 5 * time.Second,
	}
}

// dial opens one smart-socket connection.
func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: c.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return nil, &wireError{op: "dial", err: err}
	}
	applyDeadline(conn, ctx)
	return conn, nil
}

// hostQuery runs one host service request and returns its framed reply.
func (c *Client) hostQuery(ctx context.Context, service string) (string, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if err := sendMessage(conn, service); err != nil {
		return "", err
	}
	if err := readStatus(conn); err != nil {
		return "", err
	}
	return readMessage(conn)
}

// hostCommand runs one host service request that has no reply payload.
func (c *Client) hostCommand(ctx context.Context, service string) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := sendMessage(conn, service); err != nil {
		return err
	}
	return readStatus(conn)
}

// Init ensures the daemon is reachable, starting it via the adb binary if
// the initial connection is refused. Idempotent.
func (c *Client) Init(ctx context.Context) error {
	if _, err := c.Version(ctx); err == nil {
		return nil
	}

	util.WithComponent("adb").Infof("starting daemon via %s", c.BinaryPath)
	cmd := exec.CommandContext(ctx, c.BinaryPath, "start-server")
	if out, err := cmd.CombinedOutput(); err != nil {
		return util.NewToolError(c.BinaryPath+" start-server", string(out), err)
	}

	// The daemon binds its socket shortly after start-server returns.
	var lastErr error
	for i := 0; i < 10; i++ {
		if _, lastErr = c.Version(ctx); lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	return fmt.Errorf("adb: daemon did not come up: %w", lastErr)
}

// Version returns the daemon's protocol version.
func (c *Client) Version(ctx context.Context) (int, error) {
	reply, err := c.hostQuery(ctx, "host:version")
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(reply, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("adb: bad version %q", reply)
	}
	return int(v), nil
}

// Devices lists currently known devices and their states.
func (c *Client) Devices(ctx context.Context) ([]DeviceEntry, error) {
	reply, err := c.hostQuery(ctx, "host:devices")
	if err != nil {
		return nil, err
	}
	return parseDeviceList(reply), nil
}

// Kill asks the daemon to exit. Used by the abrupt bridge disconnect.
func (c *Client) Kill(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := sendMessage(conn, "host:kill"); err != nil {
		return err
	}
	// Older daemons close the socket without an OKAY; both are success.
	if err := readStatus(conn); err != nil {
		var werr *wireError
		if errors.As(err, &werr) {
			return nil
		}
		return err
	}
	return nil
}

// Device returns a handle for issuing transport-bound services to serial.
func (c *Client) Device(serial string) *Device {
	return &Device{client: c, Serial: serial}
}

// transport opens a connection bound to the given serial. The caller owns
// the returned conn and must close it.
func (c *Client) transport(ctx context.Context, serial string) (net.Conn, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	if err := sendMessage(conn, "host:transport:"+serial); err != nil {
		conn.Close()
		return nil, err
	}
	if err := readStatus(conn); err != nil {
		conn.Close()
		return nil, annotateSerial(err, serial)
	}
	return conn, nil
}

// parseDeviceList parses "serial\tstate" lines from host:devices and the
// track-devices stream.
func parseDeviceList(payload string) []DeviceEntry {
	var entries []DeviceEntry
	for _, line := range strings.Split(payload, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		entries = append(entries, DeviceEntry{
			Serial: fields[0],
			State:  parseState(fields[1]),
		})
	}
	return entries
}

// parseState maps a daemon state token, keeping unrecognized tokens visible
// as StateUnknown rather than dropping the device.
func parseState(s string) DeviceState {
	switch DeviceState(s) {
	case StateDevice, StateOffline, StateUnauthorized, StateRecovery, StateSideload, StateBootloader:
		return DeviceState(s)
	default:
		return StateUnknown
	}
}

// annotateSerial attaches the serial to typed daemon errors so log lines
// and reject reasons name the device.
func annotateSerial(err error, serial string) error {
	switch e := err.(type) {
	case *OfflineError:
		e.Serial = serial
	case *NotFoundError:
		e.Serial = serial
	}
	return err
}

