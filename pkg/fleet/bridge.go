package fleet

import (
	"context"

	"github.com/fleetron-lab/fleetron/pkg/adb"
)

// Commander issues shell-level operations against one serial. Implemented
// by *adb.Device; faked in tests.
type Commander interface {
	Shell(ctx context.Context, cmd string) (string, error)
	GetProp(ctx context.Context, key string) (string, error)
	Reboot(ctx context.Context, mode adb.RebootMode) error
	Battery(ctx context.Context) (adb.Battery, error)
	MountPoint(ctx context.Context, envVar string) (string, error)
}

// Bridge is the debug-bridge surface the fleet consumes: daemon lifecycle,
// the device-tracking callback stream, and per-serial command handles.
type Bridge interface {
	// Init makes the daemon reachable and starts the tracking stream.
	Init(ctx context.Context) error

	// Terminate stops the tracking stream. The daemon stays up.
	Terminate() error

	// Disconnect abruptly kills the daemon connection, failing all
	// in-flight device commands. Used by TerminateHard.
	Disconnect(ctx context.Context) error

	// Version returns the daemon protocol version.
	Version(ctx context.Context) (int, error)

	AddListener(l adb.DeviceListener)
	RemoveListener(l adb.DeviceListener)

	// Lists reports whether the daemon currently lists the serial.
	Lists(serial string) bool

	// Commander returns a command handle for the serial.
	Commander(serial string) Commander
}

// adbBridge is the production Bridge over pkg/adb.
type adbBridge struct {
	client  *adb.Client
	tracker *adb.Tracker
}

// NewAdbBridge wraps an adb client and its tracker as a fleet Bridge.
func NewAdbBridge(client *adb.Client) Bridge {
	return &adbBridge{
		client:  client,
		tracker: adb.NewTracker(client),
	}
}

func (b *adbBridge) Init(ctx context.Context) error {
	if err := b.client.Init(ctx); err != nil {
		return err
	}
	b.tracker.Start()
	return nil
}

func (b *adbBridge) Terminate() error {
	return b.tracker.Stop()
}

func (b *adbBridge) Disconnect(ctx context.Context) error {
	return b.client.Kill(ctx)
}

func (b *adbBridge) Version(ctx context.Context) (int, error) {
	return b.client.Version(ctx)
}

func (b *adbBridge) AddListener(l adb.DeviceListener)    { b.tracker.AddListener(l) }
func (b *adbBridge) RemoveListener(l adb.DeviceListener) { b.tracker.RemoveListener(l) }

func (b *adbBridge) Lists(serial string) bool {
	return b.tracker.Lists(serial)
}

func (b *adbBridge) Commander(serial string) Commander {
	return b.client.Device(serial)
}
