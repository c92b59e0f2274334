package fleet

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fleetron-lab/fleetron/pkg/adb"
	"github.com/fleetron-lab/fleetron/pkg/config"
)

// testOptions returns defaults tuned for fast tests.
func testOptions() *config.Options {
	opts := config.DefaultOptions()
	opts.OnlineWaitTime = 200 * time.Millisecond
	opts.DeviceWaitTime = 2 * time.Second
	opts.BootloaderWaitTime = 200 * time.Millisecond
	opts.ShellWaitTime = 500 * time.Millisecond
	opts.FastbootWaitTime = 200 * time.Millisecond
	opts.FastbootPollInterval = 50 * time.Millisecond
	opts.SandboxAllocateInterval = 10 * time.Millisecond
	return opts
}

// fakeCommander scripts per-serial shell behavior.
// idResult is one scripted response to the `id` shell probe.
type idResult struct {
	out string
	err error
}

type fakeCommander struct {
	mu         sync.Mutex
	serial     string
	idOut      string
	idErr      error
	idSeq      []idResult
	props      map[string]string
	battery    adb.Battery
	batteryErr error
	mount      string
	statOut    string
	storageSeq []string
	reboots    []adb.RebootMode
}

func newFakeCommander(serial string) *fakeCommander {
	return &fakeCommander{
		serial: serial,
		idOut:  "uid=0(root) gid=0(root)",
		props:  map[string]string{"dev.bootcomplete": "1"},
		mount:  "/sdcard",
	}
}

func (c *fakeCommander) Shell(_ context.Context, cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case cmd == "id":
		if len(c.idSeq) > 0 {
			r := c.idSeq[0]
			c.idSeq = c.idSeq[1:]
			return r.out, r.err
		}
		return c.idOut, c.idErr
	case cmd == "getprop":
		keys := make([]string, 0, len(c.props))
		for k := range c.props {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		for _, k := range keys {
			fmt.Fprintf(&b, "[%s]: [%s]\n", k, c.props[k])
		}
		return b.String(), nil
	case strings.HasPrefix(cmd, "getprop "):
		return c.props[strings.TrimPrefix(cmd, "getprop ")] + "\n", nil
	case cmd == "dumpsys battery":
		if c.batteryErr != nil {
			return "", c.batteryErr
		}
		return fmt.Sprintf("  level: %d\n  scale: %d\n  temperature: %d\n",
			c.battery.Level, c.battery.Scale, c.battery.Temperature), nil
	case strings.HasPrefix(cmd, "echo $"):
		return c.mount + "\n", nil
	case strings.HasPrefix(cmd, "stat -f"):
		if c.statOut != "" {
			return c.statOut, nil
		}
		return "ef53\n", nil
	case strings.HasPrefix(cmd, "echo "):
		if len(c.storageSeq) > 0 {
			out := c.storageSeq[0]
			c.storageSeq = c.storageSeq[1:]
			return out, nil
		}
		// Echo the token back, as a writable mount would.
		token := strings.Fields(strings.TrimPrefix(cmd, "echo "))[0]
		return token + "\n", nil
	default:
		return "", nil
	}
}

func (c *fakeCommander) GetProp(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.props[key], nil
}

func (c *fakeCommander) Reboot(_ context.Context, mode adb.RebootMode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reboots = append(c.reboots, mode)
	return nil
}

func (c *fakeCommander) Battery(context.Context) (adb.Battery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.batteryErr != nil {
		return adb.Battery{}, c.batteryErr
	}
	return c.battery, nil
}

func (c *fakeCommander) MountPoint(context.Context, string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mount, nil
}

func (c *fakeCommander) rebootCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reboots)
}

func (c *fakeCommander) setProp(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.props[key] = value
}

func (c *fakeCommander) setBattery(b adb.Battery) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.battery = b
	c.batteryErr = nil
}

// fakeBridge is an in-memory Bridge that tests drive directly.
type fakeBridge struct {
	mu           sync.Mutex
	commanders   map[string]*fakeCommander
	listed       map[string]bool
	listeners    []adb.DeviceListener
	disconnected bool
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{
		commanders: make(map[string]*fakeCommander),
		listed:     make(map[string]bool),
	}
}

func (b *fakeBridge) Init(context.Context) error { return nil }
func (b *fakeBridge) Terminate() error           { return nil }

func (b *fakeBridge) Disconnect(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disconnected = true
	return nil
}

func (b *fakeBridge) Version(context.Context) (int, error) { return 41, nil }

func (b *fakeBridge) AddListener(l adb.DeviceListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

func (b *fakeBridge) RemoveListener(l adb.DeviceListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, cur := range b.listeners {
		if cur == l {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			return
		}
	}
}

func (b *fakeBridge) Lists(serial string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listed[serial]
}

func (b *fakeBridge) Commander(serial string) Commander {
	return b.commander(serial)
}

func (b *fakeBridge) commander(serial string) *fakeCommander {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.commanders[serial]; ok {
		return c
	}
	c := newFakeCommander(serial)
	b.commanders[serial] = c
	return c
}

func (b *fakeBridge) snapshotListeners() []adb.DeviceListener {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]adb.DeviceListener, len(b.listeners))
	copy(out, b.listeners)
	return out
}

// connect simulates the daemon reporting a new device.
func (b *fakeBridge) connect(serial string, state adb.DeviceState) {
	b.mu.Lock()
	b.listed[serial] = true
	b.mu.Unlock()
	for _, l := range b.snapshotListeners() {
		l.DeviceConnected(adb.DeviceEntry{Serial: serial, State: state})
	}
}

// change simulates a device state change.
func (b *fakeBridge) change(serial string, state adb.DeviceState) {
	for _, l := range b.snapshotListeners() {
		l.DeviceStateChanged(adb.DeviceEntry{Serial: serial, State: state})
	}
}

// disconnect simulates the daemon dropping a device.
func (b *fakeBridge) disconnect(serial string) {
	b.mu.Lock()
	delete(b.listed, serial)
	b.mu.Unlock()
	for _, l := range b.snapshotListeners() {
		l.DeviceDisconnected(serial)
	}
}

// fakeLister scripts the fastboot poller's view.
type fakeLister struct {
	mu      sync.Mutex
	devices map[string]bool
	network map[string]bool
	err     error
}

func (f *fakeLister) Devices(context.Context) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]bool, len(f.devices))
	for k, v := range f.devices {
		out[k] = v
	}
	return out, nil
}

func (f *fakeLister) NetworkDevices(context.Context, map[string]string) map[string]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]bool, len(f.network))
	for k, v := range f.network {
		out[k] = v
	}
	return out
}

func (f *fakeLister) set(devices map[string]bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices = devices
}

// waitState polls until the record reaches the wanted allocation state.
func waitState(t *testing.T, d *Device, want AllocState) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if d.AllocState() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("device %s: state %s, want %s", d.Serial, d.AllocState(), want)
}
