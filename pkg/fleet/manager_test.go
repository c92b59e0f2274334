package fleet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/fleetron-lab/fleetron/pkg/adb"
	"github.com/fleetron-lab/fleetron/pkg/config"
	"github.com/fleetron-lab/fleetron/pkg/util"
)

func newTestManager(t *testing.T, opts *config.Options) (*Manager, *fakeBridge) {
	t.Helper()
	bridge := newFakeBridge()
	m := NewManager(opts, bridge)
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(m.Terminate)
	return m, bridge
}

func TestManagerInitIdempotent(t *testing.T) {
	m, _ := newTestManager(t, testOptions())
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("second Init: %v", err)
	}
	m.Terminate()
	m.Terminate() // second terminate is a no-op
}

// Null placeholders go allocate -> free -> allocate without any device
// behind them.
func TestNullDeviceRoundTrip(t *testing.T) {
	opts := testOptions()
	opts.MaxNullDevices = 3
	m, _ := newTestManager(t, opts)
	ctx := context.Background()

	if got := m.Registry().CountByState(StateAvailable); got != 3 {
		t.Fatalf("available after seeding = %d, want 3", got)
	}

	d, err := m.Allocate(ctx, Criteria{Kind: RequestedNull}, false)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if d.Kind != KindNull || d.AllocState() != StateAllocated {
		t.Fatalf("allocated %s (%s, %s)", d.Serial, d.Kind, d.AllocState())
	}

	m.Free(ctx, d, FreeStateAvailable)
	waitState(t, d, StateAvailable)

	// The freed slot can be won again.
	again, err := m.Allocate(ctx, Criteria{Serials: []string{d.Serial}, Kind: RequestedNull}, false)
	if err != nil {
		t.Fatalf("re-allocate: %v", err)
	}
	if again != d {
		t.Error("re-allocation should return the same record instance")
	}
}

func TestPoolSeeding(t *testing.T) {
	opts := testOptions()
	opts.MaxNullDevices = 2
	opts.MaxEmulators = 2
	opts.MaxLocalVirtualDevices = 1
	opts.MaxGceDevices = 1
	opts.MaxRemoteDevices = 2
	opts.KnownDeviceIPs = []string{"10.0.0.5"}
	opts.RemoteSSHUser = "vsoc-01"
	m, _ := newTestManager(t, opts)

	counts := make(map[DeviceKind]int)
	for _, d := range m.Registry().Snapshot() {
		counts[d.Kind]++
	}
	want := map[DeviceKind]int{
		KindNull:          2,
		KindEmulatorSlot:  2,
		KindLocalVirtual:  1,
		KindRemoteGCE:     1,
		KindRemoteKnownIP: 2,
	}
	for kind, n := range want {
		if counts[kind] != n {
			t.Errorf("%s slots = %d, want %d", kind, counts[kind], n)
		}
	}

	known := m.Registry().Find("10.0.0.5:5555")
	if known == nil {
		t.Fatal("known IP should seed a network-serial slot")
	}
	if known.KnownIP != "10.0.0.5" || known.User != "vsoc-01" {
		t.Errorf("known slot = %+v", known)
	}
	if m.Registry().Find("remote-device-2") == nil {
		t.Error("remaining remote capacity should seed anonymous slots")
	}

	// Emulator slots carry console-port serials.
	if m.Registry().Find("emulator-5554") == nil || m.Registry().Find("emulator-5556") == nil {
		t.Error("emulator slots should use console-port serials")
	}
}

// Bridge discovery: connect, probe, select, free, reprobe.
func TestPhysicalDeviceLifecycle(t *testing.T) {
	opts := testOptions()
	m, bridge := newTestManager(t, opts)
	ctx := context.Background()

	cmd := bridge.commander("ABC123")
	cmd.setProp("ro.product.board", "walleye")

	bridge.connect("ABC123", adb.StateDevice)

	select {
	case <-m.FirstDeviceSeen():
	case <-time.After(3 * time.Second):
		t.Fatal("FirstDeviceSeen never fired")
	}

	d := waitFind(t, m.Registry(), "ABC123")
	waitState(t, d, StateAvailable)
	if d.Mode() != ModeOnline {
		t.Errorf("mode = %s, want online", d.Mode())
	}
	if d.Property("ro.product.board") != "walleye" {
		t.Error("probe should have cached properties")
	}

	got, err := m.Allocate(ctx, Criteria{Products: []ProductFilter{{Product: "walleye"}}}, false)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if got != d {
		t.Fatalf("allocated %s, want ABC123", got.Serial)
	}

	// Offline events while allocated never steal the device.
	bridge.change("ABC123", adb.StateOffline)
	time.Sleep(50 * time.Millisecond)
	if d.AllocState() != StateAllocated {
		t.Errorf("state after offline while allocated = %s", d.AllocState())
	}
	bridge.change("ABC123", adb.StateDevice)

	m.Free(ctx, d, FreeStateAvailable)
	waitState(t, d, StateAvailable)
}

func TestDisconnectResetsRecord(t *testing.T) {
	opts := testOptions()
	m, bridge := newTestManager(t, opts)

	bridge.connect("GONE1", adb.StateDevice)
	d := waitFind(t, m.Registry(), "GONE1")
	waitState(t, d, StateAvailable)

	bridge.disconnect("GONE1")
	waitState(t, d, StateUnknown)
	if d.Mode() != ModeNotAvailable {
		t.Errorf("mode after disconnect = %s, want not-available", d.Mode())
	}
}

// Freeing a physical device the bridge no longer lists downgrades the
// reported condition to unknown.
func TestFreeUnlistedPhysical(t *testing.T) {
	opts := testOptions()
	m, bridge := newTestManager(t, opts)
	ctx := context.Background()

	bridge.connect("FLAKY", adb.StateDevice)
	d := waitFind(t, m.Registry(), "FLAKY")
	waitState(t, d, StateAvailable)

	got, err := m.Allocate(ctx, Criteria{}, false)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	bridge.disconnect("FLAKY")
	time.Sleep(50 * time.Millisecond)

	m.Free(ctx, got, FreeStateAvailable)
	waitState(t, d, StateUnknown)
}

// Freeing a known-IP remote slot stops any leftover instance on its
// host over SSH before the slot goes back through checking.
func TestFreeRemoteRunsHostCleanup(t *testing.T) {
	opts := testOptions()
	opts.MaxRemoteDevices = 1
	opts.KnownDeviceIPs = []string{"10.0.0.5"}
	opts.RemoteSSHUser = "vsoc-01"
	m, _ := newTestManager(t, opts)
	ctx := context.Background()

	m.prober.hostCheck = func(string, int, string, string) bool { return true }
	var calls []string
	m.hostRun = func(host string, port int, user, pass, command string) (string, error) {
		calls = append(calls, fmt.Sprintf("%s@%s:%d %s", user, host, port, command))
		return "", nil
	}

	d, err := m.Allocate(ctx, Criteria{Kind: RequestedRemote}, false)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	m.Free(ctx, d, FreeStateAvailable)

	want := "vsoc-01@10.0.0.5:22 ./bin/stop_cvd"
	if len(calls) != 1 || calls[0] != want {
		t.Errorf("host cleanup calls = %v, want [%s]", calls, want)
	}
	if d.Mode() != ModeNotAvailable {
		t.Error("freed remote slot should reset to not-available")
	}
	waitState(t, d, StateAvailable)
}

// Virtual kinds get the driver-cycling recovery; placeholders without a
// backing process keep the no-op strategy.
func TestDeviceFactoryRecoveryStrategies(t *testing.T) {
	opts := testOptions()
	opts.MaxGceDevices = 1
	opts.MaxLocalVirtualDevices = 1
	opts.MaxNullDevices = 1
	m, _ := newTestManager(t, opts)

	for _, serial := range []string{"gce-device-1", "local-virtual-1"} {
		d := m.Registry().Find(serial)
		if d == nil {
			t.Fatalf("%s not seeded", serial)
		}
		if _, ok := d.Recovery().(*CvdRecovery); !ok {
			t.Errorf("%s recovery = %T, want *CvdRecovery", serial, d.Recovery())
		}
	}

	null := m.Registry().Find("null-device-1")
	if _, ok := null.Recovery().(noRecovery); !ok {
		t.Errorf("null slot recovery = %T, want noRecovery", null.Recovery())
	}
}

func TestGlobalFilterIgnoresDevice(t *testing.T) {
	opts := testOptions()
	opts.GlobalFilter = &config.Selection{ExcludeSerials: []string{"BANNED"}}
	m, bridge := newTestManager(t, opts)

	bridge.connect("BANNED", adb.StateDevice)
	d := waitFind(t, m.Registry(), "BANNED")
	waitState(t, d, StateIgnored)
}

func TestTemporaryAllocation(t *testing.T) {
	opts := testOptions()
	m, _ := newTestManager(t, opts)
	ctx := context.Background()

	d, err := m.Allocate(ctx, Criteria{}, true)
	if err != nil {
		t.Fatalf("temporary Allocate: %v", err)
	}
	if d.Kind != KindNull || !d.Temporary {
		t.Fatalf("temporary record = %s (%s)", d.Serial, d.Kind)
	}
	if !strings.HasPrefix(d.Serial, "null-device-temp-") {
		t.Errorf("temporary serial = %s", d.Serial)
	}

	m.Free(ctx, d, FreeStateAvailable)
	if m.Registry().Find(d.Serial) != nil {
		t.Error("temporary record must be destroyed on free")
	}
}

func TestAllocateNoMatchError(t *testing.T) {
	opts := testOptions()
	opts.MaxNullDevices = 1
	m, _ := newTestManager(t, opts)

	_, err := m.Allocate(context.Background(), Criteria{Kind: RequestedEmulator}, false)
	if err == nil {
		t.Fatal("expected selection failure")
	}
	if !errors.Is(err, util.ErrSelectionMismatch) {
		t.Errorf("error should wrap ErrSelectionMismatch, got %v", err)
	}
	var sel *util.SelectionError
	if !errors.As(err, &sel) {
		t.Fatalf("error type = %T", err)
	}
	if len(sel.Reasons) == 0 {
		t.Error("selection error should carry per-candidate reasons")
	}
}

func TestSandboxAllocateRetries(t *testing.T) {
	t.Setenv("FLEETRON_SANDBOX", "1")
	opts := testOptions()
	opts.MaxNullDevices = 1
	opts.SandboxAllocateRetries = 20
	m, _ := newTestManager(t, opts)
	ctx := context.Background()

	first, err := m.Allocate(ctx, Criteria{Kind: RequestedNull}, false)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	// A second allocation parks in the retry loop until the slot frees.
	done := make(chan *Device, 1)
	go func() {
		d, _ := m.Allocate(ctx, Criteria{Kind: RequestedNull}, false)
		done <- d
	}()
	time.Sleep(30 * time.Millisecond)
	m.Free(ctx, first, FreeStateAvailable)

	select {
	case d := <-done:
		if d == nil {
			t.Fatal("retrying allocation should win the freed slot")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("retrying allocation never completed")
	}
}

func TestForceAllocateManager(t *testing.T) {
	opts := testOptions()
	opts.MaxNullDevices = 1
	m, _ := newTestManager(t, opts)

	if d := m.ForceAllocate("null-device-1"); d == nil {
		t.Fatal("ForceAllocate of seeded slot failed")
	}
	if d := m.ForceAllocate("null-device-1"); d != nil {
		t.Error("double ForceAllocate must fail")
	}
}

func TestLaunchEmulatorRejectsWrongKind(t *testing.T) {
	opts := testOptions()
	opts.MaxNullDevices = 1
	m, _ := newTestManager(t, opts)

	d := m.Registry().Find("null-device-1")
	err := m.LaunchEmulator(d, "test_avd")
	if err == nil || !errors.Is(err, util.ErrDeviceUnavailable) {
		t.Errorf("LaunchEmulator on null slot = %v, want unavailable", err)
	}
}

func TestTerminateHard(t *testing.T) {
	opts := testOptions()
	bridge := newFakeBridge()
	m := NewManager(opts, bridge)
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	bridge.connect("ABC123", adb.StateDevice)
	d := waitFind(t, m.Registry(), "ABC123")
	waitState(t, d, StateAvailable)

	m.TerminateHard(context.Background(), "cancelled by user")

	err := d.Recovery().RecoverOnline(context.Background(), d)
	if err == nil || err.Error() != "aborted test session: cancelled by user" {
		t.Errorf("recovery after hard terminate = %v", err)
	}
	if !errors.Is(err, util.ErrAllocationCancelled) {
		t.Errorf("error should wrap ErrAllocationCancelled, got %v", err)
	}
	bridge.mu.Lock()
	disconnected := bridge.disconnected
	bridge.mu.Unlock()
	if !disconnected {
		t.Error("hard terminate should disconnect the bridge")
	}
}

func TestListDevicesSorted(t *testing.T) {
	opts := testOptions()
	opts.MaxNullDevices = 2
	m, bridge := newTestManager(t, opts)

	bridge.connect("ZZZ", adb.StateDevice)
	d := waitFind(t, m.Registry(), "ZZZ")
	waitState(t, d, StateAvailable)

	descs := m.ListDevices(false)
	if len(descs) != 3 {
		t.Fatalf("listed %d devices, want 3", len(descs))
	}
	for i := 1; i < len(descs); i++ {
		prev, cur := descs[i-1], descs[i]
		if prev.Mode > cur.Mode || (prev.Mode == cur.Mode && prev.Serial > cur.Serial) {
			t.Errorf("descriptors out of order at %d: %s/%s before %s/%s",
				i, prev.ModeName, prev.Serial, cur.ModeName, cur.Serial)
		}
	}
}
