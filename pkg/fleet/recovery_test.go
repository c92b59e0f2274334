package fleet

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fleetron-lab/fleetron/pkg/adb"
	"github.com/fleetron-lab/fleetron/pkg/avd"
	"github.com/fleetron-lab/fleetron/pkg/config"
	"github.com/fleetron-lab/fleetron/pkg/util"
)

func newTestWaitRecovery(opts *config.Options, bridge *fakeBridge) *WaitRecovery {
	return NewWaitRecovery(opts, bridge, nil, nil, NewProber(opts, bridge, nil))
}

// A device that is already online and answering must come back untouched:
// no reboot, no reset, no wait.
func TestRecoverOnlineIdempotent(t *testing.T) {
	opts := testOptions()
	bridge := newFakeBridge()
	w := newTestWaitRecovery(opts, bridge)

	d := NewDevice("healthy", KindPhysical)
	d.SetMode(ModeOnline)

	start := time.Now()
	if err := w.RecoverOnline(context.Background(), d); err != nil {
		t.Fatalf("RecoverOnline on healthy device: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("healthy-device recovery took %v, should return immediately", elapsed)
	}
	if got := bridge.commander("healthy").rebootCount(); got != 0 {
		t.Errorf("healthy device was rebooted %d times", got)
	}
}

func TestRecoverOnlineBatteryGate(t *testing.T) {
	opts := testOptions()
	opts.MinBatteryAfterRecovery = 20
	bridge := newFakeBridge()
	w := newTestWaitRecovery(opts, bridge)

	d := NewDevice("lowbatt", KindPhysical)
	d.SetMode(ModeOnline)
	bridge.commander("lowbatt").setBattery(adb.Battery{Level: 10, Scale: 100})

	err := w.RecoverOnline(context.Background(), d)
	if err == nil || !errors.Is(err, util.ErrDeviceUnavailable) {
		t.Fatalf("low battery after recovery = %v, want unavailable", err)
	}

	bridge.commander("lowbatt").setBattery(adb.Battery{Level: 80, Scale: 100})
	if err := w.RecoverOnline(context.Background(), d); err != nil {
		t.Errorf("charged device: %v", err)
	}
	// The post-check reading lands in the record's cache.
	if b, ok := d.BatteryReading(0); !ok || b.Percent() != 80 {
		t.Errorf("cached battery = (%v, %v), want 80%%", b, ok)
	}
}

func TestRecoverBootloader(t *testing.T) {
	opts := testOptions()
	bridge := newFakeBridge()
	w := newTestWaitRecovery(opts, bridge)
	ctx := context.Background()

	already := NewDevice("already", KindPhysical)
	already.SetMode(ModeBootloader)
	if err := w.RecoverBootloader(ctx, already); err != nil {
		t.Errorf("already in bootloader: %v", err)
	}
	if got := bridge.commander("already").rebootCount(); got != 0 {
		t.Errorf("no-op recovery issued %d reboots", got)
	}

	online := NewDevice("online", KindPhysical)
	online.SetMode(ModeOnline)
	go func() {
		time.Sleep(30 * time.Millisecond)
		online.SetMode(ModeBootloader)
	}()
	if err := w.RecoverBootloader(ctx, online); err != nil {
		t.Errorf("online to bootloader: %v", err)
	}
	cmd := bridge.commander("online")
	if cmd.rebootCount() != 1 || cmd.reboots[0] != adb.RebootBootloader {
		t.Errorf("reboots = %v, want one bootloader reboot", cmd.reboots)
	}

	dead := NewDevice("dead", KindPhysical)
	if err := w.RecoverBootloader(ctx, dead); err == nil {
		t.Error("not-available device cannot reach bootloader")
	}
}

func TestRecoverFastbootdRequiresFlag(t *testing.T) {
	opts := testOptions()
	opts.EnableFastbootd = false
	bridge := newFakeBridge()
	w := newTestWaitRecovery(opts, bridge)

	d := NewDevice("fb", KindPhysical)
	d.SetMode(ModeOnline)
	err := w.RecoverFastbootd(context.Background(), d)
	if err == nil || !errors.Is(err, util.ErrDeviceUnavailable) {
		t.Fatalf("fastbootd with flag off = %v, want unavailable", err)
	}

	opts.EnableFastbootd = true
	go func() {
		time.Sleep(30 * time.Millisecond)
		d.SetMode(ModeFastbootd)
	}()
	if err := w.RecoverFastbootd(context.Background(), d); err != nil {
		t.Errorf("fastbootd with flag on: %v", err)
	}
}

func TestRecoverRecoveryMode(t *testing.T) {
	opts := testOptions()
	bridge := newFakeBridge()
	w := newTestWaitRecovery(opts, bridge)

	d := NewDevice("rec", KindPhysical)
	d.SetMode(ModeOnline)
	go func() {
		time.Sleep(30 * time.Millisecond)
		d.SetMode(ModeRecovery)
	}()
	if err := w.RecoverRecoveryMode(context.Background(), d); err != nil {
		t.Fatalf("online to recovery: %v", err)
	}
	cmd := bridge.commander("rec")
	if cmd.rebootCount() != 1 || cmd.reboots[0] != adb.RebootRecovery {
		t.Errorf("reboots = %v, want one recovery reboot", cmd.reboots)
	}
}

func TestAbortRecoveryFailsEverything(t *testing.T) {
	strategy := NewAbortRecovery("cancelled by user")
	d := NewDevice("any", KindPhysical)
	ctx := context.Background()

	calls := []func() error{
		func() error { return strategy.RecoverOnline(ctx, d) },
		func() error { return strategy.RecoverBootloader(ctx, d) },
		func() error { return strategy.RecoverRecoveryMode(ctx, d) },
		func() error { return strategy.RecoverFastbootd(ctx, d) },
	}
	for i, call := range calls {
		err := call()
		if err == nil || !errors.Is(err, util.ErrAllocationCancelled) {
			t.Errorf("call %d = %v, want cancellation", i, err)
		}
		if err.Error() != "aborted test session: cancelled by user" {
			t.Errorf("call %d message = %q", i, err.Error())
		}
	}
}

// fakeAcloud writes a driver stand-in that reports a healthy instance on
// create and records every invocation.
func fakeAcloud(t *testing.T) (path, callLog string) {
	t.Helper()
	dir := t.TempDir()
	path = filepath.Join(dir, "acloud")
	callLog = filepath.Join(dir, "calls.log")
	script := `#!/bin/sh
echo "$@" >> "` + callLog + `"
if [ "$1" = "create" ]; then
  cat > "$3" <<'EOF'
{"status": "SUCCESS", "instance_name": "ins-recovered", "host": "192.0.2.9", "port": 6520}
EOF
fi
exit 0
`
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path, callLog
}

// A virtual slot with no instance left gets a fresh one launched; a slot
// with a live instance gets it torn down and relaunched.
func TestCvdRecoveryCyclesInstance(t *testing.T) {
	driverPath, callLog := fakeAcloud(t)
	rec := &CvdRecovery{Driver: avd.NewDriver(driverPath), ReportDir: t.TempDir()}
	ctx := context.Background()

	d := NewDevice("gce-device-1", KindRemoteGCE)
	if err := rec.RecoverOnline(ctx, d); err != nil {
		t.Fatalf("RecoverOnline: %v", err)
	}
	v := d.Virtual()
	if v == nil || !v.Running() {
		t.Fatal("recovery should leave a running instance attached")
	}
	if v.Report().InstanceName != "ins-recovered" {
		t.Errorf("instance = %q, want ins-recovered", v.Report().InstanceName)
	}

	// Second recovery cycles the now-live instance: delete, then create.
	if err := rec.RecoverOnline(ctx, d); err != nil {
		t.Fatalf("second RecoverOnline: %v", err)
	}
	calls, err := os.ReadFile(callLog)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(calls); !strings.Contains(got, "delete --instance-names ins-recovered") {
		t.Errorf("driver calls = %q, want a delete of the live instance", got)
	}
}

// Virtual targets have no low-level modes to recover into.
func TestCvdRecoveryRejectsLowLevelModes(t *testing.T) {
	rec := &CvdRecovery{}
	d := NewDevice("local-virtual-1", KindLocalVirtual)
	ctx := context.Background()

	for i, err := range []error{
		rec.RecoverBootloader(ctx, d),
		rec.RecoverRecoveryMode(ctx, d),
		rec.RecoverFastbootd(ctx, d),
	} {
		if !errors.Is(err, util.ErrDeviceUnavailable) {
			t.Errorf("call %d = %v, want unavailable", i, err)
		}
	}
}

func TestUnavailableRecovererSweep(t *testing.T) {
	r := NewRegistry(nil)

	// Unavailable physical record with a working (no-op) strategy.
	survivor, _ := r.FindOrCreate("survivor", KindPhysical)
	r.Process("survivor", EventConnectedOnline)
	r.Process("survivor", EventAvailableCheckFailed)

	// Unavailable record whose recovery fails.
	doomed, _ := r.FindOrCreate("doomed", KindPhysical)
	r.Process("doomed", EventConnectedOnline)
	r.Process("doomed", EventAvailableCheckFailed)
	doomed.SetRecovery(NewAbortRecovery("gone"))

	// Placeholders and healthy devices are left alone.
	mkAvailable(t, r, "null-device-1", KindNull)

	u := &unavailableRecoverer{registry: r}
	err := u.RecoverDevices(context.Background(), r.Snapshot())
	if err == nil {
		t.Error("sweep should surface the doomed record's failure")
	}
	if got := survivor.AllocState(); got != StateChecking {
		t.Errorf("survivor state = %s, want checking-availability", got)
	}
	if got := doomed.AllocState(); got != StateUnavailable {
		t.Errorf("doomed state = %s, want unavailable", got)
	}
	if got := r.Find("null-device-1").AllocState(); got != StateAvailable {
		t.Errorf("placeholder state = %s, want available", got)
	}
}

type panicRecoverer struct{}

func (panicRecoverer) Name() string { return "panics" }
func (panicRecoverer) RecoverDevices(context.Context, []*Device) error {
	panic("boom")
}

func TestSweeperIsolatesPanics(t *testing.T) {
	opts := testOptions()
	r := NewRegistry(nil)
	s := newSweeper(opts, r)
	s.addRecoverer(panicRecoverer{})
	s.sweepOnce() // must not propagate the panic
}
