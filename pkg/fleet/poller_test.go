package fleet

import (
	"sync/atomic"
	"testing"
	"time"
)

type countingPollListener struct {
	sweeps atomic.Int64
}

func (c *countingPollListener) LowLevelStateUpdated() {
	c.sweeps.Add(1)
}

func TestSweepOnceMaterializesAndClassifies(t *testing.T) {
	opts := testOptions()
	opts.EnableFastbootd = true
	r := NewRegistry(nil)
	lister := &fakeLister{devices: map[string]bool{
		"boot1": false,
		"fb1":   true,
	}}
	p := NewPoller(opts, lister, r, nil)

	var listener countingPollListener
	p.AddListener(&listener)
	p.SweepOnce()

	boot := r.Find("boot1")
	if boot == nil || boot.Kind != KindLowLevelOnly {
		t.Fatal("unknown bootloader serial should materialize as low-level record")
	}
	if boot.Mode() != ModeBootloader || boot.AllocState() != StateAvailable {
		t.Errorf("boot1 = (%s, %s), want (bootloader, available)", boot.Mode(), boot.AllocState())
	}
	fb := r.Find("fb1")
	if fb.Mode() != ModeFastbootd {
		t.Errorf("fb1 mode = %s, want fastbootd", fb.Mode())
	}
	if got := listener.sweeps.Load(); got != 1 {
		t.Errorf("listener notified %d times, want 1", got)
	}
}

// Without the fastbootd feature flag, userspace-fastboot devices are
// classified as plain bootloader.
func TestSweepOnceFastbootdDisabled(t *testing.T) {
	opts := testOptions()
	opts.EnableFastbootd = false
	r := NewRegistry(nil)
	lister := &fakeLister{devices: map[string]bool{"fb1": true}}
	p := NewPoller(opts, lister, r, nil)

	p.SweepOnce()
	if got := r.Find("fb1").Mode(); got != ModeBootloader {
		t.Errorf("mode = %s, want bootloader with fastbootd disabled", got)
	}
}

func TestSweepOnceRespectsAdmitFilter(t *testing.T) {
	opts := testOptions()
	r := NewRegistry(nil)
	lister := &fakeLister{devices: map[string]bool{
		"wanted":   false,
		"unwanted": false,
	}}
	p := NewPoller(opts, lister, r, func(serial string) bool { return serial == "wanted" })

	p.SweepOnce()
	if r.Find("wanted") == nil {
		t.Error("admitted serial should materialize")
	}
	if r.Find("unwanted") != nil {
		t.Error("filtered serial must not materialize")
	}
}

func TestSweepOnceDeviceVanishes(t *testing.T) {
	opts := testOptions()
	r := NewRegistry(nil)
	lister := &fakeLister{devices: map[string]bool{"boot1": false}}
	p := NewPoller(opts, lister, r, nil)

	p.SweepOnce()
	d := r.Find("boot1")
	waitState(t, d, StateAvailable)

	lister.set(nil)
	p.SweepOnce()
	if seen, _ := d.LowLevelSeen(); seen {
		t.Error("vanished serial should have its low-level flag cleared")
	}
	if d.Mode() != ModeNotAvailable {
		t.Errorf("mode = %s, want not-available after vanish", d.Mode())
	}
}

func TestSweepOnceIncludesNetworkDevices(t *testing.T) {
	opts := testOptions()
	opts.FastbootNetworkSerials = map[string]string{"NET1": "10.0.0.9:5554"}
	r := NewRegistry(nil)
	lister := &fakeLister{network: map[string]bool{"NET1": false}}
	p := NewPoller(opts, lister, r, nil)

	p.SweepOnce()
	d := r.Find("NET1")
	if d == nil || d.Mode() != ModeBootloader {
		t.Fatal("network fastboot serial should be tracked in bootloader mode")
	}
}

func TestPollerStartStop(t *testing.T) {
	opts := testOptions()
	r := NewRegistry(nil)
	lister := &fakeLister{devices: map[string]bool{"boot1": false}}
	p := NewPoller(opts, lister, r, nil)

	p.Start()
	waitState(t, waitFind(t, r, "boot1"), StateAvailable)
	p.Poke()
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func waitFind(t *testing.T, r *Registry, serial string) *Device {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if d := r.Find(serial); d != nil {
			return d
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("record %s never materialized", serial)
	return nil
}
