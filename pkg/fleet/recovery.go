package fleet

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"gopkg.in/tomb.v2"

	"github.com/fleetron-lab/fleetron/pkg/adb"
	"github.com/fleetron-lab/fleetron/pkg/avd"
	"github.com/fleetron-lab/fleetron/pkg/config"
	"github.com/fleetron-lab/fleetron/pkg/util"
)

// initialPause lets a freshly failed device settle before recovery starts
// poking at it.
const initialPause = 5 * time.Second

// RecoveryStrategy is the per-record escalation policy. Each method blocks
// until the target reaches the named mode in a usable condition or returns
// a terminal error for this attempt.
type RecoveryStrategy interface {
	RecoverOnline(ctx context.Context, d *Device) error
	RecoverBootloader(ctx context.Context, d *Device) error
	RecoverRecoveryMode(ctx context.Context, d *Device) error
	RecoverFastbootd(ctx context.Context, d *Device) error
}

// noRecovery is the strategy for kinds with nothing to recover.
type noRecovery struct{}

func (noRecovery) RecoverOnline(context.Context, *Device) error       { return nil }
func (noRecovery) RecoverBootloader(context.Context, *Device) error   { return nil }
func (noRecovery) RecoverRecoveryMode(context.Context, *Device) error { return nil }
func (noRecovery) RecoverFastbootd(context.Context, *Device) error    { return nil }

// abortRecovery fails every call with a cancellation error. TerminateHard
// installs it in all records so in-flight tests fail fast.
type abortRecovery struct {
	reason string
}

// NewAbortRecovery returns a strategy whose every call fails with
// "aborted test session: <reason>".
func NewAbortRecovery(reason string) RecoveryStrategy {
	return abortRecovery{reason: reason}
}

func (a abortRecovery) fail() error {
	return util.NewCancelledError(a.reason)
}

func (a abortRecovery) RecoverOnline(context.Context, *Device) error       { return a.fail() }
func (a abortRecovery) RecoverBootloader(context.Context, *Device) error   { return a.fail() }
func (a abortRecovery) RecoverRecoveryMode(context.Context, *Device) error { return a.fail() }
func (a abortRecovery) RecoverFastbootd(context.Context, *Device) error    { return a.fail() }

// LowLevelTool is the fastboot surface recovery needs on top of listing.
// Implemented by *fastboot.Helper.
type LowLevelTool interface {
	LowLevelLister
	Reboot(ctx context.Context, serial string) error
	RebootBootloader(ctx context.Context, serial string) error
	RebootFastbootd(ctx context.Context, serial string) error
}

// USBResetFunc resets the host USB endpoint carrying a serial.
type USBResetFunc func(serial string) error

// WaitRecovery is the wait+reboot+usb-reset escalation for physical
// targets. tool and usbReset may be nil when the host lacks the fastboot
// binary or usbfs access; the corresponding steps are skipped.
type WaitRecovery struct {
	opts     *config.Options
	bridge   Bridge
	tool     LowLevelTool
	usbReset USBResetFunc
	prober   *Prober
}

// NewWaitRecovery builds the standard escalation strategy.
func NewWaitRecovery(opts *config.Options, bridge Bridge, tool LowLevelTool, usbReset USBResetFunc, prober *Prober) *WaitRecovery {
	return &WaitRecovery{opts: opts, bridge: bridge, tool: tool, usbReset: usbReset, prober: prober}
}

// shellResponsive runs one quick `id` round-trip.
func (w *WaitRecovery) shellResponsive(ctx context.Context, d *Device) bool {
	quick, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := w.bridge.Commander(d.Serial).Shell(quick, "id")
	return err == nil && strings.Contains(out, "uid=")
}

// waitOnlineResponsive waits for the online mode, then for the shell.
func (w *WaitRecovery) waitOnlineResponsive(ctx context.Context, d *Device) error {
	if err := d.WaitForMode(w.opts.OnlineWaitTime, ModeOnline); err != nil {
		return err
	}
	return w.prober.CheckShellResponsive(ctx, w.bridge.Commander(d.Serial), d.Serial)
}

// RecoverOnline walks the escalation: settle, leave low-level modes,
// wait, reboot if unresponsive, USB-reset, recover-mode reboot, give up.
// Already-online responsive devices return immediately with no reboot.
func (w *WaitRecovery) RecoverOnline(ctx context.Context, d *Device) error {
	log := util.WithSerial(d.Serial)

	if d.Mode() == ModeOnline && w.shellResponsive(ctx, d) {
		return w.batteryPostCheck(ctx, d)
	}

	select {
	case <-time.After(initialPause):
	case <-ctx.Done():
		return fmt.Errorf("%w: recovery interrupted: %v", util.ErrUndetermined, ctx.Err())
	}

	// A device stuck in bootloader or fastbootd never reaches the bridge;
	// kick it back into a normal boot first.
	if w.tool != nil {
		if listed, err := w.tool.Devices(ctx); err == nil {
			if _, inLowLevel := listed[d.Serial]; inLowLevel {
				log.Info("device in low-level mode, rebooting to system")
				if err := w.tool.Reboot(ctx, d.Serial); err != nil {
					log.Warnf("fastboot reboot failed: %v", err)
				}
			}
		}
	}

	if err := w.waitOnlineResponsive(ctx, d); err == nil {
		return w.batteryPostCheck(ctx, d)
	}

	if d.Mode() == ModeOnline && !w.opts.DisableUnresponsiveReboot {
		log.Info("device online but unresponsive, rebooting")
		rebootCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := w.bridge.Commander(d.Serial).Reboot(rebootCtx, adb.RebootNormal)
		cancel()
		if err != nil {
			log.Warnf("reboot failed: %v", err)
		}
		if err := w.waitOnlineResponsive(ctx, d); err == nil {
			return w.batteryPostCheck(ctx, d)
		}
	}

	if w.canUsbReset(d) {
		log.Info("attempting USB bus reset")
		if err := w.usbReset(d.Serial); err != nil {
			log.Warnf("usb reset failed: %v", err)
		} else {
			if err := w.waitOnlineResponsive(ctx, d); err == nil {
				return w.batteryPostCheck(ctx, d)
			}
			// Some targets land in recovery mode after a bus reset.
			if d.Mode() == ModeRecovery {
				log.Info("device in recovery mode after reset, rebooting to system")
				rebootCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
				err := w.bridge.Commander(d.Serial).Reboot(rebootCtx, adb.RebootNormal)
				cancel()
				if err != nil {
					log.Warnf("reboot from recovery failed: %v", err)
				}
				if err := w.waitOnlineResponsive(ctx, d); err == nil {
					return w.batteryPostCheck(ctx, d)
				}
			}
		}
	}

	return util.NewUnavailableError(d.Serial, "recovery exhausted: device did not come back online")
}

// canUsbReset gates the bus reset: never for network-attached targets,
// never while the target sits in a fastboot or recovery mode.
func (w *WaitRecovery) canUsbReset(d *Device) bool {
	if w.usbReset == nil || w.opts.DisableUsbReset {
		return false
	}
	if NetworkSerial(d.Serial) {
		return false
	}
	switch d.Mode() {
	case ModeBootloader, ModeFastbootd, ModeRecovery:
		return false
	}
	return true
}

// batteryPostCheck enforces the configured minimum charge after recovery.
func (w *WaitRecovery) batteryPostCheck(ctx context.Context, d *Device) error {
	min := w.opts.MinBatteryAfterRecovery
	if min <= 0 {
		return nil
	}
	readCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	b, err := w.bridge.Commander(d.Serial).Battery(readCtx)
	if err != nil {
		return util.NewUnavailableError(d.Serial, fmt.Sprintf("battery unreadable after recovery: %v", err))
	}
	d.StoreBattery(b)
	if b.Percent() < min {
		return util.NewUnavailableError(d.Serial,
			fmt.Sprintf("battery %d%% below post-recovery minimum %d%%", b.Percent(), min))
	}
	return nil
}

// RecoverBootloader steers the target into bootloader mode.
func (w *WaitRecovery) RecoverBootloader(ctx context.Context, d *Device) error {
	switch d.Mode() {
	case ModeBootloader:
		return nil
	case ModeFastbootd:
		if w.tool != nil {
			if err := w.tool.RebootBootloader(ctx, d.Serial); err != nil {
				return err
			}
		}
	case ModeOnline:
		if err := w.bridge.Commander(d.Serial).Reboot(ctx, adb.RebootBootloader); err != nil {
			return err
		}
	default:
		return util.NewUnavailableError(d.Serial,
			"cannot reach bootloader from mode "+d.Mode().String())
	}
	return d.WaitForMode(w.opts.BootloaderWaitTime, ModeBootloader)
}

// RecoverFastbootd steers the target into userspace fastboot.
func (w *WaitRecovery) RecoverFastbootd(ctx context.Context, d *Device) error {
	if !w.opts.EnableFastbootd {
		return util.NewUnavailableError(d.Serial, "fastbootd is not enabled")
	}
	switch d.Mode() {
	case ModeFastbootd:
		return nil
	case ModeBootloader:
		if w.tool != nil {
			if err := w.tool.RebootFastbootd(ctx, d.Serial); err != nil {
				return err
			}
		}
	case ModeOnline:
		if err := w.bridge.Commander(d.Serial).Reboot(ctx, adb.RebootFastbootd); err != nil {
			return err
		}
	default:
		return util.NewUnavailableError(d.Serial,
			"cannot reach fastbootd from mode "+d.Mode().String())
	}
	return d.WaitForMode(w.opts.FastbootWaitTime, ModeFastbootd)
}

// RecoverRecoveryMode steers the target into recovery mode.
func (w *WaitRecovery) RecoverRecoveryMode(ctx context.Context, d *Device) error {
	switch d.Mode() {
	case ModeRecovery:
		return nil
	case ModeOnline:
		if err := w.bridge.Commander(d.Serial).Reboot(ctx, adb.RebootRecovery); err != nil {
			return err
		}
	default:
		return util.NewUnavailableError(d.Serial,
			"cannot reach recovery mode from mode "+d.Mode().String())
	}
	return d.WaitForMode(w.opts.OnlineWaitTime, ModeRecovery)
}

// CvdRecovery recovers driver-managed virtual devices by cycling the
// instance: tear down whatever is left, then launch fresh.
type CvdRecovery struct {
	Driver    *avd.Driver
	ReportDir string

	// LaunchArgs are passed through to the driver's create command.
	LaunchArgs []string
}

func (c *CvdRecovery) RecoverOnline(ctx context.Context, d *Device) error {
	v := d.Virtual()
	if v == nil {
		if c.Driver == nil {
			return util.NewUnavailableError(d.Serial, "no virtual instance to recover")
		}
		// The slot lost its instance entirely; start over with a fresh one.
		v = c.Driver.NewVirtualDevice(d.Serial, c.ReportDir)
		d.AttachVirtual(v)
	}
	if err := v.Teardown(ctx); err != nil {
		util.WithSerial(d.Serial).Warnf("teardown during recovery: %v", err)
	}
	return v.Launch(ctx, c.LaunchArgs...)
}

func (c *CvdRecovery) RecoverBootloader(_ context.Context, d *Device) error {
	return util.NewUnavailableError(d.Serial, "virtual devices have no bootloader")
}

func (c *CvdRecovery) RecoverRecoveryMode(_ context.Context, d *Device) error {
	return util.NewUnavailableError(d.Serial, "virtual devices have no recovery mode")
}

func (c *CvdRecovery) RecoverFastbootd(_ context.Context, d *Device) error {
	return util.NewUnavailableError(d.Serial, "virtual devices have no fastbootd")
}

// MultiRecoverer handles one periodic sweep over a fleet snapshot.
type MultiRecoverer interface {
	Name() string
	RecoverDevices(ctx context.Context, devices []*Device) error
}

// sweeper drives the periodic multi-device recovery sweep. Per-strategy
// failures, including panics, are isolated and logged; the sweep itself
// never dies of a bad strategy.
type sweeper struct {
	opts     *config.Options
	registry *Registry

	tomb tomb.Tomb

	mu         sync.Mutex
	recoverers []MultiRecoverer
}

func newSweeper(opts *config.Options, registry *Registry) *sweeper {
	return &sweeper{opts: opts, registry: registry}
}

func (s *sweeper) addRecoverer(r MultiRecoverer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recoverers = append(s.recoverers, r)
}

func (s *sweeper) start() {
	s.tomb.Go(s.loop)
}

func (s *sweeper) stop() error {
	s.tomb.Kill(nil)
	return s.tomb.Wait()
}

func (s *sweeper) loop() error {
	ticker := time.NewTicker(s.opts.DeviceRecoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.tomb.Dying():
			return nil
		case <-ticker.C:
			s.sweepOnce()
		}
	}
}

func (s *sweeper) sweepOnce() {
	log := util.WithComponent("recovery-sweep")
	snapshot := s.registry.Snapshot()

	s.mu.Lock()
	recoverers := make([]MultiRecoverer, len(s.recoverers))
	copy(recoverers, s.recoverers)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.DeviceRecoveryInterval/2)
	defer cancel()

	for _, rec := range recoverers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("recoverer %s panicked: %v", rec.Name(), r)
				}
			}()
			if err := rec.RecoverDevices(ctx, snapshot); err != nil {
				log.Warnf("recoverer %s: %v", rec.Name(), err)
			}
		}()
	}
}

// unavailableRecoverer is the default sweep strategy: run each unavailable
// physical record's own recovery and re-enter survivors into checking.
type unavailableRecoverer struct {
	registry *Registry
}

func (u *unavailableRecoverer) Name() string { return "unavailable-devices" }

func (u *unavailableRecoverer) RecoverDevices(ctx context.Context, devices []*Device) error {
	var firstErr error
	for _, d := range devices {
		if d.AllocState() != StateUnavailable {
			continue
		}
		if d.Kind != KindPhysical && d.Kind != KindLowLevelOnly {
			continue
		}
		if err := d.Recovery().RecoverOnline(ctx, d); err != nil {
			util.WithSerial(d.Serial).Warnf("sweep recovery failed: %v", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		u.registry.Process(d.Serial, EventStateChangeOnline)
	}
	return firstErr
}
