package fleet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/retry.v1"

	"github.com/fleetron-lab/fleetron/pkg/adb"
	"github.com/fleetron-lab/fleetron/pkg/avd"
	"github.com/fleetron-lab/fleetron/pkg/config"
	"github.com/fleetron-lab/fleetron/pkg/util"
)

// offlineTolerance is how many offline rejections a probe rides out before
// declaring the device unavailable. Devices flap briefly while the daemon
// re-authorizes them after a reboot.
const offlineTolerance = 5

// ramdiskMagics are the filesystem type magics of a RAM-backed external
// storage mount, which would silently discard test artifacts.
var ramdiskMagics = []string{"1021994", "01021994"}

// Prober runs the functional readiness checks behind Checking_Availability:
// shell responsive, boot-complete flag, and optionally a write/read/delete
// round-trip on external storage.
type Prober struct {
	opts   *config.Options
	bridge Bridge

	// admit is the global fleet filter; records it rejects are Ignored.
	// nil admits everything.
	admit func(d *Device) bool

	// hostCheck does the SSH round-trip against a known-IP remote host.
	// Split out so tests can script it.
	hostCheck func(host string, port int, user, pass string) bool

	// shellRetry overrides the probe pacing when set; tests use it to
	// collapse the backoff.
	shellRetry retry.Strategy
}

// NewProber builds a prober over the bridge with the configured budgets.
func NewProber(opts *config.Options, bridge Bridge, admit func(d *Device) bool) *Prober {
	return &Prober{opts: opts, bridge: bridge, admit: admit, hostCheck: avd.HostReachable}
}

// shellStrategy paces shell probe attempts: one second between the first
// tries, backing off to at most three seconds, bounded by the shell budget.
func (p *Prober) shellStrategy() retry.Strategy {
	if p.shellRetry != nil {
		return p.shellRetry
	}
	return retry.LimitTime(p.opts.ShellWaitTime, retry.Exponential{
		Initial:  time.Second,
		Factor:   1.3,
		MaxDelay: 3 * time.Second,
	})
}

// AvailabilityEvent runs the full availability check for a record and maps
// the outcome to the state-machine event the registry should receive.
// Placeholder and low-level-only kinds short-circuit to passed; they have
// no shell to probe until launched. Known-IP remote slots instead probe
// their host over SSH.
func (p *Prober) AvailabilityEvent(ctx context.Context, d *Device) Event {
	// Known-IP remote slots are backed by a live host; verify it still
	// answers SSH before the slot goes back into the pool.
	if d.Kind == KindRemoteKnownIP && d.KnownIP != "" {
		if !p.hostCheck(d.KnownIP, p.opts.RemoteSSHPort, d.User, p.opts.RemoteSSHPassword) {
			util.WithSerial(d.Serial).Warnf("remote host %s not reachable over ssh", d.KnownIP)
			return EventAvailableCheckFailed
		}
		return EventAvailableCheckPassed
	}
	if d.Kind.Placeholder() || d.Kind == KindLowLevelOnly {
		return EventAvailableCheckPassed
	}
	if p.admit != nil && !p.admit(d) {
		util.WithSerial(d.Serial).Info("filtered out by global device filter")
		return EventAvailableCheckIgnored
	}

	cmd := p.bridge.Commander(d.Serial)
	log := util.WithSerial(d.Serial)

	if err := p.CheckShellResponsive(ctx, cmd, d.Serial); err != nil {
		log.Warnf("shell probe failed: %v", err)
		return EventAvailableCheckFailed
	}
	if err := p.CheckBootComplete(ctx, cmd, d.Serial); err != nil {
		log.Warnf("boot-complete probe failed: %v", err)
		return EventAvailableCheckFailed
	}
	if p.opts.EnabledFilesystemCheck {
		if err := p.CheckExternalStorage(ctx, cmd, d.Serial); err != nil {
			log.Warnf("external storage probe failed: %v", err)
			return EventAvailableCheckFailed
		}
	}

	p.cacheIdentity(ctx, cmd, d)
	return EventAvailableCheckPassed
}

// CheckShellResponsive executes `id` until the output carries a uid,
// within the shell budget. Offline rejections are tolerated a few times,
// then surface as DeviceUnavailable.
func (p *Prober) CheckShellResponsive(ctx context.Context, cmd Commander, serial string) error {
	offlineSeen := 0
	var lastErr error
	for a := retry.Start(p.shellStrategy(), nil); a.Next(); {
		attemptCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		out, err := cmd.Shell(attemptCtx, "id")
		cancel()
		if err == nil && strings.Contains(out, "uid=") {
			return nil
		}
		if err == nil {
			lastErr = util.NewUnexpectedResponseError(serial, "id", out)
			continue
		}
		if errors.Is(err, adb.ErrOffline) {
			offlineSeen++
			if offlineSeen > offlineTolerance {
				return util.NewUnavailableError(serial, "rejected while offline: "+err.Error())
			}
		}
		lastErr = err
		if ctx.Err() != nil {
			return fmt.Errorf("%w: shell probe interrupted: %v", util.ErrUndetermined, ctx.Err())
		}
	}
	return util.NewUnresponsiveError(serial, fmt.Sprintf("shell not responsive: %v", lastErr))
}

// CheckBootComplete polls dev.bootcomplete until the framework reports 1.
func (p *Prober) CheckBootComplete(ctx context.Context, cmd Commander, serial string) error {
	var last string
	for a := retry.Start(p.shellStrategy(), nil); a.Next(); {
		attemptCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		val, err := cmd.GetProp(attemptCtx, "dev.bootcomplete")
		cancel()
		if err == nil && val == "1" {
			return nil
		}
		if err == nil {
			last = val
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: boot probe interrupted: %v", util.ErrUndetermined, ctx.Err())
		}
	}
	return util.NewUnresponsiveError(serial, fmt.Sprintf("dev.bootcomplete stuck at %q", last))
}

// CheckExternalStorage resolves the storage mount, optionally verifies it
// is not a RAM disk, and round-trips a marker file. More than one
// permission rejection is fatal; a single one can be a transient fuse
// remount during boot.
func (p *Prober) CheckExternalStorage(ctx context.Context, cmd Commander, serial string) error {
	mount, err := cmd.MountPoint(ctx, "EXTERNAL_STORAGE")
	if err != nil {
		mount = "/sdcard"
	}

	if p.opts.EnabledFilesystemCheck {
		out, err := cmd.Shell(ctx, "stat -f -c %t "+mount)
		if err == nil {
			magic := strings.TrimSpace(out)
			for _, ram := range ramdiskMagics {
				if magic == ram {
					return util.NewUnavailableError(serial,
						fmt.Sprintf("external storage %s is a ramdisk (magic %s)", mount, magic))
				}
			}
		}
	}

	marker := fmt.Sprintf("%s/fleetron-probe-%d", mount, time.Now().UnixNano())
	token := fmt.Sprintf("fleetron-%d", time.Now().UnixNano())
	denied := 0
	for attempt := 0; attempt < 3; attempt++ {
		out, err := cmd.Shell(ctx, fmt.Sprintf("echo %s > %s && cat %s && rm %s", token, marker, marker, marker))
		if err != nil {
			return err
		}
		if strings.Contains(out, token) {
			return nil
		}
		if strings.Contains(out, "Permission denied") {
			denied++
			if denied > 1 {
				return util.NewUnavailableError(serial,
					"external storage "+mount+" rejected writes: "+strings.TrimSpace(out))
			}
			continue
		}
		return util.NewUnexpectedResponseError(serial, "storage probe", out)
	}
	return util.NewUnavailableError(serial, "external storage probe did not complete")
}

// cacheIdentity snapshots all properties and the battery into the record
// so selection and descriptors stay non-blocking.
func (p *Prober) cacheIdentity(ctx context.Context, cmd Commander, d *Device) {
	out, err := cmd.Shell(ctx, "getprop")
	if err == nil {
		d.SetProperties(ParseProperties(out))
	} else {
		util.WithSerial(d.Serial).Debugf("property snapshot failed: %v", err)
	}
	if b, err := cmd.Battery(ctx); err == nil {
		d.StoreBattery(b)
	}
}

// ParseProperties parses full `getprop` output, "[key]: [value]" per line.
func ParseProperties(out string) map[string]string {
	props := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "[") {
			continue
		}
		key, value, ok := strings.Cut(line, "]: [")
		if !ok {
			continue
		}
		key = strings.TrimPrefix(key, "[")
		value = strings.TrimSuffix(value, "]")
		if key != "" {
			props[key] = value
		}
	}
	return props
}
