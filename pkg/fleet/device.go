package fleet

import (
	"context"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fleetron-lab/fleetron/pkg/adb"
	"github.com/fleetron-lab/fleetron/pkg/avd"
	"github.com/fleetron-lab/fleetron/pkg/util"
)

// Property fallback chains for product identity. The board holds the
// product name on most builds; older builds only set the build product.
var (
	productProps = []string{"ro.product.board", "ro.build.product", "ro.product.device"}
	variantProps = []string{"ro.product.vendor.device", "ro.product.device"}
)

// sdkProp holds the numeric API level.
const sdkProp = "ro.build.version.sdk"

// Device is one fleet record: identity, protocol mode, allocation state,
// cached descriptor, recovery strategy, and the resources the record owns
// when a virtual target has been launched for it.
//
// All mutable state is guarded by mu; mode waits park on cond. Allocation
// transitions go through the Registry, which is the sole caller of
// HandleAllocationEvent.
type Device struct {
	Serial string
	Kind   DeviceKind

	// Remote virtual extras, set at seeding for the remote kinds.
	KnownIP         string
	User            string
	DeviceNumOffset int

	// Temporary marks a per-request null record destroyed on free.
	Temporary bool

	mu   sync.Mutex
	cond *sync.Cond

	mode       Mode
	allocState AllocState
	properties map[string]string

	// Low-level poller bookkeeping: whether the last sweep saw this
	// serial, and in which of the two fastboot modes.
	lowLevelSeen      bool
	lowLevelFastbootd bool

	// Owned resources, released on free or terminate.
	emulator    *avd.Instance
	virtual     *avd.VirtualDevice
	instanceDir string

	battery    batteryCache
	descriptor atomic.Pointer[Descriptor]
	recovery   atomic.Pointer[recoveryHolder]
}

// recoveryHolder keeps atomic.Pointer monomorphic over the interface.
type recoveryHolder struct {
	strategy RecoveryStrategy
}

// NewDevice creates a record in Unknown state with no mode.
func NewDevice(serial string, kind DeviceKind) *Device {
	d := &Device{
		Serial:     serial,
		Kind:       kind,
		properties: make(map[string]string),
	}
	d.cond = sync.NewCond(&d.mu)
	d.storeDescriptor()
	return d
}

// HandleAllocationEvent applies one state-machine event under the record's
// monitor and refreshes the descriptor. Unhandled pairs are logged no-ops.
// Only the Registry calls this, which serializes events per serial.
func (d *Device) HandleAllocationEvent(event Event) (AllocState, bool) {
	d.mu.Lock()
	from := d.allocState
	to, handled, changed := nextState(from, event)
	if !handled {
		d.mu.Unlock()
		logNoop(d.Serial, from, event)
		return from, false
	}
	d.allocState = to
	d.storeDescriptorLocked()
	d.cond.Broadcast()
	d.mu.Unlock()

	if changed {
		util.WithSerial(d.Serial).Infof("%s: %s -> %s", event, from, to)
	}
	return to, changed
}

// AllocState returns the current allocation state.
func (d *Device) AllocState() AllocState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.allocState
}

// Mode returns the current protocol mode.
func (d *Device) Mode() Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// SetMode records a protocol mode observed by the bridge tracker or the
// fastboot poller. Never blocks; wakes mode waiters.
func (d *Device) SetMode(mode Mode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mode == mode {
		return
	}
	d.mode = mode
	d.storeDescriptorLocked()
	d.cond.Broadcast()
}

// WaitForMode blocks until the record enters one of the wanted modes or
// the timeout expires. Interrupted or timed-out waits return an
// undetermined-kind error so callers can distinguish them from rejections.
func (d *Device) WaitForMode(timeout time.Duration, modes ...Mode) error {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		d.mu.Lock()
		d.cond.Broadcast()
		d.mu.Unlock()
	})
	defer timer.Stop()

	d.mu.Lock()
	defer d.mu.Unlock()
	for {
		for _, m := range modes {
			if d.mode == m {
				return nil
			}
		}
		if !time.Now().Before(deadline) {
			return util.NewUnavailableError(d.Serial,
				"timed out waiting for mode "+modeNames(modes)+", still "+d.mode.String())
		}
		d.cond.Wait()
	}
}

func modeNames(modes []Mode) string {
	names := make([]string, len(modes))
	for i, m := range modes {
		names[i] = m.String()
	}
	return strings.Join(names, "|")
}

// setLowLevel updates the poller bookkeeping. Returns true when the seen
// flag actually changed, so the poller only injects events on edges.
func (d *Device) setLowLevel(seen, fastbootd bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	changed := d.lowLevelSeen != seen || (seen && d.lowLevelFastbootd != fastbootd)
	d.lowLevelSeen = seen
	d.lowLevelFastbootd = seen && fastbootd
	return changed
}

// LowLevelSeen reports whether the last poller sweep listed this serial,
// and in which fastboot flavor.
func (d *Device) LowLevelSeen() (seen, fastbootd bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lowLevelSeen, d.lowLevelFastbootd
}

// Property returns a cached device property, "" when unread. The cache is
// filled by the availability probe so selection never blocks on a shell.
func (d *Device) Property(key string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.properties[key]
}

// SetProperties replaces the cached property map and refreshes the
// descriptor.
func (d *Device) SetProperties(props map[string]string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.properties = props
	d.storeDescriptorLocked()
}

// firstProperty walks a fallback chain and returns the first non-empty
// cached value.
func (d *Device) firstProperty(keys []string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, key := range keys {
		if v := d.properties[key]; v != "" {
			return v
		}
	}
	return ""
}

// Product returns the product name through its fallback chain.
func (d *Device) Product() string {
	return d.firstProperty(productProps)
}

// Variant returns the lower-cased build variant through its fallback chain.
func (d *Device) Variant() string {
	return strings.ToLower(d.firstProperty(variantProps))
}

// BatteryReading reads the cached battery future, waiting at most maxWait.
func (d *Device) BatteryReading(maxWait time.Duration) (adb.Battery, bool) {
	return d.battery.Read(maxWait)
}

// SetBatteryFetcher installs the battery future's fetch function.
func (d *Device) SetBatteryFetcher(fetch func(ctx context.Context) (adb.Battery, error)) {
	d.battery.setFetcher(fetch)
}

// StoreBattery caches a battery reading a probe already holds.
func (d *Device) StoreBattery(b adb.Battery) {
	d.battery.store(b)
	d.mu.Lock()
	d.storeDescriptorLocked()
	d.mu.Unlock()
}

// Recovery returns the installed recovery strategy, never nil.
func (d *Device) Recovery() RecoveryStrategy {
	if h := d.recovery.Load(); h != nil {
		return h.strategy
	}
	return noRecovery{}
}

// SetRecovery atomically swaps the recovery strategy.
func (d *Device) SetRecovery(strategy RecoveryStrategy) {
	d.recovery.Store(&recoveryHolder{strategy: strategy})
}

// Descriptor returns the cached snapshot. O(1), lock-free.
func (d *Device) Descriptor(short bool) *Descriptor {
	desc := d.descriptor.Load()
	if short {
		return desc.Short()
	}
	return desc
}

func (d *Device) storeDescriptor() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.storeDescriptorLocked()
}

// storeDescriptorLocked recomputes the descriptor from current state.
// Callers hold d.mu.
func (d *Device) storeDescriptorLocked() {
	product := ""
	for _, key := range productProps {
		if v := d.properties[key]; v != "" {
			product = v
			break
		}
	}
	variant := ""
	for _, key := range variantProps {
		if v := d.properties[key]; v != "" {
			variant = strings.ToLower(v)
			break
		}
	}
	battery := -1
	if b, ok := d.battery.peek(); ok {
		battery = b.Percent()
	}
	d.descriptor.Store(&Descriptor{
		Serial:    d.Serial,
		Kind:      d.Kind,
		Mode:      d.mode,
		State:     d.allocState,
		Product:   product,
		Variant:   variant,
		BuildID:   d.properties["ro.build.id"],
		Battery:   battery,
		KindName:  d.Kind.String(),
		ModeName:  d.mode.String(),
		StateName: d.allocState.String(),
	})
}

// AttachEmulator hands a launched emulator process to the record.
func (d *Device) AttachEmulator(inst *avd.Instance) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.emulator = inst
}

// EmulatorInstance returns the attached emulator process, if any.
func (d *Device) EmulatorInstance() *avd.Instance {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.emulator
}

// AttachVirtual hands a driver-managed virtual device to the record.
func (d *Device) AttachVirtual(v *avd.VirtualDevice) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.virtual = v
}

// Virtual returns the attached virtual device, if any.
func (d *Device) Virtual() *avd.VirtualDevice {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.virtual
}

// SetInstanceDir records a per-invocation scratch directory the record
// owns until free.
func (d *Device) SetInstanceDir(dir string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.instanceDir = dir
}

// ReleaseResources kills the launched emulator, tears down the virtual
// instance, and removes the instance directory. Best effort; errors are
// logged and the record fields are cleared regardless.
func (d *Device) ReleaseResources(ctx context.Context) {
	d.mu.Lock()
	emulator := d.emulator
	virtual := d.virtual
	instanceDir := d.instanceDir
	d.emulator = nil
	d.virtual = nil
	d.instanceDir = ""
	d.mu.Unlock()

	log := util.WithSerial(d.Serial)
	if emulator != nil {
		if err := avd.Stop(emulator.PID); err != nil {
			log.Warnf("stopping emulator pid %d: %v", emulator.PID, err)
		}
	}
	if virtual != nil {
		if err := virtual.Teardown(ctx); err != nil {
			log.Warnf("virtual teardown: %v", err)
		}
	}
	if instanceDir != "" {
		if err := os.RemoveAll(instanceDir); err != nil {
			log.Warnf("removing instance dir: %v", err)
		}
	}
}

// StopOnTerm releases owned resources during manager teardown.
func (d *Device) StopOnTerm() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	d.ReleaseResources(ctx)
}
