package fleet

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fleetron-lab/fleetron/pkg/adb"
	"github.com/fleetron-lab/fleetron/pkg/avd"
	"github.com/fleetron-lab/fleetron/pkg/config"
	"github.com/fleetron-lab/fleetron/pkg/journal"
	"github.com/fleetron-lab/fleetron/pkg/util"
)

// FreeState is the condition an invocation reports when returning a device.
type FreeState int

const (
	// FreeStateAvailable: device behaved; re-probe and return to pool.
	FreeStateAvailable FreeState = iota

	// FreeStateUnavailable: device was lost or went offline mid-test.
	FreeStateUnavailable

	// FreeStateUnresponsive: device is visible but stopped answering.
	FreeStateUnresponsive

	// FreeStateUnknown: caller cannot say; also the path for temporaries.
	FreeStateUnknown
)

// remoteStopCommand stops any leftover instance on a known-IP remote
// host when its slot is freed. Run relative to the remote user's home,
// where the cuttlefish runtime lives.
const remoteStopCommand = "./bin/stop_cvd"

// Manager owns the fleet lifecycle: it wires the registry, bridge
// listener, fastboot poller, prober, recovery sweep and monitors, seeds
// placeholder pools, and services allocate/free calls.
type Manager struct {
	opts   *config.Options
	bridge Bridge

	// Tool and USBReset are optional collaborators, set before Init.
	// A nil Tool disables low-level polling; a nil USBReset disables
	// the bus-reset recovery step.
	Tool     LowLevelTool
	USBReset USBResetFunc

	// hostRun executes a command on a known-IP remote host over SSH.
	// Split out so tests can script it.
	hostRun func(host string, port int, user, pass, command string) (string, error)

	mu          sync.Mutex
	initialized bool

	registry       *Registry
	prober         *Prober
	cvd            *avd.Driver
	poller         *Poller
	sweep          *sweeper
	hostmon        *HostMonitor
	metrics        *MetricsMonitor
	monitors       []FleetMonitor
	listener       *bridgeListener
	waitRecovery   *WaitRecovery
	globalCriteria *Selector
	tempDir        string

	firstOnce sync.Once
	firstSeen chan struct{}

	tempSeq atomic.Int64
}

// NewManager builds an uninitialized manager over the bridge.
func NewManager(opts *config.Options, bridge Bridge) *Manager {
	return &Manager{
		opts:      opts,
		bridge:    bridge,
		hostRun:   avd.RunOnHost,
		firstSeen: make(chan struct{}),
	}
}

// Registry exposes the device registry, mainly for monitors and tests.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// FirstDeviceSeen is closed when the first device reports online, for
// startup synchronization with the enclosing runner.
func (m *Manager) FirstDeviceSeen() <-chan struct{} {
	return m.firstSeen
}

// TempDir returns the manager's scratch directory, valid between Init and
// Terminate.
func (m *Manager) TempDir() string {
	return m.tempDir
}

// Init wires and starts everything. Idempotent: a second call on an
// initialized manager is a no-op.
func (m *Manager) Init(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		return nil
	}
	log := util.WithComponent("manager")

	if m.opts.GlobalFilter != nil {
		criteria, err := CriteriaFromSelection(m.opts.GlobalFilter)
		if err != nil {
			return err
		}
		m.globalCriteria = NewSelector(criteria)
	}

	tempDir, err := os.MkdirTemp("", "fleetron-")
	if err != nil {
		return fmt.Errorf("manager: temp dir: %w", err)
	}
	m.tempDir = tempDir

	m.registry = NewRegistry(m.deviceFactory)
	m.prober = NewProber(m.opts, m.bridge, m.admitDevice)
	m.cvd = avd.NewDriver(m.opts.AcloudPath)
	m.waitRecovery = NewWaitRecovery(m.opts, m.bridge, m.Tool, m.USBReset, m.prober)

	m.metrics = NewMetricsMonitor(m.opts.MetricsAddr, m.registry)
	m.monitors = []FleetMonitor{m.metrics}
	if m.opts.JournalDir != "" {
		writer, err := journal.NewWriter(
			m.opts.JournalDir+"/allocations.jsonl",
			journal.RotationConfig{MaxSize: 16 << 20, MaxBackups: 4},
		)
		if err != nil {
			return err
		}
		m.monitors = append(m.monitors, NewJournalMonitor(writer))
	}
	if m.opts.RedisAddr != "" {
		m.monitors = append(m.monitors, NewRedisPublisher(m.opts.RedisAddr, m.opts.RedisDB))
	}
	for _, mon := range m.monitors {
		if err := mon.Run(); err != nil {
			return err
		}
	}
	m.registry.SetStateChangeFunc(m.onStateChange)

	m.hostmon = NewHostMonitor(m.tempDir, m.metrics.Registerer())
	m.hostmon.Start()

	if m.Tool != nil {
		m.poller = NewPoller(m.opts, m.Tool, m.registry, m.admitSerial)
		m.poller.Start()
		log.Info("low-level poller started")
	} else {
		log.Info("no fastboot tool, low-level polling disabled")
	}

	m.sweep = newSweeper(m.opts, m.registry)
	m.sweep.addRecoverer(&unavailableRecoverer{registry: m.registry})
	m.sweep.start()

	// Listener goes in before the bridge starts; the replay of already
	// attached devices is harmless because FindOrCreate is idempotent.
	m.listener = &bridgeListener{
		registry: m.registry,
		onFirstOnline: func(serial string) {
			m.firstOnce.Do(func() {
				util.WithSerial(serial).Info("first device online")
				close(m.firstSeen)
			})
		},
	}
	m.bridge.AddListener(m.listener)
	if err := m.bridge.Init(ctx); err != nil {
		return err
	}
	if v, err := m.bridge.Version(ctx); err == nil {
		log.Infof("bridge daemon protocol version %d", v)
	}

	m.seedPools()

	m.initialized = true
	log.Info("fleet manager initialized")
	return nil
}

// deviceFactory builds records with the kind-appropriate recovery strategy
// and battery future wired in.
func (m *Manager) deviceFactory(serial string, kind DeviceKind) *Device {
	d := NewDevice(serial, kind)
	switch kind {
	case KindPhysical, KindLowLevelOnly:
		d.SetRecovery(m.waitRecovery)
		bridge := m.bridge
		d.SetBatteryFetcher(func(ctx context.Context) (adb.Battery, error) {
			return bridge.Commander(serial).Battery(ctx)
		})
	case KindLocalVirtual, KindRemoteGCE:
		d.SetRecovery(&CvdRecovery{Driver: m.cvd, ReportDir: m.tempDir})
	default:
		d.SetRecovery(noRecovery{})
	}
	return d
}

// admitDevice applies the global fleet filter to a record.
func (m *Manager) admitDevice(d *Device) bool {
	if m.globalCriteria == nil {
		return true
	}
	return m.globalCriteria.Matches(d)
}

// admitSerial applies the global filter's serial sets to a serial the
// poller wants to materialize. Only serial predicates apply; a device in
// bootloader mode has no properties to match.
func (m *Manager) admitSerial(serial string) bool {
	if m.globalCriteria == nil {
		return true
	}
	c := m.globalCriteria.Criteria()
	for _, excl := range c.ExcludeSerials {
		if serial == excl {
			return false
		}
	}
	if len(c.Serials) > 0 {
		for _, want := range c.Serials {
			if serial == want {
				return true
			}
		}
		return false
	}
	return true
}

// onStateChange fans committed transitions out to monitors and kicks off
// the availability probe whenever a record enters checking.
func (m *Manager) onStateChange(d *Device, from, to AllocState, event Event) {
	if to == StateChecking {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), m.opts.DeviceWaitTime)
			defer cancel()
			m.registry.Process(d.Serial, m.prober.AvailabilityEvent(ctx, d))
		}()
	}
	for _, mon := range m.monitors {
		mon.NotifyDeviceStateChange(d, from, to, event)
	}
}

// Allocate selects and allocates one device matching the criteria.
// A temporary allocation fabricates a fresh null record and pins the
// criteria to it. Under a sandbox the attempt is retried on the
// configured schedule; otherwise one scan decides. Returns nil plus a
// SelectionError carrying per-candidate reasons when nothing matches.
func (m *Manager) Allocate(ctx context.Context, criteria Criteria, temporary bool) (*Device, error) {
	start := time.Now()

	if temporary {
		serial := fmt.Sprintf("null-device-temp-%d", m.tempSeq.Add(1))
		d, _ := m.registry.FindOrCreate(serial, KindNull)
		d.Temporary = true
		m.registry.Process(serial, EventForceAvailable)
		criteria.Serials = []string{serial}
		criteria.Kind = RequestedNull
	}

	attempts := 1
	if config.SandboxEnabled() {
		attempts = m.opts.SandboxAllocateRetries
	}

	var selector *Selector
	for i := 0; i < attempts; i++ {
		selector = NewSelector(criteria)
		if d := m.registry.Allocate(selector); d != nil {
			m.metrics.ObserveAllocation(time.Since(start))
			return d, nil
		}
		if i+1 < attempts {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: allocation interrupted: %v", util.ErrUndetermined, ctx.Err())
			case <-time.After(m.opts.SandboxAllocateInterval):
			}
		}
	}
	return nil, selector.NoMatchError()
}

// ForceAllocate allocates a specific Available serial, bypassing matching.
func (m *Manager) ForceAllocate(serial string) *Device {
	return m.registry.ForceAllocate(serial)
}

// Free returns a device from an invocation, mapping the reported
// condition to the state-machine event. Launched resources are released
// first so placeholder slots come back clean; temporary null records are
// destroyed.
func (m *Manager) Free(ctx context.Context, d *Device, state FreeState) {
	d.ReleaseResources(ctx)

	// Known-IP hosts keep running between consumers; stop any leftover
	// instance so the next launch starts clean.
	if d.Kind == KindRemoteKnownIP && d.KnownIP != "" {
		out, err := m.hostRun(d.KnownIP, m.opts.RemoteSSHPort, d.User, m.opts.RemoteSSHPassword, remoteStopCommand)
		if err != nil {
			util.WithSerial(d.Serial).Warnf("remote cleanup on %s failed: %v (%s)",
				d.KnownIP, err, strings.TrimSpace(out))
		}
	}

	// Virtual-remote and stub kinds get a clean slate so the next
	// consumer starts from not-available.
	switch d.Kind {
	case KindRemoteGCE, KindRemoteKnownIP, KindLocalVirtual:
		d.SetMode(ModeNotAvailable)
	}

	if d.Temporary {
		m.registry.Process(d.Serial, EventFreeUnknown)
		m.registry.Remove(d.Serial)
		return
	}

	event := EventFreeUnknown
	switch state {
	case FreeStateAvailable:
		event = EventFreeAvailable
		if d.Kind == KindPhysical && !m.bridge.Lists(d.Serial) {
			event = EventFreeUnknown
		}
	case FreeStateUnavailable:
		event = EventFreeUnavailable
		if d.Kind == KindPhysical && !m.bridge.Lists(d.Serial) {
			event = EventFreeUnknown
		}
	case FreeStateUnresponsive:
		event = EventFreeUnresponsive
	}
	m.registry.Process(d.Serial, event)
}

// LaunchEmulator starts an emulator process for an allocated slot and
// hands the process to the record. The slot's serial fixes the console
// port.
func (m *Manager) LaunchEmulator(d *Device, avdName string, extraArgs ...string) error {
	if d.Kind != KindEmulatorSlot {
		return util.NewUnavailableError(d.Serial, "not an emulator slot")
	}
	port, err := strconv.Atoi(strings.TrimPrefix(d.Serial, "emulator-"))
	if err != nil {
		return util.NewUnavailableError(d.Serial, "slot serial carries no console port")
	}
	launcher := &avd.Launcher{BinaryPath: m.opts.EmulatorPath, LogDir: m.tempDir}
	inst, err := launcher.Start(avdName, port, extraArgs...)
	if err != nil {
		return err
	}
	d.AttachEmulator(inst)
	return nil
}

// Terminate stops everything Init started, releases record resources, and
// removes the temp directory. Idempotent.
func (m *Manager) Terminate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return
	}
	log := util.WithComponent("manager")

	m.sweep.stop()
	m.bridge.RemoveListener(m.listener)
	if err := m.bridge.Terminate(); err != nil {
		log.Warnf("bridge terminate: %v", err)
	}
	// The poller stops after the bridge so parked bootloader waiters are
	// woken rather than left behind.
	if m.poller != nil {
		m.poller.Stop()
	}
	m.hostmon.Stop()

	for _, d := range m.registry.Snapshot() {
		d.StopOnTerm()
	}
	for _, mon := range m.monitors {
		if err := mon.Stop(); err != nil {
			log.Warnf("monitor stop: %v", err)
		}
	}

	if m.tempDir != "" {
		if err := os.RemoveAll(m.tempDir); err != nil {
			log.Warnf("removing temp dir: %v", err)
		}
	}
	m.initialized = false
	log.Info("fleet manager terminated")
}

// TerminateHard aborts the session: every record gets an abort recovery
// strategy so in-flight recoveries fail fast with a cancellation error,
// the bridge is disconnected abruptly, then the normal teardown runs.
func (m *Manager) TerminateHard(ctx context.Context, reason string) {
	m.mu.Lock()
	registry := m.registry
	m.mu.Unlock()
	if registry != nil {
		for _, d := range registry.Snapshot() {
			d.SetRecovery(NewAbortRecovery(reason))
		}
	}
	if err := m.bridge.Disconnect(ctx); err != nil {
		util.WithComponent("manager").Warnf("bridge disconnect: %v", err)
	}
	m.Terminate()
}

// ListDevices returns descriptor snapshots sorted by mode then serial,
// the order the CLI table renders.
func (m *Manager) ListDevices(full bool) []*Descriptor {
	devices := m.registry.Snapshot()
	descs := make([]*Descriptor, 0, len(devices))
	for _, d := range devices {
		descs = append(descs, d.Descriptor(!full))
	}
	sort.Slice(descs, func(i, j int) bool {
		if descs[i].Mode != descs[j].Mode {
			return descs[i].Mode < descs[j].Mode
		}
		return descs[i].Serial < descs[j].Serial
	})
	return descs
}
