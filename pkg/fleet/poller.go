package fleet

import (
	"context"
	"sync"
	"time"

	"gopkg.in/tomb.v2"

	"github.com/fleetron-lab/fleetron/pkg/config"
	"github.com/fleetron-lab/fleetron/pkg/util"
)

// LowLevelLister is the fastboot surface the poller consumes. Implemented
// by *fastboot.Helper.
type LowLevelLister interface {
	// Devices maps serial to a fastbootd flag for USB-attached targets.
	Devices(ctx context.Context) (map[string]bool, error)

	// NetworkDevices probes the configured serial to network-address map.
	NetworkDevices(ctx context.Context, serials map[string]string) map[string]bool
}

// PollListener is notified once after every completed poller sweep.
type PollListener interface {
	LowLevelStateUpdated()
}

// Poller is the background low-level-mode discovery task. Every period it
// lists devices in bootloader or fastbootd mode, reconciles the registry,
// and notifies listeners. It runs until Stop; stopping wakes all parked
// mode waiters so nobody livelocks on a dead poller.
type Poller struct {
	opts     *config.Options
	lister   LowLevelLister
	registry *Registry

	// admit is the global fleet filter applied to serials the poller
	// would materialize. nil admits everything.
	admit func(serial string) bool

	tomb tomb.Tomb
	wake chan struct{}

	mu        sync.Mutex
	listeners []PollListener
}

// NewPoller builds a poller over the lister.
func NewPoller(opts *config.Options, lister LowLevelLister, registry *Registry, admit func(serial string) bool) *Poller {
	return &Poller{
		opts:     opts,
		lister:   lister,
		registry: registry,
		admit:    admit,
		wake:     make(chan struct{}, 1),
	}
}

// AddListener registers for sweep notifications.
func (p *Poller) AddListener(l PollListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, l)
}

// RemoveListener unregisters a listener.
func (p *Poller) RemoveListener(l PollListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, cur := range p.listeners {
		if cur == l {
			p.listeners = append(p.listeners[:i], p.listeners[i+1:]...)
			return
		}
	}
}

// Start launches the polling loop.
func (p *Poller) Start() {
	p.tomb.Go(p.loop)
}

// Poke forces an immediate sweep, used by recovery before deciding whether
// a target sits in a low-level mode.
func (p *Poller) Poke() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Stop terminates the loop, waits for it, and wakes every parked mode
// waiter in the registry.
func (p *Poller) Stop() error {
	p.tomb.Kill(nil)
	err := p.tomb.Wait()
	p.registry.WakeAll()
	return err
}

func (p *Poller) loop() error {
	log := util.WithComponent("poller")
	for {
		p.SweepOnce()

		select {
		case <-p.tomb.Dying():
			log.Debug("poller stopping")
			return nil
		case <-p.wake:
		case <-time.After(p.opts.FastbootPollInterval):
		}
	}
}

// SweepOnce runs one discovery sweep synchronously.
func (p *Poller) SweepOnce() {
	log := util.WithComponent("poller")
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.FastbootPollInterval*4)
	defer cancel()

	found, err := p.lister.Devices(ctx)
	if err != nil {
		log.Warnf("fastboot listing failed: %v", err)
		return
	}
	for serial, fastbootd := range p.lister.NetworkDevices(ctx, p.opts.FastbootNetworkSerials) {
		found[serial] = fastbootd
	}

	var bootloader, fastbootd []string
	for serial, userspace := range found {
		// Without the feature flag every low-level device is treated
		// as plain bootloader.
		if userspace && p.opts.EnableFastbootd {
			fastbootd = append(fastbootd, serial)
		} else {
			bootloader = append(bootloader, serial)
		}
		if p.registry.Find(serial) == nil {
			if p.admit != nil && !p.admit(serial) {
				log.Debugf("not materializing filtered low-level serial %s", serial)
				continue
			}
			p.registry.FindOrCreate(serial, KindLowLevelOnly)
		}
	}

	p.registry.UpdateModeStates(bootloader, false)
	p.registry.UpdateModeStates(fastbootd, true)

	p.mu.Lock()
	listeners := make([]PollListener, len(p.listeners))
	copy(listeners, p.listeners)
	p.mu.Unlock()
	for _, l := range listeners {
		l.LowLevelStateUpdated()
	}
}
