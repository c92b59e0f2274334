package fleet

import (
	"fmt"

	"github.com/fleetron-lab/fleetron/pkg/avd"
	"github.com/fleetron-lab/fleetron/pkg/util"
)

// seedPools creates the configured placeholder slots and forces them into
// Available. Slots account for concurrent capacity; the underlying target
// only exists once a consumer launches it.
func (m *Manager) seedPools() {
	log := util.WithComponent("manager")

	for i := 1; i <= m.opts.MaxNullDevices; i++ {
		m.seedSlot(fmt.Sprintf("null-device-%d", i), KindNull)
	}

	for slot := 0; slot < m.opts.MaxEmulators; slot++ {
		m.seedSlot(avd.SerialForPort(avd.PortForSlot(slot)), KindEmulatorSlot)
	}

	for i := 1; i <= m.opts.MaxLocalVirtualDevices; i++ {
		m.seedSlot(fmt.Sprintf("local-virtual-%d", i), KindLocalVirtual)
	}

	for i := 1; i <= m.opts.MaxGceDevices; i++ {
		m.seedSlot(fmt.Sprintf("gce-device-%d", i), KindRemoteGCE)
	}

	seeded := 0
	for i, ip := range m.opts.KnownDeviceIPs {
		if m.opts.MaxRemoteDevices > 0 && seeded >= m.opts.MaxRemoteDevices {
			log.Warnf("known-device-ips exceeds max-remote-devices, skipping %s", ip)
			continue
		}
		serial := ip
		if !NetworkSerial(serial) {
			serial = ip + ":5555"
		}
		d := m.seedSlot(serial, KindRemoteKnownIP)
		d.KnownIP = ip
		d.User = m.opts.RemoteSSHUser
		d.DeviceNumOffset = i
		seeded++
	}
	for i := seeded + 1; i <= m.opts.MaxRemoteDevices; i++ {
		m.seedSlot(fmt.Sprintf("remote-device-%d", i), KindRemoteKnownIP)
	}

	log.Infof("seeded pools: null=%d emulator=%d local-virtual=%d gce=%d remote=%d",
		m.opts.MaxNullDevices, m.opts.MaxEmulators, m.opts.MaxLocalVirtualDevices,
		m.opts.MaxGceDevices, max(m.opts.MaxRemoteDevices, seeded))
}

func (m *Manager) seedSlot(serial string, kind DeviceKind) *Device {
	d, created := m.registry.FindOrCreate(serial, kind)
	if created {
		m.registry.Process(serial, EventForceAvailable)
	}
	return d
}
