// Package fleet is the device fleet manager core: a registry of device
// records driven by an event state machine, fed by the debug-bridge tracker
// and the low-level fastboot poller, with selection, allocation, readiness
// probing and recovery escalation on top.
package fleet

import "strings"

// DeviceKind tags a record with the class of target it stands for.
// Placeholder kinds are pre-seeded slots; Physical and LowLevelOnly records
// materialize on first discovery.
type DeviceKind int

const (
	KindPhysical DeviceKind = iota
	KindEmulatorSlot
	KindNull
	KindLocalVirtual
	KindRemoteGCE
	KindRemoteKnownIP
	KindLowLevelOnly
)

func (k DeviceKind) String() string {
	switch k {
	case KindPhysical:
		return "physical"
	case KindEmulatorSlot:
		return "emulator"
	case KindNull:
		return "null"
	case KindLocalVirtual:
		return "local-virtual"
	case KindRemoteGCE:
		return "gce"
	case KindRemoteKnownIP:
		return "remote"
	case KindLowLevelOnly:
		return "low-level"
	default:
		return "unknown"
	}
}

// Placeholder reports whether the kind is a pre-seeded capacity slot with
// no underlying device behind it until launch.
func (k DeviceKind) Placeholder() bool {
	switch k {
	case KindEmulatorSlot, KindNull, KindLocalVirtual, KindRemoteGCE, KindRemoteKnownIP:
		return true
	}
	return false
}

// Mode is the target's protocol mode as reported by the bridge or, for the
// two low-level modes, by the fastboot poller.
type Mode int

const (
	ModeNotAvailable Mode = iota
	ModeOnline
	ModeOffline
	ModeUnauthorized
	ModeRecovery
	ModeBootloader
	ModeFastbootd
	ModeSideload
)

func (m Mode) String() string {
	switch m {
	case ModeOnline:
		return "online"
	case ModeOffline:
		return "offline"
	case ModeUnauthorized:
		return "unauthorized"
	case ModeRecovery:
		return "recovery"
	case ModeBootloader:
		return "bootloader"
	case ModeFastbootd:
		return "fastbootd"
	case ModeSideload:
		return "sideload"
	default:
		return "not-available"
	}
}

// LowLevel reports whether the mode is serviced by the fastboot tool
// rather than the bridge.
func (m Mode) LowLevel() bool {
	return m == ModeBootloader || m == ModeFastbootd
}

// RequestedKind is the device class an allocation asks for.
type RequestedKind int

const (
	// RequestedExisting matches physical attached devices, the default.
	RequestedExisting RequestedKind = iota
	RequestedAny
	RequestedEmulator
	RequestedNull
	RequestedLocalVirtual
	RequestedGCE
	RequestedRemote
)

func (r RequestedKind) String() string {
	switch r {
	case RequestedAny:
		return "any"
	case RequestedEmulator:
		return "emulator"
	case RequestedNull:
		return "null"
	case RequestedLocalVirtual:
		return "local-virtual"
	case RequestedGCE:
		return "gce"
	case RequestedRemote:
		return "remote"
	default:
		return "physical"
	}
}

// NetworkSerial reports whether a serial uses the host:port network form
// rather than a USB serial.
func NetworkSerial(serial string) bool {
	return strings.Contains(serial, ":")
}

// EmulatorSerial reports whether a serial belongs to a local emulator.
func EmulatorSerial(serial string) bool {
	return strings.HasPrefix(serial, "emulator-")
}
