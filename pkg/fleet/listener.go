package fleet

import (
	"github.com/fleetron-lab/fleetron/pkg/adb"
	"github.com/fleetron-lab/fleetron/pkg/util"
)

// modeFromState maps the daemon's state token to a protocol mode.
func modeFromState(state adb.DeviceState) Mode {
	switch state {
	case adb.StateDevice:
		return ModeOnline
	case adb.StateOffline:
		return ModeOffline
	case adb.StateUnauthorized:
		return ModeUnauthorized
	case adb.StateRecovery:
		return ModeRecovery
	case adb.StateSideload:
		return ModeSideload
	case adb.StateBootloader:
		return ModeBootloader
	default:
		return ModeNotAvailable
	}
}

// bridgeListener converts tracker callbacks into registry events. Each
// callback is dispatched on its own worker goroutine so the tracker stream
// never blocks on record monitors; per-serial ordering is preserved by the
// registry, not by the dispatch.
//
// Callback bodies protect the tracker from their own failures: a panic is
// caught and logged, never propagated.
type bridgeListener struct {
	registry      *Registry
	onFirstOnline func(serial string)
}

var _ adb.DeviceListener = (*bridgeListener)(nil)

func (l *bridgeListener) dispatch(serial string, body func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				util.WithSerial(serial).Errorf("bridge callback panicked: %v", r)
			}
		}()
		body()
	}()
}

func (l *bridgeListener) DeviceConnected(entry adb.DeviceEntry) {
	l.dispatch(entry.Serial, func() {
		d, _ := l.registry.FindOrCreate(entry.Serial, KindPhysical)
		mode := modeFromState(entry.State)
		d.SetMode(mode)
		if mode == ModeOnline {
			l.registry.Process(entry.Serial, EventConnectedOnline)
			if l.onFirstOnline != nil {
				l.onFirstOnline(entry.Serial)
			}
		} else {
			l.registry.Process(entry.Serial, EventConnectedOffline)
		}
	})
}

func (l *bridgeListener) DeviceStateChanged(entry adb.DeviceEntry) {
	l.dispatch(entry.Serial, func() {
		d, _ := l.registry.FindOrCreate(entry.Serial, KindPhysical)
		mode := modeFromState(entry.State)
		d.SetMode(mode)
		if mode == ModeOnline {
			l.registry.Process(entry.Serial, EventStateChangeOnline)
			if l.onFirstOnline != nil {
				l.onFirstOnline(entry.Serial)
			}
		} else {
			l.registry.Process(entry.Serial, EventStateChangeOffline)
		}
	})
}

func (l *bridgeListener) DeviceDisconnected(serial string) {
	l.dispatch(serial, func() {
		d := l.registry.Find(serial)
		if d == nil {
			return
		}
		d.SetMode(ModeNotAvailable)
		l.registry.Process(serial, EventDisconnected)
	})
}
