package fleet

import (
	"sync"

	"github.com/fleetron-lab/fleetron/pkg/util"
)

// Factory builds a record for a newly discovered serial. The manager's
// factory wires the battery fetcher and default recovery strategy.
type Factory func(serial string, kind DeviceKind) *Device

// StateChangeFunc observes committed transitions. Invoked outside the
// registry lock; implementations may call back into the registry.
type StateChangeFunc func(d *Device, from, to AllocState, event Event)

// Registry is the ordered collection of records keyed by serial and the
// sole mutator of allocation state. All events for one serial serialize
// through the registry lock and the record's monitor, giving per-serial
// ordering; allocate is linearizable against other allocate/free calls.
type Registry struct {
	mu       sync.Mutex
	order    []string
	devices  map[string]*Device
	byState  map[AllocState]map[string]bool
	factory  Factory
	onChange StateChangeFunc
}

// NewRegistry creates an empty registry using factory for unknown serials.
func NewRegistry(factory Factory) *Registry {
	if factory == nil {
		factory = NewDevice
	}
	r := &Registry{
		devices: make(map[string]*Device),
		byState: make(map[AllocState]map[string]bool),
		factory: factory,
	}
	for _, s := range allStates {
		r.byState[s] = make(map[string]bool)
	}
	return r
}

// SetStateChangeFunc installs the transition observer. Set once at init,
// before events flow.
func (r *Registry) SetStateChangeFunc(fn StateChangeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

// FindOrCreate returns the record for serial, constructing and inserting
// one atomically when absent. The same instance is returned for the same
// serial across the process lifetime.
func (r *Registry) FindOrCreate(serial string, kind DeviceKind) (*Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findOrCreateLocked(serial, kind)
}

func (r *Registry) findOrCreateLocked(serial string, kind DeviceKind) (*Device, bool) {
	if d, ok := r.devices[serial]; ok {
		return d, false
	}
	d := r.factory(serial, kind)
	r.devices[serial] = d
	r.order = append(r.order, serial)
	r.byState[d.AllocState()][serial] = true
	util.WithSerial(serial).Debugf("record created, kind %s", kind)
	return d, true
}

// Find returns the record for serial, nil when unknown.
func (r *Registry) Find(serial string) *Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.devices[serial]
}

// Remove deletes a record, used for temporary nulls after free.
func (r *Registry) Remove(serial string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[serial]
	if !ok {
		return
	}
	delete(r.devices, serial)
	delete(r.byState[d.AllocState()], serial)
	for i, s := range r.order {
		if s == serial {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Process injects one event for serial. Returns the resulting state and
// whether it changed. Unknown serials are dropped with a log line.
func (r *Registry) Process(serial string, event Event) (AllocState, bool) {
	r.mu.Lock()
	d, ok := r.devices[serial]
	if !ok {
		r.mu.Unlock()
		util.WithSerial(serial).Debugf("dropping %s for unknown record", event)
		return StateUnknown, false
	}
	to, changed, from := r.processLocked(d, event)
	onChange := r.onChange
	r.mu.Unlock()

	if changed && onChange != nil {
		onChange(d, from, to, event)
	}
	return to, changed
}

// processLocked runs the transition and maintains the by-state index.
// Callers hold r.mu.
func (r *Registry) processLocked(d *Device, event Event) (to AllocState, changed bool, from AllocState) {
	from = d.AllocState()
	to, changed = d.HandleAllocationEvent(event)
	if changed {
		delete(r.byState[from], d.Serial)
		r.byState[to][d.Serial] = true
	}
	return to, changed, from
}

// Allocate scans the Available set in insertion order under the registry
// lock and transitions the first record the selector admits. Returns nil
// when nothing matches. Two concurrent allocators can never receive the
// same record: the scan and the transition happen under one lock.
func (r *Registry) Allocate(selector *Selector) *Device {
	r.mu.Lock()
	var winner *Device
	var from AllocState
	for _, serial := range r.order {
		if !r.byState[StateAvailable][serial] {
			continue
		}
		d := r.devices[serial]
		if !selector.Matches(d) {
			continue
		}
		if _, changed, prev := r.processLocked(d, EventAllocateRequest); changed {
			winner = d
			from = prev
			break
		}
	}
	onChange := r.onChange
	r.mu.Unlock()

	if winner != nil && onChange != nil {
		onChange(winner, from, StateAllocated, EventAllocateRequest)
	}
	return winner
}

// ForceAllocate transitions a specific Available record to Allocated,
// bypassing any predicate. Returns nil when the record is unknown or not
// Available.
func (r *Registry) ForceAllocate(serial string) *Device {
	r.mu.Lock()
	d, ok := r.devices[serial]
	if !ok || !r.byState[StateAvailable][serial] {
		r.mu.Unlock()
		return nil
	}
	_, changed, from := r.processLocked(d, EventForceAllocateRequest)
	onChange := r.onChange
	r.mu.Unlock()

	if !changed {
		return nil
	}
	if onChange != nil {
		onChange(d, from, StateAllocated, EventForceAllocateRequest)
	}
	return d
}

// stateChange pairs a committed transition with its record for deferred
// observer calls.
type stateChange struct {
	d        *Device
	from, to AllocState
	event    Event
}

// UpdateModeStates reconciles the poller's view of one low-level mode
// class. Records in serials are (re)entered into Available with the
// corresponding mode; records previously seen in this class but absent
// now have their low-level flag cleared. Atomic relative to Allocate.
func (r *Registry) UpdateModeStates(serials []string, fastbootd bool) {
	mode := ModeBootloader
	if fastbootd {
		mode = ModeFastbootd
	}
	present := make(map[string]bool, len(serials))
	for _, s := range serials {
		present[s] = true
	}

	r.mu.Lock()
	var changes []stateChange
	for _, serial := range r.order {
		d := r.devices[serial]
		if present[serial] {
			d.setLowLevel(true, fastbootd)
			d.SetMode(mode)
			if to, changed, from := r.processLocked(d, EventLowLevelDetected); changed {
				changes = append(changes, stateChange{d, from, to, EventLowLevelDetected})
			}
			continue
		}
		if seen, fb := d.LowLevelSeen(); seen && fb == fastbootd {
			d.setLowLevel(false, false)
			if d.Mode() == mode {
				d.SetMode(ModeNotAvailable)
			}
		}
	}
	onChange := r.onChange
	r.mu.Unlock()

	if onChange != nil {
		for _, c := range changes {
			onChange(c.d, c.from, c.to, c.event)
		}
	}
}

// Snapshot returns a point-in-time copy of all records in insertion order.
func (r *Registry) Snapshot() []*Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Device, 0, len(r.order))
	for _, serial := range r.order {
		out = append(out, r.devices[serial])
	}
	return out
}

// CountByState returns the number of records currently in state.
func (r *Registry) CountByState(state AllocState) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byState[state])
}

// WakeAll broadcasts every record's monitor so parked mode waiters
// re-check their deadlines. Called when the poller stops.
func (r *Registry) WakeAll() {
	r.mu.Lock()
	devices := make([]*Device, 0, len(r.order))
	for _, serial := range r.order {
		devices = append(devices, r.devices[serial])
	}
	r.mu.Unlock()

	for _, d := range devices {
		d.mu.Lock()
		d.cond.Broadcast()
		d.mu.Unlock()
	}
}
