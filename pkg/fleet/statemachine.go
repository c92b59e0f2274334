package fleet

import "github.com/fleetron-lab/fleetron/pkg/util"

// AllocState is the fleet manager's per-record allocation state.
type AllocState int

const (
	StateUnknown AllocState = iota
	StateChecking
	StateAvailable
	StateAllocated
	StateUnavailable
	StateIgnored
)

func (s AllocState) String() string {
	switch s {
	case StateChecking:
		return "checking-availability"
	case StateAvailable:
		return "available"
	case StateAllocated:
		return "allocated"
	case StateUnavailable:
		return "unavailable"
	case StateIgnored:
		return "ignored"
	default:
		return "unknown"
	}
}

// allStates enumerates every allocation state, for index maintenance and
// totality tests.
var allStates = []AllocState{
	StateUnknown, StateChecking, StateAvailable,
	StateAllocated, StateUnavailable, StateIgnored,
}

// Event drives allocation-state transitions. Events originate from the
// bridge tracker, the fastboot poller, availability probes, and the
// allocate/free surface of the manager.
type Event int

const (
	EventConnectedOnline Event = iota
	EventConnectedOffline
	EventStateChangeOnline
	EventStateChangeOffline
	EventLowLevelDetected
	EventAvailableCheckPassed
	EventAvailableCheckFailed
	EventAvailableCheckIgnored
	EventAllocateRequest
	EventForceAllocateRequest
	EventForceAvailable
	EventFreeAvailable
	EventFreeUnavailable
	EventFreeUnresponsive
	EventFreeUnknown
	EventDisconnected
)

func (e Event) String() string {
	switch e {
	case EventConnectedOnline:
		return "CONNECTED_ONLINE"
	case EventConnectedOffline:
		return "CONNECTED_OFFLINE"
	case EventStateChangeOnline:
		return "STATE_CHANGE_ONLINE"
	case EventStateChangeOffline:
		return "STATE_CHANGE_OFFLINE"
	case EventLowLevelDetected:
		return "LOW_LEVEL_DETECTED"
	case EventAvailableCheckPassed:
		return "AVAILABLE_CHECK_PASSED"
	case EventAvailableCheckFailed:
		return "AVAILABLE_CHECK_FAILED"
	case EventAvailableCheckIgnored:
		return "AVAILABLE_CHECK_IGNORED"
	case EventAllocateRequest:
		return "ALLOCATE_REQUEST"
	case EventForceAllocateRequest:
		return "FORCE_ALLOCATE_REQUEST"
	case EventForceAvailable:
		return "FORCE_AVAILABLE"
	case EventFreeAvailable:
		return "FREE_AVAILABLE"
	case EventFreeUnavailable:
		return "FREE_UNAVAILABLE"
	case EventFreeUnresponsive:
		return "FREE_UNRESPONSIVE"
	case EventFreeUnknown:
		return "FREE_UNKNOWN"
	case EventDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN_EVENT"
	}
}

// allEvents enumerates every event, for totality tests.
var allEvents = []Event{
	EventConnectedOnline, EventConnectedOffline,
	EventStateChangeOnline, EventStateChangeOffline,
	EventLowLevelDetected,
	EventAvailableCheckPassed, EventAvailableCheckFailed, EventAvailableCheckIgnored,
	EventAllocateRequest, EventForceAllocateRequest, EventForceAvailable,
	EventFreeAvailable, EventFreeUnavailable, EventFreeUnresponsive, EventFreeUnknown,
	EventDisconnected,
}

type transitionKey struct {
	from  AllocState
	event Event
}

// transitions is the canonical transition table. Pairs not listed here are
// no-ops; nextState handles FORCE_AVAILABLE as an any-state override.
//
// LOW_LEVEL_DETECTED is accepted from every non-Allocated, non-Ignored
// state: the poller re-enters records on each sweep, and an owner must
// never lose an allocated device to a background poll. DISCONNECTED while
// Allocated is likewise a no-op; the free path decides the exit.
var transitions = map[transitionKey]AllocState{
	{StateUnknown, EventConnectedOnline}:   StateChecking,
	{StateUnknown, EventStateChangeOnline}: StateChecking,
	{StateUnknown, EventLowLevelDetected}:  StateAvailable,

	{StateChecking, EventAvailableCheckPassed}:  StateAvailable,
	{StateChecking, EventAvailableCheckFailed}:  StateUnavailable,
	{StateChecking, EventAvailableCheckIgnored}: StateIgnored,
	{StateChecking, EventLowLevelDetected}:      StateAvailable,
	{StateChecking, EventDisconnected}:          StateUnknown,

	{StateAvailable, EventAllocateRequest}:      StateAllocated,
	{StateAvailable, EventForceAllocateRequest}: StateAllocated,
	{StateAvailable, EventStateChangeOffline}:   StateUnavailable,
	{StateAvailable, EventConnectedOffline}:     StateUnavailable,
	{StateAvailable, EventLowLevelDetected}:     StateAvailable,
	{StateAvailable, EventDisconnected}:         StateUnknown,

	{StateAllocated, EventFreeAvailable}:    StateChecking,
	{StateAllocated, EventFreeUnavailable}:  StateUnavailable,
	{StateAllocated, EventFreeUnresponsive}: StateUnavailable,
	{StateAllocated, EventFreeUnknown}:      StateUnknown,

	{StateUnavailable, EventStateChangeOnline}: StateChecking,
	{StateUnavailable, EventLowLevelDetected}:  StateAvailable,
	{StateUnavailable, EventDisconnected}:      StateUnknown,
}

// nextState resolves one transition. handled is false for no-op pairs,
// which the caller logs; stateChanged is true iff to differs from from.
func nextState(from AllocState, event Event) (to AllocState, handled, stateChanged bool) {
	if event == EventForceAvailable {
		return StateAvailable, true, from != StateAvailable
	}
	to, handled = transitions[transitionKey{from, event}]
	if !handled {
		return from, false, false
	}
	return to, true, to != from
}

// logNoop records an unhandled (state, event) pair at debug level so
// dropped events stay visible without flooding logs.
func logNoop(serial string, from AllocState, event Event) {
	util.WithSerial(serial).Debugf("ignoring %s in state %s", event, from)
}
