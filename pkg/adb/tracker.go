package adb

import (
	"context"
	"sync"
	"time"

	"gopkg.in/tomb.v2"

	"github.com/fleetron-lab/fleetron/pkg/util"
)

// DeviceListener receives tracker callbacks. Each event is delivered
// exactly once, in daemon order, from the tracker's goroutine; listeners
// that block stall the stream and should hand off to their own workers.
type DeviceListener interface {
	DeviceConnected(entry DeviceEntry)
	DeviceDisconnected(serial string)
	DeviceStateChanged(entry DeviceEntry)
}

// Tracker follows the daemon's track-devices stream and converts snapshot
// updates into connect/disconnect/state-change callbacks.
type Tracker struct {
	client *Client
	tomb   tomb.Tomb

	mu        sync.Mutex
	listeners []DeviceListener
	known     map[string]DeviceState
}

// NewTracker creates a tracker bound to the client's daemon.
func NewTracker(client *Client) *Tracker {
	return &Tracker{
		client: client,
		known:  make(map[string]DeviceState),
	}
}

// AddListener registers for device events. Listeners added after start
// see only subsequent changes; pair with Snapshot for the current view.
func (t *Tracker) AddListener(l DeviceListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, l)
}

// RemoveListener unregisters a previously added listener.
func (t *Tracker) RemoveListener(l DeviceListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, cur := range t.listeners {
		if cur == l {
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

// Snapshot returns the serials and states currently reported by the daemon.
func (t *Tracker) Snapshot() map[string]DeviceState {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := make(map[string]DeviceState, len(t.known))
	for serial, state := range t.known {
		snap[serial] = state
	}
	return snap
}

// Lists reports whether the daemon currently lists the serial at all,
// regardless of its state.
func (t *Tracker) Lists(serial string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.known[serial]
	return ok
}

// Start launches the tracking loop.
func (t *Tracker) Start() {
	t.tomb.Go(t.loop)
}

// Stop terminates the tracking loop and waits for it to exit.
func (t *Tracker) Stop() error {
	t.tomb.Kill(nil)
	return t.tomb.Wait()
}

func (t *Tracker) loop() error {
	log := util.WithComponent("tracker")
	for {
		err := t.trackOnce()
		if t.tomb.Err() != tomb.ErrStillAlive {
			return nil
		}
		if err != nil {
			log.Warnf("track-devices stream lost: %v", err)
		}
		select {
		case <-t.tomb.Dying():
			return nil
		case <-time.After(time.Second):
		}
	}
}

// trackOnce holds one track-devices connection open, applying each update
// until the stream or the tomb dies.
func (t *Tracker) trackOnce() error {
	conn, err := t.client.dial(context.Background())
	if err != nil {
		return err
	}
	defer conn.Close()

	// Unblock the read when the tomb dies.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-t.tomb.Dying():
			conn.Close()
		case <-watchDone:
		}
	}()

	if err := sendMessage(conn, "host:track-devices"); err != nil {
		return err
	}
	if err := readStatus(conn); err != nil {
		return err
	}

	for {
		payload, err := readMessage(conn)
		if err != nil {
			return err
		}
		t.apply(parseDeviceList(payload))
	}
}

// apply diffs a daemon snapshot against the known set and fires callbacks.
func (t *Tracker) apply(entries []DeviceEntry) {
	next := make(map[string]DeviceState, len(entries))
	for _, e := range entries {
		next[e.Serial] = e.State
	}

	t.mu.Lock()
	var connected, changed []DeviceEntry
	var disconnected []string
	for _, e := range entries {
		prev, ok := t.known[e.Serial]
		switch {
		case !ok:
			connected = append(connected, e)
		case prev != e.State:
			changed = append(changed, e)
		}
	}
	for serial := range t.known {
		if _, ok := next[serial]; !ok {
			disconnected = append(disconnected, serial)
		}
	}
	t.known = next
	listeners := make([]DeviceListener, len(t.listeners))
	copy(listeners, t.listeners)
	t.mu.Unlock()

	for _, l := range listeners {
		for _, e := range connected {
			l.DeviceConnected(e)
		}
		for _, e := range changed {
			l.DeviceStateChanged(e)
		}
		for _, serial := range disconnected {
			l.DeviceDisconnected(serial)
		}
	}
}
