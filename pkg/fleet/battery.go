package fleet

import (
	"context"
	"sync"
	"time"

	"github.com/fleetron-lab/fleetron/pkg/adb"
)

// batteryTTL is how long a cached battery reading stays authoritative.
const batteryTTL = time.Minute

// batteryCache is a bounded-wait future over the device's battery report.
// Selection predicates read it with a short wait so allocation scans never
// block on a slow device; the fetch keeps running in the background and
// fills the cache for the next reader.
type batteryCache struct {
	mu        sync.Mutex
	fetch     func(ctx context.Context) (adb.Battery, error)
	value     *adb.Battery
	fetchedAt time.Time
	inflight  chan struct{}
}

// setFetcher installs the fetch function. A nil fetcher makes Read report
// no value, which placeholder kinds rely on.
func (c *batteryCache) setFetcher(fetch func(ctx context.Context) (adb.Battery, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetch = fetch
}

// store caches a reading directly, used by probes that already hold one.
func (c *batteryCache) store(b adb.Battery) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = &b
	c.fetchedAt = time.Now()
}

// peek returns the cached reading without triggering a fetch.
func (c *batteryCache) peek() (adb.Battery, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.value == nil {
		return adb.Battery{}, false
	}
	return *c.value, true
}

// Read returns the cached reading, waiting up to maxWait for an in-flight
// or newly started fetch when the cache is stale. ok is false when no
// reading is available within the wait.
func (c *batteryCache) Read(maxWait time.Duration) (adb.Battery, bool) {
	c.mu.Lock()
	if c.value != nil && time.Since(c.fetchedAt) < batteryTTL {
		b := *c.value
		c.mu.Unlock()
		return b, true
	}
	if c.fetch == nil {
		c.mu.Unlock()
		return adb.Battery{}, false
	}
	if c.inflight == nil {
		done := make(chan struct{})
		c.inflight = done
		fetch := c.fetch
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			b, err := fetch(ctx)
			c.mu.Lock()
			if err == nil {
				c.value = &b
				c.fetchedAt = time.Now()
			}
			c.inflight = nil
			c.mu.Unlock()
			close(done)
		}()
	}
	done := c.inflight
	c.mu.Unlock()

	select {
	case <-done:
	case <-time.After(maxWait):
		return adb.Battery{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.value == nil {
		return adb.Battery{}, false
	}
	return *c.value, true
}
