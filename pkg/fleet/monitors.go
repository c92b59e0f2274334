package fleet

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/tomb.v2"

	"github.com/fleetron-lab/fleetron/pkg/journal"
	"github.com/fleetron-lab/fleetron/pkg/util"
)

// FleetMonitor observes the fleet: state transitions, allocations, frees.
// Notify methods are called outside registry locks and must not block for
// long; slow sinks buffer internally.
type FleetMonitor interface {
	Run() error
	Stop() error
	NotifyDeviceStateChange(d *Device, from, to AllocState, event Event)
}

// metricsNamespace prefixes every fleetron metric.
const metricsNamespace = "fleetron"

// MetricsMonitor exports fleet gauges and counters, optionally serving
// them over HTTP when an address is configured.
type MetricsMonitor struct {
	addr     string
	registry *Registry

	promReg *prometheus.Registry
	server  *http.Server
	tomb    tomb.Tomb

	devicesByState *prometheus.GaugeVec
	transitions    *prometheus.CounterVec
	allocations    prometheus.Counter
	frees          prometheus.Counter
	allocLatency   prometheus.Histogram
}

// NewMetricsMonitor builds the metrics surface. addr may be empty, in
// which case metrics are collected but not served.
func NewMetricsMonitor(addr string, registry *Registry) *MetricsMonitor {
	m := &MetricsMonitor{
		addr:     addr,
		registry: registry,
		promReg:  prometheus.NewRegistry(),
		devicesByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "devices",
			Help:      "Number of fleet records per allocation state.",
		}, []string{"state"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "state_transitions_total",
			Help:      "Allocation state transitions by event.",
		}, []string{"event"}),
		allocations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "allocations_total",
			Help:      "Successful device allocations.",
		}),
		frees: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frees_total",
			Help:      "Device frees.",
		}),
		allocLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "allocation_seconds",
			Help:      "Time spent satisfying allocation requests.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
	}
	m.promReg.MustRegister(m.devicesByState, m.transitions, m.allocations, m.frees, m.allocLatency)
	return m
}

// Gatherer exposes the prometheus registry for embedding and tests.
func (m *MetricsMonitor) Gatherer() prometheus.Gatherer { return m.promReg }

// Registerer lets other samplers register onto the same registry.
func (m *MetricsMonitor) Registerer() prometheus.Registerer { return m.promReg }

func (m *MetricsMonitor) Run() error {
	if m.addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.promReg, promhttp.HandlerOpts{}))
	m.server = &http.Server{Addr: m.addr, Handler: mux}
	m.tomb.Go(func() error {
		util.WithComponent("metrics").Infof("serving metrics on %s", m.addr)
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.WithComponent("metrics").Errorf("metrics server: %v", err)
		}
		return nil
	})
	return nil
}

func (m *MetricsMonitor) Stop() error {
	if m.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		m.server.Shutdown(ctx)
	}
	m.tomb.Kill(nil)
	return m.tomb.Wait()
}

func (m *MetricsMonitor) NotifyDeviceStateChange(d *Device, from, to AllocState, event Event) {
	m.transitions.WithLabelValues(event.String()).Inc()
	if to == StateAllocated {
		m.allocations.Inc()
	}
	if from == StateAllocated {
		m.frees.Inc()
	}
	for _, s := range allStates {
		m.devicesByState.WithLabelValues(s.String()).Set(float64(m.registry.CountByState(s)))
	}
}

// ObserveAllocation records one allocation attempt's latency.
func (m *MetricsMonitor) ObserveAllocation(elapsed time.Duration) {
	m.allocLatency.Observe(elapsed.Seconds())
}

// JournalMonitor appends every transition to the allocation journal.
type JournalMonitor struct {
	writer *journal.Writer
}

// NewJournalMonitor wraps a journal writer as a fleet monitor.
func NewJournalMonitor(writer *journal.Writer) *JournalMonitor {
	return &JournalMonitor{writer: writer}
}

func (j *JournalMonitor) Run() error { return nil }

func (j *JournalMonitor) Stop() error { return j.writer.Close() }

func (j *JournalMonitor) NotifyDeviceStateChange(d *Device, from, to AllocState, event Event) {
	err := j.writer.Append(&journal.Event{
		Timestamp: time.Now(),
		Serial:    d.Serial,
		Kind:      d.Kind.String(),
		Event:     event.String(),
		From:      from.String(),
		To:        to.String(),
	})
	if err != nil {
		util.WithComponent("journal").Warnf("append failed: %v", err)
	}
}

// Redis keys for the published fleet state.
const (
	redisDevicesKey   = "fleetron:devices"
	redisEventChannel = "fleetron:events"
)

// publishedEvent is the wire form of one transition on the event channel.
type publishedEvent struct {
	Serial string `json:"serial"`
	Event  string `json:"event"`
	From   string `json:"from"`
	To     string `json:"to"`
}

// RedisPublisher mirrors device descriptors into a redis hash and streams
// transitions on a pub/sub channel, so external dashboards can watch the
// fleet without touching the manager. Best effort: redis outages drop
// events with a log line, never block the registry.
type RedisPublisher struct {
	client *redis.Client
	events chan publishedEvent
	tomb   tomb.Tomb
}

// NewRedisPublisher connects a publisher to the redis at addr.
func NewRedisPublisher(addr string, db int) *RedisPublisher {
	return &RedisPublisher{
		client: redis.NewClient(&redis.Options{Addr: addr, DB: db}),
		events: make(chan publishedEvent, 256),
	}
}

func (p *RedisPublisher) Run() error {
	p.tomb.Go(p.loop)
	return nil
}

func (p *RedisPublisher) Stop() error {
	p.tomb.Kill(nil)
	err := p.tomb.Wait()
	p.client.Close()
	return err
}

func (p *RedisPublisher) loop() error {
	log := util.WithComponent("publisher")
	for {
		select {
		case <-p.tomb.Dying():
			return nil
		case ev := <-p.events:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			payload, _ := json.Marshal(ev)
			if err := p.client.Publish(ctx, redisEventChannel, payload).Err(); err != nil {
				log.Debugf("publish dropped: %v", err)
			}
			cancel()
		}
	}
}

func (p *RedisPublisher) NotifyDeviceStateChange(d *Device, from, to AllocState, event Event) {
	desc, err := json.Marshal(d.Descriptor(false))
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := p.client.HSet(ctx, redisDevicesKey, d.Serial, desc).Err(); err != nil {
			util.WithComponent("publisher").Debugf("descriptor mirror dropped: %v", err)
		}
		cancel()
	}

	select {
	case p.events <- publishedEvent{
		Serial: d.Serial,
		Event:  event.String(),
		From:   from.String(),
		To:     to.String(),
	}:
	default:
		util.WithComponent("publisher").Debug("event buffer full, dropping")
	}
}
