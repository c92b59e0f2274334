package fleet

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"
	"gopkg.in/tomb.v2"

	"github.com/fleetron-lab/fleetron/pkg/util"
)

// hostSampleInterval is the pause between host metric samples.
const hostSampleInterval = time.Minute

// HostMonitor samples host-side health relevant to a device lab: load
// average and free space under the manager's temp directory, where
// emulator images and instance scratch live.
type HostMonitor struct {
	tempDir string
	tomb    tomb.Tomb

	loadAvg  prometheus.Gauge
	diskFree prometheus.Gauge
}

// NewHostMonitor builds the sampler and registers its gauges.
func NewHostMonitor(tempDir string, reg prometheus.Registerer) *HostMonitor {
	h := &HostMonitor{
		tempDir: tempDir,
		loadAvg: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "host_load1",
			Help:      "Host one-minute load average.",
		}),
		diskFree: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "host_tempdir_free_bytes",
			Help:      "Free bytes on the filesystem holding the temp directory.",
		}),
	}
	if reg != nil {
		reg.MustRegister(h.loadAvg, h.diskFree)
	}
	return h
}

// Start launches the sampling loop.
func (h *HostMonitor) Start() {
	h.tomb.Go(h.loop)
}

// Stop terminates the loop and waits for it.
func (h *HostMonitor) Stop() error {
	h.tomb.Kill(nil)
	return h.tomb.Wait()
}

func (h *HostMonitor) loop() error {
	h.sample()
	ticker := time.NewTicker(hostSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.tomb.Dying():
			return nil
		case <-ticker.C:
			h.sample()
		}
	}
}

func (h *HostMonitor) sample() {
	if load, err := readLoad1(); err == nil {
		h.loadAvg.Set(load)
	}
	if h.tempDir != "" {
		var st unix.Statfs_t
		if err := unix.Statfs(h.tempDir, &st); err == nil {
			h.diskFree.Set(float64(st.Bavail) * float64(st.Bsize))
		} else {
			util.WithComponent("hostmon").Debugf("statfs %s: %v", h.tempDir, err)
		}
	}
}

// readLoad1 parses the one-minute average out of /proc/loadavg.
func readLoad1() (float64, error) {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, os.ErrInvalid
	}
	return strconv.ParseFloat(fields[0], 64)
}
