// Package config loads the fleetron option set from YAML with defaults
// and environment handling for sandboxed runs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fleetron-lab/fleetron/pkg/util"
)

// Selection is the device filter surface shared by the global fleet filter
// and per-allocation criteria. All fields are optional.
type Selection struct {
	// Serials restricts matching to these serials. Empty means any.
	Serials []string `yaml:"serial,omitempty"`

	// ExcludeSerials rejects these serials outright.
	ExcludeSerials []string `yaml:"exclude-serial,omitempty"`

	// ProductTypes holds required products, each optionally "product:variant".
	ProductTypes []string `yaml:"product-type,omitempty"`

	// Properties are required device property key/value pairs.
	Properties map[string]string `yaml:"property,omitempty"`

	// DeviceType requests a device kind: physical (default), emulator,
	// null, gce, remote, local-virtual, existing.
	DeviceType string `yaml:"device-type,omitempty"`

	// Battery bounds apply only when RequireBatteryCheck is set.
	MinBattery          *int `yaml:"min-battery,omitempty"`
	MaxBattery          *int `yaml:"max-battery,omitempty"`
	RequireBatteryCheck bool `yaml:"require-battery-check,omitempty"`

	// Battery temperature bound, in degrees Celsius.
	MaxBatteryTemperature   *int `yaml:"max-battery-temperature,omitempty"`
	RequireBatteryTempCheck bool `yaml:"require-battery-temp-check,omitempty"`

	// SDK level bounds.
	MinSdkLevel *int `yaml:"min-sdk-level,omitempty"`
	MaxSdkLevel *int `yaml:"max-sdk-level,omitempty"`
}

// Options is the flat fleetron option set.
type Options struct {
	// Placeholder pool sizes seeded at init.
	MaxEmulators           int `yaml:"max-emulators"`
	MaxNullDevices         int `yaml:"max-null-devices"`
	MaxGceDevices          int `yaml:"max-gce-devices"`
	MaxRemoteDevices       int `yaml:"max-remote-devices"`
	MaxLocalVirtualDevices int `yaml:"max-local-virtual-devices"`

	// KnownDeviceIPs seeds remote slots with serial "<ip>:5555" instead of
	// anonymous remote-device-N placeholders.
	KnownDeviceIPs []string `yaml:"known-device-ips,omitempty"`

	// External tool paths.
	AdbPath      string `yaml:"adb-path"`
	FastbootPath string `yaml:"fastboot-path"`
	EmulatorPath string `yaml:"emulator-path"`
	AcloudPath   string `yaml:"acloud-path"`

	// Wait budgets for mode transitions and readiness probes.
	OnlineWaitTime     time.Duration `yaml:"online-wait-time"`
	DeviceWaitTime     time.Duration `yaml:"device-wait-time"`
	BootloaderWaitTime time.Duration `yaml:"bootloader-wait-time"`
	ShellWaitTime      time.Duration `yaml:"shell-wait-time"`
	FastbootWaitTime   time.Duration `yaml:"fastboot-wait-time"`

	// Recovery policy.
	DeviceRecoveryInterval    time.Duration `yaml:"device-recovery-interval"`
	MinBatteryAfterRecovery   int           `yaml:"min-battery-after-recovery"`
	DisableUnresponsiveReboot bool          `yaml:"disable-unresponsive-reboot"`
	DisableUsbReset           bool          `yaml:"disable-usb-reset"`

	// EnabledFilesystemCheck verifies the external-storage filesystem magic
	// during readiness probing.
	EnabledFilesystemCheck bool `yaml:"enabled-filesystem-check"`

	// EnableFastbootd classifies userspace-fastboot devices separately from
	// bootloader devices during low-level polls.
	EnableFastbootd bool `yaml:"enable-fastbootd"`

	// FastbootNetworkSerials maps a device serial to its network fastboot
	// address for targets that expose fastboot over TCP.
	FastbootNetworkSerials map[string]string `yaml:"fastboot-network-serials,omitempty"`

	// FastbootPollInterval is the pause between low-level poller sweeps.
	FastbootPollInterval time.Duration `yaml:"fastboot-poll-interval"`

	// SSH access for remote virtual-device hosts.
	RemoteSSHUser     string `yaml:"remote-ssh-user,omitempty"`
	RemoteSSHPassword string `yaml:"remote-ssh-password,omitempty"`
	RemoteSSHPort     int    `yaml:"remote-ssh-port"`

	// Sandbox allocation retry knobs, consulted only when running nested
	// under a sandbox (FLEETRON_SANDBOX).
	SandboxAllocateRetries  int           `yaml:"sandbox-allocate-retries"`
	SandboxAllocateInterval time.Duration `yaml:"sandbox-allocate-interval"`

	// GlobalFilter admits devices into the fleet; devices failing it are
	// marked Ignored at availability-check time.
	GlobalFilter *Selection `yaml:"global-filter,omitempty"`

	// Monitoring surfaces. Empty values disable the surface.
	RedisAddr   string `yaml:"redis-addr,omitempty"`
	RedisDB     int    `yaml:"redis-db"`
	MetricsAddr string `yaml:"metrics-addr,omitempty"`
	JournalDir  string `yaml:"journal-dir,omitempty"`
}

// DefaultOptions returns the option set with built-in defaults applied.
func DefaultOptions() *Options {
	return &Options{
		AdbPath:      "adb",
		FastbootPath: "fastboot",
		EmulatorPath: "emulator",
		AcloudPath:   "acloud",

		OnlineWaitTime:     60 * time.Second,
		DeviceWaitTime:     4 * time.Minute,
		BootloaderWaitTime: 30 * time.Second,
		ShellWaitTime:      30 * time.Second,
		FastbootWaitTime:   60 * time.Second,

		DeviceRecoveryInterval: 30 * time.Minute,

		FastbootPollInterval: 5 * time.Second,
		RemoteSSHPort:        22,

		SandboxAllocateRetries:  6,
		SandboxAllocateInterval: 500 * time.Millisecond,
	}
}

// DefaultConfigPath returns the default path for the fleetron config file.
func DefaultConfigPath() string {
	if p := os.Getenv("FLEETRON_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "fleetron.yaml"
	}
	return filepath.Join(home, ".fleetron", "fleetron.yaml")
}

// Load reads options from the default location. A missing file yields
// the defaults.
func Load() (*Options, error) {
	return LoadFrom(DefaultConfigPath())
}

// LoadFrom reads options from a specific path, applies defaults for unset
// fields, and validates the result.
func LoadFrom(path string) (*Options, error) {
	opts := DefaultOptions()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return opts, nil
		}
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, opts); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := opts.Validate(); err != nil {
		return nil, err
	}

	return opts, nil
}

// Validate checks option consistency.
func (o *Options) Validate() error {
	pools := []struct {
		key string
		val int
	}{
		{"max-emulators", o.MaxEmulators},
		{"max-null-devices", o.MaxNullDevices},
		{"max-gce-devices", o.MaxGceDevices},
		{"max-remote-devices", o.MaxRemoteDevices},
		{"max-local-virtual-devices", o.MaxLocalVirtualDevices},
	}
	for _, p := range pools {
		if p.val < 0 {
			return util.NewConfigError(p.key, "must be >= 0")
		}
	}

	waits := []struct {
		key string
		val time.Duration
	}{
		{"online-wait-time", o.OnlineWaitTime},
		{"device-wait-time", o.DeviceWaitTime},
		{"bootloader-wait-time", o.BootloaderWaitTime},
		{"shell-wait-time", o.ShellWaitTime},
		{"fastboot-wait-time", o.FastbootWaitTime},
		{"device-recovery-interval", o.DeviceRecoveryInterval},
		{"fastboot-poll-interval", o.FastbootPollInterval},
		{"sandbox-allocate-interval", o.SandboxAllocateInterval},
	}
	for _, w := range waits {
		if w.val <= 0 {
			return util.NewConfigError(w.key, "must be a positive duration")
		}
	}

	if o.MinBatteryAfterRecovery < 0 || o.MinBatteryAfterRecovery > 100 {
		return util.NewConfigError("min-battery-after-recovery", "must be between 0 and 100")
	}
	if o.SandboxAllocateRetries < 1 {
		return util.NewConfigError("sandbox-allocate-retries", "must be >= 1")
	}
	if o.RemoteSSHPort < 1 || o.RemoteSSHPort > 65535 {
		return util.NewConfigError("remote-ssh-port", "must be a valid port")
	}
	if o.AdbPath == "" {
		return util.NewConfigError("adb-path", "must not be empty")
	}
	if o.FastbootPath == "" {
		return util.NewConfigError("fastboot-path", "must not be empty")
	}

	if o.GlobalFilter != nil {
		if err := o.GlobalFilter.Validate(); err != nil {
			return err
		}
	}

	return nil
}

// Validate checks selection consistency.
func (s *Selection) Validate() error {
	if s.MinBattery != nil && (*s.MinBattery < 0 || *s.MinBattery > 100) {
		return util.NewConfigError("min-battery", "must be between 0 and 100")
	}
	if s.MaxBattery != nil && (*s.MaxBattery < 0 || *s.MaxBattery > 100) {
		return util.NewConfigError("max-battery", "must be between 0 and 100")
	}
	if s.MinBattery != nil && s.MaxBattery != nil && *s.MinBattery > *s.MaxBattery {
		return util.NewConfigError("min-battery", "must not exceed max-battery")
	}
	if s.MinSdkLevel != nil && s.MaxSdkLevel != nil && *s.MinSdkLevel > *s.MaxSdkLevel {
		return util.NewConfigError("min-sdk-level", "must not exceed max-sdk-level")
	}
	switch s.DeviceType {
	case "", "physical", "existing", "emulator", "null", "gce", "remote", "local-virtual":
	default:
		return util.NewConfigError("device-type", fmt.Sprintf("unknown device type %q", s.DeviceType))
	}
	return nil
}

// SandboxEnabled reports whether fleetron runs nested under a sandbox,
// which gates allocation retries.
func SandboxEnabled() bool {
	return os.Getenv("FLEETRON_SANDBOX") != ""
}
