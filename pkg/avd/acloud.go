package avd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/fleetron-lab/fleetron/pkg/util"
)

// runFunc executes the driver binary; split out so tests can script it.
type runFunc func(ctx context.Context, name string, args ...string) (stdout, stderr string, err error)

func defaultRun(ctx context.Context, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	err := cmd.Run()
	return outBuf.String(), errBuf.String(), err
}

// ReportLog is one log artifact referenced by a driver report.
type ReportLog struct {
	Path string `json:"path"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// Report is the JSON report the virtual-device driver writes next to its
// exit status.
type Report struct {
	Status       string      `json:"status"`
	InstanceName string      `json:"instance_name"`
	Host         string      `json:"host"`
	Port         int         `json:"port"`
	Errors       []string    `json:"errors"`
	Logs         []ReportLog `json:"logs"`
}

// reportSuccess is the driver's status value for a healthy instance.
const reportSuccess = "SUCCESS"

// Driver wraps the external virtual-device CLI.
type Driver struct {
	// Path locates the driver binary.
	Path string

	run runFunc
}

// NewDriver returns a driver invoking the binary at path.
func NewDriver(path string) *Driver {
	if path == "" {
		path = "acloud"
	}
	return &Driver{Path: path, run: defaultRun}
}

// launchState tracks how far a virtual device got, so teardown knows
// whether a delete is owed.
type launchState int

const (
	launchNotStarted launchState = iota
	launchFailed
	launchRunning
)

// VirtualDevice is one driver-managed instance through launch and teardown.
type VirtualDevice struct {
	driver     *Driver
	reportPath string

	state  launchState
	report *Report
}

// NewVirtualDevice prepares a device whose report will be written under
// reportDir.
func (d *Driver) NewVirtualDevice(name, reportDir string) *VirtualDevice {
	return &VirtualDevice{
		driver:     d,
		reportPath: filepath.Join(reportDir, name+"-report.json"),
	}
}

// Launch invokes the driver's create command and parses the report.
// On failure the device remembers whether an instance was allocated so
// Teardown can still clean it up.
func (v *VirtualDevice) Launch(ctx context.Context, extraArgs ...string) error {
	args := []string{"create", "--report-file", v.reportPath}
	args = append(args, extraArgs...)

	v.state = launchFailed
	stdout, stderr, runErr := v.driver.run(ctx, v.driver.Path, args...)

	report, reportErr := readReport(v.reportPath)
	v.report = report

	if runErr != nil {
		detail := stdout + stderr
		if report != nil && len(report.Errors) > 0 {
			detail = strings.Join(report.Errors, "; ")
		}
		return util.NewToolError(v.driver.Path+" create", detail, runErr)
	}
	if reportErr != nil {
		return util.NewToolError(v.driver.Path+" create", stdout+stderr, reportErr)
	}
	if report.Status != reportSuccess {
		return util.NewToolError(
			v.driver.Path+" create",
			strings.Join(report.Errors, "; "),
			fmt.Errorf("driver reported status %q", report.Status),
		)
	}

	v.state = launchRunning
	return nil
}

// Report returns the last parsed driver report, which may be nil before
// Launch or when the driver crashed before writing one.
func (v *VirtualDevice) Report() *Report {
	return v.report
}

// Running reports whether the instance reached a healthy launch.
func (v *VirtualDevice) Running() bool {
	return v.state == launchRunning
}

// Teardown deletes the remote instance when one was actually allocated.
// A device that never launched, or whose launch died before the driver
// assigned an instance, has nothing to delete.
func (v *VirtualDevice) Teardown(ctx context.Context) error {
	switch v.state {
	case launchNotStarted:
		return nil
	case launchFailed:
		if v.report == nil || v.report.InstanceName == "" {
			util.WithComponent("avd").Debug("skipping delete, launch never allocated an instance")
			return nil
		}
	}

	name := v.report.InstanceName
	stdout, stderr, err := v.driver.run(ctx, v.driver.Path, "delete", "--instance-names", name)
	if err != nil {
		return util.NewToolError(v.driver.Path+" delete", stdout+stderr, err)
	}
	v.state = launchNotStarted
	return nil
}

// readReport parses the driver's JSON report file.
func readReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("avd: report: %w", err)
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("avd: parsing report %s: %w", path, err)
	}
	return &r, nil
}
