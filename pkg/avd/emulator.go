// Package avd launches and tears down virtual test devices: local emulator
// processes and remotely-hosted instances managed by an external driver.
package avd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/fleetron-lab/fleetron/pkg/util"
)

// emulatorBasePort is the console port of the first emulator slot. Each
// slot consumes two consecutive ports (console + bridge).
const emulatorBasePort = 5554

// PortForSlot returns the console port of an emulator slot index.
func PortForSlot(slot int) int {
	return emulatorBasePort + 2*slot
}

// SerialForPort returns the bridge serial of an emulator on a console port.
func SerialForPort(port int) string {
	return fmt.Sprintf("emulator-%d", port)
}

// Launcher spawns emulator processes.
type Launcher struct {
	// BinaryPath locates the emulator binary.
	BinaryPath string

	// LogDir receives per-instance stdout/stderr capture files.
	LogDir string
}

// Instance is one launched emulator process.
type Instance struct {
	Serial  string
	Port    int
	PID     int
	LogPath string
}

// Start launches an emulator bound to the given console port.
// Output is redirected to LogDir/<serial>.log. Returns once the process is
// started; waiting for the device to come online is the caller's business.
func (l *Launcher) Start(avdName string, port int, extraArgs ...string) (*Instance, error) {
	serial := SerialForPort(port)
	args := []string{
		"-avd", avdName,
		"-port", strconv.Itoa(port),
		"-no-window",
		"-no-boot-anim",
	}
	args = append(args, extraArgs...)
	cmd := exec.Command(l.BinaryPath, args...)

	if err := os.MkdirAll(l.LogDir, 0755); err != nil {
		return nil, fmt.Errorf("avd: create log dir: %w", err)
	}
	logPath := filepath.Join(l.LogDir, serial+".log")
	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("avd: create log %s: %w", logPath, err)
	}

	cmd.Stdout = logFile
	cmd.Stderr = logFile
	// Detach from parent process group so the emulator survives if the
	// manager exits.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("avd: start emulator %s: %w", serial, err)
	}

	pid := cmd.Process.Pid
	util.WithSerial(serial).Infof("emulator started, pid %d, log %s", pid, logPath)

	// Reap the process so it doesn't become a zombie.
	go func() {
		cmd.Wait()
		logFile.Close()
	}()

	return &Instance{Serial: serial, Port: port, PID: pid, LogPath: logPath}, nil
}

// Stop sends SIGTERM to the emulator process, then SIGKILL after 10s.
func Stop(pid int) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("avd: find process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		// Process may already be dead
		return nil
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if !IsRunning(pid) {
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}

	process.Signal(syscall.SIGKILL)
	return nil
}

// IsRunning checks if a process is alive by PID.
func IsRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 checks existence without sending a signal
	err = process.Signal(syscall.Signal(0))
	return err == nil
}
