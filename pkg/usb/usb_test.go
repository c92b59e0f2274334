package usb

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

// fakeSysfs lays out a sysfs-shaped tree with the given devices.
func fakeSysfs(t *testing.T, devices map[string]struct {
	serial string
	bus    int
	dev    int
}) *Bus {
	t.Helper()
	root := t.TempDir()
	sysfs := filepath.Join(root, "sys")
	devfs := filepath.Join(root, "dev")

	for name, d := range devices {
		dir := filepath.Join(sysfs, name)
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		writeFile(t, filepath.Join(dir, "serial"), d.serial+"\n")
		writeFile(t, filepath.Join(dir, "busnum"), strconv.Itoa(d.bus)+"\n")
		writeFile(t, filepath.Join(dir, "devnum"), strconv.Itoa(d.dev)+"\n")
	}

	// A hub entry without a serial file, which Find must skip.
	hubDir := filepath.Join(sysfs, "usb1")
	if err := os.MkdirAll(hubDir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	return &Bus{SysfsRoot: sysfs, DevRoot: devfs}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestFind(t *testing.T) {
	bus := fakeSysfs(t, map[string]struct {
		serial string
		bus    int
		dev    int
	}{
		"1-1":   {"ABC123", 1, 4},
		"1-1.2": {"DEF456", 1, 5},
	})

	d, err := bus.Find("ABC123")
	if err != nil {
		t.Fatalf("Find() failed: %v", err)
	}
	if d.BusNum != 1 || d.DevNum != 4 {
		t.Errorf("Find() = bus %d dev %d, want 1/4", d.BusNum, d.DevNum)
	}
	if want := filepath.Join(bus.DevRoot, "001", "004"); d.node != want {
		t.Errorf("node = %q, want %q", d.node, want)
	}
}

func TestFindNotPresent(t *testing.T) {
	bus := fakeSysfs(t, map[string]struct {
		serial string
		bus    int
		dev    int
	}{
		"1-1": {"ABC123", 1, 4},
	})

	_, err := bus.Find("MISSING")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Find() = %v, want ErrNotFound", err)
	}
}

func TestFindNoSysfs(t *testing.T) {
	bus := &Bus{SysfsRoot: "/nonexistent/sysfs", DevRoot: "/nonexistent/dev"}
	if _, err := bus.Find("ABC123"); err == nil {
		t.Error("Find() with missing sysfs root should fail")
	}
}

func TestResetMissingNode(t *testing.T) {
	d := &Device{Serial: "ABC123", BusNum: 1, DevNum: 4, node: "/nonexistent/001/004"}
	if err := d.Reset(); err == nil {
		t.Error("Reset() on missing node should fail")
	}
}
