//go:build integration || e2e

// Package testutil provides helpers for integration and e2e tests.
package testutil

import (
	"context"
	"os"
	"os/exec"
	"testing"
	"time"
)

// AdbPath returns the adb binary to test against, honoring
// FLEETRON_TEST_ADB for hosts with a platform-tools checkout.
func AdbPath() string {
	if p := os.Getenv("FLEETRON_TEST_ADB"); p != "" {
		return p
	}
	return "adb"
}

// SkipIfNoAdb skips the test when no adb binary is on the path.
func SkipIfNoAdb(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath(AdbPath()); err != nil {
		t.Skipf("adb not available: %v", err)
	}
}

// Context returns a context with a reasonable timeout for tests.
// The cancel function is registered via t.Cleanup.
func Context(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// MustEnv returns the value of an environment variable or fails the test.
func MustEnv(t *testing.T, key string) string {
	t.Helper()
	v := os.Getenv(key)
	if v == "" {
		t.Fatalf("required environment variable %s not set", key)
	}
	return v
}

// Eventually polls cond until it returns true or the timeout expires.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}
