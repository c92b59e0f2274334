package adb

import (
	"errors"
	"fmt"
	"net"
	"os"
)

// Sentinel errors for shell and transport failures. Callers use errors.Is
// to distinguish rejected-while-offline (raise immediately) from transient
// timeouts (keep waiting).
var (
	ErrTimeout      = errors.New("adb: command timed out")
	ErrOffline      = errors.New("adb: device offline")
	ErrNotFound     = errors.New("adb: device not found")
	ErrUnresponsive = errors.New("adb: device unresponsive")
	ErrIO           = errors.New("adb: io failure")
)

// wireError is a low-level socket failure during framing.
type wireError struct {
	op  string
	err error
}

func (e *wireError) Error() string {
	return fmt.Sprintf("adb: %s: %v", e.op, e.err)
}

func (e *wireError) Unwrap() error {
	if isTimeout(e.err) {
		return ErrTimeout
	}
	return ErrIO
}

// OfflineError is the daemon rejecting a request because the device is
// offline or unauthorized.
type OfflineError struct {
	Serial       string
	Reason       string
	Unauthorized bool
}

func (e *OfflineError) Error() string {
	if e.Serial == "" {
		return "adb: " + e.Reason
	}
	return fmt.Sprintf("adb: %s: %s", e.Serial, e.Reason)
}

func (e *OfflineError) Unwrap() error {
	return ErrOffline
}

// NotFoundError is the daemon rejecting a transport because the serial is
// not connected.
type NotFoundError struct {
	Serial string
	Reason string
}

func (e *NotFoundError) Error() string {
	if e.Serial == "" {
		return "adb: " + e.Reason
	}
	return fmt.Sprintf("adb: %s: %s", e.Serial, e.Reason)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// ServerError is any other FAIL reply from the daemon.
type ServerError struct {
	Reason string
}

func (e *ServerError) Error() string {
	return "adb: server: " + e.Reason
}

// ShellError wraps a failure executing a shell command on a device,
// annotating serial and command for the log line.
type ShellError struct {
	Serial  string
	Command string
	Err     error
}

func (e *ShellError) Error() string {
	return fmt.Sprintf("adb: %s: shell %q: %v", e.Serial, e.Command, e.Err)
}

func (e *ShellError) Unwrap() error {
	return e.Err
}

// isTimeout reports whether err is a socket deadline expiry.
func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
