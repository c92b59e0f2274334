// Package util provides logging helpers and the common error taxonomy.
package util

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Sentinel errors for device and allocation failures
var (
	ErrDeviceUnavailable    = errors.New("device unavailable")
	ErrDeviceUnresponsive   = errors.New("device unresponsive")
	ErrUnexpectedResponse   = errors.New("unexpected device response")
	ErrSelectionMismatch    = errors.New("no device matched the selection")
	ErrInvalidConfig        = errors.New("invalid configuration")
	ErrAllocationCancelled  = errors.New("allocation cancelled")
	ErrExternalTool         = errors.New("external tool failed")
	ErrUndetermined         = errors.New("undetermined failure")
)

// UnavailableError reports a device that is not visible, offline,
// unauthorized, or that exhausted recovery.
type UnavailableError struct {
	Serial string
	Reason string
}

func (e *UnavailableError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("device %s unavailable", e.Serial)
	}
	return fmt.Sprintf("device %s unavailable: %s", e.Serial, e.Reason)
}

func (e *UnavailableError) Unwrap() error {
	return ErrDeviceUnavailable
}

// NewUnavailableError creates an unavailable error
func NewUnavailableError(serial, reason string) *UnavailableError {
	return &UnavailableError{Serial: serial, Reason: reason}
}

// UnresponsiveError reports a device that is visible and online but failed
// shell or boot checks after recovery attempts.
type UnresponsiveError struct {
	Serial string
	Reason string
}

func (e *UnresponsiveError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("device %s unresponsive", e.Serial)
	}
	return fmt.Sprintf("device %s unresponsive: %s", e.Serial, e.Reason)
}

func (e *UnresponsiveError) Unwrap() error {
	return ErrDeviceUnresponsive
}

// NewUnresponsiveError creates an unresponsive error
func NewUnresponsiveError(serial, reason string) *UnresponsiveError {
	return &UnresponsiveError{Serial: serial, Reason: reason}
}

// UnexpectedResponseError reports malformed shell output where a contract
// was expected.
type UnexpectedResponseError struct {
	Serial  string
	Command string
	Output  string
}

func (e *UnexpectedResponseError) Error() string {
	out := e.Output
	if len(out) > 120 {
		out = out[:120] + "..."
	}
	return fmt.Sprintf("device %s returned unexpected output for %q: %q", e.Serial, e.Command, out)
}

func (e *UnexpectedResponseError) Unwrap() error {
	return ErrUnexpectedResponse
}

// NewUnexpectedResponseError creates an unexpected-response error
func NewUnexpectedResponseError(serial, command, output string) *UnexpectedResponseError {
	return &UnexpectedResponseError{Serial: serial, Command: command, Output: output}
}

// SelectionError reports an allocation request that could not be satisfied,
// with the per-candidate reject reasons gathered by the selector.
type SelectionError struct {
	Requested string
	Reasons   map[string]string
}

func (e *SelectionError) Error() string {
	if len(e.Reasons) == 0 {
		return fmt.Sprintf("no device matched %s", e.Requested)
	}
	serials := make([]string, 0, len(e.Reasons))
	for s := range e.Reasons {
		serials = append(serials, s)
	}
	sort.Strings(serials)
	parts := make([]string, 0, len(serials))
	for _, s := range serials {
		parts = append(parts, fmt.Sprintf("%s: %s", s, e.Reasons[s]))
	}
	return fmt.Sprintf("no device matched %s:\n  - %s", e.Requested, strings.Join(parts, "\n  - "))
}

func (e *SelectionError) Unwrap() error {
	return ErrSelectionMismatch
}

// NewSelectionError creates a selection error from the selector's reasons
func NewSelectionError(requested string, reasons map[string]string) *SelectionError {
	return &SelectionError{Requested: requested, Reasons: reasons}
}

// CancelledError is raised from an abort recovery strategy installed by
// TerminateHard; every in-flight recovery fails fast with it.
type CancelledError struct {
	Reason string
}

func (e *CancelledError) Error() string {
	return "aborted test session: " + e.Reason
}

func (e *CancelledError) Unwrap() error {
	return ErrAllocationCancelled
}

// NewCancelledError creates a cancellation error
func NewCancelledError(reason string) *CancelledError {
	return &CancelledError{Reason: reason}
}

// ConfigError reports a malformed configuration value
type ConfigError struct {
	Key    string
	Detail string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration %q: %s", e.Key, e.Detail)
}

func (e *ConfigError) Unwrap() error {
	return ErrInvalidConfig
}

// NewConfigError creates a configuration error
func NewConfigError(key, detail string) *ConfigError {
	return &ConfigError{Key: key, Detail: detail}
}

// ToolError reports a non-zero exit or unparseable output from an external
// tool (fastboot, virtual-device driver, emulator).
type ToolError struct {
	Tool   string
	Output string
	Err    error
}

func (e *ToolError) Error() string {
	out := strings.TrimSpace(e.Output)
	if len(out) > 200 {
		out = out[:200] + "..."
	}
	if out == "" {
		return fmt.Sprintf("%s: %v", e.Tool, e.Err)
	}
	return fmt.Sprintf("%s: %v\n%s", e.Tool, e.Err, out)
}

func (e *ToolError) Unwrap() error {
	return ErrExternalTool
}

// NewToolError creates an external-tool error
func NewToolError(tool, output string, err error) *ToolError {
	return &ToolError{Tool: tool, Output: output, Err: err}
}
