package adb

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

// Smart-socket framing: every request and most replies are a 4-digit
// lowercase hex length followed by that many bytes. Status words OKAY
// and FAIL are bare 4-byte tokens; FAIL is followed by a framed reason.
const (
	statusOkay = "OKAY"
	statusFail = "FAIL"
)

// sendMessage writes one length-prefixed request.
func sendMessage(conn net.Conn, msg string) error {
	if len(msg) > 0xffff {
		return fmt.Errorf("adb: request too long (%d bytes)", len(msg))
	}
	_, err := fmt.Fprintf(conn, "%04x%s", len(msg), msg)
	if err != nil {
		return &wireError{op: "send", err: err}
	}
	return nil
}

// readStatus consumes the 4-byte status token. A FAIL status is converted
// to a typed error carrying the daemon's reason string.
func readStatus(conn net.Conn) error {
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return &wireError{op: "status", err: err}
	}
	switch string(buf) {
	case statusOkay:
		return nil
	case statusFail:
		reason, err := readMessage(conn)
		if err != nil {
			return &wireError{op: "status", err: err}
		}
		return daemonError(reason)
	default:
		return fmt.Errorf("adb: unknown status %q", buf)
	}
}

// readMessage reads one length-prefixed reply payload.
func readMessage(conn net.Conn) (string, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(conn, lenBuf); err != nil {
		return "", &wireError{op: "read", err: err}
	}
	n, err := strconv.ParseUint(string(lenBuf), 16, 32)
	if err != nil {
		return "", fmt.Errorf("adb: bad length prefix %q", lenBuf)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return "", &wireError{op: "read", err: err}
	}
	return string(payload), nil
}

// applyDeadline propagates a context deadline onto the socket so blocked
// reads fail instead of hanging.
func applyDeadline(conn net.Conn, ctx context.Context) {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Time{})
	}
}

// daemonError maps a FAIL reason from the daemon to a typed error.
func daemonError(reason string) error {
	lower := strings.ToLower(reason)
	switch {
	case strings.Contains(lower, "device offline"):
		return &OfflineError{Reason: reason}
	case strings.Contains(lower, "device unauthorized"):
		return &OfflineError{Reason: reason, Unauthorized: true}
	case strings.Contains(lower, "not found"):
		return &NotFoundError{Reason: reason}
	default:
		return &ServerError{Reason: reason}
	}
}
