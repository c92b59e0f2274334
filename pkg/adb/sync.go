package adb

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"time"
)

// The sync sub-protocol frames requests as a 4-byte id plus a 4-byte
// little-endian length, unlike the hex framing of the smart socket.
const (
	syncSend = "SEND"
	syncData = "DATA"
	syncDone = "DONE"
	syncOkay = "OKAY"
	syncFail = "FAIL"
	syncQuit = "QUIT"

	// syncChunkSize is the daemon's maximum DATA payload.
	syncChunkSize = 64 * 1024
)

// PushFile copies a local file to the device.
func (d *Device) PushFile(ctx context.Context, localPath, remotePath string, perm os.FileMode) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("adb: push %s: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("adb: push %s: %w", localPath, err)
	}
	return d.Push(ctx, f, remotePath, perm, info.ModTime())
}

// Push streams content to a file on the device.
func (d *Device) Push(ctx context.Context, content io.Reader, remotePath string, perm os.FileMode, mtime time.Time) error {
	conn, err := d.client.transport(ctx, d.Serial)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := sendMessage(conn, "sync:"); err != nil {
		return err
	}
	if err := readStatus(conn); err != nil {
		return annotateSerial(err, d.Serial)
	}

	spec := fmt.Sprintf("%s,%d", remotePath, uint32(perm.Perm()))
	if err := writeSyncRequest(conn, syncSend, []byte(spec)); err != nil {
		return err
	}

	buf := make([]byte, syncChunkSize)
	for {
		n, rerr := content.Read(buf)
		if n > 0 {
			if err := writeSyncRequest(conn, syncData, buf[:n]); err != nil {
				return err
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("adb: push %s: %w", remotePath, rerr)
		}
	}

	var done [8]byte
	copy(done[:4], syncDone)
	binary.LittleEndian.PutUint32(done[4:], uint32(mtime.Unix()))
	if _, err := conn.Write(done[:]); err != nil {
		return &wireError{op: "sync done", err: err}
	}

	if err := readSyncStatus(conn); err != nil {
		return annotateSerial(err, d.Serial)
	}

	// Best effort; the transfer is already acknowledged.
	writeSyncRequest(conn, syncQuit, nil)
	return nil
}

// writeSyncRequest writes one id + LE length + payload frame.
func writeSyncRequest(conn net.Conn, id string, payload []byte) error {
	header := make([]byte, 8)
	copy(header, id)
	binary.LittleEndian.PutUint32(header[4:], uint32(len(payload)))
	if _, err := conn.Write(header); err != nil {
		return &wireError{op: "sync " + id, err: err}
	}
	if len(payload) > 0 {
		if _, err := conn.Write(payload); err != nil {
			return &wireError{op: "sync " + id, err: err}
		}
	}
	return nil
}

// readSyncStatus consumes the daemon's OKAY/FAIL reply to a DONE.
func readSyncStatus(conn net.Conn) error {
	header := make([]byte, 8)
	if _, err := io.ReadFull(conn, header); err != nil {
		return &wireError{op: "sync status", err: err}
	}
	id := string(header[:4])
	n := binary.LittleEndian.Uint32(header[4:])
	switch id {
	case syncOkay:
		return nil
	case syncFail:
		reason := make([]byte, n)
		if _, err := io.ReadFull(conn, reason); err != nil {
			return &wireError{op: "sync status", err: err}
		}
		return daemonError(string(reason))
	default:
		return fmt.Errorf("adb: unknown sync status %q", id)
	}
}
