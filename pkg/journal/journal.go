// Package journal records allocation-state events to a JSON-lines file
// with size-based rotation, and answers queries over the recorded stream.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fleetron-lab/fleetron/pkg/util"
)

// Event is one allocation-state transition as it hit the registry.
type Event struct {
	Timestamp  time.Time `json:"timestamp"`
	Serial     string    `json:"serial"`
	Kind       string    `json:"kind"`
	Event      string    `json:"event"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Reason     string    `json:"reason,omitempty"`
	Invocation string    `json:"invocation,omitempty"`
}

// Filter selects events in a query.
type Filter struct {
	Serial string
	Event  string
	Since  time.Time
	Until  time.Time
	Limit  int
	Offset int
}

// RotationConfig configures journal file rotation.
type RotationConfig struct {
	// MaxSize is the file size in bytes that triggers rotation.
	MaxSize int64

	// MaxBackups bounds how many rotated files are retained.
	MaxBackups int
}

// Writer appends events to a JSON-lines journal file.
type Writer struct {
	path     string
	file     *os.File
	encoder  *json.Encoder
	mu       sync.RWMutex
	rotation RotationConfig
}

// NewWriter opens (or creates) the journal at path.
func NewWriter(path string, rotation RotationConfig) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	return &Writer{
		path:     path,
		file:     file,
		encoder:  json.NewEncoder(file),
		rotation: rotation,
	}, nil
}

// Append writes one event, rotating first when the file is over size.
func (w *Writer) Append(event *Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.rotation.MaxSize > 0 {
		if info, err := w.file.Stat(); err == nil && info.Size() >= w.rotation.MaxSize {
			if err := w.rotate(); err != nil {
				return fmt.Errorf("rotating journal: %w", err)
			}
		}
	}
	return w.encoder.Encode(event)
}

// Query scans the current journal file for events matching the filter.
func (w *Writer) Query(filter Filter) ([]*Event, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	file, err := os.Open(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Event{}, nil
		}
		return nil, err
	}
	defer file.Close()

	var events []*Event
	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		var event Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			util.Warnf("journal: skipping malformed entry at line %d: %v", lineNum, err)
			continue
		}
		if matches(&event, filter) {
			events = append(events, &event)
		}
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(events) {
			events = nil
		} else {
			events = events[filter.Offset:]
		}
	}
	if filter.Limit > 0 && filter.Limit < len(events) {
		events = events[:filter.Limit]
	}
	return events, scanner.Err()
}

// Close closes the journal file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		return w.file.Close()
	}
	return nil
}

func matches(event *Event, filter Filter) bool {
	if filter.Serial != "" && event.Serial != filter.Serial {
		return false
	}
	if filter.Event != "" && event.Event != filter.Event {
		return false
	}
	if !filter.Since.IsZero() && event.Timestamp.Before(filter.Since) {
		return false
	}
	if !filter.Until.IsZero() && event.Timestamp.After(filter.Until) {
		return false
	}
	return true
}

func (w *Writer) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}

	rotatedPath := w.path + "." + time.Now().Format("20060102-150405")
	if err := os.Rename(w.path, rotatedPath); err != nil {
		return err
	}

	file, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	w.file = file
	w.encoder = json.NewEncoder(file)

	if w.rotation.MaxBackups > 0 {
		w.cleanupOldFiles()
	}
	return nil
}

func (w *Writer) cleanupOldFiles() {
	matches, err := filepath.Glob(w.path + ".*")
	if err != nil {
		return
	}

	type fileInfo struct {
		path    string
		modTime time.Time
	}
	var files []fileInfo
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		files = append(files, fileInfo{path, info.ModTime()})
	}

	if len(files) > w.rotation.MaxBackups {
		sort.Slice(files, func(i, j int) bool {
			return files[i].modTime.Before(files[j].modTime)
		})
		toRemove := len(files) - w.rotation.MaxBackups
		for i := 0; i < toRemove; i++ {
			os.Remove(files[i].path)
		}
	}
}
