// Package tasklog keeps an append-only JSON Lines audit of provider submissions.
package tasklog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry records one provider job submission.
type Entry struct {
	JobID       string    `json:"job_id"`
	SubmittedAt time.Time `json:"submitted_at"`
	Keyword     string    `json:"keyword"`
	Lat         float64   `json:"lat"`
	Lng         float64   `json:"lng"`
	WidthMeters float64   `json:"width_meters"`
	Zoom        int       `json:"zoom"`
	TaskID      string    `json:"task_id"`
}

// Writer appends entries to a file. It is safe for concurrent use.
type Writer struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// Open creates parent directories and opens path for appending.
func Open(path string) (*Writer, error) {
	if path == "" {
		return nil, fmt.Errorf("task log path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create task log dir: %w", err)
	}
	// #nosec G304 -- path comes from operator configuration.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open task log %s: %w", path, err)
	}
	return &Writer{file: f, path: path}, nil
}

// Append writes entry as one line.
func (w *Writer) Append(entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal task log entry: %w", err)
	}
	line = append(line, '\n')
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return fmt.Errorf("task log %s is closed", w.path)
	}
	if _, err := w.file.Write(line); err != nil {
		return fmt.Errorf("append task log: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// ReadAll parses every entry in the file at path.
func ReadAll(path string) ([]Entry, error) {
	// #nosec G304 -- path comes from operator configuration.
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open task log %s: %w", path, err)
	}
	defer f.Close()

	entries := make([]Entry, 0)
	scanner := bufio.NewScanner(f)
	for line := 1; scanner.Scan(); line++ {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("task log line %d: %w", line, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read task log: %w", err)
	}
	return entries, nil
}
