// Package stats persists the all-time count of calls that connected, i.e.
// rooms that reached two simultaneous members.
package stats

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
)

type fileFormat struct {
	Calls uint64 `json:"calls"`
}

// Counter is a file-backed monotonic counter. Room state is never persisted;
// this single number is the only thing that survives a restart.
type Counter struct {
	mu    sync.Mutex
	path  string
	calls uint64
}

// Open loads the counter from path, starting at zero when the file does not
// exist. An empty path yields an in-memory counter (useful in tests).
func Open(path string) (*Counter, error) {
	c := &Counter{path: path}
	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stats: read %s: %w", path, err)
	}

	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("stats: parse %s: %w", path, err)
	}
	c.calls = f.Calls
	return c, nil
}

// Calls returns the current count.
func (c *Counter) Calls() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// Increment bumps the counter and writes it through to disk. The in-memory
// count advances even when the write fails, so a transient disk error cannot
// stall call accounting.
func (c *Counter) Increment() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls++
	if c.path == "" {
		return nil
	}
	return writeAtomic(c.path, fileFormat{Calls: c.calls})
}

// writeAtomic writes via a temp file and rename so a crash mid-write never
// leaves a truncated stats file.
func writeAtomic(path string, f fileFormat) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("stats: encode: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("stats: create temp: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("stats: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("stats: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("stats: rename: %w", err)
	}
	return nil
}

// Handler serves the counter as JSON.
func (c *Counter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(fileFormat{Calls: c.Calls()})
	})
}
