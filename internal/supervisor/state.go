package supervisor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// stateFile persists the assistant's identity so a daemon that crashed can
// find and reap the process it left behind.
type stateFile struct {
	path string
	mu   sync.Mutex
}

// ProcessRecord is the persisted state of a running assistant.
type ProcessRecord struct {
	PID         int    `json:"pid"`
	Command     string `json:"command,omitempty"`    // for PID reuse detection
	StartTime   int64  `json:"start_time,omitempty"` // OS-reported process start time
	ControlPort int    `json:"control_port,omitempty"`
	StartedAt   int64  `json:"started_at,omitempty"` // Unix timestamp
}

func newStateFile(dir string) *stateFile {
	if dir == "" {
		return nil
	}
	return &stateFile{path: filepath.Join(dir, "state.json")}
}

// load returns the stored record, or nil when there is none.
func (sf *stateFile) load() (*ProcessRecord, error) {
	if sf == nil {
		return nil, nil
	}
	sf.mu.Lock()
	defer sf.mu.Unlock()

	data, err := os.ReadFile(sf.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading state file: %w", err)
	}

	var rec ProcessRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parsing state file: %w", err)
	}
	if rec.PID <= 0 {
		return nil, nil
	}
	return &rec, nil
}

func (sf *stateFile) save(rec ProcessRecord) error {
	if sf == nil {
		return nil
	}
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(sf.path), 0700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}

	tmpPath := sf.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmpPath, sf.path)
}

func (sf *stateFile) clear() error {
	if sf == nil {
		return nil
	}
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if err := os.Remove(sf.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
