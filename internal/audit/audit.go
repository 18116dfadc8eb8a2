// Package audit provides append-only structured logging of side-effecting
// operations: auth token changes and every command directive the dispatcher
// routes (to a task, the running assistant, or a one-shot run).
//
// Entries are newline-delimited JSON in ~/.rondesk/audit.log.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Action describes what happened.
type Action string

const (
	ActionTokenRead   Action = "token_read"
	ActionTokenWrite  Action = "token_write"
	ActionTokenDelete Action = "token_delete"
	ActionDirective   Action = "directive"
	ActionTaskCancel  Action = "task_cancel"
)

// Where a directive was routed.
const (
	TargetTask      = "task"
	TargetAssistant = "assistant"
	TargetOneshot   = "oneshot"
	TargetRejected  = "rejected"
)

// Entry is a single audit log record.
type Entry struct {
	Timestamp time.Time `json:"ts"`
	Action    Action    `json:"action"`
	Key       string    `json:"key,omitempty"`
	Directive string    `json:"directive,omitempty"` // directive action name
	Target    string    `json:"target,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Actor     string    `json:"actor,omitempty"` // "cli", "daemon"
	Error     string    `json:"error,omitempty"`
}

// Logger writes audit entries to an append-only file. A nil *Logger is valid
// and discards everything.
type Logger struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// NewLogger creates or opens an audit log file for appending.
func NewLogger(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	return &Logger{file: f, path: path}, nil
}

// Log writes an audit entry.
func (l *Logger) Log(entry Entry) error {
	if l == nil {
		return nil
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling audit entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing audit entry: %w", err)
	}
	return nil
}

// Close closes the audit log file.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	return l.file.Close()
}
