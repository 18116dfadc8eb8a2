// Package tasks is the in-memory registry of background jobs. The registry
// never runs work itself: workers report progress and outcomes through
// Update, and a cancel request reaches the worker through the canceler it
// attached.
package tasks

import (
	"errors"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rontubot/rondesk/internal/eventbus"
)

// Status of a task. Completed, failed and cancelled are terminal.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Source is where a task was requested from.
type Source string

const (
	SourceLocal  Source = "local"
	SourceServer Source = "server"
)

var (
	ErrNotFound = errors.New("task not found")
	ErrTerminal = errors.New("task already finished")
)

// Task is one unit of background work as the UI sees it.
type Task struct {
	ID            string         `json:"id"`
	User          string         `json:"user"`
	Kind          string         `json:"kind"`
	Description   string         `json:"description"`
	Source        Source         `json:"source"`
	Status        Status         `json:"status"`
	Progress      int            `json:"progress"`
	Params        map[string]any `json:"params"`
	ResultSummary *string        `json:"result_summary"`
	Error         *string        `json:"error"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

func (t *Task) clone() Task {
	c := *t
	c.Params = maps.Clone(t.Params)
	return c
}

// Spec describes a task to create.
type Spec struct {
	User        string
	Kind        string
	Description string
	Source      Source
	Params      map[string]any
}

// Patch carries the fields an update may change. Nil fields are left alone.
type Patch struct {
	Status        *Status
	Progress      *int
	Description   *string
	ResultSummary *string
	Error         *string
}

// CancelFunc terminates the worker behind a task.
type CancelFunc func()

// Manager holds all tasks in memory. Tasks are kept in a map for lookup and
// a slice for insertion order. Every mutation publishes a task-updated event
// while the lock is held, so observers see changes in the order they were
// made.
type Manager struct {
	mu        sync.Mutex
	tasks     map[string]*Task
	order     []string
	cancelers map[string]CancelFunc

	bus    *eventbus.Bus
	now    func() time.Time
	logger *slog.Logger
}

// NewManager creates an empty registry publishing to bus (which may be nil).
func NewManager(bus *eventbus.Bus) *Manager {
	return &Manager{
		tasks:     make(map[string]*Task),
		cancelers: make(map[string]CancelFunc),
		bus:       bus,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    slog.With("component", "tasks"),
	}
}

// Create registers a new queued task.
func (m *Manager) Create(spec Spec) Task {
	now := m.now()
	t := &Task{
		ID:          uuid.NewString(),
		User:        spec.User,
		Kind:        spec.Kind,
		Description: spec.Description,
		Source:      spec.Source,
		Status:      StatusQueued,
		Params:      maps.Clone(spec.Params),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if t.User == "" {
		t.User = "default"
	}
	if t.Kind == "" {
		t.Kind = "generic"
	}
	if t.Source != SourceServer {
		t.Source = SourceLocal
	}
	if t.Params == nil {
		t.Params = map[string]any{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = t
	m.order = append(m.order, t.ID)
	m.notify(t)

	m.logger.Info("task created", "id", t.ID, "kind", t.Kind)
	return t.clone()
}

// Update merges patch into the task. Status changes must move forward
// (queued → running → terminal); once terminal, status and progress are
// frozen but an error or result summary may still be attached. A patch that
// changes nothing does not notify.
func (m *Manager) Update(id string, p Patch) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	if m.apply(t, p) {
		t.UpdatedAt = m.stamp(t)
		if t.Status.Terminal() {
			delete(m.cancelers, id)
		}
		m.notify(t)
	}
	return t.clone(), nil
}

// apply mutates t and reports whether anything changed. Caller holds m.mu.
func (m *Manager) apply(t *Task, p Patch) bool {
	changed := false
	wasTerminal := t.Status.Terminal()

	if p.Status != nil && *p.Status != t.Status {
		if allowed(t.Status, *p.Status) {
			t.Status = *p.Status
			changed = true
		} else {
			m.logger.Debug("ignoring status change", "id", t.ID, "from", t.Status, "to", *p.Status)
		}
	}

	if !wasTerminal {
		progress := t.Progress
		if p.Progress != nil {
			progress = clamp(*p.Progress)
		}
		if t.Status == StatusCompleted && p.Progress == nil {
			progress = 100
		}
		if progress != t.Progress {
			t.Progress = progress
			changed = true
		}
		if p.Description != nil && *p.Description != t.Description {
			t.Description = *p.Description
			changed = true
		}
	}

	if p.ResultSummary != nil && (t.ResultSummary == nil || *t.ResultSummary != *p.ResultSummary) {
		v := *p.ResultSummary
		t.ResultSummary = &v
		changed = true
	}
	if p.Error != nil && (t.Error == nil || *t.Error != *p.Error) {
		v := *p.Error
		t.Error = &v
		changed = true
	}
	return changed
}

func allowed(from, to Status) bool {
	if !to.Valid() || from.Terminal() {
		return false
	}
	switch from {
	case StatusQueued:
		return to != StatusQueued
	case StatusRunning:
		return to.Terminal()
	}
	return false
}

func clamp(p int) int {
	return min(max(p, 0), 100)
}

// stamp returns a timestamp that never goes backwards for t.
func (m *Manager) stamp(t *Task) time.Time {
	now := m.now()
	if now.Before(t.UpdatedAt) {
		return t.UpdatedAt
	}
	return now
}

// Get returns a copy of one task.
func (m *Manager) Get(id string) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	return t.clone(), nil
}

// List returns copies of all tasks in insertion order.
func (m *Manager) List() []Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Task, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.tasks[id].clone())
	}
	return out
}

// Attach records how to terminate the worker behind a task. A task that
// already finished (for example cancelled before its worker spawned) returns
// ErrTerminal and the caller must stop the worker itself.
func (m *Manager) Attach(id string, cancel CancelFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if t.Status.Terminal() {
		return ErrTerminal
	}
	m.cancelers[id] = cancel
	return nil
}

// Cancel moves a non-terminal task to cancelled and terminates its worker.
// Any completion the worker reports afterwards is ignored.
func (m *Manager) Cancel(id string) (Task, error) {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return Task{}, ErrNotFound
	}
	if t.Status.Terminal() {
		c := t.clone()
		m.mu.Unlock()
		return c, ErrTerminal
	}
	t.Status = StatusCancelled
	t.UpdatedAt = m.stamp(t)
	cancel := m.cancelers[id]
	delete(m.cancelers, id)
	m.notify(t)
	c := t.clone()
	m.mu.Unlock()

	m.logger.Info("task cancelled", "id", id)
	if cancel != nil {
		cancel()
	}
	return c, nil
}

// Delete removes a task, terminating its worker if it is still active.
func (m *Manager) Delete(id string) bool {
	m.mu.Lock()
	if _, ok := m.tasks[id]; !ok {
		m.mu.Unlock()
		return false
	}
	cancel := m.cancelers[id]
	m.removeLocked(id)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return true
}

// ClearCompleted removes every task whose status is exactly completed and
// returns how many were removed. Failed and cancelled tasks stay.
func (m *Manager) ClearCompleted() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for _, id := range m.order {
		if m.tasks[id].Status == StatusCompleted {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		m.removeLocked(id)
	}
	return len(ids)
}

// CancelAll cancels every active task. Used on shutdown.
func (m *Manager) CancelAll() int {
	m.mu.Lock()
	var ids []string
	for _, id := range m.order {
		if !m.tasks[id].Status.Terminal() {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	n := 0
	for _, id := range ids {
		if _, err := m.Cancel(id); err == nil {
			n++
		}
	}
	return n
}

// removeLocked drops a task and announces the deletion. Caller holds m.mu.
func (m *Manager) removeLocked(id string) {
	delete(m.tasks, id)
	delete(m.cancelers, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	if m.bus != nil {
		m.bus.Publish(eventbus.TopicTaskUpdated, eventbus.TaskDeleted{ID: id, Deleted: true})
	}
	m.logger.Info("task deleted", "id", id)
}

func (m *Manager) notify(t *Task) {
	if m.bus != nil {
		m.bus.Publish(eventbus.TopicTaskUpdated, t.clone())
	}
}
