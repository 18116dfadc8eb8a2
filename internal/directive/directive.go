// Package directive defines the structured instructions embedded in chat
// replies and how they are classified for routing.
package directive

import "slices"

// Local actions are handled by the task manager instead of the assistant.
const (
	ActionQueueLocalTask = "queue_local_task"
	ActionLocalTask      = "local_task"
)

// Directive is one {action, params} instruction from a chat reply.
type Directive struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

// IsLocal reports whether the directive asks for a local background task.
func (d Directive) IsLocal() bool {
	return d.Action == ActionQueueLocalTask || d.Action == ActionLocalTask
}

// String returns a param as a string, or "" when absent or not a string.
func (d Directive) String(key string) string {
	if v, ok := d.Params[key].(string); ok {
		return v
	}
	return ""
}

// Map returns a nested param object, or nil.
func (d Directive) Map(key string) map[string]any {
	if v, ok := d.Params[key].(map[string]any); ok {
		return v
	}
	return nil
}

// Partition splits directives into local task requests and everything else,
// preserving order within each group.
func Partition(ds []Directive) (local, remote []Directive) {
	for _, d := range ds {
		if d.Action == "" {
			continue
		}
		if d.IsLocal() {
			local = append(local, d)
		} else {
			remote = append(remote, d)
		}
	}
	return local, remote
}

// NeedsLive reports whether the action can only be served by a running
// assistant (as opposed to a one-shot launcher run).
func NeedsLive(action string, liveActions []string) bool {
	return slices.Contains(liveActions, action)
}
