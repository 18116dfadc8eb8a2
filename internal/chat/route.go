package chat

import (
	"context"

	"github.com/rontubot/rondesk/internal/audit"
	"github.com/rontubot/rondesk/internal/directive"
	"github.com/rontubot/rondesk/internal/eventbus"
	"github.com/rontubot/rondesk/internal/tasks"
)

// MsgAssistantInactive is reported for directives that need the supervised
// assistant while it is not ready.
const MsgAssistantInactive = "assistant not active"

// route handles the directives of one reply. Local task requests become
// tasks before the reply completes; their workers and the remote batch run
// in the background. Once the dispatcher is closed nothing new is started.
func (d *Dispatcher) route(ctx context.Context, requestID, username string, ds []directive.Directive) {
	local, remote := directive.Partition(ds)

	for _, dir := range local {
		d.queueTask(ctx, requestID, username, dir)
	}
	if len(remote) == 0 {
		return
	}

	ok := d.spawn(func() { d.execBatch(ctx, requestID, username, remote) })
	if !ok {
		results := make([]eventbus.CommandResult, len(remote))
		for i, dir := range remote {
			results[i] = eventbus.CommandResult{Action: dir.Action, Error: MsgShuttingDown}
			d.record(requestID, dir, audit.TargetRejected, "", MsgShuttingDown)
		}
		d.publishResults(requestID, results)
	}
}

func (d *Dispatcher) queueTask(ctx context.Context, requestID, username string, dir directive.Directive) {
	if d.deps.Tasks == nil {
		d.record(requestID, dir, audit.TargetRejected, "", "task manager unavailable")
		return
	}
	if d.isClosed() {
		d.record(requestID, dir, audit.TargetRejected, "", MsgShuttingDown)
		return
	}

	params := dir.Map("params")
	if params == nil {
		params = map[string]any{}
		for k, v := range dir.Params {
			if k != "kind" && k != "description" {
				params[k] = v
			}
		}
	}

	t := d.deps.Tasks.Create(tasks.Spec{
		User:        username,
		Kind:        dir.String("kind"),
		Description: dir.String("description"),
		Source:      tasks.SourceServer,
		Params:      params,
	})
	d.record(requestID, dir, audit.TargetTask, t.ID, "")

	if d.deps.Launcher == nil {
		return
	}
	launched := d.spawn(func() {
		if err := d.deps.Launcher.Launch(ctx, t); err != nil {
			d.logger.Warn("launching task worker", "task", t.ID, "error", err)
		}
	})
	if !launched {
		// Closed between create and launch.
		_, _ = d.deps.Tasks.Cancel(t.ID)
	}
}

// execBatch forwards non-local directives to the ready assistant, or to a
// one-shot run when it is not ready, and publishes one command-results event.
func (d *Dispatcher) execBatch(ctx context.Context, requestID, username string, ds []directive.Directive) {
	results := make([]eventbus.CommandResult, len(ds))

	if d.deps.Assistant != nil && d.deps.Assistant.IsReady() {
		out, err := d.deps.Assistant.Exec(ctx, ds)
		for i, dir := range ds {
			results[i] = result(dir, out, err)
			d.record(requestID, dir, audit.TargetAssistant, "", errString(err))
		}
		d.publishResults(requestID, results)
		return
	}

	var batch []directive.Directive
	var idx []int
	for i, dir := range ds {
		if d.deps.Oneshot == nil || directive.NeedsLive(dir.Action, d.deps.LiveActions) {
			results[i] = eventbus.CommandResult{Action: dir.Action, Error: MsgAssistantInactive}
			d.record(requestID, dir, audit.TargetRejected, "", MsgAssistantInactive)
			continue
		}
		batch = append(batch, dir)
		idx = append(idx, i)
	}

	if len(batch) > 0 {
		out, err := d.deps.Oneshot(ctx, batch)
		if err != nil {
			d.logger.Warn("one-shot directive run failed", "request", requestID, "error", err)
		}
		for j, dir := range batch {
			results[idx[j]] = result(dir, out, err)
			d.record(requestID, dir, audit.TargetOneshot, "", errString(err))
		}
	}
	d.publishResults(requestID, results)
}

func result(dir directive.Directive, out string, err error) eventbus.CommandResult {
	if err != nil {
		return eventbus.CommandResult{Action: dir.Action, Error: err.Error()}
	}
	return eventbus.CommandResult{Action: dir.Action, OK: true, Message: out}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (d *Dispatcher) publishResults(requestID string, results []eventbus.CommandResult) {
	if d.deps.Bus != nil {
		d.deps.Bus.Publish(eventbus.TopicCommandResults, eventbus.CommandResults{RequestID: requestID, Results: results})
	}
}

func (d *Dispatcher) record(requestID string, dir directive.Directive, target, taskID, errMsg string) {
	_ = d.deps.Audit.Log(audit.Entry{
		Action:    audit.ActionDirective,
		Directive: dir.Action,
		Target:    target,
		TaskID:    taskID,
		RequestID: requestID,
		Actor:     "daemon",
		Error:     errMsg,
	})
}
