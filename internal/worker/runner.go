// Package worker runs background tasks out of process. The daemon side
// (Runner) spawns one child per task and turns its report lines and exit
// status into task updates; the child side (Run) executes the job and writes
// those reports.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rontubot/rondesk/internal/driver"
	"github.com/rontubot/rondesk/internal/tasks"
)

// DefaultCancelGrace is how long a cancelled worker has to exit after
// SIGTERM before it is killed.
const DefaultCancelGrace = 3 * time.Second

// Runner launches task workers and wires their lifecycle into the registry.
type Runner struct {
	// Command and Args are the worker executable and any leading arguments;
	// "worker <kind> --task <id> --params <json>" is appended.
	Command     string
	Args        []string
	Env         []string
	CancelGrace time.Duration

	tasks  *tasks.Manager
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewRunner creates a runner that spawns command for each task.
func NewRunner(command string, m *tasks.Manager) *Runner {
	return &Runner{
		Command:     command,
		CancelGrace: DefaultCancelGrace,
		tasks:       m,
		logger:      slog.With("component", "worker"),
	}
}

// run collects what a single worker reported.
type run struct {
	mu     sync.Mutex
	result *string
	err    *string
}

// Launch spawns the worker for t and returns once it is running. A spawn
// failure marks the task failed and is also returned.
func (r *Runner) Launch(ctx context.Context, t tasks.Task) error {
	params, err := json.Marshal(t.Params)
	if err != nil {
		return r.fail(t.ID, fmt.Errorf("encoding params: %w", err))
	}

	args := append([]string{}, r.Args...)
	args = append(args, "worker", t.Kind, "--task", t.ID, "--params", string(params))

	rs := &run{}
	var d *driver.NativeDriver
	d = driver.NewNative(driver.NativeConfig{
		Command:  r.Command,
		Args:     args,
		Env:      r.Env,
		BufSize:  200,
		OnStdout: func(line string) { r.handleLine(t.ID, rs, line) },
		OnStderr: func(line string) {
			r.logger.Warn(line, "task", t.ID, "stream", "stderr")
		},
		OnExit: func(info driver.ProcessInfo) {
			defer r.wg.Done()
			r.finish(t.ID, rs, info, d.StderrLines(3))
		},
	})

	r.wg.Add(1)
	if err := d.Start(ctx); err != nil {
		r.wg.Done()
		return r.fail(t.ID, err)
	}

	running := tasks.StatusRunning
	if _, err := r.tasks.Update(t.ID, tasks.Patch{Status: &running}); err != nil {
		r.logger.Warn("task vanished before worker start", "task", t.ID, "error", err)
	}

	grace := r.CancelGrace
	stop := func() {
		go func() {
			if err := d.Stop(context.Background(), grace); err != nil {
				r.logger.Warn("stopping worker", "task", t.ID, "error", err)
			}
		}()
	}
	if err := r.tasks.Attach(t.ID, stop); err != nil {
		// Cancelled or deleted between create and spawn.
		stop()
	}

	r.logger.Info("worker started", "task", t.ID, "kind", t.Kind, "pid", d.Info().PID)
	return nil
}

func (r *Runner) handleLine(id string, rs *run, line string) {
	rep, ok := ParseReport(line)
	if !ok {
		r.logger.Debug("worker output", "task", id, "line", line)
		return
	}

	rs.mu.Lock()
	if rep.Result != nil {
		rs.result = rep.Result
	}
	if rep.Error != nil {
		rs.err = rep.Error
	}
	rs.mu.Unlock()

	if rep.Progress != nil {
		if rep.Message != "" {
			r.logger.Debug(rep.Message, "task", id, "progress", *rep.Progress)
		}
		_, _ = r.tasks.Update(id, tasks.Patch{Progress: rep.Progress})
	}
}

func (r *Runner) finish(id string, rs *run, info driver.ProcessInfo, stderr []string) {
	rs.mu.Lock()
	result, errMsg := rs.result, rs.err
	rs.mu.Unlock()

	patch := tasks.Patch{ResultSummary: result}
	status := tasks.StatusCompleted
	if info.ExitCode != 0 || errMsg != nil {
		status = tasks.StatusFailed
		if errMsg == nil {
			msg := fmt.Sprintf("worker exited with code %d", info.ExitCode)
			if len(stderr) > 0 {
				msg += ": " + strings.Join(stderr, "; ")
			}
			errMsg = &msg
		}
		patch.Error = errMsg
	}
	patch.Status = &status

	got, err := r.tasks.Update(id, patch)
	if err != nil {
		return
	}
	r.logger.Info("worker exited", "task", id, "exit_code", info.ExitCode, "status", got.Status)
}

func (r *Runner) fail(id string, cause error) error {
	failed := tasks.StatusFailed
	msg := cause.Error()
	_, _ = r.tasks.Update(id, tasks.Patch{Status: &failed, Error: &msg})
	r.logger.Error("worker launch failed", "task", id, "error", cause)
	return cause
}

// Wait blocks until every launched worker has exited or ctx is done.
func (r *Runner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("workers still running"), ctx.Err())
	}
}
