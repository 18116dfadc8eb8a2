// Package daemon assembles the shell: it builds every long-lived component
// from config, owns their lifetimes, and exposes the operations the boundary
// API serves.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/rontubot/rondesk/internal/app"
	"github.com/rontubot/rondesk/internal/audit"
	"github.com/rontubot/rondesk/internal/chat"
	"github.com/rontubot/rondesk/internal/config"
	"github.com/rontubot/rondesk/internal/directive"
	"github.com/rontubot/rondesk/internal/eventbus"
	"github.com/rontubot/rondesk/internal/keychain"
	"github.com/rontubot/rondesk/internal/port"
	"github.com/rontubot/rondesk/internal/supervisor"
	"github.com/rontubot/rondesk/internal/tasks"
	"github.com/rontubot/rondesk/internal/worker"
)

const (
	// defaultPortMin is the lower bound of the dynamic control port range.
	defaultPortMin = 20000

	// defaultPortMax is the upper bound of the dynamic control port range.
	defaultPortMax = 32000

	healthInterval  = 10 * time.Second
	healthThreshold = 3
)

// ErrLocked is returned by Start when another daemon holds the lock.
var ErrLocked = errors.New("another rondesk daemon is running")

// Daemon owns the session, the supervised assistant, the task registry and
// the chat dispatcher.
type Daemon struct {
	dir        string
	configPath string
	secrets    keychain.Store
	workerCmd  string
	workerArgs []string
	watch      bool

	lock       *flock.Flock
	cfg        config.Config
	bus        *eventbus.Bus
	audit      *audit.Logger
	session    *app.Session
	ports      *port.Allocator
	supervisor *supervisor.Supervisor
	tasks      *tasks.Manager
	runner     *worker.Runner
	dispatcher *chat.Dispatcher

	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

// Option configures the daemon.
type Option func(*Daemon)

// WithConfigPath overrides the config file location (default dir/config.yaml).
func WithConfigPath(path string) Option {
	return func(d *Daemon) { d.configPath = path }
}

// WithSecrets sets the auth token store (default: the system store).
func WithSecrets(s keychain.Store) Option {
	return func(d *Daemon) { d.secrets = s }
}

// WithWorkerCommand sets the executable (and leading args) that runs task
// workers. The default is the running binary.
func WithWorkerCommand(cmd string, args ...string) Option {
	return func(d *Daemon) {
		d.workerCmd = cmd
		d.workerArgs = args
	}
}

// WithoutConfigWatch disables hot reload of the config file.
func WithoutConfigWatch() Option {
	return func(d *Daemon) { d.watch = false }
}

// NewDaemon creates a daemon rooted at dir (normally ~/.rondesk).
func NewDaemon(dir string, opts ...Option) *Daemon {
	d := &Daemon{
		dir:        dir,
		configPath: filepath.Join(dir, "config.yaml"),
		watch:      true,
		logger:     slog.With("component", "daemon"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start acquires the single-instance lock, loads config, builds every
// component and reaps an assistant orphaned by a previous crash.
func (d *Daemon) Start(ctx context.Context) error {
	if err := os.MkdirAll(d.dir, 0700); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	d.lock = flock.New(filepath.Join(d.dir, "daemon.lock"))
	locked, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring lock: %w", err)
	}
	if !locked {
		return ErrLocked
	}

	raw, err := config.Load(d.configPath)
	if err != nil {
		_ = d.lock.Unlock()
		return fmt.Errorf("loading config: %w", err)
	}
	d.cfg = raw.Resolve()

	d.audit, err = audit.NewLogger(filepath.Join(d.dir, "audit.log"))
	if err != nil {
		d.logger.Warn("audit log disabled", "error", err)
	}
	if d.secrets == nil {
		d.secrets = keychain.NewSystemStore(d.dir)
	}
	secrets := keychain.NewAuditedStore(d.secrets, d.audit, "daemon")

	d.ctx, d.cancel = context.WithCancel(ctx)
	d.bus = eventbus.New()
	d.session = app.NewSession(raw, d.configPath, secrets)
	d.ports = port.NewAllocator(defaultPortMin, defaultPortMax)
	d.tasks = tasks.NewManager(d.bus)

	a := d.cfg.Assistant
	d.supervisor = supervisor.New(supervisor.Config{
		Command:         a.Command,
		Args:            a.Args,
		WorkingDir:      a.WorkingDir,
		Env:             a.Env,
		ReadyMarker:     a.ReadyMarker,
		StartGrace:      a.StartGrace,
		StopTimeout:     a.StopTimeout,
		KillTimeout:     a.KillTimeout,
		ControlTimeout:  d.cfg.Control.Timeout,
		HealthInterval:  healthInterval,
		HealthThreshold: healthThreshold,
		StateDir:        d.dir,
		Ports:           d.ports,
		OneshotArgs:     a.OneshotArgs,
	}, d.bus)

	if d.workerCmd == "" {
		exe, err := os.Executable()
		if err != nil {
			d.logger.Warn("cannot locate own binary, task workers disabled", "error", err)
		}
		d.workerCmd = exe
	}
	if d.workerCmd != "" {
		d.runner = worker.NewRunner(d.workerCmd, d.tasks)
		d.runner.Args = d.workerArgs
		d.runner.CancelGrace = d.cfg.Tasks.CancelGrace
	}

	deps := chat.Deps{
		Session:     d.session,
		Assistant:   d.supervisor,
		Oneshot:     d.oneshot,
		Tasks:       d.tasks,
		Bus:         d.bus,
		Audit:       d.audit,
		LiveActions: a.LiveActions,
	}
	if d.runner != nil {
		deps.Launcher = d.runner
	}
	d.dispatcher = chat.New(deps)

	if reaped, err := d.supervisor.RecoverOrphan(); err != nil {
		d.logger.Warn("orphan recovery failed", "error", err)
	} else if reaped {
		d.logger.Info("reaped assistant left by a previous daemon")
	}

	if d.watch {
		go func() {
			err := config.Watch(d.ctx, d.configPath, d.logger, d.session.ApplyConfig)
			if err != nil {
				d.logger.Warn("config watch stopped", "error", err)
			}
		}()
	}

	d.logger.Info("daemon started", "dir", d.dir, "assistant", a.Command)
	return nil
}

// Stop shuts everything down. In-flight chat requests are cancelled and
// drained first so they cannot start directive work, then the assistant and
// task workers are stopped, then the bus and the lock are released.
func (d *Daemon) Stop(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	d.cancel()
	d.dispatcher.Close()

	if err := d.supervisor.Shutdown(ctx); err != nil {
		d.logger.Warn("stopping assistant", "error", err)
	}
	if n := d.tasks.CancelAll(); n > 0 {
		d.logger.Info("cancelled running tasks", "count", n)
	}
	if d.runner != nil {
		if err := d.runner.Wait(ctx); err != nil {
			d.logger.Warn("waiting for workers", "error", err)
		}
	}

	d.bus.Close()
	_ = d.audit.Close()
	_ = d.lock.Unlock()
	d.logger.Info("daemon stopped")
}

// startConfig describes the assistant launch for the current session.
func (d *Daemon) startConfig(username string) supervisor.StartConfig {
	if username == "" {
		username = d.session.Username()
	}
	base, err := d.session.APIBase()
	if err != nil {
		d.logger.Warn("not passing api base to assistant", "error", err)
	}
	return supervisor.StartConfig{
		Username:    username,
		ControlPort: d.cfg.Assistant.Port(),
		APIBase:     base,
		Token:       d.session.Token(),
	}
}

func (d *Daemon) oneshot(ctx context.Context, ds []directive.Directive) (string, error) {
	return d.supervisor.RunOneshot(ctx, d.startConfig(""), ds)
}

// StartAssistant launches the supervised assistant.
func (d *Daemon) StartAssistant(ctx context.Context, username string) error {
	return d.supervisor.Start(ctx, d.startConfig(username))
}

// StopAssistant stops the supervised assistant.
func (d *Daemon) StopAssistant(ctx context.Context) error {
	return d.supervisor.Stop(ctx)
}

// AssistantStatus reports the assistant state, probing the control socket
// when it is ready.
func (d *Daemon) AssistantStatus(ctx context.Context) supervisor.Status {
	return d.supervisor.Status(ctx)
}

// Assistant exposes the supervisor for listening and recording control.
func (d *Daemon) Assistant() *supervisor.Supervisor {
	return d.supervisor
}

// Chat dispatches a message in the background and returns its request id.
// The reply arrives on the event bus.
func (d *Daemon) Chat(req chat.Request) string {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if !d.dispatcher.Go(d.ctx, req) {
		d.bus.Publish(eventbus.TopicStreamError, eventbus.StreamError{RequestID: req.ID, Message: chat.MsgShuttingDown})
	}
	return req.ID
}

// Tasks returns the task registry.
func (d *Daemon) Tasks() *tasks.Manager {
	return d.tasks
}

// CancelTask cancels a task and records the request in the audit log.
func (d *Daemon) CancelTask(id string) (tasks.Task, error) {
	t, err := d.tasks.Cancel(id)
	entry := audit.Entry{Action: audit.ActionTaskCancel, TaskID: id, Actor: "daemon"}
	if err != nil {
		entry.Error = err.Error()
	}
	_ = d.audit.Log(entry)
	return t, err
}

// Config returns the resolved configuration loaded at Start.
func (d *Daemon) Config() config.Config {
	return d.cfg
}

// Session returns the application session.
func (d *Daemon) Session() *app.Session {
	return d.session
}

// Bus returns the event bus.
func (d *Daemon) Bus() *eventbus.Bus {
	return d.bus
}

// Context is the daemon lifecycle context; it ends on Stop.
func (d *Daemon) Context() context.Context {
	return d.ctx
}
