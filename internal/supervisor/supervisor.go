// Package supervisor owns the lifecycle of the external assistant process:
// spawn, readiness, listening state, graceful-then-forceful shutdown and
// orphan recovery after a crash.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/rontubot/rondesk/internal/control"
	"github.com/rontubot/rondesk/internal/directive"
	"github.com/rontubot/rondesk/internal/driver"
	"github.com/rontubot/rondesk/internal/eventbus"
	"github.com/rontubot/rondesk/internal/health"
	"github.com/rontubot/rondesk/internal/port"
	"github.com/rontubot/rondesk/internal/readiness"
)

// State is the lifecycle state of the assistant process.
type State string

const (
	StateNotStarted State = "not-started"
	StateStarting   State = "starting"
	StateReady      State = "ready"
	StateStopping   State = "stopping"
	StateStopped    State = "stopped"
)

// ListenState is whether a ready assistant is listening for the user.
type ListenState string

const (
	ListenInactive  ListenState = "inactive"
	ListenStarting  ListenState = "starting"
	ListenListening ListenState = "listening"
	ListenPaused    ListenState = "paused"
)

// portOwner is the allocator key for the assistant's control port.
const portOwner = "assistant"

var (
	ErrAlreadyRunning = errors.New("assistant already running")
	ErrNotRunning     = errors.New("assistant not running")
)

// LaunchError reports that the assistant could not be spawned.
type LaunchError struct {
	Command string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launching %s: %v", e.Command, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Config describes how the assistant is launched and supervised.
type Config struct {
	Command     string
	Args        []string
	WorkingDir  string
	Env         map[string]string
	ReadyMarker string

	StartGrace     time.Duration // max wait for readiness inside Start
	StopTimeout    time.Duration // SIGTERM → SIGKILL window
	KillTimeout    time.Duration // wait for exit after SIGKILL
	ControlTimeout time.Duration // per control-socket round-trip

	HealthInterval  time.Duration // 0 disables the STATUS monitor
	HealthThreshold int

	OneshotArgs    []string      // inserted before --exec for one-shot runs
	OneshotTimeout time.Duration

	StateDir string          // where state.json lives; "" disables orphan tracking
	Ports    *port.Allocator // used when StartConfig.ControlPort is 0
}

// StartConfig carries the per-start identity of the assistant.
type StartConfig struct {
	Username    string
	ControlPort int
	APIBase     string
	Token       string
}

// Status is the UI-facing view of the assistant. State is the status word
// shown to the user: the listen state while ready, otherwise the lifecycle.
type Status struct {
	State       string      `json:"state"`
	IsRunning   bool        `json:"isRunning"`
	Lifecycle   State       `json:"lifecycle"`
	Listen      ListenState `json:"listen"`
	PID         int         `json:"pid,omitempty"`
	ControlPort int         `json:"control_port,omitempty"`
	StartedAt   time.Time   `json:"started_at,omitempty"`
}

// run is one generation of the assistant process. Callbacks carry their run
// and drop out when it is no longer current, so a late exit or readiness
// signal from a previous process can never touch the next one.
type run struct {
	gen       int
	drv       driver.Driver
	client    *control.Client
	port      int
	startedAt time.Time

	ready     chan struct{}
	readyOnce sync.Once
	exited    chan struct{}
	monitor   *health.Monitor
}

// Supervisor manages the single assistant process.
type Supervisor struct {
	cfg    Config
	bus    *eventbus.Bus
	state  *stateFile
	logger *slog.Logger

	mu     sync.Mutex
	cur    *run
	gen    int
	status State
	listen ListenState
}

// New creates a supervisor. bus may be nil in tests that do not observe events.
func New(cfg Config, bus *eventbus.Bus) *Supervisor {
	if cfg.ReadyMarker == "" {
		cfg.ReadyMarker = "Control server listening"
	}
	if cfg.StartGrace <= 0 {
		cfg.StartGrace = 3 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 4 * time.Second
	}
	if cfg.ControlTimeout <= 0 {
		cfg.ControlTimeout = control.DefaultTimeout
	}
	if cfg.OneshotTimeout <= 0 {
		cfg.OneshotTimeout = 30 * time.Second
	}
	return &Supervisor{
		cfg:    cfg,
		bus:    bus,
		state:  newStateFile(cfg.StateDir),
		logger: slog.With("component", "supervisor"),
		status: StateNotStarted,
		listen: ListenInactive,
	}
}

// Start spawns the assistant. It refuses with ErrAlreadyRunning while a
// process is starting or ready. After a successful spawn it waits up to the
// start grace for the readiness marker (or an early exit) before returning;
// readiness that arrives later still moves the state to ready.
func (s *Supervisor) Start(ctx context.Context, sc StartConfig) error {
	if sc.Username == "" {
		return errors.New("username is required")
	}

	s.mu.Lock()
	if s.status == StateStarting || s.status == StateReady {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	if s.status == StateStopping {
		s.mu.Unlock()
		return fmt.Errorf("%w: previous instance is still stopping", ErrAlreadyRunning)
	}

	controlPort, err := s.resolvePort(sc.ControlPort)
	if err != nil {
		s.mu.Unlock()
		return &LaunchError{Command: s.cfg.Command, Err: err}
	}

	s.gen++
	r := &run{
		gen:    s.gen,
		port:   controlPort,
		client: control.NewClient(controlPort, control.WithTimeout(s.cfg.ControlTimeout)),
		ready:  make(chan struct{}),
		exited: make(chan struct{}),
	}
	detector := readiness.NewMarker(s.cfg.ReadyMarker)

	r.drv = driver.NewNative(driver.NativeConfig{
		Command:    s.cfg.Command,
		Args:       s.launchArgs(sc.Username, controlPort),
		Env:        s.launchEnv(sc, controlPort),
		WorkingDir: s.cfg.WorkingDir,
		KillWait:   s.cfg.KillTimeout,
		OnChunk: func(chunk []byte) {
			if detector.Observe(chunk) {
				s.markReady(r)
			}
		},
		OnStdout: func(line string) {
			s.logger.Debug("assistant output", "stream", "stdout", "line", line)
			s.publish(eventbus.TopicProcessOutput, eventbus.OutputLine{Line: line})
		},
		OnStderr: func(line string) {
			s.logger.Warn("assistant output", "stream", "stderr", "line", line)
		},
		OnExit: func(info driver.ProcessInfo) {
			s.handleExit(r, info)
		},
	})

	s.status = StateStarting
	s.listen = ListenStarting

	if err := r.drv.Start(ctx); err != nil {
		s.status = StateStopped
		s.listen = ListenInactive
		s.releasePort()
		s.publishStatus(StateStopped, ListenInactive)
		s.mu.Unlock()
		s.logger.Error("assistant launch failed", "command", s.cfg.Command, "error", err)
		return &LaunchError{Command: s.cfg.Command, Err: err}
	}

	r.startedAt = time.Now()
	s.cur = r
	info := r.drv.Info()
	s.publishStatus(StateStarting, ListenStarting)
	s.mu.Unlock()

	s.logger.Info("assistant started", "pid", info.PID, "control_port", controlPort, "generation", r.gen)
	s.recordProcess(info.PID, controlPort)

	timer := time.NewTimer(s.cfg.StartGrace)
	defer timer.Stop()
	select {
	case <-r.ready:
	case <-r.exited:
	case <-timer.C:
		s.logger.Info("assistant not ready after grace period, still starting", "grace", s.cfg.StartGrace)
	case <-ctx.Done():
	}
	return nil
}

func (s *Supervisor) resolvePort(requested int) (int, error) {
	if requested > 0 {
		if s.cfg.Ports != nil {
			if err := s.cfg.Ports.Reserve(portOwner, requested); err != nil {
				return 0, err
			}
		}
		return requested, nil
	}
	if s.cfg.Ports == nil {
		return 0, errors.New("no control port configured")
	}
	p, err := s.cfg.Ports.Allocate(portOwner)
	if err != nil {
		return 0, fmt.Errorf("allocating control port: %w", err)
	}
	return p, nil
}

func (s *Supervisor) releasePort() {
	if s.cfg.Ports != nil {
		s.cfg.Ports.Release(portOwner)
	}
}

func (s *Supervisor) launchArgs(username string, controlPort int) []string {
	args := slices.Clone(s.cfg.Args)
	return append(args, "--username", username, "--control-port", strconv.Itoa(controlPort))
}

// launchEnv builds the child environment. Later entries win, so the
// mandatory RON_* variables override anything inherited or configured.
func (s *Supervisor) launchEnv(sc StartConfig, controlPort int) []string {
	env := os.Environ()
	env = append(env,
		"PYTHONUNBUFFERED=1",
		"PYTHONUTF8=1",
		"PYTHONIOENCODING=utf-8",
	)
	keys := make([]string, 0, len(s.cfg.Env))
	for k := range s.cfg.Env {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		env = append(env, k+"="+s.cfg.Env[k])
	}

	if controlPort > 0 {
		env = append(env, "RON_CONTROL_PORT="+strconv.Itoa(controlPort))
	}
	if sc.APIBase != "" {
		env = append(env, "RON_API_URL="+sc.APIBase)
	}
	if sc.Token != "" {
		env = append(env, "RON_AUTH_TOKEN="+sc.Token)
	}
	return env
}

func (s *Supervisor) markReady(r *run) {
	r.readyOnce.Do(func() { close(r.ready) })

	s.mu.Lock()
	if s.cur != r || s.status != StateStarting {
		s.mu.Unlock()
		return
	}
	s.status = StateReady
	s.listen = ListenListening
	if s.cfg.HealthInterval > 0 {
		r.monitor = s.newMonitor(r)
		r.monitor.Start(context.Background())
	}
	s.publishStatus(StateReady, ListenListening)
	s.mu.Unlock()

	s.logger.Info("assistant ready", "generation", r.gen)
}

func (s *Supervisor) newMonitor(r *run) *health.Monitor {
	probe := func(ctx context.Context) error {
		listening, err := r.client.Status(ctx)
		if err != nil {
			return err
		}
		s.observeListen(r, listening)
		return nil
	}
	onUnhealthy := func() {
		s.setListen(r, ListenInactive)
	}
	return health.NewMonitor(health.Config{
		Interval:           s.cfg.HealthInterval,
		Timeout:            s.cfg.ControlTimeout,
		UnhealthyThreshold: s.cfg.HealthThreshold,
	}, probe, s.logger.With("check", "status"), onUnhealthy, nil)
}

// observeListen records a STATUS probe result for the current run.
func (s *Supervisor) observeListen(r *run, listening bool) {
	next := ListenPaused
	if listening {
		next = ListenListening
	}
	s.setListen(r, next)
}

func (s *Supervisor) setListen(r *run, next ListenState) {
	s.mu.Lock()
	if s.cur != r || s.status != StateReady || s.listen == next {
		s.mu.Unlock()
		return
	}
	s.listen = next
	s.publishStatus(StateReady, next)
	s.mu.Unlock()
}

// handleExit runs when the process exits for any reason. An exit during
// Stop is left to Stop; any other exit is unexpected and resets the handle.
func (s *Supervisor) handleExit(r *run, info driver.ProcessInfo) {
	close(r.exited)

	s.mu.Lock()
	if s.cur != r || s.status == StateStopping {
		s.mu.Unlock()
		return
	}
	s.cur = nil
	s.status = StateStopped
	s.listen = ListenInactive
	s.releasePort()
	mon := r.monitor
	s.publishStatus(StateStopped, ListenInactive)
	s.mu.Unlock()

	if mon != nil {
		mon.Stop()
	}
	s.forgetProcess()

	s.logger.Warn("assistant exited", "pid", info.PID, "exit_code", info.ExitCode, "error", info.Error, "generation", r.gen)
}

// Stop asks the assistant to shut down over the control socket and then
// terminates it regardless of the outcome. A failed graceful request is
// logged, never returned.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.status != StateStarting && s.status != StateReady {
		s.mu.Unlock()
		return ErrNotRunning
	}
	r := s.cur
	mon := r.monitor
	s.status = StateStopping
	s.publishStatus(StateStopping, ListenInactive)
	s.mu.Unlock()

	if mon != nil {
		mon.Stop()
	}

	gctx, cancel := context.WithTimeout(ctx, s.cfg.ControlTimeout)
	if _, err := r.client.Send(gctx, control.CmdStop); err != nil {
		s.logger.Warn("graceful stop failed, terminating", "error", err)
	}
	cancel()

	if err := r.drv.Stop(ctx, s.cfg.StopTimeout); err != nil {
		s.logger.Warn("terminating assistant", "error", err)
	}

	s.mu.Lock()
	if s.cur == r {
		s.cur = nil
		s.status = StateStopped
		s.listen = ListenInactive
		s.releasePort()
		s.publishStatus(StateStopped, ListenInactive)
	}
	s.mu.Unlock()

	s.forgetProcess()
	s.logger.Info("assistant stopped", "generation", r.gen)
	return nil
}

// Shutdown stops the assistant if it is running. Used on daemon exit.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	if err := s.Stop(ctx); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	return nil
}

// Status reports the assistant state. While ready it performs a live STATUS
// round-trip to tell listening from paused; if that fails the last known
// value is reported.
func (s *Supervisor) Status(ctx context.Context) Status {
	s.mu.Lock()
	r := s.cur
	ready := s.status == StateReady
	s.mu.Unlock()

	if ready && r != nil {
		listening, err := r.client.Status(ctx)
		if err != nil {
			s.logger.Debug("status probe failed, reporting last known state", "error", err)
		} else {
			s.observeListen(r, listening)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Snapshot returns the last known status without touching the socket.
func (s *Supervisor) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Supervisor) snapshotLocked() Status {
	st := Status{
		Lifecycle: s.status,
		Listen:    s.listen,
		IsRunning: s.status == StateStarting || s.status == StateReady,
	}
	switch s.status {
	case StateReady:
		st.State = string(s.listen)
	case StateStarting, StateStopping:
		st.State = string(s.status)
	default:
		st.State = string(ListenInactive)
	}
	if s.cur != nil {
		st.PID = s.cur.drv.Info().PID
		st.ControlPort = s.cur.port
		st.StartedAt = s.cur.startedAt
	}
	return st
}

// IsRunning reports whether a process is starting or ready.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == StateStarting || s.status == StateReady
}

// IsReady reports whether the control socket is accepting commands.
func (s *Supervisor) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == StateReady
}

// readyRun returns the current run if the control socket is usable.
func (s *Supervisor) readyRun() (*run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StateReady || s.cur == nil {
		return nil, ErrNotRunning
	}
	return s.cur, nil
}

// ToggleListening pauses a listening assistant or resumes a paused one and
// returns the new listen state.
func (s *Supervisor) ToggleListening(ctx context.Context) (ListenState, error) {
	r, err := s.readyRun()
	if err != nil {
		return ListenInactive, err
	}

	s.mu.Lock()
	listen := s.listen != ListenListening
	s.mu.Unlock()

	if err := r.client.SetListening(ctx, listen); err != nil {
		return ListenInactive, fmt.Errorf("toggling listening: %w", err)
	}

	next := ListenPaused
	if listen {
		next = ListenListening
	}
	s.setListen(r, next)
	return next, nil
}

// StartRecording begins a manual recording.
func (s *Supervisor) StartRecording(ctx context.Context) error {
	r, err := s.readyRun()
	if err != nil {
		return err
	}
	return r.client.StartRecording(ctx)
}

// StopRecording ends a manual recording.
func (s *Supervisor) StopRecording(ctx context.Context) error {
	r, err := s.readyRun()
	if err != nil {
		return err
	}
	return r.client.StopRecording(ctx)
}

// Exec forwards a directive batch to the running assistant.
func (s *Supervisor) Exec(ctx context.Context, ds []directive.Directive) (string, error) {
	r, err := s.readyRun()
	if err != nil {
		return "", err
	}
	return r.client.Exec(ctx, ds)
}

// Chat sends free text over the control socket. Only used when no remote
// API is reachable.
func (s *Supervisor) Chat(ctx context.Context, text string) (string, error) {
	r, err := s.readyRun()
	if err != nil {
		return "", err
	}
	return r.client.Chat(ctx, text)
}

// LogLines returns recent assistant output.
func (s *Supervisor) LogLines(n int) []string {
	s.mu.Lock()
	r := s.cur
	s.mu.Unlock()
	if r == nil {
		return nil
	}
	return r.drv.LogLines(n)
}

func (s *Supervisor) recordProcess(pid, controlPort int) {
	rec := ProcessRecord{
		PID:         pid,
		Command:     s.cfg.Command,
		ControlPort: controlPort,
		StartedAt:   time.Now().Unix(),
	}
	if st, err := driver.ProcessStartTime(pid); err == nil {
		rec.StartTime = st
	}
	if err := s.state.save(rec); err != nil {
		s.logger.Warn("failed to persist assistant state", "error", err)
	}
}

func (s *Supervisor) forgetProcess() {
	if err := s.state.clear(); err != nil {
		s.logger.Warn("failed to clear assistant state", "error", err)
	}
}

// RecoverOrphan reaps an assistant left running by a previous daemon that
// died without stopping it. The recorded PID is only signalled if its
// command and start time still match, so a recycled PID is left alone.
// Reports whether a process was reaped.
func (s *Supervisor) RecoverOrphan() (bool, error) {
	rec, err := s.state.load()
	if err != nil {
		s.forgetProcess()
		return false, err
	}
	if rec == nil {
		return false, nil
	}
	defer s.forgetProcess()

	if !driver.Alive(rec.PID) {
		return false, nil
	}
	if !driver.VerifyProcess(rec.PID, rec.Command, rec.StartTime) {
		s.logger.Info("recorded pid belongs to another process, skipping", "pid", rec.PID)
		return false, nil
	}

	s.logger.Warn("reaping orphaned assistant", "pid", rec.PID, "control_port", rec.ControlPort)
	if !driver.Reap(rec.PID, s.cfg.StopTimeout) {
		return false, fmt.Errorf("orphaned assistant %d survived SIGKILL", rec.PID)
	}
	return true, nil
}

// publishStatus is called with s.mu held so status events leave in the order
// the transitions happened.
func (s *Supervisor) publishStatus(state State, listen ListenState) {
	s.publish(eventbus.TopicProcessStatus, eventbus.StatusChange{State: string(state), Listen: string(listen)})
}

func (s *Supervisor) publish(topic eventbus.Topic, payload any) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}
