package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/rontubot/rondesk/internal/logbuf"
)

// killWait bounds how long Stop waits for the exit after SIGKILL.
const killWait = 5 * time.Second

// NativeDriver manages a native (fork/exec) process.
type NativeDriver struct {
	cfg NativeConfig

	mu        sync.Mutex
	cmd       *exec.Cmd
	state     State
	startedAt time.Time
	exitCode  int
	exitErr   string
	stdout    *logbuf.Ring
	stderr    *logbuf.Ring
	done      chan struct{}
}

// NativeConfig holds configuration for a native process.
type NativeConfig struct {
	Command    string
	Args       []string
	Env        []string // full environment; nil inherits the parent's
	WorkingDir string
	BufSize    int           // log ring buffer size (lines), 0 for default
	KillWait   time.Duration // wait for exit after SIGKILL, 0 for default

	// OnChunk sees every raw stdout chunk before line splitting.
	OnChunk func([]byte)
	// OnStdout and OnStderr see each completed output line, in order.
	OnStdout func(string)
	OnStderr func(string)
	// OnExit runs once after the process has exited and output is flushed.
	OnExit func(ProcessInfo)
}

// NewNative creates a new native process driver.
func NewNative(cfg NativeConfig) *NativeDriver {
	bufSize := cfg.BufSize
	if bufSize <= 0 {
		bufSize = 1000
	}

	d := &NativeDriver{
		cfg:    cfg,
		state:  StateStopped,
		stdout: logbuf.New(bufSize),
		stderr: logbuf.New(bufSize),
	}
	if cfg.OnStdout != nil {
		d.stdout.OnLine(cfg.OnStdout)
	}
	if cfg.OnStderr != nil {
		d.stderr.OnLine(cfg.OnStderr)
	}
	return d
}

// chunkWriter hands raw chunks to an observer before buffering them.
type chunkWriter struct {
	observe func([]byte)
	next    io.Writer
}

func (w chunkWriter) Write(p []byte) (int, error) {
	if w.observe != nil {
		w.observe(p)
	}
	return w.next.Write(p)
}

// Start spawns the process. The context is only consulted before spawning;
// the process lifetime is governed by Stop, not by ctx.
func (d *NativeDriver) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == StateRunning || d.state == StateStarting || d.state == StateStopping {
		return fmt.Errorf("process already running")
	}

	d.cmd = exec.Command(d.cfg.Command, d.cfg.Args...)
	d.cmd.Env = d.cfg.Env
	if d.cfg.WorkingDir != "" {
		d.cmd.Dir = d.cfg.WorkingDir
	}

	d.cmd.Stdout = chunkWriter{observe: d.cfg.OnChunk, next: d.stdout}
	d.cmd.Stderr = d.stderr

	// Set process group so we can kill the whole tree
	d.cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	d.state = StateStarting

	if err := d.cmd.Start(); err != nil {
		d.state = StateFailed
		d.exitErr = err.Error()
		return fmt.Errorf("starting process: %w", err)
	}

	d.state = StateRunning
	d.startedAt = time.Now()
	d.exitCode = 0
	d.exitErr = ""
	d.done = make(chan struct{})
	done := d.done

	go d.wait(done)

	return nil
}

func (d *NativeDriver) wait(done chan struct{}) {
	err := d.cmd.Wait()
	d.stdout.Flush()
	d.stderr.Flush()

	d.mu.Lock()
	if d.state == StateStopping {
		// Expected shutdown
		d.state = StateStopped
	} else {
		d.state = StateFailed
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			d.exitCode = exitErr.ExitCode()
		} else {
			d.exitCode = -1
		}
		d.exitErr = err.Error()
	} else {
		d.exitCode = 0
	}
	info := d.infoLocked()
	d.mu.Unlock()

	close(done)

	if d.cfg.OnExit != nil {
		d.cfg.OnExit(info)
	}
}

func (d *NativeDriver) Stop(ctx context.Context, timeout time.Duration) error {
	d.mu.Lock()

	if d.state != StateRunning {
		d.mu.Unlock()
		return nil
	}

	d.state = StateStopping
	pid := d.cmd.Process.Pid
	done := d.done
	d.mu.Unlock()

	// Send SIGTERM to the process group
	_ = unix.Kill(-pid, unix.SIGTERM)

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return d.kill(pid, done, nil)
	case <-ctx.Done():
		return d.kill(pid, done, ctx.Err())
	}
}

func (d *NativeDriver) kill(pid int, done chan struct{}, cause error) error {
	wait := d.cfg.KillWait
	if wait <= 0 {
		wait = killWait
	}
	_ = unix.Kill(-pid, unix.SIGKILL)
	select {
	case <-done:
	case <-time.After(wait):
		return fmt.Errorf("process %d did not exit after SIGKILL", pid)
	}
	return cause
}

func (d *NativeDriver) Info() ProcessInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.infoLocked()
}

func (d *NativeDriver) infoLocked() ProcessInfo {
	info := ProcessInfo{
		State:     d.state,
		StartedAt: d.startedAt,
		ExitCode:  d.exitCode,
		Error:     d.exitErr,
	}
	if d.cmd != nil && d.cmd.Process != nil {
		info.PID = d.cmd.Process.Pid
	}
	return info
}

func (d *NativeDriver) Wait() (int, error) {
	d.mu.Lock()
	done := d.done
	d.mu.Unlock()

	if done == nil {
		return -1, fmt.Errorf("process not started")
	}
	<-done

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exitCode, nil
}

func (d *NativeDriver) LogLines(n int) []string {
	return d.stdout.Last(n)
}

// StderrLines returns the last n lines of standard error.
func (d *NativeDriver) StderrLines(n int) []string {
	return d.stderr.Last(n)
}
