package supervisor

import (
	"context"
	"errors"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rontubot/rondesk/internal/directive"
	"github.com/rontubot/rondesk/internal/driver"
	"github.com/rontubot/rondesk/internal/eventbus"
	"github.com/rontubot/rondesk/internal/port"
)

const marker = "Control server listening"

// fakeControl stands in for the assistant's control listener. reply maps a
// command to its answer; unknown commands get "OK". A silent control hangs
// up without answering.
type fakeControl struct {
	ln     net.Listener
	mu     sync.Mutex
	reply  map[string]string
	seen   []string
	silent bool
}

func startControl(t *testing.T, reply map[string]string) *fakeControl {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeControl{ln: ln, reply: reply}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				buf := make([]byte, 4096)
				n, _ := conn.Read(buf)
				cmd := string(buf[:n])
				f.mu.Lock()
				f.seen = append(f.seen, cmd)
				r, ok := f.reply[cmd]
				silent := f.silent
				f.mu.Unlock()
				if silent {
					return
				}
				if !ok {
					r = "OK"
				}
				conn.Write([]byte(r))
			}(conn)
		}
	}()
	return f
}

func (f *fakeControl) port() int { return f.ln.Addr().(*net.TCPAddr).Port }

func (f *fakeControl) set(cmd, reply string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reply[cmd] = reply
}

func (f *fakeControl) setSilent(silent bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.silent = silent
}

func (f *fakeControl) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.seen...)
}

// testConfig runs script under sh in place of the real launcher.
func testConfig(script string) Config {
	return Config{
		Command:        "sh",
		Args:           []string{"-c", script},
		ReadyMarker:    marker,
		StartGrace:     2 * time.Second,
		StopTimeout:    2 * time.Second,
		ControlTimeout: 500 * time.Millisecond,
	}
}

// longRunning prints the readiness marker and stays up until signalled.
const longRunning = `echo booting; echo "[ron] ` + marker + ` on $RON_CONTROL_PORT"; exec sleep 60`

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestStartReachesReadyAndRefusesSecondStart(t *testing.T) {
	ctl := startControl(t, map[string]string{"STATUS": "ACTIVE"})
	s := New(testConfig(longRunning), nil)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx, StartConfig{Username: "ana", ControlPort: ctl.port()}))
	t.Cleanup(func() { s.Shutdown(context.Background()) })

	waitFor(t, func() bool { return s.Snapshot().Lifecycle == StateReady })
	pid := s.Snapshot().PID

	err := s.Start(ctx, StartConfig{Username: "ana", ControlPort: ctl.port()})
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Equal(t, pid, s.Snapshot().PID, "second start must not spawn another process")
}

func TestStatusReportsListeningFromLiveProbe(t *testing.T) {
	ctl := startControl(t, map[string]string{"STATUS": "ACTIVE"})
	s := New(testConfig(longRunning), nil)

	require.NoError(t, s.Start(context.Background(), StartConfig{Username: "ana", ControlPort: ctl.port()}))
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	waitFor(t, func() bool { return s.Snapshot().Lifecycle == StateReady })

	st := s.Status(context.Background())
	assert.Equal(t, "listening", st.State)
	assert.True(t, st.IsRunning)

	ctl.set("STATUS", "PAUSED")
	st = s.Status(context.Background())
	assert.Equal(t, "paused", st.State)
	assert.True(t, st.IsRunning)
}

func TestStatusKeepsLastKnownWhenSocketFails(t *testing.T) {
	ctl := startControl(t, map[string]string{"STATUS": "ACTIVE"})
	s := New(testConfig(longRunning), nil)

	require.NoError(t, s.Start(context.Background(), StartConfig{Username: "ana", ControlPort: ctl.port()}))
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	waitFor(t, func() bool { return s.Snapshot().Lifecycle == StateReady })

	ctl.ln.Close()
	st := s.Status(context.Background())
	assert.Equal(t, "listening", st.State)
	assert.True(t, st.IsRunning)
}

func TestStopSendsStopThenTerminates(t *testing.T) {
	ctl := startControl(t, map[string]string{})
	bus := eventbus.New()
	events, unsubscribe := bus.Subscribe(eventbus.TopicProcessStatus)
	defer unsubscribe()

	s := New(testConfig(longRunning), bus)
	require.NoError(t, s.Start(context.Background(), StartConfig{Username: "ana", ControlPort: ctl.port()}))
	waitFor(t, func() bool { return s.Snapshot().Lifecycle == StateReady })

	require.NoError(t, s.Stop(context.Background()))
	assert.False(t, s.IsRunning())
	assert.Contains(t, ctl.commands(), "STOP")
	assert.Equal(t, "inactive", s.Snapshot().State)

	var states []string
	for len(events) > 0 {
		ev := <-events
		states = append(states, ev.Payload.(eventbus.StatusChange).State)
	}
	assert.Equal(t, []string{"starting", "ready", "stopping", "stopped"}, states)

	assert.ErrorIs(t, s.Stop(context.Background()), ErrNotRunning)
}

func TestStopSucceedsWhenGracefulRequestFails(t *testing.T) {
	// Nothing listens on the control port, so STOP cannot be delivered.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadPort := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	s := New(testConfig(longRunning), nil)
	require.NoError(t, s.Start(context.Background(), StartConfig{Username: "ana", ControlPort: deadPort}))
	waitFor(t, func() bool { return s.Snapshot().Lifecycle == StateReady })
	pid := s.Snapshot().PID

	require.NoError(t, s.Stop(context.Background()))
	assert.False(t, s.IsRunning())
	waitFor(t, func() bool { return !driver.Alive(pid) })
}

func TestUnexpectedExitTransitionsToStopped(t *testing.T) {
	bus := eventbus.New()
	events, unsubscribe := bus.Subscribe(eventbus.TopicProcessStatus)
	defer unsubscribe()

	s := New(testConfig(`echo "`+marker+`"; sleep 0.2; exit 3`), bus)
	require.NoError(t, s.Start(context.Background(), StartConfig{Username: "ana", ControlPort: 45999}))

	waitFor(t, func() bool { return !s.IsRunning() })
	assert.Equal(t, StateStopped, s.Snapshot().Lifecycle)
	assert.Zero(t, s.Snapshot().PID)

	var last string
	for len(events) > 0 {
		last = (<-events).Payload.(eventbus.StatusChange).State
	}
	assert.Equal(t, "stopped", last)

	// The handle was reset, so a fresh start is allowed.
	ctl := startControl(t, map[string]string{})
	require.NoError(t, s.Start(context.Background(), StartConfig{Username: "ana", ControlPort: ctl.port()}))
	s.Shutdown(context.Background())
}

func TestLaunchErrorIsTyped(t *testing.T) {
	cfg := testConfig("")
	cfg.Command = "/nonexistent/ron-launcher"
	s := New(cfg, nil)

	err := s.Start(context.Background(), StartConfig{Username: "ana", ControlPort: 45998})
	var le *LaunchError
	require.True(t, errors.As(err, &le), "expected *LaunchError, got %v", err)
	assert.Equal(t, "/nonexistent/ron-launcher", le.Command)
	assert.False(t, s.IsRunning())
}

func TestLaunchArgsAndEnvironment(t *testing.T) {
	ctl := startControl(t, map[string]string{})
	script := `echo "args=$*"; echo "port=$RON_CONTROL_PORT api=$RON_API_URL token=$RON_AUTH_TOKEN py=$PYTHONUNBUFFERED extra=$RON_MODE"; echo "` + marker + `"; exec sleep 60`
	cfg := testConfig(script)
	cfg.Env = map[string]string{"RON_MODE": "desktop"}
	s := New(cfg, nil)

	require.NoError(t, s.Start(context.Background(), StartConfig{
		Username:    "ana",
		ControlPort: ctl.port(),
		APIBase:     "http://127.0.0.1:8000",
		Token:       "tok",
	}))
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	waitFor(t, func() bool { return s.Snapshot().Lifecycle == StateReady })

	out := strings.Join(s.LogLines(10), "\n")
	// sh -c consumes the first trailing argument as $0.
	assert.Contains(t, out, "args=ana --control-port")
	assert.Contains(t, out, "api=http://127.0.0.1:8000 token=tok py=1 extra=desktop")
	assert.Contains(t, out, "port="+strconv.Itoa(ctl.port()))
}

func TestTokenOmittedWhenAbsent(t *testing.T) {
	ctl := startControl(t, map[string]string{})
	script := `echo "token=${RON_AUTH_TOKEN:-unset}"; echo "` + marker + `"; exec sleep 60`
	s := New(testConfig(script), nil)

	t.Setenv("RON_AUTH_TOKEN", "")
	require.NoError(t, s.Start(context.Background(), StartConfig{Username: "ana", ControlPort: ctl.port()}))
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	waitFor(t, func() bool { return s.Snapshot().Lifecycle == StateReady })

	assert.Contains(t, strings.Join(s.LogLines(10), "\n"), "token=unset")
}

func TestMarkerSplitAcrossWritesStillReady(t *testing.T) {
	ctl := startControl(t, map[string]string{})
	script := `printf "Control ser"; sleep 0.1; printf "ver listening\n"; exec sleep 60`
	s := New(testConfig(script), nil)

	require.NoError(t, s.Start(context.Background(), StartConfig{Username: "ana", ControlPort: ctl.port()}))
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	waitFor(t, func() bool { return s.Snapshot().Lifecycle == StateReady })
}

func TestToggleListeningAndRecording(t *testing.T) {
	ctl := startControl(t, map[string]string{
		"START_MANUAL_RECORDING": "RECORDING_STARTED",
		"STOP_MANUAL_RECORDING":  "NOPE",
	})
	s := New(testConfig(longRunning), nil)
	ctx := context.Background()

	_, err := s.ToggleListening(ctx)
	assert.ErrorIs(t, err, ErrNotRunning)

	require.NoError(t, s.Start(ctx, StartConfig{Username: "ana", ControlPort: ctl.port()}))
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	waitFor(t, func() bool { return s.Snapshot().Lifecycle == StateReady })

	next, err := s.ToggleListening(ctx)
	require.NoError(t, err)
	assert.Equal(t, ListenPaused, next)

	next, err = s.ToggleListening(ctx)
	require.NoError(t, err)
	assert.Equal(t, ListenListening, next)
	assert.Equal(t, []string{"PAUSE", "RESUME"}, ctl.commands())

	assert.NoError(t, s.StartRecording(ctx))
	assert.Error(t, s.StopRecording(ctx))
}

func TestStartingAssistantIsNotReady(t *testing.T) {
	ctl := startControl(t, map[string]string{})
	cfg := testConfig("echo still fetching resources; exec sleep 60")
	cfg.StartGrace = 100 * time.Millisecond
	s := New(cfg, nil)

	require.NoError(t, s.Start(context.Background(), StartConfig{Username: "ana", ControlPort: ctl.port()}))
	t.Cleanup(func() { s.Shutdown(context.Background()) })

	assert.Equal(t, StateStarting, s.Snapshot().Lifecycle)
	assert.True(t, s.IsRunning())
	assert.False(t, s.IsReady())
	_, err := s.Exec(context.Background(), []directive.Directive{{Action: "open_app"}})
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.Empty(t, ctl.commands(), "nothing is sent before readiness")
}

func TestHealthMonitorDropsListeningAndRecovers(t *testing.T) {
	ctl := startControl(t, map[string]string{"STATUS": "ACTIVE"})
	bus := eventbus.New()
	defer bus.Close()
	events, unsubscribe := bus.Subscribe(eventbus.TopicProcessStatus)
	defer unsubscribe()

	cfg := testConfig(longRunning)
	cfg.HealthInterval = 30 * time.Millisecond
	cfg.HealthThreshold = 2
	cfg.ControlTimeout = 200 * time.Millisecond
	s := New(cfg, bus)

	require.NoError(t, s.Start(context.Background(), StartConfig{Username: "ana", ControlPort: ctl.port()}))
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	waitFor(t, func() bool { return s.IsReady() })

	ctl.setSilent(true)
	waitFor(t, func() bool { return s.Snapshot().Listen == ListenInactive })
	assert.Equal(t, StateReady, s.Snapshot().Lifecycle, "an unresponsive socket does not end the process")
	assert.True(t, s.IsRunning())

	ctl.setSilent(false)
	waitFor(t, func() bool { return s.Snapshot().Listen == ListenListening })

	var changes []eventbus.StatusChange
	for len(events) > 0 {
		changes = append(changes, (<-events).Payload.(eventbus.StatusChange))
	}
	assert.Equal(t, []eventbus.StatusChange{
		{State: "starting", Listen: "starting"},
		{State: "ready", Listen: "listening"},
		{State: "ready", Listen: "inactive"},
		{State: "ready", Listen: "listening"},
	}, changes)
}

func TestProcessOutputDeliveredInOrder(t *testing.T) {
	ctl := startControl(t, map[string]string{})
	bus := eventbus.New()
	defer bus.Close()
	events, unsubscribe := bus.Subscribe(eventbus.TopicProcessOutput)
	defer unsubscribe()

	script := `for i in 1 2 3 4 5 6 7 8; do echo "line $i"; done; echo "` + marker + `"; exec sleep 60`
	s := New(testConfig(script), bus)
	require.NoError(t, s.Start(context.Background(), StartConfig{Username: "ana", ControlPort: ctl.port()}))
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	waitFor(t, func() bool { return s.IsReady() })
	waitFor(t, func() bool { return len(events) >= 9 })

	var lines []string
	for len(events) > 0 {
		lines = append(lines, (<-events).Payload.(eventbus.OutputLine).Line)
	}
	assert.Equal(t, []string{
		"line 1", "line 2", "line 3", "line 4",
		"line 5", "line 6", "line 7", "line 8", marker,
	}, lines)
}

func TestExecRequiresRunningAssistant(t *testing.T) {
	s := New(testConfig(longRunning), nil)
	_, err := s.Exec(context.Background(), []directive.Directive{{Action: "open_app"}})
	assert.ErrorIs(t, err, ErrNotRunning)
	_, err = s.Chat(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestAllocatesControlPortWhenZero(t *testing.T) {
	cfg := testConfig(longRunning)
	cfg.Ports = port.NewAllocator(20000, 32000)
	s := New(cfg, nil)

	require.NoError(t, s.Start(context.Background(), StartConfig{Username: "ana"}))
	p := s.Snapshot().ControlPort
	assert.GreaterOrEqual(t, p, 20000)
	assert.Equal(t, p, cfg.Ports.Port("assistant"))

	s.Shutdown(context.Background())
	assert.Zero(t, cfg.Ports.Port("assistant"), "port released on stop")
}

func TestStartRequiresUsername(t *testing.T) {
	s := New(testConfig(longRunning), nil)
	assert.Error(t, s.Start(context.Background(), StartConfig{ControlPort: 45997}))
	assert.False(t, s.IsRunning())
}

func TestStateFileWrittenAndCleared(t *testing.T) {
	dir := t.TempDir()
	ctl := startControl(t, map[string]string{})
	cfg := testConfig(longRunning)
	cfg.StateDir = dir
	s := New(cfg, nil)

	require.NoError(t, s.Start(context.Background(), StartConfig{Username: "ana", ControlPort: ctl.port()}))
	rec, err := s.state.load()
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, s.Snapshot().PID, rec.PID)
	assert.Equal(t, ctl.port(), rec.ControlPort)

	require.NoError(t, s.Stop(context.Background()))
	rec, err = s.state.load()
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRecoverOrphanReapsMatchingProcess(t *testing.T) {
	dir := t.TempDir()
	orphan := exec.Command("sleep", "60")
	require.NoError(t, orphan.Start())
	go orphan.Wait()
	pid := orphan.Process.Pid

	st, err := driver.ProcessStartTime(pid)
	require.NoError(t, err)

	sf := newStateFile(dir)
	require.NoError(t, sf.save(ProcessRecord{PID: pid, Command: "sleep", StartTime: st}))

	cfg := testConfig("")
	cfg.StateDir = dir
	s := New(cfg, nil)

	reaped, err := s.RecoverOrphan()
	require.NoError(t, err)
	assert.True(t, reaped)
	waitFor(t, func() bool { return !driver.Alive(pid) })

	rec, _ := sf.load()
	assert.Nil(t, rec, "state file cleared after recovery")
}

func TestRecoverOrphanSkipsReusedPID(t *testing.T) {
	dir := t.TempDir()
	other := exec.Command("sleep", "60")
	require.NoError(t, other.Start())
	t.Cleanup(func() { other.Process.Kill(); other.Wait() })

	sf := newStateFile(dir)
	// Same PID, different start time: the PID was recycled.
	require.NoError(t, sf.save(ProcessRecord{PID: other.Process.Pid, Command: "sleep", StartTime: 1}))

	cfg := testConfig("")
	cfg.StateDir = dir
	s := New(cfg, nil)

	reaped, err := s.RecoverOrphan()
	require.NoError(t, err)
	assert.False(t, reaped)
	assert.True(t, driver.Alive(other.Process.Pid))
}
