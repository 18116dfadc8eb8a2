package driver

import (
	"errors"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// VerifyProcess checks whether the process at the given PID matches the expected
// command name and start time. This guards against PID reuse: if the OS recycled
// the PID for a different process, the command or start time won't match and
// the orphan must be left alone.
//
// expectedStartTime of 0 skips the start-time check. Returns true if all
// non-zero checks pass, or if both expectedCommand and expectedStartTime are
// zero (best effort).
func VerifyProcess(pid int, expectedCommand string, expectedStartTime int64) bool {
	if expectedCommand == "" && expectedStartTime == 0 {
		return true
	}

	if expectedStartTime != 0 {
		actual, err := processStartTime(pid)
		if err != nil || actual != expectedStartTime {
			return false
		}
	}

	if expectedCommand == "" {
		return true
	}

	actual, err := processName(pid)
	if err != nil {
		return false
	}

	// "python3 -u main.py" → "python3", "/usr/bin/python3" → "python3"
	parts := strings.Fields(expectedCommand)
	if len(parts) == 0 {
		return true
	}
	return actual == filepath.Base(parts[0])
}

// ProcessStartTime returns the OS-reported start time for a process. The value
// is platform-specific (Unix epoch seconds on Darwin, clock ticks since boot on
// Linux) but is stable for the lifetime of the process.
func ProcessStartTime(pid int) (int64, error) {
	return processStartTime(pid)
}

// Alive reports whether a process with the given PID exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Reap terminates a process group we are not the parent of, typically an
// assistant left behind by a crashed daemon. It sends SIGTERM, polls for
// death, and falls back to SIGKILL after timeout. Reports whether the process
// is gone.
func Reap(pid int, timeout time.Duration) bool {
	if !Alive(pid) {
		return true
	}

	if err := unix.Kill(-pid, unix.SIGTERM); err != nil {
		_ = unix.Kill(pid, unix.SIGTERM)
	}

	deadline := time.After(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !Alive(pid) {
				return true
			}
		case <-deadline:
			if err := unix.Kill(-pid, unix.SIGKILL); err != nil {
				_ = unix.Kill(pid, unix.SIGKILL)
			}
			time.Sleep(100 * time.Millisecond)
			return !Alive(pid)
		}
	}
}
