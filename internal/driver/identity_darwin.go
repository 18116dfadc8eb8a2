//go:build darwin

package driver

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// processName returns the executable name for a given PID using sysctl.
func processName(pid int) (string, error) {
	kp, err := unix.SysctlKinfoProc("kern.proc.pid", pid)
	if err != nil {
		return "", fmt.Errorf("sysctl kern.proc.pid.%d: %w", pid, err)
	}

	// P_comm is a null-terminated [17]byte
	name := unix.ByteSliceToString(kp.Proc.P_comm[:])
	if name == "" {
		return "", fmt.Errorf("empty process name for pid %d", pid)
	}
	return name, nil
}

// processStartTime returns the process start time in Unix epoch seconds.
func processStartTime(pid int) (int64, error) {
	kp, err := unix.SysctlKinfoProc("kern.proc.pid", pid)
	if err != nil {
		return 0, fmt.Errorf("sysctl kern.proc.pid.%d: %w", pid, err)
	}
	if kp.Proc.P_pid != int32(pid) {
		return 0, fmt.Errorf("no such process %d", pid)
	}
	return int64(kp.Proc.P_starttime.Sec), nil
}
