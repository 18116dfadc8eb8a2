//go:build !darwin

package driver

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// processName returns the executable name for a given PID by reading /proc.
func processName(pid int) (string, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		return "", fmt.Errorf("read /proc/%d/comm: %w", pid, err)
	}
	name := strings.TrimSpace(string(data))
	if name == "" {
		return "", fmt.Errorf("empty process name for pid %d", pid)
	}
	return name, nil
}

// processStartTime returns the process start time in clock ticks since boot
// (field 22 of /proc/<pid>/stat).
func processStartTime(pid int) (int64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, fmt.Errorf("read /proc/%d/stat: %w", pid, err)
	}

	// comm (field 2) is parenthesised and may contain spaces.
	s := string(data)
	closeIdx := strings.LastIndex(s, ")")
	if closeIdx < 0 || closeIdx+2 > len(s) {
		return 0, fmt.Errorf("malformed /proc/%d/stat: no closing paren", pid)
	}
	rest := strings.Fields(s[closeIdx+2:])
	// rest[0] is field 3, so starttime lives at index 19
	const starttimeIdx = 19
	if len(rest) <= starttimeIdx {
		return 0, fmt.Errorf("malformed /proc/%d/stat: too few fields", pid)
	}
	starttime, err := strconv.ParseInt(rest[starttimeIdx], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse starttime for pid %d: %w", pid, err)
	}
	return starttime, nil
}
