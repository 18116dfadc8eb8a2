package logbuf

import (
	"bytes"
	"strings"
	"sync"
)

// Ring is a thread-safe ring buffer that stores the last N lines of output.
// It implements io.Writer so it can be used as stdout/stderr for a process.
// When a line hook is set, every completed line is also handed to it, in the
// order it was written.
type Ring struct {
	mu    sync.Mutex
	lines []string
	size  int
	pos   int
	full  bool
	// partial holds an incomplete line (no trailing newline yet)
	partial bytes.Buffer
	onLine  func(string)
}

// New creates a ring buffer that stores the last n lines.
func New(n int) *Ring {
	if n <= 0 {
		n = 1
	}
	return &Ring{
		lines: make([]string, n),
		size:  n,
	}
}

// OnLine sets a hook called with each completed line. The hook runs with the
// ring's lock held, which is what keeps delivery ordered; it must not write
// back into the ring.
func (r *Ring) OnLine(fn func(string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onLine = fn
}

// Write implements io.Writer. Splits input on newlines and stores each line.
func (r *Ring) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.partial.Write(p)

	for {
		line, err := r.partial.ReadString('\n')
		if err != nil {
			// No complete line left, keep the partial
			r.partial.Reset()
			r.partial.WriteString(line)
			break
		}
		r.addLine(strings.TrimRight(line, "\r\n"))
	}

	return len(p), nil
}

// Flush emits any trailing partial line, e.g. after the process exited
// without a final newline.
func (r *Ring) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.partial.Len() == 0 {
		return
	}
	line := r.partial.String()
	r.partial.Reset()
	r.addLine(strings.TrimRight(line, "\r"))
}

func (r *Ring) addLine(line string) {
	r.lines[r.pos] = line
	r.pos = (r.pos + 1) % r.size
	if r.pos == 0 {
		r.full = true
	}
	if r.onLine != nil {
		r.onLine(line)
	}
}

// Lines returns all stored lines in order, oldest first.
func (r *Ring) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		result := make([]string, r.pos)
		copy(result, r.lines[:r.pos])
		return result
	}

	result := make([]string, r.size)
	copy(result, r.lines[r.pos:])
	copy(result[r.size-r.pos:], r.lines[:r.pos])
	return result
}

// Last returns the last n lines. If fewer lines exist, returns all of them.
func (r *Ring) Last(n int) []string {
	all := r.Lines()
	if n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}
