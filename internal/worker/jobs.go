package worker

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"
	"unicode"
)

// Job is the body of a task kind. It runs inside the worker process and
// returns the result summary.
type Job func(ctx context.Context, params map[string]any, rep *Reporter) (string, error)

var jobs = map[string]Job{
	"analyze_file":   AnalyzeFile,
	"reminder_timer": ReminderTimer,
}

// Kinds lists the task kinds this build can run.
func Kinds() []string {
	out := make([]string, 0, len(jobs))
	for k := range jobs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Run executes the job for kind and writes the outcome report. The returned
// error makes the worker exit non-zero.
func Run(ctx context.Context, kind string, params map[string]any, w io.Writer) error {
	rep := NewReporter(w)

	job, ok := jobs[kind]
	if !ok {
		err := fmt.Errorf("unknown task kind %q", kind)
		_ = rep.Fail(err.Error())
		return err
	}

	summary, err := job(ctx, params, rep)
	if err != nil {
		_ = rep.Fail(err.Error())
		return err
	}
	return rep.Result(summary)
}

const analyzeChunk = 64 * 1024

// AnalyzeFile reports size, line and word counts, and the SHA-256 of
// params.path.
func AnalyzeFile(ctx context.Context, params map[string]any, rep *Reporter) (string, error) {
	path, _ := params["path"].(string)
	if path == "" {
		return "", errors.New("analyze_file: missing path")
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("analyze_file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("analyze_file: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("analyze_file: %s is a directory", path)
	}
	size := info.Size()

	h := sha256.New()
	r := bufio.NewReaderSize(io.TeeReader(f, h), analyzeChunk)

	var read, lines, words int64
	inWord := false
	next := int64(analyzeChunk)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		ch, n, err := r.ReadRune()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("analyze_file: %w", err)
		}
		read += int64(n)
		if ch == '\n' {
			lines++
		}
		if unicode.IsSpace(ch) {
			inWord = false
		} else if !inWord {
			inWord = true
			words++
		}

		if read >= next && size > 0 {
			next += analyzeChunk
			_ = rep.Progress(int(min(read*100/size, 99)), "")
		}
	}

	return fmt.Sprintf("%s: %d bytes, %d lines, %d words, sha256 %s",
		path, read, lines, words, hex.EncodeToString(h.Sum(nil))), nil
}

// ReminderTimer waits params.seconds, ticking progress, then returns
// params.message.
func ReminderTimer(ctx context.Context, params map[string]any, rep *Reporter) (string, error) {
	seconds, _ := params["seconds"].(float64)
	if seconds <= 0 {
		return "", errors.New("reminder_timer: seconds must be positive")
	}
	msg, _ := params["message"].(string)
	if msg == "" {
		msg = "Reminder"
	}

	total := time.Duration(seconds * float64(time.Second))
	tick := min(time.Second, total/10)
	if tick <= 0 {
		tick = total
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	start := time.Now()
	deadline := time.NewTimer(total)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return msg, nil
		case <-ticker.C:
			pct := int(time.Since(start) * 100 / total)
			_ = rep.Progress(min(pct, 99), "")
		}
	}
}
