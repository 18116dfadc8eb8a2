package supervisor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rontubot/rondesk/internal/control"
	"github.com/rontubot/rondesk/internal/directive"
	"github.com/rontubot/rondesk/internal/driver"
)

// RunOneshot executes a directive batch with a disposable assistant process
// when no supervised one is running. The process is launched like the
// supervised assistant, with the one-shot args and "--exec <json>" in place
// of the control port, and its standard output is the result.
func (s *Supervisor) RunOneshot(ctx context.Context, sc StartConfig, ds []directive.Directive) (string, error) {
	payload, err := control.ExecPayload(ds)
	if err != nil {
		return "", err
	}

	args := slices.Clone(s.cfg.Args)
	args = append(args, s.cfg.OneshotArgs...)
	if sc.Username != "" {
		args = append(args, "--username", sc.Username)
	}
	args = append(args, "--exec", payload)

	d := driver.NewNative(driver.NativeConfig{
		Command:    s.cfg.Command,
		Args:       args,
		Env:        s.launchEnv(sc, 0),
		WorkingDir: s.cfg.WorkingDir,
		KillWait:   s.cfg.KillTimeout,
		BufSize:    200,
		OnStderr: func(line string) {
			s.logger.Warn(line, "stream", "stderr", "run", "oneshot")
		},
	})
	if err := d.Start(ctx); err != nil {
		return "", &LaunchError{Command: s.cfg.Command, Err: err}
	}

	exited := make(chan int, 1)
	go func() {
		code, _ := d.Wait()
		exited <- code
	}()

	timer := time.NewTimer(s.cfg.OneshotTimeout)
	defer timer.Stop()

	select {
	case code := <-exited:
		out := strings.TrimSpace(strings.Join(d.LogLines(50), "\n"))
		if code != 0 {
			msg := fmt.Sprintf("one-shot run exited with code %d", code)
			if tail := d.StderrLines(3); len(tail) > 0 {
				msg += ": " + strings.Join(tail, "; ")
			}
			return out, errors.New(msg)
		}
		return out, nil
	case <-ctx.Done():
		_ = d.Stop(context.Background(), s.cfg.StopTimeout)
		return "", ctx.Err()
	case <-timer.C:
		_ = d.Stop(context.Background(), s.cfg.StopTimeout)
		return "", fmt.Errorf("one-shot run timed out after %s", s.cfg.OneshotTimeout)
	}
}
