package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Resolve when a field is left unset.
const (
	DefaultAPIBase      = "https://ron-production.up.railway.app"
	DefaultControlPort  = 9999
	DefaultReadyMarker  = "Control server listening"
	DefaultStartGrace   = 3 * time.Second
	DefaultStopTimeout  = 4 * time.Second
	DefaultKillTimeout  = 5 * time.Second
	DefaultControlWait  = 4 * time.Second
	DefaultCancelGrace  = 3 * time.Second
	DefaultAssistantCmd = "ron"
)

// DefaultLiveActions are directive actions that only make sense against a
// running assistant (they touch its microphone or live session).
var DefaultLiveActions = []string{"start_listening", "stop_listening", "speak"}

// Config holds persistent daemon configuration loaded from ~/.rondesk/config.yaml.
type Config struct {
	APIBase   string    `yaml:"api_base,omitempty"`
	Username  string    `yaml:"username,omitempty"`
	APIAddr   string    `yaml:"api_addr,omitempty"`
	Assistant Assistant `yaml:"assistant,omitempty"`
	Control   Control   `yaml:"control,omitempty"`
	Tasks     Tasks     `yaml:"tasks,omitempty"`
}

// Assistant describes how the supervised assistant is launched.
type Assistant struct {
	Command     string            `yaml:"command,omitempty"`
	Args        []string          `yaml:"args,omitempty"`
	WorkingDir  string            `yaml:"working_dir,omitempty"`
	ControlPort *int              `yaml:"control_port,omitempty"` // 0 allocates a free port
	ReadyMarker string            `yaml:"ready_marker,omitempty"`
	StartGrace  time.Duration     `yaml:"start_grace,omitempty"`
	StopTimeout time.Duration     `yaml:"stop_timeout,omitempty"`
	KillTimeout time.Duration     `yaml:"kill_timeout,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
	LiveActions []string          `yaml:"live_actions,omitempty"`
	OneshotArgs []string          `yaml:"oneshot_args,omitempty"`
}

// Port returns the configured control port, DefaultControlPort when unset.
func (a Assistant) Port() int {
	if a.ControlPort == nil {
		return DefaultControlPort
	}
	return *a.ControlPort
}

// Control tunes the control-socket client.
type Control struct {
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// Tasks tunes background task workers.
type Tasks struct {
	CancelGrace time.Duration `yaml:"cancel_grace,omitempty"`
}

// DefaultDir returns the rondesk state directory: ~/.rondesk.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".rondesk")
}

// DefaultPath returns the default config file path: ~/.rondesk/config.yaml.
func DefaultPath() string {
	dir := DefaultDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "config.yaml")
}

// Load reads a YAML config file from path. If the file does not exist,
// it returns an empty Config and no error. An empty or all-comment file
// also returns an empty Config with no error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path atomically (temp file + rename).
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// Update loads the file at path, applies fn and saves the result. Only the
// fields present in the file (not resolved defaults) are written back.
func Update(path string, fn func(*Config)) error {
	cfg, err := Load(path)
	if err != nil {
		return err
	}
	fn(cfg)
	return Save(path, cfg)
}

// Resolve returns a copy of c with every unset field filled from defaults.
// APIBase is left as-is: its precedence chain is owned by the session.
func (c *Config) Resolve() Config {
	r := *c
	a := &r.Assistant

	if a.Command == "" {
		a.Command = DefaultAssistantCmd
	}
	if a.ControlPort == nil {
		p := DefaultControlPort
		a.ControlPort = &p
	}
	if a.ReadyMarker == "" {
		a.ReadyMarker = DefaultReadyMarker
	}
	if a.StartGrace <= 0 {
		a.StartGrace = DefaultStartGrace
	}
	if a.StopTimeout <= 0 {
		a.StopTimeout = DefaultStopTimeout
	}
	if a.KillTimeout <= 0 {
		a.KillTimeout = DefaultKillTimeout
	}
	if a.LiveActions == nil {
		a.LiveActions = DefaultLiveActions
	}
	if a.OneshotArgs == nil {
		a.OneshotArgs = []string{"--oneshot"}
	}
	if r.Control.Timeout <= 0 {
		r.Control.Timeout = DefaultControlWait
	}
	if r.Tasks.CancelGrace <= 0 {
		r.Tasks.CancelGrace = DefaultCancelGrace
	}
	return r
}
