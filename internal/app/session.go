// Package app holds the process-wide session state shared by the dispatcher
// and the supervisor: which API base to talk to, the auth token, and the
// user identity.
package app

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/rontubot/rondesk/internal/config"
	"github.com/rontubot/rondesk/internal/keychain"
	"github.com/rontubot/rondesk/internal/ronapi"
)

// EnvAPIBase overrides every other API base source when set.
const EnvAPIBase = "RON_API_URL"

var ErrInvalidAPIBase = errors.New("invalid api base")

// NormalizeAPIBase strips trailing slashes and requires an http or https URL
// with a host.
func NormalizeAPIBase(raw string) (string, error) {
	base := strings.TrimRight(strings.TrimSpace(raw), "/")
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidAPIBase, raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidAPIBase, raw)
	}
	return base, nil
}

// Session is constructed once at startup and owns its own mutation.
type Session struct {
	mu         sync.RWMutex
	override   string
	configured string
	username   string
	token      string

	configPath string
	store      keychain.Store
	logger     *slog.Logger
}

// NewSession builds the session from the loaded config and reads the auth
// token from store. A missing token is not an error.
func NewSession(cfg *config.Config, configPath string, store keychain.Store) *Session {
	s := &Session{
		override:   strings.TrimSpace(os.Getenv(EnvAPIBase)),
		configured: cfg.APIBase,
		username:   cfg.Username,
		configPath: configPath,
		store:      store,
		logger:     slog.With("component", "session"),
	}

	if store != nil {
		tok, err := store.Get(keychain.TokenKey)
		switch {
		case err == nil:
			s.token = tok
		case errors.Is(err, keychain.ErrNotFound):
		default:
			s.logger.Warn("reading auth token", "error", err)
		}
	}
	return s
}

// APIBase resolves the active remote API base: the environment override,
// else the configured value, else the built-in default.
func (s *Session) APIBase() (string, error) {
	s.mu.RLock()
	raw := s.override
	if raw == "" {
		raw = s.configured
	}
	s.mu.RUnlock()

	if raw == "" {
		raw = config.DefaultAPIBase
	}
	return NormalizeAPIBase(raw)
}

// SetAPIBase validates raw and persists it to the config file.
func (s *Session) SetAPIBase(raw string) (string, error) {
	base, err := NormalizeAPIBase(raw)
	if err != nil {
		return "", err
	}
	if s.configPath != "" {
		if err := config.Update(s.configPath, func(c *config.Config) { c.APIBase = base }); err != nil {
			return "", fmt.Errorf("saving api base: %w", err)
		}
	}

	s.mu.Lock()
	s.configured = base
	s.mu.Unlock()

	s.logger.Info("api base changed", "api_base", base)
	return base, nil
}

// ApplyConfig picks up values from a reloaded config file.
func (s *Session) ApplyConfig(cfg *config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.APIBase != s.configured {
		s.logger.Info("api base reloaded", "api_base", cfg.APIBase)
	}
	s.configured = cfg.APIBase
	if cfg.Username != "" {
		s.username = cfg.Username
	}
}

// Token returns the auth token, or "" when none is held.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// SetToken stores a new auth token.
func (s *Session) SetToken(token string) error {
	if s.store != nil {
		if err := s.store.Set(keychain.TokenKey, token); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	return nil
}

// ClearToken forgets the auth token.
func (s *Session) ClearToken() error {
	if s.store != nil {
		if err := s.store.Delete(keychain.TokenKey); err != nil && !errors.Is(err, keychain.ErrNotFound) {
			return err
		}
	}
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()
	return nil
}

// Username returns the user identity, "default" when none is configured.
func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.username == "" {
		return "default"
	}
	return s.username
}

// SetUsername changes the user identity for subsequent requests.
func (s *Session) SetUsername(name string) {
	s.mu.Lock()
	s.username = strings.TrimSpace(name)
	s.mu.Unlock()
}

// API returns a client for the current API base and token.
func (s *Session) API() (*ronapi.Client, error) {
	base, err := s.APIBase()
	if err != nil {
		return nil, err
	}
	return ronapi.New(base, ronapi.WithToken(s.Token())), nil
}
