package keychain

import (
	"fmt"

	"github.com/rontubot/rondesk/internal/audit"
)

// AuditedStore wraps a Store and records every write and delete in the audit
// log. Reads are recorded too except for the daemon's own token lookups,
// which happen on every chat request.
type AuditedStore struct {
	inner Store
	audit *audit.Logger
	actor string // "cli" or "daemon"
}

// NewAuditedStore wraps an existing store with audit logging.
func NewAuditedStore(inner Store, auditLog *audit.Logger, actor string) *AuditedStore {
	return &AuditedStore{
		inner: inner,
		audit: auditLog,
		actor: actor,
	}
}

func (s *AuditedStore) Set(key, value string) error {
	if err := s.inner.Set(key, value); err != nil {
		return fmt.Errorf("audited store set: %w", err)
	}

	// Audit logging is best-effort.
	s.audit.Log(audit.Entry{
		Action: audit.ActionTokenWrite,
		Key:    key,
		Actor:  s.actor,
	})
	return nil
}

func (s *AuditedStore) Get(key string) (string, error) {
	val, err := s.inner.Get(key)
	if err != nil {
		return "", fmt.Errorf("audited store get: %w", err)
	}

	if s.actor != "daemon" {
		s.audit.Log(audit.Entry{
			Action: audit.ActionTokenRead,
			Key:    key,
			Actor:  s.actor,
		})
	}
	return val, nil
}

func (s *AuditedStore) List() ([]string, error) {
	return s.inner.List()
}

func (s *AuditedStore) Delete(key string) error {
	if err := s.inner.Delete(key); err != nil {
		return fmt.Errorf("audited store delete: %w", err)
	}

	s.audit.Log(audit.Entry{
		Action: audit.ActionTokenDelete,
		Key:    key,
		Actor:  s.actor,
	})
	return nil
}
