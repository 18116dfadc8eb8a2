package keychain

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// FileStore keeps secrets in a JSON object on disk with 0600 permissions.
// Writes go through a temp file and rename.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore returns a store backed by the file at path. The file is
// created on first Set.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) load() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("reading credentials: %w", err)
	}
	secrets := map[string]string{}
	if len(data) == 0 {
		return secrets, nil
	}
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing credentials: %w", err)
	}
	return secrets, nil
}

func (s *FileStore) save(secrets map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmpPath, s.path)
}

func (s *FileStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	secrets, err := s.load()
	if err != nil {
		return err
	}
	secrets[key] = value
	return s.save(secrets)
}

func (s *FileStore) Get(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	secrets, err := s.load()
	if err != nil {
		return "", err
	}
	val, ok := secrets[key]
	if !ok || val == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return val, nil
}

func (s *FileStore) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	secrets, err := s.load()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(secrets))
	for k := range secrets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *FileStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	secrets, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := secrets[key]; !ok {
		return nil
	}
	delete(secrets, key)
	return s.save(secrets)
}
