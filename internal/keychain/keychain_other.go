//go:build !darwin

package keychain

import "path/filepath"

// NewSystemStore returns a file-backed store on non-darwin platforms, where
// the macOS Keychain is not available. Secrets live in dir/credentials.json.
// An empty dir falls back to memory only.
func NewSystemStore(dir string) Store {
	if dir == "" {
		return NewMemoryStore()
	}
	return NewFileStore(filepath.Join(dir, "credentials.json"))
}
