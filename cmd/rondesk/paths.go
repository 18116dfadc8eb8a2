package main

import (
	"os"
	"path/filepath"

	"github.com/rontubot/rondesk/internal/config"
)

// rondeskHome returns the state directory (~/.rondesk), falling back to the
// temp dir when the home directory is unknown.
func rondeskHome() string {
	if dir := config.DefaultDir(); dir != "" {
		return dir
	}
	return filepath.Join(os.TempDir(), "rondesk")
}

func defaultSocketPath() string {
	return filepath.Join(rondeskHome(), "rondesk.sock")
}
