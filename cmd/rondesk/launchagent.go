package main

import (
	"fmt"
	"html"
	"os"
	"path/filepath"
	"strings"
)

const launchAgentLabel = "com.rondesk.daemon"

func launchAgentPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("finding home dir: %w", err)
	}
	return filepath.Join(home, "Library", "LaunchAgents", launchAgentLabel+".plist"), nil
}

// launchAgentPlist renders the LaunchAgent definition. apiBase, when set, is
// exported as RON_API_URL so the daemon keeps the override of the installing
// shell.
func launchAgentPlist(binary, logPath, apiBase string) string {
	var env string
	if apiBase != "" {
		env = fmt.Sprintf(`    <key>EnvironmentVariables</key>
    <dict>
        <key>RON_API_URL</key>
        <string>%s</string>
    </dict>
`, html.EscapeString(apiBase))
	}

	var b strings.Builder
	fmt.Fprintf(&b, `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>%s</string>
    <key>ProgramArguments</key>
    <array>
        <string>%s</string>
        <string>daemon</string>
    </array>
%s    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <dict>
        <key>SuccessfulExit</key>
        <false/>
    </dict>
    <key>StandardOutPath</key>
    <string>%s</string>
    <key>StandardErrorPath</key>
    <string>%s</string>
</dict>
</plist>
`, launchAgentLabel, html.EscapeString(binary), env, html.EscapeString(logPath), html.EscapeString(logPath))
	return b.String()
}
