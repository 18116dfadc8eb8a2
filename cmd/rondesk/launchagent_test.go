package main

import (
	"strings"
	"testing"
)

func TestLaunchAgentPlist(t *testing.T) {
	plist := launchAgentPlist("/Apps/Ron & Co/rondesk", "/Users/a/.rondesk/daemon.log", "")

	if !strings.Contains(plist, "<string>com.rondesk.daemon</string>") {
		t.Error("missing label")
	}
	if !strings.Contains(plist, "/Apps/Ron &amp; Co/rondesk") {
		t.Error("binary path not escaped")
	}
	if strings.Contains(plist, "EnvironmentVariables") {
		t.Error("unexpected environment without api base")
	}
	if strings.Count(plist, "/Users/a/.rondesk/daemon.log") != 2 {
		t.Error("log path should be used for stdout and stderr")
	}
}

func TestLaunchAgentPlistAPIBase(t *testing.T) {
	plist := launchAgentPlist("/usr/local/bin/rondesk", "/tmp/d.log", "http://127.0.0.1:8000")
	if !strings.Contains(plist, "<key>RON_API_URL</key>") || !strings.Contains(plist, "<string>http://127.0.0.1:8000</string>") {
		t.Errorf("api base not exported:\n%s", plist)
	}
}
