package chat

import (
	"regexp"
	"strings"
)

// logPrefixes and logFragments mark launcher chatter that leaks into
// non-streamed replies.
var (
	logPrefixes  = []string{"📁", "[ron]", "info:", "debug:"}
	logFragments = []string{
		"memory file not found",
		"archivo de memoria no encontrado",
		"downloading",
		"descargando",
		"control server",
		"ron 24/7",
	}
	urlLine = regexp.MustCompile(`(?i)^https?://`)
)

func isLogLine(l string) bool {
	if l == "" || urlLine.MatchString(l) {
		return true
	}
	lower := strings.ToLower(l)
	for _, p := range logPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	for _, f := range logFragments {
		if strings.Contains(lower, f) {
			return true
		}
	}
	return false
}

// Sanitize removes log-like lines from a reply. A reply made only of such
// lines is returned trimmed rather than emptied.
func Sanitize(raw string) string {
	var kept []string
	for _, l := range strings.Split(raw, "\n") {
		l = strings.TrimSpace(l)
		if !isLogLine(l) {
			kept = append(kept, l)
		}
	}
	if len(kept) == 0 {
		return strings.TrimSpace(raw)
	}
	return strings.Join(kept, "\n")
}

// Segments splits a reply into sentence-like pieces at ". " and newlines,
// keeping the period with its sentence. Joining the pieces with single
// spaces or newlines reproduces the text.
func Segments(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		for {
			i := strings.Index(line, ". ")
			if i < 0 {
				break
			}
			if s := strings.TrimSpace(line[:i+1]); s != "" {
				out = append(out, s)
			}
			line = line[i+2:]
		}
		if s := strings.TrimSpace(line); s != "" {
			out = append(out, s)
		}
	}
	return out
}
