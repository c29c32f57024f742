// Package testutil provides shared test fixtures: fake agent binaries and
// polling helpers.
package testutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// echoAgent is the default stand-in agent: announces readiness, then echoes
// every stdin line back with a prefix.
const echoAgent = "#!/bin/sh\necho ready\nwhile read line; do echo \"got:$line\"; done\n"

// WriteAgentScript creates the default fake agent binary in a temp dir and
// returns its path.
func WriteAgentScript(t *testing.T) string {
	t.Helper()
	return WriteScript(t, "agent.sh", echoAgent)
}

// WriteScript creates an executable shell script with the given content.
func WriteScript(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

// WaitFor polls cond until it returns true or timeout elapses.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

// Truncate flattens newlines and cuts s to at most n bytes, for log lines
// in test diagnostics.
func Truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", "\\n")
	if len(s) > n {
		return s[:n]
	}
	return s
}
