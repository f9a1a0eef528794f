//go:build linux

package e2e

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// runEzsock executes the ezsock binary with args and asserts a successful exit.
// Returns stdout only; logs go to stderr.
func runEzsock(t *testing.T, args ...string) string {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := exec.Command(ezsockBinary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		t.Fatalf("ezsock %s failed: %v\nstdout: %s\nstderr: %s",
			strings.Join(args, " "), err, stdout.String(), stderr.String())
	}
	return stdout.String()
}

// runEzsockExpectFailure executes the ezsock binary and expects a non-zero exit code.
func runEzsockExpectFailure(t *testing.T, args ...string) (string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := exec.Command(ezsockBinary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err == nil {
		t.Fatalf("expected ezsock %s to fail, but it succeeded\nstdout: %s\nstderr: %s",
			strings.Join(args, " "), stdout.String(), stderr.String())
	}
	return stdout.String(), stderr.String()
}

// translate runs `ezsock translate` and returns its single result line.
func translate(t *testing.T, configPath string, args ...string) string {
	t.Helper()
	return strings.TrimSpace(runEzsock(t, append([]string{"translate", "-c", configPath}, args...)...))
}

// runEzsockDaemon starts ezsock in daemon mode and returns the exec.Cmd.
// The caller is responsible for stopping the process.
func runEzsockDaemon(t *testing.T, configPath string) *exec.Cmd {
	t.Helper()
	cmd := exec.Command(ezsockBinary, "-c", configPath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start ezsock daemon: %v", err)
	}
	return cmd
}

// writeTestConfig writes YAML content to a config file in the given directory.
func writeTestConfig(t *testing.T, dir, content string) string {
	t.Helper()
	configPath := filepath.Join(dir, "ezsock.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return configPath
}

// directoryRows returns the data rows of `ezsock once` output keyed by frontend.
func directoryRows(t *testing.T, output string) map[string][]string {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) == 0 || !strings.HasPrefix(lines[0], "FRONTEND") {
		t.Fatalf("unexpected directory output:\n%s", output)
	}
	rows := make(map[string][]string)
	for _, line := range lines[1:] {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		rows[fields[0]] = fields
	}
	return rows
}
