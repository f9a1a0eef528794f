//go:build linux

package e2e

import (
	"bytes"
	"os/exec"
	"strings"
	"syscall"
	"testing"
	"time"
)

// --- Test 1: Single service with once mode ---

func TestE2E_OnceMode_SingleService(t *testing.T) {
	configYAML := `
global:
  log_level: info
services:
  - name: web-service
    frontend: 10.0.0.1:80
    protocol: tcp
    health_check:
      enabled: false
    backends:
      - address: 192.168.1.10:8080
        weight: 5
      - address: 192.168.1.11:8080
        weight: 3
`
	dir := t.TempDir()
	configPath := writeTestConfig(t, dir, configYAML)

	rows := directoryRows(t, runEzsock(t, "once", "-c", configPath))
	if len(rows) != 1 {
		t.Fatalf("expected 1 frontend, got %d", len(rows))
	}
	row, ok := rows["10.0.0.1:80/tcp"]
	if !ok {
		t.Fatalf("expected to find frontend 10.0.0.1:80/tcp, got %v", rows)
	}
	if row[1] != "web-service" || row[2] != "cluster-ip" {
		t.Errorf("unexpected row %v", row)
	}

	// 5 + 3 weighted slots
	backends := strings.Split(row[4], ",")
	if len(backends) != 8 {
		t.Fatalf("expected 8 backend slots, got %d: %v", len(backends), backends)
	}
	counts := map[string]int{}
	for _, b := range backends {
		counts[b]++
	}
	if counts["192.168.1.10:8080"] != 5 || counts["192.168.1.11:8080"] != 3 {
		t.Errorf("unexpected slot distribution %v", counts)
	}
}

// --- Test 2: Multiple services of different types ---

func TestE2E_OnceMode_MultiService(t *testing.T) {
	configYAML := `
global:
  log_level: info
services:
  - name: web-service
    frontend: 10.0.0.1:80
    protocol: tcp
    session_affinity: true
    backends:
      - address: 192.168.1.10:8080
  - name: dns-service
    frontend: 10.0.0.10:53
    protocol: udp
    backends:
      - address: 192.168.2.10:53
      - address: 192.168.2.11:53
  - name: web-nodeport
    frontend: 0.0.0.0:30080
    protocol: tcp
    type: node-port
    backends:
      - address: 192.168.1.10:8080
`
	dir := t.TempDir()
	configPath := writeTestConfig(t, dir, configYAML)

	rows := directoryRows(t, runEzsock(t, "once", "-c", configPath))
	if len(rows) != 3 {
		t.Fatalf("expected 3 frontends, got %d", len(rows))
	}

	expected := map[string]string{
		"10.0.0.1:80/tcp":   "affinity",
		"10.0.0.10:53/udp":  "cluster-ip",
		"0.0.0.0:30080/tcp": "node-port",
	}
	for frontend, flags := range expected {
		row, ok := rows[frontend]
		if !ok {
			t.Errorf("expected to find frontend %s", frontend)
			continue
		}
		if row[2] != flags {
			t.Errorf("frontend %s: expected flags %q, got %q", frontend, flags, row[2])
		}
	}
}

// --- Test 3: Connect and reverse translation ---

func TestE2E_Translate_Connect(t *testing.T) {
	configYAML := `
services:
  - name: web-service
    frontend: 10.0.0.1:80
    protocol: tcp
    backends:
      - address: 192.168.1.10:8080
`
	dir := t.TempDir()
	configPath := writeTestConfig(t, dir, configYAML)

	got := translate(t, configPath, "--hook", "connect", "--dst", "10.0.0.1:80")
	want := "connect tcp 10.0.0.1:80 -> 192.168.1.10:8080 (proceed, translated)"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}

	got = translate(t, configPath, "--hook", "connect", "--dst", "10.0.0.99:80")
	if !strings.HasSuffix(got, "10.0.0.99:80 (proceed, no_service)") {
		t.Errorf("expected non-service destination to pass untouched, got %q", got)
	}

	// Every invocation starts with an empty reverse table.
	got = translate(t, configPath, "--hook", "getpeername", "--dst", "192.168.1.10:8080")
	if !strings.HasSuffix(got, "(proceed, no_reverse_entry)") {
		t.Errorf("expected no reverse entry in a fresh process, got %q", got)
	}
}

// --- Test 4: IPv4-mapped destinations and UDP ---

func TestE2E_Translate_V4InV6AndUDP(t *testing.T) {
	configYAML := `
services:
  - name: dns-service
    frontend: 10.0.0.10:53
    protocol: udp
    backends:
      - address: 192.168.2.10:53
`
	dir := t.TempDir()
	configPath := writeTestConfig(t, dir, configYAML)

	got := translate(t, configPath, "--hook", "sendmsg", "--proto", "udp", "--dst", "[::ffff:10.0.0.10]:53")
	want := "sendmsg udp [::ffff:10.0.0.10]:53 -> [::ffff:192.168.2.10]:53 (proceed, translated)"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}

	got = translate(t, configPath, "--hook", "connect", "--proto", "tcp", "--dst", "10.0.0.10:53")
	if !strings.HasSuffix(got, "(proceed, no_service)") {
		t.Errorf("expected protocol to be part of the service key, got %q", got)
	}
}

// --- Test 5: Bind conflict guard ---

func TestE2E_Translate_PostBindConflict(t *testing.T) {
	configYAML := `
services:
  - name: web-service
    frontend: 10.0.0.1:80
    protocol: tcp
    type: external-ip
    backends:
      - address: 192.168.1.10:8080
`
	dir := t.TempDir()
	configPath := writeTestConfig(t, dir, configYAML)

	got := translate(t, configPath, "--hook", "post_bind", "--dst", "10.0.0.1:80")
	if !strings.HasSuffix(got, "(reject, addr_in_use)") {
		t.Errorf("expected bind on an external IP frontend to be rejected, got %q", got)
	}

	got = translate(t, configPath, "--hook", "post_bind", "--dst", "10.0.0.1:81")
	if !strings.HasSuffix(got, "(proceed, translated)") {
		t.Errorf("expected bind on a free port to proceed, got %q", got)
	}
}

// --- Test 6: Invalid config is rejected ---

func TestE2E_OnceMode_InvalidConfig(t *testing.T) {
	tests := []struct {
		name       string
		configYAML string
		wantErr    string
	}{
		{
			name: "mapped frontend",
			configYAML: `
services:
  - name: bad
    frontend: "[::ffff:10.0.0.1]:80"
    protocol: tcp
    backends:
      - address: 192.168.1.10:8080
`,
			wantErr: "IPv4-mapped",
		},
		{
			name: "health check on udp",
			configYAML: `
services:
  - name: bad
    frontend: 10.0.0.1:53
    protocol: udp
    health_check:
      enabled: true
    backends:
      - address: 192.168.1.10:53
`,
			wantErr: "health_check requires protocol tcp",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			configPath := writeTestConfig(t, dir, tt.configYAML)

			stdout, stderr := runEzsockExpectFailure(t, "once", "-c", configPath)
			if !strings.Contains(stdout+stderr, tt.wantErr) {
				t.Errorf("expected output to mention %q\nstdout: %s\nstderr: %s", tt.wantErr, stdout, stderr)
			}
		})
	}
}

// --- Test 7: Daemon mode graceful shutdown ---

func TestE2E_DaemonMode_GracefulShutdown(t *testing.T) {
	configYAML := `
global:
  log_level: info
services:
  - name: web-service
    frontend: 10.0.0.1:80
    protocol: tcp
    backends:
      - address: 192.168.1.10:8080
        weight: 1
`
	dir := t.TempDir()
	configPath := writeTestConfig(t, dir, configYAML)

	cmd := runEzsockDaemon(t, configPath)

	// Give the daemon time to start and perform the initial sync
	time.Sleep(1 * time.Second)

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("failed to send SIGTERM: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("daemon exited with error: %v", err)
		}
	case <-time.After(10 * time.Second):
		cmd.Process.Kill()
		t.Fatal("daemon did not exit within 10 seconds after SIGTERM")
	}
}

// --- Test 8: Version subcommand ---

func TestE2E_Version(t *testing.T) {
	var stdout bytes.Buffer
	cmd := exec.Command(ezsockBinary, "version")
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		t.Fatalf("ezsock version failed: %v", err)
	}
	if !strings.HasPrefix(stdout.String(), "ezsock version ") {
		t.Errorf("unexpected version output %q", stdout.String())
	}
}
