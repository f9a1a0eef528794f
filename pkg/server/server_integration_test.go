package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/easzlab/ezsock/pkg/config"
	"github.com/easzlab/ezsock/pkg/hostns"
	"github.com/easzlab/ezsock/pkg/lbmap"
	"github.com/easzlab/ezsock/pkg/sockaddr"
	"github.com/easzlab/ezsock/pkg/socklb"
	"go.uber.org/zap"
)

const testHostNetns uint64 = 4026531840

// controllableHealthChecker is a mock HealthChecker that allows tests to
// control the health status of individual backends.
type controllableHealthChecker struct {
	mu     sync.RWMutex
	status map[string]bool
}

func newControllableHealthChecker() *controllableHealthChecker {
	return &controllableHealthChecker{
		status: make(map[string]bool),
	}
}

func (c *controllableHealthChecker) IsHealthy(address string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	healthy, ok := c.status[address]
	if !ok {
		return true
	}
	return healthy
}

func (c *controllableHealthChecker) SetHealthy(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status[address] = true
}

func (c *controllableHealthChecker) SetUnhealthy(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status[address] = false
}

// writeYAMLFile writes YAML content to a file and returns the path.
func writeYAMLFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "ezsock.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write YAML file: %v", err)
	}
	return path
}

// newTestServer creates a Server whose host namespace has a fixed cookie.
func newTestServer(t *testing.T, configPath string) *Server {
	t.Helper()
	srv, err := newServerWithOracle(configPath, hostns.NewStaticOracle(testHostNetns), nil, zap.NewNop())
	if err != nil {
		t.Fatalf("newServerWithOracle failed: %v", err)
	}
	return srv
}

func connectTo(t *testing.T, srv *Server, dst string, cookie uint64) (*socklb.SockAddr, error) {
	t.Helper()
	ap := netip.MustParseAddrPort(dst)
	sa := &socklb.SockAddr{
		Family:   sockaddr.FamilyOf(ap.Addr()),
		Protocol: lbmap.ProtoTCP,
		Addr:     ap.Addr(),
		Port:     ap.Port(),
		Socket:   socklb.Socket{Cookie: cookie, NetnsCookie: testHostNetns},
	}
	_, err := srv.Translate(socklb.HookConnect, sa)
	return sa, err
}

func slotCount(t *testing.T, srv *Server, frontend string) uint16 {
	t.Helper()
	ap := netip.MustParseAddrPort(frontend)
	svc, ok := srv.lbMgr.LookupService(lbmap.ServiceKey{Address: ap.Addr(), Port: ap.Port(), Protocol: lbmap.ProtoTCP})
	if !ok {
		t.Fatalf("service %s not found", frontend)
	}
	return svc.Count
}

// --- Flow A: Initial sync on startup ---

func TestIntegration_FlowA_InitialSync(t *testing.T) {
	configYAML := `
global:
  log_level: info
services:
  - name: web-service
    frontend: 10.0.0.1:80
    protocol: tcp
    backends:
      - address: 192.168.1.10:8080
        weight: 5
      - address: 192.168.1.11:8080
        weight: 3
  - name: api-service
    frontend: 10.0.0.2:443
    protocol: tcp
    session_affinity: true
    backends:
      - address: 192.168.2.10:9090
      - address: 192.168.2.11:9090
`
	dir := t.TempDir()
	configPath := writeYAMLFile(t, dir, configYAML)

	srv := newTestServer(t, configPath)
	if err := srv.RunOnce(); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	srv = newTestServer(t, configPath)
	defer srv.Close()
	if err := srv.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	if got := len(srv.lbMgr.GetServices()); got != 2 {
		t.Fatalf("expected 2 services, got %d", got)
	}
	if got := slotCount(t, srv, "10.0.0.1:80"); got != 8 {
		t.Errorf("expected 8 weighted slots, got %d", got)
	}

	sa, err := connectTo(t, srv, "10.0.0.1:80", 1)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if backend := netip.AddrPortFrom(sa.Addr, sa.Port).String(); backend != "192.168.1.10:8080" && backend != "192.168.1.11:8080" {
		t.Errorf("unexpected backend %s", backend)
	}

	if _, err := srv.Translate(socklb.HookGetPeerName, sa); err != nil {
		t.Fatalf("getpeername failed: %v", err)
	}
	if got := netip.AddrPortFrom(sa.Addr, sa.Port).String(); got != "10.0.0.1:80" {
		t.Errorf("expected frontend as peer, got %s", got)
	}
}

func TestIntegration_FlowA_IdentitiesAndNodePort(t *testing.T) {
	configYAML := `
global:
  log_level: info
identities:
  - cidr: 192.168.1.10/32
    identity: host
  - cidr: 192.168.1.0/24
    identity: remote-node
services:
  - name: web-nodeport
    frontend: 0.0.0.0:30080
    protocol: tcp
    type: node-port
    backends:
      - address: 10.1.0.5:8080
  - name: web-external
    frontend: 203.0.113.10:443
    protocol: tcp
    type: external-ip
    backends:
      - address: 10.1.0.5:8443
`
	dir := t.TempDir()
	srv := newTestServer(t, writeYAMLFile(t, dir, configYAML))
	defer srv.Close()
	if err := srv.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	for _, dst := range []string{"192.168.1.10:30080", "192.168.1.20:30080", "127.0.0.1:30080"} {
		sa, err := connectTo(t, srv, dst, 1)
		if err != nil {
			t.Errorf("%s: expected translation, got %v", dst, err)
			continue
		}
		if got := netip.AddrPortFrom(sa.Addr, sa.Port).String(); got != "10.1.0.5:8080" {
			t.Errorf("%s: unexpected backend %s", dst, got)
		}
	}

	if _, err := connectTo(t, srv, "203.0.113.10:443", 1); !errors.Is(err, socklb.ErrPermission) {
		t.Errorf("expected external IP without host identity to be refused, got %v", err)
	}

	ap := netip.MustParseAddrPort("192.168.1.10:30080")
	bind := &socklb.SockAddr{
		Family:   sockaddr.FamilyV4,
		Protocol: lbmap.ProtoTCP,
		Addr:     ap.Addr(),
		Port:     ap.Port(),
		Socket:   socklb.Socket{Cookie: 2, NetnsCookie: testHostNetns},
	}
	if v, err := srv.Translate(socklb.HookPostBind, bind); v != socklb.Reject || !errors.Is(err, socklb.ErrAddrInUse) {
		t.Errorf("expected node port bind to be rejected, got %s, %v", v, err)
	}
}

func TestIntegration_FlowA_WriteDirectory(t *testing.T) {
	configYAML := `
services:
  - name: dns
    frontend: 10.0.0.53:53
    protocol: udp
    backends:
      - address: 10.1.0.1:53
      - address: 10.1.0.2:53
`
	dir := t.TempDir()
	srv := newTestServer(t, writeYAMLFile(t, dir, configYAML))
	defer srv.Close()
	if err := srv.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	var buf bytes.Buffer
	if err := srv.WriteDirectory(&buf); err != nil {
		t.Fatalf("WriteDirectory failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"FRONTEND", "10.0.0.53:53/udp", "dns", "cluster-ip", "10.1.0.1:53,10.1.0.2:53"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected directory output to contain %q, got:\n%s", want, out)
		}
	}
}

// --- Flow B: Config hot-reload triggers sync ---

func TestIntegration_FlowB_ConfigHotReload(t *testing.T) {
	initialYAML := `
global:
  log_level: info
services:
  - name: web-service
    frontend: 10.0.0.1:80
    protocol: tcp
    backends:
      - address: 192.168.1.10:8080
        weight: 5
      - address: 192.168.1.11:8080
        weight: 3
`
	dir := t.TempDir()
	configPath := writeYAMLFile(t, dir, initialYAML)

	srv := newTestServer(t, configPath)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := srv.configMgr.GetConfig()
	srv.healthMgr.UpdateTargets(ctx, cfg.Services)
	if err := srv.apply(cfg); err != nil {
		t.Fatalf("initial sync failed: %v", err)
	}
	if got := slotCount(t, srv, "10.0.0.1:80"); got != 8 {
		t.Fatalf("expected 8 slots initially, got %d", got)
	}

	srv.configMgr.WatchConfig()

	updatedYAML := `
global:
  log_level: info
identities:
  - cidr: 10.0.0.0/8
    identity: world
services:
  - name: web-service
    frontend: 10.0.0.1:80
    protocol: tcp
    backends:
      - address: 192.168.1.10:8080
        weight: 5
      - address: 192.168.1.11:8080
        weight: 3
      - address: 192.168.1.12:8080
        weight: 2
`
	if err := os.WriteFile(configPath, []byte(updatedYAML), 0644); err != nil {
		t.Fatalf("failed to update config file: %v", err)
	}

	select {
	case <-srv.configMgr.OnChange():
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for config change notification")
	}

	newCfg := srv.configMgr.GetConfig()
	srv.healthMgr.UpdateTargets(ctx, newCfg.Services)
	if err := srv.apply(newCfg); err != nil {
		t.Fatalf("sync after config change failed: %v", err)
	}

	if got := slotCount(t, srv, "10.0.0.1:80"); got != 10 {
		t.Fatalf("expected 10 slots after config update, got %d", got)
	}
	if srv.ipcache.Len() != 1 {
		t.Errorf("expected identities to be reloaded, got %d entries", srv.ipcache.Len())
	}
}

// --- Flow C: Health status change triggers reconcile ---

func TestIntegration_FlowC_HealthStatusChange(t *testing.T) {
	configYAML := `
global:
  log_level: info
services:
  - name: web-service
    frontend: 10.0.0.1:80
    protocol: tcp
    health_check:
      enabled: true
      interval: 100ms
      timeout: 50ms
      fail_count: 2
      rise_count: 2
    backends:
      - address: 192.168.1.10:8080
        weight: 5
      - address: 192.168.1.11:8080
        weight: 3
`
	dir := t.TempDir()
	configPath := writeYAMLFile(t, dir, configYAML)
	logger := zap.NewNop()

	configMgr, err := config.NewManager(configPath, logger)
	if err != nil {
		t.Fatalf("config.NewManager failed: %v", err)
	}

	lbMgr := lbmap.NewManager(logger)
	defer lbMgr.Close()

	healthChecker := newControllableHealthChecker()
	healthChecker.SetHealthy("192.168.1.10:8080")
	healthChecker.SetHealthy("192.168.1.11:8080")

	reconciler := lbmap.NewReconciler(lbMgr, healthChecker, logger)
	cfg := configMgr.GetConfig()
	key := lbmap.ServiceKey{Address: netip.MustParseAddr("10.0.0.1"), Port: 80, Protocol: lbmap.ProtoTCP}

	if err := reconciler.Reconcile(cfg.Services); err != nil {
		t.Fatalf("initial Reconcile failed: %v", err)
	}
	if svc, _ := lbMgr.LookupService(key); svc.Count != 8 {
		t.Fatalf("expected 8 slots initially (all healthy), got %d", svc.Count)
	}

	healthChecker.SetUnhealthy("192.168.1.11:8080")
	if err := reconciler.Reconcile(cfg.Services); err != nil {
		t.Fatalf("Reconcile after health change failed: %v", err)
	}
	if svc, _ := lbMgr.LookupService(key); svc.Count != 5 {
		t.Fatalf("expected 5 slots (1 unhealthy), got %d", svc.Count)
	}

	healthChecker.SetHealthy("192.168.1.11:8080")
	if err := reconciler.Reconcile(cfg.Services); err != nil {
		t.Fatalf("Reconcile after recovery failed: %v", err)
	}
	if svc, _ := lbMgr.LookupService(key); svc.Count != 8 {
		t.Fatalf("expected 8 slots after recovery, got %d", svc.Count)
	}
}

// --- Flow D: Metrics and graceful shutdown ---

func TestIntegration_FlowD_Metrics(t *testing.T) {
	configYAML := `
services:
  - name: web-service
    frontend: 10.0.0.1:80
    protocol: tcp
    backends:
      - address: 192.168.1.10:8080
`
	dir := t.TempDir()
	srv := newTestServer(t, writeYAMLFile(t, dir, configYAML))
	defer srv.Close()
	if err := srv.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	if _, err := connectTo(t, srv, "10.0.0.1:80", 1); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	srv.exportTableStats()

	ts := httptest.NewServer(srv.metrics.Handler())
	defer ts.Close()
	resp, err := http.Get(ts.URL)
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{
		`ezsock_translations_total{direction="egress",reason="translated"} 1`,
		`ezsock_table_entries{table="revnat4"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("expected metrics to contain %q", want)
		}
	}
}

func TestIntegration_FlowD_GracefulShutdown(t *testing.T) {
	configYAML := `
global:
  log_level: info
  metrics_listen: 127.0.0.1:0
services:
  - name: web-service
    frontend: 10.0.0.1:80
    protocol: tcp
    backends:
      - address: 192.168.1.10:8080
        weight: 1
`
	dir := t.TempDir()
	configPath := writeYAMLFile(t, dir, configYAML)

	srv := newTestServer(t, configPath)

	ctx, cancel := context.WithCancel(context.Background())

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- srv.Run(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-serverDone:
		if err != nil {
			t.Fatalf("server Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for server to shut down")
	}
}
