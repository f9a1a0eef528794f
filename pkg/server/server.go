package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"reflect"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/easzlab/ezsock/pkg/config"
	"github.com/easzlab/ezsock/pkg/healthcheck"
	"github.com/easzlab/ezsock/pkg/hostns"
	"github.com/easzlab/ezsock/pkg/ipcache"
	"github.com/easzlab/ezsock/pkg/lbmap"
	"github.com/easzlab/ezsock/pkg/metrics"
	"github.com/easzlab/ezsock/pkg/socklb"
	"go.uber.org/zap"
)

// tableStatsInterval is how often table occupancy is exported.
const tableStatsInterval = 10 * time.Second

// Server coordinates all modules and manages the overall service lifecycle.
type Server struct {
	configMgr  *config.Manager
	lbMgr      *lbmap.Manager
	reconciler *lbmap.Reconciler
	healthMgr  *healthcheck.Manager
	ipcache    *ipcache.IPCache
	engine     *socklb.Engine
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewServer initializes all modules and returns a ready-to-run Server.
func NewServer(configPath string, logger *zap.Logger) (*Server, error) {
	oracle, err := hostns.NewOracle(logger.Named("hostns"))
	if err != nil {
		return nil, fmt.Errorf("failed to identify host network namespace: %w", err)
	}
	return newServerWithOracle(configPath, oracle, hostns.NewSocketProber(logger.Named("hostns")), logger)
}

// newServerWithOracle initializes a Server with the given namespace oracle
// and socket prober. This allows tests to run without namespace access.
func newServerWithOracle(configPath string, oracle socklb.NamespaceOracle, prober socklb.SocketProber, logger *zap.Logger) (*Server, error) {
	// Initialize config manager
	configMgr, err := config.NewManager(configPath, logger.Named("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize config manager: %w", err)
	}
	cfg := configMgr.GetConfig()

	server := &Server{
		configMgr: configMgr,
		lbMgr:     lbmap.NewManager(logger.Named("lbmap")),
		ipcache:   ipcache.New(logger.Named("ipcache")),
		metrics:   metrics.New(),
		logger:    logger,
	}

	// Probe sockets carry the health mark only when the bind hook diverts them
	var healthOpts []healthcheck.Option
	if cfg.Global.EnableHealthCheckBind {
		healthOpts = append(healthOpts, healthcheck.WithProbeMark(socklb.HealthMark))
	}
	// Initialize health check manager with onChange callback that triggers reconcile
	server.healthMgr = healthcheck.NewManager(func() {
		server.triggerReconcile()
	}, logger.Named("healthcheck"), healthOpts...)

	// Initialize reconciler with health checker
	server.reconciler = lbmap.NewReconciler(server.lbMgr, server.healthMgr, logger.Named("reconciler"))

	deps := socklb.Dependencies{
		Services:   server.lbMgr,
		Identities: server.ipcache,
		Oracle:     oracle,
		Prober:     prober,
		Metrics:    server.metrics,
	}
	server.engine, err = socklb.New(socklb.OptionsFromConfig(cfg.Global), deps, logger.Named("socklb"))
	if err != nil {
		server.lbMgr.Close()
		return nil, fmt.Errorf("failed to initialize socket load balancer: %w", err)
	}

	return server, nil
}

// Run starts the server in daemon mode: performs initial sync, starts health checks,
// config watching and the metrics endpoint, then enters the main event loop until
// context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.configMgr.GetConfig()

	// Register health check targets and start checking
	s.healthMgr.UpdateTargets(ctx, cfg.Services)

	// Perform initial sync
	if err := s.apply(cfg); err != nil {
		s.logger.Error("initial sync failed", zap.Error(err))
	}

	// Start config file watching
	s.configMgr.WatchConfig()
	s.logger.Info("config watcher started")

	var metricsSrv *http.Server
	if cfg.Global.MetricsListen != "" {
		metricsSrv = s.startMetricsServer(cfg.Global.MetricsListen)
	}

	ticker := time.NewTicker(tableStatsInterval)
	defer ticker.Stop()
	s.exportTableStats()

	// Main event loop
	s.logger.Info("server started, entering main loop")
	for {
		select {
		case <-s.configMgr.OnChange():
			s.logger.Info("config change detected, triggering sync")
			newCfg := s.configMgr.GetConfig()
			if !reflect.DeepEqual(cfg.Global, newCfg.Global) {
				s.logger.Warn("global settings changed, restart to apply them")
			}
			s.healthMgr.UpdateTargets(ctx, newCfg.Services)
			if err := s.apply(newCfg); err != nil {
				s.logger.Error("sync after config change failed", zap.Error(err))
			}

		case <-ticker.C:
			s.exportTableStats()

		case <-ctx.Done():
			s.logger.Info("shutdown signal received, stopping server")
			if metricsSrv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
					s.logger.Warn("metrics server shutdown failed", zap.Error(err))
				}
				cancel()
			}
			s.shutdown()
			return nil
		}
	}
}

// Sync applies the current configuration once without starting health checks.
func (s *Server) Sync() error {
	if err := s.apply(s.configMgr.GetConfig()); err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}
	return nil
}

// RunOnce performs a single sync pass and then shuts down.
// This is used for validating a configuration (e.g., via CLI or cron).
func (s *Server) RunOnce() error {
	err := s.Sync()
	s.shutdown()
	return err
}

// Close releases all modules.
func (s *Server) Close() {
	s.shutdown()
}

// Config returns the configuration currently applied.
func (s *Server) Config() *config.Config {
	return s.configMgr.GetConfig()
}

// Translate runs a single socket hook against the current directory.
func (s *Server) Translate(hook socklb.Hook, sa *socklb.SockAddr) (socklb.Verdict, error) {
	return s.engine.Invoke(hook, sa)
}

// WriteDirectory prints every frontend with its backends in slot order.
func (s *Server) WriteDirectory(w io.Writer) error {
	services := s.lbMgr.GetServices()
	keys := make([]lbmap.ServiceKey, 0, len(services))
	for key := range services {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FRONTEND\tNAME\tFLAGS\tREVNAT\tBACKENDS")
	for _, key := range keys {
		svc := services[key]
		backends := make([]string, 0, svc.Count)
		for slot := uint16(1); slot <= svc.Count; slot++ {
			id, ok := s.lbMgr.LookupBackendSlot(key.Slot(slot))
			if !ok {
				backends = append(backends, "<missing>")
				continue
			}
			backend, ok := s.lbMgr.LookupBackend(id)
			if !ok {
				backends = append(backends, fmt.Sprintf("<unknown %d>", id))
				continue
			}
			backends = append(backends, netip.AddrPortFrom(backend.Address, backend.Port).String())
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", key, svc.Name, svc.Flags, svc.RevNatID, strings.Join(backends, ","))
	}
	return tw.Flush()
}

// apply loads the identity table and reconciles the service directory.
func (s *Server) apply(cfg *config.Config) error {
	var errs []error
	entries, err := ipcache.EntriesFromConfig(cfg.Identities)
	if err != nil {
		errs = append(errs, err)
	} else {
		s.ipcache.Replace(entries)
	}
	if err := s.reconciler.Reconcile(cfg.Services); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// triggerReconcile is called by the health check manager when a backend's health status changes.
func (s *Server) triggerReconcile() {
	cfg := s.configMgr.GetConfig()
	if err := s.reconciler.Reconcile(cfg.Services); err != nil {
		s.logger.Error("reconcile after health change failed", zap.Error(err))
	}
}

func (s *Server) exportTableStats() {
	for table, entries := range s.engine.TableEntries() {
		s.metrics.SetTableEntries(table, entries)
	}
	s.metrics.SetBackendHealth(s.healthMgr.Statuses())
}

func (s *Server) startMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server failed", zap.String("listen", addr), zap.Error(err))
		}
	}()
	s.logger.Info("metrics server started", zap.String("listen", addr))
	return srv
}

// shutdown gracefully stops all modules.
func (s *Server) shutdown() {
	s.healthMgr.Stop()
	s.lbMgr.Close()
	s.logger.Info("server stopped")
}
