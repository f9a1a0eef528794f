package healthcheck

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/easzlab/ezsock/pkg/config"
	"go.uber.org/zap"
)

// probeSpec is the probe configuration of one service, shared by its backends.
type probeSpec struct {
	checker   Checker
	interval  time.Duration
	failCount int
	riseCount int
	// signature identifies the configuration the checker was built from, so
	// that a changed health_check section restarts the probe loop.
	signature string
}

// threshold debounces probe results: a backend flips to unhealthy after
// failCount consecutive failures and back after riseCount consecutive successes.
type threshold struct {
	healthy bool
	fails   int
	oks     int
}

// observe records one probe result and reports whether the health state flipped.
func (t *threshold) observe(checkErr error, failCount, riseCount int) bool {
	if checkErr != nil {
		t.fails++
		t.oks = 0
		if t.healthy && t.fails >= failCount {
			t.healthy = false
			return true
		}
		return false
	}
	t.oks++
	t.fails = 0
	if !t.healthy && t.oks >= riseCount {
		t.healthy = true
		return true
	}
	return false
}

// target is a backend under active checking.
type target struct {
	spec   probeSpec
	state  threshold
	cancel context.CancelFunc
}

// Manager runs one probe loop per backend of every service with health
// checking enabled. A backend shared by several services is probed once,
// with the configuration of the first service that lists it.
type Manager struct {
	mu       sync.RWMutex
	targets  map[string]*target // key: backend address
	onChange func()
	mark     uint32
	logger   *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithProbeMark marks every probe socket with mark so the socket hooks can
// tell probes apart from application traffic.
func WithProbeMark(mark uint32) Option {
	return func(m *Manager) {
		m.mark = mark
	}
}

// NewManager creates a new health check Manager.
// The onChange callback is invoked whenever a backend's health status changes.
func NewManager(onChange func(), logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		targets:  make(map[string]*target),
		onChange: onChange,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// newChecker builds the probe for a service's health check configuration.
func (m *Manager) newChecker(hc config.HealthCheckConfig) Checker {
	if hc.GetType() == "http" {
		return NewHTTPChecker(hc.GetTimeout(), hc.GetHTTPPath(), hc.GetHTTPExpectedStatus(), m.mark)
	}
	return NewTCPChecker(hc.GetTimeout(), m.mark)
}

func specSignature(hc config.HealthCheckConfig) string {
	return fmt.Sprintf("%s|%s|%s|%d|%d|%s|%d", hc.GetType(), hc.GetInterval(), hc.GetTimeout(),
		hc.GetFailCount(), hc.GetRiseCount(), hc.GetHTTPPath(), hc.GetHTTPExpectedStatus())
}

// IsHealthy reports whether address may receive traffic. Addresses that are
// not probed, including backends of services without health checking, are
// healthy.
func (m *Manager) IsHealthy(address string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.targets[address]
	if !ok {
		return true
	}
	return t.state.healthy
}

// Statuses returns the health of every probed backend keyed by address.
func (m *Manager) Statuses() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]bool, len(m.targets))
	for address, t := range m.targets {
		result[address] = t.state.healthy
	}
	return result
}

// desiredSpecs collects the probe configuration per backend address.
func (m *Manager) desiredSpecs(services []config.ServiceConfig) map[string]probeSpec {
	desired := make(map[string]probeSpec)
	for _, svc := range services {
		if !svc.HealthCheck.IsEnabled() {
			continue
		}
		signature := specSignature(svc.HealthCheck)
		var spec *probeSpec
		for _, backend := range svc.Backends {
			if _, seen := desired[backend.Address]; seen {
				continue
			}
			if spec == nil {
				spec = &probeSpec{
					checker:   m.newChecker(svc.HealthCheck),
					interval:  svc.HealthCheck.GetInterval(),
					failCount: svc.HealthCheck.GetFailCount(),
					riseCount: svc.HealthCheck.GetRiseCount(),
					signature: signature,
				}
			}
			desired[backend.Address] = *spec
		}
	}
	return desired
}

// UpdateTargets synchronizes the probed backends with services. New backends
// start healthy, removed ones (or ones whose service disabled checking) stop
// being probed, and a changed health_check section restarts the loop while
// keeping the current health state.
func (m *Manager) UpdateTargets(ctx context.Context, services []config.ServiceConfig) {
	desired := m.desiredSpecs(services)

	m.mu.Lock()
	defer m.mu.Unlock()

	for address, t := range m.targets {
		spec, keep := desired[address]
		if !keep {
			t.cancel()
			delete(m.targets, address)
			m.logger.Info("stopped health check", zap.String("address", address))
			continue
		}
		if spec.signature != t.spec.signature {
			t.cancel()
			t.spec = spec
			t.state.fails, t.state.oks = 0, 0
			m.startLocked(ctx, address, t)
			m.logger.Info("restarted health check with new settings", zap.String("address", address))
		}
	}

	for address, spec := range desired {
		if _, exists := m.targets[address]; exists {
			continue
		}
		t := &target{spec: spec, state: threshold{healthy: true}}
		m.targets[address] = t
		m.startLocked(ctx, address, t)
		m.logger.Info("started health check", zap.String("address", address))
	}
}

// startLocked launches the probe loop of t. Must be called with m.mu held.
func (m *Manager) startLocked(ctx context.Context, address string, t *target) {
	probeCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	go m.probeLoop(probeCtx, address, t, t.spec)
}

func (m *Manager) probeLoop(ctx context.Context, address string, t *target, spec probeSpec) {
	ticker := time.NewTicker(spec.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := spec.checker.Check(ctx, address)
			if ctx.Err() != nil {
				return
			}
			m.record(address, t, spec, err)
		}
	}
}

// record applies one probe result and fires onChange on a transition.
// Results from a loop that was replaced or stopped are dropped.
func (m *Manager) record(address string, t *target, spec probeSpec, checkErr error) {
	m.mu.Lock()
	if m.targets[address] != t || t.spec.signature != spec.signature {
		m.mu.Unlock()
		return
	}
	changed := t.state.observe(checkErr, spec.failCount, spec.riseCount)
	healthy := t.state.healthy
	m.mu.Unlock()

	if !changed {
		return
	}
	if healthy {
		m.logger.Info("backend marked healthy", zap.String("address", address))
	} else {
		m.logger.Warn("backend marked unhealthy", zap.String("address", address), zap.Error(checkErr))
	}
	if m.onChange != nil {
		m.onChange()
	}
}

// Stop cancels every probe loop and forgets all backends.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.targets {
		t.cancel()
	}
	m.targets = make(map[string]*target)
	m.logger.Info("all health checks stopped")
}
