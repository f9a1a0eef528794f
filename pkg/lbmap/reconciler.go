package lbmap

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/easzlab/ezsock/pkg/config"
	"go.uber.org/zap"
)

// HealthChecker is the interface used by Reconciler to query backend health status.
// This decouples the lbmap package from the healthcheck package.
type HealthChecker interface {
	IsHealthy(address string) bool
}

// Reconciler implements declarative reconciliation between desired state
// (config + health) and the directory tables read by the socket hooks.
type Reconciler struct {
	manager   *Manager
	healthMgr HealthChecker
	logger    *zap.Logger

	managed    map[ServiceKey]bool // frontends written by this reconciler
	revNatIDs  map[ServiceKey]RevNatID
	backendIDs map[BackendKey]BackendID
	matches    map[RevNatID]map[BackendID]bool
	revNatPool *idAllocator
	backendIDP *idAllocator
	mu         sync.Mutex
}

// NewReconciler creates a new Reconciler.
func NewReconciler(manager *Manager, healthMgr HealthChecker, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		manager:    manager,
		healthMgr:  healthMgr,
		logger:     logger,
		managed:    make(map[ServiceKey]bool),
		revNatIDs:  make(map[ServiceKey]RevNatID),
		backendIDs: make(map[BackendKey]BackendID),
		matches:    make(map[RevNatID]map[BackendID]bool),
		revNatPool: newIDAllocator(math.MaxUint16),
		backendIDP: newIDAllocator(math.MaxUint32 - 1),
	}
}

// desiredService holds the desired service record and its healthy backends.
type desiredService struct {
	key      ServiceKey
	service  *Service
	backends []BackendKey
	weights  []int
}

// Reconcile compares the desired state (from config + health check) with the
// directory tables and applies the necessary changes.
func (r *Reconciler) Reconcile(desiredConfigs []config.ServiceConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.logger.Info("starting reconcile", zap.Int("desired_services", len(desiredConfigs)))

	// Phase 1: Build desired state
	desired, err := r.buildDesiredState(desiredConfigs)
	if err != nil {
		return fmt.Errorf("failed to build desired state: %w", err)
	}
	desiredMap := make(map[ServiceKey]*desiredService, len(desired))
	for _, d := range desired {
		desiredMap[d.key] = d
	}

	// Phase 2: Current state of the frontends managed by this reconciler
	actualMap := make(map[ServiceKey]*Service)
	for key, svc := range r.manager.GetServices() {
		if r.managed[key] {
			actualMap[key] = svc
		}
	}

	var reconcileErrors []error

	// Phase 3: Backends must exist before any slot points at them
	wantBackends := make(map[BackendKey]bool)
	for _, d := range desired {
		for _, bk := range d.backends {
			wantBackends[bk] = true
		}
	}
	for _, d := range desired {
		for _, bk := range d.backends {
			if err := r.ensureBackend(bk); err != nil {
				reconcileErrors = append(reconcileErrors, err)
			}
		}
	}

	// Phase 4: Frontends in config order so ID assignment is deterministic
	for _, d := range desired {
		if err := r.reconcileService(d, actualMap[d.key]); err != nil {
			reconcileErrors = append(reconcileErrors, err)
		}
	}

	// Delete frontends that are managed but no longer desired
	for key, actual := range actualMap {
		if _, exists := desiredMap[key]; exists {
			continue
		}
		if err := r.removeService(key, actual); err != nil {
			reconcileErrors = append(reconcileErrors, err)
		}
	}

	// Delete backends no frontend references any more
	for bk, id := range r.backendIDs {
		if wantBackends[bk] {
			continue
		}
		if err := r.manager.DeleteBackend(id); err != nil {
			reconcileErrors = append(reconcileErrors, fmt.Errorf("delete backend %s: %w", bk, err))
			continue
		}
		delete(r.backendIDs, bk)
		r.backendIDP.release(uint32(id))
	}

	if len(reconcileErrors) > 0 {
		r.logger.Error("reconcile completed with errors", zap.Int("error_count", len(reconcileErrors)))
		return errors.Join(reconcileErrors...)
	}

	r.logger.Info("reconcile completed successfully")
	return nil
}

// RevNatID returns the reverse-NAT ID assigned to a managed frontend.
func (r *Reconciler) RevNatID(key ServiceKey) (RevNatID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.revNatIDs[key.Master()]
	return id, ok
}

// buildDesiredState converts config services into desired directory entries,
// filtering out unhealthy backends.
func (r *Reconciler) buildDesiredState(configs []config.ServiceConfig) ([]*desiredService, error) {
	result := make([]*desiredService, 0, len(configs))

	for _, svcCfg := range configs {
		key, err := ServiceKeyFromConfig(svcCfg)
		if err != nil {
			return nil, fmt.Errorf("service %q: %w", svcCfg.Name, err)
		}
		svc, err := ServiceFromConfig(svcCfg)
		if err != nil {
			return nil, fmt.Errorf("service %q: %w", svcCfg.Name, err)
		}

		d := &desiredService{
			key:     key,
			service: svc,
		}
		for _, backendCfg := range svcCfg.Backends {
			// Filter out unhealthy backends (only when health check is enabled)
			if svcCfg.HealthCheck.IsEnabled() && !r.healthMgr.IsHealthy(backendCfg.Address) {
				r.logger.Info("skipping unhealthy backend",
					zap.String("service", svcCfg.Name),
					zap.String("backend", backendCfg.Address),
				)
				continue
			}

			bk, err := BackendKeyFromConfig(backendCfg, key.Protocol)
			if err != nil {
				return nil, fmt.Errorf("service %q, backend %q: %w", svcCfg.Name, backendCfg.Address, err)
			}
			d.backends = append(d.backends, bk)
			d.weights = append(d.weights, backendCfg.GetWeight())
		}
		result = append(result, d)
	}

	return result, nil
}

// ensureBackend allocates an ID for bk and writes its record if it is new.
func (r *Reconciler) ensureBackend(bk BackendKey) error {
	if _, exists := r.backendIDs[bk]; exists {
		return nil
	}
	raw, err := r.backendIDP.allocate()
	if err != nil {
		return fmt.Errorf("allocate backend id for %s: %w", bk, err)
	}
	backend := &Backend{
		ID:       BackendID(raw),
		Address:  bk.Address,
		Port:     bk.Port,
		Protocol: bk.Protocol,
	}
	if err := r.manager.UpsertBackend(backend); err != nil {
		r.backendIDP.release(raw)
		return fmt.Errorf("create backend %s: %w", bk, err)
	}
	r.backendIDs[bk] = backend.ID
	return nil
}

// reconcileService writes the slots, the service record and the affinity
// matches of one frontend. Slots are written before the record so a reader
// never sees a count pointing past the written slots.
func (r *Reconciler) reconcileService(d *desiredService, actual *Service) error {
	revNat, exists := r.revNatIDs[d.key]
	if !exists {
		raw, err := r.revNatPool.allocate()
		if err != nil {
			return fmt.Errorf("allocate rev nat id for %s: %w", d.key, err)
		}
		revNat = RevNatID(raw)
		r.revNatIDs[d.key] = revNat
	}
	d.service.RevNatID = revNat

	var ids []BackendID
	for i, bk := range d.backends {
		id, ok := r.backendIDs[bk]
		if !ok {
			continue
		}
		for w := 0; w < d.weights[i]; w++ {
			ids = append(ids, id)
		}
	}
	if len(ids) > math.MaxUint16 {
		return fmt.Errorf("service %s: %d backend slots exceed the slot space", d.key, len(ids))
	}

	var reconcileErrors []error
	for i, id := range ids {
		slotKey := d.key.Slot(uint16(i + 1))
		if current, ok := r.manager.LookupBackendSlot(slotKey); ok && current == id {
			continue
		}
		if err := r.manager.UpsertSlot(slotKey, id); err != nil {
			reconcileErrors = append(reconcileErrors, err)
		}
	}
	if len(reconcileErrors) > 0 {
		return errors.Join(reconcileErrors...)
	}

	d.service.Count = uint16(len(ids))
	if actual == nil || *actual != *d.service {
		if err := r.manager.UpsertService(d.key, d.service); err != nil {
			return err
		}
	}
	r.managed[d.key] = true

	if actual != nil {
		for slot := uint32(d.service.Count) + 1; slot <= uint32(actual.Count); slot++ {
			if err := r.manager.DeleteSlot(d.key.Slot(uint16(slot))); err != nil {
				reconcileErrors = append(reconcileErrors, err)
			}
		}
	}

	want := make(map[BackendID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	have := r.matches[revNat]
	if have == nil {
		have = make(map[BackendID]bool)
		r.matches[revNat] = have
	}
	for id := range want {
		if have[id] {
			continue
		}
		if err := r.manager.AddAffinityMatch(revNat, id); err != nil {
			reconcileErrors = append(reconcileErrors, err)
			continue
		}
		have[id] = true
	}
	for id := range have {
		if want[id] {
			continue
		}
		if err := r.manager.RemoveAffinityMatch(revNat, id); err != nil {
			reconcileErrors = append(reconcileErrors, err)
			continue
		}
		delete(have, id)
	}

	if len(reconcileErrors) > 0 {
		return errors.Join(reconcileErrors...)
	}
	return nil
}

// removeService deletes a frontend: record first so readers stop selecting
// from it, then its slots and affinity matches.
func (r *Reconciler) removeService(key ServiceKey, actual *Service) error {
	if err := r.manager.DeleteService(key); err != nil {
		return fmt.Errorf("delete service %s: %w", key, err)
	}
	delete(r.managed, key)

	var reconcileErrors []error
	for slot := uint32(1); slot <= uint32(actual.Count); slot++ {
		if err := r.manager.DeleteSlot(key.Slot(uint16(slot))); err != nil {
			reconcileErrors = append(reconcileErrors, err)
		}
	}

	if revNat, ok := r.revNatIDs[key]; ok {
		for id := range r.matches[revNat] {
			if err := r.manager.RemoveAffinityMatch(revNat, id); err != nil {
				reconcileErrors = append(reconcileErrors, err)
			}
		}
		delete(r.matches, revNat)
		delete(r.revNatIDs, key)
		r.revNatPool.release(uint32(revNat))
	}

	if len(reconcileErrors) > 0 {
		return errors.Join(reconcileErrors...)
	}
	return nil
}
