package lbmap

import (
	"fmt"

	"go.uber.org/zap"
)

// Manager wraps the directory Handle with logged write operations and
// unlogged reads for the translation hot path.
type Manager struct {
	handle Handle
	logger *zap.Logger
}

// NewManager creates a new directory Manager backed by an in-memory handle.
func NewManager(logger *zap.Logger) *Manager {
	logger.Info("service directory initialized")
	return &Manager{
		handle: NewHandle(),
		logger: logger,
	}
}

// newManagerWithHandle creates a Manager with a pre-initialized Handle.
// This is used in tests to inject a specific handle implementation.
func newManagerWithHandle(handle Handle, logger *zap.Logger) *Manager {
	return &Manager{
		handle: handle,
		logger: logger,
	}
}

// Close releases the directory tables.
func (m *Manager) Close() {
	m.handle.Close()
	m.logger.Info("service directory closed")
}

// LookupService returns the service record for key (slot 0).
func (m *Manager) LookupService(key ServiceKey) (*Service, bool) {
	return m.handle.LookupService(key.Master())
}

// LookupBackendSlot returns the backend ID stored under a slot key.
func (m *Manager) LookupBackendSlot(key ServiceKey) (BackendID, bool) {
	return m.handle.LookupSlot(key)
}

// LookupBackend returns the backend record for id.
func (m *Manager) LookupBackend(id BackendID) (*Backend, bool) {
	return m.handle.LookupBackend(id)
}

// BackendInService reports whether the backend currently serves the frontend
// identified by revNat.
func (m *Manager) BackendInService(revNat RevNatID, id BackendID) bool {
	return m.handle.HasAffinityMatch(revNat, id)
}

// GetServices returns every service record keyed by its master key.
func (m *Manager) GetServices() map[ServiceKey]*Service {
	return m.handle.ListServices()
}

// GetBackends returns every backend record.
func (m *Manager) GetBackends() []*Backend {
	return m.handle.ListBackends()
}

// UpsertService creates or replaces a service record.
func (m *Manager) UpsertService(key ServiceKey, svc *Service) error {
	if err := m.handle.UpsertService(key, svc); err != nil {
		return fmt.Errorf("failed to upsert service %s: %w", key, err)
	}
	m.logger.Info("upserted service",
		zap.String("frontend", key.String()),
		zap.String("name", svc.Name),
		zap.Uint16("count", svc.Count),
		zap.Uint16("rev_nat_id", uint16(svc.RevNatID)),
		zap.Stringer("flags", svc.Flags),
	)
	return nil
}

// DeleteService removes a service record.
func (m *Manager) DeleteService(key ServiceKey) error {
	if err := m.handle.DeleteService(key); err != nil {
		return fmt.Errorf("failed to delete service %s: %w", key, err)
	}
	m.logger.Info("deleted service", zap.String("frontend", key.String()))
	return nil
}

// UpsertSlot points a backend slot of a frontend at a backend.
func (m *Manager) UpsertSlot(key ServiceKey, id BackendID) error {
	if err := m.handle.UpsertSlot(key, id); err != nil {
		return fmt.Errorf("failed to upsert slot %s: %w", key, err)
	}
	m.logger.Debug("upserted backend slot",
		zap.String("slot", key.String()),
		zap.Uint32("backend_id", uint32(id)),
	)
	return nil
}

// DeleteSlot removes a backend slot of a frontend.
func (m *Manager) DeleteSlot(key ServiceKey) error {
	if err := m.handle.DeleteSlot(key); err != nil {
		return fmt.Errorf("failed to delete slot %s: %w", key, err)
	}
	m.logger.Debug("deleted backend slot", zap.String("slot", key.String()))
	return nil
}

// UpsertBackend creates or replaces a backend record.
func (m *Manager) UpsertBackend(backend *Backend) error {
	if err := m.handle.UpsertBackend(backend); err != nil {
		return fmt.Errorf("failed to upsert backend %s: %w", backend, err)
	}
	m.logger.Info("upserted backend", zap.Stringer("backend", backend))
	return nil
}

// DeleteBackend removes a backend record.
func (m *Manager) DeleteBackend(id BackendID) error {
	if err := m.handle.DeleteBackend(id); err != nil {
		return fmt.Errorf("failed to delete backend %d: %w", id, err)
	}
	m.logger.Info("deleted backend", zap.Uint32("backend_id", uint32(id)))
	return nil
}

// AddAffinityMatch records that a backend serves the frontend revNat.
func (m *Manager) AddAffinityMatch(revNat RevNatID, id BackendID) error {
	if err := m.handle.UpsertAffinityMatch(revNat, id); err != nil {
		return fmt.Errorf("failed to add affinity match %d/%d: %w", revNat, id, err)
	}
	return nil
}

// RemoveAffinityMatch forgets that a backend serves the frontend revNat.
func (m *Manager) RemoveAffinityMatch(revNat RevNatID, id BackendID) error {
	if err := m.handle.DeleteAffinityMatch(revNat, id); err != nil {
		return fmt.Errorf("failed to remove affinity match %d/%d: %w", revNat, id, err)
	}
	return nil
}

// Flush removes every directory entry.
func (m *Manager) Flush() error {
	if err := m.handle.Flush(); err != nil {
		return fmt.Errorf("failed to flush directory: %w", err)
	}
	m.logger.Info("flushed service directory")
	return nil
}
