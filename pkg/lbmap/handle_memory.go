package lbmap

import (
	"fmt"
	"sync"
)

type affinityMatchKey struct {
	revNat RevNatID
	id     BackendID
}

// memoryHandle keeps the directory tables in process memory. Readers take a
// shared lock per key lookup and always receive copies.
type memoryHandle struct {
	mu       sync.RWMutex
	services map[ServiceKey]*Service
	slots    map[ServiceKey]BackendID
	backends map[BackendID]*Backend
	matches  map[affinityMatchKey]struct{}
}

// NewHandle creates an in-memory directory handle.
func NewHandle() Handle {
	return &memoryHandle{
		services: make(map[ServiceKey]*Service),
		slots:    make(map[ServiceKey]BackendID),
		backends: make(map[BackendID]*Backend),
		matches:  make(map[affinityMatchKey]struct{}),
	}
}

func (h *memoryHandle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.services = nil
	h.slots = nil
	h.backends = nil
	h.matches = nil
}

func (h *memoryHandle) UpsertService(key ServiceKey, svc *Service) error {
	if key.BackendSlot != 0 {
		return fmt.Errorf("service record must use slot 0, got %s", key)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.services == nil {
		return fmt.Errorf("handle closed")
	}
	h.services[key] = cloneService(svc)
	return nil
}

func (h *memoryHandle) DeleteService(key ServiceKey) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.services[key]; !exists {
		return fmt.Errorf("service %s not found", key)
	}
	delete(h.services, key)
	return nil
}

func (h *memoryHandle) LookupService(key ServiceKey) (*Service, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	svc, ok := h.services[key]
	if !ok {
		return nil, false
	}
	return cloneService(svc), true
}

func (h *memoryHandle) UpsertSlot(key ServiceKey, id BackendID) error {
	if key.BackendSlot == 0 {
		return fmt.Errorf("backend slot must be positive for %s", key)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.slots == nil {
		return fmt.Errorf("handle closed")
	}
	h.slots[key] = id
	return nil
}

func (h *memoryHandle) DeleteSlot(key ServiceKey) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.slots[key]; !exists {
		return fmt.Errorf("slot %s not found", key)
	}
	delete(h.slots, key)
	return nil
}

func (h *memoryHandle) LookupSlot(key ServiceKey) (BackendID, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	id, ok := h.slots[key]
	return id, ok
}

func (h *memoryHandle) UpsertBackend(backend *Backend) error {
	if backend.ID == 0 {
		return fmt.Errorf("backend %s has no ID", backend)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.backends == nil {
		return fmt.Errorf("handle closed")
	}
	h.backends[backend.ID] = cloneBackend(backend)
	return nil
}

func (h *memoryHandle) DeleteBackend(id BackendID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.backends[id]; !exists {
		return fmt.Errorf("backend %d not found", id)
	}
	delete(h.backends, id)
	return nil
}

func (h *memoryHandle) LookupBackend(id BackendID) (*Backend, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	backend, ok := h.backends[id]
	if !ok {
		return nil, false
	}
	return cloneBackend(backend), true
}

func (h *memoryHandle) UpsertAffinityMatch(revNat RevNatID, id BackendID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.matches == nil {
		return fmt.Errorf("handle closed")
	}
	h.matches[affinityMatchKey{revNat, id}] = struct{}{}
	return nil
}

func (h *memoryHandle) DeleteAffinityMatch(revNat RevNatID, id BackendID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := affinityMatchKey{revNat, id}
	if _, exists := h.matches[key]; !exists {
		return fmt.Errorf("affinity match %d/%d not found", revNat, id)
	}
	delete(h.matches, key)
	return nil
}

func (h *memoryHandle) HasAffinityMatch(revNat RevNatID, id BackendID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.matches[affinityMatchKey{revNat, id}]
	return ok
}

func (h *memoryHandle) ListServices() map[ServiceKey]*Service {
	h.mu.RLock()
	defer h.mu.RUnlock()
	result := make(map[ServiceKey]*Service, len(h.services))
	for key, svc := range h.services {
		result[key] = cloneService(svc)
	}
	return result
}

func (h *memoryHandle) ListBackends() []*Backend {
	h.mu.RLock()
	defer h.mu.RUnlock()
	result := make([]*Backend, 0, len(h.backends))
	for _, backend := range h.backends {
		result = append(result, cloneBackend(backend))
	}
	return result
}

func (h *memoryHandle) Flush() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.services = make(map[ServiceKey]*Service)
	h.slots = make(map[ServiceKey]BackendID)
	h.backends = make(map[BackendID]*Backend)
	h.matches = make(map[affinityMatchKey]struct{})
	return nil
}

// cloneService creates a copy of a Service.
func cloneService(svc *Service) *Service {
	c := *svc
	return &c
}

// cloneBackend creates a copy of a Backend.
func cloneBackend(backend *Backend) *Backend {
	c := *backend
	return &c
}
