package lbmap

// Handle abstracts the directory tables. Every operation reads or writes a
// single key atomically; there is no multi-key transaction, so readers may
// observe a service record before or after its slots are rewritten.
type Handle interface {
	Close()

	UpsertService(key ServiceKey, svc *Service) error
	DeleteService(key ServiceKey) error
	LookupService(key ServiceKey) (*Service, bool)

	UpsertSlot(key ServiceKey, id BackendID) error
	DeleteSlot(key ServiceKey) error
	LookupSlot(key ServiceKey) (BackendID, bool)

	UpsertBackend(backend *Backend) error
	DeleteBackend(id BackendID) error
	LookupBackend(id BackendID) (*Backend, bool)

	UpsertAffinityMatch(revNat RevNatID, id BackendID) error
	DeleteAffinityMatch(revNat RevNatID, id BackendID) error
	HasAffinityMatch(revNat RevNatID, id BackendID) bool

	// ListServices returns every service record keyed by its master key.
	ListServices() map[ServiceKey]*Service
	ListBackends() []*Backend
	Flush() error
}
