package socklb

import (
	"fmt"

	"github.com/easzlab/ezsock/pkg/affinity"
	"github.com/easzlab/ezsock/pkg/lbmap"
	"github.com/easzlab/ezsock/pkg/revnat"
	"github.com/easzlab/ezsock/pkg/sockaddr"
)

// TranslateForward rewrites the destination of sa to a backend when it
// addresses a service. udpOnly skips the protocol check for callers that
// only see datagram sockets. On any error sa is left untouched.
func (e *Engine) TranslateForward(sa *SockAddr, udpOnly bool) error {
	switch sa.Family {
	case sockaddr.FamilyV4:
		if !e.opts.EnableIPv4 {
			return ErrNotApplicable
		}
		return e.forward(sockaddr.FamilyV4, sa, udpOnly)
	case sockaddr.FamilyV6:
		if e.opts.EnableIPv6 && !sockaddr.IsV4InV6(sa.Addr) {
			return e.forward(sockaddr.FamilyV6, sa, udpOnly)
		}
		return e.forwardV4InV6(sa, udpOnly)
	default:
		return ErrNotApplicable
	}
}

// forwardV4InV6 runs the IPv4 path for an IPv4-mapped destination and maps
// the result back. It is reached for native IPv6 destinations only when IPv6
// is disabled.
func (e *Engine) forwardV4InV6(sa *SockAddr, udpOnly bool) error {
	v4, ok := sockaddr.Unwrap(sa.Addr)
	if !ok || !e.opts.EnableIPv4 {
		return ErrNotApplicable
	}
	inner := *sa
	inner.Family = sockaddr.FamilyV4
	inner.Addr = v4
	if err := e.forward(sockaddr.FamilyV4, &inner, udpOnly); err != nil {
		return err
	}
	sa.Addr = sockaddr.Wrap(inner.Addr)
	sa.Port = inner.Port
	return nil
}

func (e *Engine) forward(family sockaddr.Family, sa *SockAddr, udpOnly bool) error {
	inHost, clientCookie := e.oracle.Identify(sa.Socket.NetnsCookie, sa.Socket.Cookie)
	if e.opts.HostOnly && !inHost {
		return ErrNotApplicable
	}
	if !udpOnly && !e.protocolEnabled(sa.Protocol) {
		return ErrUnsupportedProtocol
	}

	origKey := lbmap.ServiceKey{Address: sa.Addr, Port: sa.Port, Protocol: sa.Protocol}
	svc, key, ok := e.resolveService(origKey, inHost)
	if !ok {
		return ErrNoService
	}
	if e.skipTranslation(svc, origKey.Address) {
		return ErrPermission
	}

	backend, fromAffinity, err := e.selectBackend(family, svc, key, sa, clientCookie)
	if err != nil {
		return err
	}

	if svc.IsLocalRedirect() && e.prober != nil &&
		e.prober.Listening(sa.Protocol, sockaddr.NewEndpoint(backend.Address, backend.Port)) {
		return ErrLoopbackRedirect
	}

	if svc.HasAffinity() && !fromAffinity {
		e.affinity[family].Update(affinity.Key{RevNatID: svc.RevNatID, ClientCookie: clientCookie}, backend.ID)
	}

	if e.reverseEnabled() {
		rkey := revnat.Key{Cookie: sa.Socket.Cookie, Address: backend.Address, Port: backend.Port}
		entry := revnat.Entry{Address: origKey.Address, Port: origKey.Port, RevNatID: svc.RevNatID}
		if err := e.revnat[family].Record(rkey, entry); err != nil {
			return fmt.Errorf("%w: %v", ErrOutOfResources, err)
		}
	}

	sa.Addr = backend.Address
	sa.Port = backend.Port
	return nil
}

// selectBackend prefers a live affinity entry and otherwise picks a slot:
// randomly for TCP, by socket cookie for datagram protocols so that repeated
// sends from one socket land on the same slot.
func (e *Engine) selectBackend(family sockaddr.Family, svc *lbmap.Service, key lbmap.ServiceKey, sa *SockAddr, clientCookie uint64) (*lbmap.Backend, bool, error) {
	if svc.HasAffinity() {
		if id := e.affinityBackend(family, svc, clientCookie); id != 0 {
			if backend, ok := e.services.LookupBackend(id); ok {
				return backend, true, nil
			}
		}
	}

	var selector uint64
	if sa.Protocol == lbmap.ProtoTCP {
		selector = uint64(e.rand())
	} else {
		selector = sa.Socket.Cookie
	}
	slot := uint16(selector%uint64(svc.Count)) + 1

	id, ok := e.services.LookupBackendSlot(key.Slot(slot))
	if !ok {
		return nil, false, ErrNoBackendSlot
	}
	backend, ok := e.services.LookupBackend(id)
	if !ok {
		return nil, false, ErrNoBackend
	}
	return backend, false, nil
}

// affinityBackend returns the sticky backend of a client, or 0 when there is
// none, its lease ran out, or the backend no longer serves the frontend.
// Entries are not deleted here; a new selection overwrites them.
func (e *Engine) affinityBackend(family sockaddr.Family, svc *lbmap.Service, clientCookie uint64) lbmap.BackendID {
	table := e.affinity[family]
	key := affinity.Key{RevNatID: svc.RevNatID, ClientCookie: clientCookie}
	entry, ok := table.Lookup(key)
	if !ok {
		return 0
	}
	if entry.Expired(table.Now(), svc.AffinityTimeout) {
		return 0
	}
	if !e.services.BackendInService(svc.RevNatID, entry.BackendID) {
		return 0
	}
	table.Touch(key, entry.BackendID)
	return entry.BackendID
}
