package socklb

import (
	"fmt"
	"net/netip"

	"github.com/easzlab/ezsock/pkg/healthprobe"
	"github.com/easzlab/ezsock/pkg/lbmap"
	"github.com/easzlab/ezsock/pkg/sockaddr"
)

// PreBind registers the requested address of a host namespace probe socket
// as its peer and rewrites the bind to the wildcard address and port.
func (e *Engine) PreBind(sa *SockAddr) error {
	if !e.opts.EnableHealthCheckBind {
		return ErrNotApplicable
	}
	if !e.protocolEnabled(sa.Protocol) {
		return ErrUnsupportedProtocol
	}
	if inHost, _ := e.oracle.Identify(sa.Socket.NetnsCookie, sa.Socket.Cookie); !inHost {
		return ErrNotApplicable
	}
	if sa.Socket.Mark != HealthMark {
		return ErrNotApplicable
	}

	switch sa.Family {
	case sockaddr.FamilyV4:
		if !e.opts.EnableIPv4 {
			return ErrNotApplicable
		}
		return e.registerProbe(sockaddr.FamilyV4, sa)
	case sockaddr.FamilyV6:
		if v4, ok := sockaddr.Unwrap(sa.Addr); ok {
			if !e.opts.EnableIPv4 {
				return ErrNotApplicable
			}
			inner := *sa
			inner.Family = sockaddr.FamilyV4
			inner.Addr = v4
			if err := e.registerProbe(sockaddr.FamilyV4, &inner); err != nil {
				return err
			}
			sa.Addr = sockaddr.Wrap(inner.Addr)
			sa.Port = inner.Port
			return nil
		}
		if !e.opts.EnableIPv6 {
			return ErrNotApplicable
		}
		return e.registerProbe(sockaddr.FamilyV6, sa)
	default:
		return ErrNotApplicable
	}
}

func (e *Engine) registerProbe(family sockaddr.Family, sa *SockAddr) error {
	entry := healthprobe.Entry{
		Peer:     sockaddr.NewEndpoint(sa.Addr, sa.Port),
		Protocol: sa.Protocol,
		Family:   family,
	}
	if err := e.health.Register(sa.Socket.Cookie, entry); err != nil {
		return fmt.Errorf("%w: %v", ErrOutOfResources, err)
	}
	sa.Addr = sockaddr.Zero(family)
	sa.Port = 0
	return nil
}

// HealthForward diverts the connect of a probe socket to the port registered
// at bind time. The address is left as requested.
func (e *Engine) HealthForward(sa *SockAddr) error {
	if e.opts.SkipL4DNAT {
		return ErrNotApplicable
	}
	family := sa.Family
	if sockaddr.IsV4InV6(sa.Addr) {
		family = sockaddr.FamilyV4
	}
	entry, ok := e.health.Lookup(sa.Socket.Cookie)
	if !ok || entry.Family != family {
		return ErrNoHealthProbe
	}
	sa.Port = entry.Peer.Port
	return nil
}

// CheckBind reports ErrAddrInUse when the local address of a host namespace
// socket matches a NodePort, ExternalIP or LoadBalancer frontend exactly or
// through the wildcard frontend.
func (e *Engine) CheckBind(sa *SockAddr) error {
	if !e.opts.EnableNodePort {
		return ErrNotApplicable
	}
	if !e.protocolEnabled(sa.Protocol) {
		return ErrUnsupportedProtocol
	}
	if inHost, _ := e.oracle.Identify(sa.Socket.NetnsCookie, sa.Socket.Cookie); !inHost {
		return ErrNotApplicable
	}

	switch sa.Family {
	case sockaddr.FamilyV4:
		if !e.opts.EnableIPv4 {
			return ErrNotApplicable
		}
		return e.checkBind(sa.Addr, sa.Port, sa.Protocol, nil)
	case sockaddr.FamilyV6:
		fallback := func() error {
			v4, ok := sockaddr.Unwrap(sa.Addr)
			if !ok || !e.opts.EnableIPv4 {
				return nil
			}
			return e.checkBind(v4, sa.Port, sa.Protocol, nil)
		}
		if !e.opts.EnableIPv6 {
			return fallback()
		}
		return e.checkBind(sa.Addr, sa.Port, sa.Protocol, fallback)
	default:
		return ErrNotApplicable
	}
}

// checkBind runs fallback, when given, if neither lookup finds a frontend.
func (e *Engine) checkBind(addr netip.Addr, port uint16, protocol lbmap.Protocol, fallback func() error) error {
	key := lbmap.ServiceKey{Address: addr, Port: port, Protocol: protocol}
	svc, ok := e.lookupService(key)
	if !ok {
		svc, _, ok = e.wildcardLookup(key, false, false, true)
	}
	if !ok {
		if fallback != nil {
			return fallback()
		}
		return nil
	}
	if svc.IsNodePort() || svc.IsExternalIP() || svc.IsLoadBalancer() {
		return ErrAddrInUse
	}
	return nil
}
