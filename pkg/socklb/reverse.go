package socklb

import (
	"errors"

	"github.com/easzlab/ezsock/pkg/lbmap"
	"github.com/easzlab/ezsock/pkg/revnat"
	"github.com/easzlab/ezsock/pkg/sockaddr"
)

// TranslateReverse rewrites a backend address about to be returned to the
// application back to the frontend it was translated from. The cached entry
// is validated against the live directory; a stale entry is deleted.
func (e *Engine) TranslateReverse(sa *SockAddr) error {
	if !e.reverseEnabled() {
		return ErrNotApplicable
	}
	switch sa.Family {
	case sockaddr.FamilyV4:
		if !e.opts.EnableIPv4 {
			return ErrNotApplicable
		}
		return e.reverse(sockaddr.FamilyV4, sa)
	case sockaddr.FamilyV6:
		if e.opts.EnableIPv6 {
			err := e.reverse(sockaddr.FamilyV6, sa)
			if !errors.Is(err, ErrNoReverseEntry) {
				return err
			}
		}
		return e.reverseV4InV6(sa)
	default:
		return ErrNotApplicable
	}
}

func (e *Engine) reverseV4InV6(sa *SockAddr) error {
	v4, ok := sockaddr.Unwrap(sa.Addr)
	if !ok || !e.opts.EnableIPv4 {
		// With IPv6 enabled the native table was already searched.
		if e.opts.EnableIPv6 {
			return ErrNoReverseEntry
		}
		return ErrNotApplicable
	}
	inner := *sa
	inner.Family = sockaddr.FamilyV4
	inner.Addr = v4
	if err := e.reverse(sockaddr.FamilyV4, &inner); err != nil {
		return err
	}
	sa.Addr = sockaddr.Wrap(inner.Addr)
	sa.Port = inner.Port
	return nil
}

func (e *Engine) reverse(family sockaddr.Family, sa *SockAddr) error {
	table := e.revnat[family]
	key := revnat.Key{Cookie: sa.Socket.Cookie, Address: sa.Addr, Port: sa.Port}
	entry, ok := table.Lookup(key)
	if !ok {
		return ErrNoReverseEntry
	}

	inHost, _ := e.oracle.Identify(sa.Socket.NetnsCookie, sa.Socket.Cookie)
	svcKey := lbmap.ServiceKey{Address: entry.Address, Port: entry.Port, Protocol: sa.Protocol}
	svc, _, ok := e.resolveService(svcKey, inHost)
	if !ok || svc.RevNatID != entry.RevNatID {
		table.Delete(key)
		return ErrStale
	}

	sa.Addr = entry.Address
	sa.Port = entry.Port
	return nil
}
