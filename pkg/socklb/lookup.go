package socklb

import (
	"net/netip"

	"github.com/easzlab/ezsock/pkg/ipcache"
	"github.com/easzlab/ezsock/pkg/lbmap"
	"github.com/easzlab/ezsock/pkg/sockaddr"
)

// lookupService is the exact match lookup. A frontend without backend slots
// is reported as a miss.
func (e *Engine) lookupService(key lbmap.ServiceKey) (*lbmap.Service, bool) {
	svc, ok := e.services.LookupService(key)
	if !ok || svc.Count == 0 {
		return nil, false
	}
	return svc, true
}

// wildcardLookup retries key with a zeroed address. The port must lie in the
// NodePort range, or outside of it when invert is set. The address must be
// loopback (host namespace callers only) or belong to the host, or to a
// remote node when includeRemote is set. The returned key carries the zeroed
// address so that backend slots are read from the wildcard frontend.
func (e *Engine) wildcardLookup(key lbmap.ServiceKey, includeRemote, invert, inHost bool) (*lbmap.Service, lbmap.ServiceKey, bool) {
	if !e.opts.EnableNodePort {
		return nil, key, false
	}
	outside := key.Port < e.opts.NodePortMin || key.Port > e.opts.NodePortMax
	if outside != invert {
		return nil, key, false
	}

	if !inHost || !sockaddr.IsLoopback(key.Address) {
		id, ok := e.identities.Lookup(key.Address)
		if !ok {
			return nil, key, false
		}
		if id != ipcache.IdentityHost && (!includeRemote || id != ipcache.IdentityRemoteNode) {
			return nil, key, false
		}
	}

	key.Address = sockaddr.Zero(sockaddr.FamilyOf(key.Address))
	svc, ok := e.lookupService(key)
	return svc, key, ok
}

// wildcardLookupFull tries a NodePort frontend first, reachable through host
// and remote node addresses, then a HostPort frontend outside the NodePort
// range, reachable through host addresses only.
func (e *Engine) wildcardLookupFull(key lbmap.ServiceKey, inHost bool) (*lbmap.Service, lbmap.ServiceKey, bool) {
	svc, wkey, ok := e.wildcardLookup(key, true, false, inHost)
	if ok && svc.IsNodePort() {
		return svc, wkey, true
	}
	svc, wkey, ok = e.wildcardLookup(key, false, true, inHost)
	if ok && svc.IsHostPort() {
		return svc, wkey, true
	}
	return nil, key, false
}

// resolveService runs the exact lookup and falls back to the wildcard ones.
func (e *Engine) resolveService(key lbmap.ServiceKey, inHost bool) (*lbmap.Service, lbmap.ServiceKey, bool) {
	if svc, ok := e.lookupService(key); ok {
		return svc, key, true
	}
	return e.wildcardLookupFull(key, inHost)
}

// skipTranslation refuses to translate ExternalIP frontends, and HostPort
// frontends addressed through a non-loopback address, unless the address
// belongs to the host itself.
func (e *Engine) skipTranslation(svc *lbmap.Service, addr netip.Addr) bool {
	if svc.IsExternalIP() || (svc.IsHostPort() && !sockaddr.IsLoopback(addr)) {
		id, ok := e.identities.Lookup(addr)
		return !ok || id != ipcache.IdentityHost
	}
	return false
}
