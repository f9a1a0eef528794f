// Package hostns answers the host-specific questions of the socket hooks:
// whether a caller shares the host network namespace, and whether a local
// listener already serves an endpoint.
package hostns

// Oracle compares a caller's network namespace cookie with the host's.
type Oracle struct {
	hostCookie uint64
}

// NewStaticOracle creates an Oracle for a known host namespace cookie.
func NewStaticOracle(hostCookie uint64) *Oracle {
	return &Oracle{hostCookie: hostCookie}
}

// HostCookie returns the cookie of the host network namespace.
func (o *Oracle) HostCookie() uint64 {
	return o.hostCookie
}

// Identify reports whether the caller runs in the host namespace and returns
// the cookie used to tell clients apart. A caller without a namespace cookie
// is treated as part of the host and identified by its socket cookie.
func (o *Oracle) Identify(netnsCookie, socketCookie uint64) (bool, uint64) {
	if netnsCookie == 0 {
		return true, socketCookie
	}
	return netnsCookie == o.hostCookie, netnsCookie
}
