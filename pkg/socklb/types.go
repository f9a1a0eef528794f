package socklb

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/easzlab/ezsock/pkg/affinity"
	"github.com/easzlab/ezsock/pkg/config"
	"github.com/easzlab/ezsock/pkg/healthprobe"
	"github.com/easzlab/ezsock/pkg/ipcache"
	"github.com/easzlab/ezsock/pkg/lbmap"
	"github.com/easzlab/ezsock/pkg/revnat"
	"github.com/easzlab/ezsock/pkg/sockaddr"
)

// HealthMark is the SO_MARK value carried by the agent's own probe sockets.
const HealthMark uint32 = 0x0D00

// Verdict tells the caller whether the socket operation may continue.
type Verdict int

const (
	Proceed Verdict = iota
	Reject
)

func (v Verdict) String() string {
	if v == Reject {
		return "reject"
	}
	return "proceed"
}

// Socket carries the identity of the socket a hook runs for.
type Socket struct {
	Cookie      uint64
	NetnsCookie uint64
	Mark        uint32
}

// SockAddr is the mutable hook context. For connect, sendmsg and bind it is
// the requested destination or local address; for recvmsg and getpeername it
// is the peer address about to be returned to the application.
type SockAddr struct {
	Family   sockaddr.Family
	Protocol lbmap.Protocol
	Addr     netip.Addr
	Port     uint16
	Socket   Socket
}

func (sa *SockAddr) String() string {
	return fmt.Sprintf("%s %s %s", sa.Family, sa.Protocol, netip.AddrPortFrom(sa.Addr, sa.Port))
}

// ServiceReader is the read path of the service directory.
type ServiceReader interface {
	LookupService(key lbmap.ServiceKey) (*lbmap.Service, bool)
	LookupBackendSlot(key lbmap.ServiceKey) (lbmap.BackendID, bool)
	LookupBackend(id lbmap.BackendID) (*lbmap.Backend, bool)
	BackendInService(revNat lbmap.RevNatID, id lbmap.BackendID) bool
}

// IdentityLookup classifies remote addresses.
type IdentityLookup interface {
	Lookup(addr netip.Addr) (ipcache.Identity, bool)
}

// NamespaceOracle tells whether a caller shares the host namespace and
// returns the cookie identifying the client for affinity.
type NamespaceOracle interface {
	Identify(netnsCookie, socketCookie uint64) (bool, uint64)
}

// SocketProber reports whether a listener for an endpoint exists locally.
type SocketProber interface {
	Listening(protocol lbmap.Protocol, ep sockaddr.Endpoint) bool
}

// MetricsSink counts hook outcomes.
type MetricsSink interface {
	Update(direction, reason string)
}

// ReverseTable stores forward translations for later reversal.
type ReverseTable interface {
	Record(key revnat.Key, entry revnat.Entry) error
	Lookup(key revnat.Key) (revnat.Entry, bool)
	Delete(key revnat.Key) bool
	Len() int
}

// AffinityTable stores sticky backend choices.
type AffinityTable interface {
	Lookup(key affinity.Key) (affinity.Entry, bool)
	Update(key affinity.Key, backend lbmap.BackendID)
	Touch(key affinity.Key) bool
	Now() time.Time
	Len() int
}

// HealthTable stores the intended peers of probe sockets.
type HealthTable interface {
	Register(cookie uint64, entry healthprobe.Entry) error
	Lookup(cookie uint64) (healthprobe.Entry, bool)
	Len() int
}

// Options select the enabled hook features.
type Options struct {
	EnableIPv4            bool
	EnableIPv6            bool
	EnableTCP             bool
	EnableUDP             bool
	HostOnly              bool
	EnablePeer            bool
	EnableNodePort        bool
	NodePortMin           uint16
	NodePortMax           uint16
	EnableHealthCheckBind bool
	SkipL4DNAT            bool
	RevNatMaxEntries      int
	AffinityMaxEntries    int
	HealthMaxEntries      int
}

// OptionsFromConfig derives engine options from the global configuration.
func OptionsFromConfig(g config.GlobalConfig) Options {
	opts := Options{
		EnableIPv4:            g.IPv4Enabled(),
		EnableIPv6:            g.IPv6Enabled(),
		HostOnly:              g.HostOnly,
		EnablePeer:            g.PeerEnabled(),
		EnableNodePort:        g.NodePortEnabled(),
		EnableHealthCheckBind: g.EnableHealthCheckBind,
		SkipL4DNAT:            g.SkipL4DNAT,
		RevNatMaxEntries:      g.GetRevNatMaxEntries(),
		AffinityMaxEntries:    g.GetAffinityMaxEntries(),
		HealthMaxEntries:      g.GetHealthMaxEntries(),
	}
	opts.NodePortMin, opts.NodePortMax = g.GetNodePortRange()
	for _, p := range g.GetProtocols() {
		switch p {
		case "tcp":
			opts.EnableTCP = true
		case "udp":
			opts.EnableUDP = true
		}
	}
	return opts
}

// Dependencies are the collaborators of an Engine. Prober, Metrics, Rand and
// Clock are optional.
type Dependencies struct {
	Services   ServiceReader
	Identities IdentityLookup
	Oracle     NamespaceOracle
	Prober     SocketProber
	Metrics    MetricsSink
	Rand       func() uint32
	Clock      func() time.Time
}
