//go:build linux

package hostns

import (
	"net/netip"

	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/easzlab/ezsock/pkg/lbmap"
	"github.com/easzlab/ezsock/pkg/sockaddr"
)

const tcpListen = 10

// SocketProber lists local sockets through sock_diag.
type SocketProber struct {
	logger *zap.Logger
}

// NewSocketProber creates a SocketProber.
func NewSocketProber(logger *zap.Logger) *SocketProber {
	return &SocketProber{logger: logger}
}

// Listening reports whether a socket of protocol is bound to ep, either on
// the exact address or on the wildcard address. Dual-stack IPv6 listeners
// are considered for IPv4 endpoints.
func (p *SocketProber) Listening(protocol lbmap.Protocol, ep sockaddr.Endpoint) bool {
	families := []uint8{unix.AF_INET6}
	if ep.Addr.Unmap().Is4() {
		families = []uint8{unix.AF_INET, unix.AF_INET6}
	}

	for _, family := range families {
		var (
			sockets []*netlink.Socket
			err     error
		)
		switch protocol {
		case lbmap.ProtoTCP:
			sockets, err = netlink.SocketDiagTCP(family)
		case lbmap.ProtoUDP, lbmap.ProtoUDPLite:
			sockets, err = netlink.SocketDiagUDP(family)
		default:
			return false
		}
		if err != nil {
			p.logger.Debug("socket diag failed", zap.Uint8("family", family), zap.Error(err))
			continue
		}
		for _, s := range sockets {
			if listenerMatches(protocol, s, ep) {
				return true
			}
		}
	}
	return false
}

func listenerMatches(protocol lbmap.Protocol, s *netlink.Socket, ep sockaddr.Endpoint) bool {
	if s.ID.SourcePort != ep.Port {
		return false
	}
	if protocol == lbmap.ProtoTCP {
		if s.State != tcpListen {
			return false
		}
	} else if s.ID.DestinationPort != 0 {
		return false
	}
	src, ok := netip.AddrFromSlice(s.ID.Source)
	if !ok {
		return false
	}
	src = src.Unmap()
	return src.IsUnspecified() || src == ep.Addr.Unmap()
}
