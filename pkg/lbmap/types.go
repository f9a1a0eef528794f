package lbmap

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/easzlab/ezsock/pkg/config"
)

// Protocol is an L4 protocol number as carried by the socket.
type Protocol uint8

const (
	ProtoTCP     Protocol = syscall.IPPROTO_TCP
	ProtoUDP     Protocol = syscall.IPPROTO_UDP
	ProtoUDPLite Protocol = 136
)

// String returns the protocol name.
func (p Protocol) String() string {
	switch p {
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	case ProtoUDPLite:
		return "udplite"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(p))
	}
}

// IsConnectionless reports whether the protocol is datagram based.
func (p Protocol) IsConnectionless() bool {
	return p == ProtoUDP || p == ProtoUDPLite
}

// ProtocolFromString converts a protocol name to its number.
func ProtocolFromString(protocol string) (Protocol, error) {
	switch protocol {
	case "tcp":
		return ProtoTCP, nil
	case "udp":
		return ProtoUDP, nil
	case "udplite":
		return ProtoUDPLite, nil
	default:
		return 0, fmt.Errorf("unsupported protocol: %s", protocol)
	}
}

// ServiceFlags mark the kind of a service frontend.
type ServiceFlags uint16

const (
	FlagExternalIP ServiceFlags = 1 << iota
	FlagNodePort
	FlagLoadBalancer
	FlagHostPort
	FlagLocalRedirect
	FlagSessionAffinity
)

var flagNames = []struct {
	flag ServiceFlags
	name string
}{
	{FlagExternalIP, "external-ip"},
	{FlagNodePort, "node-port"},
	{FlagLoadBalancer, "load-balancer"},
	{FlagHostPort, "host-port"},
	{FlagLocalRedirect, "local-redirect"},
	{FlagSessionAffinity, "affinity"},
}

// Has reports whether all of want are set.
func (f ServiceFlags) Has(want ServiceFlags) bool {
	return f&want == want
}

func (f ServiceFlags) String() string {
	if f == 0 {
		return "cluster-ip"
	}
	var names []string
	for _, n := range flagNames {
		if f.Has(n.flag) {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, ",")
}

// FlagsFromType maps a configured service type to its directory flags.
func FlagsFromType(serviceType string) (ServiceFlags, error) {
	switch serviceType {
	case "", config.ServiceTypeClusterIP:
		return 0, nil
	case config.ServiceTypeNodePort:
		return FlagNodePort, nil
	case config.ServiceTypeExternalIP:
		return FlagExternalIP, nil
	case config.ServiceTypeHostPort:
		return FlagHostPort, nil
	case config.ServiceTypeLoadBalancer:
		return FlagLoadBalancer, nil
	case config.ServiceTypeLocalRedirect:
		return FlagLocalRedirect, nil
	default:
		return 0, fmt.Errorf("unsupported service type %q", serviceType)
	}
}

// RevNatID identifies a frontend for reverse translation. It stays stable
// for as long as the frontend is configured.
type RevNatID uint16

// BackendID identifies a backend across all services.
type BackendID uint32

// ServiceKey identifies a frontend. BackendSlot 0 addresses the service
// record itself, slots 1..Count address the backends selected for it.
type ServiceKey struct {
	Address     netip.Addr
	Port        uint16
	Protocol    Protocol
	BackendSlot uint16
}

// String returns a human-readable representation of the ServiceKey.
func (k ServiceKey) String() string {
	s := fmt.Sprintf("%s/%s", netip.AddrPortFrom(k.Address, k.Port), k.Protocol)
	if k.BackendSlot != 0 {
		s += "#" + strconv.Itoa(int(k.BackendSlot))
	}
	return s
}

// Master returns the key of the service record.
func (k ServiceKey) Master() ServiceKey {
	k.BackendSlot = 0
	return k
}

// Slot returns the key of the given backend slot.
func (k ServiceKey) Slot(slot uint16) ServiceKey {
	k.BackendSlot = slot
	return k
}

// Service is the record stored under slot 0 of a frontend.
type Service struct {
	Name            string
	Count           uint16
	RevNatID        RevNatID
	Flags           ServiceFlags
	AffinityTimeout time.Duration
}

func (s *Service) IsExternalIP() bool    { return s.Flags.Has(FlagExternalIP) }
func (s *Service) IsNodePort() bool      { return s.Flags.Has(FlagNodePort) }
func (s *Service) IsLoadBalancer() bool  { return s.Flags.Has(FlagLoadBalancer) }
func (s *Service) IsHostPort() bool      { return s.Flags.Has(FlagHostPort) }
func (s *Service) IsLocalRedirect() bool { return s.Flags.Has(FlagLocalRedirect) }
func (s *Service) HasAffinity() bool     { return s.Flags.Has(FlagSessionAffinity) }

// Backend is a concrete endpoint a frontend translates to.
type Backend struct {
	ID       BackendID
	Address  netip.Addr
	Port     uint16
	Protocol Protocol
}

// String returns a human-readable representation of the Backend.
func (b *Backend) String() string {
	return fmt.Sprintf("%d=%s/%s", b.ID, netip.AddrPortFrom(b.Address, b.Port), b.Protocol)
}

// BackendKey identifies a backend endpoint independent of its ID.
type BackendKey struct {
	Address  netip.Addr
	Port     uint16
	Protocol Protocol
}

// String returns a human-readable representation of the BackendKey.
func (k BackendKey) String() string {
	return fmt.Sprintf("%s/%s", netip.AddrPortFrom(k.Address, k.Port), k.Protocol)
}

// ServiceKeyFromConfig generates the master ServiceKey from a ServiceConfig.
func ServiceKeyFromConfig(svcCfg config.ServiceConfig) (ServiceKey, error) {
	frontend, err := netip.ParseAddrPort(svcCfg.Frontend)
	if err != nil {
		return ServiceKey{}, fmt.Errorf("invalid frontend %q: %w", svcCfg.Frontend, err)
	}

	protocol, err := ProtocolFromString(svcCfg.Protocol)
	if err != nil {
		return ServiceKey{}, err
	}

	return ServiceKey{
		Address:  frontend.Addr(),
		Port:     frontend.Port(),
		Protocol: protocol,
	}, nil
}

// ServiceFromConfig builds the service record for a ServiceConfig. Count and
// RevNatID are filled in by the reconciler.
func ServiceFromConfig(svcCfg config.ServiceConfig) (*Service, error) {
	flags, err := FlagsFromType(svcCfg.GetType())
	if err != nil {
		return nil, err
	}
	svc := &Service{
		Name:  svcCfg.Name,
		Flags: flags,
	}
	if svcCfg.SessionAffinity {
		svc.Flags |= FlagSessionAffinity
		svc.AffinityTimeout = svcCfg.GetAffinityTimeout()
	}
	return svc, nil
}

// BackendKeyFromConfig converts a BackendConfig to a BackendKey.
func BackendKeyFromConfig(backendCfg config.BackendConfig, protocol Protocol) (BackendKey, error) {
	ap, err := netip.ParseAddrPort(backendCfg.Address)
	if err != nil {
		return BackendKey{}, fmt.Errorf("invalid backend address %q: %w", backendCfg.Address, err)
	}
	return BackendKey{
		Address:  ap.Addr(),
		Port:     ap.Port(),
		Protocol: protocol,
	}, nil
}
