// Package sockaddr normalizes the address representations seen at socket hook
// boundaries: bare IPv4, bare IPv6, IPv4-mapped IPv6 and their loopback and
// wildcard variants.
package sockaddr

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"strconv"

	"golang.org/x/sys/unix"
)

// Family is the address family a hook was invoked for.
type Family uint8

const (
	FamilyV4 Family = iota + 1
	FamilyV6
)

// String returns "ipv4" or "ipv6".
func (f Family) String() string {
	switch f {
	case FamilyV4:
		return "ipv4"
	case FamilyV6:
		return "ipv6"
	default:
		return fmt.Sprintf("family(%d)", uint8(f))
	}
}

// Kind classifies how an address has to be handled by the translation paths.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindV4
	KindV6
	KindV4InV6
)

// String returns a short name for the kind.
func (k Kind) String() string {
	switch k {
	case KindV4:
		return "v4"
	case KindV6:
		return "v6"
	case KindV4InV6:
		return "v4-in-v6"
	default:
		return "invalid"
	}
}

// KindOf returns the kind of addr.
func KindOf(addr netip.Addr) Kind {
	switch {
	case !addr.IsValid():
		return KindInvalid
	case addr.Is4():
		return KindV4
	case addr.Is4In6():
		return KindV4InV6
	default:
		return KindV6
	}
}

// FamilyOf returns the family addr is carried in. IPv4-mapped addresses are
// carried by IPv6 sockets.
func FamilyOf(addr netip.Addr) Family {
	if addr.Is4() {
		return FamilyV4
	}
	return FamilyV6
}

var v6Loopback = netip.IPv6Loopback()

// IsLoopback reports whether addr is 127.0.0.0/8 for IPv4 or exactly ::1 for
// IPv6. IPv4-mapped loopback is not loopback until unwrapped.
func IsLoopback(addr netip.Addr) bool {
	if addr.Is4() {
		return addr.As4()[0] == 127
	}
	return addr == v6Loopback
}

// IsV4InV6 reports whether addr is of the form ::ffff:a.b.c.d.
func IsV4InV6(addr netip.Addr) bool {
	return addr.Is4In6()
}

// Unwrap returns the IPv4 address embedded in an IPv4-mapped IPv6 address.
func Unwrap(addr netip.Addr) (netip.Addr, bool) {
	if !addr.Is4In6() {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// Wrap builds the IPv4-mapped IPv6 form of an IPv4 address.
func Wrap(v4 netip.Addr) netip.Addr {
	return netip.AddrFrom16(v4.As16())
}

// Zero returns the wildcard address of the family.
func Zero(family Family) netip.Addr {
	if family == FamilyV4 {
		return netip.IPv4Unspecified()
	}
	return netip.IPv6Unspecified()
}

// Endpoint is an address and host-order port pair.
type Endpoint struct {
	Addr netip.Addr
	Port uint16
}

// NewEndpoint builds an Endpoint.
func NewEndpoint(addr netip.Addr, port uint16) Endpoint {
	return Endpoint{Addr: addr, Port: port}
}

// ParseEndpoint parses "ip:port" or "[ip6]:port".
func ParseEndpoint(s string) (Endpoint, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: %w", s, err)
	}
	return Endpoint{Addr: ap.Addr(), Port: ap.Port()}, nil
}

// AddrPort converts the endpoint to a netip.AddrPort.
func (e Endpoint) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(e.Addr, e.Port)
}

// IsZero reports whether both address and port are unset or wildcard.
func (e Endpoint) IsZero() bool {
	return (!e.Addr.IsValid() || e.Addr.IsUnspecified()) && e.Port == 0
}

func (e Endpoint) String() string {
	if !e.Addr.IsValid() {
		return "<invalid>:" + strconv.Itoa(int(e.Port))
	}
	return e.AddrPort().String()
}

// FromSockaddr converts a kernel socket address into an Endpoint.
func FromSockaddr(sa unix.Sockaddr) (Endpoint, error) {
	switch s := sa.(type) {
	case *unix.SockaddrInet4:
		return Endpoint{Addr: netip.AddrFrom4(s.Addr), Port: uint16(s.Port)}, nil
	case *unix.SockaddrInet6:
		return Endpoint{Addr: netip.AddrFrom16(s.Addr), Port: uint16(s.Port)}, nil
	default:
		return Endpoint{}, fmt.Errorf("unsupported sockaddr type %T", sa)
	}
}

// ToSockaddr converts an Endpoint back into the kernel representation of its
// family. IPv4-mapped addresses stay in the IPv6 form.
func ToSockaddr(e Endpoint) unix.Sockaddr {
	if e.Addr.Is4() {
		return &unix.SockaddrInet4{Port: int(e.Port), Addr: e.Addr.As4()}
	}
	return &unix.SockaddrInet6{Port: int(e.Port), Addr: e.Addr.As16()}
}

// PortToWire encodes a port the way hook contexts carry it: network byte
// order in the low two bytes of a host-order 32-bit field.
func PortToWire(port uint16) uint32 {
	var b [4]byte
	binary.BigEndian.PutUint16(b[:2], port)
	return binary.NativeEndian.Uint32(b[:])
}

// PortFromWire decodes a port from its hook context field.
func PortFromWire(v uint32) uint16 {
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], v)
	return binary.BigEndian.Uint16(b[:2])
}
