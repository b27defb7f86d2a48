// Package addr implements the Address value types: a uniform
// representation of IPv4/IPv6 addresses with and without a port,
// equality, ordering and a stable hash for use as map keys in the
// session indexes.
//
// Built on net/netip rather than net.IP/net.TCPAddr: netip.Addr is
// itself comparable and already distinguishes the invalid zero value
// from IPv4 and IPv6, giving the {Invalid, IPv4, IPv6} sum type for
// free. This package adds the parts spec.md calls for that netip does
// not: a stable (non-map-iteration) hash, and the explicit
// with-port/without-port split used by the session indexes.
package addr

import (
	"fmt"
	"hash/fnv"
	"net/netip"
)

// Family identifies which member of the address sum type a value holds.
type Family uint8

const (
	Invalid Family = iota
	IPv4
	IPv6
)

func (f Family) String() string {
	switch f {
	case IPv4:
		return "IPv4"
	case IPv6:
		return "IPv6"
	default:
		return "Invalid"
	}
}

// IP is an address with no port: the "IP address" flavor of spec.md's
// Address type. The zero value is Invalid.
type IP struct {
	a netip.Addr
}

// ParseIP parses a dotted-quad or unbracketed IPv6 literal, with an
// optional %zone suffix for link-local IPv6 addresses. Bracketed IPv6
// literals ("[2001:db8::1]") are rejected.
func ParseIP(s string) (IP, error) {
	a, err := netip.ParseAddr(s)
	if err != nil {
		return IP{}, fmt.Errorf("parse IP %q: %w", s, err)
	}
	return IP{a: a}, nil
}

// FromNetipAddr adapts a net/netip value obtained from the socket layer.
func FromNetipAddr(a netip.Addr) IP { return IP{a: a.Unmap()} }

// NetipAddr returns the underlying net/netip representation, for
// handing to the socket layer.
func (ip IP) NetipAddr() netip.Addr { return ip.a }

// Family reports which sum-type member ip holds.
func (ip IP) Family() Family {
	switch {
	case !ip.a.IsValid():
		return Invalid
	case ip.a.Is4():
		return IPv4
	default:
		return IPv6
	}
}

// IsValid reports whether ip is not the zero value.
func (ip IP) IsValid() bool { return ip.a.IsValid() }

// Zone returns the IPv6 scope id, or "" for IPv4 or a global address.
func (ip IP) Zone() string { return ip.a.Zone() }

// String renders ip in conventional dotted-quad or bracketed-free IPv6
// notation (brackets are only added by SocketAddr.String, which needs
// them to disambiguate the trailing :port).
func (ip IP) String() string {
	if !ip.a.IsValid() {
		return "<invalid>"
	}
	return ip.a.String()
}

// Compare defines a total order over IP values: Invalid < IPv4 < IPv6,
// then by address bytes within a family.
func (ip IP) Compare(other IP) int {
	return ip.a.Compare(other.a)
}

// Equal reports whether ip and other hold the same address.
func (ip IP) Equal(other IP) bool { return ip.a == other.a }

// Hash returns a stable (within one process run) hash of ip, suitable
// as a key for custom hash-table session indexes keyed by address.
func (ip IP) Hash() uint64 {
	h := fnv.New64a()
	if ip.a.IsValid() {
		b := ip.a.As16()
		_, _ = h.Write(b[:])
	}
	return h.Sum64()
}

// WithPort attaches port, producing a SocketAddr.
func (ip IP) WithPort(port uint16) SocketAddr {
	return SocketAddr{ap: netip.AddrPortFrom(ip.a, port)}
}

// SocketAddr is an address that always carries a port: the "socket
// address" flavor of spec.md's Address type.
type SocketAddr struct {
	ap netip.AddrPort
}

// ParseSocketAddr parses "ip:port" (or "[ipv6]:port").
func ParseSocketAddr(s string) (SocketAddr, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return SocketAddr{}, fmt.Errorf("parse socket address %q: %w", s, err)
	}
	return SocketAddr{ap: netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())}, nil
}

// FromNetipAddrPort adapts a net/netip value from the socket layer.
func FromNetipAddrPort(ap netip.AddrPort) SocketAddr {
	return SocketAddr{ap: netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())}
}

// NetipAddrPort returns the underlying net/netip representation.
func (sa SocketAddr) NetipAddrPort() netip.AddrPort { return sa.ap }

// IP returns the address without its port.
func (sa SocketAddr) IP() IP { return IP{a: sa.ap.Addr()} }

// Port returns the port.
func (sa SocketAddr) Port() uint16 { return sa.ap.Port() }

// IsValid reports whether sa is not the zero value.
func (sa SocketAddr) IsValid() bool { return sa.ap.IsValid() }

// String renders sa as "ip:port", bracketing IPv6 addresses.
func (sa SocketAddr) String() string {
	if !sa.ap.IsValid() {
		return "<invalid>"
	}
	return sa.ap.String()
}

// Compare defines a total order: by IP, then by port.
func (sa SocketAddr) Compare(other SocketAddr) int {
	if c := sa.ap.Addr().Compare(other.ap.Addr()); c != 0 {
		return c
	}
	if sa.ap.Port() < other.ap.Port() {
		return -1
	}
	if sa.ap.Port() > other.ap.Port() {
		return 1
	}
	return 0
}

// Equal reports whether sa and other hold the same address and port.
func (sa SocketAddr) Equal(other SocketAddr) bool { return sa.ap == other.ap }

// Hash returns a stable hash of sa, including the port.
func (sa SocketAddr) Hash() uint64 {
	h := fnv.New64a()
	a := sa.ap.Addr()
	if a.IsValid() {
		b := a.As16()
		_, _ = h.Write(b[:])
	}
	var portBuf [2]byte
	portBuf[0] = byte(sa.ap.Port() >> 8)
	portBuf[1] = byte(sa.ap.Port())
	_, _ = h.Write(portBuf[:])
	return h.Sum64()
}

// Pair is the (remote, local) IP tuple used as a secondary session
// index (spec.md §3, §4.2 step 6).
type Pair struct {
	Remote IP
	Local  IP
}

// String renders the pair as "remote->local", for logging.
func (p Pair) String() string {
	return fmt.Sprintf("%s->%s", p.Remote, p.Local)
}
