//go:build linux

package socket

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

// Addr is a decoded peer or bind address. The concrete type is one of
// IPv4Addr, IPv6Addr, UnixAddr, VSockAddr or UnknownAddr.
type Addr interface {
	Family() int
	String() string
	addr()
}

type IPv4Addr struct {
	AddrPort netip.AddrPort
}

type IPv6Addr struct {
	AddrPort netip.AddrPort
}

type UnixAddr struct {
	Path string
}

type VSockAddr struct {
	CID  uint32
	Port uint32
}

// UnknownAddr carries the family of an address no other variant covers.
type UnknownAddr struct {
	AddrFamily int
}

func (IPv4Addr) Family() int      { return unix.AF_INET }
func (IPv6Addr) Family() int      { return unix.AF_INET6 }
func (UnixAddr) Family() int      { return unix.AF_UNIX }
func (VSockAddr) Family() int     { return unix.AF_VSOCK }
func (a UnknownAddr) Family() int { return a.AddrFamily }

func (a IPv4Addr) String() string  { return a.AddrPort.String() }
func (a IPv6Addr) String() string  { return a.AddrPort.String() }
func (a UnixAddr) String() string  { return a.Path }
func (a VSockAddr) String() string { return fmt.Sprintf("vsock://%d:%d", a.CID, a.Port) }
func (a UnknownAddr) String() string {
	return fmt.Sprintf("family(%d)", a.AddrFamily)
}

func (IPv4Addr) addr()    {}
func (IPv6Addr) addr()    {}
func (UnixAddr) addr()    {}
func (VSockAddr) addr()   {}
func (UnknownAddr) addr() {}

// DecodeAddr converts a raw sockaddr into an Addr.
func DecodeAddr(sa unix.Sockaddr) Addr {
	switch addr := sa.(type) {
	case *unix.SockaddrInet4:
		ip := netip.AddrFrom4(addr.Addr)
		return IPv4Addr{AddrPort: netip.AddrPortFrom(ip, uint16(addr.Port))}
	case *unix.SockaddrInet6:
		ip := netip.AddrFrom16(addr.Addr)
		return IPv6Addr{AddrPort: netip.AddrPortFrom(ip, uint16(addr.Port))}
	case *unix.SockaddrUnix:
		return UnixAddr{Path: addr.Name}
	case *unix.SockaddrVM:
		return VSockAddr{CID: addr.CID, Port: addr.Port}
	default:
		return UnknownAddr{AddrFamily: unix.AF_UNSPEC}
	}
}

// Sockaddr converts an IP address and port into the sockaddr used for bind.
func Sockaddr(ap netip.AddrPort) unix.Sockaddr {
	addr := ap.Addr()
	if addr.Is4() {
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: addr.As4()}
	}
	return &unix.SockaddrInet6{Port: int(ap.Port()), Addr: addr.As16()}
}
