//go:build linux

package peer

import (
	"net/netip"

	"github.com/touka-aoi/rdp-listener/core/socket"
)

var (
	loopback4 = netip.AddrFrom4([4]byte{127, 0, 0, 1})
	loopback6 = netip.IPv6Loopback()
)

// Info is the classification of an accepted connection.
type Info struct {
	Addr     socket.Addr
	Local    bool
	Hostname string
}

// Classify decides whether addr is effectively local and renders its text
// host name. Only the exact loopback addresses count as local for IP
// families; unix and vsock peers are always local and have no host name.
func Classify(addr socket.Addr) Info {
	info := Info{Addr: addr}
	switch a := addr.(type) {
	case socket.IPv4Addr:
		ip := a.AddrPort.Addr()
		info.Local = ip == loopback4
		info.Hostname = ip.String()
	case socket.IPv6Addr:
		ip := a.AddrPort.Addr()
		info.Local = ip.As16() == loopback6.As16()
		info.Hostname = ip.String()
	case socket.UnixAddr, socket.VSockAddr:
		info.Local = true
	}
	return info
}
