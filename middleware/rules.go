//go:build linux

package middleware

import (
	"fmt"
	"net/netip"

	"github.com/touka-aoi/rdp-listener/core/socket"
)

// LocalOnly admits only connections classified as local.
func LocalOnly() Rule {
	return func(ctx *Context, next NextFunc) error {
		if !ctx.Info.Local {
			return fmt.Errorf("%w: %s is not local", ErrRejected, addrString(ctx.Info))
		}
		return next(ctx)
	}
}

// AllowPrefixes admits IP peers whose address falls in one of prefixes.
// Local peers always pass. IPv4-mapped IPv6 addresses are matched in their
// IPv4 form as well.
func AllowPrefixes(prefixes []netip.Prefix) Rule {
	return func(ctx *Context, next NextFunc) error {
		if ctx.Info.Local {
			return next(ctx)
		}

		var ip netip.Addr
		switch a := ctx.Info.Addr.(type) {
		case socket.IPv4Addr:
			ip = a.AddrPort.Addr()
		case socket.IPv6Addr:
			ip = a.AddrPort.Addr()
		default:
			return fmt.Errorf("%w: no address to match", ErrRejected)
		}

		for _, p := range prefixes {
			if p.Contains(ip) || p.Contains(ip.Unmap()) {
				ctx.Metadata["allow.prefix"] = p.String()
				return next(ctx)
			}
		}
		return fmt.Errorf("%w: %s not in allow list", ErrRejected, ip)
	}
}

// MaxPeers rejects new connections once current reports max or more live
// peers. A max of zero or less disables the limit.
func MaxPeers(current func() int, max int) Rule {
	return func(ctx *Context, next NextFunc) error {
		if max > 0 && current() >= max {
			return fmt.Errorf("%w: peer limit %d reached", ErrRejected, max)
		}
		return next(ctx)
	}
}
