//go:build linux

// Package resolve turns a textual bind address into listen candidates.
package resolve

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/sys/unix"
)

// Candidate is one address a listener may try to bind.
type Candidate struct {
	Family   int // unix.AF_INET, unix.AF_INET6, or anything else to be skipped
	SockType int
	Protocol int
	Addr     netip.AddrPort
}

// Resolver produces ordered candidates for host and port. An empty host with
// passive set means "every interface".
type Resolver interface {
	Resolve(ctx context.Context, host string, port uint16, passive bool) ([]Candidate, error)
}

// System resolves through net.Resolver.
type System struct {
	Resolver *net.Resolver
}

func (s *System) resolver() *net.Resolver {
	if s.Resolver != nil {
		return s.Resolver
	}
	return net.DefaultResolver
}

func (s *System) Resolve(ctx context.Context, host string, port uint16, passive bool) ([]Candidate, error) {
	if host == "" {
		if passive {
			return []Candidate{
				candidate(netip.IPv4Unspecified(), port),
				candidate(netip.IPv6Unspecified(), port),
			}, nil
		}
		return []Candidate{
			candidate(netip.AddrFrom4([4]byte{127, 0, 0, 1}), port),
			candidate(netip.IPv6Loopback(), port),
		}, nil
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return []Candidate{candidate(addr, port)}, nil
	}

	addrs, err := s.resolver().LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	out := make([]Candidate, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, candidate(addr, port))
	}
	return out, nil
}

func candidate(addr netip.Addr, port uint16) Candidate {
	addr = addr.Unmap()
	family := unix.AF_INET6
	if addr.Is4() {
		family = unix.AF_INET
	}
	return Candidate{
		Family:   family,
		SockType: unix.SOCK_STREAM,
		Protocol: unix.IPPROTO_TCP,
		Addr:     netip.AddrPortFrom(addr, port),
	}
}

// Static returns a fixed candidate list, ignoring its arguments.
type Static []Candidate

func (s Static) Resolve(context.Context, string, uint16, bool) ([]Candidate, error) {
	return append([]Candidate(nil), s...), nil
}
