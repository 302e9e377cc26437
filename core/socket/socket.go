//go:build linux

package socket

import (
	"errors"

	terrr "github.com/touka-aoi/rdp-listener/core/errors"
	"golang.org/x/sys/unix"
)

// Socket owns one file descriptor. Close is idempotent, so failure paths can
// release a Socket unconditionally once it has been handed to a new owner.
type Socket struct {
	fd     int
	family int
	// LocalAddr is the textual bind target, used for diagnostics only.
	LocalAddr string
}

// New creates a close-on-exec stream socket.
func New(family, sotype, proto int) (*Socket, error) {
	fd, err := unix.Socket(family, sotype|unix.SOCK_CLOEXEC, proto)
	if err != nil {
		return nil, terrr.Wrap("socket", "", err)
	}
	return &Socket{fd: fd, family: family}, nil
}

// FromFd adopts an existing descriptor. The Socket takes ownership and
// closes fd on Close.
func FromFd(fd int) *Socket {
	s := &Socket{fd: fd, family: unix.AF_UNSPEC}
	if domain, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_DOMAIN); err == nil {
		s.family = domain
	}
	return s
}

func (s *Socket) Fd() int {
	return s.fd
}

func (s *Socket) Family() int {
	return s.family
}

func (s *Socket) Closed() bool {
	return s.fd < 0
}

func (s *Socket) SetNonblock() error {
	if s.fd < 0 {
		return terrr.ErrClosed
	}
	return terrr.Wrap("nonblock", s.LocalAddr, setNonblock(s.fd))
}

func (s *Socket) SetReuseAddr() error {
	return terrr.Wrap("setsockopt SO_REUSEADDR", s.LocalAddr,
		unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1))
}

func (s *Socket) SetV6Only() error {
	return terrr.Wrap("setsockopt IPV6_V6ONLY", s.LocalAddr,
		unix.SetsockoptInt(s.fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1))
}

func (s *Socket) Bind(sa unix.Sockaddr) error {
	return terrr.Wrap("bind", s.LocalAddr, unix.Bind(s.fd, sa))
}

func (s *Socket) Listen(backlog int) error {
	return terrr.Wrap("listen", s.LocalAddr, unix.Listen(s.fd, backlog))
}

// Accept takes one pending connection. It returns terrr.ErrWouldBlock when
// the queue is empty. The returned Socket is owned by the caller.
func (s *Socket) Accept() (*Socket, Addr, error) {
	if s.fd < 0 {
		return nil, nil, terrr.ErrClosed
	}
	nfd, sa, err := unix.Accept4(s.fd, unix.SOCK_CLOEXEC)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return nil, nil, terrr.ErrWouldBlock
		}
		return nil, nil, terrr.Wrap("accept", s.LocalAddr, err)
	}
	addr := DecodeAddr(sa)
	if sa == nil && s.family == unix.AF_UNIX {
		addr = UnixAddr{}
	}
	return &Socket{fd: nfd, family: s.family}, addr, nil
}

// Name returns the locally bound address of the socket.
func (s *Socket) Name() (Addr, error) {
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return nil, terrr.Wrap("getsockname", s.LocalAddr, err)
	}
	return DecodeAddr(sa), nil
}

func (s *Socket) Close() error {
	if s == nil || s.fd < 0 {
		return nil
	}
	err := unix.Close(s.fd)
	s.fd = -1
	return err
}
