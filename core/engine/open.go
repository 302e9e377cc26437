//go:build linux

package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	terrr "github.com/touka-aoi/rdp-listener/core/errors"
	"github.com/touka-aoi/rdp-listener/core/event"
	"github.com/touka-aoi/rdp-listener/core/resolve"
	"github.com/touka-aoi/rdp-listener/core/socket"
	"golang.org/x/sys/unix"
)

// Swappable for tests.
var (
	newHandle = event.NewHandle
	newSocket = socket.New
	vsockAddr = func(cid, port uint32) unix.Sockaddr {
		return &unix.SockaddrVM{CID: cid, Port: port}
	}
)

// Open listens on every address bindAddress resolves to. An empty
// bindAddress binds all interfaces; a VSockPrefix address opens a vsock
// endpoint instead. A candidate that cannot be opened is logged and
// skipped, and Open fails only when no candidate was registered.
func (l *Listener) Open(ctx context.Context, bindAddress string, port uint16) error {
	if cid, ok := strings.CutPrefix(bindAddress, VSockPrefix); ok {
		return l.openVSock(ctx, cid, port)
	}

	candidates, err := l.opts.Resolver.Resolve(ctx, bindAddress, port, bindAddress == "")
	if err != nil {
		l.log.ErrorContext(ctx, "Failed to resolve bind address", "address", bindAddress, "error", err)
		return fmt.Errorf("%w: %w", terrr.ErrNoCandidates, err)
	}

	opened := 0
	for _, c := range candidates {
		if c.Family != unix.AF_INET && c.Family != unix.AF_INET6 {
			continue
		}

		if l.full() {
			l.log.ErrorContext(ctx, "too many listening sockets", "address", c.Addr.String())
			continue
		}

		sock, err := l.openCandidate(ctx, c)
		if err != nil {
			l.log.ErrorContext(ctx, "Skipping bind candidate", "address", c.Addr.String(), "error", err)
			continue
		}

		if err := l.register(sock); err != nil {
			// The registry is emptied here, not just the failed entry. Earlier
			// endpoints are closed with it.
			l.log.ErrorContext(ctx, "Failed to create listener event", "address", c.Addr.String(), "error", err)
			sock.Close()
			l.releaseAll()
			opened = 0
			break
		}

		opened++
		l.log.InfoContext(ctx, "Listening on", "address", c.Addr.String())
	}

	if opened == 0 {
		return fmt.Errorf("%w: %s port %d", terrr.ErrNoCandidates, bindAddress, port)
	}
	return nil
}

func (l *Listener) openCandidate(ctx context.Context, c resolve.Candidate) (*socket.Socket, error) {
	sotype := c.SockType
	if sotype == 0 {
		sotype = unix.SOCK_STREAM
	}

	sock, err := newSocket(c.Family, sotype, c.Protocol)
	if err != nil {
		return nil, err
	}
	sock.LocalAddr = c.Addr.String()

	if c.Family == unix.AF_INET6 {
		if err := sock.SetV6Only(); err != nil {
			l.log.ErrorContext(ctx, "setsockopt failed", "address", sock.LocalAddr, "error", err)
		}
	}
	if err := sock.SetReuseAddr(); err != nil {
		l.log.ErrorContext(ctx, "setsockopt failed", "address", sock.LocalAddr, "error", err)
	}

	if err := sock.SetNonblock(); err != nil {
		sock.Close()
		return nil, err
	}
	if err := sock.Bind(socket.Sockaddr(c.Addr)); err != nil {
		sock.Close()
		return nil, err
	}
	if err := sock.Listen(l.opts.Backlog); err != nil {
		sock.Close()
		return nil, err
	}
	return sock, nil
}

// OpenLocal listens on a unix domain socket at path, removing any stale
// socket file first.
func (l *Listener) OpenLocal(ctx context.Context, path string) (err error) {
	if l.full() {
		l.log.ErrorContext(ctx, "too many listening sockets", "path", path)
		return terrr.Wrap("listen", path, terrr.ErrCapacityExceeded)
	}

	sock, err := newSocket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		l.log.ErrorContext(ctx, "Failed to create socket", "path", path, "error", err)
		return err
	}
	sock.LocalAddr = path
	defer func() {
		if err != nil {
			l.log.ErrorContext(ctx, "Failed to open local endpoint", "path", path, "error", err)
			sock.Close()
		}
	}()

	if err := sock.SetNonblock(); err != nil {
		return err
	}

	if err := unix.Unlink(path); err != nil && !errors.Is(err, unix.ENOENT) {
		l.log.WarnContext(ctx, "Failed to remove stale socket", "path", path, "error", err)
	}

	if err := sock.Bind(&unix.SockaddrUnix{Name: path}); err != nil {
		return err
	}
	if err := sock.Listen(l.opts.Backlog); err != nil {
		return err
	}
	if err := l.register(sock); err != nil {
		return terrr.Wrap("handle", path, err)
	}

	l.log.InfoContext(ctx, "Listening on socket", "path", path)
	return nil
}

// openVSock listens on the vsock context id cidText. The id is parsed before
// any socket is created.
func (l *Listener) openVSock(ctx context.Context, cidText string, port uint16) (err error) {
	cid, perr := strconv.ParseUint(cidText, 10, 32)
	if perr != nil {
		l.log.ErrorContext(ctx, "could not extract vsock context id", "address", cidText, "error", perr)
		return fmt.Errorf("%w %q: %w", terrr.ErrInvalidContextID, cidText, perr)
	}

	if l.full() {
		l.log.ErrorContext(ctx, "too many listening sockets", "cid", cid, "port", port)
		return terrr.Wrap("listen", VSockPrefix+cidText, terrr.ErrCapacityExceeded)
	}

	sock, err := newSocket(unix.AF_VSOCK, unix.SOCK_STREAM, 0)
	if err != nil {
		if errors.Is(err, unix.EAFNOSUPPORT) {
			l.log.ErrorContext(ctx, "AF_VSOCK not supported on this host", "address", VSockPrefix+cidText)
			return fmt.Errorf("%w: vsock: %w", terrr.ErrUnsupported, err)
		}
		l.log.ErrorContext(ctx, "Error creating socket", "error", err)
		return err
	}
	sock.LocalAddr = fmt.Sprintf("%s%d:%d", VSockPrefix, cid, port)
	defer func() {
		if err != nil {
			l.log.ErrorContext(ctx, "Failed to open vsock endpoint", "cid", cid, "port", port, "error", err)
			sock.Close()
		}
	}()

	if err := sock.SetNonblock(); err != nil {
		return err
	}
	if err := sock.Bind(vsockAddr(uint32(cid), uint32(port))); err != nil {
		return err
	}
	if err := sock.Listen(l.opts.Backlog); err != nil {
		return err
	}
	if err := l.register(sock); err != nil {
		l.releaseAll()
		return terrr.Wrap("handle", sock.LocalAddr, err)
	}

	l.log.InfoContext(ctx, "Listening on", "address", sock.LocalAddr)
	return nil
}

// OpenFromSocket registers an already listening descriptor. The listener
// owns fd once this returns nil; on error fd is left open for the caller.
func (l *Listener) OpenFromSocket(ctx context.Context, fd int) error {
	if l.full() {
		l.log.ErrorContext(ctx, "too many listening sockets", "fd", fd)
		return terrr.Wrap("listen", fmt.Sprintf("fd %d", fd), terrr.ErrCapacityExceeded)
	}

	sock := socket.FromFd(fd)
	sock.LocalAddr = fmt.Sprintf("fd %d", fd)

	if err := sock.SetNonblock(); err != nil {
		l.log.ErrorContext(ctx, "Failed to make socket nonblocking", "fd", fd, "error", err)
		return err
	}
	if err := l.register(sock); err != nil {
		l.log.ErrorContext(ctx, "Failed to create listener event", "fd", fd, "error", err)
		return terrr.Wrap("handle", sock.LocalAddr, err)
	}

	l.log.InfoContext(ctx, "Listening on socket", "fd", fd)
	return nil
}
