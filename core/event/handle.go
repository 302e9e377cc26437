//go:build linux

package event

import (
	"errors"

	terrr "github.com/touka-aoi/rdp-listener/core/errors"
	"golang.org/x/sys/unix"
)

// Handle is a waitable readiness object bound to exactly one socket. It is
// an epoll instance holding a single registration, so its own descriptor
// polls readable whenever the observed socket is ready.
type Handle struct {
	epfd int
	fd   int
	mask EventType
}

// NewHandle registers fd for mask. The caller keeps ownership of fd: closing
// the Handle never closes the observed socket.
func NewHandle(fd int, mask EventType) (*Handle, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, terrr.Wrap("epoll_create1", "", err)
	}

	ev := unix.EpollEvent{Events: mask.epoll(), Fd: int32(fd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		unix.Close(epfd)
		return nil, terrr.Wrap("epoll_ctl", "", err)
	}

	return &Handle{epfd: epfd, fd: fd, mask: mask}, nil
}

// Fd returns the descriptor a wait primitive should poll for readability.
func (h *Handle) Fd() int {
	return h.epfd
}

// Observed returns the socket descriptor this handle watches.
func (h *Handle) Observed() int {
	return h.fd
}

// Signaled reports the readiness currently pending without blocking.
func (h *Handle) Signaled() (EventType, error) {
	if h.epfd < 0 {
		return 0, terrr.ErrClosed
	}
	var events [1]unix.EpollEvent
	for {
		n, err := unix.EpollWait(h.epfd, events[:], 0)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0, terrr.Wrap("epoll_wait", "", err)
		}
		if n == 0 {
			return 0, nil
		}
		return fromEpoll(events[0].Events, h.mask), nil
	}
}

// Reset checks that the handle is still usable before the next accept. It
// consumes nothing: the registration is level-triggered, so readiness
// clears only when the observed socket's accept queue is drained, and a
// socket that still has queued connections signals again on the next wait.
// It returns terrr.ErrClosed after Close.
func (h *Handle) Reset() error {
	_, err := h.Signaled()
	return err
}

func (h *Handle) Close() error {
	if h == nil || h.epfd < 0 {
		return nil
	}
	err := unix.Close(h.epfd)
	h.epfd = -1
	return err
}
