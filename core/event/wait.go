//go:build linux

package event

import (
	"errors"
	"time"

	terrr "github.com/touka-aoi/rdp-listener/core/errors"
	"golang.org/x/sys/unix"
)

// WaitAny blocks until one of handles is signalled or timeout elapses and
// returns the index of the first signalled handle, or -1 on timeout or
// interruption. A negative timeout waits forever.
func WaitAny(handles []*Handle, timeout time.Duration) (int, error) {
	if len(handles) == 0 {
		return -1, nil
	}

	fds := make([]unix.PollFd, len(handles))
	for i, h := range handles {
		fds[i] = unix.PollFd{Fd: int32(h.Fd()), Events: unix.POLLIN}
	}

	n, err := unix.Poll(fds, pollTimeout(timeout))
	if errors.Is(err, unix.EINTR) {
		return -1, nil
	}
	if err != nil {
		return -1, terrr.Wrap("poll", "", err)
	}
	if n == 0 {
		return -1, nil
	}

	for i, fd := range fds {
		if fd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			return i, nil
		}
		if fd.Revents&unix.POLLNVAL != 0 {
			return -1, terrr.Wrap("poll", "", terrr.ErrClosed)
		}
	}
	return -1, nil
}

// pollTimeout converts timeout to poll(2) milliseconds. A positive timeout
// below one millisecond rounds up so it never becomes a non-blocking poll.
func pollTimeout(timeout time.Duration) int {
	switch {
	case timeout < 0:
		return -1
	case timeout == 0:
		return 0
	}
	ms := (timeout + time.Millisecond - 1) / time.Millisecond
	return int(ms)
}
