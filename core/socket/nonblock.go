//go:build linux

package socket

import "golang.org/x/sys/unix"

// setNonblock is the only place that toggles O_NONBLOCK; every transport
// goes through Socket.SetNonblock.
var setNonblock = func(fd int) error {
	return unix.SetNonblock(fd, true)
}
