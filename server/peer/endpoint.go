//go:build linux

package peer

import "github.com/touka-aoi/rdp-listener/core/socket"

// Endpoint is the read-only view of an accepted connection handed to the
// layers above the listener.
type Endpoint interface {
	ID() string
	Fd() int
	IsLocal() bool
	Host() string
	LocalAddr() socket.Addr
	RemoteAddr() socket.Addr
	Status() string
}
