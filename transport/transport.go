//go:build linux

package transport

import (
	"context"

	"github.com/touka-aoi/rdp-listener/server/peer"
)

// Transport is the downstream protocol stack that takes over admitted
// peers. Returning an error from OnConnect rejects the peer.
type Transport interface {
	OnConnect(ctx context.Context, p peer.Endpoint) error
	OnDisconnect(ctx context.Context, p peer.Endpoint) error
}
