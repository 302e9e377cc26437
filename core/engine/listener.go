//go:build linux

package engine

import (
	"log/slog"

	"github.com/touka-aoi/rdp-listener/core/event"
	"github.com/touka-aoi/rdp-listener/core/metrics"
	"github.com/touka-aoi/rdp-listener/core/resolve"
	"github.com/touka-aoi/rdp-listener/core/socket"
	"github.com/touka-aoi/rdp-listener/server/peer"
)

const (
	// MaxListenerHandles is the number of endpoints one Listener can hold.
	MaxListenerHandles = 5

	// VSockPrefix marks a bind address as a vsock context id.
	VSockPrefix = "vsock://"

	defaultBacklog = 10
)

// Options configures a Listener. Every field is optional.
type Options struct {
	// CheckPeerAcceptRestrictions runs before a peer is constructed. A nil
	// func admits every connection.
	CheckPeerAcceptRestrictions func(l *Listener, info peer.Info) bool

	// PeerAccepted receives ownership of each constructed peer. Returning
	// false, or leaving it nil, makes the listener destroy the peer.
	PeerAccepted func(l *Listener, p *peer.Peer) bool

	Resolver resolve.Resolver
	Logger   *slog.Logger
	Metrics  *metrics.Collector
	Backlog  int
}

type endpoint struct {
	sock   *socket.Socket
	handle *event.Handle
}

func (ep endpoint) close() {
	ep.sock.Close()
	ep.handle.Close()
}

// Listener holds up to MaxListenerHandles listening endpoints. It is not
// safe for concurrent use; the caller drives it from one event loop.
type Listener struct {
	opts      Options
	log       *slog.Logger
	endpoints []endpoint
}

func New(opts Options) *Listener {
	if opts.Resolver == nil {
		opts.Resolver = &resolve.System{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Backlog <= 0 {
		opts.Backlog = defaultBacklog
	}
	return &Listener{
		opts:      opts,
		log:       opts.Logger.With("component", "core.listener"),
		endpoints: make([]endpoint, 0, MaxListenerHandles),
	}
}

// Count returns the number of live endpoints.
func (l *Listener) Count() int {
	return len(l.endpoints)
}

// EventHandles copies every readiness handle into buf and returns how many
// were written. It writes nothing and returns 0 when there are no endpoints
// or buf cannot hold all of them.
func (l *Listener) EventHandles(buf []*event.Handle) int {
	if len(l.endpoints) == 0 || len(buf) < len(l.endpoints) {
		return 0
	}
	for i, ep := range l.endpoints {
		buf[i] = ep.handle
	}
	return len(l.endpoints)
}

// FileDescriptors is EventHandles for the raw listening descriptors, for
// callers that run their own poller.
func (l *Listener) FileDescriptors(buf []int) int {
	if len(l.endpoints) == 0 || len(buf) < len(l.endpoints) {
		return 0
	}
	for i, ep := range l.endpoints {
		buf[i] = ep.sock.Fd()
	}
	return len(l.endpoints)
}

// Addrs returns the bound address of every endpoint in registration order.
func (l *Listener) Addrs() []socket.Addr {
	out := make([]socket.Addr, 0, len(l.endpoints))
	for _, ep := range l.endpoints {
		addr, err := ep.sock.Name()
		if err != nil {
			l.log.Warn("getsockname failed", "fd", ep.sock.Fd(), "error", err)
			continue
		}
		out = append(out, addr)
	}
	return out
}

// Close closes every socket, releases every handle and empties the
// registry. Calling it again is a no-op.
func (l *Listener) Close() {
	l.releaseAll()
}

func (l *Listener) releaseAll() {
	for _, ep := range l.endpoints {
		ep.close()
	}
	clear(l.endpoints)
	l.endpoints = l.endpoints[:0]
}

// register pairs sock with a new readiness handle. On failure nothing is
// stored and sock still belongs to the caller.
func (l *Listener) register(sock *socket.Socket) error {
	h, err := newHandle(sock.Fd(), event.EVENT_TYPE_LISTEN)
	if err != nil {
		return err
	}
	l.endpoints = append(l.endpoints, endpoint{sock: sock, handle: h})
	l.opts.Metrics.EndpointOpened()
	return nil
}

func (l *Listener) full() bool {
	return len(l.endpoints) >= MaxListenerHandles
}
