//go:build linux

package engine

import (
	"context"
	"errors"

	terrr "github.com/touka-aoi/rdp-listener/core/errors"
	"github.com/touka-aoi/rdp-listener/core/socket"
	"github.com/touka-aoi/rdp-listener/server/peer"
)

// Swappable for tests.
var (
	acceptFunc = (*socket.Socket).Accept
	newPeer    = peer.New
)

// CheckFileDescriptor accepts at most one pending connection per endpoint,
// in registration order. An empty accept queue is not an error. Any other
// accept failure stops the pass and is returned.
func (l *Listener) CheckFileDescriptor(ctx context.Context) error {
	if len(l.endpoints) == 0 {
		return terrr.ErrNoEndpoints
	}

	// PeerAccepted may close the listener, so re-check the length each pass.
	for i := 0; i < len(l.endpoints); i++ {
		ep := l.endpoints[i]

		// Reset before accepting so a connection arriving in between is
		// reported on the next wait.
		if err := ep.handle.Reset(); err != nil {
			l.log.WarnContext(ctx, "Failed to reset listener event", "fd", ep.sock.Fd(), "error", err)
		}

		conn, addr, err := acceptFunc(ep.sock)
		if errors.Is(err, terrr.ErrWouldBlock) {
			l.opts.Metrics.WouldBlock()
			continue
		}
		if err != nil {
			l.log.WarnContext(ctx, "accept failed", "fd", ep.sock.Fd(), "error", err)
			l.opts.Metrics.AcceptError(err.Error())
			return err
		}
		l.opts.Metrics.Accepted()

		if err := l.checkAndCreateClient(ctx, conn, addr); err != nil {
			return err
		}
	}

	return nil
}

func (l *Listener) checkAndCreateClient(ctx context.Context, conn *socket.Socket, addr socket.Addr) error {
	info := peer.Classify(addr)
	if info.Local {
		l.log.InfoContext(ctx, "Accepting client from localhost", "address", addr.String())
	}

	if check := l.opts.CheckPeerAcceptRestrictions; check != nil && !check(l, info) {
		l.log.DebugContext(ctx, "Connection refused by accept restrictions", "address", addr.String())
		l.opts.Metrics.RejectedByGate()
		conn.Close()
		return nil
	}

	client, err := newPeer(conn, info)
	if err != nil {
		l.log.ErrorContext(ctx, "Failed to create peer", "address", addr.String(), "error", err)
		conn.Close()
		return terrr.Wrap("peer", addr.String(), err)
	}
	client.SetStatus(peer.StateHandedOff)

	accepted := false
	if cb := l.opts.PeerAccepted; cb != nil {
		accepted = cb(l, client)
	}
	if !accepted {
		l.log.ErrorContext(ctx, "PeerAccepted callback failed", "session", client.SessionID, "address", addr.String())
		l.opts.Metrics.RejectedByPeerFactory()
		client.Close()
		return nil
	}

	l.opts.Metrics.Admitted()
	l.log.DebugContext(ctx, "Accepted new connection", "session", client.SessionID, "address", addr.String(), "local", info.Local)
	return nil
}
