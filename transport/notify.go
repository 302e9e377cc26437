//go:build linux

package transport

import (
	"context"
	"errors"
	"log/slog"

	"github.com/touka-aoi/rdp-listener/server/peer"
)

var ErrBackpressure = errors.New("notification channel full")

type EventKind int

const (
	Connected EventKind = iota
	Disconnected
)

func (k EventKind) String() string {
	switch k {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// PeerEvent is one connect or disconnect notification.
type PeerEvent struct {
	Kind      EventKind
	SessionID string
	Local     bool
	Host      string
	Remote    string
}

// Notifier forwards peer lifecycle events to a channel so another
// goroutine can run the protocol handshake. It never blocks the accept
// loop: a full channel rejects the connect.
type Notifier struct {
	chw chan<- PeerEvent
}

func NewNotifier(chw chan<- PeerEvent) *Notifier {
	return &Notifier{chw: chw}
}

func (n *Notifier) OnConnect(ctx context.Context, p peer.Endpoint) error {
	select {
	case n.chw <- newEvent(Connected, p):
		return nil
	default:
		slog.WarnContext(ctx, "Dropping peer, handshake queue full", "session", p.ID())
		return ErrBackpressure
	}
}

// OnDisconnect drops the event instead of failing when the channel is full.
func (n *Notifier) OnDisconnect(ctx context.Context, p peer.Endpoint) error {
	select {
	case n.chw <- newEvent(Disconnected, p):
	default:
		slog.DebugContext(ctx, "Disconnect notification dropped", "session", p.ID())
	}
	return nil
}

func newEvent(kind EventKind, p peer.Endpoint) PeerEvent {
	ev := PeerEvent{
		Kind:      kind,
		SessionID: p.ID(),
		Local:     p.IsLocal(),
		Host:      p.Host(),
	}
	if addr := p.RemoteAddr(); addr != nil {
		ev.Remote = addr.String()
	}
	return ev
}

// Logger only logs peer lifecycle events. It is the default when no
// protocol stack is wired in.
type Logger struct {
	Log *slog.Logger
}

func (l Logger) logger() *slog.Logger {
	if l.Log == nil {
		return slog.Default()
	}
	return l.Log
}

func (l Logger) OnConnect(ctx context.Context, p peer.Endpoint) error {
	l.logger().InfoContext(ctx, "Peer connected", "session", p.ID(), "host", p.Host(), "local", p.IsLocal())
	return nil
}

func (l Logger) OnDisconnect(ctx context.Context, p peer.Endpoint) error {
	l.logger().InfoContext(ctx, "Peer disconnected", "session", p.ID(), "status", p.Status())
	return nil
}
