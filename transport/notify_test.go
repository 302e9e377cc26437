//go:build linux

package transport

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/touka-aoi/rdp-listener/core/socket"
)

type fakeEndpoint struct {
	id     string
	local  bool
	host   string
	remote socket.Addr
}

func (f fakeEndpoint) ID() string { return f.id }
func (f fakeEndpoint) Fd() int { return -1 }
func (f fakeEndpoint) IsLocal() bool { return f.local }
func (f fakeEndpoint) Host() string { return f.host }
func (f fakeEndpoint) LocalAddr() socket.Addr { return nil }
func (f fakeEndpoint) RemoteAddr() socket.Addr { return f.remote }
func (f fakeEndpoint) Status() string { return "handed-off" }

func TestNotifier_Forwards(t *testing.T) {
	ch := make(chan PeerEvent, 2)
	n := NewNotifier(ch)
	ep := fakeEndpoint{
		id:     "s-1",
		host:   "192.0.2.1",
		remote: socket.IPv4Addr{AddrPort: netip.MustParseAddrPort("192.0.2.1:50123")},
	}
	ctx := context.Background()

	if err := n.OnConnect(ctx, ep); err != nil {
		t.Fatalf("OnConnect: %v", err)
	}
	if err := n.OnDisconnect(ctx, ep); err != nil {
		t.Fatalf("OnDisconnect: %v", err)
	}

	got := <-ch
	if got.Kind != Connected || got.SessionID != "s-1" || got.Remote != "192.0.2.1:50123" {
		t.Errorf("connect event = %+v", got)
	}
	if got := <-ch; got.Kind != Disconnected {
		t.Errorf("second event kind = %v, want disconnected", got.Kind)
	}
}

// TestNotifier_Backpressure verifies a full channel rejects the connect
// but never fails a disconnect.
func TestNotifier_Backpressure(t *testing.T) {
	ch := make(chan PeerEvent)
	n := NewNotifier(ch)
	ep := fakeEndpoint{id: "s-2", local: true}

	if err := n.OnConnect(context.Background(), ep); !errors.Is(err, ErrBackpressure) {
		t.Fatalf("OnConnect() = %v, want ErrBackpressure", err)
	}
	if err := n.OnDisconnect(context.Background(), ep); err != nil {
		t.Fatalf("OnDisconnect() = %v, want nil", err)
	}
}

func TestEventKind_String(t *testing.T) {
	tests := []struct {
		kind EventKind
		want string
	}{
		{Connected, "connected"},
		{Disconnected, "disconnected"},
		{EventKind(9), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}
