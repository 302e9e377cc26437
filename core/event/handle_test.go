//go:build linux

package event

import (
	"errors"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	terrr "github.com/touka-aoi/rdp-listener/core/errors"
	"github.com/touka-aoi/rdp-listener/core/socket"
	"golang.org/x/sys/unix"
)

func newListeningSocket(t *testing.T) (*socket.Socket, string) {
	t.Helper()
	s, err := socket.New(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	if err := s.SetNonblock(); err != nil {
		t.Fatal(err)
	}
	if err := s.Bind(socket.Sockaddr(netip.MustParseAddrPort("127.0.0.1:0"))); err != nil {
		t.Fatal(err)
	}
	if err := s.Listen(10); err != nil {
		t.Fatal(err)
	}
	name, err := s.Name()
	if err != nil {
		t.Fatal(err)
	}
	return s, name.String()
}

// TestHandle_SignalsPendingAccept verifies the handle becomes readable when
// a connection is queued on the observed socket.
func TestHandle_SignalsPendingAccept(t *testing.T) {
	s, addr := newListeningSocket(t)

	h, err := NewHandle(s.Fd(), EVENT_TYPE_LISTEN)
	if err != nil {
		t.Fatalf("NewHandle: %v", err)
	}
	defer h.Close()

	if h.Observed() != s.Fd() {
		t.Errorf("Observed() = %d, want %d", h.Observed(), s.Fd())
	}

	got, err := h.Signaled()
	if err != nil {
		t.Fatal(err)
	}
	if got != 0 {
		t.Fatalf("Signaled() before connect = %s, want none", got)
	}

	idx, err := WaitAny([]*Handle{h}, 50*time.Millisecond)
	if err != nil || idx != -1 {
		t.Fatalf("WaitAny() before connect = %d, %v; want -1, nil", idx, err)
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	idx, err = WaitAny([]*Handle{h}, 2*time.Second)
	if err != nil {
		t.Fatalf("WaitAny: %v", err)
	}
	if idx != 0 {
		t.Fatalf("WaitAny() = %d, want 0", idx)
	}

	got, err = h.Signaled()
	if err != nil {
		t.Fatal(err)
	}
	if got&EVENT_TYPE_ACCEPT == 0 {
		t.Errorf("Signaled() = %s, want EVENT_TYPE_ACCEPT set", got)
	}

	// Level-triggered: the queued connection keeps the handle signalled
	// after a reset until it is accepted.
	if err := h.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	idx, err = WaitAny([]*Handle{h}, time.Second)
	if err != nil || idx != 0 {
		t.Fatalf("WaitAny() after reset = %d, %v; want 0, nil", idx, err)
	}

	peer, _, err := s.Accept()
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	peer.Close()

	got, err = h.Signaled()
	if err != nil {
		t.Fatal(err)
	}
	if got != 0 {
		t.Errorf("Signaled() after accept = %s, want none", got)
	}
}

func TestWaitAny_NoHandles(t *testing.T) {
	idx, err := WaitAny(nil, time.Millisecond)
	if err != nil || idx != -1 {
		t.Fatalf("WaitAny(nil) = %d, %v; want -1, nil", idx, err)
	}
}

// TestNewHandle_RegularFile verifies registration failures close the epoll
// instance and surface an error.
func TestNewHandle_RegularFile(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "plain"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	h, err := NewHandle(int(f.Fd()), EVENT_TYPE_LISTEN)
	if err == nil {
		h.Close()
		t.Fatal("expected epoll_ctl to reject a regular file")
	}
}

func TestHandle_CloseIdempotent(t *testing.T) {
	s, _ := newListeningSocket(t)
	h, err := NewHandle(s.Fd(), EVENT_TYPE_LISTEN)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := h.Signaled(); err == nil {
		t.Error("Signaled on closed handle should fail")
	}
}

func TestEventType_String(t *testing.T) {
	tests := []struct {
		et   EventType
		want string
	}{
		{0, "EVENT_TYPE_NONE"},
		{EVENT_TYPE_ACCEPT, "EVENT_TYPE_ACCEPT"},
		{EVENT_TYPE_LISTEN, "EVENT_TYPE_READ|EVENT_TYPE_ACCEPT|EVENT_TYPE_CLOSE"},
		{EVENT_TYPE_CLOSE | 64, "EVENT_TYPE_CLOSE|UNKNOWN: 64"},
	}
	for _, tt := range tests {
		if got := tt.et.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestPollTimeout(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want int
	}{
		{-time.Second, -1},
		{0, 0},
		{time.Nanosecond, 1},
		{500 * time.Microsecond, 1},
		{time.Millisecond, 1},
		{time.Millisecond + time.Nanosecond, 2},
		{100 * time.Millisecond, 100},
	}
	for _, tt := range tests {
		if got := pollTimeout(tt.in); got != tt.want {
			t.Errorf("pollTimeout(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

// TestWaitAny_SubMillisecondTimeout verifies a tiny timeout still blocks
// instead of returning at once.
func TestWaitAny_SubMillisecondTimeout(t *testing.T) {
	s, _ := newListeningSocket(t)
	h, err := NewHandle(s.Fd(), EVENT_TYPE_LISTEN)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	start := time.Now()
	idx, err := WaitAny([]*Handle{h}, 100*time.Microsecond)
	if err != nil || idx != -1 {
		t.Fatalf("WaitAny() = %d, %v; want -1, nil", idx, err)
	}
	if elapsed := time.Since(start); elapsed < 500*time.Microsecond {
		t.Errorf("WaitAny returned after %v, want at least one millisecond of waiting", elapsed)
	}
}

func TestHandle_ResetAfterClose(t *testing.T) {
	s, _ := newListeningSocket(t)
	h, err := NewHandle(s.Fd(), EVENT_TYPE_LISTEN)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Reset(); err != nil {
		t.Fatalf("Reset on live handle: %v", err)
	}
	h.Close()
	if err := h.Reset(); !errors.Is(err, terrr.ErrClosed) {
		t.Fatalf("Reset() after Close = %v, want ErrClosed", err)
	}
}
