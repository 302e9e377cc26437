//go:build linux

package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	terrr "github.com/touka-aoi/rdp-listener/core/errors"
	"github.com/touka-aoi/rdp-listener/core/metrics"
	"github.com/touka-aoi/rdp-listener/server/peer"
	"github.com/touka-aoi/rdp-listener/transport"
	"go.uber.org/goleak"
	"golang.org/x/sys/unix"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type runningServer struct {
	ns     *NetworkServer
	cancel context.CancelFunc
	done   chan error
}

// start listens and runs Serve in the background until the test ends.
func start(t *testing.T, cfg NetworkServerConfig, app transport.Transport) *runningServer {
	t.Helper()
	cfg.Logger = quietLogger()
	cfg.Tick = 20 * time.Millisecond

	ns := NewNetworkServer(cfg, app)
	ctx, cancel := context.WithCancel(context.Background())
	if err := ns.Listen(ctx); err != nil {
		cancel()
		t.Fatalf("Listen: %v", err)
	}

	rs := &runningServer{ns: ns, cancel: cancel, done: make(chan error, 1)}
	go func() { rs.done <- ns.Serve(ctx) }()
	t.Cleanup(rs.stop)
	return rs
}

func (rs *runningServer) stop() {
	rs.cancel()
	<-rs.done
	rs.done <- nil // later stop calls return immediately
}

func waitEvent(t *testing.T, ch <-chan transport.PeerEvent) transport.PeerEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for peer event")
		return transport.PeerEvent{}
	}
}

func dialUnix(t *testing.T, path string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func expectEOF(t *testing.T, conn net.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	_, err := conn.Read(make([]byte, 1))
	if err == nil {
		t.Fatal("expected the server to close the connection")
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		t.Fatal("connection still open: read timed out")
	}
}

func TestListen_NothingOpens(t *testing.T) {
	ns := NewNetworkServer(NetworkServerConfig{
		BindAddresses: []string{"192.0.2.1"},
		LocalPaths:    []string{filepath.Join(t.TempDir(), "missing", "x.sock")},
		Logger:        quietLogger(),
	}, nil)

	err := ns.Listen(context.Background())
	if !errors.Is(err, terrr.ErrNoEndpoints) {
		t.Fatalf("Listen() = %v, want ErrNoEndpoints", err)
	}
	if !errors.Is(err, terrr.ErrNoCandidates) {
		t.Errorf("Listen() should carry the bind failure, got %v", err)
	}
}

// TestListen_PartialFailure verifies one failing endpoint does not stop the
// others from opening.
func TestListen_PartialFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rdp.sock")
	ns := NewNetworkServer(NetworkServerConfig{
		BindAddresses: []string{"192.0.2.1", "127.0.0.1"},
		LocalPaths:    []string{path},
		Logger:        quietLogger(),
	}, nil)
	t.Cleanup(ns.listener.Close)

	if err := ns.Listen(context.Background()); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if got := len(ns.Addrs()); got != 2 {
		t.Fatalf("listening on %d endpoints, want 2", got)
	}
}

func TestServe_NoEndpoints(t *testing.T) {
	ns := NewNetworkServer(NetworkServerConfig{Logger: quietLogger()}, nil)
	if err := ns.Serve(context.Background()); !errors.Is(err, terrr.ErrNoEndpoints) {
		t.Fatalf("Serve() = %v, want ErrNoEndpoints", err)
	}
	if ns.Status() != Stopped {
		t.Errorf("Status() = %v, want stopped", ns.Status())
	}
}

// TestServe_Lifecycle verifies a peer is handed to the transport, tracked
// while running and disconnected on shutdown.
func TestServe_Lifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rdp.sock")
	events := make(chan transport.PeerEvent, 4)
	m := metrics.New()
	rs := start(t, NetworkServerConfig{LocalPaths: []string{path}, Metrics: m}, transport.NewNotifier(events))

	conn := dialUnix(t, path)
	ev := waitEvent(t, events)
	if ev.Kind != transport.Connected || !ev.Local || ev.SessionID == "" {
		t.Fatalf("connect event = %+v", ev)
	}
	if rs.ns.PeerCount() != 1 {
		t.Fatalf("PeerCount() = %d, want 1", rs.ns.PeerCount())
	}
	if rs.ns.Status() != Running {
		t.Errorf("Status() = %v, want running", rs.ns.Status())
	}

	rs.stop()

	if ev := waitEvent(t, events); ev.Kind != transport.Disconnected || ev.SessionID == "" {
		t.Errorf("disconnect event = %+v", ev)
	}
	expectEOF(t, conn)
	if rs.ns.PeerCount() != 0 {
		t.Errorf("PeerCount() after stop = %d", rs.ns.PeerCount())
	}
	if rs.ns.Status() != Stopped {
		t.Errorf("Status() = %v, want stopped", rs.ns.Status())
	}
	if s := m.Snapshot(); s.Accepted != 1 || s.Admitted != 1 {
		t.Errorf("metrics = %+v", s)
	}
}

func TestServe_TransportRejects(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rdp.sock")
	unread := make(chan transport.PeerEvent) // nobody reads: every connect backs off
	rs := start(t, NetworkServerConfig{LocalPaths: []string{path}}, transport.NewNotifier(unread))

	conn := dialUnix(t, path)
	expectEOF(t, conn)
	if rs.ns.PeerCount() != 0 {
		t.Errorf("PeerCount() = %d, want 0", rs.ns.PeerCount())
	}
}

func TestServe_MaxPeers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rdp.sock")
	events := make(chan transport.PeerEvent, 4)
	rs := start(t, NetworkServerConfig{
		LocalPaths: []string{path},
		Policy:     Policy{MaxPeers: 1},
	}, transport.NewNotifier(events))

	dialUnix(t, path)
	waitEvent(t, events)

	second := dialUnix(t, path)
	expectEOF(t, second)
	if rs.ns.PeerCount() != 1 {
		t.Errorf("PeerCount() = %d, want 1", rs.ns.PeerCount())
	}
}

// TestServe_AllowList verifies loopback TCP peers pass an allow list that
// does not contain them, since they classify as local.
func TestServe_AllowList(t *testing.T) {
	events := make(chan transport.PeerEvent, 4)
	rs := start(t, NetworkServerConfig{
		BindAddresses: []string{"127.0.0.1"},
		Policy: Policy{
			LocalOnly: true,
			Allow:     []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")},
		},
	}, transport.NewNotifier(events))

	addrs := rs.ns.Addrs()
	if len(addrs) != 1 {
		t.Fatalf("Addrs() = %v", addrs)
	}
	conn, err := net.DialTimeout("tcp", addrs[0], 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	ev := waitEvent(t, events)
	if !ev.Local || ev.Host != "127.0.0.1" {
		t.Errorf("connect event = %+v", ev)
	}
}

func TestDisconnect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rdp.sock")
	events := make(chan transport.PeerEvent, 4)
	rs := start(t, NetworkServerConfig{LocalPaths: []string{path}}, transport.NewNotifier(events))

	conn := dialUnix(t, path)
	ev := waitEvent(t, events)

	if err := rs.ns.Disconnect(context.Background(), ev.SessionID); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if got := waitEvent(t, events); got.Kind != transport.Disconnected {
		t.Errorf("event = %+v, want disconnected", got)
	}
	expectEOF(t, conn)

	if err := rs.ns.Disconnect(context.Background(), ev.SessionID); !errors.Is(err, terrr.ErrClosed) {
		t.Errorf("second Disconnect() = %v, want ErrClosed", err)
	}
}

func TestSrvStatus_String(t *testing.T) {
	for s, want := range map[SrvStatus]string{Running: "running", Draining: "draining", Stopped: "stopped"} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}

// readableNonListener returns a connected socket with one unread byte. It
// polls readable, but accept on it always fails.
func readableNonListener(t *testing.T) int {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { unix.Close(fds[1]) })
	if _, err := unix.Write(fds[1], []byte{0}); err != nil {
		unix.Close(fds[0])
		t.Fatal(err)
	}
	return fds[0]
}

// TestServe_AcceptErrorBackoff verifies an endpoint whose accept keeps
// failing is retried at most once per tick.
func TestServe_AcceptErrorBackoff(t *testing.T) {
	m := metrics.New()
	rs := start(t, NetworkServerConfig{
		Fds:     []int{readableNonListener(t)},
		Metrics: m,
	}, nil)

	time.Sleep(500 * time.Millisecond)
	errs := m.Snapshot().AcceptErrors
	rs.stop()

	// Tick is 20ms in these tests: about 25 passes in 500ms.
	if errs == 0 {
		t.Fatal("expected accept errors from the non-listening endpoint")
	}
	if errs > 60 {
		t.Fatalf("accept errors in 500ms = %d, want the loop to back off", errs)
	}
}

type ctxRecorder struct {
	got chan context.Context
}

func (r ctxRecorder) OnConnect(ctx context.Context, _ peer.Endpoint) error {
	r.got <- ctx
	return nil
}

func (r ctxRecorder) OnDisconnect(context.Context, peer.Endpoint) error { return nil }

// TestServe_ConnectSeesServeContext verifies OnConnect runs under the
// context given to Serve.
func TestServe_ConnectSeesServeContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rdp.sock")
	rec := ctxRecorder{got: make(chan context.Context, 1)}
	rs := start(t, NetworkServerConfig{LocalPaths: []string{path}}, rec)

	dialUnix(t, path)
	var ctx context.Context
	select {
	case ctx = <-rec.got:
	case <-time.After(2 * time.Second):
		t.Fatal("OnConnect not called")
	}
	if ctx.Err() != nil {
		t.Fatal("context cancelled before stop")
	}

	rs.stop()
	if ctx.Err() == nil {
		t.Error("OnConnect context should end with Serve")
	}
}
