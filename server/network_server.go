//go:build linux

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/touka-aoi/rdp-listener/core/engine"
	terrr "github.com/touka-aoi/rdp-listener/core/errors"
	"github.com/touka-aoi/rdp-listener/core/event"
	"github.com/touka-aoi/rdp-listener/core/metrics"
	"github.com/touka-aoi/rdp-listener/core/resolve"
	"github.com/touka-aoi/rdp-listener/middleware"
	"github.com/touka-aoi/rdp-listener/server/peer"
	"github.com/touka-aoi/rdp-listener/transport"
)

const defaultTick = 100 * time.Millisecond

type Policy struct {
	LocalOnly bool
	Allow     []netip.Prefix
	MaxPeers  int
}

type NetworkServerConfig struct {
	// BindAddresses are passed to Listener.Open. An empty string binds all
	// interfaces. With no bind addresses, local paths or descriptors the
	// server binds all interfaces.
	BindAddresses []string
	Port          uint16
	LocalPaths    []string
	Fds           []int
	Backlog       int
	Policy        Policy

	// Tick bounds each wait so cancellation is noticed.
	Tick time.Duration

	Logger   *slog.Logger
	Metrics  *metrics.Collector
	Resolver resolve.Resolver
}

type SrvStatus int32

const (
	Running SrvStatus = iota
	Draining
	Stopped
)

var stateName = map[SrvStatus]string{
	Running:  "running",
	Draining: "draining",
	Stopped:  "stopped",
}

func (s SrvStatus) String() string {
	return stateName[s]
}

type NetworkServer struct {
	listener *engine.Listener
	config   NetworkServerConfig
	pipeline *middleware.Pipeline
	app      transport.Transport
	log      *slog.Logger
	status   atomic.Int32

	// serveCtx is the context of the running Serve call. PeerAccepted runs
	// inside it, on the Serve goroutine.
	serveCtx context.Context

	mu    sync.Mutex
	peers map[string]*peer.Peer
}

// NewNetworkServer builds the admission pipeline from config.Policy and a
// listener that hands admitted peers to app. A nil app only logs.
func NewNetworkServer(config NetworkServerConfig, app transport.Transport) *NetworkServer {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Tick <= 0 {
		config.Tick = defaultTick
	}
	if app == nil {
		app = transport.Logger{Log: config.Logger}
	}

	ns := &NetworkServer{
		config: config,
		app:    app,
		log:    config.Logger.With("component", "server"),
		peers:  make(map[string]*peer.Peer),
	}
	ns.status.Store(int32(Stopped))

	ns.pipeline = middleware.NewPipeline().WithLogger(ns.log)
	if config.Policy.LocalOnly {
		ns.pipeline.Use(middleware.LocalOnly())
	}
	if len(config.Policy.Allow) > 0 {
		ns.pipeline.Use(middleware.AllowPrefixes(config.Policy.Allow))
	}
	if config.Policy.MaxPeers > 0 {
		ns.pipeline.Use(middleware.MaxPeers(ns.PeerCount, config.Policy.MaxPeers))
	}

	ns.listener = engine.New(engine.Options{
		CheckPeerAcceptRestrictions: ns.pipeline.Gate(),
		PeerAccepted:                ns.onPeerAccepted,
		Resolver:                    config.Resolver,
		Logger:                      config.Logger,
		Metrics:                     config.Metrics,
		Backlog:                     config.Backlog,
	})
	return ns
}

// Use appends an admission rule after the policy rules.
func (ns *NetworkServer) Use(rule middleware.Rule) *NetworkServer {
	ns.pipeline.Use(rule)
	return ns
}

// Listen opens every configured endpoint. A failing endpoint is logged and
// skipped; Listen fails only when nothing could be opened.
func (ns *NetworkServer) Listen(ctx context.Context) error {
	binds := ns.config.BindAddresses
	if len(binds) == 0 && len(ns.config.LocalPaths) == 0 && len(ns.config.Fds) == 0 {
		binds = []string{""}
	}

	var errs []error
	for _, addr := range binds {
		if err := ns.listener.Open(ctx, addr, ns.config.Port); err != nil {
			ns.log.ErrorContext(ctx, "Failed to open bind address", "address", addr, "port", ns.config.Port, "error", err)
			errs = append(errs, err)
		}
	}
	for _, path := range ns.config.LocalPaths {
		if err := ns.listener.OpenLocal(ctx, path); err != nil {
			ns.log.ErrorContext(ctx, "Failed to open local socket", "path", path, "error", err)
			errs = append(errs, err)
		}
	}
	for _, fd := range ns.config.Fds {
		if err := ns.listener.OpenFromSocket(ctx, fd); err != nil {
			ns.log.ErrorContext(ctx, "Failed to adopt descriptor", "fd", fd, "error", err)
			errs = append(errs, err)
		}
	}

	if ns.listener.Count() == 0 {
		return fmt.Errorf("no endpoint opened: %w", errors.Join(append([]error{terrr.ErrNoEndpoints}, errs...)...))
	}
	for _, addr := range ns.listener.Addrs() {
		ns.log.InfoContext(ctx, "Listening on", "address", addr.String())
	}
	return nil
}

// Serve waits on the listener's handles and accepts until ctx is
// cancelled, then disconnects every peer and closes the listener.
func (ns *NetworkServer) Serve(ctx context.Context) error {
	ns.serveCtx = ctx
	ns.status.Store(int32(Running))
	defer ns.shutdown(ctx)

	handles := make([]*event.Handle, engine.MaxListenerHandles)
	for ctx.Err() == nil {
		n := ns.listener.EventHandles(handles)
		if n == 0 {
			return terrr.ErrNoEndpoints
		}

		idx, err := event.WaitAny(handles[:n], ns.config.Tick)
		if err != nil {
			ns.log.ErrorContext(ctx, "Failed to wait event", "error", err)
			return err
		}
		if idx < 0 {
			continue
		}

		if err := ns.listener.CheckFileDescriptor(ctx); err != nil {
			// The pass stopped at the failing endpoint, so endpoints after it
			// wait for the next pass. Back off one tick so an endpoint that
			// keeps failing cannot spin the loop.
			ns.log.ErrorContext(ctx, "Failed to check listener", "error", err)
			ns.pause(ctx)
		}
	}
	return nil
}

func (ns *NetworkServer) pause(ctx context.Context) {
	t := time.NewTimer(ns.config.Tick)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (ns *NetworkServer) shutdown(ctx context.Context) {
	ns.status.Store(int32(Draining))
	ns.log.InfoContext(ctx, "Server prepare to close")

	ns.listener.Close()

	ns.mu.Lock()
	peers := make([]*peer.Peer, 0, len(ns.peers))
	for id, p := range ns.peers {
		peers = append(peers, p)
		delete(ns.peers, id)
	}
	ns.mu.Unlock()

	for _, p := range peers {
		ns.closePeer(ctx, p)
	}

	ns.status.Store(int32(Stopped))
	ns.log.InfoContext(ctx, "Server stopped", "peers_closed", len(peers))
}

// Disconnect removes the peer with sessionID, notifies the transport and
// closes its socket.
func (ns *NetworkServer) Disconnect(ctx context.Context, sessionID string) error {
	ns.mu.Lock()
	p, ok := ns.peers[sessionID]
	delete(ns.peers, sessionID)
	ns.mu.Unlock()

	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, terrr.ErrClosed)
	}
	ns.closePeer(ctx, p)
	return nil
}

func (ns *NetworkServer) closePeer(ctx context.Context, p *peer.Peer) {
	if err := ns.app.OnDisconnect(ctx, p); err != nil {
		ns.log.ErrorContext(ctx, "Application error", "session", p.SessionID, "error", err)
	}
	if err := p.Close(); err != nil {
		ns.log.WarnContext(ctx, "Failed to close peer", "session", p.SessionID, "error", err)
	}
}

func (ns *NetworkServer) onPeerAccepted(_ *engine.Listener, p *peer.Peer) bool {
	ctx := ns.serveCtx
	if ctx == nil {
		ctx = context.Background()
	}

	ns.mu.Lock()
	ns.peers[p.SessionID] = p
	ns.mu.Unlock()

	if err := ns.app.OnConnect(ctx, p); err != nil {
		ns.log.ErrorContext(ctx, "Application rejected connection", "session", p.SessionID, "error", err)
		ns.mu.Lock()
		delete(ns.peers, p.SessionID)
		ns.mu.Unlock()
		return false
	}
	return true
}

func (ns *NetworkServer) PeerCount() int {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return len(ns.peers)
}

func (ns *NetworkServer) Status() SrvStatus {
	return SrvStatus(ns.status.Load())
}

// Addrs returns the addresses the server is listening on.
func (ns *NetworkServer) Addrs() []string {
	addrs := ns.listener.Addrs()
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	return out
}
