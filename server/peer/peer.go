//go:build linux

package peer

import (
	"errors"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/touka-aoi/rdp-listener/core/socket"
)

var errNoSocket = errors.New("peer: nil or closed socket")

// Peer is one accepted, not yet negotiated connection. It owns its socket.
type Peer struct {
	SessionID string
	Local     bool
	Hostname  string

	sock       *socket.Socket
	localAddr  socket.Addr
	remoteAddr socket.Addr
	status     atomic.Int32
}

var _ Endpoint = (*Peer)(nil)

// New wraps sock using the classification in info. On error the socket is
// left untouched and still belongs to the caller.
func New(sock *socket.Socket, info Info) (*Peer, error) {
	if sock == nil || sock.Closed() {
		return nil, errNoSocket
	}

	localAddr, err := sock.Name()
	if err != nil {
		return nil, err
	}

	return &Peer{
		SessionID:  uuid.NewString(),
		Local:      info.Local,
		Hostname:   info.Hostname,
		sock:       sock,
		localAddr:  localAddr,
		remoteAddr: info.Addr,
	}, nil
}

func (p *Peer) ID() string {
	return p.SessionID
}

func (p *Peer) Fd() int {
	return p.sock.Fd()
}

func (p *Peer) IsLocal() bool {
	return p.Local
}

func (p *Peer) Host() string {
	return p.Hostname
}

func (p *Peer) LocalAddr() socket.Addr {
	return p.localAddr
}

func (p *Peer) RemoteAddr() socket.Addr {
	return p.remoteAddr
}

func (p *Peer) Status() string {
	s := p.status.Load()
	return ConnState(s).String()
}

func (p *Peer) SetStatus(s ConnState) {
	p.status.Store(int32(s))
}

// Close destroys the peer and its socket.
func (p *Peer) Close() error {
	p.SetStatus(StateClosed)
	return p.sock.Close()
}
