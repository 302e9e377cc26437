// Package metrics counts listener activity.
//
// All methods are safe for concurrent use and a nil *Collector is a valid
// no-op receiver.
package metrics

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

type Collector struct {
	endpointsOpened  atomic.Int64
	accepted         atomic.Int64
	admitted         atomic.Int64
	rejectedByGate   atomic.Int64
	rejectedByPeer   atomic.Int64
	acceptErrors     atomic.Int64
	wouldBlockChecks atomic.Int64

	mu           sync.RWMutex
	startTime    time.Time
	lastError    time.Time
	lastErrorMsg string
}

func New() *Collector {
	return &Collector{startTime: time.Now()}
}

func (c *Collector) EndpointOpened() {
	if c == nil {
		return
	}
	c.endpointsOpened.Add(1)
}

// Accepted records one connection taken off a listening socket.
func (c *Collector) Accepted() {
	if c == nil {
		return
	}
	c.accepted.Add(1)
}

// Admitted records a peer handed to and kept by the peer factory.
func (c *Collector) Admitted() {
	if c == nil {
		return
	}
	c.admitted.Add(1)
}

func (c *Collector) RejectedByGate() {
	if c == nil {
		return
	}
	c.rejectedByGate.Add(1)
}

func (c *Collector) RejectedByPeerFactory() {
	if c == nil {
		return
	}
	c.rejectedByPeer.Add(1)
}

func (c *Collector) WouldBlock() {
	if c == nil {
		return
	}
	c.wouldBlockChecks.Add(1)
}

// AcceptError increments the error counter and stores the message.
func (c *Collector) AcceptError(msg string) {
	if c == nil {
		return
	}
	c.acceptErrors.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

func (c *Collector) AcceptedTotal() int64 {
	if c == nil {
		return 0
	}
	return c.accepted.Load()
}

func (c *Collector) AdmittedTotal() int64 {
	if c == nil {
		return 0
	}
	return c.admitted.Load()
}

// Snapshot is a point-in-time view of all counters.
type Snapshot struct {
	Uptime           string `json:"uptime"`
	EndpointsOpened  int64  `json:"endpoints_opened"`
	Accepted         int64  `json:"accepted"`
	Admitted         int64  `json:"admitted"`
	RejectedByGate   int64  `json:"rejected_by_gate"`
	RejectedByPeer   int64  `json:"rejected_by_peer_factory"`
	AcceptErrors     int64  `json:"accept_errors"`
	WouldBlock       int64  `json:"would_block"`
	LastError        string `json:"last_error,omitempty"`
	LastErrorMessage string `json:"last_error_message,omitempty"`
}

func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:          time.Since(c.startTime).Truncate(time.Second).String(),
		EndpointsOpened: c.endpointsOpened.Load(),
		Accepted:        c.accepted.Load(),
		Admitted:        c.admitted.Load(),
		RejectedByGate:  c.rejectedByGate.Load(),
		RejectedByPeer:  c.rejectedByPeer.Load(),
		AcceptErrors:    c.acceptErrors.Load(),
		WouldBlock:      c.wouldBlockChecks.Load(),
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() (string, error) {
	data, err := json.MarshalIndent(c.Snapshot(), "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode metrics: %w", err)
	}
	return string(data), nil
}
