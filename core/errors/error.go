package terrr

import (
	"errors"
	"fmt"
)

// ErrWouldBlock は、非ブロッキング操作がすぐに完了できない場合に返されるエラー
var ErrWouldBlock = errors.New("operation would block")

var (
	ErrCapacityExceeded = errors.New("too many listening sockets")
	ErrNoEndpoints      = errors.New("no listening endpoints")
	ErrNoCandidates     = errors.New("no bind candidate could be opened")
	ErrUnsupported      = errors.New("transport not supported")
	ErrInvalidContextID = errors.New("invalid vsock context id")
	ErrClosed           = errors.New("use of closed socket")
)

// OpError describes a failed socket operation on one address.
type OpError struct {
	Op   string // "socket", "bind", "listen", "accept", "nonblock", "handle"
	Addr string
	Err  error
}

func (e *OpError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// Wrap returns nil when err is nil.
func Wrap(op, addr string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Addr: addr, Err: err}
}
