package peer

// 参考: https://go.googlesource.com/go/%2B/master/src/net/http/server.go#3267
type ConnState int32

const (
	StateNew       ConnState = iota // accepted, not yet offered to the factory
	StateHandedOff                  // owned by the PeerAccepted callback
	StateClosed
)

var stateName = map[ConnState]string{
	StateNew:       "new",
	StateHandedOff: "handed-off",
	StateClosed:    "closed",
}

func (s ConnState) String() string {
	return stateName[s]
}
