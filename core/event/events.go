//go:build linux

package event

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// EventType is a bit set of the readiness conditions a Handle observes.
type EventType uint32

const (
	EVENT_TYPE_READ EventType = 1 << iota
	EVENT_TYPE_ACCEPT
	EVENT_TYPE_CLOSE
)

// EVENT_TYPE_LISTEN is the registration used for listening endpoints.
const EVENT_TYPE_LISTEN = EVENT_TYPE_READ | EVENT_TYPE_ACCEPT | EVENT_TYPE_CLOSE

func (et EventType) String() string {
	if et == 0 {
		return "EVENT_TYPE_NONE"
	}
	var names []string
	if et&EVENT_TYPE_READ != 0 {
		names = append(names, "EVENT_TYPE_READ")
	}
	if et&EVENT_TYPE_ACCEPT != 0 {
		names = append(names, "EVENT_TYPE_ACCEPT")
	}
	if et&EVENT_TYPE_CLOSE != 0 {
		names = append(names, "EVENT_TYPE_CLOSE")
	}
	if rest := et &^ EVENT_TYPE_LISTEN; rest != 0 {
		names = append(names, fmt.Sprintf("UNKNOWN: %d", uint32(rest)))
	}
	return strings.Join(names, "|")
}

// epoll maps the bit set onto a level-triggered epoll registration.
// Incoming data and incoming connections are both EPOLLIN on a socket.
func (et EventType) epoll() uint32 {
	var ev uint32
	if et&(EVENT_TYPE_READ|EVENT_TYPE_ACCEPT) != 0 {
		ev |= unix.EPOLLIN
	}
	if et&EVENT_TYPE_CLOSE != 0 {
		ev |= unix.EPOLLRDHUP | unix.EPOLLHUP | unix.EPOLLERR
	}
	return ev
}

func fromEpoll(ev uint32, registered EventType) EventType {
	var et EventType
	if ev&unix.EPOLLIN != 0 {
		et |= registered & (EVENT_TYPE_READ | EVENT_TYPE_ACCEPT)
	}
	if ev&(unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		et |= EVENT_TYPE_CLOSE
	}
	return et
}
