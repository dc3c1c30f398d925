package model

import (
	"net"

	"github.com/miekg/dns"
)

type Route uint8

const (
	RouteNone    Route = iota
	RouteProxied       // resolved through the primary upstream
	RouteBlocked       // answered with the sink address
	RouteBackup        // relayed from the backup resolver
)

var routeNames = [...]string{"none", "proxied", "blocked", "backup"}

func (r Route) String() string {
	if int(r) < len(routeNames) {
		return routeNames[r]
	}
	return "unknown"
}

// DT is one query travelling through the server, from the datagram that
// carried it to the single response written back.
type DT struct {
	SN uint64 // serial number, assigned by the read loop

	// RemoteAddr the requester udp address
	RemoteAddr *net.UDPAddr

	// Name the canonical question name, lower case without trailing dot
	Name string

	Request  *dns.Msg
	Response *dns.Msg

	Route  Route
	Cached bool // answered without a new upstream exchange
}

// Notification is published after a proxied name resolved to at least one
// IPv4 address.
type Notification struct {
	Domain    string   `json:"domain"`
	Addresses []string `json:"address"`
}
