package dialer

import (
	"net"
	"time"
)

// Config holds the timeouts and socket options shared by all dialers.
type Config struct {
	// DialTimeout bounds DNS lookup and TCP connect.
	DialTimeout time.Duration
	// NegotiationTimeout bounds proxy negotiation after connect.
	NegotiationTimeout time.Duration
	// KeepAlive is applied to outbound TCP connections.
	KeepAlive net.KeepAliveConfig
}
