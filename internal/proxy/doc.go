// Package proxy holds the listener-side plumbing shared by forwards:
// keepalive listeners, the flow buffer pool, and SOCKS5 request negotiation
// for dynamic forwards.
package proxy
