// Package socks5 holds the SOCKS5 handshakes sshmux speaks: the client side
// used by the upstream proxy dialer and the server side used by dynamic
// forwards.
//
// It is a thin layer over the protocol types in github.com/txthinking/socks5
// so negotiation, CONNECT parsing, and replies live in one place.
package socks5
