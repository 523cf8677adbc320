// Package dialer provides the outbound dialers sshmux uses to reach SSH
// servers and the local targets of remote forwards.
//
// Dialers implement a small interface (DialContext) and connect either
// directly or through an upstream proxy (HTTP CONNECT or SOCKS5), selected
// by URL with New.
package dialer
