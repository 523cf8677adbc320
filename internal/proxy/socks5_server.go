package proxy

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/die-net/sshmux/internal/socks5"
)

// SOCKS5Request is a negotiated CONNECT request waiting for its reply.
type SOCKS5Request struct {
	Conn   net.Conn
	Target string
	atyp   byte
}

// AcceptSOCKS5 runs SOCKS5 negotiation on conn and reads the client's
// request. Commands other than CONNECT are refused. Timeout bounds the whole
// exchange when positive.
func AcceptSOCKS5(conn net.Conn, auth socks5.Auth, timeout time.Duration) (*SOCKS5Request, error) {
	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
		defer func() { _ = conn.SetDeadline(time.Time{}) }()
	}

	if err := socks5.ServerNegotiate(conn, auth); err != nil {
		return nil, fmt.Errorf("socks5: %w", err)
	}

	req, err := socks5.ServerReadRequest(conn)
	if err != nil {
		return nil, fmt.Errorf("socks5: %w", err)
	}
	if req.Cmd != socks5.CmdConnect {
		socks5.WriteCommandNotSupportedReply(conn, req.Atyp)
		return nil, fmt.Errorf("socks5: unsupported command %d", req.Cmd)
	}

	return &SOCKS5Request{Conn: conn, Target: req.Address(), atyp: req.Atyp}, nil
}

// Reply tells the client whether the CONNECT succeeded. A non-nil result is
// reported as connection refused.
func (r *SOCKS5Request) Reply(result error) error {
	if result != nil {
		socks5.WriteConnectionRefusedReply(r.Conn, r.atyp)
		return nil
	}
	return socks5.WriteSuccessReply(r.Conn, r.Conn.LocalAddr())
}

// HostPort splits Target.
func (r *SOCKS5Request) HostPort() (string, int, error) {
	host, port, err := net.SplitHostPort(r.Target)
	if err != nil {
		return "", 0, err
	}
	p, err := net.LookupPort("tcp", port)
	if err != nil {
		return "", 0, err
	}
	if p == 0 {
		return "", 0, errors.New("socks5: zero port")
	}
	return host, p, nil
}
