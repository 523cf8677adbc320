package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
)

// LocalForward listens locally and opens a direct-tcpip channel through the
// session for every accepted connection. A dynamic forward reads each
// connection's target from a SOCKS5 request instead.
type LocalForward struct {
	*channel

	bind       string
	targetHost string
	targetPort int
	dynamic    bool

	acc   *acceptor
	port  int
	conns group
}

// OpenLocalForward forwards connections to localBind (0 picks a port) to
// remotePort on the target host, as seen from the server. It returns the
// bound local port. Opening an existing name returns that forward's port.
func (s *Session) OpenLocalForward(ctx context.Context, name string, remotePort, localBind int, opts ...ForwardOption) (int, error) {
	if remotePort <= 0 || !validPort(remotePort) {
		return 0, fmt.Errorf("invalid remote port %d", remotePort)
	}
	if !validPort(localBind) {
		return 0, fmt.Errorf("invalid local port %d", localBind)
	}
	o := newForwardOptions(opts)
	return s.openLocal(ctx, name, false, net.JoinHostPort(o.bindAddress, strconv.Itoa(localBind)), o.targetHost, remotePort)
}

// OpenDynamicForward runs a SOCKS5 server on localBind (0 picks a port)
// whose CONNECT requests are forwarded through the session. It returns the
// bound local port.
func (s *Session) OpenDynamicForward(ctx context.Context, name string, localBind int, opts ...ForwardOption) (int, error) {
	if !validPort(localBind) {
		return 0, fmt.Errorf("invalid local port %d", localBind)
	}
	o := newForwardOptions(opts)
	return s.openLocal(ctx, name, true, net.JoinHostPort(o.bindAddress, strconv.Itoa(localBind)), "", 0)
}

func (s *Session) openLocal(ctx context.Context, name string, dynamic bool, bind, host string, port int) (int, error) {
	var t *LocalForward
	err := s.doReady(ctx, func() error {
		existing, ok, err := lookup[*LocalForward](s, name)
		if err != nil {
			return err
		}
		if ok {
			if existing.dynamic != dynamic {
				return fmt.Errorf("channel %q is a %s channel", name, existing.kind)
			}
			t = existing
			return nil
		}

		t = &LocalForward{
			bind:       bind,
			targetHost: host,
			targetPort: port,
			dynamic:    dynamic,
			conns:      group{base: name},
		}
		kind := "local-forward"
		if dynamic {
			kind = "dynamic-forward"
		}
		t.channel = s.newChannel(name, kind, t)
		s.register(t.channel)
		t.run()
		return nil
	})
	if err != nil {
		return 0, err
	}
	if err := t.waitOpen(ctx); err != nil {
		return 0, err
	}
	return t.port, nil
}

// Port returns the local listening port.
func (t *LocalForward) Port() int {
	return t.port
}

func (t *LocalForward) open() (ChannelState, error) {
	acc, err := listen(t.s.ctx, t.bind, t.s.notify)
	if err != nil {
		return 0, err
	}
	t.acc = acc
	t.port = acc.Port()

	if t.dynamic {
		t.log.Info("dynamic forward listening", slog.Int("port", t.port))
	} else {
		t.log.Info("local forward listening", slog.Int("port", t.port),
			slog.String("target", net.JoinHostPort(t.targetHost, strconv.Itoa(t.targetPort))))
	}
	return ChannelReady, nil
}

func (t *LocalForward) exec() error {
	return nil
}

func (t *LocalForward) step() (bool, error) {
	t.conns.run()

	accepted, err := t.acc.take()
	for _, conn := range accepted {
		c := newOutboundConn(t.s, t.conns.nextName(), conn, t.targetHost, t.targetPort, t.dynamic)
		t.conns.add(c.channel)
		c.log.Debug("accepted connection", slog.String("remote", conn.RemoteAddr().String()))
	}
	if len(accepted) > 0 {
		t.s.notify()
	}

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return true, fmt.Errorf("accepting: %w", err)
	}
	return false, nil
}

func (t *LocalForward) close() {
	if t.acc != nil {
		t.acc.close()
	}
	t.conns.closeAll()
}

func (t *LocalForward) isClosed() bool {
	t.conns.run()
	if len(t.conns.conns) > 0 {
		return false
	}
	return t.acc == nil || t.acc.isClosed()
}

func (t *LocalForward) abortOwned() {
	if t.acc != nil {
		t.acc.close()
	}
	t.conns.abort()
}
