package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/die-net/sshmux/internal/engine"
)

// RemoteForward asks the server to listen on a port and relays each
// connection it accepts to a local target.
//
// It also runs a helper listener on 127.0.0.1 whose connections are sent
// back to the forwarded port through the server, so the whole path can be
// probed locally.
type RemoteForward struct {
	*channel

	bind      string
	requested int
	target    string

	listener engine.Listener
	bound    int

	helper       *acceptor
	helperClosed bool
	port         int

	conns  group
	probes group
}

// OpenRemoteForward registers a server-side forward of remotePort (0 lets
// the server choose) to target, a local host:port. It returns the helper
// listener's port. A failed registration returns 0 and is not retried.
func (s *Session) OpenRemoteForward(ctx context.Context, name string, remotePort int, target string, opts ...ForwardOption) (int, error) {
	if !validPort(remotePort) {
		return 0, fmt.Errorf("invalid remote port %d", remotePort)
	}
	if _, _, err := net.SplitHostPort(target); err != nil {
		return 0, fmt.Errorf("invalid target %q: %w", target, err)
	}
	o := newForwardOptions(opts)

	var t *RemoteForward
	err := s.doReady(ctx, func() error {
		existing, ok, err := lookup[*RemoteForward](s, name)
		if err != nil {
			return err
		}
		if ok {
			t = existing
			return nil
		}

		t = &RemoteForward{
			bind:      o.bindAddress,
			requested: remotePort,
			target:    target,
			conns:     group{base: name},
			probes:    group{base: name + "_probe"},
		}
		t.channel = s.newChannel(name, "remote-forward", t)
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

// Port returns the helper listener's port.
func (t *RemoteForward) Port() int {
	return t.port
}

// RemotePort returns the port the server bound.
func (t *RemoteForward) RemotePort() int {
	return t.bound
}

func (t *RemoteForward) open() (ChannelState, error) {
	if t.listener == nil {
		if err := t.s.lock.TryLock(t.channel); err != nil {
			return 0, err
		}
		ln, err := t.s.eng.RequestForward(t.bind, t.requested)
		t.track(pollOpen(func() (engine.Listener, error) { return t.s.eng.RequestForward(t.bind, t.requested) }), err)
		if err != nil {
			if errors.Is(err, engine.ErrWouldBlock) {
				return 0, err
			}
			return 0, fmt.Errorf("%w: tcpip-forward %s: %w", ErrChannelOpenFailed,
				net.JoinHostPort(t.bind, strconv.Itoa(t.requested)), err)
		}
		t.listener, t.handle = ln, ln
		t.bound = ln.Port()
	}

	helper, err := listen(t.s.ctx, "127.0.0.1:0", t.s.notify)
	if err != nil {
		return 0, err
	}
	t.helper = helper
	t.port = helper.Port()

	t.log.Info("remote forward registered",
		slog.Int("remote_port", t.bound),
		slog.String("target", t.target),
		slog.Int("helper_port", t.port))
	return ChannelReady, nil
}

func (t *RemoteForward) exec() error {
	return nil
}

// probeHost is where helper connections are sent on the server.
func (t *RemoteForward) probeHost() string {
	if ip := net.ParseIP(t.bind); ip != nil && ip.IsUnspecified() {
		return "127.0.0.1"
	}
	return t.bind
}

func (t *RemoteForward) step() (bool, error) {
	t.conns.run()
	t.probes.run()

	spawned := false
	for {
		ch, err := t.listener.Accept()
		if errors.Is(err, engine.ErrWouldBlock) {
			break
		}
		if err != nil {
			return true, fmt.Errorf("accepting forwarded connection: %w", err)
		}
		c := newInboundConn(t.s, t.conns.nextName(), ch, t.target)
		t.conns.add(c.channel)
		spawned = true
	}

	accepted, err := t.helper.take()
	for _, conn := range accepted {
		c := newOutboundConn(t.s, t.probes.nextName(), conn, t.probeHost(), t.bound, false)
		t.probes.add(c.channel)
		spawned = true
	}
	if spawned {
		t.s.notify()
	}

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return true, fmt.Errorf("accepting on helper listener: %w", err)
	}
	return false, nil
}

func (t *RemoteForward) close() {
	t.conns.closeAll()
	t.probes.closeAll()
}

// isClosed closes the helper listener once every connection is gone. The
// server-side forward is cancelled when the listener handle is freed.
func (t *RemoteForward) isClosed() bool {
	t.conns.run()
	t.probes.run()
	if len(t.conns.conns) > 0 || len(t.probes.conns) > 0 {
		return false
	}
	if t.helper == nil {
		return true
	}
	if !t.helperClosed {
		t.helper.close()
		t.helperClosed = true
	}
	return t.helper.isClosed()
}

func (t *RemoteForward) abortOwned() {
	t.conns.abort()
	t.probes.abort()
	if t.helper != nil {
		t.helper.close()
	}
}

// Connections returns the names of the live forwarded connections.
func (t *RemoteForward) Connections(ctx context.Context) ([]string, error) {
	var names []string
	err := t.s.do(ctx, func() { names = t.conns.names() })
	return names, err
}
