package session

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/die-net/sshmux/internal/bridge"
	"github.com/die-net/sshmux/internal/engine"
	"github.com/die-net/sshmux/internal/metrics"
	"github.com/die-net/sshmux/internal/proxy"
	"github.com/die-net/sshmux/internal/socks5"
)

const (
	socksTimeout = 10 * time.Second
	replyTimeout = time.Second
)

// outboundConn carries one locally accepted connection over a
// direct-tcpip channel.
type outboundConn struct {
	*channel

	local net.Conn
	host  string
	port  int

	socks *engine.Future[*proxy.SOCKS5Request]
	req   *proxy.SOCKS5Request
	reply *engine.Future[struct{}]

	remote engine.Channel
	bridge *bridge.Bridge
}

func newOutboundConn(s *Session, name string, local net.Conn, host string, port int, dynamic bool) *outboundConn {
	c := &outboundConn{local: local, host: host, port: port}
	c.channel = s.newChannel(name, "forward-connection", c)
	if dynamic {
		c.socks = engine.Go(s.notify, func() (*proxy.SOCKS5Request, error) {
			return proxy.AcceptSOCKS5(local, socks5.Auth{}, socksTimeout)
		})
	}
	return c
}

func (c *outboundConn) open() (ChannelState, error) {
	if c.socks != nil && c.req == nil {
		req, err := c.socks.Poll()
		if err != nil {
			return 0, err
		}
		c.req = req
		host, port, err := req.HostPort()
		if err != nil {
			return 0, fmt.Errorf("socks5 target %q: %w", req.Target, err)
		}
		c.host, c.port = host, port
	}

	if err := c.s.lock.TryLock(c.channel); err != nil {
		return 0, err
	}

	req := engine.ChannelRequest{Kind: engine.KindDirectTCPIP, Host: c.host, Port: c.port}
	if addr, ok := c.local.RemoteAddr().(*net.TCPAddr); ok {
		req.OriginHost, req.OriginPort = addr.IP.String(), addr.Port
	}
	ch, err := c.s.eng.OpenChannel(req)
	c.track(pollOpen(func() (engine.Channel, error) { return c.s.eng.OpenChannel(req) }), err)
	if err != nil {
		if errors.Is(err, engine.ErrWouldBlock) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: direct-tcpip to %s: %w", ErrChannelOpenFailed, net.JoinHostPort(c.host, strconv.Itoa(c.port)), err)
	}
	c.handle, c.remote = ch, ch
	return ChannelExec, nil
}

func (c *outboundConn) exec() error {
	if c.req != nil {
		if c.reply == nil {
			req := c.req
			c.reply = engine.Go(c.s.notify, func() (struct{}, error) {
				_ = req.Conn.SetWriteDeadline(time.Now().Add(replyTimeout))
				defer func() { _ = req.Conn.SetWriteDeadline(time.Time{}) }()
				return struct{}{}, req.Reply(nil)
			})
		}
		if _, err := c.reply.Poll(); err != nil {
			return err
		}
	}

	c.bridge = bridge.New(engine.NewNonBlockingConn(c.local, 0, c.s.notify), c.remote)
	return nil
}

func (c *outboundConn) step() (bool, error) {
	c.bridge.Step()
	if !c.bridge.Finished() {
		return false, nil
	}
	return true, c.bridge.Err()
}

func (c *outboundConn) close() {
	switch {
	case c.bridge != nil:
		out, in := c.bridge.Bytes()
		metrics.AddBridgeBytes(out, in)
		_ = c.bridge.Close()
	case c.req != nil && c.reply == nil:
		// Refuse the SOCKS request before dropping the connection.
		req, cause := c.req, c.Err()
		if cause == nil {
			cause = ErrClosed
		}
		go func() {
			_ = req.Conn.SetWriteDeadline(time.Now().Add(replyTimeout))
			_ = req.Reply(cause)
			_ = req.Conn.Close()
		}()
	default:
		_ = c.local.Close()
	}
}

func (c *outboundConn) isClosed() bool {
	return true
}

// inboundConn carries one connection the server accepted on a remote
// forward to the local target.
type inboundConn struct {
	*channel

	remote engine.Channel
	target string
	dial   *engine.Future[net.Conn]
	bridge *bridge.Bridge
}

func newInboundConn(s *Session, name string, remote engine.Channel, target string) *inboundConn {
	c := &inboundConn{remote: remote, target: target}
	c.channel = s.newChannel(name, "forward-connection", c)
	c.handle = remote
	return c
}

func (c *inboundConn) open() (ChannelState, error) {
	s, target := c.s, c.target
	c.dial = engine.Go(s.notify, func() (net.Conn, error) {
		return s.local.DialContext(s.ctx, "tcp", target)
	})
	return ChannelExec, nil
}

func (c *inboundConn) exec() error {
	conn, err := c.dial.Poll()
	if err != nil {
		if errors.Is(err, engine.ErrWouldBlock) {
			return err
		}
		return fmt.Errorf("connecting to %s: %w", c.target, err)
	}
	c.bridge = bridge.New(engine.NewNonBlockingConn(conn, 0, c.s.notify), c.remote)
	return nil
}

func (c *inboundConn) step() (bool, error) {
	c.bridge.Step()
	if !c.bridge.Finished() {
		return false, nil
	}
	return true, c.bridge.Err()
}

func (c *inboundConn) close() {
	switch {
	case c.bridge != nil:
		out, in := c.bridge.Bytes()
		// Out is toward the local target here.
		metrics.AddBridgeBytes(in, out)
		_ = c.bridge.Close()
	case c.dial != nil:
		f := c.dial
		go func() {
			<-f.Done()
			if conn, err := f.Poll(); err == nil {
				_ = conn.Close()
			}
		}()
	}
}

func (c *inboundConn) isClosed() bool {
	return true
}
